package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"planpay/internal/config"
	"planpay/internal/models/db_models"
	"planpay/internal/repositories"
	mem "planpay/pkg/memcache"
	"planpay/pkg/utils"
	"planpay/pkg/workerpool"
)

type PurchaseCommand struct {
	IdempotencyKey string
	UserID         string
	UserName       string
	UserMail       string
	PlanID         string
	CouponCode     *string
	Currency       string
	AmountHint     decimal.Decimal
	PaymentDate    time.Time
}

type PurchaseResult struct {
	PaymentID       string
	Status          db_models.PaymentStatus
	Currency        string
	PaidAmount      decimal.Decimal
	ReceiptURL      string
	GatewayOrderRef string
	CheckoutURL     string
	Replayed        bool
}

// Reference is the receipt URL when one was stored, otherwise the gateway order.
func (r *PurchaseResult) Reference() string {
	if r.ReceiptURL != "" {
		return r.ReceiptURL
	}
	return r.GatewayOrderRef
}

type SweepReport struct {
	Repaired int
	Expired  int
	Skipped  int
}

type SettlementServiceInterface interface {
	Purchase(ctx context.Context, cmd PurchaseCommand) (*PurchaseResult, error)
	ConfirmSettlement(ctx context.Context, gatewayOrderRef string, outcome Outcome) error
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	Sweep(ctx context.Context) (SweepReport, error)
	GetPayment(ctx context.Context, paymentID string) (*db_models.PaymentRecord, error)
}

type IdentifierGenerator interface {
	Generate(userID, planID string, ts time.Time) string
}

// SettlementDeps are the collaborators of the settlement saga.
type SettlementDeps struct {
	Plans     repositories.IPlanRepository
	Coupons   repositories.ICouponRepository
	Ledger    repositories.PaymentLedger
	Discounts DiscountServiceInterface
	IDs       IdentifierGenerator
	Gateway   GatewayClient
	Renderer  ReceiptRendererInterface
	Store     ArtifactStore
	Mailer    IMailService
	Cache     CacheInvalidator
	Inflight  mem.InflightStore
	Pools     *workerpool.Pools
}

type SettlementService struct {
	SettlementDeps
	cfg     config.SettlementConfig
	epsilon decimal.Decimal
	storage retryPolicy
	notify  retryPolicy
	now     func() time.Time
}

func NewSettlementService(deps SettlementDeps, cfg config.SettlementConfig) (*SettlementService, error) {
	if deps.Cache == nil {
		deps.Cache = noopCacheInvalidator{}
	}
	if deps.Inflight == nil {
		deps.Inflight = mem.NewInflightKeys()
	}
	if deps.IDs == nil {
		deps.IDs = NewPaymentIDGenerator()
	}
	if deps.Pools == nil {
		return nil, errors.New("settlement: worker pools are required")
	}

	cfg = withSettlementDefaults(cfg)
	epsilon, err := decimal.NewFromString(cfg.PriceEpsilon)
	if err != nil || epsilon.IsNegative() {
		return nil, fmt.Errorf("settlement: invalid price epsilon %q", cfg.PriceEpsilon)
	}

	return &SettlementService{
		SettlementDeps: deps,
		cfg:            cfg,
		epsilon:        epsilon,
		storage:        retryPolicy{attempts: cfg.RetryAttempts, base: cfg.RetryBase, perAttempt: cfg.StorageTimeout},
		notify:         retryPolicy{attempts: cfg.RetryAttempts, base: cfg.RetryBase, perAttempt: cfg.NotifyTimeout},
		now:            time.Now,
	}, nil
}

func withSettlementDefaults(cfg config.SettlementConfig) config.SettlementConfig {
	if cfg.SideEffectMode == "" {
		cfg.SideEffectMode = config.SideEffectsOnOrderOpen
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 15 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.PriceEpsilon == "" {
		cfg.PriceEpsilon = "0.01"
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 24 * time.Hour
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	if cfg.InflightTTL <= 0 {
		cfg.InflightTTL = 2 * time.Minute
	}
	return cfg
}

// ------------------- Purchase -------------------

// Purchase runs the saga on the checkout pool. The saga is detached from ctx: a caller
// that stops waiting does not stop it.
func (s *SettlementService) Purchase(ctx context.Context, cmd PurchaseCommand) (*PurchaseResult, error) {
	key := strings.TrimSpace(cmd.IdempotencyKey)
	cmd.IdempotencyKey = key

	claim := scopedIdempotencyKey(cmd.UserID, key)
	if key != "" {
		if res, err := s.replay(ctx, cmd); res != nil || err != nil {
			return res, err
		}
		if !s.Inflight.Claim(claim, s.cfg.InflightTTL) {
			purchasesTotal.WithLabelValues("in_progress").Inc()
			return nil, utils.ErrPurchaseInProgress
		}
		// the previous holder may have finished between the lookup and the claim
		if res, err := s.replay(ctx, cmd); res != nil || err != nil {
			s.Inflight.Release(claim)
			return res, err
		}
	}

	type outcome struct {
		res *PurchaseResult
		err error
	}
	done := make(chan outcome, 1)
	sagaCtx := context.WithoutCancel(ctx)

	err := s.Pools.Checkout.Submit(func() {
		if key != "" {
			defer s.Inflight.Release(claim)
		}
		res, err := s.runSaga(sagaCtx, cmd)
		done <- outcome{res, err}
	})
	if err != nil {
		if key != "" {
			s.Inflight.Release(claim)
		}
		purchasesTotal.WithLabelValues("busy").Inc()
		return nil, fmt.Errorf("%w: %v", utils.ErrCheckoutBusy, err)
	}

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// scopedIdempotencyKey namespaces a client key by its user. The user id is length
// prefixed so no (user, key) pair can collide with another.
func scopedIdempotencyKey(userID, key string) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%d:%s:%s", len(userID), userID, key)
}

// replay returns the stored result for the caller's key. A key reused for another
// plan, currency or amount is rejected instead of replayed.
func (s *SettlementService) replay(ctx context.Context, cmd PurchaseCommand) (*PurchaseResult, error) {
	existing, err := s.Ledger.FindByIdempotencyKey(ctx, cmd.UserID, cmd.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if !strings.EqualFold(existing.PlanID, strings.TrimSpace(cmd.PlanID)) {
		purchasesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: key was used for plan %s", utils.ErrIdempotencyMismatch, existing.PlanID)
	}
	if c := utils.NormalizeCurrency(cmd.Currency); c != "" && c != existing.Currency {
		purchasesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: key was used for currency %s", utils.ErrIdempotencyMismatch, existing.Currency)
	}
	if cmd.AmountHint.Sub(existing.RequestedAmount).Abs().GreaterThan(s.epsilon) {
		purchasesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: key was used for amount %s", utils.ErrIdempotencyMismatch, existing.RequestedAmount)
	}
	purchasesTotal.WithLabelValues("replayed").Inc()
	res := resultFromRecord(existing)
	res.Replayed = true
	return res, nil
}

func resultFromRecord(r *db_models.PaymentRecord) *PurchaseResult {
	res := &PurchaseResult{
		PaymentID:       r.PaymentID,
		Status:          r.Status,
		Currency:        r.Currency,
		PaidAmount:      r.PaidAmount,
		GatewayOrderRef: r.OrderRef(),
		CheckoutURL:     r.CheckoutURL,
	}
	if r.ReceiptURL != nil {
		res.ReceiptURL = *r.ReceiptURL
	}
	return res
}

func (s *SettlementService) runSaga(ctx context.Context, cmd PurchaseCommand) (*PurchaseResult, error) {
	log := slog.With("user_id", cmd.UserID, "plan_id", cmd.PlanID)

	// 1. plan
	plan, err := s.Plans.GetPlanInfoById(ctx, cmd.PlanID)
	if err != nil {
		purchasesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: load plan: %v", utils.ErrDatabaseError, err)
	}
	if plan == nil || !plan.IsActive {
		purchasesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s", utils.ErrPlanNotFound, cmd.PlanID)
	}

	// 2. price check and discount
	currency := utils.NormalizeCurrency(plan.Currency)
	if c := utils.NormalizeCurrency(cmd.Currency); c != "" && c != currency {
		purchasesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: currency %s, plan is priced in %s", utils.ErrPriceMismatch, c, currency)
	}
	if cmd.AmountHint.Sub(plan.Price).Abs().GreaterThan(s.epsilon) {
		purchasesTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: got %s, plan price is %s", utils.ErrPriceMismatch, cmd.AmountHint, plan.Price)
	}

	now := s.now()
	discount, err := s.Discounts.Resolve(ctx, plan.Price, cmd.CouponCode, plan.ID.String(), now)
	if err != nil {
		purchasesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// 3. identifier
	paymentDate := cmd.PaymentDate
	if paymentDate.IsZero() {
		paymentDate = now
	}
	record := &db_models.PaymentRecord{
		PaymentID:       s.IDs.Generate(cmd.UserID, plan.ID.String(), now),
		UserID:          cmd.UserID,
		UserName:        cmd.UserName,
		UserMail:        cmd.UserMail,
		PlanID:          plan.ID.String(),
		PlanName:        plan.Name,
		Currency:        currency,
		RequestedAmount: plan.Price,
		PaidAmount:      discount.Payable,
		CouponCode:      discount.AppliedCode,
		DiscountPercent: discount.OffPercent,
		Provider:        s.Gateway.Provider(),
		Status:          db_models.PaymentStatusCreated,
		PaymentDate:     paymentDate.Unix(),
	}
	if cmd.IdempotencyKey != "" {
		record.IdempotencyKey = &cmd.IdempotencyKey
	}
	log = log.With("payment_id", record.PaymentID)

	// 4. gateway order, never retried
	order, err := s.openOrder(ctx, record, plan, scopedIdempotencyKey(cmd.UserID, cmd.IdempotencyKey))
	if err != nil {
		record.Transition(db_models.PaymentStatusFailed)
		record.FailureReason = err.Error()
		purchasesTotal.WithLabelValues("gateway_error").Inc()
		log.Warn("gateway order failed, nothing persisted", "error", err)
		return nil, fmt.Errorf("%w: %v", utils.ErrPaymentGateway, err)
	}
	log = log.With("order_ref", order.OrderRef)

	// 5. checkpoint
	record.GatewayOrderRef = &order.OrderRef
	record.CheckoutURL = order.CheckoutURL
	record.Transition(db_models.PaymentStatusPending)
	if err := s.Ledger.Create(ctx, record); err != nil {
		if errors.Is(err, utils.ErrDuplicateIdempotencyKey) {
			if res, rerr := s.replay(ctx, cmd); res != nil || rerr != nil {
				return res, rerr
			}
		}
		purchasesTotal.WithLabelValues("error").Inc()
		log.Error("gateway order opened but not recorded", "error", err)
		return nil, err
	}
	s.invalidate(ctx, CacheEntityPayment, record.PaymentID)

	if discount.AppliedCode != nil {
		if err := s.Coupons.IncrementUsage(ctx, *discount.AppliedCode); err != nil {
			sideEffectFailures.WithLabelValues("coupon").Inc()
			log.Warn("coupon usage not counted", "coupon", *discount.AppliedCode, "error", err)
		} else {
			s.invalidate(ctx, CacheEntityCoupon, *discount.AppliedCode)
		}
	}

	if order.Captured {
		if changed, err := s.Ledger.MarkSettled(ctx, record.PaymentID, order.OrderRef); err != nil {
			log.Error("synchronous capture not recorded", "error", err)
		} else if changed {
			record.Transition(db_models.PaymentStatusSettled)
			now := s.now().Unix()
			record.SettledAt = &now
			s.invalidate(ctx, CacheEntityPayment, record.PaymentID)
		}
	}

	// 6-7. receipt
	pdf := s.produceReceipt(ctx, log, record, plan)

	// 8-9. notification and member counter
	if s.sideEffectsDue(record.Status) {
		s.deliverReceipt(ctx, log, record, plan, pdf)
		s.countMember(ctx, log, record)
	}

	if record.Status == db_models.PaymentStatusSettled {
		purchasesTotal.WithLabelValues("settled").Inc()
	} else {
		purchasesTotal.WithLabelValues("pending").Inc()
	}
	log.Info("purchase recorded", "status", record.Status, "paid", record.PaidAmount.StringFixed(2))

	// 10.
	return resultFromRecord(record), nil
}

func (s *SettlementService) openOrder(ctx context.Context, record *db_models.PaymentRecord, plan *db_models.Plan, idempotencyKey string) (*OrderResult, error) {
	gctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	if idempotencyKey == "" {
		idempotencyKey = record.PaymentID
	}

	start := time.Now()
	order, err := s.Gateway.OpenOrder(gctx, OrderRequest{
		AmountMinor:    utils.MinorUnits(record.PaidAmount, record.Currency),
		Currency:       record.Currency,
		ReferenceID:    record.PaymentID,
		IdempotencyKey: idempotencyKey,
		Description:    fmt.Sprintf("%s plan (%d days)", plan.Name, plan.DurationDays),
		BuyerEmail:     record.UserMail,
	})
	result := "ok"
	if err == nil && (order == nil || order.OrderRef == "") {
		err = errors.New("gateway returned no order reference")
	}
	if err != nil {
		result = "error"
	}
	gatewayLatency.WithLabelValues(s.Gateway.Provider(), result).Observe(time.Since(start).Seconds())
	return order, err
}

// sideEffectsDue reports whether notification and the member counter run for a record
// in this state.
func (s *SettlementService) sideEffectsDue(status db_models.PaymentStatus) bool {
	switch status {
	case db_models.PaymentStatusSettled:
		return true
	case db_models.PaymentStatusPending:
		return s.cfg.SideEffectMode == config.SideEffectsOnOrderOpen
	}
	return false
}

// ------------------- Post-checkpoint steps -------------------

// produceReceipt renders and stores the receipt. Failures leave receipt_url empty for
// the sweeper; the rendered bytes are returned whenever rendering succeeded.
func (s *SettlementService) produceReceipt(ctx context.Context, log *slog.Logger, record *db_models.PaymentRecord, plan *db_models.Plan) []byte {
	pdf, err := s.Renderer.Render(record, plan)
	if err != nil {
		sideEffectFailures.WithLabelValues("render").Inc()
		log.Error("receipt rendering failed", "error", err)
		return nil
	}
	s.storeReceipt(ctx, log, record, pdf)
	return pdf
}

func (s *SettlementService) storeReceipt(ctx context.Context, log *slog.Logger, record *db_models.PaymentRecord, pdf []byte) {
	if record.ReceiptURL != nil {
		return
	}

	key := ReceiptKey(record.PaymentID)
	var url string
	err := s.storage.do(ctx, func(actx context.Context) error {
		var putErr error
		url, putErr = s.Store.Put(actx, key, pdf, receiptContentType)
		return putErr
	})
	if err != nil {
		sideEffectFailures.WithLabelValues("store").Inc()
		log.Warn("receipt not stored, left for sweeper", "key", key, "error", err)
		return
	}

	if err := s.Ledger.AttachReceiptURL(ctx, record.PaymentID, url); err != nil {
		sideEffectFailures.WithLabelValues("attach").Inc()
		log.Error("receipt stored but not attached", "url", url, "error", err)
		return
	}
	record.ReceiptURL = &url
	s.invalidate(ctx, CacheEntityPayment, record.PaymentID)
}

func (s *SettlementService) deliverReceipt(ctx context.Context, log *slog.Logger, record *db_models.PaymentRecord, plan *db_models.Plan, pdf []byte) {
	if record.NotifiedAt != nil {
		return
	}
	if pdf == nil {
		sideEffectFailures.WithLabelValues("notify").Inc()
		log.Warn("notification skipped, no receipt to attach")
		return
	}

	md := map[string]string{
		"payment_id": record.PaymentID,
		"plan_name":  plan.Name,
		"amount":     formatMoney(record.PaidAmount, record.Currency),
		"status":     string(record.Status),
	}
	if record.ReceiptURL != nil {
		md["receipt_url"] = *record.ReceiptURL
	}
	n := Notification{
		To:              record.UserMail,
		Subject:         fmt.Sprintf("Receipt for your %s plan", plan.Name),
		BodyTemplateID:  TemplatePaymentReceipt,
		AttachmentBytes: pdf,
		AttachmentName:  fmt.Sprintf("receipt-%s.pdf", record.PaymentID),
		Metadata:        md,
	}

	if err := s.notify.do(ctx, func(actx context.Context) error {
		return s.Mailer.SendWithAttachment(actx, n)
	}); err != nil {
		sideEffectFailures.WithLabelValues("notify").Inc()
		log.Warn("receipt mail not delivered, left for sweeper", "error", err)
		return
	}

	if _, err := s.Ledger.MarkNotified(ctx, record.PaymentID); err != nil {
		log.Error("receipt mailed but not marked", "error", err)
		return
	}
	now := s.now().Unix()
	record.NotifiedAt = &now
}

// countMember increments the plan counter at most once per payment: the ledger flag is
// claimed first and released again if the increment does not land.
func (s *SettlementService) countMember(ctx context.Context, log *slog.Logger, record *db_models.PaymentRecord) {
	claimed, err := s.Ledger.SetMemberCounted(ctx, record.PaymentID, true)
	if err != nil {
		sideEffectFailures.WithLabelValues("count").Inc()
		log.Error("member count claim failed", "error", err)
		return
	}
	if !claimed {
		return
	}

	ok, err := s.Plans.IncrementMembers(ctx, record.PlanID, 1)
	if err != nil || !ok {
		sideEffectFailures.WithLabelValues("count").Inc()
		log.Error("member counter not incremented", "error", err)
		if _, rerr := s.Ledger.SetMemberCounted(ctx, record.PaymentID, false); rerr != nil {
			log.Error("member count claim not released", "error", rerr)
		}
		return
	}
	record.MemberCounted = true
	s.invalidate(ctx, CacheEntityPlan, record.PlanID)
}

// uncountMember reverses countMember for a payment that failed after being counted.
func (s *SettlementService) uncountMember(ctx context.Context, log *slog.Logger, paymentID, planID string) {
	released, err := s.Ledger.SetMemberCounted(ctx, paymentID, false)
	if err != nil {
		log.Error("member count release failed", "error", err)
		return
	}
	if !released {
		return
	}
	ok, err := s.Plans.IncrementMembers(ctx, planID, -1)
	if err != nil || !ok {
		sideEffectFailures.WithLabelValues("uncount").Inc()
		log.Error("member counter not decremented", "error", err)
		return
	}
	s.invalidate(ctx, CacheEntityPlan, planID)
}

func (s *SettlementService) invalidate(ctx context.Context, entityType, entityID string) {
	if err := s.Cache.Invalidate(ctx, entityType, entityID); err != nil {
		slog.Warn("cache invalidation failed", "entity", entityType, "id", entityID, "error", err)
	}
}

// ------------------- Settlement confirmation -------------------

func (s *SettlementService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.Gateway.ParseWebhook(payload, signature)
	if err != nil {
		confirmationsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if event == nil {
		confirmationsTotal.WithLabelValues("ignored").Inc()
		return nil
	}
	return s.ConfirmSettlement(ctx, event.OrderRef, event.Outcome)
}

// ConfirmSettlement moves a PENDING record to its terminal state. Unknown references
// and already-terminal records are no-ops.
func (s *SettlementService) ConfirmSettlement(ctx context.Context, gatewayOrderRef string, outcome Outcome) error {
	if !outcome.Valid() {
		return fmt.Errorf("%w: %q", utils.ErrInvalidOutcome, outcome)
	}
	log := slog.With("order_ref", gatewayOrderRef, "outcome", outcome)

	record, err := s.Ledger.FindByGatewayOrderRef(ctx, gatewayOrderRef)
	if err != nil {
		return err
	}
	if record == nil {
		confirmationsTotal.WithLabelValues("unknown").Inc()
		log.Warn("settlement for unknown order dropped")
		return nil
	}
	log = log.With("payment_id", record.PaymentID)
	if record.Status.IsTerminal() {
		confirmationsTotal.WithLabelValues("noop").Inc()
		return nil
	}

	if outcome == OutcomeCaptured {
		changed, err := s.Ledger.MarkSettled(ctx, record.PaymentID, gatewayOrderRef)
		if err != nil {
			return err
		}
		if !changed {
			confirmationsTotal.WithLabelValues("noop").Inc()
			return nil
		}
		confirmationsTotal.WithLabelValues("settled").Inc()
		s.invalidate(ctx, CacheEntityPayment, record.PaymentID)
		log.Info("payment settled")

		if s.cfg.SideEffectMode == config.SideEffectsOnCapture {
			s.dispatch(log, func(bg context.Context) { s.completeSettled(bg, record.PaymentID) })
		}
		return nil
	}

	changed, err := s.Ledger.MarkFailed(ctx, record.PaymentID, "gateway reported failure")
	if err != nil {
		return err
	}
	if !changed {
		confirmationsTotal.WithLabelValues("noop").Inc()
		return nil
	}
	confirmationsTotal.WithLabelValues("failed").Inc()
	s.invalidate(ctx, CacheEntityPayment, record.PaymentID)
	log.Info("payment failed")

	s.dispatch(log, func(bg context.Context) { s.compensateFailed(bg, log, record) })
	return nil
}

// dispatch runs task on the delivery pool, detached from any request.
func (s *SettlementService) dispatch(log *slog.Logger, task func(ctx context.Context)) {
	if err := s.Pools.Delivery.Submit(func() { task(context.Background()) }); err != nil {
		sideEffectFailures.WithLabelValues("dispatch").Inc()
		log.Warn("follow-up not scheduled, left for sweeper", "error", err)
	}
}

// completeSettled runs the receipt, notification and counter steps for a settled record
// using its current ledger state.
func (s *SettlementService) completeSettled(ctx context.Context, paymentID string) {
	log := slog.With("payment_id", paymentID)

	record, err := s.Ledger.FindByPaymentID(ctx, paymentID)
	if err != nil || record == nil {
		log.Error("settled record not reloaded", "error", err)
		return
	}
	plan, err := s.Plans.GetPlanInfoById(ctx, record.PlanID)
	if err != nil || plan == nil {
		log.Error("plan for settled record not loaded", "plan_id", record.PlanID, "error", err)
		return
	}

	pdf := s.produceReceipt(ctx, log, record, plan)
	if s.sideEffectsDue(record.Status) {
		s.deliverReceipt(ctx, log, record, plan, pdf)
		s.countMember(ctx, log, record)
	}
}

func (s *SettlementService) compensateFailed(ctx context.Context, log *slog.Logger, record *db_models.PaymentRecord) {
	s.uncountMember(ctx, log, record.PaymentID, record.PlanID)

	if record.UserMail == "" {
		return
	}
	n := Notification{
		To:             record.UserMail,
		Subject:        "Your payment did not go through",
		BodyTemplateID: TemplatePaymentFailed,
		Metadata: map[string]string{
			"payment_id": record.PaymentID,
			"plan_name":  record.PlanName,
			"amount":     formatMoney(record.PaidAmount, record.Currency),
		},
	}
	if err := s.notify.do(ctx, func(actx context.Context) error {
		return s.Mailer.SendWithAttachment(actx, n)
	}); err != nil {
		sideEffectFailures.WithLabelValues("notify_failed").Inc()
		log.Warn("failure mail not delivered", "error", err)
	}
}

// ------------------- Sweeper -------------------

// Sweep retries missing receipts and notifications and fails PENDING records that were
// never confirmed within the settlement timeout.
func (s *SettlementService) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	stale, err := s.Ledger.FindStalePending(ctx, now.Add(-s.cfg.SettlementTimeout).Unix(), s.cfg.SweepBatch)
	if err != nil {
		return report, err
	}
	for i := range stale {
		rec := &stale[i]
		changed, err := s.Ledger.MarkFailed(ctx, rec.PaymentID, "settlement timed out")
		if err != nil {
			slog.Error("stale payment not failed", "payment_id", rec.PaymentID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		report.Expired++
		sweepTotal.WithLabelValues("expired").Inc()
		s.invalidate(ctx, CacheEntityPayment, rec.PaymentID)
		s.compensateFailed(ctx, slog.With("payment_id", rec.PaymentID), rec)
	}

	includePending := s.cfg.SideEffectMode == config.SideEffectsOnOrderOpen
	missing, err := s.Ledger.FindMissingArtifacts(ctx, now.Add(-s.cfg.SweepGrace).Unix(), includePending, s.cfg.SweepBatch)
	if err != nil {
		return report, err
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := range missing {
		rec := missing[i]
		wg.Add(1)
		err := s.Pools.Render.Submit(func() {
			defer wg.Done()
			if s.repair(ctx, &rec) {
				mu.Lock()
				report.Repaired++
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			report.Skipped++
			mu.Unlock()
		}
	}
	wg.Wait()

	sweepTotal.WithLabelValues("repaired").Add(float64(report.Repaired))
	sweepTotal.WithLabelValues("skipped").Add(float64(report.Skipped))
	if report.Repaired+report.Expired+report.Skipped > 0 {
		slog.Info("sweep finished", "repaired", report.Repaired, "expired", report.Expired, "skipped", report.Skipped)
	}
	return report, nil
}

// repair renders on the calling render worker and hands storage and mail to the
// delivery pool, waiting for the result.
func (s *SettlementService) repair(ctx context.Context, record *db_models.PaymentRecord) bool {
	log := slog.With("payment_id", record.PaymentID)

	plan, err := s.Plans.GetPlanInfoById(ctx, record.PlanID)
	if err != nil || plan == nil {
		log.Error("plan for sweep not loaded", "plan_id", record.PlanID, "error", err)
		return false
	}
	pdf, err := s.Renderer.Render(record, plan)
	if err != nil {
		sideEffectFailures.WithLabelValues("render").Inc()
		log.Error("receipt rendering failed", "error", err)
		return false
	}

	done := make(chan bool, 1)
	err = s.Pools.Delivery.Submit(func() {
		s.storeReceipt(ctx, log, record, pdf)
		if s.sideEffectsDue(record.Status) {
			s.deliverReceipt(ctx, log, record, plan, pdf)
			s.countMember(ctx, log, record)
		}
		done <- record.ReceiptURL != nil && (record.NotifiedAt != nil || !s.sideEffectsDue(record.Status))
	})
	if err != nil {
		log.Warn("delivery pool busy, retry next sweep", "error", err)
		return false
	}

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}

// ------------------- Queries -------------------

func (s *SettlementService) GetPayment(ctx context.Context, paymentID string) (*db_models.PaymentRecord, error) {
	record, err := s.Ledger.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrPaymentNotFound, paymentID)
	}
	return record, nil
}
