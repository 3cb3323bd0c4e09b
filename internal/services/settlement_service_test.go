package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"planpay/internal/config"
	"planpay/internal/infra"
	"planpay/internal/models/db_models"
	"planpay/internal/repositories"
	"planpay/pkg/utils"
	"planpay/pkg/workerpool"
)

type sagaEnv struct {
	db      *gorm.DB
	svc     *SettlementService
	plans   repositories.IPlanRepository
	ledger  repositories.PaymentLedger
	gateway *fakeGateway
	store   *fakeStore
	mailer  *fakeMailer
	cache   *recordingInvalidator
	plan    *db_models.Plan
}

func newSagaEnv(t *testing.T, mode config.SideEffectMode) *sagaEnv {
	t.Helper()

	db, err := infra.OpenDatabase("sqlite:file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { infra.CloseDatabase(db) })

	plan := &db_models.Plan{
		Name:         "Pro",
		Price:        decimal.RequireFromString("1000.00"),
		Currency:     "USD",
		DurationDays: 30,
		Features:     []string{"Unlimited journeys"},
		IsActive:     true,
	}
	require.NoError(t, db.Create(plan).Error)

	today := time.Now()
	require.NoError(t, db.Create(&db_models.Coupon{
		Code:          "SAVE10",
		PlanID:        plan.ID,
		ValidFrom:     today.AddDate(0, 0, -1),
		ValidUntil:    today.AddDate(0, 0, 10),
		OffPercentage: decimal.NewFromInt(10),
	}).Error)

	pools := workerpool.NewPools(
		workerpool.Config{Workers: 4, QueueSize: 16},
		workerpool.Config{Workers: 2, QueueSize: 16},
		workerpool.Config{Workers: 2, QueueSize: 16},
	)
	t.Cleanup(func() { _ = pools.Stop(context.Background()) })

	env := &sagaEnv{
		db:      db,
		plans:   repositories.NewPlanRepository(db),
		ledger:  repositories.NewPaymentLedger(db),
		gateway: &fakeGateway{},
		store:   &fakeStore{},
		mailer:  &fakeMailer{},
		cache:   &recordingInvalidator{},
		plan:    plan,
	}
	coupons := repositories.NewCouponRepository(db)

	svc, err := NewSettlementService(SettlementDeps{
		Plans:     env.plans,
		Coupons:   coupons,
		Ledger:    env.ledger,
		Discounts: NewDiscountService(coupons),
		Gateway:   env.gateway,
		Renderer:  NewReceiptRenderer("PlanPay"),
		Store:     env.store,
		Mailer:    env.mailer,
		Cache:     env.cache,
		Pools:     pools,
	}, config.SettlementConfig{
		SideEffectMode: mode,
		RetryAttempts:  3,
		RetryBase:      time.Millisecond,
		StorageTimeout: time.Second,
		NotifyTimeout:  time.Second,
		GatewayTimeout: time.Second,
		SweepGrace:     2 * time.Minute,
	})
	require.NoError(t, err)
	env.svc = svc
	return env
}

func (e *sagaEnv) command(coupon string) PurchaseCommand {
	cmd := PurchaseCommand{
		UserID:      "user-0001",
		UserName:    "Ada",
		UserMail:    "ada@example.com",
		PlanID:      e.plan.ID.String(),
		Currency:    "USD",
		AmountHint:  decimal.RequireFromString("1000.00"),
		PaymentDate: time.Now(),
	}
	if coupon != "" {
		cmd.CouponCode = &coupon
	}
	return cmd
}

func (e *sagaEnv) members(t *testing.T) int64 {
	t.Helper()
	plan, err := e.plans.GetPlanInfoById(context.Background(), e.plan.ID.String())
	require.NoError(t, err)
	return plan.MembersCount
}

func (e *sagaEnv) recordCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&db_models.PaymentRecord{}).Count(&n).Error)
	return n
}

func (e *sagaEnv) record(t *testing.T, paymentID string) *db_models.PaymentRecord {
	t.Helper()
	rec, err := e.ledger.FindByPaymentID(context.Background(), paymentID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func TestPurchase_WithValidCoupon(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	// the record is only persisted once the gateway order exists
	env.gateway.openFn = func(ctx context.Context, req OrderRequest) (*OrderResult, error) {
		existing, err := env.ledger.FindByPaymentID(ctx, req.ReferenceID)
		assert.NoError(t, err)
		assert.Nil(t, existing)
		return &OrderResult{OrderRef: "pi_" + req.ReferenceID}, nil
	}

	res, err := env.svc.Purchase(ctx, env.command("SAVE10"))
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("900.00").Equal(res.PaidAmount))
	assert.Equal(t, db_models.PaymentStatusPending, res.Status)
	assert.NotEmpty(t, res.ReceiptURL)
	assert.Equal(t, res.ReceiptURL, res.Reference())
	assert.Equal(t, int64(90000), env.gateway.requests[0].AmountMinor)

	rec := env.record(t, res.PaymentID)
	assert.Equal(t, db_models.PaymentStatusPending, rec.Status)
	assert.Equal(t, "pi_"+res.PaymentID, rec.OrderRef())
	require.NotNil(t, rec.ReceiptURL)
	assert.Equal(t, res.ReceiptURL, *rec.ReceiptURL)
	require.NotNil(t, rec.CouponCode)
	assert.Equal(t, "SAVE10", *rec.CouponCode)
	assert.NotNil(t, rec.NotifiedAt)
	assert.True(t, rec.MemberCounted)

	assert.Equal(t, int64(1), env.members(t))
	assert.Equal(t, 1, env.mailer.sentCount())
	assert.Equal(t, "ada@example.com", env.mailer.sent[0].To)
	assert.NotEmpty(t, env.mailer.sent[0].AttachmentBytes)
	assert.True(t, env.cache.has("plan:"+env.plan.ID.String()))
	assert.True(t, env.cache.has("payment:"+res.PaymentID))
	assert.True(t, env.cache.has("coupon:SAVE10"))

	var coupon db_models.Coupon
	require.NoError(t, env.db.First(&coupon, "code = ?", "SAVE10").Error)
	assert.Equal(t, int64(1), coupon.UsageCount)
}

func TestPurchase_UnknownCouponChargesFullPrice(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)

	res, err := env.svc.Purchase(context.Background(), env.command("EXPIRED"))
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("1000.00").Equal(res.PaidAmount))
	assert.Nil(t, env.record(t, res.PaymentID).CouponCode)
	assert.Equal(t, int64(1), env.members(t))
}

func TestPurchase_GatewayFailureLeavesNoTrace(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	env.gateway.openFn = func(context.Context, OrderRequest) (*OrderResult, error) {
		return nil, errors.New("card declined")
	}

	res, err := env.svc.Purchase(context.Background(), env.command("SAVE10"))

	assert.Nil(t, res)
	assert.ErrorIs(t, err, utils.ErrPaymentGateway)
	assert.Equal(t, int64(0), env.recordCount(t))
	assert.Equal(t, int64(0), env.members(t))
	assert.Equal(t, 0, env.store.calls())
	assert.Equal(t, 0, env.mailer.sentCount())
}

func TestPurchase_GatewayTimeoutIsGatewayError(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	env.gateway.openFn = func(ctx context.Context, _ OrderRequest) (*OrderResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := env.svc.Purchase(context.Background(), env.command(""))
	assert.ErrorIs(t, err, utils.ErrPaymentGateway)
	assert.Equal(t, 1, env.gateway.calls(), "gateway call is never retried")
}

func TestPurchase_StorageFailureStillSucceeds(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	env.store.putFn = func(context.Context, string, []byte) (string, error) {
		return "", utils.ErrStorageUnavailable
	}

	res, err := env.svc.Purchase(context.Background(), env.command(""))
	require.NoError(t, err)

	assert.Empty(t, res.ReceiptURL)
	assert.Equal(t, res.GatewayOrderRef, res.Reference())
	assert.Equal(t, 3, env.store.calls(), "storage is retried with backoff")

	rec := env.record(t, res.PaymentID)
	assert.Nil(t, rec.ReceiptURL)
	assert.Equal(t, db_models.PaymentStatusPending, rec.Status)
	assert.Equal(t, int64(1), env.members(t))
	assert.Equal(t, 1, env.mailer.sentCount())
}

func TestPurchase_NotificationFailureStillSucceeds(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	attempts := 0
	env.mailer.sendFn = func(context.Context, Notification) error {
		attempts++
		return utils.ErrDelivery
	}

	res, err := env.svc.Purchase(context.Background(), env.command(""))
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	rec := env.record(t, res.PaymentID)
	assert.Nil(t, rec.NotifiedAt)
	assert.NotNil(t, rec.ReceiptURL)
	assert.Equal(t, int64(1), env.members(t))
}

func TestPurchase_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cmd *PurchaseCommand)
		wantErr error
	}{
		{"price below plan price", func(c *PurchaseCommand) { c.AmountHint = decimal.RequireFromString("999.00") }, utils.ErrPriceMismatch},
		{"price above plan price", func(c *PurchaseCommand) { c.AmountHint = decimal.RequireFromString("1000.02") }, utils.ErrPriceMismatch},
		{"currency differs", func(c *PurchaseCommand) { c.Currency = "VND" }, utils.ErrPriceMismatch},
		{"unknown plan", func(c *PurchaseCommand) { c.PlanID = uuid.NewString() }, utils.ErrPlanNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
			cmd := env.command("")
			tt.mutate(&cmd)

			_, err := env.svc.Purchase(context.Background(), cmd)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, env.gateway.calls())
			assert.Equal(t, int64(0), env.recordCount(t))
		})
	}
}

func TestPurchase_PriceWithinEpsilonAccepted(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	cmd := env.command("")
	cmd.AmountHint = decimal.RequireFromString("1000.01")
	cmd.Currency = "usd"

	res, err := env.svc.Purchase(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1000.00").Equal(res.PaidAmount))
}

func TestPurchase_IdempotencyKeyReplays(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	cmd := env.command("SAVE10")
	cmd.IdempotencyKey = "client-key-1"

	first, err := env.svc.Purchase(context.Background(), cmd)
	require.NoError(t, err)
	second, err := env.svc.Purchase(context.Background(), cmd)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, 1, env.gateway.calls())
	assert.Equal(t, "9:user-0001:client-key-1", env.gateway.requests[0].IdempotencyKey)
	assert.Equal(t, int64(1), env.recordCount(t))
	assert.Equal(t, int64(1), env.members(t))
}

func TestPurchase_SameKeyFromTwoUsersCreatesTwoPayments(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	ada := env.command("")
	ada.IdempotencyKey = "1"
	mallory := env.command("")
	mallory.IdempotencyKey = "1"
	mallory.UserID = "mallory-99"
	mallory.UserName = "Mallory"
	mallory.UserMail = "mallory@example.com"

	first, err := env.svc.Purchase(ctx, ada)
	require.NoError(t, err)
	second, err := env.svc.Purchase(ctx, mallory)
	require.NoError(t, err)

	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.PaymentID, second.PaymentID)
	assert.NotEqual(t, first.CheckoutURL, second.CheckoutURL)
	assert.Equal(t, 2, env.gateway.calls())
	assert.NotEqual(t, env.gateway.requests[0].IdempotencyKey, env.gateway.requests[1].IdempotencyKey)
	assert.Equal(t, int64(2), env.recordCount(t))

	rec := env.record(t, second.PaymentID)
	assert.Equal(t, "mallory-99", rec.UserID)
	assert.Equal(t, "mallory@example.com", rec.UserMail)

	again, err := env.svc.Purchase(ctx, mallory)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, second.PaymentID, again.PaymentID)
}

func TestPurchase_ReusedKeyWithDifferentRequestIsRejected(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	other := &db_models.Plan{
		Name:         "Team",
		Price:        decimal.RequireFromString("2500.00"),
		Currency:     "USD",
		DurationDays: 30,
		IsActive:     true,
	}
	require.NoError(t, env.db.Create(other).Error)

	cmd := env.command("")
	cmd.IdempotencyKey = "order-42"
	_, err := env.svc.Purchase(ctx, cmd)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *PurchaseCommand)
	}{
		{"other plan", func(c *PurchaseCommand) {
			c.PlanID = other.ID.String()
			c.AmountHint = other.Price
		}},
		{"other amount", func(c *PurchaseCommand) { c.AmountHint = decimal.RequireFromString("999.00") }},
		{"other currency", func(c *PurchaseCommand) { c.Currency = "VND" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cmd
			tt.mutate(&c)
			res, err := env.svc.Purchase(ctx, c)
			assert.ErrorIs(t, err, utils.ErrIdempotencyMismatch)
			assert.Nil(t, res)
		})
	}
	assert.Equal(t, 1, env.gateway.calls())
	assert.Equal(t, int64(1), env.recordCount(t))
}

func TestScopedIdempotencyKey(t *testing.T) {
	tests := []struct {
		userID string
		key    string
		want   string
	}{
		{"user-0001", "k", "9:user-0001:k"},
		{"a", "b:c", "1:a:b:c"},
		{"a:b", "c", "3:a:b:c"},
		{"user-0001", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scopedIdempotencyKey(tt.userID, tt.key))
	}
}

func TestPurchase_ConcurrentSameKeyRejected(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	entered := make(chan struct{})
	release := make(chan struct{})
	env.gateway.openFn = func(_ context.Context, req OrderRequest) (*OrderResult, error) {
		close(entered)
		<-release
		return &OrderResult{OrderRef: "pi_" + req.ReferenceID}, nil
	}

	cmd := env.command("")
	cmd.IdempotencyKey = "dup-key"

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = env.svc.Purchase(context.Background(), cmd)
	}()
	<-entered

	_, err := env.svc.Purchase(context.Background(), cmd)
	assert.ErrorIs(t, err, utils.ErrPurchaseInProgress)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)

	replay, err := env.svc.Purchase(context.Background(), cmd)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
}

func TestPurchase_CallerTimeoutDoesNotStopSaga(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	release := make(chan struct{})
	env.gateway.openFn = func(_ context.Context, req OrderRequest) (*OrderResult, error) {
		<-release
		return &OrderResult{OrderRef: "pi_" + req.ReferenceID}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := env.svc.Purchase(ctx, env.command(""))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.Eventually(t, func() bool { return env.recordCount(t) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.members(t) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPurchase_CheckoutPoolFull(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	env.svc.Pools.Checkout = workerpool.New(workerpool.Config{Name: "checkout-test", Workers: 1, QueueSize: 1})
	t.Cleanup(func() { _ = env.svc.Pools.Checkout.Stop(context.Background()) })

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, env.svc.Pools.Checkout.Submit(func() {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, env.svc.Pools.Checkout.Submit(func() {}))

	_, err := env.svc.Purchase(context.Background(), env.command(""))
	assert.ErrorIs(t, err, utils.ErrCheckoutBusy)
	close(release)
}

func TestPurchase_SynchronousCaptureSettles(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnCapture)
	env.gateway.openFn = func(_ context.Context, req OrderRequest) (*OrderResult, error) {
		return &OrderResult{OrderRef: "pi_" + req.ReferenceID, Captured: true}, nil
	}

	res, err := env.svc.Purchase(context.Background(), env.command(""))
	require.NoError(t, err)

	assert.Equal(t, db_models.PaymentStatusSettled, res.Status)
	rec := env.record(t, res.PaymentID)
	assert.Equal(t, db_models.PaymentStatusSettled, rec.Status)
	assert.NotNil(t, rec.SettledAt)
	assert.Equal(t, 1, env.mailer.sentCount())
	assert.Equal(t, int64(1), env.members(t))
}

func TestPurchase_OnCaptureDefersSideEffectsToWebhook(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnCapture)
	ctx := context.Background()

	var mu sync.Mutex
	var stored []byte
	env.store.putFn = func(_ context.Context, key string, data []byte) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		stored = append([]byte(nil), data...)
		return "https://s3.example/bucket/" + key, nil
	}

	res, err := env.svc.Purchase(ctx, env.command(""))
	require.NoError(t, err)

	assert.Equal(t, db_models.PaymentStatusPending, res.Status)
	assert.NotEmpty(t, res.ReceiptURL, "receipt is still produced")
	assert.Equal(t, 0, env.mailer.sentCount())
	assert.Equal(t, int64(0), env.members(t))

	require.NoError(t, env.svc.ConfirmSettlement(ctx, res.GatewayOrderRef, OutcomeCaptured))

	assert.Eventually(t, func() bool { return env.mailer.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.members(t) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, db_models.PaymentStatusSettled, env.record(t, res.PaymentID).Status)

	assert.Equal(t, 1, env.store.calls(), "receipt is stored once")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, stored, env.mailer.lastFor(TemplatePaymentReceipt).AttachmentBytes,
		"the mailed receipt matches the stored artifact")
}

func TestConfirmSettlement_TerminalStatesAreSticky(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	res, err := env.svc.Purchase(ctx, env.command(""))
	require.NoError(t, err)

	require.NoError(t, env.svc.ConfirmSettlement(ctx, res.GatewayOrderRef, OutcomeCaptured))
	assert.Equal(t, db_models.PaymentStatusSettled, env.record(t, res.PaymentID).Status)

	require.NoError(t, env.svc.ConfirmSettlement(ctx, res.GatewayOrderRef, OutcomeFailed))
	require.NoError(t, env.svc.ConfirmSettlement(ctx, res.GatewayOrderRef, OutcomeCaptured))
	assert.Equal(t, db_models.PaymentStatusSettled, env.record(t, res.PaymentID).Status)
	assert.Equal(t, int64(1), env.members(t))
}

func TestConfirmSettlement_UnknownReferenceIsDropped(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)

	assert.NoError(t, env.svc.ConfirmSettlement(context.Background(), "pi_nobody", OutcomeCaptured))
	assert.Equal(t, int64(0), env.recordCount(t))
}

func TestConfirmSettlement_InvalidOutcome(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)

	err := env.svc.ConfirmSettlement(context.Background(), "pi_x", Outcome("refunded"))
	assert.ErrorIs(t, err, utils.ErrInvalidOutcome)
}

func TestConfirmSettlement_FailureCompensatesCounter(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	res, err := env.svc.Purchase(ctx, env.command(""))
	require.NoError(t, err)
	require.Equal(t, int64(1), env.members(t))

	require.NoError(t, env.svc.ConfirmSettlement(ctx, res.GatewayOrderRef, OutcomeFailed))

	rec := env.record(t, res.PaymentID)
	assert.Equal(t, db_models.PaymentStatusFailed, rec.Status)
	assert.Equal(t, "gateway reported failure", rec.FailureReason)
	assert.Eventually(t, func() bool { return env.members(t) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return env.mailer.countFor(TemplatePaymentFailed) == 1 }, 2*time.Second, 10*time.Millisecond)

	failed := env.mailer.lastFor(TemplatePaymentFailed)
	assert.Equal(t, "ada@example.com", failed.To)
	assert.Equal(t, res.PaymentID, failed.Metadata["payment_id"])
	assert.Equal(t, "Pro", failed.Metadata["plan_name"])
	assert.Nil(t, failed.AttachmentBytes)
}

func TestConfirmSettlement_FailureMailIsRetriedWithinNotifyPolicy(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	res, err := env.svc.Purchase(ctx, env.command(""))
	require.NoError(t, err)

	var attempts int32
	env.mailer.sendFn = func(actx context.Context, n Notification) error {
		if n.BodyTemplateID != TemplatePaymentFailed {
			return nil
		}
		_, hasDeadline := actx.Deadline()
		assert.True(t, hasDeadline, "each attempt runs under the notify timeout")
		if atomic.AddInt32(&attempts, 1) < 3 {
			return fmt.Errorf("%w: smtp 421", utils.ErrDelivery)
		}
		return nil
	}

	require.NoError(t, env.svc.ConfirmSettlement(ctx, res.GatewayOrderRef, OutcomeFailed))

	assert.Eventually(t, func() bool { return env.mailer.countFor(TemplatePaymentFailed) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestHandleWebhook(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	res, err := env.svc.Purchase(ctx, env.command(""))
	require.NoError(t, err)

	env.gateway.parseFn = func(payload []byte, signature string) (*WebhookEvent, error) {
		switch signature {
		case "good":
			return &WebhookEvent{OrderRef: string(payload), Outcome: OutcomeCaptured}, nil
		case "registration":
			return nil, nil
		}
		return nil, utils.ErrInvalidSignature
	}

	assert.ErrorIs(t, env.svc.HandleWebhook(ctx, []byte(res.GatewayOrderRef), "forged"), utils.ErrInvalidSignature)
	assert.Equal(t, db_models.PaymentStatusPending, env.record(t, res.PaymentID).Status)

	assert.NoError(t, env.svc.HandleWebhook(ctx, nil, "registration"))

	require.NoError(t, env.svc.HandleWebhook(ctx, []byte(res.GatewayOrderRef), "good"))
	assert.Equal(t, db_models.PaymentStatusSettled, env.record(t, res.PaymentID).Status)
}

func TestSweep_RepairsMissingReceipt(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	var storeDown sync.Mutex
	down := true
	env.store.putFn = func(_ context.Context, key string, _ []byte) (string, error) {
		storeDown.Lock()
		defer storeDown.Unlock()
		if down {
			return "", utils.ErrStorageUnavailable
		}
		return "https://s3.example/bucket/" + key, nil
	}

	res, err := env.svc.Purchase(ctx, env.command(""))
	require.NoError(t, err)
	require.Nil(t, env.record(t, res.PaymentID).ReceiptURL)

	storeDown.Lock()
	down = false
	storeDown.Unlock()

	// inside the grace period nothing is picked up
	report, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Repaired)

	env.svc.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	report, err = env.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.NotNil(t, env.record(t, res.PaymentID).ReceiptURL)
	assert.Equal(t, int64(1), env.members(t), "counter is not incremented twice")
	assert.Equal(t, 1, env.mailer.sentCount(), "mail is not sent twice")
}

func TestSweep_FailsStalePending(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)
	ctx := context.Background()

	res, err := env.svc.Purchase(ctx, env.command(""))
	require.NoError(t, err)

	env.svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	report, err := env.svc.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Expired)
	rec := env.record(t, res.PaymentID)
	assert.Equal(t, db_models.PaymentStatusFailed, rec.Status)
	assert.Equal(t, "settlement timed out", rec.FailureReason)
	assert.Equal(t, int64(0), env.members(t))

	// a late capture cannot revive it
	require.NoError(t, env.svc.ConfirmSettlement(ctx, res.GatewayOrderRef, OutcomeCaptured))
	assert.Equal(t, db_models.PaymentStatusFailed, env.record(t, res.PaymentID).Status)
}

func TestGetPayment(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)

	res, err := env.svc.Purchase(context.Background(), env.command(""))
	require.NoError(t, err)

	rec, err := env.svc.GetPayment(context.Background(), res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "user-0001", rec.UserID)

	_, err = env.svc.GetPayment(context.Background(), "PAY-NONE")
	assert.ErrorIs(t, err, utils.ErrPaymentNotFound)
}

func TestPurchase_ConcurrentPurchasesCountEveryMember(t *testing.T) {
	env := newSagaEnv(t, config.SideEffectsOnOrderOpen)

	const n = 12
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.svc.Purchase(context.Background(), env.command(""))
			if assert.NoError(t, err) {
				ids <- res.PaymentID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, int64(n), env.members(t))
}
