package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"planpay/internal/models/db_models"
	"planpay/pkg/utils"
)

// PaymentLedger is the system of record for payment records and their status.
// Status changes are conditional updates, so a terminal status is never overwritten
// and the bool results report whether the call performed the change.
type PaymentLedger interface {
	Create(ctx context.Context, record *db_models.PaymentRecord) error
	MarkSettled(ctx context.Context, paymentID, gatewayOrderRef string) (bool, error)
	MarkFailed(ctx context.Context, paymentID, reason string) (bool, error)
	AttachReceiptURL(ctx context.Context, paymentID, url string) error
	MarkNotified(ctx context.Context, paymentID string) (bool, error)
	SetMemberCounted(ctx context.Context, paymentID string, counted bool) (bool, error)

	FindByPaymentID(ctx context.Context, paymentID string) (*db_models.PaymentRecord, error)
	FindByGatewayOrderRef(ctx context.Context, ref string) (*db_models.PaymentRecord, error)
	// FindByIdempotencyKey looks the key up within one user's records.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*db_models.PaymentRecord, error)
	// FindMissingArtifacts lists live records without a stored receipt, or without a sent
	// notification when notification is due: always for SETTLED, for PENDING only when
	// includePending is set.
	FindMissingArtifacts(ctx context.Context, createdBefore int64, includePending bool, limit int) ([]db_models.PaymentRecord, error)
	FindStalePending(ctx context.Context, createdBefore int64, limit int) ([]db_models.PaymentRecord, error)
}

type paymentLedger struct {
	db *gorm.DB
}

func NewPaymentLedger(db *gorm.DB) PaymentLedger {
	return &paymentLedger{db: db}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func (l *paymentLedger) Create(ctx context.Context, record *db_models.PaymentRecord) error {
	err := l.db.WithContext(ctx).Create(record).Error
	if err == nil {
		return nil
	}
	if !isDuplicate(err) {
		return fmt.Errorf("%w: create payment record: %v", utils.ErrDatabaseError, err)
	}

	// Work out which unique column collided.
	if existing, findErr := l.FindByPaymentID(ctx, record.PaymentID); findErr == nil && existing != nil {
		return fmt.Errorf("%w: %s", utils.ErrDuplicateIdentifier, record.PaymentID)
	}
	if record.IdempotencyKey != nil {
		if existing, findErr := l.FindByIdempotencyKey(ctx, record.UserID, *record.IdempotencyKey); findErr == nil && existing != nil {
			return fmt.Errorf("%w: %s", utils.ErrDuplicateIdempotencyKey, *record.IdempotencyKey)
		}
	}
	return fmt.Errorf("%w: gateway order %s already recorded", utils.ErrDuplicateIdentifier, record.OrderRef())
}

func (l *paymentLedger) MarkSettled(ctx context.Context, paymentID, gatewayOrderRef string) (bool, error) {
	res := l.db.WithContext(ctx).Model(&db_models.PaymentRecord{}).
		Where("payment_id = ? AND gateway_order_ref = ? AND status = ?",
			paymentID, gatewayOrderRef, db_models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":     db_models.PaymentStatusSettled,
			"settled_at": utils.NowUnixSeconds(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("%w: mark settled: %v", utils.ErrDatabaseError, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	return false, l.explainNoop(ctx, paymentID, gatewayOrderRef)
}

func (l *paymentLedger) MarkFailed(ctx context.Context, paymentID, reason string) (bool, error) {
	res := l.db.WithContext(ctx).Model(&db_models.PaymentRecord{}).
		Where("payment_id = ? AND status IN ?", paymentID,
			[]db_models.PaymentStatus{db_models.PaymentStatusCreated, db_models.PaymentStatusPending}).
		Updates(map[string]interface{}{
			"status":         db_models.PaymentStatusFailed,
			"failure_reason": reason,
		})
	if res.Error != nil {
		return false, fmt.Errorf("%w: mark failed: %v", utils.ErrDatabaseError, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	return false, l.explainNoop(ctx, paymentID, "")
}

// explainNoop turns a zero-row status update into nil (already terminal) or an error.
func (l *paymentLedger) explainNoop(ctx context.Context, paymentID, gatewayOrderRef string) error {
	record, err := l.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("%w: %s", utils.ErrPaymentNotFound, paymentID)
	}
	if record.Status.IsTerminal() {
		return nil
	}
	if gatewayOrderRef != "" && record.OrderRef() != gatewayOrderRef {
		return fmt.Errorf("payment %s belongs to order %q, not %q", paymentID, record.OrderRef(), gatewayOrderRef)
	}
	return nil
}

func (l *paymentLedger) AttachReceiptURL(ctx context.Context, paymentID, url string) error {
	res := l.db.WithContext(ctx).Model(&db_models.PaymentRecord{}).
		Where("payment_id = ?", paymentID).
		Update("receipt_url", url)
	if res.Error != nil {
		return fmt.Errorf("%w: attach receipt: %v", utils.ErrDatabaseError, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", utils.ErrPaymentNotFound, paymentID)
	}
	return nil
}

func (l *paymentLedger) MarkNotified(ctx context.Context, paymentID string) (bool, error) {
	res := l.db.WithContext(ctx).Model(&db_models.PaymentRecord{}).
		Where("payment_id = ? AND notified_at IS NULL", paymentID).
		Update("notified_at", utils.NowUnixSeconds())
	if res.Error != nil {
		return false, fmt.Errorf("%w: mark notified: %v", utils.ErrDatabaseError, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetMemberCounted flips the member_counted flag and reports whether this call flipped
// it. Setting it is refused once the payment has failed.
func (l *paymentLedger) SetMemberCounted(ctx context.Context, paymentID string, counted bool) (bool, error) {
	q := l.db.WithContext(ctx).Model(&db_models.PaymentRecord{}).
		Where("payment_id = ? AND member_counted = ?", paymentID, !counted)
	if counted {
		q = q.Where("status <> ?", db_models.PaymentStatusFailed)
	}
	res := q.Update("member_counted", counted)
	if res.Error != nil {
		return false, fmt.Errorf("%w: set member counted: %v", utils.ErrDatabaseError, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (l *paymentLedger) findOne(ctx context.Context, query string, args ...interface{}) (*db_models.PaymentRecord, error) {
	var record db_models.PaymentRecord
	err := l.db.WithContext(ctx).Where(query, args...).First(&record).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", utils.ErrDatabaseError, err)
	}

	return &record, nil
}

func (l *paymentLedger) FindByPaymentID(ctx context.Context, paymentID string) (*db_models.PaymentRecord, error) {
	return l.findOne(ctx, "payment_id = ?", paymentID)
}

func (l *paymentLedger) FindByGatewayOrderRef(ctx context.Context, ref string) (*db_models.PaymentRecord, error) {
	return l.findOne(ctx, "gateway_order_ref = ?", ref)
}

func (l *paymentLedger) FindByIdempotencyKey(ctx context.Context, userID, key string) (*db_models.PaymentRecord, error) {
	return l.findOne(ctx, "user_id = ? AND idempotency_key = ?", userID, key)
}

func (l *paymentLedger) FindMissingArtifacts(ctx context.Context, createdBefore int64, includePending bool, limit int) ([]db_models.PaymentRecord, error) {
	notifiable := []db_models.PaymentStatus{db_models.PaymentStatusSettled}
	if includePending {
		notifiable = append(notifiable, db_models.PaymentStatusPending)
	}

	var records []db_models.PaymentRecord
	err := l.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?",
			[]db_models.PaymentStatus{db_models.PaymentStatusPending, db_models.PaymentStatusSettled},
			createdBefore).
		Where(l.db.Where("receipt_url IS NULL").Or("notified_at IS NULL AND status IN ?", notifiable)).
		Order("created_at").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrDatabaseError, err)
	}
	return records, nil
}

func (l *paymentLedger) FindStalePending(ctx context.Context, createdBefore int64, limit int) ([]db_models.PaymentRecord, error) {
	var records []db_models.PaymentRecord
	err := l.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", db_models.PaymentStatusPending, createdBefore).
		Order("created_at").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrDatabaseError, err)
	}
	return records, nil
}
