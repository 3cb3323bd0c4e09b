package db_models

import (
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusCreated PaymentStatus = "created"
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSettled PaymentStatus = "settled"
	PaymentStatusFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSettled || s == PaymentStatusFailed
}

// CanTransition reports whether the ledger state machine allows from -> to.
func CanTransition(from, to PaymentStatus) bool {
	switch from {
	case PaymentStatusCreated:
		return to == PaymentStatusPending || to == PaymentStatusFailed
	case PaymentStatusPending:
		return to == PaymentStatusSettled || to == PaymentStatusFailed
	}
	return false
}

// PaymentRecord is the ledger entry for one plan purchase.
type PaymentRecord struct {
	BaseModel
	PaymentID string `gorm:"uniqueIndex;size:64;not null"`

	// Idempotency keys are unique per user, not globally.
	UserID         string  `gorm:"uniqueIndex:idx_payment_user_idem,priority:1;size:64;not null"`
	IdempotencyKey *string `gorm:"uniqueIndex:idx_payment_user_idem,priority:2;size:128"`

	UserName string
	UserMail string
	PlanID   string `gorm:"index;size:64;not null"`
	PlanName string

	Currency        string          `gorm:"size:3;not null"`
	RequestedAmount decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	PaidAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	CouponCode      *string         `gorm:"size:64"`
	DiscountPercent decimal.Decimal `gorm:"type:numeric(5,2);not null;default:0"`

	// Gateway fields
	Provider        string  `gorm:"size:32"`
	GatewayOrderRef *string `gorm:"uniqueIndex;size:128"`
	CheckoutURL     string

	Status        PaymentStatus `gorm:"size:16;index;not null"`
	FailureReason string

	ReceiptURL    *string
	NotifiedAt    *int64
	MemberCounted bool `gorm:"not null;default:false"`

	// unix seconds
	PaymentDate int64
	SettledAt   *int64
}

// Transition moves an in-memory record along the state machine.
func (p *PaymentRecord) Transition(to PaymentStatus) bool {
	if !CanTransition(p.Status, to) {
		return false
	}
	p.Status = to
	return true
}

func (p *PaymentRecord) OrderRef() string {
	if p.GatewayOrderRef == nil {
		return ""
	}
	return *p.GatewayOrderRef
}
