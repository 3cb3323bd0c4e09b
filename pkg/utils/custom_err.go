package utils

import "errors"

var (
	ErrDatabaseError = errors.New("database error")

	// Fatal before the ledger checkpoint.
	ErrPlanNotFound        = errors.New("plan not found")
	ErrPriceMismatch       = errors.New("amount does not match plan price")
	ErrPaymentGateway      = errors.New("payment gateway error")
	ErrPurchaseInProgress  = errors.New("purchase with this idempotency key is in progress")
	ErrIdempotencyMismatch = errors.New("idempotency key was used for a different purchase")
	ErrCheckoutBusy        = errors.New("checkout queue is full")

	// Programming or collision bugs.
	ErrDuplicateIdentifier     = errors.New("duplicate payment identifier")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrRendering               = errors.New("receipt rendering error")

	// Transient, retried and degraded after the checkpoint.
	ErrStorageUnavailable = errors.New("artifact storage unavailable")
	ErrDelivery           = errors.New("notification delivery error")

	ErrPaymentNotFound  = errors.New("payment not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidOutcome   = errors.New("invalid settlement outcome")
)
