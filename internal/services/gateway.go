package services

import (
	"context"
	"fmt"

	"planpay/internal/config"
)

type Outcome string

const (
	OutcomeCaptured Outcome = "captured"
	OutcomeFailed   Outcome = "failed"
)

func (o Outcome) Valid() bool {
	return o == OutcomeCaptured || o == OutcomeFailed
}

type OrderRequest struct {
	AmountMinor    int64
	Currency       string
	ReferenceID    string // our payment id
	IdempotencyKey string
	Description    string
	BuyerEmail     string
}

type OrderResult struct {
	OrderRef    string
	CheckoutURL string
	// Captured is true when the gateway charged synchronously.
	Captured bool
}

// WebhookEvent is a verified gateway callback. A nil event with a nil error means
// the callback was authentic but carries nothing to settle.
type WebhookEvent struct {
	OrderRef string
	Outcome  Outcome
}

// GatewayClient opens orders with a payment provider and authenticates its callbacks.
type GatewayClient interface {
	Provider() string
	OpenOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

func NewGatewayClient(cfg config.GatewayConfig) (GatewayClient, error) {
	switch cfg.Provider {
	case "stripe":
		return NewStripeGateway(cfg.Stripe)
	case "payos":
		return NewPayOSGateway(cfg.PayOS)
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}
