package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"planpay/internal/config"
	"planpay/pkg/utils"
)

type stripeGateway struct {
	api           *client.API
	webhookSecret string
}

func NewStripeGateway(cfg config.StripeConfig) (GatewayClient, error) {
	return newStripeGateway(cfg, "")
}

// newStripeGateway points the API backend at baseURL when it is not empty.
func newStripeGateway(cfg config.StripeConfig, baseURL string) (GatewayClient, error) {
	if cfg.SecretKey == "" || cfg.WebhookSecret == "" {
		return nil, errors.New("missing stripe credentials")
	}

	backendCfg := &stripe.BackendConfig{
		// an order is opened at most once per purchase
		MaxNetworkRetries: stripe.Int64(0),
	}
	if baseURL != "" {
		backendCfg.URL = stripe.String(baseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := client.New(cfg.SecretKey, &stripe.Backends{
		API:     backend,
		Connect: backend,
		Uploads: backend,
	})

	return &stripeGateway{api: api, webhookSecret: cfg.WebhookSecret}, nil
}

func (s *stripeGateway) Provider() string { return "stripe" }

func (s *stripeGateway) OpenOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.BuyerEmail != "" {
		params.ReceiptEmail = stripe.String(req.BuyerEmail)
	}
	params.AddMetadata("payment_id", req.ReferenceID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}

	return &OrderResult{
		OrderRef: pi.ID,
		Captured: pi.Status == stripe.PaymentIntentStatusSucceeded,
	}, nil
}

func (s *stripeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidSignature, err)
	}

	var outcome Outcome
	switch string(event.Type) {
	case "payment_intent.succeeded":
		outcome = OutcomeCaptured
	case "payment_intent.payment_failed", "payment_intent.canceled":
		outcome = OutcomeFailed
	default:
		slog.Info("stripe webhook ignored", "event_type", event.Type)
		return nil, nil
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	if pi.ID == "" {
		return nil, errors.New("stripe webhook without payment intent id")
	}

	return &WebhookEvent{OrderRef: pi.ID, Outcome: outcome}, nil
}
