package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/payOSHQ/payos-lib-golang"
	"planpay/internal/config"
	"planpay/pkg/utils"
)

// payOS sends this order code when a webhook URL is registered.
const payOSTestOrderCode = 123

type payOSGateway struct {
	cfg config.PayOSConfig
	// SDK entry points; the SDK keeps its credentials in package state set by payos.Key.
	createLink func(body payos.CheckoutRequestType) (checkoutURL string, err error)
	verify     func(body payos.WebhookType) (orderCode int64, err error)
}

func NewPayOSGateway(cfg config.PayOSConfig) (GatewayClient, error) {
	if cfg.ClientID == "" || cfg.APIKey == "" || cfg.ChecksumKey == "" {
		return nil, errors.New("missing payOS credentials")
	}
	if err := payos.Key(cfg.ClientID, cfg.APIKey, cfg.ChecksumKey); err != nil {
		return nil, fmt.Errorf("payos client init: %w", err)
	}
	return &payOSGateway{cfg: cfg, createLink: sdkCreateLink, verify: sdkVerifyWebhook}, nil
}

func sdkCreateLink(body payos.CheckoutRequestType) (string, error) {
	resp, err := payos.CreatePaymentLink(body)
	if err != nil {
		return "", err
	}
	return resp.CheckoutUrl, nil
}

func sdkVerifyWebhook(body payos.WebhookType) (int64, error) {
	data, err := payos.VerifyPaymentWebhookData(body)
	if err != nil {
		return 0, err
	}
	return data.OrderCode, nil
}

func (p *payOSGateway) Provider() string { return "payos" }

func payOSOrderRef(orderCode int64) string {
	return "payos:" + strconv.FormatInt(orderCode, 10)
}

// newPayOSOrderCode returns a positive code of at most 12 digits, as payOS requires an int64.
func newPayOSOrderCode() int64 {
	return (time.Now().Unix()%1_000_000_000)*1000 + mrand.Int64N(1000)
}

func (p *payOSGateway) OpenOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("payos: amount must be positive, got %d", req.AmountMinor)
	}
	if !strings.EqualFold(req.Currency, "VND") {
		return nil, fmt.Errorf("payos: unsupported currency %q", req.Currency)
	}

	orderCode := newPayOSOrderCode()
	body := payos.CheckoutRequestType{
		OrderCode: orderCode,
		Amount:    int(req.AmountMinor),
		Items: []payos.Item{{
			Name:     req.Description,
			Price:    int(req.AmountMinor),
			Quantity: 1,
		}},
		// payOS caps the description at 25 characters
		Description: truncate(req.ReferenceID, 25),
		CancelUrl:   p.cfg.CancelURL,
		ReturnUrl:   p.cfg.ReturnURL,
	}

	type linkResult struct {
		url string
		err error
	}
	done := make(chan linkResult, 1)
	go func() {
		url, err := p.createLink(body)
		done <- linkResult{url, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("payos create link: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("payos create link: %w", r.err)
		}
		return &OrderResult{
			OrderRef:    payOSOrderRef(orderCode),
			CheckoutURL: r.url,
		}, nil
	}
}

// ParseWebhook checks the checksum embedded in the payload; payOS sends no signature header.
func (p *payOSGateway) ParseWebhook(payload []byte, _ string) (*WebhookEvent, error) {
	var body payos.WebhookType
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: invalid webhook payload: %v", utils.ErrInvalidSignature, err)
	}

	orderCode, err := p.verify(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidSignature, err)
	}
	if orderCode == payOSTestOrderCode {
		return nil, nil
	}

	outcome := OutcomeFailed
	if body.Code == "00" {
		outcome = OutcomeCaptured
	}
	return &WebhookEvent{OrderRef: payOSOrderRef(orderCode), Outcome: outcome}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
