package services

import (
	"context"
	"sync"
	"time"

	"planpay/internal/models/db_models"
)

type fakeCouponRepo struct {
	mu      sync.Mutex
	coupons map[string]*db_models.Coupon
	err     error
	used    map[string]int
}

func newFakeCouponRepo(coupons ...*db_models.Coupon) *fakeCouponRepo {
	r := &fakeCouponRepo{coupons: map[string]*db_models.Coupon{}, used: map[string]int{}}
	for _, c := range coupons {
		r.coupons[c.Code] = c
	}
	return r
}

func (r *fakeCouponRepo) FindByCode(_ context.Context, code string) (*db_models.Coupon, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.coupons[code], nil
}

func (r *fakeCouponRepo) IncrementUsage(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used[code]++
	return nil
}

type fakeGateway struct {
	mu       sync.Mutex
	openFn   func(ctx context.Context, req OrderRequest) (*OrderResult, error)
	parseFn  func(payload []byte, signature string) (*WebhookEvent, error)
	requests []OrderRequest
	provider string
}

func (g *fakeGateway) Provider() string {
	if g.provider == "" {
		return "fake"
	}
	return g.provider
}

func (g *fakeGateway) OpenOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.openFn != nil {
		return g.openFn(ctx, req)
	}
	return &OrderResult{OrderRef: "ord_" + req.ReferenceID, CheckoutURL: "https://pay.example/" + req.ReferenceID, Captured: false}, nil
}

func (g *fakeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if g.parseFn != nil {
		return g.parseFn(payload, signature)
	}
	return nil, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type fakeStore struct {
	mu    sync.Mutex
	putFn func(ctx context.Context, key string, data []byte) (string, error)
	keys  []string
}

func (s *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	if s.putFn != nil {
		return s.putFn(ctx, key, data)
	}
	return "https://s3.example/bucket/" + key, nil
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

type fakeMailer struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, n Notification) error
	sent   []Notification
}

func (m *fakeMailer) SendWithAttachment(ctx context.Context, n Notification) error {
	if m.sendFn != nil {
		if err := m.sendFn(ctx, n); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

// sentCount counts delivered receipts.
func (m *fakeMailer) sentCount() int {
	return m.countFor(TemplatePaymentReceipt)
}

func (m *fakeMailer) countFor(templateID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if s.BodyTemplateID == templateID {
			n++
		}
	}
	return n
}

func (m *fakeMailer) lastFor(templateID string) Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].BodyTemplateID == templateID {
			return m.sent[i]
		}
	}
	return Notification{}
}

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, entityType, entityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, entityType+":"+entityID)
	return nil
}

func (r *recordingInvalidator) has(entry string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == entry {
			return true
		}
	}
	return false
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}
