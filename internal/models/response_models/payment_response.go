package response_models

type PurchaseResponse struct {
	PaymentID  string `json:"payment_id"`
	Status     string `json:"status"`
	Currency   string `json:"currency"`
	PaidAmount string `json:"paid_amount"`
	// Reference is the receipt URL, or the gateway order reference when no receipt was stored.
	Reference       string `json:"reference"`
	ReceiptURL      string `json:"receipt_url,omitempty"`
	GatewayOrderRef string `json:"gateway_order_ref"`
	CheckoutURL     string `json:"checkout_url,omitempty"`
	Replayed        bool   `json:"replayed,omitempty"`
}

type PaymentView struct {
	PaymentID       string  `json:"payment_id"`
	UserID          string  `json:"user_id"`
	PlanID          string  `json:"plan_id"`
	PlanName        string  `json:"plan_name"`
	Status          string  `json:"status"`
	FailureReason   string  `json:"failure_reason,omitempty"`
	Currency        string  `json:"currency"`
	RequestedAmount string  `json:"requested_amount"`
	PaidAmount      string  `json:"paid_amount"`
	CouponCode      *string `json:"coupon_code,omitempty"`
	DiscountPercent string  `json:"discount_percent"`
	Provider        string  `json:"provider"`
	GatewayOrderRef string  `json:"gateway_order_ref,omitempty"`
	ReceiptURL      *string `json:"receipt_url,omitempty"`
	Notified        bool    `json:"notified"`
	PaymentDate     int64   `json:"payment_date"`
	SettledAt       *int64  `json:"settled_at,omitempty"`
	CreatedAt       int64   `json:"created_at"`
}

type SweepResponse struct {
	Repaired int `json:"repaired"`
	Expired  int `json:"expired"`
	Skipped  int `json:"skipped"`
}
