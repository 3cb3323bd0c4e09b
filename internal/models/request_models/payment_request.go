package request_models

type PurchaseRequest struct {
	PlanID     string  `json:"plan_id" binding:"required,uuid"`
	CouponCode *string `json:"coupon_code,omitempty" binding:"omitempty,max=64"`
	Currency   string  `json:"currency" binding:"required,len=3"`
	// Amount is the plan price the client displayed, as a decimal string ("1000.00").
	Amount string `json:"amount" binding:"required"`
	// PaymentDate is unix seconds; zero means now.
	PaymentDate int64 `json:"payment_date,omitempty" binding:"gte=0"`
}

// ConfirmSettlementRequest is the admin fallback for gateways whose callbacks cannot
// reach the service.
type ConfirmSettlementRequest struct {
	GatewayOrderRef string `json:"gateway_order_ref" binding:"required"`
	Outcome         string `json:"outcome" binding:"required,oneof=captured failed"`
}
