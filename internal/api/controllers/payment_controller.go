package controllers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"planpay/internal/models/db_models"
	"planpay/internal/models/request_models"
	"planpay/internal/models/response_models"
	"planpay/internal/services"
	"planpay/pkg/utils"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	StripeSignature   = "Stripe-Signature"

	maxWebhookBody = 64 << 10
)

type PaymentController struct {
	settlementService services.SettlementServiceInterface
}

func NewPaymentController(settlementService services.SettlementServiceInterface) *PaymentController {
	return &PaymentController{
		settlementService: settlementService,
	}
}

// Purchase godoc
// @Summary Purchase a subscription plan
// @Description Charges the plan price (after coupon) through the configured gateway and records the payment
// @Tags Payments
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Client key; a retried request replays the first result"
// @Param request body request_models.PurchaseRequest true "Purchase Request"
// @Success 200 {object} utils.APIResponse
// @Security BearerAuth
// @Router /payments/purchase [post]
func (p *PaymentController) Purchase(c *gin.Context) {

	var request request_models.PurchaseRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.RespondError(c, http.StatusBadRequest, "Invalid request payload")
		return
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(request.Amount))
	if err != nil || amount.IsNegative() {
		utils.RespondError(c, http.StatusBadRequest, "amount must be a non-negative decimal")
		return
	}

	userID := c.GetString("user_id")
	if userID == "" {
		utils.RespondError(c, http.StatusBadRequest, "user_id is required")
		return
	}

	cmd := services.PurchaseCommand{
		IdempotencyKey: c.GetHeader(IdempotencyHeader),
		UserID:         userID,
		UserName:       c.GetString("user_name"),
		UserMail:       c.GetString("user_mail"),
		PlanID:         request.PlanID,
		CouponCode:     request.CouponCode,
		Currency:       request.Currency,
		AmountHint:     amount,
	}
	if request.PaymentDate > 0 {
		cmd.PaymentDate = time.Unix(request.PaymentDate, 0)
	}

	result, err := p.settlementService.Purchase(c.Request.Context(), cmd)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	message := "Purchase recorded successfully"
	if result.Replayed {
		message = "Purchase already recorded for this idempotency key"
	}
	utils.RespondSuccess(c, toPurchaseResponse(result), message)
}

// GetPayment godoc
// @Summary Get a payment
// @Tags Payments
// @Produce json
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} utils.APIResponse
// @Security BearerAuth
// @Router /payments/{paymentId} [get]
func (p *PaymentController) GetPayment(c *gin.Context) {

	record, err := p.settlementService.GetPayment(c.Request.Context(), c.Param("paymentId"))
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	// other users' payments look like missing ones
	if record.UserID != c.GetString("user_id") && c.GetString("Role") != "admin" {
		utils.HandleServiceError(c, utils.ErrPaymentNotFound)
		return
	}

	utils.RespondSuccess(c, toPaymentView(record), "Fetched payment successfully")
}

// HandleWebhook receives gateway settlement callbacks. The body must be read raw so the
// signature can be checked over the exact bytes.
func (p *PaymentController) HandleWebhook(c *gin.Context) {

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		utils.RespondError(c, http.StatusBadRequest, "Could not read webhook body")
		return
	}

	if err := p.settlementService.HandleWebhook(c.Request.Context(), payload, c.GetHeader(StripeSignature)); err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.RespondSuccess(c, gin.H{"received": true}, "Webhook processed")
}

// ConfirmSettlement lets an operator apply a settlement outcome by hand.
func (p *PaymentController) ConfirmSettlement(c *gin.Context) {

	var request request_models.ConfirmSettlementRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.RespondError(c, http.StatusBadRequest, "Invalid request payload")
		return
	}

	err := p.settlementService.ConfirmSettlement(c.Request.Context(), request.GatewayOrderRef, services.Outcome(request.Outcome))
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.RespondSuccess(c, nil, "Settlement applied")
}

func (p *PaymentController) Sweep(c *gin.Context) {

	report, err := p.settlementService.Sweep(c.Request.Context())
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.RespondSuccess(c, response_models.SweepResponse{
		Repaired: report.Repaired,
		Expired:  report.Expired,
		Skipped:  report.Skipped,
	}, "Sweep finished")
}

func toPurchaseResponse(r *services.PurchaseResult) response_models.PurchaseResponse {
	return response_models.PurchaseResponse{
		PaymentID:       r.PaymentID,
		Status:          string(r.Status),
		Currency:        r.Currency,
		PaidAmount:      r.PaidAmount.StringFixed(2),
		Reference:       r.Reference(),
		ReceiptURL:      r.ReceiptURL,
		GatewayOrderRef: r.GatewayOrderRef,
		CheckoutURL:     r.CheckoutURL,
		Replayed:        r.Replayed,
	}
}

func toPaymentView(r *db_models.PaymentRecord) response_models.PaymentView {
	return response_models.PaymentView{
		PaymentID:       r.PaymentID,
		UserID:          r.UserID,
		PlanID:          r.PlanID,
		PlanName:        r.PlanName,
		Status:          string(r.Status),
		FailureReason:   r.FailureReason,
		Currency:        r.Currency,
		RequestedAmount: r.RequestedAmount.StringFixed(2),
		PaidAmount:      r.PaidAmount.StringFixed(2),
		CouponCode:      r.CouponCode,
		DiscountPercent: r.DiscountPercent.StringFixed(2),
		Provider:        r.Provider,
		GatewayOrderRef: r.OrderRef(),
		ReceiptURL:      r.ReceiptURL,
		Notified:        r.NotifiedAt != nil,
		PaymentDate:     r.PaymentDate,
		SettledAt:       r.SettledAt,
		CreatedAt:       r.CreatedAt,
	}
}
