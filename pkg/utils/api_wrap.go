package utils

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

type APIResponse struct {
	Status  string      `json:"status"`
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func RespondSuccess(c *gin.Context, data interface{}, message string) {
	RespondWithCode(c, http.StatusOK, data, message)
}

func RespondWithCode(c *gin.Context, code int, data interface{}, message string) {
	c.JSON(code, APIResponse{
		Status:  "success",
		Code:    code,
		Message: message,
		TraceID: c.GetString("trace_id"),
		Data:    data,
	})
}

func RespondError(c *gin.Context, code int, message string) {
	c.JSON(code, APIResponse{
		Status:  "error",
		Code:    code,
		Message: message,
		TraceID: c.GetString("trace_id"),
	})
}

// HandleServiceError maps the service error taxonomy onto HTTP responses.
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPlanNotFound):
		RespondError(c, http.StatusNotFound, "Plan not found")
	case errors.Is(err, ErrPaymentNotFound):
		RespondError(c, http.StatusNotFound, "Payment not found")
	case errors.Is(err, ErrPriceMismatch):
		RespondError(c, http.StatusUnprocessableEntity, "Amount does not match the current plan price")
	case errors.Is(err, ErrInvalidOutcome):
		RespondError(c, http.StatusBadRequest, "Unknown settlement outcome")
	case errors.Is(err, ErrInvalidSignature):
		RespondError(c, http.StatusUnauthorized, "Webhook signature verification failed")
	case errors.Is(err, ErrIdempotencyMismatch):
		RespondError(c, http.StatusUnprocessableEntity, "Idempotency key was already used for a different purchase")
	case errors.Is(err, ErrPurchaseInProgress):
		RespondError(c, http.StatusConflict, "A purchase with this idempotency key is already in progress")
	case errors.Is(err, ErrPaymentGateway):
		slog.Warn("payment gateway failure", "error", err, "trace_id", c.GetString("trace_id"))
		RespondError(c, http.StatusBadGateway, "Payment gateway rejected or did not answer the order")
	case errors.Is(err, ErrCheckoutBusy):
		RespondError(c, http.StatusServiceUnavailable, "Checkout is busy, retry later")
	case errors.Is(err, ErrDatabaseError):
		slog.Error("database error", "error", err, "trace_id", c.GetString("trace_id"))
		RespondError(c, http.StatusInternalServerError, "Internal server error")
	default:
		slog.Error("unhandled service error", "error", err, "trace_id", c.GetString("trace_id"))
		RespondError(c, http.StatusInternalServerError, "Internal server error")
	}
}
