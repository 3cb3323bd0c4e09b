package controllers

import (
	"github.com/gin-gonic/gin"
	"planpay/pkg/middleware"
)

func RegisterRoutes(r *gin.Engine, jwtSecret []byte,
	paymentController *PaymentController,
	planController *PlanController) {

	plansGroup := r.Group("/plans")
	plansGroup.GET("", planController.ListPlans)
	plansGroup.GET("/:planId", planController.GetPlan)

	// gateways sign their callbacks; no bearer token
	r.POST("/payments/webhook", paymentController.HandleWebhook)

	paymentsGroup := r.Group("/payments", middleware.JWTAuthMiddleware(jwtSecret))
	paymentsGroup.POST("/purchase", paymentController.Purchase)
	paymentsGroup.GET("/:paymentId", paymentController.GetPayment)

	adminGroup := r.Group("/admin/payments", middleware.JWTAuthMiddleware(jwtSecret), middleware.RoleMiddleware("admin"))
	adminGroup.POST("/confirm", paymentController.ConfirmSettlement)
	adminGroup.POST("/sweep", paymentController.Sweep)
}
