package controllers_fx

import (
	"go.uber.org/fx"
	"planpay/internal/api/controllers"
)

var Module = fx.Options(
	fx.Provide(controllers.NewPaymentController),
	fx.Provide(controllers.NewPlanController))
