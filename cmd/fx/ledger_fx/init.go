package ledger_fx

import (
	"go.uber.org/fx"
	"planpay/internal/repositories"
)

var Module = fx.Provide(
	repositories.NewPlanRepository,
	repositories.NewCouponRepository,
	repositories.NewPaymentLedger,
)
