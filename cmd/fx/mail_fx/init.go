package mail_fx

import (
	"go.uber.org/fx"
	"planpay/internal/services"
)

var Module = fx.Provide(services.NewSMTPMailService)
