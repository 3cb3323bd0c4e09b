package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"planpay/internal/repositories"
	"planpay/pkg/utils"
)

var (
	decimalZero    = decimal.Zero
	decimalHundred = decimal.NewFromInt(100)
)

type Discount struct {
	Payable     decimal.Decimal
	AppliedCode *string
	OffPercent  decimal.Decimal
}

type DiscountServiceInterface interface {
	Resolve(ctx context.Context, price decimal.Decimal, couponCode *string, planID string, today time.Time) (Discount, error)
}

type DiscountService struct {
	couponRepo repositories.ICouponRepository
}

func NewDiscountService(couponRepo repositories.ICouponRepository) DiscountServiceInterface {
	return &DiscountService{couponRepo: couponRepo}
}

// Resolve applies a coupon leniently: an unknown, expired or foreign coupon is ignored
// and the full price is payable. Only a repository failure is returned as an error.
func (d *DiscountService) Resolve(ctx context.Context, price decimal.Decimal, couponCode *string, planID string, today time.Time) (Discount, error) {
	full := Discount{Payable: price, OffPercent: decimalZero}

	if couponCode == nil || strings.TrimSpace(*couponCode) == "" {
		return full, nil
	}
	code := strings.TrimSpace(*couponCode)

	coupon, err := d.couponRepo.FindByCode(ctx, code)
	if err != nil {
		return Discount{}, fmt.Errorf("%w: load coupon: %v", utils.ErrDatabaseError, err)
	}
	if coupon == nil {
		slog.Info("coupon not found, charging full price", "coupon", code, "plan_id", planID)
		return full, nil
	}
	if coupon.PlanID.String() != planID {
		slog.Info("coupon targets another plan, charging full price", "coupon", code, "plan_id", planID)
		return full, nil
	}
	if !utils.WithinDays(today, coupon.ValidFrom, coupon.ValidUntil) {
		slog.Info("coupon outside validity window, charging full price", "coupon", code, "plan_id", planID)
		return full, nil
	}

	off := clampPercent(coupon.OffPercentage)
	payable := utils.RoundMoney(price.Mul(decimalHundred.Sub(off)).Div(decimalHundred))
	if payable.LessThan(decimalZero) {
		payable = decimalZero
	}
	if payable.GreaterThan(price) {
		payable = price
	}

	return Discount{Payable: payable, AppliedCode: &code, OffPercent: off}, nil
}

func clampPercent(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(decimalZero) {
		return decimalZero
	}
	if p.GreaterThan(decimalHundred) {
		return decimalHundred
	}
	return p
}
