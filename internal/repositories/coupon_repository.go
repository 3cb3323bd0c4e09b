package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"planpay/internal/models/db_models"
)

type ICouponRepository interface {
	FindByCode(ctx context.Context, code string) (*db_models.Coupon, error)
	IncrementUsage(ctx context.Context, code string) error
}

type couponRepository struct {
	db *gorm.DB
}

func NewCouponRepository(db *gorm.DB) ICouponRepository {
	return &couponRepository{db: db}
}

func (r *couponRepository) FindByCode(ctx context.Context, code string) (*db_models.Coupon, error) {
	var coupon db_models.Coupon
	err := r.db.WithContext(ctx).First(&coupon, "code = ?", code).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &coupon, nil
}

func (r *couponRepository) IncrementUsage(ctx context.Context, code string) error {
	return r.db.WithContext(ctx).Model(&db_models.Coupon{}).
		Where("code = ?", code).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1)).Error
}
