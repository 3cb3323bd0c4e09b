package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"planpay/internal/models/db_models"
)

type IPlanRepository interface {
	GetPlanInfoById(ctx context.Context, planID string) (*db_models.Plan, error)
	GetAllPlans(ctx context.Context) ([]db_models.Plan, error)
	// IncrementMembers adds delta to members_count in a single UPDATE so concurrent
	// purchases of the same plan never lose an increment. A negative delta never takes
	// the counter below zero; the returned bool is false when nothing was changed.
	IncrementMembers(ctx context.Context, planID string, delta int64) (bool, error)
}

type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) IPlanRepository {
	return &PlanRepository{db: db}
}

func (p PlanRepository) GetPlanInfoById(ctx context.Context, planID string) (*db_models.Plan, error) {

	var plan db_models.Plan
	err := p.db.WithContext(ctx).First(&plan, "id = ?", planID).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &plan, nil
}

func (p PlanRepository) GetAllPlans(ctx context.Context) ([]db_models.Plan, error) {

	var plans []db_models.Plan
	err := p.db.WithContext(ctx).Where("is_active = ?", true).Order("price").Find(&plans).Error

	if err != nil {
		return nil, err
	}

	return plans, nil
}

func (p PlanRepository) IncrementMembers(ctx context.Context, planID string, delta int64) (bool, error) {
	q := p.db.WithContext(ctx).Model(&db_models.Plan{}).Where("id = ?", planID)
	if delta < 0 {
		q = q.Where("members_count >= ?", -delta)
	}

	res := q.UpdateColumn("members_count", gorm.Expr("members_count + ?", delta))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
