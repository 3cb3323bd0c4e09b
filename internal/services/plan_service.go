package services

import (
	"context"

	"planpay/internal/models/db_models"
	"planpay/internal/models/response_models"
	"planpay/internal/repositories"
	"planpay/pkg/utils"
)

type PlanServiceInterface interface {
	GetPlans(ctx context.Context) ([]response_models.SubscriptionPlan, error)
	GetPlanInfoById(ctx context.Context, planId string) (response_models.SubscriptionPlan, error)
}

func NewPlanService(planRepo repositories.IPlanRepository) PlanServiceInterface {
	return &PlanService{
		planRepo: planRepo,
	}
}

type PlanService struct {
	planRepo repositories.IPlanRepository
}

func (p *PlanService) GetPlans(ctx context.Context) ([]response_models.SubscriptionPlan, error) {

	plans, err := p.planRepo.GetAllPlans(ctx)
	if err != nil {
		return nil, utils.ErrDatabaseError
	}

	result := make([]response_models.SubscriptionPlan, 0, len(plans))
	for i := range plans {
		result = append(result, toSubscriptionPlan(&plans[i]))
	}
	return result, nil
}

func (p *PlanService) GetPlanInfoById(ctx context.Context, planId string) (response_models.SubscriptionPlan, error) {

	plan, err := p.planRepo.GetPlanInfoById(ctx, planId)
	if err != nil {
		return response_models.SubscriptionPlan{}, utils.ErrDatabaseError
	}

	if plan == nil || !plan.IsActive {
		return response_models.SubscriptionPlan{}, utils.ErrPlanNotFound
	}

	return toSubscriptionPlan(plan), nil
}

func toSubscriptionPlan(plan *db_models.Plan) response_models.SubscriptionPlan {
	return response_models.SubscriptionPlan{
		ID:           plan.ID,
		Name:         plan.Name,
		Description:  plan.Description,
		Price:        plan.Price.StringFixed(2),
		Currency:     plan.Currency,
		DurationDays: plan.DurationDays,
		MembersCount: plan.MembersCount,
		IsActive:     plan.IsActive,
		Features:     plan.Features,
	}
}
