package controllers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"planpay/internal/services"
	"planpay/pkg/utils"
)

type PlanController struct {
	planService services.PlanServiceInterface
}

func NewPlanController(planService services.PlanServiceInterface) *PlanController {
	return &PlanController{
		planService: planService,
	}
}

func (pc *PlanController) ListPlans(c *gin.Context) {
	plans, err := pc.planService.GetPlans(c.Request.Context())
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.RespondSuccess(c, plans, "Fetched plans successfully")
}

func (pc *PlanController) GetPlan(c *gin.Context) {
	planID := c.Param("planId")
	if _, err := uuid.Parse(planID); err != nil {
		utils.HandleServiceError(c, utils.ErrPlanNotFound)
		return
	}

	plan, err := pc.planService.GetPlanInfoById(c.Request.Context(), planID)
	if err != nil {
		utils.HandleServiceError(c, err)
		return
	}

	utils.RespondSuccess(c, plan, "Fetched plan successfully")
}
