package response_models

import (
	"github.com/google/uuid"
)

type SubscriptionPlan struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Description  *string   `json:"description,omitempty"`
	Price        string    `json:"price"`    // "1000.00"
	Currency     string    `json:"currency"` // "USD", "VND"
	DurationDays int32     `json:"duration_days"`
	MembersCount int64     `json:"members_count"`
	IsActive     bool      `json:"is_active"`
	Features     []string  `json:"features,omitempty"`
}
