package db_models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Coupon struct {
	BaseModel
	Code          string          `gorm:"uniqueIndex;size:64;not null"`
	PlanID        uuid.UUID       `gorm:"type:uuid;index;not null"`
	ValidFrom     time.Time       `gorm:"not null"`
	ValidUntil    time.Time       `gorm:"not null"`
	OffPercentage decimal.Decimal `gorm:"type:numeric(5,2);not null"`
	UsageCount    int64           `gorm:"not null;default:0"`
}
