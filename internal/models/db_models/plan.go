package db_models

import (
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Plan struct {
	BaseModel
	Name         string `gorm:"uniqueIndex;size:128;not null"`
	Description  *string
	Price        decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Currency     string          `gorm:"size:3;not null"` // "USD", "VND"
	DurationDays int32           `gorm:"not null"`
	// Ordered list shown on the receipt.
	Features     datatypes.JSONSlice[string]
	MembersCount int64 `gorm:"not null;default:0"`
	IsActive     bool  `gorm:"default:true"`
}
