package db_models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel carries the surrogate key and unix-second timestamps shared by plans,
// coupons and ledger records. Ledger rows are never deleted, so there is no
// soft-delete column.
type BaseModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt int64     `gorm:"autoCreateTime"`
	UpdatedAt int64     `gorm:"autoUpdateTime"`
}

func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
