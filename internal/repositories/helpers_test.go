package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"planpay/internal/infra"
	"planpay/internal/models/db_models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := infra.OpenDatabase("sqlite:file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { infra.CloseDatabase(db) })
	return db
}

func seedPlan(t *testing.T, db *gorm.DB, name string, price string) *db_models.Plan {
	t.Helper()
	plan := &db_models.Plan{
		Name:         name,
		Price:        decimal.RequireFromString(price),
		Currency:     "USD",
		DurationDays: 30,
		Features:     []string{"feature a", "feature b"},
		IsActive:     true,
	}
	require.NoError(t, db.Create(plan).Error)
	return plan
}

func strPtr(s string) *string { return &s }

func makeRecord(paymentID, orderRef string) *db_models.PaymentRecord {
	return &db_models.PaymentRecord{
		PaymentID:       paymentID,
		UserID:          "user-1",
		UserName:        "Ada",
		UserMail:        "ada@example.com",
		PlanID:          "plan-1",
		PlanName:        "Pro",
		Currency:        "USD",
		RequestedAmount: decimal.RequireFromString("1000.00"),
		PaidAmount:      decimal.RequireFromString("900.00"),
		DiscountPercent: decimal.NewFromInt(10),
		Provider:        "stripe",
		GatewayOrderRef: strPtr(orderRef),
		Status:          db_models.PaymentStatusPending,
		PaymentDate:     time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC).Unix(),
	}
}

var bg = context.Background()
