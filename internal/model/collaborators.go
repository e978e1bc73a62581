package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Listing is owned by the marketplace; this service only reads it.
type Listing struct {
	ID        string          `gorm:"primaryKey;size:64"`
	SellerID  string          `gorm:"size:64;not null"`
	Title     string          `gorm:"size:255"`
	Price     decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Currency  string          `gorm:"size:8;not null"`
	Status    string          `gorm:"size:32;not null"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
}

func (Listing) TableName() string { return "listing" }

type UserSubscription struct {
	ID            string    `gorm:"primaryKey;size:64"`
	UserID        string    `gorm:"size:64;not null;index"`
	PlanSlug      string    `gorm:"size:32;not null"`
	Status        string    `gorm:"size:32;not null"`
	StartDate     time.Time `gorm:"not null"`
	EndDate       time.Time `gorm:"not null"`
	TransactionID string    `gorm:"size:64"`
	CancelledAt   *time.Time
}

func (UserSubscription) TableName() string { return "user_subscription" }

// All lists every table managed by AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Wallet{}, &Transaction{}, &EscrowTransaction{}, &OutboxEvent{},
		&Listing{}, &UserSubscription{},
	}
}
