package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type EscrowStatus string

const (
	EscrowPendingPayment EscrowStatus = "pending_payment"
	EscrowPaid           EscrowStatus = "paid"
	EscrowDelivered      EscrowStatus = "delivered"
	EscrowConfirmed      EscrowStatus = "confirmed"
	EscrowDisputed       EscrowStatus = "disputed"
	EscrowRefunded       EscrowStatus = "refunded"
	EscrowCancelled      EscrowStatus = "cancelled"
)

// Terminal reports whether the escrow no longer holds funds.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowConfirmed || s == EscrowRefunded || s == EscrowCancelled
}

// EscrowTransaction holds a buyer's payment for one listing until release or refund.
// Amount is the price at purchase time and never changes.
type EscrowTransaction struct {
	ID              string          `gorm:"primaryKey;size:64" json:"id"`
	BuyerID         string          `gorm:"size:64;not null;index" json:"buyer_id"`
	SellerID        string          `gorm:"size:64;not null;index" json:"seller_id"`
	ListingID       string          `gorm:"size:64;not null" json:"listing_id"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	Commission      decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"commission"`
	CommissionRate  decimal.Decimal `gorm:"type:numeric(6,4);not null" json:"commission_rate"`
	Currency        string          `gorm:"size:8;not null" json:"currency"`
	Status          EscrowStatus    `gorm:"size:32;not null;index" json:"status"`
	PaymentTxnID    *string         `gorm:"size:64" json:"payment_txn_id,omitempty"`
	DisputeReason   *string         `gorm:"type:text" json:"dispute_reason,omitempty"`
	Resolution      string          `gorm:"size:32" json:"resolution,omitempty"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime;index" json:"updated_at"`
	DeliveredAt     *time.Time      `json:"delivered_at,omitempty"`
	DisputeOpenedAt *time.Time      `json:"dispute_opened_at,omitempty"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
}

func (EscrowTransaction) TableName() string { return "escrow_transaction" }
