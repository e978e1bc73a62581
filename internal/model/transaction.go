package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxKind string

const (
	KindDeposit      TxKind = "deposit"
	KindWithdrawal   TxKind = "withdrawal"
	KindPurchase     TxKind = "purchase"
	KindRefund       TxKind = "refund"
	KindCommission   TxKind = "commission"
	KindSubscription TxKind = "subscription"
	KindPayout       TxKind = "payout"
)

type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxProcessing TxStatus = "processing"
	TxCompleted  TxStatus = "completed"
	TxFailed     TxStatus = "failed"
	TxCancelled  TxStatus = "cancelled"
)

// Terminal reports whether no further status change is allowed.
func (s TxStatus) Terminal() bool {
	return s == TxCompleted || s == TxFailed || s == TxCancelled
}

// Transaction is one money movement, keyed by a unique order id.
type Transaction struct {
	ID            string          `gorm:"primaryKey;size:64" json:"id"`
	UserID        string          `gorm:"size:64;not null;index" json:"user_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null" json:"amount"`
	Currency      string          `gorm:"size:8;not null" json:"currency"`
	Kind          TxKind          `gorm:"size:32;not null" json:"kind"`
	Status        TxStatus        `gorm:"size:32;not null;index" json:"status"`
	Provider      string          `gorm:"size:32" json:"provider,omitempty"`
	ProviderTxnID *string         `gorm:"size:128" json:"provider_txn_id,omitempty"`
	OrderID       string          `gorm:"size:128;not null;uniqueIndex" json:"order_id"`
	EscrowID      *string         `gorm:"size:64;index" json:"escrow_id,omitempty"`
	Metadata      string          `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

func (Transaction) TableName() string { return "payment_transaction" }
