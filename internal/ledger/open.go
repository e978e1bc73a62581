package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/money"
	"github.com/richardliu001/escrow-service/internal/repo"
)

// OpenRequest describes a pending Transaction awaiting a provider result.
type OpenRequest struct {
	UserID   string
	Kind     model.TxKind
	Amount   decimal.Decimal
	Currency string
	Provider string
	OrderID  string
	EscrowID *string
	Metadata map[string]interface{}
}

// Open creates a pending Transaction inside tx. A replay with the same order id, user
// and kind returns the existing row with created=false.
func (l *Ledger) Open(ctx context.Context, tx *gorm.DB, req OpenRequest) (t *model.Transaction, created bool, err error) {
	if !money.Valid(req.Amount) {
		return nil, false, ErrInvalidAmount
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}
	exists, existing, err := l.repo.TxExists(ctx, tx, req.UserID, req.OrderID, req.Kind)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return existing, false, nil
	}

	meta := "{}"
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, false, err
		}
		meta = string(b)
	}
	t = &model.Transaction{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Kind:     req.Kind,
		Status:   model.TxPending,
		Provider: req.Provider,
		OrderID:  req.OrderID,
		EscrowID: req.EscrowID,
		Metadata: meta,
	}
	if err := l.repo.CreateTransaction(ctx, tx, t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// OpenDeposit creates a pending deposit. The wallet is credited when the provider confirms.
func (l *Ledger) OpenDeposit(ctx context.Context, req OpenRequest) (*model.Transaction, bool, error) {
	req.Kind = model.KindDeposit
	return l.openAlone(ctx, req)
}

// OpenSubscription creates a pending subscription payment.
func (l *Ledger) OpenSubscription(ctx context.Context, req OpenRequest) (*model.Transaction, bool, error) {
	req.Kind = model.KindSubscription
	return l.openAlone(ctx, req)
}

// OpenWithdrawal reserves the amount from the wallet and creates a pending withdrawal.
// ErrInsufficientFunds is returned before any row is written.
func (l *Ledger) OpenWithdrawal(ctx context.Context, req OpenRequest) (*model.Transaction, bool, error) {
	req.Kind = model.KindWithdrawal
	if !money.Valid(req.Amount) {
		return nil, false, ErrInvalidAmount
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}
	var (
		t       *model.Transaction
		created bool
	)
	err := l.repo.InTx(ctx, func(tx *gorm.DB) error {
		exists, existing, err := l.repo.TxExists(ctx, tx, req.UserID, req.OrderID, req.Kind)
		if err != nil {
			return err
		}
		if exists {
			t, created = existing, false
			return nil
		}
		if _, err := l.Debit(ctx, tx, req.UserID, req.Amount); err != nil {
			return err
		}
		t, created, err = l.Open(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		l.RefreshBalances(ctx, req.UserID)
	}
	return t, created, nil
}

func (l *Ledger) openAlone(ctx context.Context, req OpenRequest) (*model.Transaction, bool, error) {
	var (
		t       *model.Transaction
		created bool
	)
	err := l.repo.InTx(ctx, func(tx *gorm.DB) error {
		var err error
		t, created, err = l.Open(ctx, tx, req)
		return err
	})
	return t, created, err
}

// Balance returns the user's available balance, reading through the cache.
func (l *Ledger) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if bal, err := l.repo.GetCachedBalance(ctx, userID); err == nil {
		return bal, nil
	}
	w, err := l.repo.GetWallet(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	if err := l.repo.CacheBalance(ctx, userID, w.Balance); err != nil {
		l.log.Warnw("balance cache write failed", "user_id", userID, "error", err)
	}
	return w.Balance, nil
}

// History lists the user's transactions newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int, since time.Time) ([]model.Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.ListTransactions(ctx, userID, limit, since)
}
