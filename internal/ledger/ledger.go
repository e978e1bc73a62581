// Package ledger owns every Transaction status change and every wallet balance mutation.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/metrics"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/money"
	"github.com/richardliu001/escrow-service/internal/payment"
	"github.com/richardliu001/escrow-service/internal/repo"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyFinal      = errors.New("transaction already in a final state")
	ErrInvalidAmount     = errors.New("amount must be positive with at most two decimal places")
)

// EscrowCascade receives funding outcomes for purchase transactions. Both calls run
// inside the ledger's database transaction.
type EscrowCascade interface {
	MarkPaid(ctx context.Context, tx *gorm.DB, escrowID string) error
	CancelUnpaid(ctx context.Context, tx *gorm.DB, escrowID string) error
}

// SubscriptionActivator turns a completed subscription payment into an active plan.
type SubscriptionActivator interface {
	Activate(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
}

type Ledger struct {
	repo   repo.RepositoryInterface
	escrow EscrowCascade
	subs   SubscriptionActivator
	log    *zap.SugaredLogger
}

func New(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{repo: r, log: logger}
}

// WithEscrow sets the cascade target for purchase outcomes.
func (l *Ledger) WithEscrow(e EscrowCascade) *Ledger {
	l.escrow = e
	return l
}

// WithSubscriptions sets the activator for completed subscription payments.
func (l *Ledger) WithSubscriptions(a SubscriptionActivator) *Ledger {
	l.subs = a
	return l
}

// ApplyPaymentResult moves a Transaction to the status implied by res and runs the
// cascade for that status in the same database transaction. A terminal Transaction is
// left untouched and ErrAlreadyFinal is returned.
func (l *Ledger) ApplyPaymentResult(ctx context.Context, transactionID string, res payment.Result) (*model.Transaction, error) {
	var (
		out     *model.Transaction
		touched []string
	)
	err := l.repo.InTx(ctx, func(tx *gorm.DB) error {
		t, err := l.repo.GetTransactionForUpdate(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		touched, err = l.ApplyInTx(ctx, tx, t, res)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.settled(out)
	l.RefreshBalances(ctx, touched...)
	return out, nil
}

// ApplyInTx is ApplyPaymentResult for a Transaction already locked by the caller's tx.
// It returns the users whose balance changed so the caller can refresh caches after commit.
func (l *Ledger) ApplyInTx(ctx context.Context, tx *gorm.DB, t *model.Transaction, res payment.Result) ([]string, error) {
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyFinal, t.ID, t.Status)
	}

	status := statusFor(res.Status)
	if status == t.Status && !status.Terminal() && sameReference(t.ProviderTxnID, res.ProviderTxnID) {
		// repeated in-flight notification
		return nil, nil
	}
	if res.Status == payment.StatusSuccess && !res.Amount.Equal(t.Amount) {
		status = model.TxFailed
		t.Metadata = mergeMetadata(t.Metadata, map[string]interface{}{
			"amount_mismatch": map[string]string{
				"expected": t.Amount.StringFixed(money.Scale),
				"received": res.Amount.StringFixed(money.Scale),
			},
		})
		l.log.Warnw("payment amount mismatch", "transaction_id", t.ID, "order_id", t.OrderID,
			"expected", t.Amount, "received", res.Amount)
	}

	t.Status = status
	if res.ProviderTxnID != "" {
		ref := res.ProviderTxnID
		t.ProviderTxnID = &ref
	}
	if status.Terminal() {
		now := time.Now()
		t.ProcessedAt = &now
	}
	if err := l.repo.SaveTransaction(ctx, tx, t); err != nil {
		return nil, err
	}

	touched, err := l.cascade(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	if err := l.emit(ctx, tx, t); err != nil {
		return nil, err
	}
	return touched, nil
}

func (l *Ledger) cascade(ctx context.Context, tx *gorm.DB, t *model.Transaction) ([]string, error) {
	switch t.Status {
	case model.TxCompleted:
		switch t.Kind {
		case model.KindDeposit:
			if _, err := l.Credit(ctx, tx, t.UserID, t.Amount); err != nil {
				return nil, err
			}
			return []string{t.UserID}, nil
		case model.KindPurchase:
			if t.EscrowID == nil {
				return nil, nil
			}
			if l.escrow == nil {
				return nil, errors.New("ledger: escrow cascade not configured")
			}
			return nil, l.escrow.MarkPaid(ctx, tx, *t.EscrowID)
		case model.KindSubscription:
			if l.subs == nil {
				return nil, errors.New("ledger: subscription activator not configured")
			}
			return nil, l.subs.Activate(ctx, tx, t)
		}
	case model.TxFailed, model.TxCancelled:
		switch t.Kind {
		case model.KindPurchase:
			if t.EscrowID == nil {
				return nil, nil
			}
			if l.escrow == nil {
				return nil, errors.New("ledger: escrow cascade not configured")
			}
			return nil, l.escrow.CancelUnpaid(ctx, tx, *t.EscrowID)
		case model.KindWithdrawal:
			// the reserve taken at creation goes back to the wallet
			if _, err := l.Credit(ctx, tx, t.UserID, t.Amount); err != nil {
				return nil, err
			}
			return []string{t.UserID}, nil
		}
	}
	return nil, nil
}

func sameReference(current *string, incoming string) bool {
	return incoming == "" || (current != nil && *current == incoming)
}

func statusFor(s payment.Status) model.TxStatus {
	switch s {
	case payment.StatusSuccess:
		return model.TxCompleted
	case payment.StatusFailed:
		return model.TxFailed
	case payment.StatusCancelled:
		return model.TxCancelled
	default:
		return model.TxProcessing
	}
}

func (l *Ledger) emit(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":        t.ID,
		"user_id":   t.UserID,
		"kind":      t.Kind,
		"status":    t.Status,
		"amount":    t.Amount,
		"currency":  t.Currency,
		"order_id":  t.OrderID,
		"escrow_id": t.EscrowID,
	})
	return l.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "transaction",
		AggregateID: t.ID,
		EventType:   "transaction." + string(t.Status),
		Payload:     string(payload),
	})
}

func (l *Ledger) settled(t *model.Transaction) {
	if t.Status.Terminal() {
		metrics.TransactionsSettled.WithLabelValues(string(t.Kind), string(t.Status)).Inc()
	}
}

// Credit adds amount to the user's wallet, creating the wallet on first use.
func (l *Ledger) Credit(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	w, err := l.lockWallet(ctx, tx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	newBal := w.Balance.Add(amount)
	if err := l.repo.UpdateWallet(ctx, tx, userID, newBal, w.Version); err != nil {
		return decimal.Zero, err
	}
	return newBal, nil
}

// Debit subtracts amount from the user's wallet. The balance never goes negative.
func (l *Ledger) Debit(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	w, err := l.repo.GetWalletForUpdate(ctx, tx, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return decimal.Zero, ErrInsufficientFunds
	}
	if err != nil {
		return decimal.Zero, err
	}
	if w.Balance.LessThan(amount) {
		return decimal.Zero, ErrInsufficientFunds
	}
	newBal := w.Balance.Sub(amount)
	if err := l.repo.UpdateWallet(ctx, tx, userID, newBal, w.Version); err != nil {
		return decimal.Zero, err
	}
	return newBal, nil
}

func (l *Ledger) lockWallet(ctx context.Context, tx *gorm.DB, userID string) (*model.Wallet, error) {
	w, err := l.repo.GetWalletForUpdate(ctx, tx, userID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if err := l.repo.CreateWallet(ctx, tx, &model.Wallet{UserID: userID, Balance: decimal.Zero}); err != nil {
		return nil, err
	}
	return l.repo.GetWalletForUpdate(ctx, tx, userID)
}

// Record inserts an already-settled Transaction, e.g. an escrow payout.
func (l *Ledger) Record(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Metadata == "" {
		t.Metadata = "{}"
	}
	now := time.Now()
	t.Status = model.TxCompleted
	t.ProcessedAt = &now
	if err := l.repo.CreateTransaction(ctx, tx, t); err != nil {
		return err
	}
	return l.emit(ctx, tx, t)
}

// RefreshBalances rewrites cached balances from the database. Call it after commit.
func (l *Ledger) RefreshBalances(ctx context.Context, userIDs ...string) {
	for _, id := range userIDs {
		w, err := l.repo.GetWallet(ctx, id)
		if err != nil {
			l.log.Warnw("balance refresh failed", "user_id", id, "error", err)
			continue
		}
		if err := l.repo.CacheBalance(ctx, id, w.Balance); err != nil {
			l.log.Warnw("balance cache write failed", "user_id", id, "error", err)
		}
	}
}

func mergeMetadata(raw string, kv map[string]interface{}) string {
	m := map[string]interface{}{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &m)
	}
	for k, v := range kv {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return string(b)
}
