// Package escrow implements the custody state machine for marketplace purchases.
//
//	pending_payment -> paid -> delivered -> confirmed
//	       |            |          |
//	   cancelled        +-> disputed -> confirmed | refunded
//
// Every transition locks the escrow row, checks the actor and the current state, applies
// the money postings and writes an outbox event in one database transaction.
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/metrics"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/money"
	"github.com/richardliu001/escrow-service/internal/repo"
)

var (
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrForbidden         = errors.New("actor may not perform this escrow action")
	ErrNotFound          = errors.New("escrow not found")
	ErrInvalidInput      = errors.New("invalid escrow request")
)

// PlatformUserID owns commission transactions.
const PlatformUserID = "platform"

// Outcome is an admin's dispute decision.
type Outcome string

const (
	OutcomeSeller Outcome = "seller"
	OutcomeBuyer  Outcome = "buyer"
)

const (
	ResolutionBuyerConfirmed = "buyer_confirmed"
	ResolutionAutoReleased   = "auto_released"
	ResolutionAdminSeller    = "admin_seller"
	ResolutionAdminBuyer     = "admin_buyer"
	ResolutionPaymentFailed  = "payment_failed"
)

type event string

const (
	evPay         event = "pay"
	evCancel      event = "cancel"
	evDeliver     event = "deliver"
	evConfirm     event = "confirm"
	evDispute     event = "dispute"
	evResolveSell event = "resolve_seller"
	evResolveBuy  event = "resolve_buyer"
	evAutoRelease event = "auto_release"
)

type edge struct {
	from []model.EscrowStatus
	to   model.EscrowStatus
}

var transitions = map[event]edge{
	evPay:         {from: []model.EscrowStatus{model.EscrowPendingPayment}, to: model.EscrowPaid},
	evCancel:      {from: []model.EscrowStatus{model.EscrowPendingPayment}, to: model.EscrowCancelled},
	evDeliver:     {from: []model.EscrowStatus{model.EscrowPaid}, to: model.EscrowDelivered},
	evConfirm:     {from: []model.EscrowStatus{model.EscrowDelivered}, to: model.EscrowConfirmed},
	evDispute:     {from: []model.EscrowStatus{model.EscrowPaid, model.EscrowDelivered}, to: model.EscrowDisputed},
	evResolveSell: {from: []model.EscrowStatus{model.EscrowDisputed}, to: model.EscrowConfirmed},
	evResolveBuy:  {from: []model.EscrowStatus{model.EscrowDisputed}, to: model.EscrowRefunded},
	evAutoRelease: {from: []model.EscrowStatus{model.EscrowDelivered}, to: model.EscrowConfirmed},
}

func guard(e *model.EscrowTransaction, ev event) (model.EscrowStatus, error) {
	edge := transitions[ev]
	for _, s := range edge.from {
		if e.Status == s {
			return edge.to, nil
		}
	}
	return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, e.Status)
}

// Postings is the slice of the ledger the engine moves money through.
type Postings interface {
	Credit(ctx context.Context, tx *gorm.DB, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	Record(ctx context.Context, tx *gorm.DB, t *model.Transaction) error
	RefreshBalances(ctx context.Context, userIDs ...string)
}

type Engine struct {
	repo   repo.RepositoryInterface
	ledger Postings
	log    *zap.SugaredLogger
}

func NewEngine(r repo.RepositoryInterface, p Postings, logger *zap.SugaredLogger) *Engine {
	return &Engine{repo: r, ledger: p, log: logger}
}

type OpenRequest struct {
	BuyerID        string
	SellerID       string
	ListingID      string
	Amount         decimal.Decimal
	Currency       string
	CommissionRate decimal.Decimal
	PaymentTxnID   string
}

// Open creates a pending_payment escrow inside tx. The commission is fixed here and
// never recomputed.
func (e *Engine) Open(ctx context.Context, tx *gorm.DB, req OpenRequest) (*model.EscrowTransaction, error) {
	if !money.Valid(req.Amount) {
		return nil, fmt.Errorf("%w: amount %s", ErrInvalidInput, req.Amount)
	}
	if req.BuyerID == "" || req.SellerID == "" || req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidInput)
	}
	_, commission, err := money.Split(req.Amount, req.CommissionRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	esc := &model.EscrowTransaction{
		ID:             uuid.NewString(),
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		ListingID:      req.ListingID,
		Amount:         req.Amount,
		Commission:     commission,
		CommissionRate: req.CommissionRate,
		Currency:       req.Currency,
		Status:         model.EscrowPendingPayment,
	}
	if req.PaymentTxnID != "" {
		ref := req.PaymentTxnID
		esc.PaymentTxnID = &ref
	}
	if err := e.repo.CreateEscrow(ctx, tx, esc); err != nil {
		return nil, err
	}
	if err := e.emit(ctx, tx, esc, ""); err != nil {
		return nil, err
	}
	return esc, nil
}

// LinkPayment records the funding Transaction on a pending escrow.
func (e *Engine) LinkPayment(ctx context.Context, tx *gorm.DB, esc *model.EscrowTransaction, transactionID string) error {
	esc.PaymentTxnID = &transactionID
	return e.repo.SaveEscrow(ctx, tx, esc)
}

// MarkPaid is called by the ledger when the funding Transaction completes.
func (e *Engine) MarkPaid(ctx context.Context, tx *gorm.DB, escrowID string) error {
	if _, _, err := e.transitionInTx(ctx, tx, escrowID, evPay, nil); err != nil {
		return err
	}
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowPendingPayment), string(model.EscrowPaid)).Inc()
	return nil
}

// CancelUnpaid is called by the ledger when the funding Transaction fails or is cancelled.
func (e *Engine) CancelUnpaid(ctx context.Context, tx *gorm.DB, escrowID string) error {
	_, _, err := e.transitionInTx(ctx, tx, escrowID, evCancel, func(_ *gorm.DB, esc *model.EscrowTransaction) ([]string, error) {
		now := time.Now()
		esc.Resolution = ResolutionPaymentFailed
		esc.ResolvedAt = &now
		return nil, nil
	})
	if err != nil {
		return err
	}
	metrics.EscrowTransitions.WithLabelValues(string(model.EscrowPendingPayment), string(model.EscrowCancelled)).Inc()
	return nil
}

// MarkDelivered is the seller's delivery notice.
func (e *Engine) MarkDelivered(ctx context.Context, id, sellerID string) (*model.EscrowTransaction, error) {
	return e.transition(ctx, id, evDeliver, func(_ *gorm.DB, esc *model.EscrowTransaction) ([]string, error) {
		if esc.SellerID != sellerID {
			return nil, ErrForbidden
		}
		now := time.Now()
		esc.DeliveredAt = &now
		return nil, nil
	})
}

// Confirm is the buyer's acceptance; it releases the funds to the seller.
func (e *Engine) Confirm(ctx context.Context, id, buyerID string) (*model.EscrowTransaction, error) {
	return e.transition(ctx, id, evConfirm, func(tx *gorm.DB, esc *model.EscrowTransaction) ([]string, error) {
		if esc.BuyerID != buyerID {
			return nil, ErrForbidden
		}
		return e.release(ctx, tx, esc, ResolutionBuyerConfirmed)
	})
}

// OpenDispute freezes a paid or delivered escrow until an admin resolves it.
func (e *Engine) OpenDispute(ctx context.Context, id, buyerID, reason string) (*model.EscrowTransaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: dispute reason is required", ErrInvalidInput)
	}
	return e.transition(ctx, id, evDispute, func(_ *gorm.DB, esc *model.EscrowTransaction) ([]string, error) {
		if esc.BuyerID != buyerID {
			return nil, ErrForbidden
		}
		now := time.Now()
		esc.DisputeReason = &reason
		esc.DisputeOpenedAt = &now
		return nil, nil
	})
}

// Resolve settles a dispute for the seller (release) or the buyer (full refund).
func (e *Engine) Resolve(ctx context.Context, id, adminID string, outcome Outcome) (*model.EscrowTransaction, error) {
	if adminID == "" {
		return nil, ErrForbidden
	}
	var ev event
	switch outcome {
	case OutcomeSeller:
		ev = evResolveSell
	case OutcomeBuyer:
		ev = evResolveBuy
	default:
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidInput, outcome)
	}
	esc, err := e.transition(ctx, id, ev, func(tx *gorm.DB, esc *model.EscrowTransaction) ([]string, error) {
		if outcome == OutcomeSeller {
			return e.release(ctx, tx, esc, ResolutionAdminSeller)
		}
		return e.refund(ctx, tx, esc)
	})
	if err == nil {
		e.log.Infow("dispute resolved", "escrow_id", id, "admin_id", adminID, "outcome", outcome)
	}
	return esc, err
}

// AutoRelease confirms a delivered escrow the buyer has not acted on within holdWindow.
func (e *Engine) AutoRelease(ctx context.Context, id string, holdWindow time.Duration) (*model.EscrowTransaction, error) {
	cutoff := time.Now().Add(-holdWindow)
	return e.transition(ctx, id, evAutoRelease, func(tx *gorm.DB, esc *model.EscrowTransaction) ([]string, error) {
		if !esc.UpdatedAt.Before(cutoff) {
			return nil, fmt.Errorf("%w: hold window not elapsed", ErrInvalidTransition)
		}
		return e.release(ctx, tx, esc, ResolutionAutoReleased)
	})
}

func (e *Engine) Get(ctx context.Context, id string) (*model.EscrowTransaction, error) {
	esc, err := e.repo.GetEscrow(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return esc, err
}

func (e *Engine) ListForUser(ctx context.Context, userID string, limit int) ([]model.EscrowTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.repo.ListEscrowsForUser(ctx, userID, limit)
}

type mutation func(tx *gorm.DB, esc *model.EscrowTransaction) (touched []string, err error)

// transition runs one state change in its own database transaction.
func (e *Engine) transition(ctx context.Context, id string, ev event, fn mutation) (*model.EscrowTransaction, error) {
	var (
		out     *model.EscrowTransaction
		from    model.EscrowStatus
		touched []string
	)
	record := func(tx *gorm.DB, esc *model.EscrowTransaction) ([]string, error) {
		var err error
		touched, err = fn(tx, esc)
		return touched, err
	}
	err := e.repo.InTx(ctx, func(tx *gorm.DB) error {
		var err error
		out, from, err = e.transitionInTx(ctx, tx, id, ev, record)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.EscrowTransitions.WithLabelValues(string(from), string(out.Status)).Inc()
	e.ledger.RefreshBalances(ctx, touched...)
	return out, nil
}

func (e *Engine) transitionInTx(ctx context.Context, tx *gorm.DB, id string, ev event, fn mutation) (*model.EscrowTransaction, model.EscrowStatus, error) {
	esc, err := e.repo.GetEscrowForUpdate(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, "", err
	}
	from := esc.Status
	to, err := guard(esc, ev)
	if err != nil {
		return nil, "", err
	}
	if fn != nil {
		if _, err := fn(tx, esc); err != nil {
			return nil, "", err
		}
	}
	esc.Status = to
	if err := e.repo.SaveEscrow(ctx, tx, esc); err != nil {
		return nil, "", err
	}
	if err := e.emit(ctx, tx, esc, from); err != nil {
		return nil, "", err
	}
	return esc, from, nil
}

// release pays the seller amount minus the snapshotted commission.
func (e *Engine) release(ctx context.Context, tx *gorm.DB, esc *model.EscrowTransaction, resolution string) ([]string, error) {
	payout := esc.Amount.Sub(esc.Commission)
	if _, err := e.ledger.Credit(ctx, tx, esc.SellerID, payout); err != nil {
		return nil, err
	}
	if err := e.ledger.Record(ctx, tx, e.settlement(esc, model.KindPayout, esc.SellerID, payout)); err != nil {
		return nil, err
	}
	if esc.Commission.IsPositive() {
		if err := e.ledger.Record(ctx, tx, e.settlement(esc, model.KindCommission, PlatformUserID, esc.Commission)); err != nil {
			return nil, err
		}
	}
	now := time.Now()
	esc.Resolution = resolution
	esc.ResolvedAt = &now
	return []string{esc.SellerID}, nil
}

// refund returns the full held amount to the buyer.
func (e *Engine) refund(ctx context.Context, tx *gorm.DB, esc *model.EscrowTransaction) ([]string, error) {
	if _, err := e.ledger.Credit(ctx, tx, esc.BuyerID, esc.Amount); err != nil {
		return nil, err
	}
	if err := e.ledger.Record(ctx, tx, e.settlement(esc, model.KindRefund, esc.BuyerID, esc.Amount)); err != nil {
		return nil, err
	}
	now := time.Now()
	esc.Resolution = ResolutionAdminBuyer
	esc.ResolvedAt = &now
	return []string{esc.BuyerID}, nil
}

func (e *Engine) settlement(esc *model.EscrowTransaction, kind model.TxKind, userID string, amount decimal.Decimal) *model.Transaction {
	id := esc.ID
	return &model.Transaction{
		UserID:   userID,
		Amount:   amount,
		Currency: esc.Currency,
		Kind:     kind,
		Provider: "escrow",
		OrderID:  esc.ID + ":" + string(kind),
		EscrowID: &id,
	}
}

func (e *Engine) emit(ctx context.Context, tx *gorm.DB, esc *model.EscrowTransaction, from model.EscrowStatus) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":         esc.ID,
		"buyer_id":   esc.BuyerID,
		"seller_id":  esc.SellerID,
		"listing_id": esc.ListingID,
		"amount":     esc.Amount,
		"commission": esc.Commission,
		"currency":   esc.Currency,
		"from":       from,
		"status":     esc.Status,
		"resolution": esc.Resolution,
	})
	eventType := "escrow." + string(esc.Status)
	if from == "" {
		eventType = "escrow.opened"
	}
	return e.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "escrow",
		AggregateID: esc.ID,
		EventType:   eventType,
		Payload:     string(payload),
	})
}
