package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/escrow-service/internal/escrow"
	"github.com/richardliu001/escrow-service/internal/ledger"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/money"
	"github.com/richardliu001/escrow-service/internal/payment"
	"github.com/richardliu001/escrow-service/internal/repo"
	"github.com/richardliu001/escrow-service/internal/subscription"
)

// ProviderBalance pays for a purchase from the buyer's wallet.
const ProviderBalance = "balance"

// ErrInvalidRequest covers caller mistakes that no retry will fix.
var ErrInvalidRequest = errors.New("invalid request")

type ListingSource interface {
	Purchasable(ctx context.Context, id string) (*model.Listing, error)
}

type PlanLookup interface {
	ActivePlan(ctx context.Context, userID string) (string, error)
}

// Deps wires PaymentService.
type Deps struct {
	Repo                 repo.RepositoryInterface
	Ledger               *ledger.Ledger
	Escrow               *escrow.Engine
	Providers            *payment.Registry
	Listings             ListingSource
	SellerPlans          PlanLookup
	Rates                *money.Rates
	Plans                *subscription.Plans
	SubscriptionProvider string
	Currency             string
	Logger               *zap.SugaredLogger
}

// PaymentService is the boundary use-case layer over ledger, escrow and providers.
type PaymentService struct {
	repo      repo.RepositoryInterface
	ledger    *ledger.Ledger
	escrow    *escrow.Engine
	providers *payment.Registry
	listings  ListingSource
	sellers   PlanLookup
	rates     *money.Rates
	plans     *subscription.Plans
	subRail   string
	currency  string
	log       *zap.SugaredLogger
}

func NewPaymentService(d Deps) *PaymentService {
	return &PaymentService{
		repo:      d.Repo,
		ledger:    d.Ledger,
		escrow:    d.Escrow,
		providers: d.Providers,
		listings:  d.Listings,
		sellers:   d.SellerPlans,
		rates:     d.Rates,
		plans:     d.Plans,
		subRail:   d.SubscriptionProvider,
		currency:  d.Currency,
		log:       d.Logger,
	}
}

type PurchaseRequest struct {
	BuyerID    string
	ListingID  string
	Provider   string
	OrderID    string
	PayerEmail string
}

type PurchaseResult struct {
	Escrow      *model.EscrowTransaction `json:"escrow"`
	Transaction *model.Transaction       `json:"transaction"`
	Checkout    *payment.Checkout        `json:"checkout,omitempty"`
}

// Purchase opens an escrow for a listing. Balance purchases are paid immediately; for an
// external provider the checkout is created before any row is written, so an unavailable
// provider leaves nothing behind.
func (s *PaymentService) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if req.Provider == "" {
		req.Provider = ProviderBalance
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	} else if res, err := s.replayedPurchase(ctx, req); res != nil || err != nil {
		return res, err
	}

	listing, err := s.listings.Purchasable(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.SellerID == req.BuyerID {
		return nil, fmt.Errorf("%w: cannot buy your own listing", ErrInvalidRequest)
	}
	plan, err := s.sellers.ActivePlan(ctx, listing.SellerID)
	if err != nil {
		return nil, err
	}
	open := escrow.OpenRequest{
		BuyerID:        req.BuyerID,
		SellerID:       listing.SellerID,
		ListingID:      listing.ID,
		Amount:         listing.Price,
		Currency:       listing.Currency,
		CommissionRate: s.rates.For(plan),
	}

	if req.Provider == ProviderBalance {
		return s.purchaseFromBalance(ctx, req, open)
	}

	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	checkout, err := provider.CreatePayment(ctx, payment.CheckoutRequest{
		OrderID:     req.OrderID,
		Amount:      listing.Price,
		Currency:    listing.Currency,
		PayerEmail:  req.PayerEmail,
		Description: listing.Title,
	})
	if err != nil {
		return nil, err
	}

	out := &PurchaseResult{Checkout: &checkout}
	err = s.repo.InTx(ctx, func(tx *gorm.DB) error {
		esc, txn, err := s.openFunded(ctx, tx, req, open)
		out.Escrow, out.Transaction = esc, txn
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("purchase opened", "escrow_id", out.Escrow.ID, "order_id", req.OrderID, "provider", req.Provider)
	return out, nil
}

func (s *PaymentService) purchaseFromBalance(ctx context.Context, req PurchaseRequest, open escrow.OpenRequest) (*PurchaseResult, error) {
	var (
		out     = &PurchaseResult{}
		touched []string
	)
	err := s.repo.InTx(ctx, func(tx *gorm.DB) error {
		esc, txn, err := s.openFunded(ctx, tx, req, open)
		if err != nil {
			return err
		}
		if _, err := s.ledger.Debit(ctx, tx, req.BuyerID, open.Amount); err != nil {
			return err
		}
		touched, err = s.ledger.ApplyInTx(ctx, tx, txn, payment.Result{
			Status:  payment.StatusSuccess,
			OrderID: txn.OrderID,
			Amount:  txn.Amount,
		})
		if err != nil {
			return err
		}
		out.Escrow, out.Transaction = esc, txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.ledger.RefreshBalances(ctx, append(touched, req.BuyerID)...)
	if out.Escrow, err = s.escrow.Get(ctx, out.Escrow.ID); err != nil {
		return nil, err
	}
	s.log.Infow("purchase paid from balance", "escrow_id", out.Escrow.ID, "order_id", req.OrderID)
	return out, nil
}

// openFunded creates the escrow and its pending purchase Transaction and links them.
func (s *PaymentService) openFunded(ctx context.Context, tx *gorm.DB, req PurchaseRequest, open escrow.OpenRequest) (*model.EscrowTransaction, *model.Transaction, error) {
	esc, err := s.escrow.Open(ctx, tx, open)
	if err != nil {
		return nil, nil, err
	}
	txn, created, err := s.ledger.Open(ctx, tx, ledger.OpenRequest{
		UserID:   req.BuyerID,
		Kind:     model.KindPurchase,
		Amount:   open.Amount,
		Currency: open.Currency,
		Provider: req.Provider,
		OrderID:  req.OrderID,
		EscrowID: &esc.ID,
		Metadata: map[string]interface{}{"listing_id": open.ListingID},
	})
	if err != nil {
		return nil, nil, err
	}
	if !created {
		return nil, nil, fmt.Errorf("%w: order %s already exists", repo.ErrOrderConflict, req.OrderID)
	}
	if err := s.escrow.LinkPayment(ctx, tx, esc, txn.ID); err != nil {
		return nil, nil, err
	}
	return esc, txn, nil
}

// replayedPurchase returns the earlier result for a repeated order id.
func (s *PaymentService) replayedPurchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	txn, err := s.repo.GetTransactionByOrder(ctx, req.OrderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if txn.UserID != req.BuyerID || txn.Kind != model.KindPurchase || txn.EscrowID == nil {
		return nil, fmt.Errorf("%w: %s", repo.ErrOrderConflict, req.OrderID)
	}
	esc, err := s.escrow.Get(ctx, *txn.EscrowID)
	if err != nil {
		return nil, err
	}
	return &PurchaseResult{Escrow: esc, Transaction: txn}, nil
}

type FundingRequest struct {
	UserID     string
	Amount     decimal.Decimal
	Provider   string
	OrderID    string
	PayerEmail string
}

type FundingResult struct {
	Transaction *model.Transaction `json:"transaction"`
	Checkout    *payment.Checkout  `json:"checkout,omitempty"`
}

// Deposit opens a pending top-up and returns where the user pays it.
func (s *PaymentService) Deposit(ctx context.Context, req FundingRequest) (*FundingResult, error) {
	provider, err := s.external(req)
	if err != nil {
		return nil, err
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	} else if existing, err := s.existing(ctx, req.OrderID, req.UserID, model.KindDeposit); err != nil {
		return nil, err
	} else if existing != nil {
		return &FundingResult{Transaction: existing}, nil
	}

	checkout, err := provider.CreatePayment(ctx, payment.CheckoutRequest{
		OrderID: req.OrderID, Amount: req.Amount, Currency: s.currency,
		PayerEmail: req.PayerEmail, Description: "Wallet top-up",
	})
	if err != nil {
		return nil, err
	}
	txn, _, err := s.ledger.OpenDeposit(ctx, ledger.OpenRequest{
		UserID: req.UserID, Amount: req.Amount, Currency: s.currency,
		Provider: provider.Name(), OrderID: req.OrderID,
	})
	if err != nil {
		return nil, err
	}
	return &FundingResult{Transaction: txn, Checkout: &checkout}, nil
}

// Withdraw registers the payout with the provider, then reserves the amount and opens a
// pending withdrawal. The provider settles it by webhook, or an operator through
// SettleWithdrawal.
func (s *PaymentService) Withdraw(ctx context.Context, req FundingRequest) (*FundingResult, error) {
	provider, err := s.external(req)
	if err != nil {
		return nil, err
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	} else if existing, err := s.existing(ctx, req.OrderID, req.UserID, model.KindWithdrawal); err != nil {
		return nil, err
	} else if existing != nil {
		return &FundingResult{Transaction: existing}, nil
	}

	// OpenWithdrawal checks again under the wallet lock; this only avoids orphan orders.
	bal, err := s.ledger.Balance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if bal.LessThan(req.Amount) {
		return nil, ledger.ErrInsufficientFunds
	}

	checkout, err := provider.CreatePayment(ctx, payment.CheckoutRequest{
		OrderID: req.OrderID, Amount: req.Amount, Currency: s.currency,
		PayerEmail: req.PayerEmail, Description: "Wallet withdrawal",
		Metadata: map[string]string{"kind": string(model.KindWithdrawal)},
	})
	if err != nil {
		return nil, err
	}
	txn, _, err := s.ledger.OpenWithdrawal(ctx, ledger.OpenRequest{
		UserID: req.UserID, Amount: req.Amount, Currency: s.currency,
		Provider: provider.Name(), OrderID: req.OrderID,
	})
	if err != nil {
		return nil, err
	}
	return &FundingResult{Transaction: txn, Checkout: &checkout}, nil
}

// SettleWithdrawal applies an operator's decision to a pending withdrawal. success keeps
// the reserve as paid out; failed and cancelled return it to the wallet.
func (s *PaymentService) SettleWithdrawal(ctx context.Context, transactionID, adminID string, status payment.Status) (*model.Transaction, error) {
	if adminID == "" {
		return nil, escrow.ErrForbidden
	}
	switch status {
	case payment.StatusSuccess, payment.StatusFailed, payment.StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: status %q", ErrInvalidRequest, status)
	}
	txn, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Kind != model.KindWithdrawal {
		return nil, fmt.Errorf("%w: %s is a %s", ErrInvalidRequest, txn.ID, txn.Kind)
	}
	out, err := s.ledger.ApplyPaymentResult(ctx, txn.ID, payment.Result{
		Status:  status,
		OrderID: txn.OrderID,
		Amount:  txn.Amount,
	})
	if err != nil {
		return nil, err
	}
	s.log.Infow("withdrawal settled by operator", "transaction_id", out.ID, "admin_id", adminID, "status", out.Status)
	return out, nil
}

func (s *PaymentService) external(req FundingRequest) (payment.Provider, error) {
	if !money.Valid(req.Amount) {
		return nil, ledger.ErrInvalidAmount
	}
	provider, err := s.providers.Get(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return provider, nil
}

func (s *PaymentService) existing(ctx context.Context, orderID, userID string, kind model.TxKind) (*model.Transaction, error) {
	txn, err := s.repo.GetTransactionByOrder(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if txn.UserID != userID || txn.Kind != kind {
		return nil, fmt.Errorf("%w: %s", repo.ErrOrderConflict, orderID)
	}
	return txn, nil
}

// SubscribeCheckout starts a card checkout for a subscription plan.
func (s *PaymentService) SubscribeCheckout(ctx context.Context, userID, planSlug, payerEmail string) (*FundingResult, error) {
	plan, err := s.plans.Get(planSlug)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	provider, err := s.providers.Get(s.subRail)
	if err != nil {
		return nil, err
	}
	orderID := uuid.NewString()
	checkout, err := provider.CreatePayment(ctx, payment.CheckoutRequest{
		OrderID: orderID, Amount: plan.Amount, Currency: plan.Currency, PayerEmail: payerEmail,
		Description: plan.Name + " subscription",
		Metadata:    map[string]string{"plan_slug": plan.Slug},
	})
	if err != nil {
		return nil, err
	}
	txn, _, err := s.ledger.OpenSubscription(ctx, ledger.OpenRequest{
		UserID: userID, Amount: plan.Amount, Currency: plan.Currency, Provider: provider.Name(),
		OrderID: orderID, Metadata: map[string]interface{}{"plan_slug": plan.Slug},
	})
	if err != nil {
		return nil, err
	}
	return &FundingResult{Transaction: txn, Checkout: &checkout}, nil
}

func (s *PaymentService) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.ledger.Balance(ctx, userID)
}

func (s *PaymentService) History(ctx context.Context, userID string, limit int, since time.Time) ([]model.Transaction, error) {
	return s.ledger.History(ctx, userID, limit, since)
}

func (s *PaymentService) Confirm(ctx context.Context, escrowID, buyerID string) (*model.EscrowTransaction, error) {
	return s.escrow.Confirm(ctx, escrowID, buyerID)
}

func (s *PaymentService) Dispute(ctx context.Context, escrowID, buyerID, reason string) (*model.EscrowTransaction, error) {
	return s.escrow.OpenDispute(ctx, escrowID, buyerID, reason)
}

func (s *PaymentService) Deliver(ctx context.Context, escrowID, sellerID string) (*model.EscrowTransaction, error) {
	return s.escrow.MarkDelivered(ctx, escrowID, sellerID)
}

func (s *PaymentService) Resolve(ctx context.Context, escrowID, adminID string, outcome escrow.Outcome) (*model.EscrowTransaction, error) {
	return s.escrow.Resolve(ctx, escrowID, adminID, outcome)
}

// Escrow returns one escrow to a participant or an admin.
func (s *PaymentService) Escrow(ctx context.Context, escrowID, userID string, admin bool) (*model.EscrowTransaction, error) {
	esc, err := s.escrow.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !admin && esc.BuyerID != userID && esc.SellerID != userID {
		return nil, escrow.ErrForbidden
	}
	return esc, nil
}

func (s *PaymentService) Escrows(ctx context.Context, userID string, limit int) ([]model.EscrowTransaction, error) {
	return s.escrow.ListForUser(ctx, userID, limit)
}
