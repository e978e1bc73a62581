// Package webhook turns inbound provider notifications into ledger updates.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/ledger"
	"github.com/richardliu001/escrow-service/internal/metrics"
	"github.com/richardliu001/escrow-service/internal/model"
	"github.com/richardliu001/escrow-service/internal/payment"
	"github.com/richardliu001/escrow-service/internal/repo"
)

// Disposition tells the provider whether to redeliver.
type Disposition string

const (
	Applied  Disposition = "applied"
	NoAction Disposition = "no_action"
	Rejected Disposition = "rejected"
	Retry    Disposition = "retry"
)

// StatusCode is the HTTP status returned to the provider.
func (d Disposition) StatusCode() int {
	switch d {
	case Applied, NoAction:
		return http.StatusOK
	case Rejected:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

type Outcome struct {
	Disposition   Disposition
	TransactionID string
	Status        model.TxStatus
	Reason        string
}

// Applier is the ledger entry point used by ingestion.
type Applier interface {
	ApplyPaymentResult(ctx context.Context, transactionID string, res payment.Result) (*model.Transaction, error)
}

type Ingestor struct {
	providers *payment.Registry
	repo      repo.RepositoryInterface
	ledger    Applier
	timeout   time.Duration
	log       *zap.SugaredLogger
}

func NewIngestor(providers *payment.Registry, r repo.RepositoryInterface, l Applier, timeout time.Duration, logger *zap.SugaredLogger) *Ingestor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Ingestor{providers: providers, repo: r, ledger: l, timeout: timeout, log: logger}
}

// Handle verifies one notification and applies it at most once. Redelivery of an
// already-applied notification yields NoAction.
func (i *Ingestor) Handle(ctx context.Context, providerName string, body []byte, header http.Header) Outcome {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	out := i.handle(ctx, providerName, body, header)
	metrics.WebhookOutcomes.WithLabelValues(providerName, string(out.Disposition)).Inc()
	return out
}

func (i *Ingestor) handle(ctx context.Context, providerName string, body []byte, header http.Header) Outcome {
	provider, err := i.providers.Get(providerName)
	if err != nil {
		i.log.Warnw("webhook for unknown provider", "provider", providerName)
		return Outcome{Disposition: Rejected, Reason: "unknown provider"}
	}

	res, err := provider.VerifyWebhook(ctx, body, header)
	if err != nil {
		i.log.Warnw("webhook rejected", "provider", providerName, "payload_sha256", payloadHash(body), "error", err)
		return Outcome{Disposition: Rejected, Reason: "verification failed"}
	}
	if res.OrderID == "" {
		return Outcome{Disposition: NoAction, Reason: "event not tied to an order"}
	}

	txn, err := i.repo.GetTransactionByOrder(ctx, res.OrderID)
	if errors.Is(err, repo.ErrNotFound) {
		i.log.Warnw("webhook for unknown order", "provider", providerName, "order_id", res.OrderID,
			"status", res.Status, "payload_sha256", payloadHash(body))
		return Outcome{Disposition: NoAction, Reason: "unknown order"}
	}
	if err != nil {
		i.log.Errorw("transaction lookup failed", "provider", providerName, "order_id", res.OrderID, "error", err)
		return Outcome{Disposition: Retry, Reason: "lookup failed"}
	}
	if txn.Status.Terminal() {
		return Outcome{Disposition: NoAction, TransactionID: txn.ID, Status: txn.Status, Reason: "already final"}
	}

	applied, err := i.ledger.ApplyPaymentResult(ctx, txn.ID, res)
	switch {
	case errors.Is(err, ledger.ErrAlreadyFinal):
		return Outcome{Disposition: NoAction, TransactionID: txn.ID, Reason: "already final"}
	case err != nil:
		i.log.Errorw("applying payment result failed", "provider", providerName, "order_id", res.OrderID,
			"transaction_id", txn.ID, "error", err)
		return Outcome{Disposition: Retry, TransactionID: txn.ID, Reason: "apply failed"}
	}

	if res.Status == payment.StatusSuccess && applied.Status == model.TxFailed {
		i.refundMismatch(ctx, provider, applied, res)
	}
	i.log.Infow("payment result applied", "provider", providerName, "order_id", res.OrderID,
		"transaction_id", applied.ID, "status", applied.Status)
	return Outcome{Disposition: Applied, TransactionID: applied.ID, Status: applied.Status}
}

// refundMismatch returns money the provider captured for a transaction the ledger refused.
func (i *Ingestor) refundMismatch(ctx context.Context, provider payment.Provider, t *model.Transaction, res payment.Result) {
	if res.ProviderTxnID == "" {
		i.log.Errorw("amount mismatch without provider reference, manual refund needed", "transaction_id", t.ID)
		return
	}
	amount := res.Amount
	if err := provider.Refund(ctx, res.ProviderTxnID, &amount); err != nil {
		i.log.Errorw("refund after amount mismatch failed", "provider", provider.Name(),
			"transaction_id", t.ID, "provider_txn_id", res.ProviderTxnID, "error", err)
		return
	}
	i.log.Infow("refunded mismatched payment", "provider", provider.Name(), "transaction_id", t.ID, "amount", amount)
}

func payloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
