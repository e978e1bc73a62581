// Package payment adapts external payment rails to one canonical result.
//
// Provider-specific payloads, signature schemes and status codes stay inside the
// adapters; only Result crosses into the ledger and the escrow engine.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrUnverifiedWebhook   = errors.New("webhook could not be verified")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrUnknownProvider     = errors.New("unknown payment provider")
	ErrRefundRejected      = errors.New("refund rejected by provider")

	// ErrMalformedPayload is also an ErrUnverifiedWebhook.
	ErrMalformedPayload = fmt.Errorf("%w: malformed payload", ErrUnverifiedWebhook)
)

// Status is the provider-agnostic outcome of a payment event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Result is the canonical payment result. OrderID is empty when the event does not
// concern an order this service created.
type Result struct {
	Status        Status
	OrderID       string
	ProviderTxnID string
	Amount        decimal.Decimal
	Raw           map[string]interface{}
}

type CheckoutRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Currency    string
	PayerEmail  string
	Description string
	Metadata    map[string]string
}

// Checkout is where the payer is sent to complete the payment.
type Checkout struct {
	Provider  string `json:"provider"`
	Reference string `json:"reference"`
	SessionID string `json:"session_id,omitempty"`
}

// Provider is one external payment rail.
type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, req CheckoutRequest) (Checkout, error)
	// VerifyWebhook authenticates payload and maps it to a Result. Any failure wraps
	// ErrUnverifiedWebhook and must not lead to a state change.
	VerifyWebhook(ctx context.Context, payload []byte, header http.Header) (Result, error)
	// Refund returns money for a settled provider transaction; a nil amount refunds in full.
	Refund(ctx context.Context, providerTxnID string, amount *decimal.Decimal) error
}

// Registry dispatches by provider name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func unverified(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnverifiedWebhook, fmt.Sprintf(format, args...))
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}
