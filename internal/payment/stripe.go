package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/config"
	"github.com/richardliu001/escrow-service/internal/metrics"
	"github.com/richardliu001/escrow-service/internal/money"
)

const (
	StripeName      = "stripe"
	stripeSigHeader = "Stripe-Signature"
)

type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type refunds interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// Stripe is the card-network rail backed by Checkout Sessions.
type Stripe struct {
	cfg      config.StripeConfig
	sessions checkoutSessions
	refunds  refunds
	log      *zap.SugaredLogger
}

func NewStripe(cfg config.StripeConfig, hc *http.Client, log *zap.SugaredLogger) *Stripe {
	api := client.New(cfg.SecretKey, stripe.NewBackends(hc))
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Stripe{cfg: cfg, sessions: api.CheckoutSessions, refunds: api.Refunds, log: log}
}

func (s *Stripe) Name() string { return StripeName }

func (s *Stripe) CreatePayment(ctx context.Context, req CheckoutRequest) (co Checkout, err error) {
	start := time.Now()
	defer func() { metrics.ObserveProvider(StripeName, "create_payment", start, err) }()

	currency := req.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.OrderID),
		SuccessURL:        stripe.String(s.cfg.SuccessURL),
		CancelURL:         stripe.String(s.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(currency)),
				UnitAmount: stripe.Int64(money.ToMinor(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
	}
	if req.PayerEmail != "" {
		params.CustomerEmail = stripe.String(req.PayerEmail)
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := s.sessions.New(params)
	if err != nil {
		return Checkout{}, classifyStripe(err)
	}
	return Checkout{Provider: StripeName, Reference: sess.URL, SessionID: sess.ID}, nil
}

func (s *Stripe) VerifyWebhook(_ context.Context, payload []byte, header http.Header) (Result, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header.Get(stripeSigHeader), s.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Result{}, unverified("stripe: %v", err)
	}

	res := Result{Status: StatusPending}
	if event.Data == nil {
		return res, nil
	}
	res.Raw = event.Data.Object

	var status Status
	switch string(event.Type) {
	case "checkout.session.completed":
		status = StatusPending
	case "checkout.session.async_payment_succeeded":
		status = StatusSuccess
	case "checkout.session.async_payment_failed":
		status = StatusFailed
	case "checkout.session.expired":
		status = StatusCancelled
	default:
		return res, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return Result{}, malformed(err)
	}
	if string(event.Type) == "checkout.session.completed" && sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		status = StatusSuccess
	}

	res.Status = status
	res.OrderID = sess.Metadata["order_id"]
	if res.OrderID == "" {
		res.OrderID = sess.ClientReferenceID
	}
	res.ProviderTxnID = sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		res.ProviderTxnID = sess.PaymentIntent.ID
	}
	res.Amount = money.FromMinor(sess.AmountTotal)
	return res, nil
}

func (s *Stripe) Refund(ctx context.Context, providerTxnID string, amount *decimal.Decimal) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveProvider(StripeName, "refund", start, err) }()

	params := &stripe.RefundParams{PaymentIntent: stripe.String(providerTxnID)}
	if amount != nil {
		params.Amount = stripe.Int64(money.ToMinor(*amount))
	}
	params.Context = ctx
	if _, err := s.refunds.New(params); err != nil {
		return classifyStripe(err)
	}
	return nil
}

// classifyStripe maps transport failures, throttling and 5xx to ErrProviderUnavailable.
func classifyStripe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != 0 &&
		se.HTTPStatusCode < http.StatusInternalServerError && se.HTTPStatusCode != http.StatusTooManyRequests {
		return fmt.Errorf("stripe: %w", err)
	}
	return fmt.Errorf("%w: stripe: %v", ErrProviderUnavailable, err)
}
