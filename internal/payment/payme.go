package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/config"
	"github.com/richardliu001/escrow-service/internal/money"
)

const (
	PaymeName        = "payme"
	paymeSigHeader   = "X-Payme-Signature"
	paymeCheckoutURL = "https://checkout.paycom.uz"
)

// Payme transaction states.
const (
	paymeStatePerformed = 3
	paymeStateCancelled = -1
	paymeStateFailed    = -2
)

// Payme settles in tiyin and signs notifications with HMAC-SHA256 over canonical JSON.
type Payme struct {
	cfg    config.RailConfig
	refund *refundClient
}

func NewPayme(cfg config.RailConfig, hc *http.Client, log *zap.SugaredLogger) *Payme {
	if cfg.BaseURL == "" {
		cfg.BaseURL = paymeCheckoutURL
	}
	return &Payme{
		cfg: cfg,
		refund: &refundClient{
			provider:   PaymeName,
			url:        cfg.RefundURL,
			merchantID: cfg.MerchantID,
			sign:       func(body []byte) string { return hmacSHA256Hex(cfg.SecretKey, body) },
			header:     paymeSigHeader,
			http:       hc,
			log:        log,
		},
	}
}

func (p *Payme) Name() string { return PaymeName }

func (p *Payme) CreatePayment(_ context.Context, req CheckoutRequest) (Checkout, error) {
	tiyin := strconv.FormatInt(money.ToMinor(req.Amount), 10)
	q := url.Values{}
	q.Set("merchant", p.cfg.MerchantID)
	q.Set("amount", tiyin)
	q.Set("account.order_id", req.OrderID)
	q.Set("lang", "ru")
	q.Set("sign", sha256Hex(p.cfg.MerchantID+";"+tiyin+";"+req.OrderID+p.cfg.SecretKey))
	return Checkout{Provider: PaymeName, Reference: p.cfg.BaseURL + "?" + q.Encode()}, nil
}

type paymeNotification struct {
	ID      string      `json:"id"`
	State   int         `json:"state"`
	Amount  json.Number `json:"amount"`
	Account struct {
		OrderID string `json:"order_id"`
	} `json:"account"`
}

func (p *Payme) VerifyWebhook(_ context.Context, payload []byte, header http.Header) (Result, error) {
	canonical, raw, err := canonicalJSON(payload)
	if err != nil {
		return Result{}, malformed(err)
	}
	if !equalSignature(header.Get(paymeSigHeader), hmacSHA256Hex(p.cfg.SecretKey, canonical)) {
		return Result{}, unverified("payme signature mismatch")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var n paymeNotification
	if err := dec.Decode(&n); err != nil {
		return Result{}, malformed(err)
	}
	tiyin, err := n.Amount.Int64()
	if err != nil {
		return Result{}, malformed(err)
	}

	res := Result{
		OrderID:       n.Account.OrderID,
		ProviderTxnID: n.ID,
		Amount:        money.FromMinor(tiyin),
		Raw:           raw,
	}
	switch n.State {
	case paymeStatePerformed:
		res.Status = StatusSuccess
	case paymeStateCancelled:
		res.Status = StatusCancelled
	case paymeStateFailed:
		res.Status = StatusFailed
	default:
		res.Status = StatusPending
	}
	return res, nil
}

func (p *Payme) Refund(ctx context.Context, providerTxnID string, amount *decimal.Decimal) error {
	return p.refund.refund(ctx, providerTxnID, amount)
}
