package payment

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/config"
)

const (
	PaynetName        = "paynet"
	paynetSigHeader   = "X-Paynet-Signature"
	paynetCheckoutURL = "https://checkout.paynet.uz/pay"
)

// Paynet signs notifications with SHA-512 over the concatenated fields and the secret.
type Paynet struct {
	cfg    config.RailConfig
	refund *refundClient
	now    func() time.Time
}

func NewPaynet(cfg config.RailConfig, hc *http.Client, log *zap.SugaredLogger) *Paynet {
	if cfg.BaseURL == "" {
		cfg.BaseURL = paynetCheckoutURL
	}
	return &Paynet{
		cfg: cfg,
		refund: &refundClient{
			provider:   PaynetName,
			url:        cfg.RefundURL,
			merchantID: cfg.MerchantID,
			sign:       func(body []byte) string { return sha512Hex(string(body) + cfg.SecretKey) },
			header:     paynetSigHeader,
			http:       hc,
			log:        log,
		},
		now: time.Now,
	}
}

func (p *Paynet) Name() string { return PaynetName }

func (p *Paynet) CreatePayment(_ context.Context, req CheckoutRequest) (Checkout, error) {
	amount := req.Amount.StringFixed(2)
	ts := strconv.FormatInt(p.now().Unix(), 10)
	q := url.Values{}
	q.Set("merchant_id", p.cfg.MerchantID)
	q.Set("order_id", req.OrderID)
	q.Set("amount", amount)
	q.Set("timestamp", ts)
	q.Set("signature", sha512Hex(p.cfg.MerchantID+req.OrderID+ts+amount+p.cfg.SecretKey))
	return Checkout{Provider: PaynetName, Reference: p.cfg.BaseURL + "?" + q.Encode()}, nil
}

func (p *Paynet) VerifyWebhook(_ context.Context, payload []byte, header http.Header) (Result, error) {
	m, err := decodeFields(payload)
	if err != nil {
		return Result{}, malformed(err)
	}
	merchantID := field(m, "merchant_id")
	orderID := field(m, "order_id")
	txnID := field(m, "transaction_id")
	amount := field(m, "amount")
	status := field(m, "status")

	want := sha512Hex(merchantID + orderID + txnID + amount + status + p.cfg.SecretKey)
	if !equalSignature(header.Get(paynetSigHeader), want) {
		return Result{}, unverified("paynet signature mismatch")
	}
	if p.cfg.MerchantID != "" && merchantID != p.cfg.MerchantID {
		return Result{}, unverified("paynet merchant_id %q does not match", merchantID)
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return Result{}, malformed(err)
	}

	res := Result{OrderID: orderID, ProviderTxnID: txnID, Amount: amt, Raw: m}
	switch status {
	case "success":
		res.Status = StatusSuccess
	case "cancelled":
		res.Status = StatusCancelled
	case "pending", "processing":
		res.Status = StatusPending
	default:
		res.Status = StatusFailed
	}
	return res, nil
}

func (p *Paynet) Refund(ctx context.Context, providerTxnID string, amount *decimal.Decimal) error {
	return p.refund.refund(ctx, providerTxnID, amount)
}
