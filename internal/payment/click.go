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
	ClickName        = "click"
	clickSigHeader   = "X-Click-Signature"
	clickCheckoutURL = "https://my.click.uz/services/pay"
)

// Click actions and error codes.
const (
	clickActionPrepare  = "0"
	clickActionComplete = "1"
	clickErrCancelled   = -9
)

// Click signs notifications with SHA-1 over a fixed field concatenation.
type Click struct {
	cfg    config.RailConfig
	refund *refundClient
	now    func() time.Time
}

func NewClick(cfg config.RailConfig, hc *http.Client, log *zap.SugaredLogger) *Click {
	if cfg.BaseURL == "" {
		cfg.BaseURL = clickCheckoutURL
	}
	return &Click{
		cfg: cfg,
		refund: &refundClient{
			provider:   ClickName,
			url:        cfg.RefundURL,
			merchantID: cfg.MerchantID,
			sign:       func(body []byte) string { return sha1Hex(string(body) + cfg.SecretKey) },
			header:     clickSigHeader,
			http:       hc,
			log:        log,
		},
		now: time.Now,
	}
}

func (c *Click) Name() string { return ClickName }

func (c *Click) CreatePayment(_ context.Context, req CheckoutRequest) (Checkout, error) {
	amount := req.Amount.StringFixed(2)
	signTime := c.now().Format("2006-01-02 15:04:05")
	q := url.Values{}
	q.Set("merchant_id", c.cfg.MerchantID)
	q.Set("service_id", c.cfg.ServiceID)
	q.Set("merchant_trans_id", req.OrderID)
	q.Set("amount", amount)
	q.Set("sign_time", signTime)
	q.Set("sign_string", sha1Hex(c.cfg.MerchantID+c.cfg.ServiceID+signTime+amount+c.cfg.SecretKey))
	return Checkout{Provider: ClickName, Reference: c.cfg.BaseURL + "?" + q.Encode()}, nil
}

func (c *Click) VerifyWebhook(_ context.Context, payload []byte, header http.Header) (Result, error) {
	m, err := decodeFields(payload)
	if err != nil {
		return Result{}, malformed(err)
	}
	clickTransID := field(m, "click_trans_id")
	serviceID := field(m, "service_id")
	orderID := field(m, "merchant_trans_id")
	amount := field(m, "amount")
	action := field(m, "action")
	signTime := field(m, "sign_time")

	want := sha1Hex(clickTransID + serviceID + c.cfg.SecretKey + orderID + amount + action + signTime)
	if !equalSignature(header.Get(clickSigHeader), want) {
		return Result{}, unverified("click signature mismatch")
	}
	if c.cfg.ServiceID != "" && serviceID != c.cfg.ServiceID {
		return Result{}, unverified("click service_id %q does not match", serviceID)
	}

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return Result{}, malformed(err)
	}
	errCode := 0
	if raw := field(m, "error"); raw != "" {
		if errCode, err = strconv.Atoi(raw); err != nil {
			return Result{}, malformed(err)
		}
	}

	res := Result{OrderID: orderID, ProviderTxnID: clickTransID, Amount: amt, Raw: m}
	switch {
	case errCode == clickErrCancelled:
		res.Status = StatusCancelled
	case errCode < 0:
		res.Status = StatusFailed
	case action == clickActionPrepare:
		res.Status = StatusPending
	case action == clickActionComplete:
		res.Status = StatusSuccess
	default:
		res.Status = StatusFailed
	}
	return res, nil
}

func (c *Click) Refund(ctx context.Context, providerTxnID string, amount *decimal.Decimal) error {
	return c.refund.refund(ctx, providerTxnID, amount)
}
