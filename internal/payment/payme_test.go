package payment

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/config"
)

func newTestPayme() *Payme {
	return NewPayme(config.RailConfig{MerchantID: "m-1", SecretKey: "payme-secret"}, testClient(), zap.NewNop().Sugar())
}

func paymeHeader(body string) http.Header {
	h := http.Header{}
	h.Set(paymeSigHeader, hmacSHA256Hex("payme-secret", []byte(body)))
	return h
}

func TestPaymeVerifyWebhook(t *testing.T) {
	p := newTestPayme()
	// json.dumps(payload, sort_keys=True) of the notification
	canonical := `{"account": {"order_id": "ord-1"}, "amount": 50000000, "id": "pm-1", "state": 3}`
	body := `{"state":3,"id":"pm-1","amount":50000000,"account":{"order_id":"ord-1"}}`

	res, err := p.VerifyWebhook(context.Background(), []byte(body), paymeHeader(canonical))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, "pm-1", res.ProviderTxnID)
	assert.True(t, decimal.NewFromInt(500000).Equal(res.Amount))
}

func TestPaymeRejectsCompactSignature(t *testing.T) {
	p := newTestPayme()
	body := `{"account":{"order_id":"ord-1"},"amount":100,"id":"pm-1","state":3}`
	_, err := p.VerifyWebhook(context.Background(), []byte(body), paymeHeader(body))
	assert.ErrorIs(t, err, ErrUnverifiedWebhook)
}

func TestPaymeStates(t *testing.T) {
	p := newTestPayme()
	cases := map[string]Status{"3": StatusSuccess, "-1": StatusCancelled, "-2": StatusFailed, "1": StatusPending}
	for state, want := range cases {
		body := `{"account": {"order_id": "o"}, "amount": 100, "id": "x", "state": ` + state + `}`
		res, err := p.VerifyWebhook(context.Background(), []byte(body), paymeHeader(body))
		require.NoError(t, err, state)
		assert.Equal(t, want, res.Status, state)
	}
}

func TestPaymeRejectsBadSignature(t *testing.T) {
	p := newTestPayme()
	body := `{"account": {"order_id": "ord-1"}, "amount": 100, "id": "pm-1", "state": 3}`

	h := paymeHeader(body)
	_, err := p.VerifyWebhook(context.Background(), []byte(strings.Replace(body, "100", "900", 1)), h)
	assert.ErrorIs(t, err, ErrUnverifiedWebhook)

	_, err = p.VerifyWebhook(context.Background(), []byte(body), http.Header{})
	assert.ErrorIs(t, err, ErrUnverifiedWebhook)

	_, err = p.VerifyWebhook(context.Background(), []byte(`not json`), h)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestPaymeCheckoutURL(t *testing.T) {
	p := newTestPayme()
	co, err := p.CreatePayment(context.Background(), CheckoutRequest{OrderID: "ord-7", Amount: decimal.RequireFromString("12.34")})
	require.NoError(t, err)

	u, err := url.Parse(co.Reference)
	require.NoError(t, err)
	assert.Equal(t, "checkout.paycom.uz", u.Host)
	q := u.Query()
	assert.Equal(t, "1234", q.Get("amount"))
	assert.Equal(t, "ord-7", q.Get("account.order_id"))
	assert.Equal(t, sha256Hex("m-1;1234;ord-7payme-secret"), q.Get("sign"))
}
