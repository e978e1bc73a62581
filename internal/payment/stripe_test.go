package payment

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/config"
)

const testWebhookSecret = "whsec_test"

type fakeSessions struct {
	params *stripe.CheckoutSessionParams
	err    error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/c/cs_1"}, nil
}

type fakeRefunds struct {
	params *stripe.RefundParams
}

func (f *fakeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return &stripe.Refund{ID: "re_1"}, nil
}

func newTestStripe() (*Stripe, *fakeSessions, *fakeRefunds) {
	s := NewStripe(config.StripeConfig{SecretKey: "sk_test", WebhookSecret: testWebhookSecret, Currency: "usd"},
		testClient(), zap.NewNop().Sugar())
	fs, fr := &fakeSessions{}, &fakeRefunds{}
	s.sessions, s.refunds = fs, fr
	return s, fs, fr
}

func signedEvent(t *testing.T, body string) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	h := http.Header{}
	h.Set(stripeSigHeader, signed.Header)
	return h
}

func sessionEvent(eventType, paymentStatus string) string {
	return `{"id":"evt_1","object":"event","type":"` + eventType + `","data":{"object":{` +
		`"id":"cs_1","object":"checkout.session","client_reference_id":"ord-9","amount_total":1250,` +
		`"payment_status":"` + paymentStatus + `","payment_intent":"pi_1","metadata":{"order_id":"ord-9"}}}}`
}

func TestStripeVerifyWebhook(t *testing.T) {
	s, _, _ := newTestStripe()

	cases := []struct {
		eventType, paymentStatus string
		want                     Status
	}{
		{"checkout.session.completed", "paid", StatusSuccess},
		{"checkout.session.completed", "unpaid", StatusPending},
		{"checkout.session.async_payment_succeeded", "paid", StatusSuccess},
		{"checkout.session.async_payment_failed", "unpaid", StatusFailed},
		{"checkout.session.expired", "unpaid", StatusCancelled},
	}
	for _, tc := range cases {
		body := sessionEvent(tc.eventType, tc.paymentStatus)
		res, err := s.VerifyWebhook(context.Background(), []byte(body), signedEvent(t, body))
		require.NoError(t, err, tc.eventType)
		assert.Equal(t, tc.want, res.Status, tc.eventType)
		assert.Equal(t, "ord-9", res.OrderID)
		assert.Equal(t, "pi_1", res.ProviderTxnID)
		assert.True(t, decimal.RequireFromString("12.50").Equal(res.Amount))
	}
}

func TestStripeIgnoresUnrelatedEvents(t *testing.T) {
	s, _, _ := newTestStripe()
	body := `{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`
	res, err := s.VerifyWebhook(context.Background(), []byte(body), signedEvent(t, body))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, res.Status)
	assert.Empty(t, res.OrderID)
}

func TestStripeRejectsBadSignature(t *testing.T) {
	s, _, _ := newTestStripe()
	body := sessionEvent("checkout.session.completed", "paid")
	h := http.Header{}
	h.Set(stripeSigHeader, "t=1,v1=deadbeef")
	_, err := s.VerifyWebhook(context.Background(), []byte(body), h)
	assert.ErrorIs(t, err, ErrUnverifiedWebhook)
}

func TestStripeCreatePayment(t *testing.T) {
	s, fs, _ := newTestStripe()
	co, err := s.CreatePayment(context.Background(), CheckoutRequest{
		OrderID: "ord-9", Amount: decimal.RequireFromString("12.50"), Description: "Pro plan",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_1", co.SessionID)
	assert.Equal(t, StripeName, co.Provider)
	assert.Equal(t, "ord-9", *fs.params.ClientReferenceID)
	assert.Equal(t, int64(1250), *fs.params.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "usd", *fs.params.LineItems[0].PriceData.Currency)
}

func TestStripeErrorClassification(t *testing.T) {
	s, fs, _ := newTestStripe()

	fs.err = &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable, Msg: "down"}
	_, err := s.CreatePayment(context.Background(), CheckoutRequest{OrderID: "o", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	fs.err = &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "bad currency"}
	_, err = s.CreatePayment(context.Background(), CheckoutRequest{OrderID: "o", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
}

func TestStripeRefund(t *testing.T) {
	s, _, fr := newTestStripe()
	amt := decimal.RequireFromString("3.10")
	require.NoError(t, s.Refund(context.Background(), "pi_1", &amt))
	assert.Equal(t, "pi_1", *fr.params.PaymentIntent)
	assert.Equal(t, int64(310), *fr.params.Amount)
}
