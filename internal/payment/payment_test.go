package payment

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/config"
)

func testClient() *http.Client { return &http.Client{Timeout: 2 * time.Second} }

func TestRegistryLookup(t *testing.T) {
	log := zap.NewNop().Sugar()
	reg := NewRegistry(
		NewPayme(config.RailConfig{}, testClient(), log),
		NewClick(config.RailConfig{}, testClient(), log),
		NewPaynet(config.RailConfig{}, testClient(), log),
	)

	p, err := reg.Get(ClickName)
	require.NoError(t, err)
	assert.Equal(t, ClickName, p.Name())
	assert.Equal(t, []string{ClickName, PaymeName, PaynetName}, reg.Names())

	_, err = reg.Get("bitcoin")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestMalformedIsUnverified(t *testing.T) {
	assert.ErrorIs(t, malformed(assert.AnError), ErrUnverifiedWebhook)
	assert.ErrorIs(t, malformed(assert.AnError), ErrMalformedPayload)
}

func TestCanonicalJSON(t *testing.T) {
	out, _, err := canonicalJSON([]byte(`{ "b": 1.50, "a": {"z": "<x>", "y": [2, 1]}, "c": null, "d": true }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"y": [2, 1], "z": "<x>"}, "b": 1.50, "c": null, "d": true}`, string(out))
}

func TestCanonicalJSONEscapesLikePythonDumps(t *testing.T) {
	// json.dumps({"note": "café ☕ 😀", "q": "a\"b\\c\n"}, sort_keys=True)
	want := `{"note": "caf\u00e9 \u2615 \ud83d\ude00", "q": "a\"b\\c\n"}`
	out, _, err := canonicalJSON([]byte(`{"q":"a\"b\\c\n","note":"café ☕ 😀"}`))
	require.NoError(t, err)
	assert.Equal(t, want, string(out))
}

func TestShippedConfigCheckoutURLs(t *testing.T) {
	cfg, err := config.Load("../../config/config.yaml")
	require.NoError(t, err)
	log := zap.NewNop().Sugar()
	req := CheckoutRequest{OrderID: "ord-1", Amount: decimal.NewFromInt(1000), Currency: "UZS"}

	cases := map[string]Provider{
		paymeCheckoutURL:  NewPayme(cfg.Providers.Payme, testClient(), log),
		clickCheckoutURL:  NewClick(cfg.Providers.Click, testClient(), log),
		paynetCheckoutURL: NewPaynet(cfg.Providers.Paynet, testClient(), log),
	}
	for want, p := range cases {
		co, err := p.CreatePayment(context.Background(), req)
		require.NoError(t, err, p.Name())
		assert.True(t, strings.HasPrefix(co.Reference, want+"?"), "%s: %s", p.Name(), co.Reference)
	}
}
