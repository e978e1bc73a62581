package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/escrow-service/internal/metrics"
)

// refundClient posts signed refund requests to a local rail's merchant API.
type refundClient struct {
	provider   string
	url        string
	merchantID string
	sign       func(body []byte) string
	header     string
	http       *http.Client
	log        *zap.SugaredLogger
}

type refundRequest struct {
	MerchantID    string `json:"merchant_id"`
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount,omitempty"`
	RequestedAt   int64  `json:"requested_at"`
}

func (c *refundClient) refund(ctx context.Context, providerTxnID string, amount *decimal.Decimal) (err error) {
	if c.url == "" {
		c.log.Infow("refund endpoint not configured, skipping", "provider", c.provider, "provider_txn_id", providerTxnID)
		return nil
	}
	start := time.Now()
	defer func() { metrics.ObserveProvider(c.provider, "refund", start, err) }()

	req := refundRequest{MerchantID: c.merchantID, TransactionID: providerTxnID, RequestedAt: start.Unix()}
	if amount != nil {
		req.Amount = amount.StringFixed(2)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(c.header, c.sign(body))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s refund: %v", ErrProviderUnavailable, c.provider, err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s refund: status %d", ErrProviderUnavailable, c.provider, resp.StatusCode)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s refund: status %d: %s", ErrRefundRejected, c.provider, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
