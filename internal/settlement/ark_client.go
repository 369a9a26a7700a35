package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ezp2p/ezp2p/internal/metrics"
)

// ArkClient settles purchases through an Ark server's send endpoint.
type ArkClient struct {
	baseURL string
	client  *http.Client
}

// Option configures the client
type Option func(*ArkClient)

// WithHTTPClient sets a custom HTTP client (useful for testing)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ArkClient) {
		c.client = hc
	}
}

// NewArkClient creates a settlement client for the given Ark server.
func NewArkClient(baseURL string, timeout time.Duration, opts ...Option) *ArkClient {
	c := &ArkClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendRequest struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

type sendResponse struct {
	TxID string `json:"txid"`
}

// Settle posts the transfer to the Ark server and returns its transaction
// ID as the settlement reference.
func (c *ArkClient) Settle(ctx context.Context, address string, amountSats int64) (string, error) {
	start := time.Now()
	ref, err := c.send(ctx, address, amountSats)
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", &SettleError{Address: address, Sats: amountSats, Err: err}
	}
	return ref, nil
}

func (c *ArkClient) send(ctx context.Context, address string, amountSats int64) (string, error) {
	payload, err := json.Marshal(sendRequest{Address: address, Amount: amountSats})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/send", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ark server status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.TxID == "" {
		return "", fmt.Errorf("ark server returned no txid")
	}
	return out.TxID, nil
}
