// Package pricing provides live fiat-per-bitcoin exchange rates and the
// conversions between satoshi and fiat minor-unit amounts.
//
// Rates are fetched fresh for every conversion. The rate can move between
// a purchase request and its confirmation; that volatility is accepted,
// so nothing here caches.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ezp2p/ezp2p/internal/metrics"
	"github.com/ezp2p/ezp2p/internal/retry"
)

// ErrRateUnavailable means the upstream price source failed or returned an
// unusable quote. Callers surface it as "cannot proceed right now" and must
// never fall back to a stale or zero rate.
var ErrRateUnavailable = errors.New("pricing: rate unavailable")

// Oracle quotes the current fiat value of one bitcoin.
type Oracle interface {
	// CurrentRate returns a positive fiat-per-bitcoin rate for the given
	// ISO 4217 currency code, or an error wrapping ErrRateUnavailable.
	CurrentRate(ctx context.Context, currency string) (float64, error)
}

// Client fetches rates from a mempool.space-compatible prices endpoint,
// which returns a JSON object keyed by currency code:
//
//	{"time": 1700000000, "USD": 63000, "GBP": 50000, ...}
type Client struct {
	url    string
	client *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client (useful for testing)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// NewClient creates a price client for the given endpoint URL.
func NewClient(url string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentRate fetches the current rate for currency. Transient transport
// failures are retried once with backoff; a response without a positive
// quote for the currency is not retried.
func (c *Client) CurrentRate(ctx context.Context, currency string) (float64, error) {
	start := time.Now()
	var rate float64

	err := retry.Do(ctx, 2, 250*time.Millisecond, func() error {
		r, err := c.fetch(ctx, currency)
		if err != nil {
			return err
		}
		rate = r
		return nil
	})

	metrics.RateFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RateFetchesTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.RateFetchesTotal.WithLabelValues("ok").Inc()
	return rate, nil
}

func (c *Client) fetch(ctx context.Context, currency string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("%w: %v", ErrRateUnavailable, err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrRateUnavailable, resp.StatusCode)
	}

	var quotes map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&quotes); err != nil {
		return 0, fmt.Errorf("%w: decode response: %v", ErrRateUnavailable, err)
	}

	q, ok := quotes[currency]
	if !ok {
		return 0, retry.Permanent(fmt.Errorf("%w: no quote for %s", ErrRateUnavailable, currency))
	}
	rate, err := q.Float64()
	if err != nil || rate <= 0 {
		return 0, retry.Permanent(fmt.Errorf("%w: non-positive quote %q for %s", ErrRateUnavailable, q.String(), currency))
	}
	return rate, nil
}
