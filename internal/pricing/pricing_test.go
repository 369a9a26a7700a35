package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 2*time.Second)
}

func TestCurrentRate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"time": 1700000000, "USD": 63000, "GBP": 50000}`))
	})

	rate, err := c.CurrentRate(context.Background(), "GBP")
	require.NoError(t, err)
	assert.Equal(t, float64(50000), rate)
}

func TestCurrentRate_MissingCurrency(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"USD": 63000}`))
	})

	_, err := c.CurrentRate(context.Background(), "GBP")
	assert.ErrorIs(t, err, ErrRateUnavailable)
	assert.Equal(t, int32(1), calls.Load(), "missing quote should not be retried")
}

func TestCurrentRate_NonPositiveQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"GBP": 0}`))
	})

	_, err := c.CurrentRate(context.Background(), "GBP")
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestCurrentRate_UpstreamError_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.CurrentRate(context.Background(), "GBP")
	assert.ErrorIs(t, err, ErrRateUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "5xx should be retried once")
}

func TestCurrentRate_RecoversOnRetry(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"GBP": 48000.5}`))
	})

	rate, err := c.CurrentRate(context.Background(), "GBP")
	require.NoError(t, err)
	assert.Equal(t, 48000.5, rate)
}

func TestCurrentRate_MalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := c.CurrentRate(context.Background(), "GBP")
	assert.ErrorIs(t, err, ErrRateUnavailable)
}
