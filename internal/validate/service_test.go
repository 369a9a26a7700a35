package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezp2p/ezp2p/internal/ledger"
	"github.com/ezp2p/ezp2p/internal/pricing"
	"github.com/ezp2p/ezp2p/internal/settlement"
)

// fakeOracle returns a fixed rate, or an error when rate <= 0.
type fakeOracle struct {
	rate  float64
	calls atomic.Int32
}

func (f *fakeOracle) CurrentRate(ctx context.Context, currency string) (float64, error) {
	f.calls.Add(1)
	if f.rate <= 0 {
		return 0, pricing.ErrRateUnavailable
	}
	return f.rate, nil
}

// fakeSettler records settle calls and can be told to fail.
type fakeSettler struct {
	mu    sync.Mutex
	calls []int64
	fail  bool
}

func (f *fakeSettler) Settle(ctx context.Context, address string, amountSats int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", &settlement.SettleError{Address: address, Sats: amountSats, Err: errors.New("down")}
	}
	f.calls = append(f.calls, amountSats)
	return fmt.Sprintf("tx_%d", len(f.calls)), nil
}

func (f *fakeSettler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestService(rate float64) (*Service, *fakeSettler, ledger.Store) {
	store := ledger.NewMemoryStore()
	settler := &fakeSettler{}
	svc := NewService(store, &fakeOracle{rate: rate}, settler, "GBP",
		slog.New(slog.DiscardHandler))
	return svc, settler, store
}

func TestValidate_FreshPayment(t *testing.T) {
	svc, settler, _ := newTestService(50000)

	res, err := svc.Validate(context.Background(), "ark1qexampleaddress", 500, "pay_1")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, int64(10000), res.Sats)
	assert.Equal(t, "tx_1", res.Reference)
	assert.Equal(t, "Sent 10000 sats (5 GBP) to ark1qexampleaddress in transaction tx_1", res.Message)
	assert.Equal(t, 1, settler.callCount())
}

func TestValidate_NegativeAmountNormalized(t *testing.T) {
	svc, settler, _ := newTestService(50000)

	res, err := svc.Validate(context.Background(), "ark1qexampleaddress", -500, "pay_refund")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, int64(10000), res.Sats)
	assert.Equal(t, int64(500), res.FiatMinor)
	assert.Equal(t, 1, settler.callCount())
}

func TestValidate_DuplicateRejectedWithoutSettling(t *testing.T) {
	svc, settler, _ := newTestService(50000)
	ctx := context.Background()

	first, err := svc.Validate(ctx, "ark1qexampleaddress", 500, "pay_1")
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := svc.Validate(ctx, "ark1qexampleaddress", 500, "pay_1")
	require.NoError(t, err)

	assert.False(t, second.Success)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Contains(t, second.Message, first.Reference)
	assert.Equal(t, 1, settler.callCount(), "duplicate must not settle again")
}

func TestValidate_RateUnavailableLeavesIdentifierReplayable(t *testing.T) {
	store := ledger.NewMemoryStore()
	settler := &fakeSettler{}
	oracle := &fakeOracle{rate: 0}
	svc := NewService(store, oracle, settler, "GBP", slog.New(slog.DiscardHandler))
	ctx := context.Background()

	_, err := svc.Validate(ctx, "ark1qexampleaddress", 500, "pay_1")
	assert.ErrorIs(t, err, pricing.ErrRateUnavailable)
	assert.Equal(t, 0, settler.callCount())

	// Identifier was rolled back: a retry with a working oracle succeeds.
	oracle.rate = 50000
	res, err := svc.Validate(ctx, "ark1qexampleaddress", 500, "pay_1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestValidate_SettlementFailureLeavesIdentifierReplayable(t *testing.T) {
	svc, settler, _ := newTestService(50000)
	settler.fail = true
	ctx := context.Background()

	_, err := svc.Validate(ctx, "ark1qexampleaddress", 500, "pay_1")
	assert.ErrorIs(t, err, settlement.ErrSettlementFailed)

	settler.fail = false
	res, err := svc.Validate(ctx, "ark1qexampleaddress", 500, "pay_1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, settler.callCount())
}

// Two concurrent validations of the same payment ID must produce exactly
// one settlement; the loser reports a duplicate (or an in-flight
// validation, depending on timing) and never a second success.
func TestValidate_ConcurrentSameIdentifier(t *testing.T) {
	svc, settler, _ := newTestService(50000)
	ctx := context.Background()

	const attempts = 20
	results := make([]*Result, attempts)
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Validate(ctx, "ark1qexampleaddress", 500, "pay_contested")
		}(i)
	}
	wg.Wait()

	successes := 0
	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		if results[i].Success {
			successes++
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, settler.callCount())
}
