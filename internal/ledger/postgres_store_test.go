package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezp2p/ezp2p/internal/testutil"
)

func TestPostgresStore_ReserveCommit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	inserted, entry, err := store.Reserve(ctx, "pay_pg_1")
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, StatusPending, entry.Status)

	require.NoError(t, store.Commit(ctx, "pay_pg_1", "tx_pg"))

	got, err := store.Get(ctx, "pay_pg_1")
	require.NoError(t, err)
	assert.Equal(t, StatusSettled, got.Status)
	assert.Equal(t, "tx_pg", got.SettlementRef)
	require.NotNil(t, got.SettledAt)

	// Second reservation loses and sees the settled entry.
	inserted, existing, err := store.Reserve(ctx, "pay_pg_1")
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "tx_pg", existing.SettlementRef)
}

func TestPostgresStore_CommitIsFinal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	_, _, err := store.Reserve(ctx, "pay_pg_2")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, "pay_pg_2", "tx_1"))

	assert.ErrorIs(t, store.Commit(ctx, "pay_pg_2", "tx_2"), ErrAlreadySettled)
	assert.ErrorIs(t, store.Release(ctx, "pay_pg_2"), ErrNotPending)
}

func TestPostgresStore_ReleaseReplayable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	_, _, err := store.Reserve(ctx, "pay_pg_3")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "pay_pg_3"))

	_, err = store.Get(ctx, "pay_pg_3")
	assert.ErrorIs(t, err, ErrNotFound)

	inserted, _, err := store.Reserve(ctx, "pay_pg_3")
	require.NoError(t, err)
	assert.True(t, inserted)
}

// Reserve racing against Release on the same identifier: a caller that
// loses the insert because a released row vanished mid-read retries the
// claim instead of misreporting the free slot as taken.
func TestPostgresStore_ReserveReleaseChurn(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				inserted, entry, err := store.Reserve(ctx, "pay_pg_churn")
				if err != nil {
					t.Error(err)
					return
				}
				if entry == nil {
					t.Error("reserve returned no entry")
					return
				}
				if inserted {
					if err := store.Release(ctx, "pay_pg_churn"); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	// Every successful reservation was released, so the identifier ends
	// the churn free.
	inserted, _, err := store.Reserve(ctx, "pay_pg_churn")
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestPostgresStore_ConcurrentReserve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, _, err := store.Reserve(ctx, "pay_pg_contested")
			if err != nil {
				t.Error(err)
				return
			}
			if inserted {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}
