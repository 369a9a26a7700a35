// Package ledger is the idempotency store for payment proofs.
//
// A payment identifier is claimed exactly once. The flow is
// reserve -> settle -> commit: callers reserve the identifier before
// touching the settlement collaborator, so a duplicate proof can never
// trigger a second settlement, and release the reservation if settlement
// fails so the identifier stays replayable.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("ledger: payment not found")
	ErrNotPending     = errors.New("ledger: payment not pending")
	ErrAlreadySettled = errors.New("ledger: payment already settled")
)

// Status of a ledger entry.
type Status string

const (
	// StatusPending means the identifier is reserved and settlement is in
	// flight.
	StatusPending Status = "pending"
	// StatusSettled means settlement completed and the entry is immutable.
	StatusSettled Status = "settled"
)

// Entry records the claim on one payment identifier.
type Entry struct {
	PaymentID     string     `json:"paymentId"`
	SettlementRef string     `json:"settlementRef,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
}

// Store persists ledger entries.
//
// Reserve is the one correctness-critical concurrency point in the
// system: under concurrent calls with the same identifier exactly one
// caller observes inserted=true. Implementations must make the
// check-and-insert atomic.
type Store interface {
	// Get returns the entry for paymentID, or ErrNotFound.
	Get(ctx context.Context, paymentID string) (*Entry, error)

	// Reserve atomically inserts a pending entry for paymentID if absent.
	// It returns (true, entry) when this caller won the slot, or
	// (false, existing) when the identifier was already claimed.
	Reserve(ctx context.Context, paymentID string) (bool, *Entry, error)

	// Commit fills a pending entry with its settlement reference, after
	// which the entry never changes. Returns ErrNotFound if the entry is
	// absent and ErrAlreadySettled if it was committed before.
	Commit(ctx context.Context, paymentID, settlementRef string) error

	// Release removes a pending reservation so the identifier can be
	// retried. Settled entries cannot be released (ErrNotPending).
	Release(ctx context.Context, paymentID string) error
}
