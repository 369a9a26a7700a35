// Package settlement hands a destination address and satoshi amount to
// the external value-transfer collaborator and reports back its
// settlement reference. The collaborator is opaque: nothing here knows
// how the transfer happens.
package settlement

import (
	"context"
	"errors"
	"fmt"
)

// ErrSettlementFailed wraps any failure of the settlement collaborator.
// The payment identifier behind a failed settlement stays replayable.
var ErrSettlementFailed = errors.New("settlement: transfer failed")

// Settler performs the actual value transfer.
type Settler interface {
	// Settle sends amountSats to address and returns the collaborator's
	// settlement reference.
	Settle(ctx context.Context, address string, amountSats int64) (string, error)
}

// SettleError adds call context to a settlement failure.
type SettleError struct {
	Address string
	Sats    int64
	Err     error
}

func (e *SettleError) Error() string {
	return fmt.Sprintf("settlement: send %d sats to %s: %v", e.Sats, e.Address, e.Err)
}

func (e *SettleError) Unwrap() error { return e.Err }

// Is reports ErrSettlementFailed so callers can classify without digging
// through the wrapped cause.
func (e *SettleError) Is(target error) bool { return target == ErrSettlementFailed }
