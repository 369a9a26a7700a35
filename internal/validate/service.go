// Package validate turns a submitted payment proof into a settlement,
// exactly once per payment identifier.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ezp2p/ezp2p/internal/ledger"
	"github.com/ezp2p/ezp2p/internal/metrics"
	"github.com/ezp2p/ezp2p/internal/pricing"
	"github.com/ezp2p/ezp2p/internal/settlement"
	"github.com/ezp2p/ezp2p/internal/traces"
)

// Result is the outcome of validating one payment proof. Duplicates are
// not errors: they come back success=false with the original settlement
// reference.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Reference string `json:"reference,omitempty"`
	Sats      int64  `json:"sats,omitempty"`
	FiatMinor int64  `json:"fiatMinor,omitempty"`
}

// Event is published after each validation outcome for observers (the
// realtime feed). Decoupled from the feed implementation.
type Event struct {
	Outcome   string    `json:"outcome"`
	Address   string    `json:"address"`
	Sats      int64     `json:"sats,omitempty"`
	FiatMinor int64     `json:"fiatMinor"`
	Reference string    `json:"reference,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives validation events. Implementations must not block.
type Publisher interface {
	PublishValidation(Event)
}

// Service validates payment proofs against the ledger and triggers
// settlement for fresh ones.
type Service struct {
	store    ledger.Store
	oracle   pricing.Oracle
	settler  settlement.Settler
	currency string
	logger   *slog.Logger
	events   Publisher
}

// Option configures the service
type Option func(*Service)

// WithPublisher wires an event publisher for validation outcomes.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.events = p
	}
}

// NewService creates a validation service.
func NewService(store ledger.Store, oracle pricing.Oracle, settler settlement.Settler, currency string, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		oracle:   oracle,
		settler:  settler,
		currency: currency,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate settles the proof if its payment identifier has never been
// seen. The identifier is reserved in the ledger before any I/O, so a
// concurrent duplicate can never settle twice; the reservation is rolled
// back when the rate fetch or the settlement fails, leaving the
// identifier replayable.
//
// amountFiatMinor may be negative (a refund-shaped proof); the settled
// satoshi amount is computed from its magnitude.
func (s *Service) Validate(ctx context.Context, address string, amountFiatMinor int64, paymentID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "validate.payment",
		traces.Address(address),
		traces.FiatMinor(amountFiatMinor),
	)
	defer span.End()

	inserted, existing, err := s.store.Reserve(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("reserve payment: %w", err)
	}
	if !inserted {
		return s.duplicate(ctx, paymentID, existing), nil
	}

	rate, err := s.oracle.CurrentRate(ctx, s.currency)
	if err != nil {
		s.release(ctx, paymentID)
		metrics.ValidationsTotal.WithLabelValues(metrics.OutcomeRateUnavailable).Inc()
		return nil, err
	}

	sats := pricing.FiatMinorToSats(amountFiatMinor, rate)

	ref, err := s.settler.Settle(ctx, address, sats)
	if err != nil {
		s.release(ctx, paymentID)
		metrics.ValidationsTotal.WithLabelValues(metrics.OutcomeSettlementFailure).Inc()
		s.logger.Error("settlement failed",
			"payment_id", paymentID,
			"address", address,
			"sats", sats,
			"error", err,
		)
		return nil, err
	}

	if err := s.store.Commit(ctx, paymentID, ref); err != nil {
		// The transfer went through; losing the commit only loses the
		// dedup record, so log loudly and still report success.
		s.logger.Error("failed to commit settled payment",
			"payment_id", paymentID,
			"reference", ref,
			"error", err,
		)
	}

	span.SetAttributes(traces.Sats(sats), traces.Reference(ref))
	metrics.ValidationsTotal.WithLabelValues(metrics.OutcomeSettled).Inc()
	s.logger.Info("payment settled",
		"payment_id", paymentID,
		"address", address,
		"sats", sats,
		"fiat_minor", amountFiatMinor,
		"reference", ref,
	)
	s.publish(Event{
		Outcome:   metrics.OutcomeSettled,
		Address:   address,
		Sats:      sats,
		FiatMinor: amountFiatMinor,
		Reference: ref,
		Timestamp: time.Now().UTC(),
	})

	fiat := abs(amountFiatMinor)
	return &Result{
		Success:   true,
		Message:   fmt.Sprintf("Sent %d sats (%s %s) to %s in transaction %s", sats, formatFiat(fiat), s.currency, address, ref),
		Reference: ref,
		Sats:      sats,
		FiatMinor: fiat,
	}, nil
}

func (s *Service) duplicate(ctx context.Context, paymentID string, existing *ledger.Entry) *Result {
	if existing != nil && existing.Status == ledger.StatusSettled {
		metrics.ValidationsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		s.logger.Info("duplicate payment rejected",
			"payment_id", paymentID,
			"reference", existing.SettlementRef,
		)
		s.publish(Event{
			Outcome:   metrics.OutcomeDuplicate,
			Reference: existing.SettlementRef,
			Timestamp: time.Now().UTC(),
		})
		return &Result{
			Success:   false,
			Message:   fmt.Sprintf("Payment ID already used in transaction %s", existing.SettlementRef),
			Reference: existing.SettlementRef,
		}
	}

	// Reservation exists but settlement is still in flight.
	metrics.ValidationsTotal.WithLabelValues(metrics.OutcomePendingDuplicate).Inc()
	s.logger.Info("duplicate payment while validation in flight", "payment_id", paymentID)
	return &Result{
		Success: false,
		Message: "Payment ID is already being validated",
	}
}

func (s *Service) release(ctx context.Context, paymentID string) {
	if err := s.store.Release(ctx, paymentID); err != nil {
		s.logger.Error("failed to release payment reservation",
			"payment_id", paymentID,
			"error", err,
		)
	}
}

func (s *Service) publish(e Event) {
	if s.events != nil {
		s.events.PublishValidation(e)
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// formatFiat renders minor units as whole fiat, trimming trailing zeros
// ("500" -> "5", "550" -> "5.5").
func formatFiat(minor int64) string {
	return strconv.FormatFloat(float64(minor)/100, 'f', -1, 64)
}
