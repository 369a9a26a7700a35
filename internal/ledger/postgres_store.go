package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists ledger entries in the payments table.
// Schema is managed by goose migrations (see migrations/).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a ledger store backed by PostgreSQL.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, paymentID string) (*Entry, error) {
	return p.scanEntry(p.db.QueryRowContext(ctx, `
		SELECT payment_id, settlement_ref, status, created_at, settled_at
		FROM payments WHERE payment_id = $1`, paymentID))
}

func (p *PostgresStore) Reserve(ctx context.Context, paymentID string) (bool, *Entry, error) {
	// Losing the insert and then finding no row means a concurrent
	// reservation was released in between, so the slot is free again.
	// One more attempt claims it instead of misreporting it as taken.
	for attempt := 0; attempt < 2; attempt++ {
		now := time.Now().UTC()
		res, err := p.db.ExecContext(ctx, `
			INSERT INTO payments (payment_id, status, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (payment_id) DO NOTHING`,
			paymentID, string(StatusPending), now,
		)
		if err != nil {
			return false, nil, err
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return false, nil, err
		}
		if rows == 1 {
			return true, &Entry{PaymentID: paymentID, Status: StatusPending, CreatedAt: now}, nil
		}

		existing, err := p.Get(ctx, paymentID)
		if err == nil {
			return false, existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, nil, err
		}
	}

	// Twice in a row the insert lost to a reservation that vanished
	// before we could read it. Report the identifier as claimed; the
	// caller retries.
	return false, &Entry{PaymentID: paymentID, Status: StatusPending, CreatedAt: time.Now().UTC()}, nil
}

func (p *PostgresStore) Commit(ctx context.Context, paymentID, settlementRef string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, settlement_ref = $2, settled_at = $3
		WHERE payment_id = $4 AND status = $5`,
		string(StatusSettled), settlementRef, time.Now().UTC(), paymentID, string(StatusPending),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish missing from already settled.
		if _, err := p.Get(ctx, paymentID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadySettled
	}
	return nil
}

func (p *PostgresStore) Release(ctx context.Context, paymentID string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM payments WHERE payment_id = $1 AND status = $2`,
		paymentID, string(StatusPending),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, paymentID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) scanEntry(row *sql.Row) (*Entry, error) {
	var e Entry
	var ref sql.NullString
	var settledAt sql.NullTime
	var status string

	err := row.Scan(&e.PaymentID, &ref, &status, &e.CreatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	if ref.Valid {
		e.SettlementRef = ref.String
	}
	if settledAt.Valid {
		t := settledAt.Time
		e.SettledAt = &t
	}
	return &e, nil
}
