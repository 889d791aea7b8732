// Package postgres provides a PostgreSQL implementation of the billing.EventLedger interface.
// Event ids are claimed with INSERT ... ON CONFLICT, which only takes over a
// row whose lease or TTL has expired.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zamar-app/gateway/pkg/billing"
)

const schema = `
CREATE TABLE IF NOT EXISTS stripe_webhook_events (
	event_id     TEXT PRIMARY KEY,
	state        TEXT NOT NULL DEFAULT 'done',
	processed_at TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL
);
ALTER TABLE stripe_webhook_events ADD COLUMN IF NOT EXISTS state TEXT NOT NULL DEFAULT 'done';
CREATE INDEX IF NOT EXISTS stripe_webhook_events_expires_at_idx ON stripe_webhook_events (expires_at);

CREATE TABLE IF NOT EXISTS credit_grant_failures (
	event_id   TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	grant_data JSONB NOT NULL,
	error      TEXT NOT NULL,
	failed_at  TIMESTAMPTZ NOT NULL
);`

// Ledger implements billing.EventLedger using PostgreSQL
type Ledger struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL ledger configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventTTL        time.Duration // How long processed event ids are kept
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		EventTTL:        billing.DefaultEventTTL,
	}
}

// New creates a new PostgreSQL ledger and creates its tables if needed
func New(ctx context.Context, config Config) (*Ledger, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.EventTTL <= 0 {
		config.EventTTL = billing.DefaultEventTTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create ledger tables: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	l := &Ledger{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go l.startCleanup(cleanupCtx)
	}

	return l, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (l *Ledger) Close() {
	if l.stopCleanup != nil {
		l.stopCleanup()
	}
	if l.pool != nil {
		l.pool.Close()
	}
}

const (
	statePending = "pending"
	stateDone    = "done"
)

// Claim implements billing.EventLedger
func (l *Ledger) Claim(ctx context.Context, eventID string, lease time.Duration) (billing.ClaimState, error) {
	if eventID == "" {
		return billing.ClaimInFlight, fmt.Errorf("event id is required")
	}
	if lease <= 0 {
		lease = billing.DefaultClaimLease
	}

	// A row deleted by cleanup between the insert and the read is claimed again once.
	for attempt := 0; attempt < 2; attempt++ {
		now := time.Now().UTC()
		tag, err := l.pool.Exec(ctx,
			`INSERT INTO stripe_webhook_events (event_id, state, processed_at, expires_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (event_id) DO UPDATE
					SET state = EXCLUDED.state, processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at
					WHERE stripe_webhook_events.expires_at < $3`,
			eventID, statePending, now, now.Add(lease))
		if err != nil {
			return billing.ClaimInFlight, fmt.Errorf("failed to claim event: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return billing.ClaimAcquired, nil
		}

		var state string
		err = l.pool.QueryRow(ctx,
			`SELECT state FROM stripe_webhook_events WHERE event_id = $1`, eventID).Scan(&state)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return billing.ClaimInFlight, fmt.Errorf("failed to read event claim: %w", err)
		}
		if state == stateDone {
			return billing.ClaimDone, nil
		}
		return billing.ClaimInFlight, nil
	}
	return billing.ClaimInFlight, nil
}

// Complete implements billing.EventLedger
func (l *Ledger) Complete(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	now := time.Now().UTC()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO stripe_webhook_events (event_id, state, processed_at, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO UPDATE
				SET state = EXCLUDED.state, processed_at = EXCLUDED.processed_at, expires_at = EXCLUDED.expires_at`,
		eventID, stateDone, now, now.Add(l.config.EventTTL))
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	return nil
}

// Release implements billing.EventLedger
func (l *Ledger) Release(ctx context.Context, eventID string) error {
	_, err := l.pool.Exec(ctx,
		`DELETE FROM stripe_webhook_events WHERE event_id = $1 AND state = $2`, eventID, statePending)
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// RecordFailure implements billing.EventLedger
func (l *Ledger) RecordFailure(ctx context.Context, failure billing.FailedGrant) error {
	if failure.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	grant, err := json.Marshal(failure.Grant)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	_, err = l.pool.Exec(ctx,
		`INSERT INTO credit_grant_failures (event_id, event_type, grant_data, error, failed_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO UPDATE
				SET grant_data = EXCLUDED.grant_data, error = EXCLUDED.error, failed_at = EXCLUDED.failed_at`,
		failure.EventID, failure.EventType, grant, failure.Error, failure.FailedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// ListFailures implements billing.EventLedger
func (l *Ledger) ListFailures(ctx context.Context) ([]billing.FailedGrant, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT event_id, event_type, grant_data, error, failed_at
			FROM credit_grant_failures ORDER BY failed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []billing.FailedGrant
	for rows.Next() {
		var (
			f     billing.FailedGrant
			grant []byte
		)
		if err := rows.Scan(&f.EventID, &f.EventType, &grant, &f.Error, &f.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		if err := json.Unmarshal(grant, &f.Grant); err != nil {
			return nil, fmt.Errorf("failed to unmarshal grant %s: %w", f.EventID, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate failures: %w", err)
	}
	return out, nil
}

// DeleteFailure implements billing.EventLedger
func (l *Ledger) DeleteFailure(ctx context.Context, eventID string) error {
	tag, err := l.pool.Exec(ctx, `DELETE FROM credit_grant_failures WHERE event_id = $1`, eventID)
	if err != nil {
		return fmt.Errorf("failed to delete failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrFailureNotFound
	}
	return nil
}

// startCleanup runs periodic cleanup of expired event ids
func (l *Ledger) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = l.cleanupExpiredEvents(ctx)
		}
	}
}

// cleanupExpiredEvents deletes event ids past their expiry
func (l *Ledger) cleanupExpiredEvents(ctx context.Context) error {
	_, err := l.pool.Exec(ctx,
		`DELETE FROM stripe_webhook_events WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup webhook events: %w", err)
	}
	return nil
}
