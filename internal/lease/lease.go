// Package lease implements the distributed lease: a conditional-write
// key-value record enforcing that at most one runner holds a dataset's
// pipeline lock at a time.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

const postgresDriver = "postgres"

// ErrNotHeld is returned by Release when no lease row for the dataset names
// the caller as owner (never acquired, already released, or taken over by
// another owner after it expired).
var ErrNotHeld = errors.New("lease: not held by this owner")

// LockKeyPrefix is prepended to a dataset id to form the lease's lock_key:
// lock_key = "pipeline:" + dataset_id.
const LockKeyPrefix = "pipeline:"

// LockKey returns the lock_key for datasetID.
func LockKey(datasetID string) string {
	return LockKeyPrefix + datasetID
}

// Store is the Postgres-backed distributed lease.
type Store struct {
	db     *sql.DB
	clock  func() time.Time
	logger *slog.Logger
}

// New opens a lease Store against cfg's database.
func New(cfg *Config) (*Store, error) {
	db, err := sql.Open(postgresDriver, cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("lease: opening database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("lease: database health check failed: %w", err)
	}

	return &Store{
		db:     db,
		clock:  time.Now,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}, nil
}

// Close closes the underlying database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Acquire attempts to take the lease for datasetID on behalf of ownerID for
// ttl. It succeeds if no lease row exists, the existing row has expired, or
// ownerID already holds it (idempotent renewal). Returns acquired=false (not
// an error) when another owner currently holds a live lease.
func (s *Store) Acquire(ctx context.Context, datasetID, ownerID string, ttl time.Duration) (bool, error) {
	now := s.clock().UTC()
	expiresAt := now.Add(ttl)

	query := `
		INSERT INTO leases (lock_key, owner_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (lock_key) DO UPDATE
		SET owner_id = EXCLUDED.owner_id,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at < EXCLUDED.acquired_at OR leases.owner_id = EXCLUDED.owner_id
		RETURNING lock_key
	`

	var acquiredKey string

	err := s.db.QueryRowContext(ctx, query, LockKey(datasetID), ownerID, now, expiresAt).Scan(&acquiredKey)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("lease: acquiring lease for %s: %w", datasetID, err)
	}

	return true, nil
}

// Release drops the lease for datasetID, but only if ownerID currently holds
// it. Releasing a lease you do not hold returns ErrNotHeld, not a fatal error
// — the caller is expected to log and continue.
func (s *Store) Release(ctx context.Context, datasetID, ownerID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE lock_key = $1 AND owner_id = $2`,
		LockKey(datasetID), ownerID,
	)
	if err != nil {
		return fmt.Errorf("lease: releasing lease for %s: %w", datasetID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("lease: checking release result for %s: %w", datasetID, err)
	}

	if rows == 0 {
		return ErrNotHeld
	}

	return nil
}

// IsHeld reports whether a live (non-expired) lease currently exists for
// datasetID, regardless of owner.
func (s *Store) IsHeld(ctx context.Context, datasetID string) (bool, error) {
	var expiresAt time.Time

	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM leases WHERE lock_key = $1`,
		LockKey(datasetID),
	).Scan(&expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("lease: checking lease for %s: %w", datasetID, err)
	}

	return expiresAt.After(s.clock().UTC()), nil
}
