package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the lock table. The partial unique index lets one
// owner hold at most one live row per type per (resource, scope) and is what
// ON CONFLICT resolves same-owner re-acquisition against.
const Schema = `
CREATE TABLE IF NOT EXISTS resource_locks (
	id          UUID PRIMARY KEY,
	resource_id TEXT NOT NULL,
	scope       TEXT NOT NULL,
	owner_id    TEXT NOT NULL,
	lock_type   TEXT NOT NULL,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at  TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS resource_locks_live_uniq
	ON resource_locks (resource_id, scope, owner_id, lock_type)
	WHERE is_active;

CREATE INDEX IF NOT EXISTS resource_locks_pair_idx
	ON resource_locks (resource_id, scope)
	WHERE is_active;
`

// PostgresStore implements Store on PostgreSQL using pgx.
//
// Acquire serializes claimants per (resource, scope) with a transaction-level
// advisory lock and then performs one conditional insert, so exactly one of
// two racing acquirers wins and the other observes the winner's row.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed lock store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the lock table and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure lock schema: %w", err)
	}
	return nil
}

// Acquire implements Store.Acquire.
func (s *PostgresStore) Acquire(ctx context.Context, resourceID string, scope Scope, ownerID string, typ Type, lease time.Duration) (*Lock, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin acquire tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize conflicting acquires on the same pair for the duration of
	// the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, resourceID, string(scope)); err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	l := &Lock{
		ResourceID: resourceID,
		Scope:      scope,
		OwnerID:    ownerID,
		Type:       typ,
		IsActive:   true,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO resource_locks (id, resource_id, scope, owner_id, lock_type, is_active, created_at, expires_at)
		SELECT $1, $2, $3, $4, $5, TRUE, NOW(), NOW() + $6
		WHERE NOT EXISTS (
			SELECT 1 FROM resource_locks
			WHERE resource_id = $2 AND scope = $3
			  AND is_active AND expires_at > NOW()
			  AND owner_id <> $4
			  AND ($5 = 'EXCLUSIVE' OR lock_type = 'EXCLUSIVE')
		)
		ON CONFLICT (resource_id, scope, owner_id, lock_type) WHERE is_active
		DO UPDATE SET expires_at = EXCLUDED.expires_at,
		              created_at = CASE
		                  WHEN resource_locks.expires_at > NOW() THEN resource_locks.created_at
		                  ELSE NOW()
		              END,
		              id = CASE
		                  WHEN resource_locks.expires_at > NOW() THEN resource_locks.id
		                  ELSE EXCLUDED.id
		              END
		RETURNING id, created_at, expires_at
	`, uuid.New().String(), resourceID, string(scope), ownerID, string(typ), lease).
		Scan(&l.ID, &l.CreatedAt, &l.ExpiresAt)

	if errors.Is(err, pgx.ErrNoRows) {
		// The conditional insert was filtered out: a blocking lock exists.
		// Read the holder inside the same transaction for the conflict payload.
		conflict := &ConflictError{}
		var typStr string
		qerr := tx.QueryRow(ctx, `
			SELECT owner_id, lock_type, expires_at
			FROM resource_locks
			WHERE resource_id = $1 AND scope = $2
			  AND is_active AND expires_at > NOW()
			  AND owner_id <> $3
			  AND ($4 = 'EXCLUSIVE' OR lock_type = 'EXCLUSIVE')
			ORDER BY expires_at DESC
			LIMIT 1
		`, resourceID, string(scope), ownerID, string(typ)).
			Scan(&conflict.HolderID, &typStr, &conflict.ExpiresAt)
		if qerr != nil {
			return nil, fmt.Errorf("read conflicting holder: %w", qerr)
		}
		conflict.Type = Type(typStr)
		if cerr := tx.Commit(ctx); cerr != nil {
			return nil, fmt.Errorf("commit acquire tx: %w", cerr)
		}
		return nil, conflict
	}
	if err != nil {
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit acquire tx: %w", err)
	}
	return l, nil
}

// Renew implements Store.Renew.
func (s *PostgresStore) Renew(ctx context.Context, resourceID string, scope Scope, ownerID string, lease time.Duration) (*Lock, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE resource_locks
		SET expires_at = NOW() + $4
		WHERE resource_id = $1 AND scope = $2 AND owner_id = $3
		  AND is_active AND expires_at > NOW()
		RETURNING id, lock_type, created_at, expires_at
	`, resourceID, string(scope), ownerID, lease)
	if err != nil {
		return nil, fmt.Errorf("renew lock: %w", err)
	}
	defer rows.Close()

	var renewed *Lock
	for rows.Next() {
		l := &Lock{ResourceID: resourceID, Scope: scope, OwnerID: ownerID, IsActive: true}
		var typStr string
		if err := rows.Scan(&l.ID, &typStr, &l.CreatedAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan renewed lock: %w", err)
		}
		l.Type = Type(typStr)
		if renewed == nil || l.Type == TypeExclusive {
			renewed = l
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if renewed != nil {
		return renewed, nil
	}

	// Nothing was extended; decide which expected outcome this is.
	var otherHolds bool
	err = s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM resource_locks
			WHERE resource_id = $1 AND scope = $2
			  AND is_active AND expires_at > NOW()
			  AND owner_id <> $3
		)
	`, resourceID, string(scope), ownerID).Scan(&otherHolds)
	if err != nil {
		return nil, fmt.Errorf("inspect pair after failed renew: %w", err)
	}
	if otherHolds {
		return nil, ErrNotOwner
	}
	return nil, ErrExpired
}

// Release implements Store.Release.
func (s *PostgresStore) Release(ctx context.Context, resourceID string, scope Scope, ownerID string, typ Type) error {
	_, err := s.db.Exec(ctx, `
		UPDATE resource_locks
		SET is_active = FALSE
		WHERE resource_id = $1 AND scope = $2 AND owner_id = $3
		  AND ($4 = '' OR lock_type = $4)
		  AND is_active
	`, resourceID, string(scope), ownerID, string(typ))
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// ForceRelease implements Store.ForceRelease.
func (s *PostgresStore) ForceRelease(ctx context.Context, resourceID string, scope Scope) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE resource_locks
		SET is_active = FALSE
		WHERE resource_id = $1 AND scope = $2
		  AND is_active AND expires_at > NOW()
	`, resourceID, string(scope))
	if err != nil {
		return 0, fmt.Errorf("force release: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get implements Store.Get.
func (s *PostgresStore) Get(ctx context.Context, resourceID string, scope Scope) ([]*Lock, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, resource_id, scope, owner_id, lock_type, is_active, created_at, expires_at
		FROM resource_locks
		WHERE resource_id = $1 AND scope = $2
		  AND is_active AND expires_at > NOW()
	`, resourceID, string(scope))
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []*Lock
	for rows.Next() {
		l := &Lock{}
		var scopeStr, typStr string
		if err := rows.Scan(&l.ID, &l.ResourceID, &scopeStr, &l.OwnerID, &typStr, &l.IsActive, &l.CreatedAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		l.Scope = Scope(scopeStr)
		l.Type = Type(typStr)
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// CountActive implements Store.CountActive.
func (s *PostgresStore) CountActive(ctx context.Context) (map[Scope]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT scope, COUNT(*)
		FROM resource_locks
		WHERE is_active AND expires_at > NOW()
		GROUP BY scope
	`)
	if err != nil {
		return nil, fmt.Errorf("count active locks: %w", err)
	}
	defer rows.Close()

	counts := make(map[Scope]int)
	for rows.Next() {
		var scopeStr string
		var n int
		if err := rows.Scan(&scopeStr, &n); err != nil {
			return nil, fmt.Errorf("scan lock count: %w", err)
		}
		counts[Scope(scopeStr)] = n
	}
	return counts, rows.Err()
}

// PurgeExpired implements Store.PurgeExpired.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM resource_locks WHERE NOT is_active OR expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)
