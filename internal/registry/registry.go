// Package registry provides the cluster-wide name registration the
// Replication Manager (C3) uses to ensure exactly one Replication Connection
// runs per region. It is backed by a Postgres advisory-lock-style row so any
// gateway instance in the cluster can discover and link to the live owner.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAlreadyStarted is returned by Register when another process already
// owns the name; the caller should link to that owner instead of starting
// its own.
var ErrAlreadyStarted = errors.New("registry: already started")

// Registration is a live claim on a name, renewed by heartbeats until
// Release is called or the process dies and the lease expires.
type Registration struct {
	Name    string
	OwnerID string
}

// Registry is a pgxpool-backed table of (name, owner_id, expires_at) rows.
// Table shape (created out of band by migrations, not by this package):
//
//	CREATE TABLE gateway_registry (
//	  name TEXT PRIMARY KEY,
//	  owner_id TEXT NOT NULL,
//	  expires_at TIMESTAMPTZ NOT NULL
//	);
type Registry struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// New builds a Registry against an existing pool, with leases valid for ttl
// (renew well within this window).
func New(pool *pgxpool.Pool, ttl time.Duration) *Registry {
	return &Registry{pool: pool, ttl: ttl}
}

// Register attempts to claim name for ownerID. It succeeds if no live
// registration exists, or the existing one has expired. Otherwise it returns
// ErrAlreadyStarted along with the current owner so the caller can link to it.
func (r *Registry) Register(ctx context.Context, name, ownerID string) (*Registration, string, error) {
	expiresAt := time.Now().Add(r.ttl)

	var currentOwner string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO gateway_registry (name, owner_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
			SET owner_id = EXCLUDED.owner_id, expires_at = EXCLUDED.expires_at
			WHERE gateway_registry.expires_at < now()
		RETURNING owner_id
	`, name, ownerID, expiresAt).Scan(&currentOwner)

	if errors.Is(err, pgx.ErrNoRows) {
		// The row exists and is still live but wasn't ours to take over.
		var owner string
		if qerr := r.pool.QueryRow(ctx, `SELECT owner_id FROM gateway_registry WHERE name = $1`, name).Scan(&owner); qerr != nil {
			return nil, "", fmt.Errorf("registry: lookup current owner: %w", qerr)
		}
		return nil, owner, ErrAlreadyStarted
	}
	if err != nil {
		return nil, "", fmt.Errorf("registry: register %s: %w", name, err)
	}

	if currentOwner != ownerID {
		return nil, currentOwner, ErrAlreadyStarted
	}

	return &Registration{Name: name, OwnerID: ownerID}, ownerID, nil
}

// Renew extends a held Registration's lease. Callers should renew at roughly
// ttl/3 so a single missed tick does not lose ownership.
func (r *Registry) Renew(ctx context.Context, reg *Registration) error {
	expiresAt := time.Now().Add(r.ttl)
	tag, err := r.pool.Exec(ctx, `
		UPDATE gateway_registry SET expires_at = $3
		WHERE name = $1 AND owner_id = $2
	`, reg.Name, reg.OwnerID, expiresAt)
	if err != nil {
		return fmt.Errorf("registry: renew %s: %w", reg.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry: renew %s: lease lost", reg.Name)
	}
	return nil
}

// Release drops a held Registration immediately, letting another process
// take over without waiting for the lease to expire.
func (r *Registry) Release(ctx context.Context, reg *Registration) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM gateway_registry WHERE name = $1 AND owner_id = $2
	`, reg.Name, reg.OwnerID)
	if err != nil {
		return fmt.Errorf("registry: release %s: %w", reg.Name, err)
	}
	return nil
}

// Owner reports the current live owner of name, or "" if unregistered/expired.
func (r *Registry) Owner(ctx context.Context, name string) (string, error) {
	var owner string
	err := r.pool.QueryRow(ctx, `
		SELECT owner_id FROM gateway_registry WHERE name = $1 AND expires_at >= now()
	`, name).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("registry: owner %s: %w", name, err)
	}
	return owner, nil
}
