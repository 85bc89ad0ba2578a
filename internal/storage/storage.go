// Package storage implements the Session Actor's single init read (spec.md
// §4.6 step 1) and the Flow Handshake's audit write (spec.md §4.8 step 4)
// against the same Postgres replica/primary the Replication Connection (C2)
// streams from.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/internal/session"
)

// Store answers a Session Actor's GraphLoader and a Flow Coordinator's
// AuditStore against one pgxpool.Pool.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store against an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// LoadGraph implements session.GraphLoader: one read of the account/client/
// credential rows plus the full policy/group/resource graph scoped to the
// account, per spec.md §4.6 step 1.
func (s *Store) LoadGraph(ctx context.Context, accountID, clientID model.ID) (session.Graph, error) {
	var g session.Graph

	err := s.pool.QueryRow(ctx, `
		SELECT id, name, config, created_at, updated_at, deleted_at
		FROM accounts WHERE id = $1`, accountID,
	).Scan(&g.Account.ID, &g.Account.Name, &g.Account.Config, &g.Account.CreatedAt, &g.Account.UpdatedAt, &g.Account.DeletedAt)
	if err != nil {
		return g, fmt.Errorf("storage: load account %s: %w", accountID, err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT id, account_id, actor_id, external_id, name, verified_at, deleted_at
		FROM clients WHERE id = $1`, clientID,
	).Scan(&g.Client.ID, &g.Client.AccountID, &g.Client.ActorID, &g.Client.ExternalID, &g.Client.Name, &g.Client.VerifiedAt, &g.Client.DeletedAt)
	if err != nil {
		return g, fmt.Errorf("storage: load client %s: %w", clientID, err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT id, client_id, expires_at, remote_ip, user_agent, geo
		FROM credentials WHERE client_id = $1 ORDER BY expires_at DESC LIMIT 1`, clientID,
	).Scan(&g.Credential.ID, &g.Credential.ClientID, &g.Credential.ExpiresAt, &g.Credential.RemoteIP, &g.Credential.UserAgent, &g.Credential.Geo)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return g, fmt.Errorf("storage: load credential for client %s: %w", clientID, err)
	}

	groupIDs, err := s.loadGroupIDs(ctx, g.Client.ActorID)
	if err != nil {
		return g, err
	}
	g.GroupIDs = groupIDs

	policies, err := s.loadPolicies(ctx, accountID)
	if err != nil {
		return g, err
	}
	g.Policies = policies

	resources, err := s.loadResources(ctx, accountID)
	if err != nil {
		return g, err
	}
	g.Resources = resources

	return g, nil
}

func (s *Store) loadGroupIDs(ctx context.Context, actorID model.ID) ([]model.ID, error) {
	rows, err := s.pool.Query(ctx, `SELECT group_id FROM memberships WHERE actor_id = $1`, actorID)
	if err != nil {
		return nil, fmt.Errorf("storage: load memberships for actor %s: %w", actorID, err)
	}
	defer rows.Close()

	var ids []model.ID
	for rows.Next() {
		var id model.ID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan membership: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) loadPolicies(ctx context.Context, accountID model.ID) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, group_id, resource_id, conditions, disabled_at, deleted_at
		FROM policies WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage: load policies for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		var p model.Policy
		var rawConditions []byte
		if err := rows.Scan(&p.ID, &p.AccountID, &p.GroupID, &p.ResourceID, &rawConditions, &p.DisabledAt, &p.DeletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		if len(rawConditions) > 0 {
			if err := json.Unmarshal(rawConditions, &p.Conditions); err != nil {
				return nil, fmt.Errorf("storage: decode conditions for policy %s: %w", p.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) loadResources(ctx context.Context, accountID model.ID) ([]model.ResourceSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, site_id, type, address, name, ip_stack, filters
		FROM resources WHERE account_id = $1 AND deleted_at IS NULL`, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage: load resources for account %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []model.ResourceSnapshot
	for rows.Next() {
		var r model.ResourceSnapshot
		var rawFilters []byte
		if err := rows.Scan(&r.ID, &r.SiteID, &r.Type, &r.Address, &r.Name, &r.IPStack, &rawFilters); err != nil {
			return nil, fmt.Errorf("storage: scan resource: %w", err)
		}
		if len(rawFilters) > 0 {
			if err := json.Unmarshal(rawFilters, &r.Filters); err != nil {
				return nil, fmt.Errorf("storage: decode filters for resource %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertPolicyAuthorization implements flow.AuditStore, per spec.md §4.8
// step 4: the audit row is always inserted, whether or not auth.ID was
// already minted by the caller.
func (s *Store) InsertPolicyAuthorization(ctx context.Context, auth model.PolicyAuthorization) error {
	if auth.ID == "" {
		auth.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO policy_authorizations
			(id, token, policy_id, client_id, serving_node_id, resource_id, membership_id, expires_at, client_ip, client_ua, gateway_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, now())`,
		auth.ID, auth.Token, auth.PolicyID, auth.ClientID, auth.ServingNodeID, auth.ResourceID,
		auth.MembershipID, auth.ExpiresAt, auth.ClientIP, auth.ClientUA, auth.GatewayIP,
	)
	if err != nil {
		return fmt.Errorf("storage: insert policy authorization: %w", err)
	}
	return nil
}
