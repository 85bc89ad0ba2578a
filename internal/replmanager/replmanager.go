// Package replmanager supervises a region's Replication Connection (C3):
// ensures exactly one is live cluster-wide via internal/registry leader
// election, restarts it on exit, and ignores failures from other regions.
package replmanager

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/accessplane/internal/registry"
	"github.com/r3e-network/accessplane/pkg/logger"
	"github.com/r3e-network/accessplane/pkg/metrics"
)

// Runner is the subset of *replication.Connection the Manager drives. An
// interface here keeps this package testable without a live Postgres
// connection.
type Runner interface {
	Run(ctx context.Context) error
}

// registrar is the subset of *registry.Registry the Manager needs; narrowing
// it to an interface lets tests exercise the retry/restart state machine
// against an in-memory fake instead of a live Postgres-backed Registry.
type registrar interface {
	Register(ctx context.Context, name, ownerID string) (*registry.Registration, string, error)
	Renew(ctx context.Context, reg *registry.Registration) error
	Release(ctx context.Context, reg *registry.Registration) error
	Owner(ctx context.Context, name string) (string, error)
}

// retryInterval is a var, not a const, so tests can shrink it instead of
// waiting out the real 5s spec.md §4.3 interval.
var retryInterval = 5 * time.Second

const maxAttempts = 12

// Manager owns the retry/restart loop for one region's Replication
// Connection, linked through a cluster-wide name registry so only one
// process per region actually streams.
type Manager struct {
	region    string
	reg       registrar
	newRunner func() Runner
	ownerID   string
	log       *logger.Logger
}

// New constructs a Manager for region. newRunner builds a fresh Runner on
// every (re)start, since a Connection is single-use once Run returns.
func New(region string, reg *registry.Registry, newRunner func() Runner, log *logger.Logger) *Manager {
	return &Manager{
		region:    region,
		reg:       reg,
		newRunner: newRunner,
		ownerID:   uuid.NewString(),
		log:       log,
	}
}

// Run blocks until ctx is cancelled, restarting the region's Replication
// Connection any time it exits, and retrying registration up to maxAttempts
// times with retryInterval between attempts before surrendering to the
// process supervisor above it.
func (m *Manager) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		if err := m.runOnce(ctx); err != nil {
			m.log.WithError(err).WithField("region", m.region).WithField("attempt", attempt).
				Warn("replmanager: registration attempt failed")
			metrics.RecordReplicationRestart(m.region, "registration_failed")

			if attempt >= maxAttempts {
				return errors.New("replmanager: exhausted registration attempts for region " + m.region)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryInterval):
			}
			continue
		}

		// runOnce returned nil: the linked Connection exited cleanly (a
		// disconnect, per spec.md §4.2) or ctx was cancelled. Either way,
		// restart immediately unless we're shutting down.
		if ctx.Err() != nil {
			return nil
		}
		metrics.RecordReplicationRestart(m.region, "connection_exited")
		attempt = 0
	}
}

// runOnce registers this process as the region's Replication Connection
// owner (or links to whoever already holds it) and, only if this process
// won the registration, runs the Connection until it exits.
func (m *Manager) runOnce(ctx context.Context) error {
	name := "replication_connection:" + m.region

	reg, owner, err := m.reg.Register(ctx, name, m.ownerID)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyStarted) {
			m.log.WithField("region", m.region).WithField("owner", owner).
				Info("replmanager: connection already owned elsewhere, linking")
			return m.watchRemoteOwner(ctx, name, owner)
		}
		return err
	}

	renewCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.renewLoop(renewCtx, reg)

	runner := m.newRunner()
	err = runner.Run(ctx)
	releaseErr := m.reg.Release(context.Background(), reg)
	if err != nil {
		return err
	}
	return releaseErr
}

func (m *Manager) renewLoop(ctx context.Context, reg *registry.Registration) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.reg.Renew(ctx, reg); err != nil {
				m.log.WithError(err).WithField("region", m.region).Warn("replmanager: renew failed")
			}
		}
	}
}

// watchRemoteOwner polls the registry for the linked pid's liveness, per
// spec.md §4.3's "trap-exit on the linked pid": when the registry entry
// disappears or changes owner, this process attempts to take over.
func (m *Manager) watchRemoteOwner(ctx context.Context, name, owner string) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current, err := m.reg.Owner(ctx, name)
			if err != nil {
				m.log.WithError(err).WithField("region", m.region).Warn("replmanager: owner lookup failed")
				continue
			}
			if current == "" || current != owner {
				// entry expired or changed hands: attempt to take over.
				return nil
			}
		}
	}
}
