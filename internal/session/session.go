// Package session implements the Session Actor (C6): one goroutine per
// connected client websocket. It loads the account's policy/group/resource
// graph, maintains that client's Authorization Cache, keeps two TURN relays
// resolved against Presence, and pushes resource/relay/flow frames to the
// client in the order spec.md §4.6 requires.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/r3e-network/accessplane/infrastructure/errors"
	"github.com/r3e-network/accessplane/internal/authcache"
	"github.com/r3e-network/accessplane/internal/changebus"
	"github.com/r3e-network/accessplane/internal/flow"
	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/internal/presence"
	"github.com/r3e-network/accessplane/internal/wireproto"
	"github.com/r3e-network/accessplane/pkg/logger"
	"github.com/r3e-network/accessplane/pkg/metrics"
)

const (
	defaultRecomputeInterval = 60 * time.Second
	defaultRelayDebounce     = time.Second
	relayCredentialTTL       = time.Hour
)

// Graph is everything Init loads in one shot: the account/client/credential
// rows plus the full policy/group/resource graph scoped to the account.
type Graph struct {
	Account    model.Account
	Client     model.Client
	Credential model.Credential
	GroupIDs   []model.ID
	Policies   []model.Policy
	Resources  []model.ResourceSnapshot
}

// GraphLoader performs the single init read against the replica, per
// spec.md §4.6 step 1.
type GraphLoader interface {
	LoadGraph(ctx context.Context, accountID, clientID model.ID) (Graph, error)
}

// Pusher delivers one outbound frame to the client's websocket connection.
type Pusher interface {
	Push(envelope wireproto.Envelope) error
}

// Config tunes the Session Actor's periodic behavior.
type Config struct {
	RecomputeInterval time.Duration
	RelayDebounce     time.Duration
	MaxExpiryWindow   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = defaultRecomputeInterval
	}
	if c.RelayDebounce <= 0 {
		c.RelayDebounce = defaultRelayDebounce
	}
	return c
}

// Actor is one client's Session Actor. It owns its state exclusively; Run
// must be called from exactly one goroutine, per spec.md §5's shared-nothing
// actor model.
type Actor struct {
	accountID model.ID
	client    model.Client
	subject   model.Subject // RemoteIP/Country/Posture fixed at connect; Now is refreshed per evaluation

	clientLat, clientLon *float64
	clientPubKey         string

	loader   GraphLoader
	pusher   Pusher
	bus      *changebus.Bus
	presence *presence.Registry
	flow     *flow.Coordinator
	log      *logger.Logger
	cfg      Config

	cache         *authcache.Cache
	accountConfig string
	lastSeenLSN   uint64

	cachedRelayIDs map[model.ID]struct{}
	relayRef       uint64
	relayFireCh    chan uint64

	terminated bool
}

// New constructs a Session Actor. clientLat/clientLon/clientPubKey come from
// the websocket handshake (geo-IP lookup and the device's WireGuard key).
// cache must be the same *authcache.Cache backing coordinator: the Flow
// Handshake's AuthorizeResource call and this actor's connectable-set pushes
// have to agree on one client's authorization state.
func New(accountID model.ID, client model.Client, subject model.Subject, clientLat, clientLon *float64, clientPubKey string, loader GraphLoader, pusher Pusher, bus *changebus.Bus, reg *presence.Registry, coordinator *flow.Coordinator, cache *authcache.Cache, cfg Config, log *logger.Logger) *Actor {
	return &Actor{
		accountID:      accountID,
		client:         client,
		subject:        subject,
		clientLat:      clientLat,
		clientLon:      clientLon,
		clientPubKey:   clientPubKey,
		loader:         loader,
		pusher:         pusher,
		bus:            bus,
		presence:       reg,
		flow:           coordinator,
		cache:          cache,
		log:            log,
		cfg:            cfg.withDefaults(),
		cachedRelayIDs: make(map[model.ID]struct{}),
		relayFireCh:    make(chan uint64, 1),
	}
}

// subjectNow returns a fresh Subject snapshot for condition evaluation: the
// connection's fixed attributes with the current wall-clock time.
func (a *Actor) subjectNow() model.Subject {
	s := a.subject
	s.Now = time.Now()
	return s
}

// Run performs initialization (spec.md §4.6 steps 1-6) then drives the event
// loop until ctx is cancelled or the client is deleted. It returns nil on a
// clean shutdown.
func (a *Actor) Run(ctx context.Context) error {
	graph, err := a.loader.LoadGraph(ctx, a.accountID, a.client.ID)
	if err != nil {
		return err
	}
	a.client = graph.Client
	a.accountConfig = graph.Account.Config

	a.cache.Reinitialize(graph.Credential.ExpiresAt)
	for _, r := range graph.Resources {
		a.cache.SetResource(r)
	}
	now := a.subjectNow()
	for _, groupID := range graph.GroupIDs {
		a.cache.AddMembership(groupID, now)
	}
	for _, p := range graph.Policies {
		a.cache.AddPolicy(p, now)
	}
	a.cache.RecomputeConnectableResources(now)

	if err := a.pushInitFrame(graph.Account); err != nil {
		return err
	}

	busSub := a.bus.Subscribe(ctx, a.accountID)
	defer busSub.Close()

	presenceSub := a.presence.Subscribe("")
	defer presenceSub.Close()

	recomputeTicker := time.NewTicker(a.cfg.RecomputeInterval)
	defer recomputeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case change, ok := <-busSub.C:
			if !ok {
				return nil // bus dropped us; caller should reconnect
			}
			a.handleChange(change)
			if a.terminated {
				return nil
			}

		case <-recomputeTicker.C:
			a.pushResourceDelta(a.cache.RecomputeConnectableResources(a.subjectNow()))

		case <-presenceSub.C:
			a.armRelayDebounce()

		case ref := <-a.relayFireCh:
			if ref == a.relayRef {
				a.recomputeRelays()
			}
		}
	}
}

func (a *Actor) pushInitFrame(account model.Account) error {
	selected := a.presence.SelectRelays(a.clientLat, a.clientLon)
	relayFrames := make([]wireproto.RelayFrame, 0, len(selected))
	for _, r := range selected {
		relayFrames = append(relayFrames, wireproto.BuildRelayFrame(r, a.clientPubKey, time.Now().Add(relayCredentialTTL)))
		a.cachedRelayIDs[r.ID] = struct{}{}
	}

	resources := make([]wireproto.ResourceFrame, 0, len(a.cache.Connectable))
	for id := range a.cache.Connectable {
		resources = append(resources, a.resourceFrame(id))
	}

	return a.push(wireproto.Envelope{
		Event: wireproto.EventInit,
		Payload: wireproto.InitFrame{
			Resources: resources,
			Relays:    relayFrames,
			Interface: wireproto.InterfaceInfo{}, // account-scoped config, not modeled further
		},
	})
}

func (a *Actor) resourceFrame(id model.ID) wireproto.ResourceFrame {
	snap, _ := a.cache.ResourceSnapshot(id)
	return a.resourceFrameFromSnapshot(snap)
}

func (a *Actor) push(env wireproto.Envelope) error {
	if err := a.pusher.Push(env); err != nil {
		a.log.WithError(err).Warn("session: failed to push frame to client")
		return err
	}
	metrics.RecordSessionPush(env.Event)
	return nil
}

// pushResourceDelta implements the push-ordering invariant of spec.md §4.6:
// resource_deleted for every removed id first, then
// resource_created_or_updated for every added resource.
func (a *Actor) pushResourceDelta(delta authcache.Delta) {
	for _, id := range delta.Removed {
		_ = a.push(wireproto.Envelope{Event: wireproto.EventResourceDeleted, Payload: wireproto.ResourceDeleted{ID: id}})
	}
	for _, r := range delta.Added {
		_ = a.push(wireproto.Envelope{Event: wireproto.EventResourceCreatedOrUpdated, Payload: a.resourceFrameFromSnapshot(r)})
	}
}

func (a *Actor) resourceFrameFromSnapshot(snap model.ResourceSnapshot) wireproto.ResourceFrame {
	var ipStack []string
	if snap.IPStack != "" {
		ipStack = []string{snap.IPStack}
	}
	return wireproto.ResourceFrame{
		ID:      snap.ID,
		Type:    snap.Type,
		Address: snap.Address,
		Name:    snap.Name,
		IPStack: ipStack,
		Filters: snap.Filters,
	}
}

// armRelayDebounce implements spec.md §4.6's relay-presence debounce: a
// single-shot timer identified by an opaque, monotonically increasing ref;
// a fire whose ref no longer matches a.relayRef is stale and discarded.
func (a *Actor) armRelayDebounce() {
	a.relayRef++
	ref := a.relayRef
	time.AfterFunc(a.cfg.RelayDebounce, func() {
		select {
		case a.relayFireCh <- ref:
		default:
		}
	})
}

// recomputeRelays re-resolves the client's two relays and pushes a diff only
// when a cached relay went offline, or fewer than two are cached while more
// are available, per spec.md §4.6/§4.7.
func (a *Actor) recomputeRelays() {
	online := a.presence.Snapshot()
	onlineIDs := make(map[model.ID]struct{}, len(online))
	for _, r := range online {
		onlineIDs[r.ID] = struct{}{}
	}

	absent := false
	for id := range a.cachedRelayIDs {
		if _, ok := onlineIDs[id]; !ok {
			absent = true
			break
		}
	}
	needMore := len(a.cachedRelayIDs) < 2 && len(online) > len(a.cachedRelayIDs)
	if !absent && !needMore {
		return
	}

	selected := a.presence.SelectRelays(a.clientLat, a.clientLon)
	newIDs := make(map[model.ID]struct{}, len(selected))
	connected := make([]wireproto.RelayFrame, 0, len(selected))
	for _, r := range selected {
		newIDs[r.ID] = struct{}{}
		connected = append(connected, wireproto.BuildRelayFrame(r, a.clientPubKey, time.Now().Add(relayCredentialTTL)))
	}

	var disconnected []model.ID
	for id := range a.cachedRelayIDs {
		if _, ok := newIDs[id]; !ok {
			disconnected = append(disconnected, id)
		}
	}
	if len(disconnected) == 0 && len(connected) == 0 {
		return
	}

	_ = a.push(wireproto.Envelope{Event: wireproto.EventRelaysPresence, Payload: wireproto.RelaysPresence{
		DisconnectedIDs: disconnected,
		Connected:       connected,
	}})
	a.cachedRelayIDs = newIDs
}

// handleChange dispatches one ordered Change by entity type, per spec.md
// §4.6's event-handling table, and advances last_seen_lsn.
func (a *Actor) handleChange(change changebus.Change) {
	if change.LSN <= a.lastSeenLSN {
		return
	}
	switch bareTableName(change.Table) {
	case "accounts":
		a.onAccountChange(change)
	case "clients":
		a.onClientChange(change)
	case "sites":
		a.onSiteChange(change)
	case "memberships":
		a.onMembershipChange(change)
	case "policies":
		a.onPolicyChange(change)
	case "resources":
		a.onResourceChange(change)
	}
	a.lastSeenLSN = change.LSN
}

// bareTableName strips the schema qualifier internal/replication attaches
// (e.g. "public.accounts"), tolerating bare names in tests and other callers.
func bareTableName(table string) string {
	if i := strings.LastIndexByte(table, '.'); i >= 0 {
		return table[i+1:]
	}
	return table
}

func (a *Actor) onAccountChange(change changebus.Change) {
	row := change.New
	if row == nil {
		return
	}
	config := str(row, "config")
	if config == a.accountConfig {
		return
	}
	a.accountConfig = config
	_ = a.push(wireproto.Envelope{Event: wireproto.EventConfigChanged, Payload: wireproto.ConfigChanged{Interface: wireproto.InterfaceInfo{}}})
}

func (a *Actor) onClientChange(change changebus.Change) {
	switch change.Op {
	case changebus.OpDelete:
		row := change.Old
		if row != nil && str(row, "id") == a.client.ID {
			a.terminated = true
		}
	case changebus.OpUpdate:
		row := change.New
		if row == nil || str(row, "id") != a.client.ID {
			return
		}
		newVerifiedAt := timePtr(row, "verified_at")
		if timeEqual(newVerifiedAt, a.client.VerifiedAt) {
			return
		}
		a.client.VerifiedAt = newVerifiedAt
		a.pushResourceDelta(a.cache.RecomputeConnectableResources(a.subjectNow()))
	}
}

func (a *Actor) onSiteChange(change changebus.Change) {
	if change.Op != changebus.OpUpdate || change.Old == nil || change.New == nil {
		return
	}
	oldName := str(change.Old, "name")
	newName := str(change.New, "name")
	if oldName == newName {
		return
	}
	siteID := str(change.New, "id")
	a.pushResourceDelta(a.cache.UpdateResourcesWithSiteName(siteID, newName, a.subjectNow()))
}

func (a *Actor) onMembershipChange(change changebus.Change) {
	switch change.Op {
	case changebus.OpInsert:
		row := change.New
		if row == nil || str(row, "actor_id") != a.client.ActorID {
			return
		}
		a.pushResourceDelta(a.cache.AddMembership(str(row, "group_id"), a.subjectNow()))
	case changebus.OpDelete:
		row := change.Old
		if row == nil || str(row, "actor_id") != a.client.ActorID {
			return
		}
		a.pushResourceDelta(a.cache.RemoveMembership(str(row, "group_id"), a.subjectNow()))
	}
}

func (a *Actor) onPolicyChange(change changebus.Change) {
	switch change.Op {
	case changebus.OpInsert:
		a.pushResourceDelta(a.cache.AddPolicy(policyFromRow(change.New), a.subjectNow()))
	case changebus.OpUpdate:
		// authcache.UpdatePolicy already implements spec.md §4.6's
		// structural-change-vs-in-place-update distinction.
		a.pushResourceDelta(a.cache.UpdatePolicy(policyFromRow(change.New), a.subjectNow()))
	case changebus.OpDelete:
		a.pushResourceDelta(a.cache.DeletePolicy(str(change.Old, "id"), a.subjectNow()))
	}
}

func (a *Actor) onResourceChange(change changebus.Change) {
	switch change.Op {
	case changebus.OpInsert, changebus.OpUpdate:
		if timePtr(change.New, "deleted_at") != nil {
			// soft delete: the row remains but the resource is gone
			a.pushResourceDelta(a.cache.DeleteResource(str(change.New, "id"), a.subjectNow()))
			return
		}
		// authcache.UpdateResource already cascades a site change into a
		// clean delete-then-create pair.
		a.pushResourceDelta(a.cache.UpdateResource(resourceFromRow(change.New), a.subjectNow()))
	case changebus.OpDelete:
		a.pushResourceDelta(a.cache.DeleteResource(str(change.Old, "id"), a.subjectNow()))
	}
}

func reasonFromError(code errors.ErrorCode) wireproto.FlowFailureReason {
	switch code {
	case errors.ErrCodeNotFound:
		return wireproto.ReasonNotFound
	case errors.ErrCodeForbidden:
		return wireproto.ReasonForbidden
	case errors.ErrCodeVersionMismatch:
		return wireproto.ReasonVersionMismatch
	default:
		return wireproto.ReasonOffline
	}
}

func violatedProperties(svcErr *errors.ServiceError) []string {
	raw, ok := svcErr.Details["violated_properties"]
	if !ok {
		return nil
	}
	props, _ := raw.([]string)
	return props
}

// CreateFlow is the client-facing entrypoint for the create_flow event; it
// delegates to the Flow Handshake Coordinator (C8).
func (a *Actor) CreateFlow(ctx context.Context, req wireproto.CreateFlowRequest) {
	created, svcErr := a.flow.CreateFlow(ctx, a.client, a.subjectNow(), req)
	if svcErr != nil {
		_ = a.push(wireproto.Envelope{Event: wireproto.EventFlowCreationFailed, Payload: wireproto.FlowCreationFailed{
			ResourceID:         req.ResourceID,
			Reason:             reasonFromError(svcErr.Code),
			ViolatedProperties: violatedProperties(svcErr),
		}})
		return
	}
	_ = a.push(wireproto.Envelope{Event: wireproto.EventFlowCreated, Payload: created})
}
