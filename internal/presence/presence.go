// Package presence is the cluster-wide CRDT-style membership map of serving
// nodes and relays (C7). Each process keeps a local last-writer-wins view,
// merges remote updates gossiped over internal/presence's Gossip transport,
// and serves debounced diffs to subscribers (typically Session Actors).
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/pkg/metrics"
)

// NodeInfo is what presence tracks about an online serving node.
type NodeInfo struct {
	SiteID  model.ID
	Version string
	PubKey  string
	IPv4    string
	IPv6    string
}

// RelayInfo is what presence tracks about an online relay.
type RelayInfo struct {
	IPv4        string
	IPv6        string
	Port        int
	Lat         *float64
	Lon         *float64
	StampSecret string
	Version     string
}

type entry[T any] struct {
	value     T
	online    bool
	updatedAt time.Time
}

// Registry is the per-process CRDT view. Concurrent-safe; every mutation is
// last-writer-wins keyed by the entry's own updatedAt, so gossiped updates
// can arrive out of order across the cluster without corrupting state.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[model.ID]entry[NodeInfo]
	relays map[model.ID]entry[RelayInfo]

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		nodes:  make(map[model.ID]entry[NodeInfo]),
		relays: make(map[model.ID]entry[RelayInfo]),
		subs:   make(map[*subscriber]struct{}),
	}
}

// JoinNode marks a serving node online as of now, the local LWW timestamp.
func (r *Registry) JoinNode(id model.ID, info NodeInfo) { r.applyNode(id, info, true, time.Now()) }

// LeaveNode marks a serving node offline as of now.
func (r *Registry) LeaveNode(id model.ID, info NodeInfo) { r.applyNode(id, info, false, time.Now()) }

// JoinRelay marks a relay online as of now.
func (r *Registry) JoinRelay(id model.ID, info RelayInfo) { r.applyRelay(id, info, true, time.Now()) }

// LeaveRelay marks a relay offline as of now.
func (r *Registry) LeaveRelay(id model.ID, info RelayInfo) { r.applyRelay(id, info, false, time.Now()) }

// ApplyRemoteNode merges a gossiped node update using its origin timestamp;
// it is a no-op if a newer local or previously-merged update already won.
func (r *Registry) ApplyRemoteNode(id model.ID, info NodeInfo, online bool, at time.Time) {
	r.applyNode(id, info, online, at)
}

// ApplyRemoteRelay is the relay analog of ApplyRemoteNode.
func (r *Registry) ApplyRemoteRelay(id model.ID, info RelayInfo, online bool, at time.Time) {
	r.applyRelay(id, info, online, at)
}

func (r *Registry) applyNode(id model.ID, info NodeInfo, online bool, at time.Time) {
	r.mu.Lock()
	cur, exists := r.nodes[id]
	if exists && cur.updatedAt.After(at) {
		r.mu.Unlock()
		return
	}
	r.nodes[id] = entry[NodeInfo]{value: info, online: online, updatedAt: at}
	r.mu.Unlock()
	r.notify(info.SiteID)
}

func (r *Registry) applyRelay(id model.ID, info RelayInfo, online bool, at time.Time) {
	r.mu.Lock()
	cur, exists := r.relays[id]
	if exists && cur.updatedAt.After(at) {
		r.mu.Unlock()
		return
	}
	r.relays[id] = entry[RelayInfo]{value: info, online: online, updatedAt: at}
	r.mu.Unlock()
	r.notify("")
}

// OnlineNodesForSite returns the ids of every online node registered to siteID.
func (r *Registry) OnlineNodesForSite(siteID model.ID) []model.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []model.ID
	for id, e := range r.nodes {
		if e.online && e.value.SiteID == siteID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// NodeInfo looks up a node's cached metadata, regardless of online state.
func (r *Registry) NodeInfo(id model.ID) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.nodes[id]
	return e.value, ok
}

// SiteHasOnlineNode reports whether any node in siteID is currently online.
func (r *Registry) SiteHasOnlineNode(siteID model.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.nodes {
		if e.online && e.value.SiteID == siteID {
			return true
		}
	}
	return false
}

// RelaySnapshot is one online relay as of a Snapshot() call.
type RelaySnapshot struct {
	ID model.ID
	RelayInfo
}

// Snapshot returns every currently online relay. Session Actors must call
// this once per debounce fire rather than caching a live view, to avoid
// racing a burst of join/leave events mid-computation.
func (r *Registry) Snapshot() []RelaySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RelaySnapshot, 0, len(r.relays))
	for id, e := range r.relays {
		if !e.online {
			continue
		}
		out = append(out, RelaySnapshot{ID: id, RelayInfo: e.value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	metrics.SetPresenceSize("relays", len(out))
	return out
}

// subscriber receives a signal (not a payload) whenever presence changes for
// a topic it cares about; the Session Actor debounces and re-reads Snapshot.
type subscriber struct {
	topic string // "" means "all", otherwise a site_id for node topics
	ch    chan struct{}
}

// Subscription is returned by Subscribe; C fires on every presence change
// relevant to topic, coalesced to one pending signal (never blocks notify).
type Subscription struct {
	C   <-chan struct{}
	reg *Registry
	sub *subscriber
}

// Subscribe registers interest in presence changes for topic: "" receives
// every change (relays and nodes alike), a site_id only node changes on that
// site.
func (r *Registry) Subscribe(topic string) *Subscription {
	s := &subscriber{topic: topic, ch: make(chan struct{}, 1)}
	r.subsMu.Lock()
	r.subs[s] = struct{}{}
	r.subsMu.Unlock()
	return &Subscription{C: s.ch, reg: r, sub: s}
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.reg.subsMu.Lock()
	delete(s.reg.subs, s.sub)
	s.reg.subsMu.Unlock()
}

func (r *Registry) notify(topic string) {
	metrics.RecordPresenceDiff(topicLabel(topic))
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for s := range r.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- struct{}{}:
		default:
			// already has a pending signal; debounced readers will catch up
		}
	}
}

func topicLabel(topic string) string {
	if topic == "" {
		return "relays"
	}
	return "nodes"
}
