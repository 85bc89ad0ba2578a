// Package changebus fans out replication Change records to per-account
// subscribers, in LSN order, dropping a subscriber (never a message) when it
// falls behind.
package changebus

import (
	"context"
	"sync"

	"github.com/r3e-network/accessplane/pkg/metrics"
)

// Op is the kind of row mutation a Change carries.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one committed row mutation, ordered by LSN.
type Change struct {
	LSN   uint64
	Op    Op
	Table string
	Old   map[string]interface{}
	New   map[string]interface{}
}

// AccountID extracts the owning account from whichever tuple side is present.
func (c Change) AccountID() string {
	row := c.New
	if row == nil {
		row = c.Old
	}
	if row == nil {
		return ""
	}
	if v, ok := row["account_id"].(string); ok {
		return v
	}
	return ""
}

// subscriberQueueDepth bounds a subscriber's backlog before it is dropped.
// Per spec.md §4.4/§9, a slow subscriber is dropped rather than allowed to
// grow its mailbox without bound or block the bus.
const subscriberQueueDepth = 1024

type subscriber struct {
	accountID string
	ch        chan Change
	ctx       context.Context
	cancel    context.CancelFunc
}

// Bus fans out Changes to subscribers keyed by account_id, in LSN order.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{} // account_id -> set
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscriber]struct{})}
}

// Subscription is a live feed of Changes scoped to one account. The caller
// must range over C until it closes (the bus dropped them) or call Close to
// unsubscribe voluntarily.
type Subscription struct {
	C      <-chan Change
	bus    *Bus
	sub    *subscriber
}

// Subscribe joins the bus for accountID. The subscriber receives only
// Changes published after this call; no replay is offered (per spec.md §4.4,
// callers must initialize their own state before subscribing).
func (b *Bus) Subscribe(ctx context.Context, accountID string) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscriber{
		accountID: accountID,
		ch:        make(chan Change, subscriberQueueDepth),
		ctx:       ctx,
		cancel:    cancel,
	}

	b.mu.Lock()
	if b.subs[accountID] == nil {
		b.subs[accountID] = make(map[*subscriber]struct{})
	}
	b.subs[accountID][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.drop(s)
	}()

	return &Subscription{C: s.ch, bus: b, sub: s}
}

// Close unsubscribes, releasing the underlying channel.
func (s *Subscription) Close() {
	s.sub.cancel()
}

func (b *Bus) drop(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.accountID]
	if set == nil {
		return
	}
	if _, ok := set[s]; ok {
		delete(set, s)
		close(s.ch)
		if len(set) == 0 {
			delete(b.subs, s.accountID)
		}
	}
}

// Publish delivers change to every live subscriber of its account, in the
// order Publish is called (the bus never reorders). A subscriber whose
// channel is full is dropped instead of blocking the publisher or the other
// subscribers.
func (b *Bus) Publish(change Change) {
	accountID := change.AccountID()
	if accountID == "" {
		return
	}

	b.mu.RLock()
	set := b.subs[accountID]
	subs := make([]*subscriber, 0, len(set))
	for s := range set {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- change:
			metrics.RecordChangeBusFanout(change.Table, nil)
		default:
			metrics.RecordChangeBusDropped(change.Table)
			s.cancel() // slow subscriber: drop it, its session reconnects
		}
	}
}

// SubscriberCount reports the live subscriber count for an account, for
// metrics and tests.
func (b *Bus) SubscriberCount(accountID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[accountID])
}
