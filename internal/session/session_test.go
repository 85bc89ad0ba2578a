package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/accessplane/internal/authcache"
	"github.com/r3e-network/accessplane/internal/changebus"
	"github.com/r3e-network/accessplane/internal/flow"
	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/internal/presence"
	"github.com/r3e-network/accessplane/internal/wireproto"
	"github.com/r3e-network/accessplane/pkg/logger"
)

func silentLogger() *logger.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logger.Logger{Logger: l}
}

type fakeLoader struct {
	graph Graph
	err   error
}

func (f *fakeLoader) LoadGraph(ctx context.Context, accountID, clientID model.ID) (Graph, error) {
	return f.graph, f.err
}

type fakePusher struct {
	mu   sync.Mutex
	envs []wireproto.Envelope
}

func (f *fakePusher) Push(env wireproto.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakePusher) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.envs))
	for i, e := range f.envs {
		out[i] = e.Event
	}
	return out
}

func (f *fakePusher) last() wireproto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envs[len(f.envs)-1]
}

func baseGraph() Graph {
	return Graph{
		Account:    model.Account{ID: "acct-1", Config: "v1"},
		Client:     model.Client{ID: "client-1", AccountID: "acct-1", ActorID: "actor-1"},
		Credential: model.Credential{ClientID: "client-1", ExpiresAt: time.Now().Add(time.Hour)},
		GroupIDs:   []model.ID{"group-1"},
		Policies:   []model.Policy{{ID: "policy-1", GroupID: "group-1", ResourceID: "resource-1"}},
		Resources:  []model.ResourceSnapshot{{ID: "resource-1", SiteID: "", Address: "10.0.0.1", Name: "res-1"}},
	}
}

func newTestActor(graph Graph, loader GraphLoader, pusher Pusher, bus *changebus.Bus, reg *presence.Registry) *Actor {
	if loader == nil {
		loader = &fakeLoader{graph: graph}
	}
	if bus == nil {
		bus = changebus.New()
	}
	if reg == nil {
		reg = presence.New()
	}
	cache := authcache.New(func(model.ID) bool { return true }, time.Now().Add(time.Hour), time.Hour)
	coord := flow.New(cache, reg, nil, nil, time.Second, silentLogger())
	return New("acct-1", model.Client{ID: "client-1"}, model.Subject{RemoteIP: "1.2.3.4"}, nil, nil, "client-pub", loader, pusher, bus, reg, coord, cache, Config{RecomputeInterval: time.Hour, RelayDebounce: 5 * time.Millisecond}, silentLogger())
}

func TestRunPushesInitFrameWithConnectableResources(t *testing.T) {
	graph := baseGraph()
	pusher := &fakePusher{}
	actor := newTestActor(graph, nil, pusher, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		actor.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	events := pusher.events()
	if len(events) == 0 || events[0] != wireproto.EventInit {
		t.Fatalf("expected first pushed event to be init, got %v", events)
	}
	init := pusher.envs[0].Payload.(wireproto.InitFrame)
	if len(init.Resources) != 1 || init.Resources[0].ID != "resource-1" {
		t.Fatalf("expected resource-1 in init frame, got %+v", init.Resources)
	}
}

func TestHandleChangeAccountConfigPushesConfigChanged(t *testing.T) {
	graph := baseGraph()
	pusher := &fakePusher{}
	bus := changebus.New()
	actor := newTestActor(graph, nil, pusher, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	bus.Publish(changebus.Change{LSN: 1, Op: changebus.OpUpdate, Table: "accounts", New: map[string]interface{}{"id": "acct-1", "account_id": "acct-1", "config": "v2"}})
	time.Sleep(10 * time.Millisecond)
	cancel()

	found := false
	for _, e := range pusher.events() {
		if e == wireproto.EventConfigChanged {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected config_changed to be pushed, got %v", pusher.events())
	}
}

func TestHandleChangeClientSelfDeleteTerminatesSession(t *testing.T) {
	graph := baseGraph()
	pusher := &fakePusher{}
	bus := changebus.New()
	actor := newTestActor(graph, nil, pusher, bus, nil)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- actor.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	bus.Publish(changebus.Change{LSN: 1, Op: changebus.OpDelete, Table: "clients", Old: map[string]interface{}{"id": "client-1", "account_id": "acct-1"}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after client self-delete")
	}
}

func TestHandleChangeMembershipAddAndRemove(t *testing.T) {
	graph := baseGraph()
	graph.GroupIDs = nil // client starts with no memberships
	pusher := &fakePusher{}
	bus := changebus.New()
	actor := newTestActor(graph, nil, pusher, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	// with no membership, resource-1 should not appear in init.
	init := pusher.envs[0].Payload.(wireproto.InitFrame)
	if len(init.Resources) != 0 {
		t.Fatalf("expected no connectable resources before membership add, got %+v", init.Resources)
	}

	bus.Publish(changebus.Change{LSN: 1, Op: changebus.OpInsert, Table: "memberships", New: map[string]interface{}{"actor_id": "actor-1", "group_id": "group-1", "account_id": "acct-1"}})
	time.Sleep(10 * time.Millisecond)

	bus.Publish(changebus.Change{LSN: 2, Op: changebus.OpDelete, Table: "memberships", Old: map[string]interface{}{"actor_id": "actor-1", "group_id": "group-1", "account_id": "acct-1"}})
	time.Sleep(10 * time.Millisecond)
	cancel()

	events := pusher.events()
	var created, deleted bool
	for i, e := range events {
		if e == wireproto.EventResourceCreatedOrUpdated {
			created = true
		}
		if e == wireproto.EventResourceDeleted && i > 0 {
			deleted = true
		}
	}
	if !created || !deleted {
		t.Fatalf("expected both a resource_created_or_updated and a later resource_deleted, got %v", events)
	}
}

func TestHandleChangeResourceDeleteRemovesConnectable(t *testing.T) {
	graph := baseGraph()
	pusher := &fakePusher{}
	bus := changebus.New()
	actor := newTestActor(graph, nil, pusher, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	bus.Publish(changebus.Change{LSN: 1, Op: changebus.OpDelete, Table: "resources", Old: map[string]interface{}{"id": "resource-1", "account_id": "acct-1"}})
	time.Sleep(10 * time.Millisecond)
	cancel()

	found := false
	for _, e := range pusher.events() {
		if e == wireproto.EventResourceDeleted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected resource_deleted after a hard resource delete, got %v", pusher.events())
	}
}

func TestPushResourceDeltaPushesDeletesBeforeCreates(t *testing.T) {
	pusher := &fakePusher{}
	actor := newTestActor(baseGraph(), nil, pusher, nil, nil)

	actor.pushResourceDelta(authcache.Delta{
		Added:   []model.ResourceSnapshot{{ID: "resource-added"}},
		Removed: []model.ID{"resource-removed"},
	})

	events := pusher.events()
	if len(events) != 2 || events[0] != wireproto.EventResourceDeleted || events[1] != wireproto.EventResourceCreatedOrUpdated {
		t.Fatalf("expected [resource_deleted, resource_created_or_updated], got %v", events)
	}
}

func TestArmRelayDebounceDiscardsStaleFire(t *testing.T) {
	pusher := &fakePusher{}
	actor := newTestActor(baseGraph(), nil, pusher, nil, nil)
	actor.cfg.RelayDebounce = 10 * time.Millisecond

	actor.armRelayDebounce()
	firstRef := actor.relayRef
	time.Sleep(2 * time.Millisecond)
	actor.armRelayDebounce() // re-arm before the first fires; bumps relayRef

	// Both timers fire. The first delivers the stale ref, which fails Run's
	// ref == a.relayRef check and is discarded; only the second matches.
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ref := <-actor.relayFireCh:
			if ref == actor.relayRef {
				return
			}
			if ref != firstRef {
				t.Fatalf("got debounce ref %d, want the stale %d or the current %d", ref, firstRef, actor.relayRef)
			}
		case <-deadline:
			t.Fatalf("expected a debounce fire carrying the current ref")
		}
	}
}

func TestCreateFlowPushesFlowCreationFailedOnError(t *testing.T) {
	pusher := &fakePusher{}
	actor := newTestActor(baseGraph(), nil, pusher, nil, nil)

	actor.CreateFlow(context.Background(), wireproto.CreateFlowRequest{ResourceID: "missing"})

	last := pusher.last()
	if last.Event != wireproto.EventFlowCreationFailed {
		t.Fatalf("expected flow_creation_failed, got %s", last.Event)
	}
	failed := last.Payload.(wireproto.FlowCreationFailed)
	if failed.Reason != wireproto.ReasonNotFound {
		t.Fatalf("expected not_found reason, got %s", failed.Reason)
	}
}

func TestRecomputeTickerFiresPeriodically(t *testing.T) {
	graph := baseGraph()
	pusher := &fakePusher{}
	actor := newTestActor(graph, nil, pusher, nil, nil)
	actor.cfg.RecomputeInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	// RecomputeConnectableResources re-emits every connectable resource as
	// Added on each tick, so the event count depends on timing; this simply
	// asserts the actor kept running without panicking or blocking across
	// several ticks; init is always the first event.
	if len(pusher.events()) == 0 {
		t.Fatalf("expected at least the init frame to have been pushed")
	}
}
