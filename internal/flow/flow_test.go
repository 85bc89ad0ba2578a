package flow

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/accessplane/internal/authcache"
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

type fakeAudit struct {
	mu      sync.Mutex
	inserts []model.PolicyAuthorization
}

func (f *fakeAudit) InsertPolicyAuthorization(ctx context.Context, auth model.PolicyAuthorization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, auth)
	return nil
}

type replyingDispatcher struct {
	coordinator *Coordinator
	nodeInfo    presence.NodeInfo
	delay       time.Duration
}

func (d *replyingDispatcher) Dispatch(ctx context.Context, nodeID model.ID, msg AuthorizePolicyMessage) error {
	go func() {
		if d.delay > 0 {
			time.Sleep(d.delay)
		}
		d.coordinator.OnNodeReply(NodeReply{
			ResourceID:     msg.Resource.ID,
			SiteID:         d.nodeInfo.SiteID,
			NodeID:         nodeID,
			NodePublicKey:  d.nodeInfo.PubKey,
			NodeIPv4:       d.nodeInfo.IPv4,
			PresharedKey:   msg.PresharedKey,
			ICECredentials: msg.ICECredentials,
		})
	}()
	return nil
}

type neverReplyingDispatcher struct{}

func (neverReplyingDispatcher) Dispatch(ctx context.Context, nodeID model.ID, msg AuthorizePolicyMessage) error {
	return nil
}

func newTestCache(resourceID, siteID model.ID, groupID model.ID) *authcache.Cache {
	c := authcache.New(func(model.ID) bool { return true }, time.Now().Add(time.Hour), time.Hour)
	c.SetResource(model.ResourceSnapshot{ID: resourceID, SiteID: siteID, Address: "10.0.0.1"})
	c.AddMembership(groupID, model.Subject{Now: time.Now()})
	c.AddPolicy(model.Policy{ID: "policy-1", GroupID: groupID, ResourceID: resourceID}, model.Subject{Now: time.Now()})
	return c
}

func TestCreateFlowReturnsNotFoundForUnknownResource(t *testing.T) {
	c := authcache.New(func(model.ID) bool { return true }, time.Now().Add(time.Hour), time.Hour)
	reg := presence.New()
	coord := New(c, reg, neverReplyingDispatcher{}, &fakeAudit{}, time.Second, silentLogger())

	_, svcErr := coord.CreateFlow(context.Background(), model.Client{ID: "client-1"}, model.Subject{Now: time.Now()}, wireproto.CreateFlowRequest{ResourceID: "missing"})
	if svcErr == nil {
		t.Fatalf("expected not_found error")
	}
}

func TestCreateFlowReturnsOfflineWhenNoServingNode(t *testing.T) {
	c := newTestCache("resource-1", "site-1", "group-1")
	reg := presence.New() // no nodes joined
	coord := New(c, reg, neverReplyingDispatcher{}, &fakeAudit{}, time.Second, silentLogger())

	_, svcErr := coord.CreateFlow(context.Background(), model.Client{ID: "client-1"}, model.Subject{Now: time.Now()}, wireproto.CreateFlowRequest{ResourceID: "resource-1", ClientVersion: "1.3.0"})
	if svcErr == nil {
		t.Fatalf("expected offline error")
	}
}

func TestCreateFlowSucceedsOnNodeReply(t *testing.T) {
	c := newTestCache("resource-1", "site-1", "group-1")
	reg := presence.New()
	reg.JoinNode("node-1", presence.NodeInfo{SiteID: "site-1", Version: "1.3.0", PubKey: "node-pub"})

	audit := &fakeAudit{}
	coord := New(c, reg, nil, audit, time.Second, silentLogger())
	coord.dispatcher = &replyingDispatcher{coordinator: coord, nodeInfo: presence.NodeInfo{SiteID: "site-1", PubKey: "node-pub", IPv4: "10.1.1.1"}}

	created, svcErr := coord.CreateFlow(context.Background(), model.Client{ID: "client-1"}, model.Subject{Now: time.Now()}, wireproto.CreateFlowRequest{
		ResourceID:      "resource-1",
		ClientVersion:   "1.3.0",
		ClientPublicKey: "client-pub",
	})
	if svcErr != nil {
		t.Fatalf("unexpected error: %v", svcErr)
	}
	if created.ResourceID != "resource-1" {
		t.Fatalf("expected resource id echoed back, got %q", created.ResourceID)
	}
	if created.GatewayPublicKey != "node-pub" {
		t.Fatalf("expected gateway public key from node reply, got %q", created.GatewayPublicKey)
	}
	if created.PresharedKey == "" || created.ClientICECredentials.Username == "" {
		t.Fatalf("expected derived crypto material to be populated")
	}

	time.Sleep(10 * time.Millisecond)
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.inserts) != 1 {
		t.Fatalf("expected one policy authorization audit row, got %d", len(audit.inserts))
	}
}

func TestCreateFlowTimesOutWhenNodeNeverReplies(t *testing.T) {
	c := newTestCache("resource-1", "site-1", "group-1")
	reg := presence.New()
	reg.JoinNode("node-1", presence.NodeInfo{SiteID: "site-1", Version: "1.3.0"})

	coord := New(c, reg, neverReplyingDispatcher{}, &fakeAudit{}, 20*time.Millisecond, silentLogger())

	_, svcErr := coord.CreateFlow(context.Background(), model.Client{ID: "client-1"}, model.Subject{Now: time.Now()}, wireproto.CreateFlowRequest{ResourceID: "resource-1", ClientVersion: "1.3.0"})
	if svcErr == nil {
		t.Fatalf("expected offline error on handshake timeout")
	}
}

func TestCreateFlowRejectsSecondConcurrentRequestForSameResource(t *testing.T) {
	c := newTestCache("resource-1", "site-1", "group-1")
	reg := presence.New()
	reg.JoinNode("node-1", presence.NodeInfo{SiteID: "site-1", Version: "1.3.0"})

	coord := New(c, reg, nil, &fakeAudit{}, time.Second, silentLogger())
	coord.dispatcher = &replyingDispatcher{coordinator: coord, nodeInfo: presence.NodeInfo{SiteID: "site-1"}, delay: 50 * time.Millisecond}

	go coord.CreateFlow(context.Background(), model.Client{ID: "client-1"}, model.Subject{Now: time.Now()}, wireproto.CreateFlowRequest{ResourceID: "resource-1", ClientVersion: "1.3.0"})
	time.Sleep(5 * time.Millisecond)

	_, svcErr := coord.CreateFlow(context.Background(), model.Client{ID: "client-1"}, model.Subject{Now: time.Now()}, wireproto.CreateFlowRequest{ResourceID: "resource-1", ClientVersion: "1.3.0"})
	if svcErr == nil {
		t.Fatalf("expected the second concurrent create_flow to be rejected")
	}
}

func TestOnNodeReplyIsNoOpForUnknownResource(t *testing.T) {
	coord := New(authcache.New(func(model.ID) bool { return true }, time.Now(), time.Hour), presence.New(), neverReplyingDispatcher{}, &fakeAudit{}, time.Second, silentLogger())
	coord.OnNodeReply(NodeReply{ResourceID: "not-pending"})
}

func TestShutdownCancelsPendingFlowsWithoutReplying(t *testing.T) {
	c := newTestCache("resource-1", "site-1", "group-1")
	reg := presence.New()
	reg.JoinNode("node-1", presence.NodeInfo{SiteID: "site-1", Version: "1.3.0"})

	coord := New(c, reg, neverReplyingDispatcher{}, &fakeAudit{}, time.Second, silentLogger())

	resultCh := make(chan *wireproto.FlowCreated, 1)
	go func() {
		created, _ := coord.CreateFlow(context.Background(), model.Client{ID: "client-1"}, model.Subject{Now: time.Now()}, wireproto.CreateFlowRequest{ResourceID: "resource-1", ClientVersion: "1.3.0"})
		resultCh <- created
	}()
	time.Sleep(5 * time.Millisecond)
	coord.Shutdown()

	select {
	case created := <-resultCh:
		if created != nil {
			t.Fatalf("expected no flow_created after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected CreateFlow to return promptly, blocked instead (context never cancelled)")
	}
}
