// Package flow coordinates the Flow Handshake (C8): authorizing a resource
// against the Authorization Cache, picking a serving node via Presence,
// deriving per-flow crypto material, and brokering the client/node exchange
// behind a single-flight, timeout-armed pending map.
package flow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-network/accessplane/infrastructure/errors"
	"github.com/r3e-network/accessplane/internal/authcache"
	"github.com/r3e-network/accessplane/internal/iceauth"
	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/internal/presence"
	"github.com/r3e-network/accessplane/internal/wireproto"
	"github.com/r3e-network/accessplane/pkg/logger"
	"github.com/r3e-network/accessplane/pkg/metrics"
)

const defaultHandshakeTimeout = 15 * time.Second

// AuthorizePolicyMessage is sent to the selected serving node's actor, per
// spec.md §4.8 step 5.
type AuthorizePolicyMessage struct {
	ClientView            model.Client
	Subject               model.Subject
	Resource              model.ResourceSnapshot
	PolicyAuthorizationID model.ID
	ExpiresAt             time.Time
	ICECredentials        iceauth.ICECredentials
	PresharedKey          string
}

// NodeReply is what the serving node's actor sends back, per spec.md §4.8
// step 7.
type NodeReply struct {
	ResourceID     model.ID
	SiteID         model.ID
	NodeID         model.ID
	NodePublicKey  string
	NodeIPv4       string
	NodeIPv6       string
	PresharedKey   string
	ICECredentials iceauth.ICECredentials
}

// Dispatcher delivers an AuthorizePolicyMessage to a serving node's actor.
// The gateway's implementation carries it over the node's websocket; this
// package only needs the fire-and-forget send.
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeID model.ID, msg AuthorizePolicyMessage) error
}

// AuditStore persists the PolicyAuthorization audit row. Per spec.md §4.8
// step 4, the insert must be enqueued before responding to the client, but
// may complete asynchronously.
type AuditStore interface {
	InsertPolicyAuthorization(ctx context.Context, auth model.PolicyAuthorization) error
}

type pendingFlow struct {
	resourceID model.ID
	nodeID     model.ID
	timer      *time.Timer
	resultCh   chan NodeReply
	aborted    chan struct{} // closed when the flow is dropped without a reply
}

// Coordinator is one Session Actor's Flow Handshake state: it owns the
// pending-flow map for that session's client and is not shared across
// clients.
type Coordinator struct {
	cache      *authcache.Cache
	presence   *presence.Registry
	dispatcher Dispatcher
	audit      AuditStore
	timeout    time.Duration
	log        *logger.Logger

	mu      sync.Mutex
	pending map[model.ID]*pendingFlow
}

// New constructs a Coordinator for one client session.
func New(cache *authcache.Cache, reg *presence.Registry, dispatcher Dispatcher, audit AuditStore, timeout time.Duration, log *logger.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &Coordinator{
		cache:      cache,
		presence:   reg,
		dispatcher: dispatcher,
		audit:      audit,
		timeout:    timeout,
		log:        log,
		pending:    make(map[model.ID]*pendingFlow),
	}
}

// CreateFlow implements spec.md §4.8 steps 1-6. A non-nil *errors.ServiceError
// return is always one of not_found, forbidden, version_mismatch, or offline,
// ready to surface as flow_creation_failed.
func (c *Coordinator) CreateFlow(ctx context.Context, client model.Client, subject model.Subject, req wireproto.CreateFlowRequest) (*wireproto.FlowCreated, *errors.ServiceError) {
	start := time.Now()
	c.mu.Lock()
	if _, inFlight := c.pending[req.ResourceID]; inFlight {
		c.mu.Unlock()
		return nil, errors.Offline(req.ResourceID)
	}
	c.mu.Unlock()

	result := c.cache.AuthorizeResource(req.ResourceID, subject)
	if result.NotFound {
		return nil, errors.NotFound("resource", req.ResourceID)
	}
	if result.Forbidden {
		return nil, errors.Forbidden(result.ViolatedProperties)
	}

	nodeID, ok := c.presence.SelectServingNode(result.Resource.SiteID, result.Resource.Address, req.ClientVersion, req.ConnectedGatewayIDs)
	if !ok {
		return nil, errors.Offline(req.ResourceID)
	}
	nodeInfo, _ := c.presence.NodeInfo(nodeID)

	psk := iceauth.PresharedKey(client.ID, req.ClientPublicKey, nodeID)
	ice := iceauth.DeriveICECredentials(client.ID, req.ClientPublicKey, nodeID, nodeInfo.PubKey)

	auth := model.PolicyAuthorization{
		ID:            uuid.NewString(),
		Token:         psk,
		PolicyID:      result.PolicyID,
		ClientID:      client.ID,
		ServingNodeID: nodeID,
		ResourceID:    req.ResourceID,
		ExpiresAt:     result.ExpiresAt,
		ClientIP:      subject.RemoteIP,
	}
	go func() {
		if err := c.audit.InsertPolicyAuthorization(context.Background(), auth); err != nil {
			c.log.WithError(err).Warn("flow: failed to persist policy authorization audit row")
		}
	}()

	pending := &pendingFlow{resourceID: req.ResourceID, nodeID: nodeID, resultCh: make(chan NodeReply, 1), aborted: make(chan struct{})}
	c.mu.Lock()
	c.pending[req.ResourceID] = pending
	c.mu.Unlock()

	pending.timer = time.AfterFunc(c.timeout, func() { c.onTimeout(req.ResourceID) })

	msg := AuthorizePolicyMessage{
		ClientView:            client,
		Subject:               subject,
		Resource:              result.Resource,
		PolicyAuthorizationID: auth.ID,
		ExpiresAt:             result.ExpiresAt,
		ICECredentials:        ice,
		PresharedKey:          psk,
	}
	if err := c.dispatcher.Dispatch(ctx, nodeID, msg); err != nil {
		c.cancelPending(req.ResourceID)
		return nil, errors.Offline(req.ResourceID)
	}

	select {
	case reply := <-pending.resultCh:
		metrics.RecordFlowHandshake("created", time.Since(start))
		return &wireproto.FlowCreated{
			ResourceID:           reply.ResourceID,
			PresharedKey:         reply.PresharedKey,
			ClientICECredentials: wireproto.ICECredentialPair{Username: reply.ICECredentials.ClientUser, Password: reply.ICECredentials.ClientPass},
			GatewayGroupID:       reply.SiteID,
			GatewayID:            reply.NodeID,
			GatewayPublicKey:     reply.NodePublicKey,
			GatewayIPv4:          reply.NodeIPv4,
			GatewayIPv6:          reply.NodeIPv6,
			GatewayICECredentials: wireproto.ICECredentialPair{Username: reply.ICECredentials.NodeUser, Password: reply.ICECredentials.NodePass},
		}, nil
	case <-pending.aborted:
		return nil, errors.Offline(req.ResourceID)
	case <-ctx.Done():
		c.cancelPending(req.ResourceID)
		return nil, errors.Offline(req.ResourceID)
	}
}

// OnNodeReply resolves a pending flow, per spec.md §4.8 step 7. It is a
// no-op if the flow already timed out or was cancelled.
func (c *Coordinator) OnNodeReply(reply NodeReply) {
	c.mu.Lock()
	pending, ok := c.pending[reply.ResourceID]
	if ok {
		delete(c.pending, reply.ResourceID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pending.timer.Stop()
	pending.resultCh <- reply
}

// onTimeout implements spec.md §4.8 step 8: on timer fire, drop the pending
// entry and unblock CreateFlow so it can push flow_creation_failed{offline}.
func (c *Coordinator) onTimeout(resourceID model.ID) {
	c.mu.Lock()
	pending, ok := c.pending[resourceID]
	if ok {
		delete(c.pending, resourceID)
	}
	c.mu.Unlock()
	if ok {
		close(pending.aborted)
		metrics.RecordFlowHandshake("timeout", c.timeout)
	}
}

func (c *Coordinator) cancelPending(resourceID model.ID) {
	c.mu.Lock()
	pending, ok := c.pending[resourceID]
	if ok {
		delete(c.pending, resourceID)
	}
	c.mu.Unlock()
	if ok {
		pending.timer.Stop()
	}
}

// Shutdown cancels every pending flow without replying, per spec.md's
// cancellation rule: session termination aborts in-flight handshakes.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pending := range c.pending {
		pending.timer.Stop()
		close(pending.aborted)
		delete(c.pending, id)
	}
}
