package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/accessplane/infrastructure/resilience"
	"github.com/r3e-network/accessplane/internal/flow"
	"github.com/r3e-network/accessplane/internal/iceauth"
	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/internal/presence"
	"github.com/r3e-network/accessplane/internal/wireproto"
	"github.com/r3e-network/accessplane/pkg/logger"
)

const (
	nodeWriteWait  = 10 * time.Second
	nodePongWait   = 60 * time.Second
	nodePingPeriod = nodePongWait * 9 / 10
	nodeSendBuffer = 64
)

// nodeEnvelope is the node-protocol analog of wireproto.Envelope: the
// serving node fleet is a separate wire surface from the client-facing one
// defined in internal/wireproto, so it gets its own minimal frame shape.
type nodeEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// nodeJoinFrame announces a node's identity and presence metadata, once,
// immediately after the websocket handshake completes.
type nodeJoinFrame struct {
	SiteID  model.ID `json:"site_id"`
	Version string   `json:"version"`
	PubKey  string   `json:"pub_key"`
	IPv4    string   `json:"ipv4"`
	IPv6    string   `json:"ipv6"`
}

// nodeReplyFrame is what a serving node sends back to conclude a flow
// handshake, per spec.md §4.8 step 7. PolicyAuthorizationID is the
// correlation id the gateway minted in flow.Coordinator.CreateFlow and
// forwarded in the authorize_policy frame.
type nodeReplyFrame struct {
	PolicyAuthorizationID model.ID              `json:"policy_authorization_id"`
	ResourceID            model.ID              `json:"resource_id"`
	SiteID                model.ID              `json:"site_id"`
	NodeID                model.ID              `json:"node_id"`
	NodePublicKey         string                `json:"node_public_key"`
	NodeIPv4              string                `json:"node_ipv4"`
	NodeIPv6              string                `json:"node_ipv6"`
	PresharedKey          string                `json:"preshared_key"`
	ICECredentials        iceauth.ICECredentials `json:"ice_credentials"`
}

type nodeConn struct {
	id   model.ID
	ws   *websocket.Conn
	send chan nodeEnvelope
}

// NodeHub tracks every connected serving node's websocket, implements
// flow.Dispatcher's underlying transport, and routes node_reply frames back
// to the Flow Handshake Coordinator that is waiting on them.
type NodeHub struct {
	presence  *presence.Registry
	gossip    *presence.Gossip
	clientHub *ClientHub
	log       *logger.Logger

	mu    sync.RWMutex
	nodes map[model.ID]*nodeConn

	breakersMu sync.Mutex
	breakers   map[model.ID]*resilience.CircuitBreaker

	pendingMu sync.Mutex
	pending   map[model.ID]*flow.Coordinator // policy_authorization_id -> coordinator
}

func NewNodeHub(reg *presence.Registry, gossip *presence.Gossip, clientHub *ClientHub, log *logger.Logger) *NodeHub {
	return &NodeHub{
		presence:  reg,
		gossip:    gossip,
		clientHub: clientHub,
		log:       log,
		nodes:     make(map[model.ID]*nodeConn),
		breakers:  make(map[model.ID]*resilience.CircuitBreaker),
		pending:   make(map[model.ID]*flow.Coordinator),
	}
}

// breakerFor returns the per-node circuit breaker, creating it on first use.
// A node whose send buffer keeps filling (stalled reader, dead connection)
// trips open so Dispatch fails fast instead of queuing behind a dead peer.
func (h *NodeHub) breakerFor(nodeID model.ID) *resilience.CircuitBreaker {
	h.breakersMu.Lock()
	defer h.breakersMu.Unlock()
	cb, ok := h.breakers[nodeID]
	if !ok {
		cb = resilience.New(resilience.DefaultConfig())
		h.breakers[nodeID] = cb
	}
	return cb
}

// send delivers an envelope to nodeID's live connection, returning an error
// if the node is not currently connected (spec.md §4.8's offline disposition)
// or its circuit breaker is open.
func (h *NodeHub) send(nodeID model.ID, env nodeEnvelope) error {
	return h.breakerFor(nodeID).Execute(context.Background(), func() error {
		h.mu.RLock()
		conn, ok := h.nodes[nodeID]
		h.mu.RUnlock()
		if !ok {
			return fmt.Errorf("node %s not connected", nodeID)
		}
		select {
		case conn.send <- env:
			return nil
		default:
			return fmt.Errorf("node %s send buffer full", nodeID)
		}
	})
}

// registerPending correlates a dispatched authorize_policy frame with the
// Coordinator awaiting its reply, self-expiring after timeout so a node that
// never replies does not leak the entry forever (the Coordinator's own timer
// already aborts the client-facing handshake on the same schedule).
func (h *NodeHub) registerPending(policyAuthorizationID model.ID, coord *flow.Coordinator, timeout time.Duration) {
	h.pendingMu.Lock()
	h.pending[policyAuthorizationID] = coord
	h.pendingMu.Unlock()

	time.AfterFunc(timeout, func() {
		h.pendingMu.Lock()
		delete(h.pending, policyAuthorizationID)
		h.pendingMu.Unlock()
	})
}

func (h *NodeHub) resolvePending(policyAuthorizationID model.ID) (*flow.Coordinator, bool) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	coord, ok := h.pending[policyAuthorizationID]
	if ok {
		delete(h.pending, policyAuthorizationID)
	}
	return coord, ok
}

// sessionDispatcher adapts one session's Flow Handshake Coordinator onto the
// shared NodeHub transport, recording the pending correlation so the
// eventual node_reply can find its way back to this Coordinator.
type sessionDispatcher struct {
	hub     *NodeHub
	coord   *flow.Coordinator
	timeout time.Duration
}

func (d *sessionDispatcher) Dispatch(ctx context.Context, nodeID model.ID, msg flow.AuthorizePolicyMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	d.hub.registerPending(msg.PolicyAuthorizationID, d.coord, d.timeout)
	if err := d.hub.send(nodeID, nodeEnvelope{Event: "authorize_policy", Payload: payload}); err != nil {
		return err
	}
	return nil
}

// ServeWS upgrades a serving node's connection, authenticates its service
// token, and drives its read/write pumps until it disconnects.
func (h *NodeHub) ServeWS(w http.ResponseWriter, r *http.Request, nodeAuth *nodeAuthenticator) {
	if nodeAuth == nil {
		http.Error(w, "node authentication not configured", http.StatusServiceUnavailable)
		return
	}
	claims, err := nodeAuth.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := nodeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("node: websocket upgrade failed")
		return
	}

	conn := &nodeConn{id: claims.ServiceID, ws: ws, send: make(chan nodeEnvelope, nodeSendBuffer)}
	h.mu.Lock()
	h.nodes[conn.id] = conn
	h.mu.Unlock()

	go h.writePump(conn)
	h.readPump(conn)
}

func (h *NodeHub) writePump(conn *nodeConn) {
	ticker := time.NewTicker(nodePingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()
	for {
		select {
		case env, ok := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(nodeWriteWait))
			if !ok {
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(nodeWriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *NodeHub) readPump(conn *nodeConn) {
	defer h.disconnect(conn)

	conn.ws.SetReadDeadline(time.Now().Add(nodePongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(nodePongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var env nodeEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.log.WithError(err).Warn("node: malformed frame")
			continue
		}
		switch env.Event {
		case "join":
			h.handleJoin(conn, env.Payload)
		case "node_reply":
			h.handleReply(env.Payload)
		case wireproto.EventICECandidates, wireproto.EventInvalidateICECandidates:
			h.relayICEToClient(env.Event, env.Payload)
		}
	}
}

func (h *NodeHub) handleJoin(conn *nodeConn, payload json.RawMessage) {
	var join nodeJoinFrame
	if err := json.Unmarshal(payload, &join); err != nil {
		h.log.WithError(err).Warn("node: malformed join frame")
		return
	}
	info := presence.NodeInfo{SiteID: join.SiteID, Version: join.Version, PubKey: join.PubKey, IPv4: join.IPv4, IPv6: join.IPv6}
	h.presence.JoinNode(conn.id, info)
	if h.gossip != nil {
		if err := h.gossip.BroadcastNode(context.Background(), conn.id, info, true); err != nil {
			h.log.WithError(err).Warn("node: failed to broadcast presence join")
		}
	}
}

func (h *NodeHub) handleReply(payload json.RawMessage) {
	var frame nodeReplyFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		h.log.WithError(err).Warn("node: malformed node_reply frame")
		return
	}
	coord, ok := h.resolvePending(frame.PolicyAuthorizationID)
	if !ok {
		return // already timed out or aborted on the client side
	}
	coord.OnNodeReply(flow.NodeReply{
		ResourceID:     frame.ResourceID,
		SiteID:         frame.SiteID,
		NodeID:         frame.NodeID,
		NodePublicKey:  frame.NodePublicKey,
		NodeIPv4:       frame.NodeIPv4,
		NodeIPv6:       frame.NodeIPv6,
		PresharedKey:   frame.PresharedKey,
		ICECredentials: frame.ICECredentials,
	})
}

// relayICEToClient forwards a serving node's ICE candidates to the client
// named in the batch, the inverse of gatewayDeps.relayICEToNodes.
func (h *NodeHub) relayICEToClient(event string, payload json.RawMessage) {
	if h.clientHub == nil {
		return
	}
	var batch wireproto.ICECandidateBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		h.log.WithError(err).Warn("node: malformed ice candidate batch")
		return
	}
	if batch.ClientID == "" {
		return
	}
	h.clientHub.Push(batch.ClientID, wireproto.Envelope{Event: event, Payload: batch})
}

func (h *NodeHub) disconnect(conn *nodeConn) {
	h.mu.Lock()
	delete(h.nodes, conn.id)
	h.mu.Unlock()
	close(conn.send)

	if info, ok := h.presence.NodeInfo(conn.id); ok {
		h.presence.LeaveNode(conn.id, info)
		if h.gossip != nil {
			if err := h.gossip.BroadcastNode(context.Background(), conn.id, info, false); err != nil {
				h.log.WithError(err).Warn("node: failed to broadcast presence leave")
			}
		}
	}
}
