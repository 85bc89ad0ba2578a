package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/accessplane/infrastructure/httputil"
	"github.com/r3e-network/accessplane/infrastructure/ratelimit"
	"github.com/r3e-network/accessplane/internal/authcache"
	"github.com/r3e-network/accessplane/internal/changebus"
	"github.com/r3e-network/accessplane/internal/flow"
	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/internal/presence"
	"github.com/r3e-network/accessplane/internal/session"
	"github.com/r3e-network/accessplane/internal/storage"
	"github.com/r3e-network/accessplane/internal/wireproto"
	"github.com/r3e-network/accessplane/pkg/logger"
	"github.com/r3e-network/accessplane/pkg/metrics"
)

const (
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = clientPongWait * 9 / 10
	clientSendBuffer = 64
)

// inboundFrame is the read-side counterpart of wireproto.Envelope: the
// payload is decoded lazily, once the event name selects its shape.
type inboundFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type clientConn struct {
	id   model.ID
	ws   *websocket.Conn
	send chan wireproto.Envelope
}

// connPusher adapts one clientConn onto session.Pusher.
type connPusher struct{ conn *clientConn }

func (p connPusher) Push(env wireproto.Envelope) error {
	select {
	case p.conn.send <- env:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

// ClientHub tracks every connected client's websocket, so a serving node's
// ice_candidates/invalidate_ice_candidates frames can be routed back to the
// right client connection outside the Session Actor's own push path.
type ClientHub struct {
	mu    sync.RWMutex
	conns map[model.ID]*clientConn
	count int64
}

func NewClientHub() *ClientHub {
	return &ClientHub{conns: make(map[model.ID]*clientConn)}
}

func (h *ClientHub) register(conn *clientConn) {
	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()
	metrics.SetActiveSessions(int(atomic.AddInt64(&h.count, 1)))
}

func (h *ClientHub) unregister(conn *clientConn) {
	h.mu.Lock()
	delete(h.conns, conn.id)
	h.mu.Unlock()
	metrics.SetActiveSessions(int(atomic.AddInt64(&h.count, -1)))
}

// Push delivers an envelope to clientID's live connection, if any.
func (h *ClientHub) Push(clientID model.ID, env wireproto.Envelope) {
	h.mu.RLock()
	conn, ok := h.conns[clientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	_ = connPusher{conn: conn}.Push(env)
}

// gatewayDeps bundles the shared infrastructure every /ws/client connection
// wires its per-session Session Actor and Flow Coordinator against.
type gatewayDeps struct {
	auth            *clientAuthenticator
	store           *storage.Store
	bus             *changebus.Bus
	presence        *presence.Registry
	nodeHub         *NodeHub
	clientHub       *ClientHub
	log             *logger.Logger
	sessionCfg      session.Config
	flowTimeout     time.Duration
	maxExpiryWindow time.Duration

	createFlowRateRPS float64
	createFlowBurst   int
}

// ServeClientWS authenticates the client, constructs its Session Actor and
// Flow Handshake Coordinator sharing one Authorization Cache (per
// internal/session.New's documented invariant), and drives it until the
// connection closes.
func (d *gatewayDeps) ServeClientWS(w http.ResponseWriter, r *http.Request) {
	claims, err := d.auth.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.WithError(err).Warn("client: websocket upgrade failed")
		return
	}

	conn := &clientConn{id: claims.ClientID, ws: ws, send: make(chan wireproto.Envelope, clientSendBuffer)}
	d.clientHub.register(conn)
	defer d.clientHub.unregister(conn)

	lat, lon := latLonFromQuery(r)
	pubKey := r.URL.Query().Get("pubkey")

	subject := model.Subject{RemoteIP: remoteIP(r), Country: r.Header.Get("X-Geo-Country")}
	client := model.Client{ID: claims.ClientID, AccountID: claims.AccountID}

	cache := authcache.New(d.presence.SiteHasOnlineNode, time.Time{}, d.maxExpiryWindow)
	dispatcher := &sessionDispatcher{hub: d.nodeHub, timeout: d.flowTimeout}
	coordinator := flow.New(cache, d.presence, dispatcher, d.store, d.flowTimeout, d.log)
	dispatcher.coord = coordinator

	actor := session.New(claims.AccountID, client, subject, lat, lon, pubKey, d.store, connPusher{conn: conn}, d.bus, d.presence, coordinator, cache, d.sessionCfg, d.log)

	createFlowLimiter := ratelimit.New(ratelimit.RateLimitConfig{RequestsPerSecond: d.createFlowRateRPS, Burst: d.createFlowBurst})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go d.writePump(conn)

	runErr := make(chan error, 1)
	go func() { runErr <- actor.Run(ctx) }()

	go d.readPump(ctx, conn, actor, createFlowLimiter)

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			d.log.WithError(err).Warn("session: actor exited with error")
		}
	}
	coordinator.Shutdown()
	conn.ws.Close()
}

func (d *gatewayDeps) writePump(conn *clientConn) {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()
	for {
		select {
		case env, ok := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if !ok {
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (d *gatewayDeps) readPump(ctx context.Context, conn *clientConn, actor *session.Actor, createFlowLimiter *ratelimit.RateLimiter) {
	conn.ws.SetReadDeadline(time.Now().Add(clientPongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			d.log.WithError(err).Warn("client: malformed frame")
			continue
		}

		switch frame.Event {
		case wireproto.EventCreateFlow:
			if !createFlowLimiter.Allow() {
				d.log.WithField("client_id", conn.id).Warn("client: create_flow rate limit exceeded")
				continue
			}
			var req wireproto.CreateFlowRequest
			if err := json.Unmarshal(frame.Payload, &req); err != nil {
				d.log.WithError(err).Warn("client: malformed create_flow payload")
				continue
			}
			go actor.CreateFlow(ctx, req)

		case wireproto.EventBroadcastICECandidates, wireproto.EventBroadcastInvalidatedICE:
			var batch wireproto.ICECandidateBatch
			if err := json.Unmarshal(frame.Payload, &batch); err != nil {
				d.log.WithError(err).Warn("client: malformed ice candidate batch")
				continue
			}
			d.relayICEToNodes(batch, frame.Event)
		}
	}
}

// relayICEToNodes forwards a client's ICE candidates to every gateway
// (serving node) it names, per spec.md §6.2's broadcast_ice_candidates.
func (d *gatewayDeps) relayICEToNodes(batch wireproto.ICECandidateBatch, event string) {
	nodeEvent := wireproto.EventICECandidates
	if event == wireproto.EventBroadcastInvalidatedICE {
		nodeEvent = wireproto.EventInvalidateICECandidates
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return
	}
	ids := batch.GatewayIDs
	if batch.GatewayID != "" {
		ids = append(ids, batch.GatewayID)
	}
	for _, nodeID := range ids {
		_ = d.nodeHub.send(nodeID, nodeEnvelope{Event: nodeEvent, Payload: payload})
	}
}

func latLonFromQuery(r *http.Request) (*float64, *float64) {
	latStr := r.URL.Query().Get("lat")
	lonStr := r.URL.Query().Get("lon")
	if latStr == "" || lonStr == "" {
		return nil, nil
	}
	lat, err1 := strconv.ParseFloat(latStr, 64)
	lon, err2 := strconv.ParseFloat(lonStr, 64)
	if err1 != nil || err2 != nil {
		return nil, nil
	}
	return &lat, &lon
}

// remoteIP delegates to httputil.ClientIP, which only trusts
// X-Forwarded-For/X-Real-IP when the direct peer is on a private network
// (our own ingress), falling back to RemoteAddr for direct internet peers.
func remoteIP(r *http.Request) string {
	return httputil.ClientIP(r)
}
