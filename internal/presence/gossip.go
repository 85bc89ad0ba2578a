package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/r3e-network/accessplane/internal/model"
	"github.com/r3e-network/accessplane/pkg/logger"
	"github.com/r3e-network/accessplane/pkg/pgnotify"
)

// wireUpdate is the payload gossiped over the presence channel. It carries
// the full entity plus the originating process's LWW timestamp so a remote
// process can merge it with Registry.ApplyRemoteNode/ApplyRemoteRelay.
type wireUpdate struct {
	Kind      string    `json:"kind"` // "node" or "relay"
	ID        model.ID  `json:"id"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`
	Node      *NodeInfo  `json:"node,omitempty"`
	Relay     *RelayInfo `json:"relay,omitempty"`
}

// Gossip adapts pkg/pgnotify's Bus into the cross-process transport for a
// Registry: every local Join/Leave call is broadcast on channel, and every
// inbound notification (including this process's own echo) is merged back
// in via the registry's last-writer-wins rule, which makes the echo a no-op.
type Gossip struct {
	bus     *pgnotify.Bus
	channel string
	reg     *Registry
	log     *logger.Logger
}

// NewGossip subscribes reg to bus on channel and returns a Gossip that must
// be Closed to unsubscribe.
func NewGossip(bus *pgnotify.Bus, channel string, reg *Registry, log *logger.Logger) (*Gossip, error) {
	g := &Gossip{bus: bus, channel: channel, reg: reg, log: log}
	if err := bus.Subscribe(channel, g.onNotify); err != nil {
		return nil, err
	}
	return g, nil
}

// Close unsubscribes from the gossip channel. The underlying Bus is owned by
// the caller and is not closed here.
func (g *Gossip) Close() error {
	return g.bus.Unsubscribe(g.channel)
}

func (g *Gossip) onNotify(ctx context.Context, event pgnotify.Event) error {
	var upd wireUpdate
	if err := json.Unmarshal(event.Payload, &upd); err != nil {
		g.log.WithError(err).Warn("presence: malformed gossip payload")
		return nil
	}

	switch upd.Kind {
	case "node":
		if upd.Node != nil {
			g.reg.ApplyRemoteNode(upd.ID, *upd.Node, upd.Online, upd.UpdatedAt)
		}
	case "relay":
		if upd.Relay != nil {
			g.reg.ApplyRemoteRelay(upd.ID, *upd.Relay, upd.Online, upd.UpdatedAt)
		}
	}
	return nil
}

// BroadcastNode publishes a node join/leave for every other process
// listening on the gossip channel. Call this alongside Registry.JoinNode /
// Registry.LeaveNode, which only update this process's local view.
func (g *Gossip) BroadcastNode(ctx context.Context, id model.ID, info NodeInfo, online bool) error {
	return g.bus.Publish(ctx, g.channel, wireUpdate{
		Kind: "node", ID: id, Online: online, UpdatedAt: time.Now(), Node: &info,
	})
}

// BroadcastRelay is the relay analog of BroadcastNode.
func (g *Gossip) BroadcastRelay(ctx context.Context, id model.ID, info RelayInfo, online bool) error {
	return g.bus.Publish(ctx, g.channel, wireUpdate{
		Kind: "relay", ID: id, Online: online, UpdatedAt: time.Now(), Relay: &info,
	})
}
