// Package wireproto defines the client websocket wire frames (spec.md §6.2):
// the inbound events a Session Actor accepts and the outbound events it
// pushes, plus the relay descriptor format embedded in init/relays_presence.
package wireproto

import "github.com/r3e-network/accessplane/internal/model"

// Event names, used as the "event" discriminator field on every frame.
const (
	EventCreateFlow                       = "create_flow"
	EventBroadcastICECandidates           = "broadcast_ice_candidates"
	EventBroadcastInvalidatedICE          = "broadcast_invalidated_ice_candidates"
	EventNewGatewayICECandidates          = "new_gateway_ice_candidates"
	EventInvalidateGatewayICECandidates   = "invalidate_gateway_ice_candidates"
	EventNewClientICECandidates           = "new_client_ice_candidates"
	EventInvalidateClientICECandidates    = "invalidate_client_ice_candidates"
	EventPrepareConnection                = "prepare_connection" // deprecated, spec.md §9
	EventReuseConnection                  = "reuse_connection"   // deprecated, spec.md §9
	EventRequestConnection                = "request_connection" // deprecated, spec.md §9

	EventInit                     = "init"
	EventResourceCreatedOrUpdated = "resource_created_or_updated"
	EventResourceDeleted          = "resource_deleted"
	EventConfigChanged            = "config_changed"
	EventRelaysPresence           = "relays_presence"
	EventFlowCreated              = "flow_created"
	EventFlowCreationFailed       = "flow_creation_failed"
	EventICECandidates            = "ice_candidates"
	EventInvalidateICECandidates  = "invalidate_ice_candidates"
)

// Envelope is the outer shape of every frame crossing the websocket; Payload
// is one of the typed structs below, marshaled into the "payload" field.
type Envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// --- Inbound ---

// CreateFlowRequest is the sole entrypoint into the Flow Handshake (C8).
type CreateFlowRequest struct {
	ResourceID          model.ID   `json:"resource_id"`
	ConnectedGatewayIDs []model.ID `json:"connected_gateway_ids"`
	ClientPublicKey     string     `json:"client_public_key"`
	ClientVersion       string     `json:"client_version"`
}

// ICECandidateBatch carries candidates that fan out to one or more peers.
type ICECandidateBatch struct {
	Candidates []string   `json:"candidates"`
	GatewayIDs []model.ID `json:"gateway_ids,omitempty"`
	GatewayID  model.ID   `json:"gateway_id,omitempty"`
	ClientID   model.ID   `json:"client_id,omitempty"`
}

// --- Outbound ---

// InitFrame is pushed once, immediately after Session Actor initialization.
type InitFrame struct {
	Resources []ResourceFrame `json:"resources"`
	Relays    []RelayFrame    `json:"relays"`
	Interface InterfaceInfo   `json:"interface"`
}

// InterfaceInfo is the client-side virtual interface configuration; its
// shape is account-scoped config, not modeled further by this pipeline.
type InterfaceInfo struct {
	IPv4 string `json:"ipv4,omitempty"`
	IPv6 string `json:"ipv6,omitempty"`
	DNS  []string `json:"dns,omitempty"`
}

// ResourceFrame is the wire shape of a connectable resource.
type ResourceFrame struct {
	ID      model.ID              `json:"id"`
	Type    model.ResourceType    `json:"type"`
	Address string                `json:"address"`
	Name    string                `json:"name"`
	IPStack []string              `json:"ip_stack,omitempty"`
	Filters []model.PortFilter    `json:"filters,omitempty"`
}

// ResourceDeleted carries only the removed id, per spec.md §6.2.
type ResourceDeleted struct {
	ID model.ID `json:"id"`
}

// ConfigChanged is pushed when the account's interface config changes.
type ConfigChanged struct {
	Interface InterfaceInfo `json:"interface"`
}

// RelaysPresence is the debounced relay-membership delta described in
// spec.md §4.6.
type RelaysPresence struct {
	DisconnectedIDs []model.ID   `json:"disconnected_ids"`
	Connected       []RelayFrame `json:"connected"`
}

// FlowCreated is the success reply to create_flow.
type FlowCreated struct {
	ResourceID           model.ID `json:"resource_id"`
	PresharedKey         string   `json:"preshared_key"`
	ClientICECredentials ICECredentialPair `json:"client_ice_credentials"`
	GatewayGroupID       model.ID `json:"gateway_group_id"`
	GatewayID            model.ID `json:"gateway_id"`
	GatewayPublicKey     string   `json:"gateway_public_key"`
	GatewayIPv4          string   `json:"gateway_ipv4,omitempty"`
	GatewayIPv6          string   `json:"gateway_ipv6,omitempty"`
	GatewayICECredentials ICECredentialPair `json:"gateway_ice_credentials"`
}

// ICECredentialPair is the {user, pass} half of iceauth.ICECredentials sent
// to one side of the handshake.
type ICECredentialPair struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// FlowFailureReason enumerates the disposition names spec.md §6.2 and §7 use
// for flow_creation_failed.
type FlowFailureReason string

const (
	ReasonNotFound        FlowFailureReason = "not_found"
	ReasonOffline         FlowFailureReason = "offline"
	ReasonForbidden       FlowFailureReason = "forbidden"
	ReasonVersionMismatch FlowFailureReason = "version_mismatch"
)

// FlowCreationFailed is the failure reply to create_flow.
type FlowCreationFailed struct {
	ResourceID         model.ID          `json:"resource_id"`
	Reason             FlowFailureReason `json:"reason"`
	ViolatedProperties []string          `json:"violated_properties,omitempty"`
}
