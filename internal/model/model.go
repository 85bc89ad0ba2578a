// Package model defines the entities the change-propagation pipeline observes
// through replication: accounts, actors, groups, policies, resources, and the
// ephemeral presence of serving nodes and relays.
package model

import "time"

// ID is an opaque 128-bit entity identifier, rendered as its canonical UUID
// string form everywhere it crosses a package boundary.
type ID = string

// ActorType distinguishes the kinds of principal a Policy's Group can contain.
type ActorType string

const (
	ActorAccountUser      ActorType = "account_user"
	ActorAccountAdminUser ActorType = "account_admin_user"
	ActorServiceAccount   ActorType = "service_account"
	ActorAPIClient        ActorType = "api_client"
)

// ResourceType selects how a Resource's address is interpreted.
type ResourceType string

const (
	ResourceCIDR     ResourceType = "cidr"
	ResourceIP       ResourceType = "ip"
	ResourceDNS      ResourceType = "dns"
	ResourceInternet ResourceType = "internet"
)

// Account is the tenancy boundary. Every other entity carries an AccountID;
// no entity may reference another account's rows.
type Account struct {
	ID        ID        `json:"id"`
	Name      string    `json:"name"`
	Config    string    `json:"config"` // opaque, compared by value to detect config_changed
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Actor is a principal: a human user, an admin user, a service account, or an
// API client.
type Actor struct {
	ID        ID        `json:"id"`
	AccountID ID        `json:"account_id"`
	Type      ActorType `json:"type"`
	Name      string    `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Identity is an external credential (issuer + subject) bound to an Actor.
type Identity struct {
	ID        ID         `json:"id"`
	AccountID ID         `json:"account_id"`
	ActorID   ID         `json:"actor_id"`
	Issuer    string     `json:"issuer"`
	Subject   string     `json:"subject"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ClientFingerprint captures hardware identifiers reported at connect time.
// VerifiedAt is reset whenever any present fingerprint changes on reconnect.
type ClientFingerprint struct {
	DeviceSerial string `json:"device_serial,omitempty"`
	VendorID     string `json:"vendor_id,omitempty"`
	FirebaseID   string `json:"firebase_id,omitempty"`
}

// Client is a running device endpoint, unique per (account, actor, external_id).
type Client struct {
	ID          ID                `json:"id"`
	AccountID   ID                `json:"account_id"`
	ActorID     ID                `json:"actor_id"`
	ExternalID  string            `json:"external_id"`
	Name        string            `json:"name"`
	Fingerprint ClientFingerprint `json:"fingerprint"`
	VerifiedAt  *time.Time        `json:"verified_at,omitempty"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty"`
}

// FingerprintChanged reports whether any fingerprint field present in next
// differs from the one on record, per spec: a present field that changed
// resets VerifiedAt; absent fields are not compared.
func (c Client) FingerprintChanged(next ClientFingerprint) bool {
	if next.DeviceSerial != "" && next.DeviceSerial != c.Fingerprint.DeviceSerial {
		return true
	}
	if next.VendorID != "" && next.VendorID != c.Fingerprint.VendorID {
		return true
	}
	if next.FirebaseID != "" && next.FirebaseID != c.Fingerprint.FirebaseID {
		return true
	}
	return false
}

// Group is a set of actors, possibly synced from a directory.
type Group struct {
	ID        ID         `json:"id"`
	AccountID ID         `json:"account_id"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Membership is an edge between an Actor and a Group.
type Membership struct {
	ID        ID `json:"id"`
	AccountID ID `json:"account_id"`
	ActorID   ID `json:"actor_id"`
	GroupID   ID `json:"group_id"`
}

// Condition is a predicate over {time, remote_ip, geo, posture} attached to a
// Policy. A nil field on a Condition means "unconstrained on this axis".
type Condition struct {
	StartsAt  *time.Time `json:"starts_at,omitempty"`
	EndsAt    *time.Time `json:"ends_at,omitempty"`
	DaysOfWk  []int      `json:"days_of_week,omitempty"`  // 0=Sunday .. 6=Saturday, local to StartTime/EndTime below
	StartTime string     `json:"start_time,omitempty"`     // "HH:MM", inclusive
	EndTime   string     `json:"end_time,omitempty"`       // "HH:MM", inclusive
	CIDRs     []string   `json:"remote_ip_cidrs,omitempty"`
	Countries []string   `json:"country_codes,omitempty"`
}

// Subject is the runtime context a Condition is evaluated against.
type Subject struct {
	RemoteIP string
	Country  string
	Posture  string
	Now      time.Time
}

// Policy is an authorization edge Group -> Resource with optional conditions
// and a soft-delete marker. A non-nil DisabledAt makes the policy inert
// without deleting the row.
type Policy struct {
	ID         ID          `json:"id"`
	AccountID  ID          `json:"account_id"`
	GroupID    ID          `json:"group_id"`
	ResourceID ID          `json:"resource_id"`
	Conditions []Condition `json:"conditions,omitempty"`
	DisabledAt *time.Time  `json:"disabled_at,omitempty"`
	DeletedAt  *time.Time  `json:"deleted_at,omitempty"`
}

// Enabled reports whether the policy currently participates in authorization.
func (p Policy) Enabled() bool { return p.DisabledAt == nil && p.DeletedAt == nil }

// PortFilter restricts a Resource to a protocol and a set of port ranges.
type PortFilter struct {
	Protocol string `json:"protocol"` // "tcp", "udp", "icmp"
	Ports    string `json:"ports,omitempty"` // e.g. "80,443,8000-8080"
}

// Resource is a network target. Internet resources have no owning Site.
type Resource struct {
	ID        ID           `json:"id"`
	AccountID ID           `json:"account_id"`
	SiteID    ID           `json:"site_id,omitempty"`
	Type      ResourceType `json:"type"`
	Address   string       `json:"address"` // CIDR, IP, or DNS pattern
	Name      string       `json:"name"`
	IPStack   string       `json:"ip_stack,omitempty"` // "ipv4", "ipv6", "dual"
	Filters   []PortFilter `json:"filters,omitempty"`
	DeletedAt *time.Time   `json:"deleted_at,omitempty"`
}

// Site is a logical cluster of serving nodes that Resources bind to.
type Site struct {
	ID        ID         `json:"id"`
	AccountID ID         `json:"account_id"`
	Name      string     `json:"name"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ServingNode is a forwarding agent registered to a Site. Its presence is
// ephemeral and tracked by internal/presence, not by the database.
type ServingNode struct {
	ID      ID     `json:"id"`
	SiteID  ID     `json:"site_id"`
	Version string `json:"version"` // semver, e.g. "1.3.0"
	PubKey  string `json:"public_key"`
	IPv4    string `json:"ipv4,omitempty"`
	IPv6    string `json:"ipv6,omitempty"`
}

// Relay is a TURN endpoint used for NAT traversal. Stateless with respect to
// authorization; its presence is ephemeral.
type Relay struct {
	ID          ID      `json:"id"`
	IPv4        string  `json:"ipv4,omitempty"`
	IPv6        string  `json:"ipv6,omitempty"`
	Port        int     `json:"port"`
	StampSecret string  `json:"-"`
	Lat         *float64 `json:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty"`
}

// Credential is an authenticated session token.
type Credential struct {
	ID        ID        `json:"id"`
	ClientID  ID        `json:"client_id"`
	ExpiresAt time.Time `json:"expires_at"`
	RemoteIP  string    `json:"remote_ip"`
	UserAgent string    `json:"user_agent"`
	Geo       string    `json:"geo,omitempty"`
}

// PolicyAuthorization is an immutable audit record minted per successful flow
// request.
type PolicyAuthorization struct {
	ID             ID        `json:"id"`
	Token          string    `json:"token"`
	PolicyID       ID        `json:"policy_id"`
	ClientID       ID        `json:"client_id"`
	ServingNodeID  ID        `json:"serving_node_id"`
	ResourceID     ID        `json:"resource_id"`
	MembershipID   ID        `json:"membership_id,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	ClientIP       string    `json:"client_ip"`
	ClientUA       string    `json:"client_ua"`
	GatewayIP      string    `json:"gateway_ip"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResourceSnapshot is the subset of Resource an Authorization Cache retains.
type ResourceSnapshot struct {
	ID      ID
	SiteID  ID
	Type    ResourceType
	Address string
	Name    string
	IPStack string
	Filters []PortFilter
}

func (r Resource) Snapshot() ResourceSnapshot {
	return ResourceSnapshot{
		ID:      r.ID,
		SiteID:  r.SiteID,
		Type:    r.Type,
		Address: r.Address,
		Name:    r.Name,
		IPStack: r.IPStack,
		Filters: r.Filters,
	}
}
