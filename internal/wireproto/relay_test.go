package wireproto

import (
	"testing"
	"time"

	"github.com/r3e-network/accessplane/internal/presence"
)

func TestBuildRelayFrameIsDeterministicForSameInputs(t *testing.T) {
	relay := presence.RelaySnapshot{ID: "relay-1", RelayInfo: presence.RelayInfo{IPv4: "1.2.3.4", Port: 3478, StampSecret: "s3cr3t"}}
	expiresAt := time.Unix(1700000000, 0)

	a := BuildRelayFrame(relay, "pubkey-1", expiresAt)
	b := BuildRelayFrame(relay, "pubkey-1", expiresAt)

	if a != b {
		t.Fatalf("expected deterministic relay frame, got %+v and %+v", a, b)
	}
	if a.Addr != "1.2.3.4:3478" {
		t.Fatalf("expected ipv4:port addr, got %q", a.Addr)
	}
	if a.Type != "turn" {
		t.Fatalf("expected turn type, got %q", a.Type)
	}
}

func TestBuildRelayFrameBracketsIPv6(t *testing.T) {
	relay := presence.RelaySnapshot{ID: "relay-1", RelayInfo: presence.RelayInfo{IPv6: "::1", Port: 3478}}
	frame := BuildRelayFrame(relay, "pubkey-1", time.Unix(1700000000, 0))
	if frame.Addr != "[::1]:3478" {
		t.Fatalf("expected bracketed ipv6 addr, got %q", frame.Addr)
	}
}

func TestBuildRelayFrameDiffersByClientPubKey(t *testing.T) {
	relay := presence.RelaySnapshot{ID: "relay-1", RelayInfo: presence.RelayInfo{IPv4: "1.2.3.4", Port: 3478, StampSecret: "s3cr3t"}}
	expiresAt := time.Unix(1700000000, 0)

	a := BuildRelayFrame(relay, "pubkey-1", expiresAt)
	b := BuildRelayFrame(relay, "pubkey-2", expiresAt)

	if a.Username == b.Username || a.Password == b.Password {
		t.Fatalf("expected different credentials for different client pubkeys")
	}
}
