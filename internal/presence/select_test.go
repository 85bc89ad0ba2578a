package presence

import "testing"

func f(v float64) *float64 { return &v }

func TestSelectRelaysPrefersKnownLocationAndNearest(t *testing.T) {
	r := New()
	r.JoinRelay("far", RelayInfo{IPv4: "1.1.1.1", Lat: f(51.5), Lon: f(-0.1)})   // London
	r.JoinRelay("near", RelayInfo{IPv4: "2.2.2.2", Lat: f(40.7), Lon: f(-74.0)}) // New York
	r.JoinRelay("unknown", RelayInfo{IPv4: "3.3.3.3"})

	// client near New York
	picked := r.SelectRelays(f(40.0), f(-73.0))
	if len(picked) != 2 {
		t.Fatalf("expected two relays, got %d", len(picked))
	}
	if picked[0].ID != "near" {
		t.Fatalf("expected nearest relay first, got %s", picked[0].ID)
	}
}

func TestSelectRelaysRandomWithoutLocation(t *testing.T) {
	r := New()
	r.JoinRelay("a", RelayInfo{IPv4: "1.1.1.1"})
	r.JoinRelay("b", RelayInfo{IPv4: "2.2.2.2"})

	picked := r.SelectRelays(nil, nil)
	if len(picked) != 2 {
		t.Fatalf("expected two relays, got %d", len(picked))
	}
}

func TestVersionWindowAllowsMinorRangeOnly(t *testing.T) {
	if !versionWindow("1.3.0", "1.2.0") {
		t.Fatalf("expected 1.2.0 to be within window of client 1.3.0")
	}
	if !versionWindow("1.3.0", "1.4.0") {
		t.Fatalf("expected 1.4.0 to be within window of client 1.3.0")
	}
	if versionWindow("1.3.0", "1.1.0") {
		t.Fatalf("expected 1.1.0 to be outside window of client 1.3.0")
	}
	if versionWindow("1.3.0", "1.5.0") {
		t.Fatalf("expected 1.5.0 to be outside window of client 1.3.0")
	}
	if versionWindow("1.3.0", "2.3.0") {
		t.Fatalf("expected a different major version to be outside window")
	}
}

func TestCanRepresentPreOneTwoWildcardRules(t *testing.T) {
	if !CanRepresent("1.1.0", "*.example.com") {
		t.Fatalf("expected single leading * to be supported pre-1.2")
	}
	if CanRepresent("1.1.0", "db.*.example.com") {
		t.Fatalf("expected non-prefix * to be unsupported pre-1.2")
	}
	if CanRepresent("1.1.0", "a?.example.com") {
		t.Fatalf("expected ? to be unsupported pre-1.2")
	}
	if !CanRepresent("1.2.0", "db.*.example.com") {
		t.Fatalf("expected 1.2+ nodes to represent any pattern")
	}
	if !CanRepresent("1.1.0", "**.example.com") {
		t.Fatalf("expected ** prefix to down-convert to * pre-1.2")
	}
}

func TestSelectServingNodePrefersConnectedNodeIDs(t *testing.T) {
	r := New()
	r.JoinNode("node-1", NodeInfo{SiteID: "site-1", Version: "1.3.0"})
	r.JoinNode("node-2", NodeInfo{SiteID: "site-1", Version: "1.3.0"})

	id, ok := r.SelectServingNode("site-1", "db.internal", "1.3.0", []string{"node-2"})
	if !ok || id != "node-2" {
		t.Fatalf("expected node-2 preferred via connected_node_ids, got %s ok=%v", id, ok)
	}
}

func TestSelectServingNodeNoneOnline(t *testing.T) {
	r := New()
	_, ok := r.SelectServingNode("site-1", "db.internal", "1.3.0", nil)
	if ok {
		t.Fatalf("expected no candidate when no nodes are online")
	}
}
