package presence

import (
	"testing"
	"time"
)

func TestJoinNodeMakesSiteOnline(t *testing.T) {
	r := New()
	r.JoinNode("node-1", NodeInfo{SiteID: "site-1", Version: "1.3.0"})

	if !r.SiteHasOnlineNode("site-1") {
		t.Fatalf("expected site-1 to have an online node")
	}
	ids := r.OnlineNodesForSite("site-1")
	if len(ids) != 1 || ids[0] != "node-1" {
		t.Fatalf("expected [node-1], got %v", ids)
	}
}

func TestLeaveNodeTakesSiteOffline(t *testing.T) {
	r := New()
	r.JoinNode("node-1", NodeInfo{SiteID: "site-1"})
	r.LeaveNode("node-1", NodeInfo{SiteID: "site-1"})

	if r.SiteHasOnlineNode("site-1") {
		t.Fatalf("expected site-1 offline after leave")
	}
}

func TestStaleRemoteUpdateIsIgnored(t *testing.T) {
	r := New()
	now := time.Now()
	r.ApplyRemoteNode("node-1", NodeInfo{SiteID: "site-1"}, true, now)
	r.ApplyRemoteNode("node-1", NodeInfo{SiteID: "site-1"}, false, now.Add(-time.Minute))

	if !r.SiteHasOnlineNode("site-1") {
		t.Fatalf("expected stale offline update to be ignored, node should stay online")
	}
}

func TestNewerRemoteUpdateWins(t *testing.T) {
	r := New()
	now := time.Now()
	r.ApplyRemoteNode("node-1", NodeInfo{SiteID: "site-1"}, true, now)
	r.ApplyRemoteNode("node-1", NodeInfo{SiteID: "site-1"}, false, now.Add(time.Minute))

	if r.SiteHasOnlineNode("site-1") {
		t.Fatalf("expected newer offline update to win")
	}
}

func TestSnapshotOnlyIncludesOnlineRelays(t *testing.T) {
	r := New()
	r.JoinRelay("relay-1", RelayInfo{IPv4: "1.2.3.4", Port: 3478})
	r.JoinRelay("relay-2", RelayInfo{IPv4: "5.6.7.8", Port: 3478})
	r.LeaveRelay("relay-2", RelayInfo{IPv4: "5.6.7.8", Port: 3478})

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].ID != "relay-1" {
		t.Fatalf("expected only relay-1 online, got %+v", snap)
	}
}

func TestSubscribeReceivesSignalOnRelevantChange(t *testing.T) {
	r := New()
	sub := r.Subscribe("site-1")
	defer sub.Close()

	r.JoinNode("node-1", NodeInfo{SiteID: "site-1"})

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatalf("expected a presence signal for site-1")
	}
}

func TestSubscribeIgnoresUnrelatedTopic(t *testing.T) {
	r := New()
	sub := r.Subscribe("site-2")
	defer sub.Close()

	r.JoinNode("node-1", NodeInfo{SiteID: "site-1"})

	select {
	case <-sub.C:
		t.Fatalf("did not expect a signal for an unrelated site")
	case <-time.After(50 * time.Millisecond):
	}
}
