package authcache

import (
	"testing"
	"time"

	"github.com/r3e-network/accessplane/internal/model"
)

func newTestCache() *Cache {
	return New(func(model.ID) bool { return true }, time.Now().Add(24*time.Hour), 48*time.Hour)
}

func subjectNow() model.Subject {
	return model.Subject{Now: time.Now(), RemoteIP: "10.0.0.5"}
}

func TestAddMembershipThenAddPolicyMakesResourceConnectable(t *testing.T) {
	c := newTestCache()
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1", Name: "db"})

	c.AddMembership("group-1", subjectNow())
	delta := c.AddPolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1"}, subjectNow())

	if len(delta.Added) != 1 || delta.Added[0].ID != "res-1" {
		t.Fatalf("expected res-1 added, got %+v", delta)
	}
	if _, ok := c.Connectable["res-1"]; !ok {
		t.Fatalf("expected res-1 in Connectable")
	}
}

func TestDeletePolicyRemovesResource(t *testing.T) {
	c := newTestCache()
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1"})
	c.AddMembership("group-1", subjectNow())
	c.AddPolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1"}, subjectNow())

	delta := c.DeletePolicy("pol-1", subjectNow())
	if len(delta.Removed) != 1 || delta.Removed[0] != "res-1" {
		t.Fatalf("expected res-1 removed, got %+v", delta)
	}
	if len(delta.Added) != 0 {
		t.Fatalf("expected no additions on delete, got %+v", delta.Added)
	}
}

func TestUpdatePolicyRetargetIsDeleteThenCreate(t *testing.T) {
	c := newTestCache()
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1"})
	c.SetResource(model.ResourceSnapshot{ID: "res-2", SiteID: "site-1"})
	c.AddMembership("group-1", subjectNow())
	c.AddPolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1"}, subjectNow())

	delta := c.UpdatePolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-2"}, subjectNow())

	if len(delta.Removed) != 1 || delta.Removed[0] != "res-1" {
		t.Fatalf("expected res-1 removed, got %+v", delta.Removed)
	}
	if len(delta.Added) != 1 || delta.Added[0].ID != "res-2" {
		t.Fatalf("expected res-2 added, got %+v", delta.Added)
	}
}

func TestUpdatePolicyNonStructuralIsInPlace(t *testing.T) {
	c := newTestCache()
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1"})
	c.AddMembership("group-1", subjectNow())
	c.AddPolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1"}, subjectNow())

	disabledAt := time.Now()
	delta := c.UpdatePolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1", DisabledAt: &disabledAt}, subjectNow())

	if len(delta.Removed) != 1 {
		t.Fatalf("expected disabling the only policy to remove the resource, got %+v", delta)
	}
	if _, ok := c.Connectable["res-1"]; ok {
		t.Fatalf("expected res-1 no longer connectable once its only policy is disabled")
	}
}

func TestDisabledPolicyNeverConnectable(t *testing.T) {
	c := newTestCache()
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1"})
	c.AddMembership("group-1", subjectNow())

	disabledAt := time.Now()
	delta := c.AddPolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1", DisabledAt: &disabledAt}, subjectNow())

	if len(delta.Added) != 0 {
		t.Fatalf("expected disabled policy to add nothing, got %+v", delta)
	}
}

func TestSiteOfflineMakesResourceUnconnectable(t *testing.T) {
	c := New(func(model.ID) bool { return false }, time.Now().Add(24*time.Hour), 48*time.Hour)
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1"})
	c.AddMembership("group-1", subjectNow())
	delta := c.AddPolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1"}, subjectNow())

	if len(delta.Added) != 0 {
		t.Fatalf("expected no additions while site is offline, got %+v", delta)
	}
}

func TestAuthorizeResourceForbiddenReportsViolatedProperties(t *testing.T) {
	c := newTestCache()
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1"})
	c.AddMembership("group-1", subjectNow())
	c.AddPolicy(model.Policy{
		ID: "pol-1", GroupID: "group-1", ResourceID: "res-1",
		Conditions: []model.Condition{{CIDRs: []string{"192.168.0.0/24"}}},
	}, subjectNow())

	result := c.AuthorizeResource("res-1", model.Subject{Now: time.Now(), RemoteIP: "10.0.0.5"})
	if !result.Forbidden {
		t.Fatalf("expected forbidden, got %+v", result)
	}
	if len(result.ViolatedProperties) != 1 || result.ViolatedProperties[0] != "remote_ip" {
		t.Fatalf("expected remote_ip violation, got %+v", result.ViolatedProperties)
	}
}

func TestAuthorizeResourceNotFound(t *testing.T) {
	c := newTestCache()
	result := c.AuthorizeResource("missing", subjectNow())
	if !result.NotFound {
		t.Fatalf("expected not_found, got %+v", result)
	}
}

func TestAuthorizeResourceSuccess(t *testing.T) {
	c := newTestCache()
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1"})
	c.AddMembership("group-1", subjectNow())
	c.AddPolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1"}, subjectNow())

	result := c.AuthorizeResource("res-1", subjectNow())
	if result.NotFound || result.Forbidden {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.PolicyID != "pol-1" {
		t.Fatalf("expected pol-1, got %s", result.PolicyID)
	}
}

func TestRecomputeConnectableResourcesMatchesIncremental(t *testing.T) {
	c := newTestCache()
	c.SetResource(model.ResourceSnapshot{ID: "res-1", SiteID: "site-1"})
	c.SetResource(model.ResourceSnapshot{ID: "res-2", SiteID: "site-1"})
	c.AddMembership("group-1", subjectNow())
	c.AddPolicy(model.Policy{ID: "pol-1", GroupID: "group-1", ResourceID: "res-1"}, subjectNow())

	before := snapshotConnectable(c)
	c.RecomputeConnectableResources(subjectNow())
	after := snapshotConnectable(c)

	if len(before) != len(after) {
		t.Fatalf("recompute-from-scratch diverged: before=%v after=%v", before, after)
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			t.Fatalf("recompute-from-scratch dropped %s", id)
		}
	}
}

func snapshotConnectable(c *Cache) map[model.ID]struct{} {
	out := make(map[model.ID]struct{}, len(c.Connectable))
	for id := range c.Connectable {
		out[id] = struct{}{}
	}
	return out
}
