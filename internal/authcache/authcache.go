// Package authcache implements the per-client Authorization Cache (C5): a
// plain struct with explicit index maps and pure mutation functions that
// return the deltas a Session Actor should push to its client. There are no
// transactions; every mutation recomputes just the slice of state it affects.
package authcache

import (
	"time"

	"github.com/r3e-network/accessplane/internal/model"
)

// Connectable is the derived entry for one authorized resource.
type Connectable struct {
	PolicyID     model.ID
	MembershipID model.ID
	ExpiresAt    time.Time
}

// Cache is one client's materialized authorization view.
type Cache struct {
	Memberships map[model.ID]struct{} // group_id set

	policies   map[model.ID]model.Policy
	byGroup    map[model.ID]map[model.ID]struct{} // group_id -> policy_id set
	byResource map[model.ID]map[model.ID]struct{} // resource_id -> policy_id set

	resources map[model.ID]model.ResourceSnapshot

	Connectable map[model.ID]Connectable // resource_id -> entry

	// SiteOnline reports whether a site currently has at least one online,
	// version-compatible serving node for this client; it is supplied by the
	// caller (backed by internal/presence) rather than owned by the cache.
	SiteOnline func(siteID model.ID) bool

	// CredentialExpiresAt bounds every Connectable's expiry.
	CredentialExpiresAt time.Time
	// MaxExpiryWindow clamps condition-derived expiries to now+window.
	MaxExpiryWindow time.Duration
}

// New builds an empty cache. siteOnline is held for the cache's lifetime;
// credentialExpiresAt is the initial bound, which Reinitialize replaces.
func New(siteOnline func(model.ID) bool, credentialExpiresAt time.Time, maxExpiryWindow time.Duration) *Cache {
	return &Cache{
		Memberships:          make(map[model.ID]struct{}),
		policies:             make(map[model.ID]model.Policy),
		byGroup:              make(map[model.ID]map[model.ID]struct{}),
		byResource:           make(map[model.ID]map[model.ID]struct{}),
		resources:            make(map[model.ID]model.ResourceSnapshot),
		Connectable:          make(map[model.ID]Connectable),
		SiteOnline:           siteOnline,
		CredentialExpiresAt:  credentialExpiresAt,
		MaxExpiryWindow:      maxExpiryWindow,
	}
}

// Reinitialize resets the cache in place for a fresh connect/reconnect
// cycle, preserving the pointer a Flow Handshake Coordinator already holds a
// reference to (session and flow share one Cache per client).
func (c *Cache) Reinitialize(credentialExpiresAt time.Time) {
	c.Memberships = make(map[model.ID]struct{})
	c.policies = make(map[model.ID]model.Policy)
	c.byGroup = make(map[model.ID]map[model.ID]struct{})
	c.byResource = make(map[model.ID]map[model.ID]struct{})
	c.resources = make(map[model.ID]model.ResourceSnapshot)
	c.Connectable = make(map[model.ID]Connectable)
	c.CredentialExpiresAt = credentialExpiresAt
}

// Delta is what changed as a result of one mutation.
type Delta struct {
	Added   []model.ResourceSnapshot
	Removed []model.ID
}

func (d Delta) empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// indexPolicy registers p in byGroup/byResource; callers must already hold
// no conflicting entry for p.ID.
func (c *Cache) indexPolicy(p model.Policy) {
	c.policies[p.ID] = p
	if c.byGroup[p.GroupID] == nil {
		c.byGroup[p.GroupID] = make(map[model.ID]struct{})
	}
	c.byGroup[p.GroupID][p.ID] = struct{}{}
	if c.byResource[p.ResourceID] == nil {
		c.byResource[p.ResourceID] = make(map[model.ID]struct{})
	}
	c.byResource[p.ResourceID][p.ID] = struct{}{}
}

func (c *Cache) unindexPolicy(id model.ID) {
	p, ok := c.policies[id]
	if !ok {
		return
	}
	delete(c.policies, id)
	delete(c.byGroup[p.GroupID], id)
	if len(c.byGroup[p.GroupID]) == 0 {
		delete(c.byGroup, p.GroupID)
	}
	delete(c.byResource[p.ResourceID], id)
	if len(c.byResource[p.ResourceID]) == 0 {
		delete(c.byResource, p.ResourceID)
	}
}

// AddMembership adds group_id to the client's memberships and recomputes
// every policy attached to that group.
func (c *Cache) AddMembership(groupID model.ID, subject model.Subject) Delta {
	if _, ok := c.Memberships[groupID]; ok {
		return Delta{}
	}
	c.Memberships[groupID] = struct{}{}
	return c.recomputeGroup(groupID, subject)
}

// RemoveMembership is the symmetric inverse of AddMembership.
func (c *Cache) RemoveMembership(groupID model.ID, subject model.Subject) Delta {
	if _, ok := c.Memberships[groupID]; !ok {
		return Delta{}
	}
	delete(c.Memberships, groupID)
	return c.recomputeGroup(groupID, subject)
}

func (c *Cache) recomputeGroup(groupID model.ID, subject model.Subject) Delta {
	resourceIDs := make(map[model.ID]struct{})
	for policyID := range c.byGroup[groupID] {
		resourceIDs[c.policies[policyID].ResourceID] = struct{}{}
	}
	var total Delta
	for resourceID := range resourceIDs {
		total = mergeDelta(total, c.recomputeResourceEntry(resourceID, subject))
	}
	return total
}

// AddPolicy registers a new policy and recomputes its resource's entry.
func (c *Cache) AddPolicy(p model.Policy, subject model.Subject) Delta {
	c.indexPolicy(p)
	return c.recomputePolicy(p.ID, subject)
}

// UpdatePolicy replaces an existing policy. Per spec.md §4.6, if resource_id,
// group_id, or conditions changed this is a delete-then-insert (so dependent
// consumers see a clean resource_deleted/resource_created_or_updated pair);
// otherwise it is an in-place update.
func (c *Cache) UpdatePolicy(p model.Policy, subject model.Subject) Delta {
	old, existed := c.policies[p.ID]
	if !existed {
		return c.AddPolicy(p, subject)
	}

	structuralChange := old.ResourceID != p.ResourceID ||
		old.GroupID != p.GroupID ||
		!sameConditions(old.Conditions, p.Conditions)

	if !structuralChange {
		c.policies[p.ID] = p
		return c.recomputePolicy(p.ID, subject)
	}

	del := c.DeletePolicy(old.ID, subject)
	if !p.Enabled() {
		return del
	}
	add := c.AddPolicy(p, subject)
	return mergeDelta(del, add)
}

// DeletePolicy removes a policy and recomputes its resource's entry.
func (c *Cache) DeletePolicy(id model.ID, subject model.Subject) Delta {
	p, ok := c.policies[id]
	if !ok {
		return Delta{}
	}
	c.unindexPolicy(id)
	return c.recomputeResource(p.ResourceID, subject)
}

// UpdateResource replaces a resource snapshot. If the site changed, the
// caller must treat this as delete-then-create (connlib-compatible clients
// do not support in-place site reassignment) — UpdateResource itself always
// returns a clean (added, removed) pair reflecting that.
func (c *Cache) UpdateResource(r model.ResourceSnapshot, subject model.Subject) Delta {
	old, existed := c.resources[r.ID]
	siteChanged := existed && old.SiteID != r.SiteID
	_, wasConnectable := c.Connectable[r.ID]

	var total Delta
	if siteChanged && wasConnectable {
		// connlib does not support in-place site reassignment: force a clean
		// delete before the resource reappears under its new site.
		delete(c.Connectable, r.ID)
		total.Removed = append(total.Removed, r.ID)
	}

	c.resources[r.ID] = r
	total = mergeDelta(total, c.recomputeResource(r.ID, subject))
	return total
}

// UpdateResourcesWithSiteName cascades a Site rename: it re-derives every
// cached resource of siteID and returns each still-connectable one in Added,
// so callers re-push it as resource_created_or_updated. newSiteName is not
// stored; ResourceSnapshot carries no site name.
func (c *Cache) UpdateResourcesWithSiteName(siteID model.ID, newSiteName string, subject model.Subject) Delta {
	var total Delta
	for id, snap := range c.resources {
		if snap.SiteID != siteID {
			continue
		}
		total = mergeDelta(total, c.recomputeResource(id, subject))
	}
	return total
}

// SetResource registers or replaces a resource snapshot without recomputing
// connectability (used at init, before any policy references it).
func (c *Cache) SetResource(r model.ResourceSnapshot) {
	c.resources[r.ID] = r
}

// ResourceSnapshot looks up a registered resource's cached snapshot,
// regardless of its current connectability.
func (c *Cache) ResourceSnapshot(id model.ID) (model.ResourceSnapshot, bool) {
	snap, ok := c.resources[id]
	return snap, ok
}

// DeleteResource removes a resource entirely. The Session Actor calls it for
// an actual DELETE of the resources row and for an update that sets the
// row's deleted_at (a soft delete).
func (c *Cache) DeleteResource(id model.ID, subject model.Subject) Delta {
	delete(c.resources, id)
	return c.recomputeResourceEntry(id, subject)
}

// recomputeResource re-derives a single resource's Connectable entry from
// every policy currently targeting it.
func (c *Cache) recomputeResource(resourceID model.ID, subject model.Subject) Delta {
	return c.recomputeResourceEntry(resourceID, subject)
}

// recomputePolicy re-evaluates the resource a single policy targets. Because
// a resource may be reachable through more than one policy, this always
// re-derives the resource's *best* entry from every eligible policy that
// currently targets it, not just policyID.
func (c *Cache) recomputePolicy(policyID model.ID, subject model.Subject) Delta {
	p, ok := c.policies[policyID]
	if !ok {
		return Delta{}
	}
	return c.recomputeResourceEntry(p.ResourceID, subject)
}

func (c *Cache) recomputeResourceEntry(resourceID model.ID, subject model.Subject) Delta {
	snap, haveResource := c.resources[resourceID]
	_, wasConnectable := c.Connectable[resourceID]

	if !haveResource || !c.siteCompatible(snap.SiteID) {
		if wasConnectable {
			delete(c.Connectable, resourceID)
			return Delta{Removed: []model.ID{resourceID}}
		}
		return Delta{}
	}

	best, ok := c.bestPolicyFor(resourceID, subject)
	if !ok {
		if wasConnectable {
			delete(c.Connectable, resourceID)
			return Delta{Removed: []model.ID{resourceID}}
		}
		return Delta{}
	}

	c.Connectable[resourceID] = best
	return Delta{Added: []model.ResourceSnapshot{snap}}
}

func (c *Cache) siteCompatible(siteID model.ID) bool {
	if siteID == "" {
		return true // internet resources have no site
	}
	if c.SiteOnline == nil {
		return true
	}
	return c.SiteOnline(siteID)
}

// bestPolicyFor finds the earliest-expiring eligible policy authorizing
// resourceID for the client's current memberships, per spec.md's "distinct
// union ... filtered to site-compatible resources" rule.
func (c *Cache) bestPolicyFor(resourceID model.ID, subject model.Subject) (Connectable, bool) {
	var best *Connectable
	var bestPolicyID model.ID
	for policyID := range c.byResource[resourceID] {
		p := c.policies[policyID]
		if !p.Enabled() {
			continue
		}
		if _, member := c.Memberships[p.GroupID]; !member {
			continue
		}
		expiresAt, violated := evaluateConditions(p.Conditions, subject, c.CredentialExpiresAt, c.MaxExpiryWindow)
		if len(violated) > 0 {
			continue
		}
		if best == nil || expiresAt.Before(best.ExpiresAt) {
			best = &Connectable{PolicyID: p.ID, ExpiresAt: expiresAt}
			bestPolicyID = policyID
		}
	}
	if best == nil {
		return Connectable{}, false
	}
	_ = bestPolicyID
	return *best, true
}

// AuthorizeResult is the disposition of an AuthorizeResource call.
type AuthorizeResult struct {
	Resource            model.ResourceSnapshot
	PolicyID            model.ID
	ExpiresAt           time.Time
	NotFound            bool
	Forbidden           bool
	ViolatedProperties  []string
}

// AuthorizeResource yields the current authorization for resourceID, or a
// not_found/forbidden disposition. This mirrors Connectable but re-evaluates
// conditions against the live subject rather than trusting the cached entry,
// since time-based conditions can lapse between recompute ticks.
func (c *Cache) AuthorizeResource(resourceID model.ID, subject model.Subject) AuthorizeResult {
	snap, ok := c.resources[resourceID]
	if !ok {
		return AuthorizeResult{NotFound: true}
	}

	var violated []string
	var best *Connectable
	for policyID := range c.byResource[resourceID] {
		p := c.policies[policyID]
		if !p.Enabled() {
			continue
		}
		if _, member := c.Memberships[p.GroupID]; !member {
			continue
		}
		expiresAt, v := evaluateConditions(p.Conditions, subject, c.CredentialExpiresAt, c.MaxExpiryWindow)
		if len(v) > 0 {
			violated = append(violated, v...)
			continue
		}
		if best == nil || expiresAt.Before(best.ExpiresAt) {
			best = &Connectable{PolicyID: p.ID, ExpiresAt: expiresAt}
		}
	}

	if best != nil {
		return AuthorizeResult{Resource: snap, PolicyID: best.PolicyID, ExpiresAt: best.ExpiresAt}
	}
	if len(violated) > 0 {
		return AuthorizeResult{Forbidden: true, ViolatedProperties: dedupe(violated)}
	}
	return AuthorizeResult{NotFound: true}
}

// RecomputeConnectableResources fully re-derives Connectable from scratch,
// used at init and on the periodic tick to honor time-window conditions that
// lapse or newly come into effect without any upstream Change.
func (c *Cache) RecomputeConnectableResources(subject model.Subject) Delta {
	var total Delta
	seen := make(map[model.ID]struct{}, len(c.resources))
	for id := range c.resources {
		seen[id] = struct{}{}
		total = mergeDelta(total, c.recomputeResourceEntry(id, subject))
	}
	for id := range c.Connectable {
		if _, ok := seen[id]; !ok {
			delete(c.Connectable, id)
			total.Removed = append(total.Removed, id)
		}
	}
	return total
}

func mergeDelta(a, b Delta) Delta {
	if b.empty() {
		return a
	}
	a.Added = append(a.Added, b.Added...)
	a.Removed = append(a.Removed, b.Removed...)
	return a
}

func sameConditions(a, b []model.Condition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameCondition(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameCondition(a, b model.Condition) bool {
	if !timeEqual(a.StartsAt, b.StartsAt) || !timeEqual(a.EndsAt, b.EndsAt) {
		return false
	}
	if a.StartTime != b.StartTime || a.EndTime != b.EndTime {
		return false
	}
	if !intsEqual(a.DaysOfWk, b.DaysOfWk) {
		return false
	}
	if !stringsEqual(a.CIDRs, b.CIDRs) || !stringsEqual(a.Countries, b.Countries) {
		return false
	}
	return true
}

func timeEqual(a, b *time.Time) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Equal(*b)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
