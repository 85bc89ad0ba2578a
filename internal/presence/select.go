package presence

import (
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/r3e-network/accessplane/internal/model"
)

// SelectRelays picks the two best online relays for a client at (lat, lon),
// per spec.md §4.7: ranked by distance, unknown-location relays sort last.
// If the client has no location, two relays are picked at random.
func (r *Registry) SelectRelays(lat, lon *float64) []RelaySnapshot {
	all := r.Snapshot()
	if len(all) == 0 {
		return nil
	}

	if lat == nil || lon == nil {
		shuffled := append([]RelaySnapshot(nil), all...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return firstN(shuffled, 2)
	}

	sort.SliceStable(all, func(i, j int) bool {
		di, oki := distance(*lat, *lon, all[i])
		dj, okj := distance(*lat, *lon, all[j])
		if oki != okj {
			return oki // known-location relays sort before unknown ones
		}
		if !oki {
			return false
		}
		return di < dj
	})
	return firstN(all, 2)
}

func firstN(s []RelaySnapshot, n int) []RelaySnapshot {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func distance(lat, lon float64, relay RelaySnapshot) (float64, bool) {
	if relay.Lat == nil || relay.Lon == nil {
		return 0, false
	}
	// Haversine great-circle distance in kilometers.
	const earthRadiusKM = 6371.0
	lat1, lon1 := toRadians(lat), toRadians(lon)
	lat2, lon2 := toRadians(*relay.Lat), toRadians(*relay.Lon)
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c, true
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

// versionWindow reports whether candidate satisfies
// [client_major.(minor-1).0, client_major.(minor+2).0), per spec.md §4.7.
func versionWindow(clientVersion, candidateVersion string) bool {
	cMajor, cMinor, ok := parseMajorMinor(clientVersion)
	if !ok {
		return true // no client version given: don't exclude on this axis
	}
	nMajor, nMinor, ok := parseMajorMinor(candidateVersion)
	if !ok {
		return false
	}
	if nMajor != cMajor {
		return false
	}
	return nMinor >= cMinor-1 && nMinor < cMinor+2
}

func parseMajorMinor(v string) (int, int, bool) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// isPreOneTwo reports whether version predates the 1.2 wildcard-DNS rules.
func isPreOneTwo(version string) bool {
	major, minor, ok := parseMajorMinor(version)
	if !ok {
		return true
	}
	return major < 1 || (major == 1 && minor < 2)
}

// CanRepresent reports whether a node running nodeVersion can serve address,
// applying the pre-1.2 wildcard-DNS down-conversion rules from spec.md §4.7:
// "**" as a prefix becomes "*", any other "**" is dropped, "?" is unsupported,
// and only a single leading "*" is allowed.
func CanRepresent(nodeVersion, address string) bool {
	if !isPreOneTwo(nodeVersion) {
		return true
	}
	if strings.Contains(address, "?") {
		return false
	}
	if !strings.Contains(address, "*") {
		return true
	}
	if strings.HasPrefix(address, "**") {
		rest := address[2:]
		return !strings.Contains(rest, "*")
	}
	if strings.HasPrefix(address, "*") {
		rest := address[1:]
		return !strings.Contains(rest, "*")
	}
	return false // "*" appears, but not as a supported prefix form
}

// SelectServingNode picks the serving node for (clientVersion, resource),
// per spec.md §4.7: online nodes in resourceSiteID, filtered by version
// window and wildcard-DNS compatibility, preferring any id already in
// connectedNodeIDs (multiplexing), else the candidate with the lowest id.
// Node and client location are not considered.
func (r *Registry) SelectServingNode(resourceSiteID model.ID, resourceAddress, clientVersion string, connectedNodeIDs []model.ID) (model.ID, bool) {
	candidates := r.onlineCompatibleNodes(resourceSiteID, resourceAddress, clientVersion)
	if len(candidates) == 0 {
		return "", false
	}

	connected := make(map[model.ID]struct{}, len(connectedNodeIDs))
	for _, id := range connectedNodeIDs {
		connected[id] = struct{}{}
	}
	for _, id := range candidates {
		if _, ok := connected[id]; ok {
			return id, true
		}
	}

	sort.Strings(candidates)
	return candidates[0], true
}

func (r *Registry) onlineCompatibleNodes(siteID model.ID, address, clientVersion string) []model.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.ID
	for id, e := range r.nodes {
		if !e.online || e.value.SiteID != siteID {
			continue
		}
		if !versionWindow(clientVersion, e.value.Version) {
			continue
		}
		if !CanRepresent(e.value.Version, address) {
			continue
		}
		out = append(out, id)
	}
	return out
}
