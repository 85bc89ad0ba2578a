package authcache

import (
	"net"
	"time"

	"github.com/r3e-network/accessplane/internal/model"
)

// evaluateConditions checks every condition attached to a policy against
// subject and returns the soonest expiry any condition or the credential
// imposes, or the list of violated property names if any condition fails.
// An empty conditions slice always holds.
func evaluateConditions(conditions []model.Condition, subject model.Subject, credentialExpiresAt time.Time, maxWindow time.Duration) (time.Time, []string) {
	expiresAt := credentialExpiresAt
	if maxWindow > 0 {
		if ceiling := subject.Now.Add(maxWindow); expiresAt.IsZero() || ceiling.Before(expiresAt) {
			expiresAt = ceiling
		}
	}

	var violated []string
	for _, cond := range conditions {
		ok, boundary, prop := evaluateCondition(cond, subject)
		if !ok {
			violated = append(violated, prop)
			continue
		}
		if !boundary.IsZero() && (expiresAt.IsZero() || boundary.Before(expiresAt)) {
			expiresAt = boundary
		}
	}
	return expiresAt, violated
}

// evaluateCondition reports whether cond currently holds for subject, the
// nearest future time at which it stops holding (zero if unbounded), and
// (when it fails) which property violated.
func evaluateCondition(cond model.Condition, subject model.Subject) (bool, time.Time, string) {
	now := subject.Now

	if cond.StartsAt != nil && now.Before(*cond.StartsAt) {
		return false, time.Time{}, "time"
	}
	if cond.EndsAt != nil && !now.Before(*cond.EndsAt) {
		return false, time.Time{}, "time"
	}

	var boundary time.Time
	if cond.EndsAt != nil {
		boundary = *cond.EndsAt
	}

	if len(cond.DaysOfWk) > 0 {
		if !containsInt(cond.DaysOfWk, int(now.Weekday())) {
			return false, time.Time{}, "time"
		}
	}

	if cond.StartTime != "" || cond.EndTime != "" {
		inWindow, windowEnd, ok := withinDailyWindow(now, cond.StartTime, cond.EndTime)
		if !ok {
			return false, time.Time{}, "time"
		}
		if !inWindow {
			return false, time.Time{}, "time"
		}
		if boundary.IsZero() || windowEnd.Before(boundary) {
			boundary = windowEnd
		}
	}

	if len(cond.CIDRs) > 0 {
		if subject.RemoteIP == "" || !ipInAnyCIDR(subject.RemoteIP, cond.CIDRs) {
			return false, time.Time{}, "remote_ip"
		}
	}

	if len(cond.Countries) > 0 {
		if subject.Country == "" || !containsString(cond.Countries, subject.Country) {
			return false, time.Time{}, "geo"
		}
	}

	return true, boundary, ""
}

// withinDailyWindow reports whether now's local clock time falls in
// [start, end] inclusive, and the next instant today (or tomorrow, if the
// window already passed today and wraps) at which the window closes.
func withinDailyWindow(now time.Time, start, end string) (bool, time.Time, bool) {
	startMin, ok1 := parseHHMM(start)
	endMin, ok2 := parseHHMM(end)
	if !ok1 || !ok2 {
		return false, time.Time{}, false
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	nowMin := int(now.Sub(midnight).Minutes())

	if startMin <= endMin {
		if nowMin < startMin || nowMin > endMin {
			return false, midnight.Add(time.Duration(endMin) * time.Minute), true
		}
		return true, midnight.Add(time.Duration(endMin) * time.Minute), true
	}

	// Window wraps past midnight, e.g. 22:00-06:00.
	if nowMin >= startMin {
		return true, midnight.AddDate(0, 0, 1).Add(time.Duration(endMin) * time.Minute), true
	}
	if nowMin <= endMin {
		return true, midnight.Add(time.Duration(endMin) * time.Minute), true
	}
	return false, midnight.Add(time.Duration(startMin) * time.Minute), true
}

func parseHHMM(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func ipInAnyCIDR(ipStr string, cidrs []string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, c := range cidrs {
		_, network, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
