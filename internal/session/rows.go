package session

import (
	"time"

	"github.com/r3e-network/accessplane/internal/model"
)

// pgTimeLayouts covers the text-format timestamp renderings pgoutput emits
// for timestamp/timestamptz columns.
var pgTimeLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

func parsePGTime(s string) (time.Time, bool) {
	for _, layout := range pgTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// str extracts a string column from a decoded row, tolerating a nil row or
// a missing/non-string value.
func str(row map[string]interface{}, key string) string {
	if row == nil {
		return ""
	}
	s, _ := row[key].(string)
	return s
}

func timePtr(row map[string]interface{}, key string) *time.Time {
	s := str(row, key)
	if s == "" {
		return nil
	}
	t, ok := parsePGTime(s)
	if !ok {
		return nil
	}
	return &t
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

// conditionsFrom reads a jsonb[] column already opportunistically decoded by
// walproto.DecodeJSONCells into a []interface{} of maps.
func conditionsFrom(row map[string]interface{}, key string) []model.Condition {
	if row == nil {
		return nil
	}
	list, ok := row[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]model.Condition, 0, len(list))
	for _, elem := range list {
		m, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, conditionFromMap(m))
	}
	return out
}

func conditionFromMap(m map[string]interface{}) model.Condition {
	var c model.Condition
	if t := timePtr(m, "starts_at"); t != nil {
		c.StartsAt = t
	}
	if t := timePtr(m, "ends_at"); t != nil {
		c.EndsAt = t
	}
	c.StartTime = str(m, "start_time")
	c.EndTime = str(m, "end_time")
	if arr, ok := m["days_of_week"].([]interface{}); ok {
		for _, d := range arr {
			if f, ok := d.(float64); ok {
				c.DaysOfWk = append(c.DaysOfWk, int(f))
			}
		}
	}
	if arr, ok := m["remote_ip_cidrs"].([]interface{}); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				c.CIDRs = append(c.CIDRs, s)
			}
		}
	}
	if arr, ok := m["country_codes"].([]interface{}); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				c.Countries = append(c.Countries, s)
			}
		}
	}
	return c
}

func policyFromRow(row map[string]interface{}) model.Policy {
	return model.Policy{
		ID:         str(row, "id"),
		AccountID:  str(row, "account_id"),
		GroupID:    str(row, "group_id"),
		ResourceID: str(row, "resource_id"),
		Conditions: conditionsFrom(row, "conditions"),
		DisabledAt: timePtr(row, "disabled_at"),
		DeletedAt:  timePtr(row, "deleted_at"),
	}
}

func portFiltersFrom(row map[string]interface{}, key string) []model.PortFilter {
	if row == nil {
		return nil
	}
	list, ok := row[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]model.PortFilter, 0, len(list))
	for _, elem := range list {
		m, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, model.PortFilter{Protocol: str(m, "protocol"), Ports: str(m, "ports")})
	}
	return out
}

func resourceFromRow(row map[string]interface{}) model.ResourceSnapshot {
	return model.ResourceSnapshot{
		ID:      str(row, "id"),
		SiteID:  str(row, "site_id"),
		Type:    model.ResourceType(str(row, "type")),
		Address: str(row, "address"),
		Name:    str(row, "name"),
		IPStack: str(row, "ip_stack"),
		Filters: portFiltersFrom(row, "filters"),
	}
}
