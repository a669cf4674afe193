package authz

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// timeWindow is the condition_value of a time_restriction row, e.g.
// {"start":"09:00","end":"18:00"}.
type timeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ipAllowList is the condition_value of an ip_restriction row.
type ipAllowList struct {
	AllowedIPs []string `json:"allowed_ips"`
}

// conditionResult explains how a single constraint was judged.
type conditionResult struct {
	Passed bool
	Known  bool
	Reason string
}

func evaluateCondition(c ConditionalPermission, ac AccessContext, loc *time.Location) conditionResult {
	switch c.ConditionType {
	case ConditionTime:
		var w timeWindow
		if err := json.Unmarshal(c.ConditionValue, &w); err != nil {
			return conditionResult{Known: true, Reason: "malformed time window"}
		}
		ok, err := withinWindow(w, ac.Now, loc)
		if err != nil {
			return conditionResult{Known: true, Reason: err.Error()}
		}
		if !ok {
			return conditionResult{Known: true, Reason: "outside allowed time window"}
		}
		return conditionResult{Passed: true, Known: true}
	case ConditionIP:
		var list ipAllowList
		if err := json.Unmarshal(c.ConditionValue, &list); err != nil {
			return conditionResult{Known: true, Reason: "malformed ip allow-list"}
		}
		if !ipAllowed(ac.IP, list.AllowedIPs) {
			return conditionResult{Known: true, Reason: "ip not in allow-list"}
		}
		return conditionResult{Passed: true, Known: true}
	default:
		// Unknown constraint kinds pass.
		return conditionResult{Passed: true, Known: false, Reason: "unrecognized condition type"}
	}
}

// withinWindow reports whether now's minute-of-day lies in [start, end], both ends
// inclusive. Windows that cross midnight (start after end) never match.
func withinWindow(w timeWindow, now time.Time, loc *time.Location) (bool, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return false, fmt.Errorf("invalid window start: %w", err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, fmt.Errorf("invalid window end: %w", err)
	}
	if loc != nil {
		now = now.In(loc)
	}
	minute := now.Hour()*60 + now.Minute()
	return minute >= start && minute <= end, nil
}

func parseClock(raw string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return 0, fmt.Errorf("%q is not HH:MM", raw)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", raw)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", raw)
	}
	return h*60 + m, nil
}

func ipAllowed(raw string, allowed []string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	addr, err := netip.ParseAddr(raw)
	for _, candidate := range allowed {
		candidate = strings.TrimSpace(candidate)
		if candidate == raw {
			return true
		}
		if err != nil {
			continue
		}
		if other, perr := netip.ParseAddr(candidate); perr == nil && other.Unmap() == addr.Unmap() {
			return true
		}
	}
	return false
}
