package authz

import (
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	cases := map[string]int{
		"00:00": 0,
		"09:00": 540,
		" 18:01": 1081,
		"23:59": 1439,
	}
	for raw, want := range cases {
		got, err := parseClock(raw)
		if err != nil {
			t.Fatalf("parseClock(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("parseClock(%q)=%d, want %d", raw, got, want)
		}
	}
	for _, bad := range []string{"", "9", "24:00", "12:60", "ab:cd", "-1:30"} {
		if _, err := parseClock(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestWithinWindowUsesLocation(t *testing.T) {
	nairobi := time.FixedZone("EAT", 3*60*60)
	w := timeWindow{Start: "09:00", End: "18:00"}
	// 07:30 UTC is 10:30 in UTC+3.
	now := time.Date(2026, 10, 19, 7, 30, 0, 0, time.UTC)

	ok, err := withinWindow(w, now, nairobi)
	if err != nil || !ok {
		t.Fatalf("expected match in UTC+3, got %v %v", ok, err)
	}
	ok, err = withinWindow(w, now, time.UTC)
	if err != nil || ok {
		t.Fatalf("expected no match in UTC, got %v %v", ok, err)
	}
}

func TestIPAllowed(t *testing.T) {
	allowed := []string{"192.168.1.10", " 10.0.0.5 ", "2001:db8::1"}
	cases := []struct {
		ip   string
		want bool
	}{
		{"192.168.1.10", true},
		{"10.0.0.5", true},
		{"::ffff:10.0.0.5", true},
		{"2001:db8:0:0:0:0:0:1", true},
		{"192.168.1.11", false},
		{"", false},
		{"not-an-ip", false},
	}
	for _, tc := range cases {
		if got := ipAllowed(tc.ip, allowed); got != tc.want {
			t.Fatalf("ipAllowed(%q)=%v, want %v", tc.ip, got, tc.want)
		}
	}
}

func TestEvaluateConditionUnknownKind(t *testing.T) {
	res := evaluateCondition(ConditionalPermission{ConditionType: "device_restriction"}, AccessContext{}, time.UTC)
	if !res.Passed || res.Known {
		t.Fatalf("unexpected result: %+v", res)
	}
}
