package main

import (
	"bytes"
	"strings"
	"testing"

	"gracechurch.org/authz/internal/review"
)

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	err := printTable(&buf, []review.Candidate{
		{ID: "u1", Username: "office", Role: "admin", PermissionsCount: 10, RiskScore: 80, DaysSinceReview: 200, ReviewPriority: review.PriorityCritical},
		{ID: "u2", Username: "mary", Role: "member", PermissionsCount: 1, RiskScore: 31, DaysSinceReview: review.NeverReviewedDays, ReviewPriority: review.PriorityCritical},
	})
	if err != nil {
		t.Fatalf("printTable: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"PRIORITY", "office", "never", "2 users", "critical=2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}
