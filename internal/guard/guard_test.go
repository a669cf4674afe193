package guard

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"gracechurch.org/authz/internal/authz"
)

type accessCall struct {
	userID, action, resource string
	success                  bool
	extra                    map[string]any
}

type stubEvaluator struct {
	hasPermissionFn  func(userID, permission string) bool
	hasDataAccessFn  func(userID, resourceType, targetUserID, targetUnitID string) bool
	conditionalFn    func(userID, permission string, ac authz.AccessContext) bool
	permissionCalls  int
	dataAccessCalls  int
	conditionalCalls int
	logged           []accessCall
}

func (s *stubEvaluator) HasPermission(_ context.Context, userID, permission string) bool {
	s.permissionCalls++
	if s.hasPermissionFn == nil {
		return false
	}
	return s.hasPermissionFn(userID, permission)
}

func (s *stubEvaluator) HasDataAccess(_ context.Context, userID, resourceType, targetUserID, targetUnitID string) bool {
	s.dataAccessCalls++
	if s.hasDataAccessFn == nil {
		return false
	}
	return s.hasDataAccessFn(userID, resourceType, targetUserID, targetUnitID)
}

func (s *stubEvaluator) HasConditionalAccess(_ context.Context, userID, permission string, ac authz.AccessContext) bool {
	s.conditionalCalls++
	if s.conditionalFn == nil {
		return false
	}
	return s.conditionalFn(userID, permission, ac)
}

func (s *stubEvaluator) LogAccess(_ context.Context, userID, action, resource string, success bool, _ authz.AccessContext, extra map[string]any) {
	s.logged = append(s.logged, accessCall{userID: userID, action: action, resource: resource, success: success, extra: extra})
}

func (s *stubEvaluator) lookups() int {
	return s.permissionCalls + s.dataAccessCalls + s.conditionalCalls
}

func allow(string, string) bool { return true }

func newGuard(t *testing.T, eval Evaluator, policies []Policy, opts ...Option) *Guard {
	t.Helper()
	g, err := New(eval, policies, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

var churchPolicies = []Policy{
	{Pattern: "/admin/*", Permission: "admin.access"},
	{Pattern: "/admin/members/*", Permission: "members.view", DataLevel: true},
	{Pattern: "/admin/finance/*", Permission: "finance.view", Conditional: true},
	{Pattern: "/admin/settings", Permission: "settings.manage"},
}

func TestCheckRouteAccessUnmatchedAllowsWithoutLookup(t *testing.T) {
	eval := &stubEvaluator{}
	g := newGuard(t, eval, churchPolicies)

	d := g.CheckRouteAccess(context.Background(), "/public/info", "", RequestContext{})
	if !d.Allowed || d.Reason != "" || d.Policy != nil {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if eval.lookups() != 0 {
		t.Fatalf("expected no evaluator lookups, got %d", eval.lookups())
	}
	if len(eval.logged) != 0 {
		t.Fatalf("unmatched routes are not audited, got %d entries", len(eval.logged))
	}
}

func TestCheckRouteAccessUnmatchedDenyOption(t *testing.T) {
	eval := &stubEvaluator{}
	g := newGuard(t, eval, churchPolicies, WithUnmatchedDeny())

	d := g.CheckRouteAccess(context.Background(), "/public/info", "u1", RequestContext{})
	if d.Allowed || d.Reason != ReasonUnmatched {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if eval.lookups() != 0 {
		t.Fatal("expected no evaluator lookups")
	}
}

func TestCheckRouteAccessSpecificityBeatsTableOrder(t *testing.T) {
	var asked []string
	eval := &stubEvaluator{
		hasPermissionFn: func(_, permission string) bool {
			asked = append(asked, permission)
			return true
		},
		hasDataAccessFn: func(string, string, string, string) bool { return true },
	}
	g := newGuard(t, eval, churchPolicies)

	d := g.CheckRouteAccess(context.Background(), "/admin/members/42", "u1", RequestContext{})
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	if d.Policy == nil || d.Policy.Pattern != "/admin/members/*" {
		t.Fatalf("expected the members policy, got %+v", d.Policy)
	}
	if len(asked) != 1 || asked[0] != "members.view" {
		t.Fatalf("unexpected permission checks: %v", asked)
	}
}

func TestCheckRouteAccessExactBeatsWildcard(t *testing.T) {
	eval := &stubEvaluator{hasPermissionFn: func(_, permission string) bool { return permission == "settings.manage" }}
	g := newGuard(t, eval, churchPolicies)

	d := g.CheckRouteAccess(context.Background(), "/admin/settings", "u1", RequestContext{})
	if !d.Allowed || d.Policy.Pattern != "/admin/settings" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	d = g.CheckRouteAccess(context.Background(), "/admin/settings/mail", "u1", RequestContext{})
	if d.Allowed || d.Reason != ReasonPermission {
		t.Fatalf("expected broader wildcard to deny, got %+v", d)
	}
}

func TestCheckRouteAccessPermissionDenied(t *testing.T) {
	eval := &stubEvaluator{}
	g := newGuard(t, eval, churchPolicies)

	d := g.CheckRouteAccess(context.Background(), "/admin/dashboard", "u1", RequestContext{IP: "10.0.0.1"})
	if d.Allowed || d.Reason != ReasonPermission {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(eval.logged) != 1 {
		t.Fatalf("expected one audit record, got %d", len(eval.logged))
	}
	rec := eval.logged[0]
	if rec.success || rec.action != ActionRouteAccess || rec.resource != "/admin/dashboard" {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
	if rec.extra["reason"] != ReasonPermission || rec.extra["pattern"] != "/admin/*" {
		t.Fatalf("unexpected audit extras: %v", rec.extra)
	}
}

func TestCheckRouteAccessDataLevelUsesPathAndQuery(t *testing.T) {
	var gotType, gotTarget string
	eval := &stubEvaluator{
		hasPermissionFn: allow,
		hasDataAccessFn: func(_, resourceType, targetUserID, _ string) bool {
			gotType, gotTarget = resourceType, targetUserID
			return targetUserID == "u1"
		},
	}
	g := newGuard(t, eval, churchPolicies)

	q := url.Values{"userId": {"u7"}, "id": {"u9"}}
	d := g.CheckRouteAccess(context.Background(), "/admin/members/edit", "u1", RequestContext{Query: q})
	if d.Allowed || d.Reason != ReasonDataScope {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if gotType != "members" || gotTarget != "u7" {
		t.Fatalf("resource=%q target=%q", gotType, gotTarget)
	}

	q = url.Values{"targetId": {"u1"}, "userId": {"u7"}}
	d = g.CheckRouteAccess(context.Background(), "/admin/members/edit", "u1", RequestContext{Query: q})
	if !d.Allowed {
		t.Fatalf("expected allow for own target, got %+v", d)
	}
	if len(eval.logged) != 2 || !eval.logged[1].success {
		t.Fatalf("expected every outcome audited: %+v", eval.logged)
	}
}

func TestCheckRouteAccessConditionalFirst(t *testing.T) {
	eval := &stubEvaluator{
		hasPermissionFn: allow,
		conditionalFn:   func(string, string, authz.AccessContext) bool { return false },
	}
	g := newGuard(t, eval, churchPolicies)

	d := g.CheckRouteAccess(context.Background(), "/admin/finance/reports", "u1", RequestContext{IP: "1.1.1.1"})
	if d.Allowed || d.Reason != ReasonConditional {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if eval.permissionCalls != 0 {
		t.Fatal("permission check should not run after a failed condition")
	}

	eval.conditionalFn = func(_, _ string, ac authz.AccessContext) bool { return ac.IP == "1.1.1.1" }
	d = g.CheckRouteAccess(context.Background(), "/admin/finance/reports", "u1", RequestContext{IP: "1.1.1.1"})
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestAuthorizeComposesChecks(t *testing.T) {
	eval := &stubEvaluator{
		hasPermissionFn: func(userID, _ string) bool { return userID == "pastor-1" },
		hasDataAccessFn: func(_, _, _, unit string) bool { return unit == "youth" },
	}
	g := newGuard(t, eval, nil)
	ctx := context.Background()

	req := Requirement{Permission: "attendance.edit", DataScoped: true, ResourceType: "attendance", TargetUnitID: "youth"}
	if d := g.Authorize(ctx, "pastor-1", req, RequestContext{}); !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	req.TargetUnitID = "choir"
	if d := g.Authorize(ctx, "pastor-1", req, RequestContext{}); d.Reason != ReasonDataScope {
		t.Fatalf("expected data scope denial, got %+v", d)
	}
	if d := g.Authorize(ctx, "member-1", req, RequestContext{}); d.Reason != ReasonPermission {
		t.Fatalf("expected permission denial, got %+v", d)
	}
	if d := g.Authorize(ctx, "pastor-1", Requirement{}, RequestContext{}); d.Allowed || d.Reason != ReasonMissingInput {
		t.Fatalf("expected missing permission denial, got %+v", d)
	}
	if len(eval.logged) != 4 {
		t.Fatalf("expected 4 audit records, got %d", len(eval.logged))
	}
	if eval.logged[0].action != ActionOperationAccess || eval.logged[0].resource != "attendance.edit" {
		t.Fatalf("unexpected audit record: %+v", eval.logged[0])
	}
	if _, ok := eval.logged[0].extra["caller_id"]; ok {
		t.Fatalf("caller_id recorded without a caller: %v", eval.logged[0].extra)
	}

	g.Authorize(ctx, "pastor-1", Requirement{Permission: "attendance.edit"}, RequestContext{CallerID: "svc-calendar"})
	if rec := eval.logged[4]; rec.userID != "pastor-1" || rec.extra["caller_id"] != "svc-calendar" {
		t.Fatalf("expected the caller beside the subject, got %+v", rec)
	}
}

func TestNewRejectsInvalidTables(t *testing.T) {
	if _, err := New(nil, churchPolicies); err == nil {
		t.Fatal("expected error for nil evaluator")
	}
	bad := [][]Policy{
		{{Pattern: "", Permission: "x"}},
		{{Pattern: "admin/*", Permission: "x"}},
		{{Pattern: "/admin/*", Permission: " "}},
		{{Pattern: "/a", Permission: "x"}, {Pattern: "/a", Permission: "y"}},
	}
	for i, table := range bad {
		if _, err := New(&stubEvaluator{}, table); err == nil {
			t.Fatalf("table %d: expected error", i)
		}
	}
	_, err := New(&stubEvaluator{}, []Policy{{Pattern: "/a", Permission: "x"}, {Pattern: "/a", Permission: "y"}})
	if !errors.Is(err, authz.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
