package guard

import (
	"context"
	"errors"
	"net/url"
	"time"

	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/obs"
)

// Denial reasons.
const (
	ReasonConditional  = "conditional access requirements not met"
	ReasonPermission   = "insufficient permissions"
	ReasonDataScope    = "data access scope violation"
	ReasonUnmatched    = "no policy for route"
	ReasonMissingInput = "permission is required"
)

// Audit actions.
const (
	ActionRouteAccess     = "route_access"
	ActionOperationAccess = "operation_access"
)

// Evaluator is the subset of authz.Evaluator the guard composes.
type Evaluator interface {
	HasPermission(ctx context.Context, userID, permission string) bool
	HasDataAccess(ctx context.Context, userID, resourceType, targetUserID, targetUnitID string) bool
	HasConditionalAccess(ctx context.Context, userID, permission string, ac authz.AccessContext) bool
	LogAccess(ctx context.Context, userID, action, resource string, success bool, ac authz.AccessContext, extra map[string]any)
}

// RequestContext carries the request attributes the guard needs.
type RequestContext struct {
	IP        string
	UserAgent string
	Query     url.Values
	Now       time.Time
	// CallerID is the authenticated party asking on another user's behalf.
	CallerID  string
}

func (rc RequestContext) access() authz.AccessContext {
	return authz.AccessContext{IP: rc.IP, UserAgent: rc.UserAgent, Now: rc.Now}
}

// targetID reads the first present of targetId, userId, id.
func (rc RequestContext) targetID() string {
	for _, key := range []string{"targetId", "userId", "id"} {
		if v := rc.Query.Get(key); v != "" {
			return v
		}
	}
	return ""
}

// Requirement describes what a protected operation demands of its caller.
// With DataScoped set the caller must also hold a data scope over the target.
type Requirement struct {
	Permission   string
	Conditional  bool
	DataScoped   bool
	ResourceType string
	TargetUserID string
	TargetUnitID string
}

// Decision is the verdict for one access attempt. Policy is nil for unmatched routes
// and for operations checked through Authorize.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason,omitempty"`
	Policy  *Policy `json:"-"`
}

// Guard resolves routes to policies and composes evaluator checks.
type Guard struct {
	eval          Evaluator
	matcher       *Matcher
	denyUnmatched bool
}

// Option configures Guard.
type Option func(*Guard)

// WithUnmatchedDeny makes routes without a policy deny instead of allow.
func WithUnmatchedDeny() Option {
	return func(g *Guard) { g.denyUnmatched = true }
}

// New constructs a Guard over a policy table. Invalid patterns are an error.
func New(eval Evaluator, policies []Policy, opts ...Option) (*Guard, error) {
	if eval == nil {
		return nil, errors.New("guard evaluator is required")
	}
	m, err := NewMatcher(policies)
	if err != nil {
		return nil, err
	}
	g := &Guard{eval: eval, matcher: m}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Policies returns the compiled table in resolution order.
func (g *Guard) Policies() []Policy { return g.matcher.Policies() }

// CheckRouteAccess decides whether userID may reach path. Routes without a policy
// are allowed unless WithUnmatchedDeny is set; they are neither looked up nor audited.
func (g *Guard) CheckRouteAccess(ctx context.Context, path, userID string, rc RequestContext) Decision {
	policy, ok := g.matcher.Match(path)
	if !ok {
		if g.denyUnmatched {
			obs.ObserveDecision(false, ReasonUnmatched)
			return Decision{Reason: ReasonUnmatched}
		}
		obs.ObserveDecision(true, "")
		return Decision{Allowed: true}
	}

	req := Requirement{
		Permission:  policy.Permission,
		Conditional: policy.Conditional,
	}
	if policy.DataLevel {
		req.DataScoped = true
		req.ResourceType = resourceType(path)
		req.TargetUserID = rc.targetID()
	}
	d := g.evaluate(ctx, userID, req, rc)
	d.Policy = &policy

	g.record(ctx, userID, ActionRouteAccess, path, d, rc, map[string]any{
		"pattern":    policy.Pattern,
		"permission": policy.Permission,
	})
	return d
}

// Authorize checks an operation that is not reached through a route. Every outcome
// is audited.
func (g *Guard) Authorize(ctx context.Context, userID string, req Requirement, rc RequestContext) Decision {
	var d Decision
	if req.Permission == "" {
		d = Decision{Reason: ReasonMissingInput}
	} else {
		d = g.evaluate(ctx, userID, req, rc)
	}
	extra := map[string]any{"permission": req.Permission}
	if req.ResourceType != "" {
		extra["resource_type"] = req.ResourceType
	}
	if rc.CallerID != "" {
		extra["caller_id"] = rc.CallerID
	}
	g.record(ctx, userID, ActionOperationAccess, req.Permission, d, rc, extra)
	return d
}

func (g *Guard) evaluate(ctx context.Context, userID string, req Requirement, rc RequestContext) Decision {
	ac := rc.access()
	if req.Conditional && !g.eval.HasConditionalAccess(ctx, userID, req.Permission, ac) {
		return Decision{Reason: ReasonConditional}
	}
	if !g.eval.HasPermission(ctx, userID, req.Permission) {
		return Decision{Reason: ReasonPermission}
	}
	if req.DataScoped {
		if !g.eval.HasDataAccess(ctx, userID, req.ResourceType, req.TargetUserID, req.TargetUnitID) {
			return Decision{Reason: ReasonDataScope}
		}
	}
	return Decision{Allowed: true}
}

func (g *Guard) record(ctx context.Context, userID, action, resource string, d Decision, rc RequestContext, extra map[string]any) {
	if d.Reason != "" {
		extra["reason"] = d.Reason
	}
	obs.ObserveDecision(d.Allowed, d.Reason)
	g.eval.LogAccess(ctx, userID, action, resource, d.Allowed, rc.access(), extra)
}
