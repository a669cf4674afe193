package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"gracechurch.org/authz/internal/audit"
)

// DelegationLevel is the minimum role level allowed to delegate permissions.
const DelegationLevel = 700

// leaderRole is the role_in_unit value that synthesizes "{unitType}.team.manage".
const leaderRole = "leader"

// AuditRecorder receives access records. audit.Logger satisfies it.
type AuditRecorder interface {
	Log(ctx context.Context, entry audit.Entry)
}

// Evaluator answers authorization questions against a Store. All decision methods
// fail closed: a lookup error is a denial, never an error for the caller.
type Evaluator struct {
	store  Store
	audit  AuditRecorder
	logger *zap.Logger
	now    func() time.Time
	loc    *time.Location
}

// Option configures Evaluator.
type Option func(*Evaluator)

// WithAuditRecorder sets where LogAccess writes.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(e *Evaluator) { e.audit = r }
}

// WithLogger sets the logger used for denial diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the clock used when an AccessContext carries no time.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocation sets the zone time windows are expressed in.
func WithLocation(loc *time.Location) Option {
	return func(e *Evaluator) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(store Store, opts ...Option) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("authz store is required")
	}
	e := &Evaluator{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		loc:    time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// HasPermission reports whether permission is in the base set of the user's role.
func (e *Evaluator) HasPermission(ctx context.Context, userID, permission string) bool {
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return false
	}
	set, err := e.rolePermissionSet(ctx, userID)
	if err != nil {
		e.logger.Debug("permission lookup failed",
			zap.String("user_id", userID),
			zap.String("permission", permission),
			zap.Error(err),
		)
		return false
	}
	_, ok := set[permission]
	return ok
}

// HasDataAccess reports whether any of the user's data scopes for resourceType
// covers the target. Rows combine with OR. A team or department row matches when
// the user and targetUserID share an organizational unit, or, when no target user
// is given, when the user belongs to targetUnitID.
func (e *Evaluator) HasDataAccess(ctx context.Context, userID, resourceType, targetUserID, targetUnitID string) bool {
	if strings.TrimSpace(userID) == "" {
		return false
	}
	scopes, err := e.store.DataScopes(ctx, userID, resourceType)
	if err != nil {
		e.logger.Debug("data scope lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}

	var userUnits map[string]struct{}
	for _, scope := range scopes {
		switch scope.ScopeType {
		case ScopeAll:
			return true
		case ScopeOwn:
			if targetUserID != "" && targetUserID == userID {
				return true
			}
		case ScopeTeam, ScopeDepartment:
			if userUnits == nil {
				userUnits, err = e.unitSet(ctx, userID)
				if err != nil {
					e.logger.Debug("unit lookup failed", zap.String("user_id", userID), zap.Error(err))
					userUnits = map[string]struct{}{}
					continue
				}
			}
			if e.sharesUnit(ctx, userUnits, targetUserID, targetUnitID) {
				return true
			}
		}
	}
	return false
}

func (e *Evaluator) sharesUnit(ctx context.Context, userUnits map[string]struct{}, targetUserID, targetUnitID string) bool {
	if len(userUnits) == 0 {
		return false
	}
	if targetUserID != "" {
		targetUnits, err := e.unitSet(ctx, targetUserID)
		if err != nil {
			e.logger.Debug("unit lookup failed", zap.String("user_id", targetUserID), zap.Error(err))
			return false
		}
		for id := range targetUnits {
			if _, ok := userUnits[id]; ok {
				return true
			}
		}
		return false
	}
	if targetUnitID != "" {
		_, ok := userUnits[targetUnitID]
		return ok
	}
	return false
}

// HasConditionalAccess requires the base permission and then every active
// constraint on (user, permission). With no constraints the base permission is
// enough. Unknown constraint kinds pass.
func (e *Evaluator) HasConditionalAccess(ctx context.Context, userID, permission string, ac AccessContext) bool {
	if !e.HasPermission(ctx, userID, permission) {
		return false
	}
	conditions, err := e.store.ActiveConditions(ctx, userID, permission)
	if err != nil {
		e.logger.Debug("condition lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	if ac.Now.IsZero() {
		ac.Now = e.now()
	}
	for _, c := range conditions {
		if !c.IsActive {
			continue
		}
		res := evaluateCondition(c, ac, e.loc)
		if !res.Known {
			e.logger.Warn("unrecognized condition type passed",
				zap.String("user_id", userID),
				zap.String("permission", permission),
				zap.String("condition_type", string(c.ConditionType)),
			)
		}
		if !res.Passed {
			e.logger.Debug("condition not met",
				zap.String("user_id", userID),
				zap.String("permission", permission),
				zap.String("condition_type", string(c.ConditionType)),
				zap.String("reason", res.Reason),
			)
			return false
		}
	}
	return true
}

// CanDelegate reports whether the user's role level reaches DelegationLevel. It
// does not require the user to hold permission.
func (e *Evaluator) CanDelegate(ctx context.Context, userID, permission string) bool {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		e.logger.Debug("delegation user lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	role, err := e.store.GetRole(ctx, user.Role)
	if err != nil {
		e.logger.Debug("delegation role lookup failed", zap.String("role", user.Role), zap.Error(err))
		return false
	}
	return role.Level >= DelegationLevel
}

// MinimalPermissions returns the role's base set plus "{unitType}.team.manage" for
// every unit the user leads, sorted. It is meant for reporting, not enforcement.
func (e *Evaluator) MinimalPermissions(ctx context.Context, userID string) ([]string, error) {
	set, err := e.rolePermissionSet(ctx, userID)
	if err != nil {
		return nil, err
	}
	memberships, err := e.store.UnitMemberships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load unit memberships: %w", err)
	}
	for _, m := range memberships {
		if m.RoleInUnit == leaderRole && m.UnitType != "" {
			set[m.UnitType+".team.manage"] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// LogAccess records an access attempt. It never fails and never blocks on the sink.
func (e *Evaluator) LogAccess(ctx context.Context, userID, action, resource string, success bool, ac AccessContext, extra map[string]any) {
	if e.audit == nil {
		return
	}
	e.audit.Log(ctx, audit.Entry{
		UserID:         userID,
		Action:         action,
		Resource:       resource,
		Success:        success,
		IPAddress:      ac.IP,
		UserAgent:      ac.UserAgent,
		AdditionalData: extra,
	})
}

func (e *Evaluator) rolePermissionSet(ctx context.Context, userID string) (map[string]struct{}, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	perms, err := e.store.RolePermissions(ctx, user.Role)
	if err != nil {
		return nil, fmt.Errorf("load role permissions: %w", err)
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set, nil
}

func (e *Evaluator) unitSet(ctx context.Context, userID string) (map[string]struct{}, error) {
	memberships, err := e.store.UnitMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(memberships))
	for _, m := range memberships {
		set[m.UnitID] = struct{}{}
	}
	return set, nil
}
