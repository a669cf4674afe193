// Package memory keeps the authorization tables in process. It backs local runs
// without PostgreSQL and the HTTP tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gracechurch.org/authz/internal/audit"
	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/delegation"
	"gracechurch.org/authz/internal/ids"
	"gracechurch.org/authz/internal/review"
)

var (
	_ authz.Store      = (*Store)(nil)
	_ delegation.Store = (*Store)(nil)
	_ review.Store     = (*Store)(nil)
	_ audit.Sink       = (*Store)(nil)
)

// Store implements every store interface with in-process concurrency safety.
type Store struct {
	mu          sync.RWMutex
	users       map[string]authz.User
	userOrder   []string
	roles       map[string]authz.Role
	permissions map[string]authz.Permission // name -> permission
	rolePerms   map[string]map[string]struct{}
	scopes      []authz.DataScope
	units       []authz.UnitMembership
	conditions  []authz.ConditionalPermission
	requests    []delegation.Request
	reviews     []review.Record
	audit       []audit.Entry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]authz.User),
		roles:       make(map[string]authz.Role),
		permissions: make(map[string]authz.Permission),
		rolePerms:   make(map[string]map[string]struct{}),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// PutRole creates or replaces a role and its base permission set. Unknown
// permission names are registered on the fly.
func (s *Store) PutRole(role authz.Role, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.Name] = role
	set := make(map[string]struct{}, len(permissions))
	for _, name := range permissions {
		s.ensurePermissionLocked(name)
		set[name] = struct{}{}
	}
	s.rolePerms[role.Name] = set
}

// PutPermission registers a permission, assigning an id when empty.
func (s *Store) PutPermission(p authz.Permission) authz.Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.New()
	}
	s.permissions[p.Name] = p
	return p
}

func (s *Store) ensurePermissionLocked(name string) authz.Permission {
	if p, ok := s.permissions[name]; ok {
		return p
	}
	category, _, _ := strings.Cut(name, ".")
	p := authz.Permission{ID: ids.New(), Name: name, Category: category}
	s.permissions[name] = p
	return p
}

// PutUser creates or replaces a user.
func (s *Store) PutUser(u authz.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		s.userOrder = append(s.userOrder, u.ID)
	}
	s.users[u.ID] = u
}

// AddDataScope appends a data scope row.
func (s *Store) AddDataScope(scope authz.DataScope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes = append(s.scopes, scope)
}

// AddUnitMembership places a user in an organizational unit.
func (s *Store) AddUnitMembership(m authz.UnitMembership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units = append(s.units, m)
}

// AddCondition attaches a constraint to (userID, permission name).
func (s *Store) AddCondition(userID, permission string, kind authz.ConditionType, value []byte, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.ensurePermissionLocked(permission)
	s.conditions = append(s.conditions, authz.ConditionalPermission{
		UserID:         userID,
		PermissionID:   p.ID,
		ConditionType:  kind,
		ConditionValue: append([]byte(nil), value...),
		IsActive:       active,
	})
}

func (s *Store) GetUser(_ context.Context, userID string) (authz.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return authz.User{}, fmt.Errorf("%w: user %s", authz.ErrNotFound, userID)
	}
	return u, nil
}

func (s *Store) GetRole(_ context.Context, name string) (authz.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[name]
	if !ok {
		return authz.Role{}, fmt.Errorf("%w: role %s", authz.ErrNotFound, name)
	}
	return r, nil
}

func (s *Store) RolePermissions(_ context.Context, role string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.rolePerms[role]
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) DataScopes(_ context.Context, userID, resourceType string) ([]authz.DataScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []authz.DataScope
	for _, sc := range s.scopes {
		if sc.UserID == userID && sc.ResourceType == resourceType {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *Store) UnitMemberships(_ context.Context, userID string) ([]authz.UnitMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []authz.UnitMembership
	for _, m := range s.units {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ActiveConditions(_ context.Context, userID, permission string) ([]authz.ConditionalPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[permission]
	if !ok {
		return nil, nil
	}
	var out []authz.ConditionalPermission
	for _, c := range s.conditions {
		if c.UserID == userID && c.PermissionID == p.ID && c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) PermissionByName(_ context.Context, name string) (authz.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[name]
	if !ok {
		return authz.Permission{}, fmt.Errorf("%w: permission %s", authz.ErrNotFound, name)
	}
	return p, nil
}

func (s *Store) CreatePermissionRequest(_ context.Context, req delegation.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.ID == req.ID {
			return fmt.Errorf("%w: permission request %s", authz.ErrConflict, req.ID)
		}
	}
	s.requests = append(s.requests, req)
	return nil
}

func (s *Store) PermissionRequestsForUser(_ context.Context, targetUserID string) ([]delegation.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []delegation.Request
	for _, r := range s.requests {
		if r.TargetUserID == targetUserID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListReviewCandidates(_ context.Context, dueBefore *time.Time) ([]authz.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]authz.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		u := s.users[id]
		if dueBefore != nil && u.LastPermissionReview != nil && !u.LastPermissionReview.Before(*dueBefore) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) RevokeRolePermissions(_ context.Context, role string, permissions []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.rolePerms[role]
	if !ok {
		return 0, nil
	}
	removed := 0
	for _, p := range permissions {
		if _, held := set[p]; held {
			delete(set, p)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) CreateReview(_ context.Context, rec review.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.RevokedPermissions = append([]string(nil), rec.RevokedPermissions...)
	s.reviews = append(s.reviews, rec)
	return nil
}

func (s *Store) MarkReviewed(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s", authz.ErrNotFound, userID)
	}
	u.LastPermissionReview = &at
	s.users[userID] = u
	return nil
}

// AppendAudit implements audit.Sink.
func (s *Store) AppendAudit(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns a copy of the audit log.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry(nil), s.audit...)
}

// Reviews returns a copy of stored reviews.
func (s *Store) Reviews() []review.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]review.Record(nil), s.reviews...)
}
