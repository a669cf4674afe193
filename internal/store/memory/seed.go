package memory

import (
	"time"

	"gracechurch.org/authz/internal/authz"
)

// DefaultRoles mirrors the role rows seeded by the migrations.
var DefaultRoles = []struct {
	Role        authz.Role
	Permissions []string
}{
	{authz.Role{Name: "admin", Level: 1000}, []string{
		"admin.access", "members.view", "members.edit", "finance.view", "finance.edit",
		"board.post", "board.moderate", "sermons.publish", "reviews.manage", "settings.manage",
	}},
	{authz.Role{Name: "pastor", Level: 800}, []string{
		"admin.access", "members.view", "members.edit", "finance.view", "board.post",
		"board.moderate", "sermons.publish", "reviews.manage",
	}},
	{authz.Role{Name: "elder", Level: 700}, []string{
		"admin.access", "members.view", "board.post", "board.moderate",
	}},
	{authz.Role{Name: "teacher", Level: 500}, []string{
		"admin.access", "attendance.view", "attendance.edit", "board.post",
	}},
	{authz.Role{Name: "member", Level: 100}, []string{"board.post"}},
}

// SeedRoles loads DefaultRoles.
func SeedRoles(s *Store) {
	for _, r := range DefaultRoles {
		s.PutRole(r.Role, r.Permissions...)
	}
}

// SeedDemo loads the default roles plus a small congregation for local runs.
func SeedDemo(s *Store, now time.Time) {
	SeedRoles(s)
	ago := func(days int) *time.Time {
		t := now.Add(-time.Duration(days) * 24 * time.Hour)
		return &t
	}
	s.PutUser(authz.User{ID: "u-admin", Username: "office", Role: "admin", IsActive: true, LastLogin: ago(2), LastPermissionReview: ago(200)})
	s.PutUser(authz.User{ID: "u-pastor", Username: "pastor.james", Role: "pastor", IsActive: true, LastLogin: ago(1), LastPermissionReview: ago(30)})
	s.PutUser(authz.User{ID: "u-elder", Username: "elder.ruth", Role: "elder", IsActive: true, LastLogin: ago(12), LastPermissionReview: ago(95)})
	s.PutUser(authz.User{ID: "u-teacher", Username: "teacher.paul", Role: "teacher", IsActive: true, LastLogin: ago(3)})
	s.PutUser(authz.User{ID: "u-member", Username: "mary", Role: "member", IsActive: false, LastLogin: ago(120)})

	s.AddDataScope(authz.DataScope{UserID: "u-admin", ResourceType: "members", ScopeType: authz.ScopeAll})
	s.AddDataScope(authz.DataScope{UserID: "u-pastor", ResourceType: "members", ScopeType: authz.ScopeAll})
	s.AddDataScope(authz.DataScope{UserID: "u-elder", ResourceType: "members", ScopeType: authz.ScopeDepartment})
	s.AddDataScope(authz.DataScope{UserID: "u-teacher", ResourceType: "attendance", ScopeType: authz.ScopeTeam})
	s.AddDataScope(authz.DataScope{UserID: "u-member", ResourceType: "members", ScopeType: authz.ScopeOwn})

	s.AddUnitMembership(authz.UnitMembership{UserID: "u-elder", UnitID: "unit-care", UnitType: "care", RoleInUnit: "leader"})
	s.AddUnitMembership(authz.UnitMembership{UserID: "u-member", UnitID: "unit-care", UnitType: "care", RoleInUnit: "member"})
	s.AddUnitMembership(authz.UnitMembership{UserID: "u-teacher", UnitID: "unit-youth", UnitType: "youth", RoleInUnit: "leader"})

	s.AddCondition("u-pastor", "finance.view", authz.ConditionTime, []byte(`{"start":"08:00","end":"20:00"}`), true)
}
