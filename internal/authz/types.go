package authz

import (
	"encoding/json"
	"strings"
	"time"
)

// RoleKind enumerates the authority tiers known to the site.
type RoleKind int

const (
	RoleOther RoleKind = iota
	RoleMember
	RoleTeacher
	RoleElder
	RolePastor
	RoleAdmin
)

// ParseRoleKind maps a stored role name onto its tier. Names outside the known
// tiers map to RoleOther.
func ParseRoleKind(name string) RoleKind {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "admin":
		return RoleAdmin
	case "pastor":
		return RolePastor
	case "elder":
		return RoleElder
	case "teacher":
		return RoleTeacher
	case "member":
		return RoleMember
	default:
		return RoleOther
	}
}

func (k RoleKind) String() string {
	switch k {
	case RoleAdmin:
		return "admin"
	case RolePastor:
		return "pastor"
	case RoleElder:
		return "elder"
	case RoleTeacher:
		return "teacher"
	case RoleMember:
		return "member"
	case RoleOther:
		return "other"
	}
	return "other"
}

// User is an already-authenticated site account.
type User struct {
	ID                   string     `json:"id"`
	Username             string     `json:"username"`
	Role                 string     `json:"role"`
	IsActive             bool       `json:"is_active"`
	LastLogin            *time.Time `json:"last_login,omitempty"`
	LastPermissionReview *time.Time `json:"last_permission_review,omitempty"`
}

// RoleKind returns the enumerated tier of the user's role.
func (u User) RoleKind() RoleKind { return ParseRoleKind(u.Role) }

// Role is a named authority tier.
type Role struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Permission is an atomic named capability.
type Permission struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category  string `json:"category"`
	DataScope string `json:"data_scope"`
}

// ScopeType is the breadth of a data scope row.
type ScopeType string

const (
	ScopeOwn        ScopeType = "own"
	ScopeTeam       ScopeType = "team"
	ScopeDepartment ScopeType = "department"
	ScopeAll        ScopeType = "all"
)

// DataScope grants a user access to rows of one resource type.
type DataScope struct {
	UserID       string    `json:"user_id"`
	ResourceType string    `json:"resource_type"`
	ScopeType    ScopeType `json:"scope_type"`
	ScopeValue   string    `json:"scope_value"`
}

// UnitMembership places a user inside an organizational unit (team, department,
// ministry) with a role inside that unit.
type UnitMembership struct {
	UserID     string `json:"user_id"`
	UnitID     string `json:"unit_id"`
	UnitType   string `json:"unit_type"`
	RoleInUnit string `json:"role_in_unit"`
}

// ConditionType names a conditional constraint kind.
type ConditionType string

const (
	ConditionTime ConditionType = "time_restriction"
	ConditionIP   ConditionType = "ip_restriction"
)

// ConditionalPermission restricts when or from where a user may exercise a permission.
type ConditionalPermission struct {
	UserID         string          `json:"user_id"`
	PermissionID   string          `json:"permission_id"`
	ConditionType  ConditionType   `json:"condition_type"`
	ConditionValue json.RawMessage `json:"condition_value"`
	IsActive       bool            `json:"is_active"`
}

// AccessContext carries request attributes used by conditional constraints.
type AccessContext struct {
	IP        string
	UserAgent string
	Now       time.Time
}
