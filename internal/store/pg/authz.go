package pg

import (
	"context"
	"database/sql"
	"fmt"

	"gracechurch.org/authz/internal/authz"
)

const userColumns = `id, username, role, is_active, last_login, last_permission_review`

func scanUser(row interface{ Scan(...any) error }) (authz.User, error) {
	var (
		u          authz.User
		lastLogin  sql.NullTime
		lastReview sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Role, &u.IsActive, &lastLogin, &lastReview); err != nil {
		return authz.User{}, err
	}
	u.LastLogin = timePtr(lastLogin)
	u.LastPermissionReview = timePtr(lastReview)
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (authz.User, error) {
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, userID)
	u, err := scanUser(row)
	if err != nil {
		return authz.User{}, fmt.Errorf("user %s: %w", userID, translate(err))
	}
	return u, nil
}

func (s *Store) GetRole(ctx context.Context, name string) (authz.Role, error) {
	var r authz.Role
	err := s.db.QueryRowContext(ctx, `select name, level from roles where name = $1`, name).Scan(&r.Name, &r.Level)
	if err != nil {
		return authz.Role{}, fmt.Errorf("role %s: %w", name, translate(err))
	}
	return r, nil
}

func (s *Store) RolePermissions(ctx context.Context, role string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.name
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_name = $1
		order by p.name
	`, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *Store) DataScopes(ctx context.Context, userID, resourceType string) ([]authz.DataScope, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, resource_type, scope_type, scope_value
		from data_scopes
		where user_id = $1 and resource_type = $2
		order by id
	`, userID, resourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []authz.DataScope
	for rows.Next() {
		var sc authz.DataScope
		var scopeType string
		if err := rows.Scan(&sc.UserID, &sc.ResourceType, &scopeType, &sc.ScopeValue); err != nil {
			return nil, err
		}
		sc.ScopeType = authz.ScopeType(scopeType)
		scopes = append(scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scopes, nil
}

func (s *Store) UnitMemberships(ctx context.Context, userID string) ([]authz.UnitMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id, unit_id, unit_type, role_in_unit
		from org_unit_members
		where user_id = $1
		order by unit_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.UnitMembership
	for rows.Next() {
		var m authz.UnitMembership
		if err := rows.Scan(&m.UserID, &m.UnitID, &m.UnitType, &m.RoleInUnit); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ActiveConditions(ctx context.Context, userID, permission string) ([]authz.ConditionalPermission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select cp.user_id, cp.permission_id, cp.condition_type, cp.condition_value, cp.is_active
		from conditional_permissions cp
		join permissions p on p.id = cp.permission_id
		where cp.user_id = $1 and p.name = $2 and cp.is_active
		order by cp.id
	`, userID, permission)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authz.ConditionalPermission
	for rows.Next() {
		var (
			c     authz.ConditionalPermission
			kind  string
			value []byte
		)
		if err := rows.Scan(&c.UserID, &c.PermissionID, &kind, &value, &c.IsActive); err != nil {
			return nil, err
		}
		c.ConditionType = authz.ConditionType(kind)
		c.ConditionValue = value
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
