package pg

import (
	"context"
	"database/sql"
	"fmt"

	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/delegation"
)

func (s *Store) PermissionByName(ctx context.Context, name string) (authz.Permission, error) {
	var p authz.Permission
	err := s.db.QueryRowContext(ctx, `
		select id, name, category, data_scope from permissions where name = $1
	`, name).Scan(&p.ID, &p.Name, &p.Category, &p.DataScope)
	if err != nil {
		return authz.Permission{}, fmt.Errorf("permission %s: %w", name, translate(err))
	}
	return p, nil
}

func (s *Store) CreatePermissionRequest(ctx context.Context, req delegation.Request) error {
	_, err := s.db.ExecContext(ctx, `
		insert into permission_requests
			(id, requester_id, target_user_id, permission_id, request_type, status, valid_until, business_justification, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, req.ID, req.RequesterID, req.TargetUserID, req.PermissionID, string(req.Type), string(req.Status),
		nullTime(req.ValidUntil), req.BusinessJustification, req.CreatedAt)
	return translate(err)
}

func (s *Store) PermissionRequestsForUser(ctx context.Context, targetUserID string) ([]delegation.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.requester_id, r.target_user_id, r.permission_id, p.name,
		       r.request_type, r.status, r.valid_until, r.business_justification, r.created_at
		from permission_requests r
		join permissions p on p.id = r.permission_id
		where r.target_user_id = $1
		order by r.created_at
	`, targetUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delegation.Request
	for rows.Next() {
		var (
			r          delegation.Request
			kind       string
			status     string
			validUntil sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.RequesterID, &r.TargetUserID, &r.PermissionID, &r.Permission,
			&kind, &status, &validUntil, &r.BusinessJustification, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = delegation.RequestType(kind)
		r.Status = delegation.Status(status)
		r.ValidUntil = timePtr(validUntil)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
