package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/review"
)

func (s *Store) ListReviewCandidates(ctx context.Context, dueBefore *time.Time) ([]authz.User, error) {
	query := `select ` + userColumns + ` from users`
	var args []any
	if dueBefore != nil {
		query += ` where last_permission_review is null or last_permission_review < $1`
		args = append(args, *dueBefore)
	}
	query += ` order by id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []authz.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// RevokeRolePermissions deletes the join rows in one statement. Concurrent reviews of
// the same role are not serialized.
func (s *Store) RevokeRolePermissions(ctx context.Context, role string, permissions []string) (int, error) {
	if len(permissions) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		delete from role_permissions rp
		using permissions p
		where rp.permission_id = p.id
		  and rp.role_name = $1
		  and p.name = any($2)
	`, role, permissions)
	if err != nil {
		return 0, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(aff), nil
}

func (s *Store) CreateReview(ctx context.Context, rec review.Record) error {
	revoked := rec.RevokedPermissions
	if revoked == nil {
		revoked = []string{}
	}
	raw, err := json.Marshal(revoked)
	if err != nil {
		return fmt.Errorf("marshal revoked permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into permission_reviews (id, user_id, reviewer_id, action, revoked_permissions, comments, reviewed_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.UserID, rec.ReviewerID, rec.Action, raw, rec.Comments, rec.ReviewedAt)
	return translate(err)
}

func (s *Store) MarkReviewed(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `update users set last_permission_review = $2 where id = $1`, userID, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("user %s: %w", userID, authz.ErrNotFound)
	}
	return nil
}
