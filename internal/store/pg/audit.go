package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"gracechurch.org/authz/internal/audit"
)

// AppendAudit implements audit.Sink.
func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	extra := []byte("{}")
	if len(e.AdditionalData) > 0 {
		raw, err := json.Marshal(e.AdditionalData)
		if err != nil {
			return fmt.Errorf("marshal additional data: %w", err)
		}
		extra = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, resource, success, ip_address, user_agent, additional_data, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.Action, e.Resource, e.Success, e.IPAddress, e.UserAgent, extra, e.CreatedAt)
	return translate(err)
}
