package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gracechurch.org/authz/internal/audit"
	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/ids"
)

// RequestType distinguishes temporary from permanent grants.
type RequestType string

const (
	TypeTemporary RequestType = "temporary"
	TypePermanent RequestType = "permanent"
)

// Status is the lifecycle state of a permission request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
)

// Request is a stored permission grant request.
type Request struct {
	ID                    string      `json:"id"`
	RequesterID           string      `json:"requester_id"`
	TargetUserID          string      `json:"target_user_id"`
	PermissionID          string      `json:"permission_id"`
	Permission            string      `json:"permission"`
	Type                  RequestType `json:"type"`
	Status                Status      `json:"status"`
	ValidUntil            *time.Time  `json:"valid_until,omitempty"`
	BusinessJustification string      `json:"business_justification,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

// ActiveAt reports whether an approved request still applies at now. Permanent
// approved requests never expire.
func (r Request) ActiveAt(now time.Time) bool {
	if r.Status != StatusApproved {
		return false
	}
	if r.ValidUntil == nil {
		return r.Type == TypePermanent
	}
	return r.ValidUntil.After(now)
}

// Store persists permission requests.
type Store interface {
	PermissionByName(ctx context.Context, name string) (authz.Permission, error)
	CreatePermissionRequest(ctx context.Context, req Request) error
	PermissionRequestsForUser(ctx context.Context, targetUserID string) ([]Request, error)
}

// Manager creates grant requests. Eligibility is the caller's concern: handlers
// check authz.Evaluator.CanDelegate before calling in.
type Manager struct {
	store Store
	audit authz.AuditRecorder
	now   func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAuditRecorder records every created request.
func WithAuditRecorder(r authz.AuditRecorder) Option {
	return func(m *Manager) { m.audit = r }
}

// NewManager constructs a Manager.
func NewManager(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("delegation store is required")
	}
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GrantTemporaryPermission creates an auto-approved temporary request that expires
// durationMinutes from now. Expiry is only a field; nothing revokes the grant.
func (m *Manager) GrantTemporaryPermission(ctx context.Context, requesterID, targetUserID, permission string, durationMinutes int, justification string) (Request, error) {
	if durationMinutes <= 0 {
		return Request{}, fmt.Errorf("%w: duration_minutes must be positive", authz.ErrInvalidInput)
	}
	now := m.now().UTC()
	validUntil := now.Add(time.Duration(durationMinutes) * time.Minute)
	return m.create(ctx, Request{
		RequesterID:           requesterID,
		TargetUserID:          targetUserID,
		Permission:            permission,
		Type:                  TypeTemporary,
		Status:                StatusApproved,
		ValidUntil:            &validUntil,
		BusinessJustification: justification,
		CreatedAt:             now,
	})
}

// RequestPermanentPermission files a permanent request awaiting approval.
func (m *Manager) RequestPermanentPermission(ctx context.Context, requesterID, targetUserID, permission, justification string) (Request, error) {
	return m.create(ctx, Request{
		RequesterID:           requesterID,
		TargetUserID:          targetUserID,
		Permission:            permission,
		Type:                  TypePermanent,
		Status:                StatusPending,
		BusinessJustification: justification,
		CreatedAt:             m.now().UTC(),
	})
}

// ActiveGrants returns the target user's requests that still apply at now.
func (m *Manager) ActiveGrants(ctx context.Context, userID string, now time.Time) ([]Request, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", authz.ErrInvalidInput)
	}
	all, err := m.store.PermissionRequestsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Request, 0, len(all))
	for _, r := range all {
		if r.ActiveAt(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Manager) create(ctx context.Context, req Request) (Request, error) {
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	req.TargetUserID = strings.TrimSpace(req.TargetUserID)
	req.Permission = strings.TrimSpace(req.Permission)
	switch {
	case req.RequesterID == "":
		return Request{}, fmt.Errorf("%w: requester_id is required", authz.ErrInvalidInput)
	case req.TargetUserID == "":
		return Request{}, fmt.Errorf("%w: target_user_id is required", authz.ErrInvalidInput)
	case req.Permission == "":
		return Request{}, fmt.Errorf("%w: permission is required", authz.ErrInvalidInput)
	}

	perm, err := m.store.PermissionByName(ctx, req.Permission)
	if err != nil {
		return Request{}, fmt.Errorf("resolve permission %q: %w", req.Permission, err)
	}
	req.PermissionID = perm.ID
	req.ID = ids.NewAt(req.CreatedAt)

	if err := m.store.CreatePermissionRequest(ctx, req); err != nil {
		return Request{}, fmt.Errorf("create permission request: %w", err)
	}

	if m.audit != nil {
		extra := map[string]any{
			"request_id":     req.ID,
			"target_user_id": req.TargetUserID,
			"type":           string(req.Type),
			"status":         string(req.Status),
		}
		if req.ValidUntil != nil {
			extra["valid_until"] = req.ValidUntil.Format(time.RFC3339)
		}
		m.audit.Log(ctx, audit.Entry{
			UserID:         req.RequesterID,
			Action:         "permission_delegated",
			Resource:       req.Permission,
			Success:        true,
			AdditionalData: extra,
		})
	}
	return req, nil
}
