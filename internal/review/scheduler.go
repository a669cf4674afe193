package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"gracechurch.org/authz/internal/audit"
	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/ids"
)

// DueAfter is how old a review may get before the user is due again.
const DueAfter = 90 * 24 * time.Hour

// Candidate is one row of the review queue.
type Candidate struct {
	ID               string   `json:"id"`
	Username         string   `json:"username"`
	Role             string   `json:"role"`
	PermissionsCount int      `json:"permissions_count"`
	RiskScore        int      `json:"risk_score"`
	DaysSinceReview  int      `json:"days_since_review"`
	ReviewPriority   Priority `json:"review_priority"`
}

// Action is a reviewer's decision about one user.
type Action struct {
	UserID              string   `json:"user_id" validate:"required"`
	ReviewerID          string   `json:"reviewer_id" validate:"required"`
	Action              string   `json:"action" validate:"required"`
	PermissionsToRevoke []string `json:"permissions_to_revoke"`
	Comments            string   `json:"comments"`
}

// Record is a stored review.
type Record struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"user_id"`
	ReviewerID         string    `json:"reviewer_id"`
	Action             string    `json:"action"`
	RevokedPermissions []string  `json:"revoked_permissions"`
	Comments           string    `json:"comments,omitempty"`
	ReviewedAt         time.Time `json:"reviewed_at"`
}

// Store is what the scheduler reads and writes.
type Store interface {
	// ListReviewCandidates returns active and inactive users in a stable order. With
	// dueBefore set only users never reviewed or last reviewed before it are returned.
	ListReviewCandidates(ctx context.Context, dueBefore *time.Time) ([]authz.User, error)
	GetUser(ctx context.Context, userID string) (authz.User, error)
	RolePermissions(ctx context.Context, role string) ([]string, error)
	// RevokeRolePermissions removes the named permissions from the role's base set and
	// reports how many were removed.
	RevokeRolePermissions(ctx context.Context, role string, permissions []string) (int, error)
	CreateReview(ctx context.Context, rec Record) error
	MarkReviewed(ctx context.Context, userID string, at time.Time) error
}

// Scheduler builds the review queue and applies review actions.
type Scheduler struct {
	store  Store
	audit  authz.AuditRecorder
	logger *zap.Logger
	now    func() time.Time
}

// Option configures Scheduler.
type Option func(*Scheduler)

// WithAuditRecorder records submitted reviews.
func WithAuditRecorder(r authz.AuditRecorder) Option {
	return func(s *Scheduler) { s.audit = r }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now for Submit.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler constructs a Scheduler.
func NewScheduler(store Store, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("review store is required")
	}
	s := &Scheduler{store: store, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Candidates scores users and returns them sorted by descending risk. Ties keep the
// store's order. With onlyDue set, users reviewed within DueAfter are skipped.
func (s *Scheduler) Candidates(ctx context.Context, onlyDue bool, now time.Time) ([]Candidate, error) {
	var dueBefore *time.Time
	if onlyDue {
		cutoff := now.Add(-DueAfter)
		dueBefore = &cutoff
	}
	users, err := s.store.ListReviewCandidates(ctx, dueBefore)
	if err != nil {
		return nil, fmt.Errorf("list review candidates: %w", err)
	}

	counts := make(map[string]int)
	out := make([]Candidate, 0, len(users))
	for _, u := range users {
		n, ok := counts[u.Role]
		if !ok {
			perms, err := s.store.RolePermissions(ctx, u.Role)
			if err != nil {
				return nil, fmt.Errorf("load permissions for role %q: %w", u.Role, err)
			}
			n = len(perms)
			counts[u.Role] = n
		}
		score := CalculateRiskScore(u, n, now)
		days := DaysSinceReview(u, now)
		out = append(out, Candidate{
			ID:               u.ID,
			Username:         u.Username,
			Role:             u.Role,
			PermissionsCount: n,
			RiskScore:        score,
			DaysSinceReview:  days,
			ReviewPriority:   RiskPriority(score, days),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RiskScore > out[j].RiskScore })
	return out, nil
}

// CountByPriority tallies candidates per tier, including empty tiers.
func CountByPriority(cands []Candidate) map[string]int {
	counts := make(map[string]int, len(Priorities))
	for _, p := range Priorities {
		counts[string(p)] = 0
	}
	for _, c := range cands {
		counts[string(c.ReviewPriority)]++
	}
	return counts
}

// Submit applies a review. Revocations target the user's role, so every user sharing
// that role loses the permissions. The steps are not transactional; concurrent
// reviews of the same role race.
func (s *Scheduler) Submit(ctx context.Context, a Action) (int, error) {
	a.UserID = strings.TrimSpace(a.UserID)
	a.ReviewerID = strings.TrimSpace(a.ReviewerID)
	a.Action = strings.TrimSpace(a.Action)
	switch {
	case a.UserID == "":
		return 0, fmt.Errorf("%w: user_id is required", authz.ErrInvalidInput)
	case a.ReviewerID == "":
		return 0, fmt.Errorf("%w: reviewer_id is required", authz.ErrInvalidInput)
	case a.Action == "":
		return 0, fmt.Errorf("%w: action is required", authz.ErrInvalidInput)
	}

	user, err := s.store.GetUser(ctx, a.UserID)
	if err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}

	revoke := dedupe(a.PermissionsToRevoke)
	revoked := 0
	if len(revoke) > 0 {
		revoked, err = s.store.RevokeRolePermissions(ctx, user.Role, revoke)
		if err != nil {
			return 0, fmt.Errorf("revoke role permissions: %w", err)
		}
	}

	now := s.now().UTC()
	rec := Record{
		ID:                 ids.NewAt(now),
		UserID:             a.UserID,
		ReviewerID:         a.ReviewerID,
		Action:             a.Action,
		RevokedPermissions: revoke,
		Comments:           a.Comments,
		ReviewedAt:         now,
	}
	if err := s.store.CreateReview(ctx, rec); err != nil {
		return revoked, fmt.Errorf("create review: %w", err)
	}
	if err := s.store.MarkReviewed(ctx, a.UserID, now); err != nil {
		return revoked, fmt.Errorf("mark reviewed: %w", err)
	}

	s.logger.Info("permission review submitted",
		zap.String("review_id", rec.ID),
		zap.String("user_id", a.UserID),
		zap.String("role", user.Role),
		zap.Int("revoked", revoked),
	)
	if s.audit != nil {
		s.audit.Log(ctx, audit.Entry{
			UserID:   a.ReviewerID,
			Action:   "permission_review",
			Resource: a.UserID,
			Success:  true,
			AdditionalData: map[string]any{
				"review_id":           rec.ID,
				"review_action":       a.Action,
				"role":                user.Role,
				"revoked_permissions": revoke,
				"revoked_count":       revoked,
			},
		})
	}
	return revoked, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
