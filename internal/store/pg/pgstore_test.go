package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"gracechurch.org/authz/internal/audit"
	"gracechurch.org/authz/internal/authz"
	"gracechurch.org/authz/internal/delegation"
	"gracechurch.org/authz/internal/review"
)

// passthrough lets slice arguments reach the mock the way the pgx driver accepts them.
type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) { return v, nil }

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(passthrough{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var userCols = []string{"id", "username", "role", "is_active", "last_login", "last_permission_review"}

func TestGetUser(t *testing.T) {
	s, mock := newMock(t)
	login := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select id, username, role, is_active, last_login, last_permission_review from users where id").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "mary", "member", true, login, nil))

	u, err := s.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Role != "member" || u.LastLogin == nil || !u.LastLogin.Equal(login) || u.LastPermissionReview != nil {
		t.Fatalf("unexpected user: %+v", u)
	}
	expectationsMet(t, mock)
}

func TestGetUserNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from users where id").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	if _, err := s.GetUser(context.Background(), "ghost"); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select name, level from roles where name").WithArgs("elder").
		WillReturnRows(sqlmock.NewRows([]string{"name", "level"}).AddRow("elder", 700))

	r, err := s.GetRole(context.Background(), "elder")
	if err != nil || r.Level != 700 {
		t.Fatalf("GetRole: %+v %v", r, err)
	}
	expectationsMet(t, mock)
}

func TestRolePermissions(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select p.name\\s+from role_permissions rp").WithArgs("elder").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("board.post").AddRow("members.view"))

	perms, err := s.RolePermissions(context.Background(), "elder")
	if err != nil || len(perms) != 2 || perms[1] != "members.view" {
		t.Fatalf("RolePermissions: %v %v", perms, err)
	}
	expectationsMet(t, mock)
}

func TestDataScopesAndUnits(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from data_scopes").WithArgs("u1", "members").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "resource_type", "scope_type", "scope_value"}).
			AddRow("u1", "members", "team", "").
			AddRow("u1", "members", "own", ""))
	mock.ExpectQuery("from org_unit_members").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "unit_id", "unit_type", "role_in_unit"}).
			AddRow("u1", "unit-youth", "youth", "leader"))

	scopes, err := s.DataScopes(context.Background(), "u1", "members")
	if err != nil || len(scopes) != 2 || scopes[0].ScopeType != authz.ScopeTeam {
		t.Fatalf("DataScopes: %+v %v", scopes, err)
	}
	units, err := s.UnitMemberships(context.Background(), "u1")
	if err != nil || len(units) != 1 || units[0].RoleInUnit != "leader" {
		t.Fatalf("UnitMemberships: %+v %v", units, err)
	}
	expectationsMet(t, mock)
}

func TestActiveConditions(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from conditional_permissions cp").WithArgs("u1", "finance.view").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "permission_id", "condition_type", "condition_value", "is_active"}).
			AddRow("u1", "perm-finance-view", "time_restriction", []byte(`{"start":"09:00","end":"18:00"}`), true))

	got, err := s.ActiveConditions(context.Background(), "u1", "finance.view")
	if err != nil || len(got) != 1 {
		t.Fatalf("ActiveConditions: %+v %v", got, err)
	}
	if got[0].ConditionType != authz.ConditionTime || string(got[0].ConditionValue) != `{"start":"09:00","end":"18:00"}` {
		t.Fatalf("unexpected condition: %+v", got[0])
	}
	expectationsMet(t, mock)
}

func TestCreatePermissionRequestConflict(t *testing.T) {
	s, mock := newMock(t)
	until := time.Date(2026, 10, 19, 13, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into permission_requests").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.CreatePermissionRequest(context.Background(), delegation.Request{
		ID: "r1", Type: delegation.TypeTemporary, Status: delegation.StatusApproved, ValidUntil: &until,
	})
	if !errors.Is(err, authz.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestPermissionRequestsForUser(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	until := created.Add(time.Hour)
	mock.ExpectQuery("from permission_requests r").WithArgs("u9").
		WillReturnRows(sqlmock.NewRows([]string{"id", "requester_id", "target_user_id", "permission_id", "name",
			"request_type", "status", "valid_until", "business_justification", "created_at"}).
			AddRow("r1", "u1", "u9", "perm-7", "board.moderate", "temporary", "approved", until, "", created).
			AddRow("r2", "u1", "u9", "perm-7", "board.moderate", "permanent", "pending", nil, "new role", created))

	got, err := s.PermissionRequestsForUser(context.Background(), "u9")
	if err != nil || len(got) != 2 {
		t.Fatalf("PermissionRequestsForUser: %+v %v", got, err)
	}
	if got[0].ValidUntil == nil || !got[0].ValidUntil.Equal(until) || got[1].ValidUntil != nil {
		t.Fatalf("unexpected expiry: %+v", got)
	}
	if got[1].Status != delegation.StatusPending || got[0].Permission != "board.moderate" {
		t.Fatalf("unexpected request: %+v", got[1])
	}
	expectationsMet(t, mock)
}

func TestListReviewCandidatesDueFilter(t *testing.T) {
	s, mock := newMock(t)
	cutoff := time.Date(2026, 7, 21, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from users where last_permission_review is null or last_permission_review < \\$1 order by id").
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows(userCols).AddRow("u1", "mary", "member", true, nil, nil))

	users, err := s.ListReviewCandidates(context.Background(), &cutoff)
	if err != nil || len(users) != 1 {
		t.Fatalf("ListReviewCandidates: %+v %v", users, err)
	}
	expectationsMet(t, mock)
}

func TestRevokeRolePermissions(t *testing.T) {
	s, mock := newMock(t)
	perms := []string{"board.moderate", "finance.edit"}
	mock.ExpectExec("delete from role_permissions rp").WithArgs("elder", perms).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.RevokeRolePermissions(context.Background(), "elder", perms)
	if err != nil || n != 1 {
		t.Fatalf("RevokeRolePermissions: %d %v", n, err)
	}
	if n, err := s.RevokeRolePermissions(context.Background(), "elder", nil); err != nil || n != 0 {
		t.Fatalf("empty revocation: %d %v", n, err)
	}
	expectationsMet(t, mock)
}

func TestCreateReviewAndMarkReviewed(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into permission_reviews").
		WithArgs("rv1", "u1", "p1", "revoke", []byte(`["board.post"]`), "", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update users set last_permission_review").WithArgs("u1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update users set last_permission_review").WithArgs("ghost", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.CreateReview(context.Background(), review.Record{
		ID: "rv1", UserID: "u1", ReviewerID: "p1", Action: "revoke", RevokedPermissions: []string{"board.post"}, ReviewedAt: at,
	})
	if err != nil {
		t.Fatalf("CreateReview: %v", err)
	}
	if err := s.MarkReviewed(context.Background(), "u1", at); err != nil {
		t.Fatalf("MarkReviewed: %v", err)
	}
	if err := s.MarkReviewed(context.Background(), "ghost", at); !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestAppendAudit(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into audit_logs").
		WithArgs("a1", "u1", "route_access", "/admin", false, "10.0.0.1", "ua", []byte(`{"reason":"insufficient permissions"}`), at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.AppendAudit(context.Background(), audit.Entry{
		ID: "a1", UserID: "u1", Action: "route_access", Resource: "/admin", IPAddress: "10.0.0.1", UserAgent: "ua",
		AdditionalData: map[string]any{"reason": "insufficient permissions"}, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	expectationsMet(t, mock)
}
