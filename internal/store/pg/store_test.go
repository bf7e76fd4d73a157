package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"medrec.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, "pgx"), mock
}

var credentialColumns = []string{
	"id", "username", "password_hash", "role_id", "role_name", "person_id", "status",
	"failed_attempts", "locked_until", "temporary_password", "mfa_enabled", "mfa_secret",
	"last_login_at", "created_at", "updated_at",
}

func TestFindByUsername(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`from credentials c\s+join roles r on r.id = c.role_id\s+where c.username = \$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(credentialColumns).AddRow(
			int64(7), "alice", "hash", int64(1), "clinician", int64(3), "active",
			2, nil, false, true, "SECRET", now, now, now,
		))

	cred, err := store.Credentials().FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, int64(7), cred.ID)
	require.Equal(t, auth.RoleClinician, cred.RoleID)
	require.Equal(t, "clinician", cred.RoleName)
	require.Equal(t, 2, cred.FailedAttempts)
	require.Nil(t, cred.LockedUntil)
	require.NotNil(t, cred.MFASecret)
	require.Equal(t, "SECRET", *cred.MFASecret)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByUsernameNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`where c.username = \$1`).WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows(credentialColumns))

	_, err := store.Credentials().FindByUsername(context.Background(), "nobody")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestRecordFailedAttemptSingleStatement(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	until := at.Add(15 * time.Minute)
	mock.ExpectQuery(`for update\s+\)\s+update credentials c\s+set failed_attempts = case when cur.lapsed then 1 else c.failed_attempts \+ 1 end`).
		WithArgs(int64(7), 5, at, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(5, until))

	attempt, err := store.Credentials().RecordFailedAttempt(context.Background(), 7, 5, at, until)
	require.NoError(t, err)
	require.Equal(t, 5, attempt.Count)
	require.NotNil(t, attempt.LockedUntil)
	require.True(t, attempt.LockedUntil.Equal(until))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetFailedAttemptsMissingRow(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec(`set failed_attempts = 0, locked_until = null`).WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Credentials().ResetFailedAttempts(context.Background(), 9)
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestCreateCredentialConflict(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`insert into credentials`).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "credentials_username_key"})

	err := store.Credentials().Create(context.Background(), &auth.Credential{
		Username: "alice", PasswordHash: "h", RoleID: auth.RoleClinician, PersonID: 1,
	})
	require.ErrorIs(t, err, auth.ErrConflict)
}

func TestCreateCredentialUnknownRole(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`insert into credentials`).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, ConstraintName: "credentials_role_id_fkey"})

	err := store.Credentials().Create(context.Background(), &auth.Credential{
		Username: "alice", PasswordHash: "h", RoleID: 99, PersonID: 1,
	})
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestCloseByTokenAlreadyClosed(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`update sessions set ended_at = \$2\s+where token = \$1 and ended_at is null`).
		WithArgs("tok", at).
		WillReturnRows(sqlmock.NewRows([]string{"id", "credential_id", "token", "started_at", "ended_at"}))

	_, err := store.Sessions().CloseByToken(context.Background(), "tok", at)
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionStats(t *testing.T) {
	store, mock := newMock(t)
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`from sessions\s+where started_at >= \$1`).WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"total", "open", "credentials"}).AddRow(10, 4, 3))

	stats, err := store.Sessions().Stats(context.Background(), since)
	require.NoError(t, err)
	require.Equal(t, auth.SessionStats{Total: 10, Open: 4, Credentials: 3}, stats)
}

func TestAuditListBuildsFilter(t *testing.T) {
	store, mock := newMock(t)
	uid := int64(4)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`where credential_id = $1 and action ilike '%' || $2 || '%' and created_at >= $3 order by created_at desc, id desc limit $4 offset $5`)).
		WithArgs(uid, "login", from, 20, 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "credential_id", "username", "action", "description", "request_id", "created_at"}).
			AddRow(int64(1), uid, "alice", "USER_LOGIN", "Login", "req-1", from))

	entries, err := store.AuditLog().List(context.Background(), auth.AuditFilter{
		CredentialID: &uid, Action: "login", From: &from, Page: 2, Limit: 20,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "USER_LOGIN", entries[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditListWithoutFilter(t *testing.T) {
	where, args := auditWhere(auth.AuditFilter{})
	require.Empty(t, where)
	require.Empty(t, args)
}

func TestMapErrorPassesThroughUnknown(t *testing.T) {
	boom := errors.New("boom")
	require.Equal(t, boom, mapError(boom))
	require.NoError(t, mapError(nil))
}
