package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"sentra.dev/internal/iam"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_tenant_id_email_key"})

	now := time.Now().UTC()
	err := store.Users().Create(context.Background(), &iam.User{
		ID: "u1", TenantID: "t1", Email: "u@example.com", PasswordHash: "x",
		Active: true, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, iam.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserMapsForeignKeyViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "users_tenant_id_fkey"})

	now := time.Now().UTC()
	err := store.Users().Create(context.Background(), &iam.User{
		ID: "u1", TenantID: "missing", Email: "u@example.com",
		Active: true, CreatedAt: now, UpdatedAt: now,
	})
	if !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFindUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from users where id").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Users().Find(context.Background(), "nope"); !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIncrementFailedLogins(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("update users set failed_login_count").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_count"}).AddRow(3))

	count, err := store.Users().IncrementFailedLogins(context.Background(), "u1")
	if err != nil {
		t.Fatalf("IncrementFailedLogins: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3, got %d", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateDetectsReuse(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select rotated_at from refresh_tokens").
		WithArgs("rt1").
		WillReturnRows(sqlmock.NewRows([]string{"rotated_at"}).AddRow(time.Now().UTC()))
	mock.ExpectRollback()

	err := store.RefreshTokens().Rotate(context.Background(), "rt1", time.Now().UTC(), nil)
	if !errors.Is(err, iam.ErrTokenReuseDetected) {
		t.Fatalf("expected ErrTokenReuseDetected, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotatePersistsReplacement(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select rotated_at from refresh_tokens").
		WithArgs("rt1").
		WillReturnRows(sqlmock.NewRows([]string{"rotated_at"}).AddRow(nil))
	mock.ExpectExec("update refresh_tokens set rotated_at").
		WithArgs("rt1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("rt2", "u1", "hash2", "jti2", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	replacement := &iam.RefreshToken{
		ID: "rt2", UserID: "u1", TokenHash: "hash2", JTI: "jti2",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}
	if err := store.RefreshTokens().Rotate(context.Background(), "rt1", now, replacement); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateUnknownToken(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select rotated_at from refresh_tokens").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := store.RefreshTokens().Rotate(context.Background(), "missing", time.Now().UTC(), nil)
	if !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIsBlacklisted(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select exists").
		WithArgs("jti1", now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	revoked, err := store.Blacklist().IsBlacklisted(context.Background(), "jti1", now)
	if err != nil {
		t.Fatalf("IsBlacklisted: %v", err)
	}
	if !revoked {
		t.Fatal("expected revoked")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteExpiredCountsRows(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("delete from refresh_tokens where expires_at").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.RefreshTokens().DeleteExpired(context.Background(), now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPqArrayQuoting(t *testing.T) {
	got := pqArray([]string{"a", `b"c`, `d\e`})
	want := `{"a","b\"c","d\\e"}`
	if got != want {
		t.Fatalf("pqArray = %s, want %s", got, want)
	}
	if pqArray(nil) != "{}" {
		t.Fatalf("empty array = %s", pqArray(nil))
	}
}
