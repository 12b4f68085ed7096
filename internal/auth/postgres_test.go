package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestAccountStoreFindByUsername(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC()
	until := now.Add(10 * time.Minute)
	rows := sqlmock.NewRows([]string{
		"id", "username", "display_name", "role", "active", "password_hash",
		"failed_login_attempts", "locked_until", "created_at", "updated_at",
	}).AddRow("acc-1", "ada", "Ada", "admin", true, "hash", 5, until, now, now)
	mock.ExpectQuery("from accounts where lower\\(username\\)").WithArgs("ada").WillReturnRows(rows)

	acc, err := NewPGStore(db).Accounts().FindByUsername(context.Background(), "ada")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if acc.Role != RoleAdmin || acc.FailedLoginAttempts != 5 {
		t.Fatalf("unexpected account %+v", acc)
	}
	if acc.LockedUntil == nil || !acc.LockedUntil.Equal(until) {
		t.Fatalf("locked_until not scanned: %v", acc.LockedUntil)
	}

	mock.ExpectQuery("from accounts where lower\\(username\\)").WithArgs("nobody").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := NewPGStore(db).Accounts().FindByUsername(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccountStoreRecordLoginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	policy := DefaultLockoutPolicy()
	now := time.Now().UTC()
	until := now.Add(policy.Window)

	// The increment runs against the stored counter, not a value the
	// caller read earlier, so the statement carries policy parameters
	// rather than a precomputed count.
	rows := sqlmock.NewRows([]string{
		"id", "username", "display_name", "role", "active", "password_hash",
		"failed_login_attempts", "locked_until", "created_at", "updated_at",
	}).AddRow("acc-1", "ada", "Ada", "admin", true, "hash", 5, until, now, now)
	mock.ExpectQuery(`least\(failed_login_attempts \+ 1`).
		WithArgs("acc-1", policy.Threshold, until, now).
		WillReturnRows(rows)

	acc, err := NewPGStore(db).Accounts().RecordLoginFailure(context.Background(), "acc-1", policy, now)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if acc.FailedLoginAttempts != 5 {
		t.Fatalf("failed_login_attempts = %d, want 5", acc.FailedLoginAttempts)
	}
	if acc.LockedUntil == nil || !acc.LockedUntil.Equal(until) {
		t.Fatalf("locked_until = %v, want %v", acc.LockedUntil, until)
	}

	mock.ExpectQuery(`least\(failed_login_attempts \+ 1`).
		WithArgs("ghost", policy.Threshold, until, now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := NewPGStore(db).Accounts().RecordLoginFailure(context.Background(), "ghost", policy, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccountStoreResetLoginStateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("update accounts set failed_login_attempts=0").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewPGStore(db).Accounts().ResetLoginState(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshTokenRotateWinner(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	replacement := &RefreshTokenRecord{
		ID:        "tok-2",
		AccountID: "acc-1",
		TokenHash: "hash2",
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked=true").
		WithArgs("tok-1", replacement.IssuedAt, "tok-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("tok-2", "acc-1", "hash2", replacement.IssuedAt, replacement.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := NewPGStore(db).RefreshTokens().Rotate(context.Background(), "tok-1", replacement); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshTokenRotateLoser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	// Zero rows from the conditional revoke means another rotation won.
	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked=true").
		WithArgs("tok-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	replacement := &RefreshTokenRecord{ID: "tok-2", AccountID: "acc-1", TokenHash: "h"}
	err = NewPGStore(db).RefreshTokens().Rotate(context.Background(), "tok-1", replacement)
	if !errors.Is(err, ErrRefreshReused) {
		t.Fatalf("want ErrRefreshReused, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshTokenFindScansNullables(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	issued := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "account_id", "token_hash", "issued_at", "expires_at",
		"revoked", "revoked_at", "replaced_by",
	}).AddRow("tok-1", "acc-1", "hash", issued, issued.Add(time.Hour), false, nil, nil)
	mock.ExpectQuery("from refresh_tokens where id").WithArgs("tok-1").WillReturnRows(rows)

	rec, err := NewPGStore(db).RefreshTokens().Find(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if rec.Revoked || rec.RevokedAt != nil || rec.ReplacedBy != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshTokenRevokeChain(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("with recursive chain").WithArgs("tok-1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := NewPGStore(db).RefreshTokens().RevokeChain(context.Background(), "tok-1"); err != nil {
		t.Fatalf("RevokeChain: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshTokenDeleteExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	cutoff := time.Now().UTC()
	mock.ExpectExec("delete from refresh_tokens where id in").
		WithArgs(cutoff, 100).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := NewPGStore(db).RefreshTokens().DeleteExpired(context.Background(), cutoff, 100)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 42 {
		t.Fatalf("deleted = %d, want 42", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
