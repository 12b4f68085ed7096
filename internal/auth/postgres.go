package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Accounts() AccountStore           { return &accountStore{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore { return &refreshTokenStore{db: s.db} }

// Account store -------------------------------------------------------------

type accountStore struct{ db *sql.DB }

const accountColumns = `id, username, display_name, role, active, password_hash,
	 failed_login_attempts, locked_until, created_at, updated_at`

func (s *accountStore) Create(ctx context.Context, acc *Account) error {
	_, err := s.db.ExecContext(ctx,
		`insert into accounts(id, username, display_name, role, active, password_hash, failed_login_attempts, locked_until)
		 values($1,$2,$3,$4,$5,$6,$7,$8)`,
		acc.ID, acc.Username, acc.DisplayName, string(acc.Role), acc.Active,
		acc.PasswordHash, acc.FailedLoginAttempts, acc.LockedUntil,
	)
	return err
}

func (s *accountStore) Find(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where id=$1`, id)
	return scanAccount(row)
}

func (s *accountStore) FindByUsername(ctx context.Context, username string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+accountColumns+` from accounts where lower(username)=$1`, username)
	return scanAccount(row)
}

// RecordLoginFailure increments against the stored counter in a single
// statement. Concurrent failed attempts each land exactly one increment,
// and a lapsed lock restarts the count at one.
func (s *accountStore) RecordLoginFailure(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (*Account, error) {
	lockUntil := now.Add(policy.Window)
	row := s.db.QueryRowContext(ctx,
		`update accounts set
			failed_login_attempts = case
				when locked_until is not null and locked_until <= $4 then 1
				else least(failed_login_attempts + 1, $2) end,
			locked_until = case
				when locked_until is not null and locked_until <= $4 then null
				when failed_login_attempts + 1 >= $2 then $3
				else locked_until end,
			updated_at = now()
		 where id=$1
		 returning `+accountColumns,
		id, policy.Threshold, lockUntil, now,
	)
	acc, err := scanAccount(row)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *accountStore) ResetLoginState(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update accounts set failed_login_attempts=0, locked_until=null, updated_at=now() where id=$1`,
		id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		acc         Account
		role        string
		lockedUntil sql.NullTime
	)
	err := row.Scan(&acc.ID, &acc.Username, &acc.DisplayName, &role, &acc.Active,
		&acc.PasswordHash, &acc.FailedLoginAttempts, &lockedUntil,
		&acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	acc.Role = Role(role)
	if lockedUntil.Valid {
		t := lockedUntil.Time.UTC()
		acc.LockedUntil = &t
	}
	return &acc, nil
}

// Refresh token store -------------------------------------------------------

type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, rec *RefreshTokenRecord) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, account_id, token_hash, issued_at, expires_at)
		 values($1,$2,$3,$4,$5)`,
		rec.ID, rec.AccountID, rec.TokenHash, rec.IssuedAt, rec.ExpiresAt,
	)
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, id string) (*RefreshTokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, account_id, token_hash, issued_at, expires_at, revoked, revoked_at, replaced_by
		 from refresh_tokens where id=$1`, id)
	var (
		rec        RefreshTokenRecord
		revokedAt  sql.NullTime
		replacedBy sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.AccountID, &rec.TokenHash, &rec.IssuedAt,
		&rec.ExpiresAt, &rec.Revoked, &revokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time.UTC()
		rec.RevokedAt = &t
	}
	if replacedBy.Valid {
		rec.ReplacedBy = replacedBy.String
	}
	return &rec, nil
}

// Rotate serializes per chain through a conditional revoke: only the
// transaction that observes "not yet revoked" may insert the replacement.
// The loser sees zero rows affected and gets ErrRefreshReused.
func (s *refreshTokenStore) Rotate(ctx context.Context, oldID string, replacement *RefreshTokenRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=$2, replaced_by=$3
		 where id=$1 and not revoked`,
		oldID, replacement.IssuedAt, replacement.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRefreshReused
	}

	_, err = tx.ExecContext(ctx,
		`insert into refresh_tokens(id, account_id, token_hash, issued_at, expires_at)
		 values($1,$2,$3,$4,$5)`,
		replacement.ID, replacement.AccountID, replacement.TokenHash,
		replacement.IssuedAt, replacement.ExpiresAt,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *refreshTokenStore) MarkRevoked(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=coalesce(revoked_at, now()) where id=$1`,
		id,
	)
	return err
}

func (s *refreshTokenStore) MarkRevokedByAccount(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=coalesce(revoked_at, now())
		 where account_id=$1 and not revoked`,
		accountID,
	)
	return err
}

func (s *refreshTokenStore) RevokeChain(ctx context.Context, fromID string) error {
	_, err := s.db.ExecContext(ctx,
		`with recursive chain as (
			select id, replaced_by from refresh_tokens where id=$1
			union all
			select t.id, t.replaced_by from refresh_tokens t
			join chain c on t.id = c.replaced_by
		 )
		 update refresh_tokens set revoked=true, revoked_at=coalesce(revoked_at, now())
		 where id in (select id from chain)`,
		fromID,
	)
	return err
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where id in (
			select id from refresh_tokens where expires_at < $1
			order by expires_at asc limit $2
		 )`,
		cutoff, limit,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
