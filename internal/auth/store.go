package auth

import (
	"context"
	"time"
)

// Store describes the persistence operations the auth subsystem needs.
type Store interface {
	Accounts() AccountStore
	RefreshTokens() RefreshTokenStore
}

// AccountStore manages credential records. Accounts are provisioned and
// deactivated elsewhere; this subsystem only reads them and writes the
// lockout counters.
type AccountStore interface {
	Create(ctx context.Context, acc *Account) error
	Find(ctx context.Context, id string) (*Account, error)
	// FindByUsername looks up by the lower-cased username.
	FindByUsername(ctx context.Context, username string) (*Account, error)
	// RecordLoginFailure applies one failed attempt atomically against the
	// stored counter, not a value read earlier, so concurrent failures
	// cannot lose increments. It follows the policy semantics of
	// LockoutPolicy.RecordFailure and returns the resulting state.
	RecordLoginFailure(ctx context.Context, id string, policy LockoutPolicy, now time.Time) (*Account, error)
	// ResetLoginState clears the failure counter and lock expiry.
	ResetLoginState(ctx context.Context, id string) error
}

// RefreshTokenStore manages the refresh-token rotation chain.
type RefreshTokenStore interface {
	Create(ctx context.Context, rec *RefreshTokenRecord) error
	Find(ctx context.Context, id string) (*RefreshTokenRecord, error)
	// Rotate atomically revokes the presented record and inserts its
	// replacement, linking replaced_by, in one transaction. When the
	// record was already revoked (a concurrent rotation won, or a replay)
	// it returns ErrRefreshReused and writes nothing.
	Rotate(ctx context.Context, oldID string, replacement *RefreshTokenRecord) error
	MarkRevoked(ctx context.Context, id string) error
	// MarkRevokedByAccount invalidates every live session of an account.
	MarkRevokedByAccount(ctx context.Context, accountID string) error
	// RevokeChain revokes the record and everything reachable through its
	// replaced_by forward pointers.
	RevokeChain(ctx context.Context, fromID string) error
	// DeleteExpired removes records whose expiry passed before cutoff,
	// up to limit rows. Retention housekeeping, not part of the hot path.
	DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
