package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"aulagate.org/internal/audit"
	"aulagate.org/internal/ids"
	"aulagate.org/internal/obs"
)

const (
	defaultAccessTTL   = 15 * time.Minute
	defaultRefreshTTL  = 24 * time.Hour * 14
	defaultReplayGrace = 10 * time.Second
	defaultIssuer      = "aulagate"

	// maxChainHops bounds the walk along replaced_by pointers.
	maxChainHops = 32
)

// Service turns credentials into sessions and keeps them alive. It owns
// credential verification with lockout, access/refresh issuance, and the
// refresh rotation protocol.
type Service struct {
	accounts AccountStore
	refresh  RefreshTokenStore
	events   audit.Sink

	keys   []SigningKey
	policy LockoutPolicy
	issuer string

	accessTTL   time.Duration
	refreshTTL  time.Duration
	replayGrace time.Duration

	revokeChainOnReuse bool

	now func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the access-token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithLockoutPolicy overrides the lockout threshold and window.
func WithLockoutPolicy(p LockoutPolicy) ServiceOption {
	return func(s *Service) error {
		if p.Threshold <= 0 || p.Window <= 0 {
			return errors.New("auth: lockout policy needs a positive threshold and window")
		}
		s.policy = p
		return nil
	}
}

// WithReplayGrace sets the tolerance for a just-rotated refresh token
// being presented again, which duplicate client refreshes produce. Zero
// disables the grace and every replay is a reuse signal.
func WithReplayGrace(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d >= 0 {
			s.replayGrace = d
		}
		return nil
	}
}

// WithChainRevocationOnReuse controls whether a reuse signal outside the
// grace window revokes the whole rotation chain, forcing full re-login.
func WithChainRevocationOnReuse(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.revokeChainOnReuse = enabled
		return nil
	}
}

// WithAuditSink wires the best-effort audit recorder.
func WithAuditSink(sink audit.Sink) ServiceOption {
	return func(s *Service) error {
		if sink != nil {
			s.events = sink
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service. At least one signing key is required;
// a process without one must refuse to start.
func NewService(store Store, keys []SigningKey, opts ...ServiceOption) (*Service, error) {
	if len(keys) == 0 {
		return nil, errors.New("auth: no signing keys configured")
	}
	for _, k := range keys {
		if k.Kid == "" || len(k.Secret) == 0 {
			return nil, errors.New("auth: signing key with empty kid or secret")
		}
	}
	svc := &Service{
		accounts:           store.Accounts(),
		refresh:            store.RefreshTokens(),
		events:             audit.Discard,
		keys:               keys,
		policy:             DefaultLockoutPolicy(),
		issuer:             defaultIssuer,
		accessTTL:          defaultAccessTTL,
		refreshTTL:         defaultRefreshTTL,
		replayGrace:        defaultReplayGrace,
		revokeChainOnReuse: true,
		now:                time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.accessTTL >= svc.refreshTTL {
		return nil, errors.New("auth: access TTL must be shorter than refresh TTL")
	}
	return svc, nil
}

// Login verifies credentials and issues a token pair. The check order is
// fixed: lock status, then active flag, then password. A locked account
// stays locked even when the supplied password is correct.
func (s *Service) Login(ctx context.Context, username, password string) (TokenPair, *Account, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	if username == "" || password == "" {
		burnPasswordCheck(password)
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	acc, err := s.accounts.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Equalize timing between unknown user and wrong password.
			burnPasswordCheck(password)
			s.events.Record(ctx, audit.Event{
				Kind:     audit.KindLoginFailure,
				TargetID: username,
				Detail:   map[string]string{"reason": "unknown_identifier"},
			})
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}

	now := s.now()
	if err := s.policy.Evaluate(acc, now); err != nil {
		reason := "deactivated"
		if errors.Is(err, ErrAccountLocked) {
			reason = "locked"
		}
		s.events.Record(ctx, audit.Event{
			Kind:     audit.KindLoginFailure,
			ActorID:  acc.ID,
			TargetID: acc.Username,
			Detail:   map[string]string{"reason": reason},
		})
		return TokenPair{}, nil, err
	}

	if err := VerifyPassword(acc.PasswordHash, password); err != nil {
		// The store applies the increment against its current counter so
		// concurrent attempts cannot lose each other's failures.
		updated, uerr := s.accounts.RecordLoginFailure(ctx, acc.ID, s.policy, now)
		if uerr != nil {
			return TokenPair{}, nil, uerr
		}
		if updated.LockedUntil != nil && updated.LockedUntil.After(now) {
			obs.LockoutsTriggered.Inc()
			s.events.Record(ctx, audit.Event{
				Kind:     audit.KindLoginLockout,
				ActorID:  acc.ID,
				TargetID: acc.Username,
				Detail:   map[string]string{"locked_until": updated.LockedUntil.UTC().Format(time.RFC3339)},
			})
			return TokenPair{}, nil, ErrAccountLocked
		}
		s.events.Record(ctx, audit.Event{
			Kind:     audit.KindLoginFailure,
			ActorID:  acc.ID,
			TargetID: acc.Username,
			Detail:   map[string]string{"reason": "bad_password", "failed_attempts": fmt.Sprintf("%d", updated.FailedLoginAttempts)},
		})
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	if acc.FailedLoginAttempts > 0 || acc.LockedUntil != nil {
		if err := s.accounts.ResetLoginState(ctx, acc.ID); err != nil {
			return TokenPair{}, nil, err
		}
	}

	pair, err := s.issuePair(ctx, acc)
	if err != nil {
		return TokenPair{}, nil, err
	}
	s.events.Record(ctx, audit.Event{
		Kind:     audit.KindLoginSuccess,
		ActorID:  acc.ID,
		TargetID: acc.Username,
	})
	return pair, acc, nil
}

// Rotate exchanges a presented refresh token for a fresh pair, revoking
// the presented record in the same transaction that creates its
// replacement. A revoked record being presented again is a reuse signal,
// softened only by the replay grace window.
func (s *Service) Rotate(ctx context.Context, presented string) (TokenPair, *Account, error) {
	tokenID, secret, err := splitRefreshToken(presented)
	if err != nil {
		return TokenPair{}, nil, ErrRefreshInvalid
	}
	rec, err := s.refresh.Find(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrRefreshInvalid
		}
		return TokenPair{}, nil, err
	}
	if !matchesTokenHash(rec.TokenHash, secret) {
		// Correct id, wrong secret: someone is probing this chain.
		_ = s.refresh.MarkRevoked(ctx, rec.ID)
		return TokenPair{}, nil, ErrRefreshInvalid
	}
	if rec.Revoked {
		return s.handleRevoked(ctx, rec)
	}
	return s.rotateLive(ctx, rec, true)
}

func (s *Service) rotateLive(ctx context.Context, rec *RefreshTokenRecord, retryOnRace bool) (TokenPair, *Account, error) {
	now := s.now()
	if now.After(rec.ExpiresAt) {
		return TokenPair{}, nil, ErrRefreshExpired
	}

	acc, err := s.accounts.Find(ctx, rec.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrRefreshInvalid
		}
		return TokenPair{}, nil, err
	}
	if !acc.Active {
		_ = s.refresh.MarkRevoked(ctx, rec.ID)
		return TokenPair{}, nil, ErrAccountDeactivated
	}

	access, accessExp, err := s.signAccessToken(acc, now)
	if err != nil {
		return TokenPair{}, nil, err
	}
	rawRefresh, replacement, err := s.newRefreshRecord(acc.ID, now)
	if err != nil {
		return TokenPair{}, nil, err
	}

	if err := s.refresh.Rotate(ctx, rec.ID, replacement); err != nil {
		if errors.Is(err, ErrRefreshReused) && retryOnRace {
			// A concurrent rotation won between our read and the
			// conditional revoke. Re-read and take the revoked path.
			fresh, ferr := s.refresh.Find(ctx, rec.ID)
			if ferr == nil {
				return s.handleRevoked(ctx, fresh)
			}
			return TokenPair{}, nil, ErrRefreshReused
		}
		return TokenPair{}, nil, err
	}

	s.events.Record(ctx, audit.Event{
		Kind:    audit.KindRefreshRotated,
		ActorID: acc.ID,
		Detail:  map[string]string{"old_token_id": rec.ID, "new_token_id": replacement.ID},
	})
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: replacement.ExpiresAt,
	}, acc, nil
}

// handleRevoked decides between the replay grace and the reuse signal.
// Inside the grace window a duplicate refresh is answered by rotating the
// live tail of the chain, so exactly one live record exists at any time.
func (s *Service) handleRevoked(ctx context.Context, rec *RefreshTokenRecord) (TokenPair, *Account, error) {
	now := s.now()
	if s.replayGrace > 0 && rec.RevokedAt != nil && now.Sub(*rec.RevokedAt) <= s.replayGrace && rec.ReplacedBy != "" {
		if tail, err := s.chainTail(ctx, rec); err == nil && tail != nil &&
			!tail.Revoked && tail.ExpiresAt.After(now) {
			return s.rotateLive(ctx, tail, false)
		}
	}

	s.events.Record(ctx, audit.Event{
		Kind:    audit.KindRefreshReuse,
		ActorID: rec.AccountID,
		Detail:  map[string]string{"token_id": rec.ID},
	})
	if s.revokeChainOnReuse {
		_ = s.refresh.RevokeChain(ctx, rec.ID)
	}
	return TokenPair{}, nil, ErrRefreshReused
}

// chainTail follows replaced_by pointers to the newest record of the chain.
func (s *Service) chainTail(ctx context.Context, rec *RefreshTokenRecord) (*RefreshTokenRecord, error) {
	current := rec
	for hop := 0; hop < maxChainHops && current.ReplacedBy != ""; hop++ {
		next, err := s.refresh.Find(ctx, current.ReplacedBy)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// Authenticate validates an access token without touching the store.
func (s *Service) Authenticate(token string) (Principal, error) {
	claims, err := s.verifyAccessToken(token)
	if err != nil {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{
		AccountID: claims.Subject,
		Username:  claims.Username,
		Role:      claims.Role,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// AccessTTL reports the configured access-token lifetime.
func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

// Logout revokes the presented refresh token. It is idempotent and never
// reports token problems: logging out without a session is a success.
func (s *Service) Logout(ctx context.Context, presented string) {
	tokenID, secret, err := splitRefreshToken(presented)
	if err != nil {
		return
	}
	rec, err := s.refresh.Find(ctx, tokenID)
	if err != nil {
		return
	}
	if !matchesTokenHash(rec.TokenHash, secret) || rec.Revoked {
		return
	}
	if err := s.refresh.MarkRevoked(ctx, rec.ID); err != nil {
		return
	}
	s.events.Record(ctx, audit.Event{
		Kind:    audit.KindLogout,
		ActorID: rec.AccountID,
		Detail:  map[string]string{"token_id": rec.ID},
	})
}

// RevokeAllForAccount invalidates every live session of an account, used
// for administrative session invalidation.
func (s *Service) RevokeAllForAccount(ctx context.Context, accountID string) error {
	if err := s.refresh.MarkRevokedByAccount(ctx, accountID); err != nil {
		return err
	}
	s.events.Record(ctx, audit.Event{
		Kind:     audit.KindSessionsRevoked,
		TargetID: accountID,
	})
	return nil
}

// CleanupExpired deletes refresh tokens that expired more than retention
// ago, in batches. Expired rows are kept for a while so reuse of a stale
// token is still distinguishable from garbage.
func (s *Service) CleanupExpired(ctx context.Context, retention time.Duration, batch int) (int64, error) {
	cutoff := s.now().Add(-retention)
	return s.refresh.DeleteExpired(ctx, cutoff, batch)
}

func (s *Service) issuePair(ctx context.Context, acc *Account) (TokenPair, error) {
	now := s.now()
	access, accessExp, err := s.signAccessToken(acc, now)
	if err != nil {
		return TokenPair{}, err
	}
	rawRefresh, rec, err := s.newRefreshRecord(acc.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.refresh.Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

func (s *Service) newRefreshRecord(accountID string, now time.Time) (string, *RefreshTokenRecord, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := &RefreshTokenRecord{
		ID:        ids.New(),
		AccountID: accountID,
		TokenHash: hashTokenSecret(secret),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	return rec.ID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashTokenSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func matchesTokenHash(expectedHash, secret string) bool {
	actual := hashTokenSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
