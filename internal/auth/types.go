package auth

import "time"

// Role is the closed set of account roles carried on access tokens.
// Role-to-resource policy lives in the collaborating resource tiers,
// not here.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// Account is one credential record. Provisioning and deactivation happen
// outside this subsystem; only the lockout counters are mutated here.
type Account struct {
	ID                  string
	Username            string
	DisplayName         string
	Role                Role
	Active              bool
	PasswordHash        string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// RefreshTokenRecord is the server-side half of an opaque refresh token.
// The presented token is "id.secret"; only the sha256 of the secret is
// stored. ReplacedBy points forward along the rotation chain.
type RefreshTokenRecord struct {
	ID         string
	AccountID  string
	TokenHash  string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
	ReplacedBy string
}

// TokenPair is the result of a login or a refresh rotation.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Principal is the verified identity extracted from an access token.
// It is self-contained: no store round trip backs it.
type Principal struct {
	AccountID string
	Username  string
	Role      Role
	ExpiresAt time.Time
}
