package auth

import "errors"

// Expected, user-facing outcomes. Anything else bubbling out of this
// package is a server error and should surface as one.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrAccountDeactivated = errors.New("auth: account deactivated")
	ErrRefreshInvalid     = errors.New("auth: refresh token invalid")
	ErrRefreshExpired     = errors.New("auth: refresh token expired")
	ErrRefreshReused      = errors.New("auth: refresh token reused")
	ErrNoSession          = errors.New("auth: no session")
	ErrInvalidToken       = errors.New("auth: invalid token")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
)
