package auth

import "time"

const (
	// DefaultLockoutThreshold is the number of consecutive failures that
	// locks an account. The attempt that reaches it reports the lock, not
	// a generic credential failure.
	DefaultLockoutThreshold = 5
	// DefaultLockoutWindow is how long a triggered lock holds.
	DefaultLockoutWindow = 15 * time.Minute
)

// LockoutPolicy is pure decision logic over an account's failure counter
// and the clock. Unlocking is lazy: once LockedUntil passes, Evaluate
// allows the attempt without any write, and the next recorded attempt
// restarts the count from zero.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
}

// DefaultLockoutPolicy returns the production policy.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: DefaultLockoutThreshold, Window: DefaultLockoutWindow}
}

// Evaluate gates an attempt before any password comparison.
// Check order is fixed: locked, then deactivated. A deactivated account
// that is also locked reports the lock.
func (p LockoutPolicy) Evaluate(acc *Account, now time.Time) error {
	if acc.LockedUntil != nil && acc.LockedUntil.After(now) {
		return ErrAccountLocked
	}
	if !acc.Active {
		return ErrAccountDeactivated
	}
	return nil
}

// RecordFailure applies a failed attempt to the account in memory and
// reports whether this attempt triggered the lock. The counter never
// grows past the threshold.
func (p LockoutPolicy) RecordFailure(acc *Account, now time.Time) bool {
	if acc.LockedUntil != nil && !acc.LockedUntil.After(now) {
		// Lapsed lock: the chain of failures starts over.
		acc.FailedLoginAttempts = 0
		acc.LockedUntil = nil
	}
	acc.FailedLoginAttempts++
	if acc.FailedLoginAttempts >= p.Threshold {
		until := now.Add(p.Window)
		acc.LockedUntil = &until
		acc.FailedLoginAttempts = p.Threshold
		return true
	}
	return false
}
