// Package lock implements lease-based collaborative locks that guard
// governance-assessment resources against concurrent edits. Locks are
// short-lived leases: they end by explicit release or, when a client cannot
// run clean-up code, by passive expiry. Expiry is evaluated lazily at read
// and acquire time; no background sweeper is required for correctness.
package lock

import (
	"errors"
	"fmt"
	"time"
)

// Type distinguishes single-writer locks from coexisting reader locks.
type Type string

const (
	// TypeExclusive excludes every other active lock on the same (resource, scope).
	TypeExclusive Type = "EXCLUSIVE"
	// TypeShared coexists with other shared locks but is excluded by an exclusive one.
	TypeShared Type = "SHARED"
)

// Valid reports whether t is a known lock type.
func (t Type) Valid() bool {
	return t == TypeExclusive || t == TypeShared
}

// Scope identifies the sub-resource being guarded within a parent resource.
// The set is open: tenants may define framework workspaces beyond the ones
// named here, so any non-empty value is accepted.
type Scope string

// Well-known scopes observed in the governance platform.
const (
	ScopeAssessment Scope = "ASSESS"
	ScopeISO42001   Scope = "ISO_42001"
	ScopeEUAIAct    Scope = "EU_AI_ACT"
	ScopeNISTRMF    Scope = "NIST_RMF"
)

// Lock is a lease on one (resource, scope) pair.
//
// A row is logically void either when IsActive has been cleared by an
// explicit release or when ExpiresAt has passed; callers must treat both
// as "not held".
type Lock struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resourceId"`
	Scope      Scope     `json:"scope"`
	OwnerID    string    `json:"ownerId"`
	Type       Type      `json:"type"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Held reports whether the lock still grants anything at the given instant.
func (l *Lock) Held(now time.Time) bool {
	return l.IsActive && l.ExpiresAt.After(now)
}

// Remaining returns the lease time left at the given instant, never negative.
func (l *Lock) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Blocks reports whether an active instance of this lock prevents ownerID
// from taking a lock of the requested type on the same pair. A caller's own
// locks never block them.
func (l *Lock) Blocks(ownerID string, requested Type) bool {
	if l.OwnerID == ownerID {
		return false
	}
	return requested == TypeExclusive || l.Type == TypeExclusive
}

var (
	// ErrNotOwner is returned when a renew is attempted by a caller that does
	// not hold the lock.
	ErrNotOwner = errors.New("lock is held by another owner")
	// ErrExpired is returned when a renew is attempted after the lease has
	// lapsed; the caller must re-acquire.
	ErrExpired = errors.New("lease has expired")
	// ErrInvalidRequest is returned when required fields are missing or the
	// lock type is unknown.
	ErrInvalidRequest = errors.New("invalid lock request")
)

// ConflictError reports that another party holds a blocking lock. It carries
// the holder's identity and remaining lease time so the caller can show
// "being edited by X, expires in Y" or decide to poll.
type ConflictError struct {
	HolderID  string
	Type      Type
	ExpiresAt time.Time
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock held by %s (%s) until %s", e.HolderID, e.Type, e.ExpiresAt.Format(time.RFC3339))
}

// Remaining returns the holder's remaining lease time at the given instant.
func (e *ConflictError) Remaining(now time.Time) time.Duration {
	if d := e.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
