package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/casetrust/govlock/internal/authz"
	"github.com/casetrust/govlock/internal/metrics"
)

// ServiceConfig holds lease policy for the lock service.
type ServiceConfig struct {
	// DefaultLease is used when an acquire does not request a duration.
	DefaultLease time.Duration
	// MaxLease caps requested durations.
	MaxLease time.Duration
	// StatusCacheTTL enables the query status cache when positive.
	// Mutations always invalidate; conflict decisions never consult it.
	StatusCacheTTL time.Duration
	// Logger for service events.
	Logger zerolog.Logger
}

// DefaultServiceConfig returns the standard lease policy: five-minute
// leases, thirty-minute ceiling, cache disabled.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		DefaultLease: 5 * time.Minute,
		MaxLease:     30 * time.Minute,
		Logger:       zerolog.Nop(),
	}
}

// Service implements the lock operations on top of a Store. The store's
// atomic conditional write enforces mutual exclusion; the service adds
// validation, authorization, lease policy, logging and metrics.
type Service struct {
	store  Store
	authz  authz.Authorizer
	config ServiceConfig
	logger zerolog.Logger
	cache  *statusCache
}

// NewService creates a lock service.
func NewService(store Store, authorizer authz.Authorizer, config ServiceConfig) *Service {
	return &Service{
		store:  store,
		authz:  authorizer,
		config: config,
		logger: config.Logger.With().Str("component", "lock").Logger(),
		cache:  newStatusCache(config.StatusCacheTTL),
	}
}

// AcquireRequest carries the inputs for an acquire.
type AcquireRequest struct {
	ResourceID string
	Scope      Scope
	Type       Type
	// Lease is the requested duration; zero selects the configured default.
	Lease time.Duration
}

// Status is the read-only view of a (resource, scope) pair's lock state,
// with a derived CanEdit for the calling identity.
type Status struct {
	HasExclusiveLock bool       `json:"hasExclusiveLock"`
	Holder           string     `json:"holder,omitempty"`
	LockType         Type       `json:"lockType,omitempty"`
	CanEdit          bool       `json:"canEdit"`
	RemainingSeconds int64      `json:"remainingSeconds"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
}

// leaseFor clamps the requested duration to policy.
func (s *Service) leaseFor(requested time.Duration) time.Duration {
	if requested <= 0 {
		return s.config.DefaultLease
	}
	if requested > s.config.MaxLease {
		return s.config.MaxLease
	}
	return requested
}

// Acquire attempts to take or refresh a lease. It performs exactly one
// atomic conditional write; on conflict the returned *ConflictError names
// the current holder and their remaining lease time.
func (s *Service) Acquire(ctx context.Context, caller authz.Identity, req AcquireRequest) (*Lock, error) {
	if req.ResourceID == "" || req.Scope == "" || !req.Type.Valid() {
		return nil, ErrInvalidRequest
	}
	if err := s.authz.Allow(caller, req.ResourceID, authz.ActionAcquire); err != nil {
		metrics.RecordAcquire(string(req.Type), "denied")
		return nil, err
	}

	l, err := s.store.Acquire(ctx, req.ResourceID, req.Scope, caller.OwnerID, req.Type, s.leaseFor(req.Lease))
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			metrics.RecordAcquire(string(req.Type), "conflict")
			s.logger.Debug().
				Str("resourceId", req.ResourceID).
				Str("scope", string(req.Scope)).
				Str("owner", caller.OwnerID).
				Str("holder", conflict.HolderID).
				Msg("acquire conflict")
			return nil, err
		}
		metrics.RecordAcquire(string(req.Type), "error")
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	metrics.RecordAcquire(string(req.Type), "granted")
	s.cache.invalidatePair(req.ResourceID, req.Scope)
	s.logger.Debug().
		Str("lockId", l.ID).
		Str("resourceId", l.ResourceID).
		Str("scope", string(l.Scope)).
		Str("owner", l.OwnerID).
		Str("type", string(l.Type)).
		Time("expiresAt", l.ExpiresAt).
		Msg("lock acquired")
	return l, nil
}

// Renew extends the caller's lease on the pair. It never changes the lock's
// type or owner. A lapsed lease fails with ErrExpired; the caller must
// re-acquire and race normally against other claimants.
func (s *Service) Renew(ctx context.Context, caller authz.Identity, resourceID string, scope Scope) (*Lock, error) {
	if resourceID == "" || scope == "" {
		return nil, ErrInvalidRequest
	}
	if err := s.authz.Allow(caller, resourceID, authz.ActionRenew); err != nil {
		metrics.RecordRenewal("denied")
		return nil, err
	}

	l, err := s.store.Renew(ctx, resourceID, scope, caller.OwnerID, s.config.DefaultLease)
	switch {
	case errors.Is(err, ErrNotOwner):
		metrics.RecordRenewal("not_owner")
		return nil, err
	case errors.Is(err, ErrExpired):
		metrics.RecordRenewal("expired")
		metrics.RecordExpiryObserved()
		return nil, err
	case err != nil:
		metrics.RecordRenewal("error")
		return nil, fmt.Errorf("renew lock: %w", err)
	}

	metrics.RecordRenewal("renewed")
	s.cache.invalidatePair(resourceID, scope)
	return l, nil
}

// Release ends the caller's lease. Idempotent: releasing an absent,
// released or expired lock succeeds silently, because the caller cannot
// reliably know whether an earlier attempt already landed.
func (s *Service) Release(ctx context.Context, caller authz.Identity, resourceID string, scope Scope, typ Type) error {
	if resourceID == "" || scope == "" {
		return ErrInvalidRequest
	}
	if typ != "" && !typ.Valid() {
		return ErrInvalidRequest
	}
	if err := s.authz.Allow(caller, resourceID, authz.ActionRelease); err != nil {
		return err
	}

	if err := s.store.Release(ctx, resourceID, scope, caller.OwnerID, typ); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	metrics.RecordRelease("owner")
	s.cache.invalidatePair(resourceID, scope)
	s.logger.Debug().
		Str("resourceId", resourceID).
		Str("scope", string(scope)).
		Str("owner", caller.OwnerID).
		Msg("lock released")
	return nil
}

// ForceRelease ends every lease on the pair regardless of holder. This is
// the administrative stuck-session recovery path; it requires the elevated
// role and is always logged with the acting identity.
func (s *Service) ForceRelease(ctx context.Context, caller authz.Identity, resourceID string, scope Scope) (int, error) {
	if resourceID == "" || scope == "" {
		return 0, ErrInvalidRequest
	}
	if err := s.authz.Allow(caller, resourceID, authz.ActionForceRelease); err != nil {
		return 0, err
	}

	released, err := s.store.ForceRelease(ctx, resourceID, scope)
	if err != nil {
		return 0, fmt.Errorf("force release: %w", err)
	}
	metrics.RecordRelease("forced")
	s.cache.invalidatePair(resourceID, scope)
	s.logger.Warn().
		Str("resourceId", resourceID).
		Str("scope", string(scope)).
		Str("actor", caller.OwnerID).
		Int("released", released).
		Msg("locks force-released")
	return released, nil
}

// Query reports the pair's lock state for the calling identity. Pure read;
// expiry is applied live, so a lapsed lease reads as "not locked" without
// any sweeper having run.
func (s *Service) Query(ctx context.Context, caller authz.Identity, resourceID string, scope Scope) (*Status, error) {
	if resourceID == "" || scope == "" {
		return nil, ErrInvalidRequest
	}
	if err := s.authz.Allow(caller, resourceID, authz.ActionQuery); err != nil {
		return nil, err
	}

	if cached := s.cache.get(resourceID, scope, caller.OwnerID); cached != nil {
		metrics.RecordStatusCacheOperation("hit")
		return cached, nil
	}
	metrics.RecordStatusCacheOperation("miss")

	locks, err := s.store.Get(ctx, resourceID, scope)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}

	now := time.Now()
	status := &Status{
		CanEdit: s.authz.Allow(caller, resourceID, authz.ActionAcquire) == nil,
	}
	for _, l := range locks {
		if l.Blocks(caller.OwnerID, TypeExclusive) {
			status.CanEdit = false
		}
		if l.Type == TypeExclusive {
			status.HasExclusiveLock = true
			status.Holder = l.OwnerID
			status.LockType = l.Type
			status.RemainingSeconds = int64(l.Remaining(now).Seconds())
			expires := l.ExpiresAt
			status.ExpiresAt = &expires
		}
	}

	s.cache.set(resourceID, scope, caller.OwnerID, status)
	return status, nil
}

// Diagnostics returns active lock counts by scope for the support surface,
// and refreshes the active-locks gauge as a side effect.
func (s *Service) Diagnostics(ctx context.Context, caller authz.Identity) (map[Scope]int, error) {
	if err := s.authz.Allow(caller, "", authz.ActionDiagnose); err != nil {
		return nil, err
	}
	counts, err := s.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active locks: %w", err)
	}
	for scope, n := range counts {
		metrics.SetActiveLocks(string(scope), float64(n))
	}
	return counts, nil
}
