package lockclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Session holds one lock for the lifetime of an editing session and renews
// it on a ticker. The renewal interval must stay well inside the lease so a
// healthy session never lapses; the server advertises a suitable interval
// with each grant.
type Session struct {
	client     *Client
	resourceID string
	scope      string
	lockType   string

	renewInterval time.Duration
	closeTimeout  time.Duration
	logger        zerolog.Logger

	onLost func(error)

	held      atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRenewInterval overrides the server-advertised renewal cadence.
func WithRenewInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		s.renewInterval = d
	}
}

// WithOnLost sets a callback invoked when a renewal fails and the session
// no longer holds the lock. The editing UI should drop to read-only.
func WithOnLost(fn func(error)) SessionOption {
	return func(s *Session) {
		s.onLost = fn
	}
}

// WithCloseTimeout bounds the blocking fallback release during Close.
func WithCloseTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.closeTimeout = d
	}
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// NewSession creates a session for one (resource, scope) pair. Nothing is
// acquired until Start.
func NewSession(client *Client, resourceID, scope, lockType string, opts ...SessionOption) *Session {
	s := &Session{
		client:       client,
		resourceID:   resourceID,
		scope:        scope,
		lockType:     lockType,
		closeTimeout: 3 * time.Second,
		logger:       zerolog.Nop(),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start acquires the lock and begins the renewal loop. A conflict is
// returned to the caller as a *ConflictError so the UI can show who holds
// the resource.
func (s *Session) Start(ctx context.Context) error {
	grant, err := s.client.Acquire(ctx, s.resourceID, s.scope, s.lockType, 0)
	if err != nil {
		return err
	}
	s.held.Store(true)

	if s.renewInterval <= 0 {
		s.renewInterval = time.Duration(grant.RenewIntervalSeconds) * time.Second
	}
	if s.renewInterval <= 0 {
		s.renewInterval = 90 * time.Second
	}

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Held reports whether the session currently believes it holds the lock.
func (s *Session) Held() bool {
	return s.held.Load()
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.renew(ctx)
		}
	}
}

func (s *Session) renew(ctx context.Context) {
	_, err := s.client.Renew(ctx, s.resourceID, s.scope)
	if err == nil {
		s.logger.Debug().Str("resourceId", s.resourceID).Str("scope", s.scope).Msg("lease renewed")
		return
	}
	if errors.Is(err, ErrExpired) || errors.Is(err, ErrNotOwner) {
		// The lease lapsed or someone else now holds the pair. The session
		// is over; the editor must re-acquire and race normally.
		s.held.Store(false)
		s.logger.Warn().Err(err).Str("resourceId", s.resourceID).Msg("lost lock")
		if s.onLost != nil {
			s.onLost(err)
		}
		return
	}
	// Transient infrastructure failure: keep the session and let the next
	// tick retry. The lease outlives several missed renewals.
	s.logger.Warn().Err(err).Str("resourceId", s.resourceID).Msg("renewal attempt failed")
}

// Close ends the session and runs the two-tier best-effort release:
//
//  1. a fire-and-forget delivery that survives teardown, with no
//     confirmation;
//  2. if that cannot even be started, a synchronous release bounded by the
//     close timeout.
//
// Both tiers can fail (a powered-off device sends nothing); the lock then
// becomes inert on its own once the lease expires.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		if !s.held.Load() {
			return
		}
		s.held.Store(false)

		if err := s.client.ReleaseBeacon(s.resourceID, s.scope, s.lockType); err == nil {
			return
		}

		releaseCtx, cancel := context.WithTimeout(ctx, s.closeTimeout)
		defer cancel()
		if err := s.client.Release(releaseCtx, s.resourceID, s.scope, s.lockType); err != nil {
			s.logger.Warn().Err(err).Str("resourceId", s.resourceID).
				Msg("release not delivered; lease expiry will reclaim the lock")
		}
	})
}
