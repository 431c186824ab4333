package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for lock rows. Acquire must be a single
// atomic conditional write with respect to other concurrent Acquire calls on
// the same (resource, scope): never a read-then-write pair, or two
// simultaneous acquirers can both believe they won.
type Store interface {
	// Acquire creates or refreshes a lease if no conflicting active unexpired
	// lock belonging to a different owner exists. On conflict it returns a
	// *ConflictError naming the holder.
	Acquire(ctx context.Context, resourceID string, scope Scope, ownerID string, typ Type, lease time.Duration) (*Lock, error)

	// Renew extends every active unexpired lease the owner holds on the pair.
	// Returns ErrNotOwner when another party holds the pair, ErrExpired when
	// the owner's lease has lapsed or never existed.
	Renew(ctx context.Context, resourceID string, scope Scope, ownerID string, lease time.Duration) (*Lock, error)

	// Release deactivates the owner's lease of the given type ("" releases
	// both types). Idempotent: releasing an absent, released or expired lock
	// succeeds silently.
	Release(ctx context.Context, resourceID string, scope Scope, ownerID string, typ Type) error

	// ForceRelease deactivates every active lease on the pair regardless of
	// owner. Returns the number of leases released.
	ForceRelease(ctx context.Context, resourceID string, scope Scope) (int, error)

	// Get returns the active unexpired locks on the pair. An empty result
	// means "not locked"; it is never an error.
	Get(ctx context.Context, resourceID string, scope Scope) ([]*Lock, error)

	// CountActive returns the number of active unexpired locks by scope,
	// for the diagnostic surface.
	CountActive(ctx context.Context) (map[Scope]int, error)

	// PurgeExpired removes released and lapsed rows. Housekeeping only;
	// correctness never depends on it because expiry is evaluated lazily.
	PurgeExpired(ctx context.Context) (int64, error)
}

// MemoryStore is an in-memory Store for tests and single-node development.
// All mutation happens under one mutex, which makes the conditional write
// atomic.
type MemoryStore struct {
	mu    sync.Mutex
	pairs map[pairKey][]*Lock
}

type pairKey struct {
	resourceID string
	scope      Scope
}

// NewMemoryStore creates an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[pairKey][]*Lock)}
}

// Acquire implements Store.Acquire.
func (s *MemoryStore) Acquire(ctx context.Context, resourceID string, scope Scope, ownerID string, typ Type, lease time.Duration) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := pairKey{resourceID, scope}

	// Conflict check against live rows belonging to other owners. When
	// several shared locks block an exclusive request, report the one that
	// expires last.
	var blocker *Lock
	for _, l := range s.pairs[key] {
		if !l.Held(now) || !l.Blocks(ownerID, typ) {
			continue
		}
		if blocker == nil || l.ExpiresAt.After(blocker.ExpiresAt) {
			blocker = l
		}
	}
	if blocker != nil {
		return nil, &ConflictError{HolderID: blocker.OwnerID, Type: blocker.Type, ExpiresAt: blocker.ExpiresAt}
	}

	expiresAt := now.Add(lease)

	// Re-acquisition by the same owner refreshes the existing row. A row
	// that lapsed becomes a new lease with a fresh identity.
	for _, l := range s.pairs[key] {
		if l.OwnerID != ownerID || l.Type != typ {
			continue
		}
		if !l.Held(now) {
			l.ID = uuid.New().String()
			l.CreatedAt = now
			l.IsActive = true
		}
		l.ExpiresAt = expiresAt
		cp := *l
		return &cp, nil
	}

	l := &Lock{
		ID:         uuid.New().String(),
		ResourceID: resourceID,
		Scope:      scope,
		OwnerID:    ownerID,
		Type:       typ,
		IsActive:   true,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	s.pairs[key] = append(s.pairs[key], l)
	cp := *l
	return &cp, nil
}

// Renew implements Store.Renew.
func (s *MemoryStore) Renew(ctx context.Context, resourceID string, scope Scope, ownerID string, lease time.Duration) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := pairKey{resourceID, scope}

	var renewed *Lock
	otherHolds := false
	for _, l := range s.pairs[key] {
		if !l.Held(now) {
			continue
		}
		if l.OwnerID != ownerID {
			otherHolds = true
			continue
		}
		l.ExpiresAt = now.Add(lease)
		// Prefer reporting the exclusive lease when the owner holds both.
		if renewed == nil || l.Type == TypeExclusive {
			cp := *l
			renewed = &cp
		}
	}
	if renewed != nil {
		return renewed, nil
	}
	if otherHolds {
		return nil, ErrNotOwner
	}
	return nil, ErrExpired
}

// Release implements Store.Release.
func (s *MemoryStore) Release(ctx context.Context, resourceID string, scope Scope, ownerID string, typ Type) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.pairs[pairKey{resourceID, scope}] {
		if l.OwnerID == ownerID && (typ == "" || l.Type == typ) {
			l.IsActive = false
		}
	}
	return nil
}

// ForceRelease implements Store.ForceRelease.
func (s *MemoryStore) ForceRelease(ctx context.Context, resourceID string, scope Scope) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	released := 0
	for _, l := range s.pairs[pairKey{resourceID, scope}] {
		if l.Held(now) {
			released++
		}
		l.IsActive = false
	}
	return released, nil
}

// Get implements Store.Get.
func (s *MemoryStore) Get(ctx context.Context, resourceID string, scope Scope) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var live []*Lock
	for _, l := range s.pairs[pairKey{resourceID, scope}] {
		if l.Held(now) {
			cp := *l
			live = append(live, &cp)
		}
	}
	return live, nil
}

// CountActive implements Store.CountActive.
func (s *MemoryStore) CountActive(ctx context.Context) (map[Scope]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	counts := make(map[Scope]int)
	for key, locks := range s.pairs {
		for _, l := range locks {
			if l.Held(now) {
				counts[key.scope]++
			}
		}
	}
	return counts, nil
}

// PurgeExpired implements Store.PurgeExpired.
func (s *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var purged int64
	for key, locks := range s.pairs {
		kept := locks[:0]
		for _, l := range locks {
			if l.Held(now) {
				kept = append(kept, l)
			} else {
				purged++
			}
		}
		if len(kept) == 0 {
			delete(s.pairs, key)
		} else {
			s.pairs[key] = kept
		}
	}
	return purged, nil
}

var _ Store = (*MemoryStore)(nil)
