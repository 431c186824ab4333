// Package authz resolves caller identities and makes authorization
// decisions for lock operations.
package authz

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrUnauthenticated is returned when no identity can be resolved for a request.
	ErrUnauthenticated = errors.New("caller identity missing or invalid")
	// ErrUnauthorized is returned when the caller's role does not permit the action.
	ErrUnauthorized = errors.New("caller is not permitted to perform this action")
)

// Role is the caller's role within an organization.
type Role string

const (
	// RoleAdmin may perform any action, including force-releasing locks held by others.
	RoleAdmin Role = "admin"
	// RoleEditor may acquire, renew and release their own locks.
	RoleEditor Role = "editor"
	// RoleViewer may only query lock state.
	RoleViewer Role = "viewer"
)

// Action is a lock operation being authorized.
type Action string

const (
	ActionAcquire      Action = "acquire"
	ActionRenew        Action = "renew"
	ActionRelease      Action = "release"
	ActionForceRelease Action = "force_release"
	ActionQuery        Action = "query"
	ActionDiagnose     Action = "diagnose"
)

// Identity is a resolved caller: who they are and what they may do.
type Identity struct {
	// OwnerID is the identity recorded as a lock's holder.
	OwnerID string
	// Role determines which actions are permitted.
	Role Role
	// OrgID is the caller's organization, for multi-tenant scoping.
	OrgID string
}

// Authorizer decides whether a caller may perform an action on a resource.
// It is the single place role branching lives; callers never inspect roles
// themselves.
type Authorizer interface {
	// Allow returns nil if the action is permitted, ErrUnauthenticated if the
	// identity is empty, or ErrUnauthorized otherwise.
	Allow(caller Identity, resourceID string, action Action) error
}

// RoleAuthorizer is the standard role-table implementation of Authorizer.
type RoleAuthorizer struct{}

// NewRoleAuthorizer creates the standard role-based authorizer.
func NewRoleAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{}
}

// permitted maps each role to the actions it may perform.
var permitted = map[Role]map[Action]bool{
	RoleAdmin: {
		ActionAcquire:      true,
		ActionRenew:        true,
		ActionRelease:      true,
		ActionForceRelease: true,
		ActionQuery:        true,
		ActionDiagnose:     true,
	},
	RoleEditor: {
		ActionAcquire: true,
		ActionRenew:   true,
		ActionRelease: true,
		ActionQuery:   true,
	},
	RoleViewer: {
		ActionQuery: true,
	},
}

// Allow implements Authorizer.
func (a *RoleAuthorizer) Allow(caller Identity, resourceID string, action Action) error {
	if caller.OwnerID == "" {
		return ErrUnauthenticated
	}
	actions, ok := permitted[caller.Role]
	if !ok || !actions[action] {
		return ErrUnauthorized
	}
	return nil
}

// Resolver turns a request credential into an Identity.
// The production implementation lives in the platform's identity service;
// this package ships a static token-table resolver for wiring and tests.
type Resolver interface {
	// Resolve maps a credential (bearer token or API key) to an Identity.
	// Returns ErrUnauthenticated if the credential is unknown or empty.
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// StaticResolver resolves identities from a fixed in-memory token table.
type StaticResolver struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticResolver creates a resolver with the given token table.
func NewStaticResolver(tokens map[string]Identity) *StaticResolver {
	r := &StaticResolver{tokens: make(map[string]Identity, len(tokens))}
	for tok, id := range tokens {
		r.tokens[tok] = id
	}
	return r
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, ErrUnauthenticated
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tokens[credential]
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	return id, nil
}

// Register adds or replaces a token mapping. Intended for tests and
// development wiring.
func (r *StaticResolver) Register(credential string, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[credential] = id
}

var _ Authorizer = (*RoleAuthorizer)(nil)
var _ Resolver = (*StaticResolver)(nil)
