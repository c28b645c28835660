/*
chain.go - Referral chain resolution and edge validation

PURPOSE:
  Walks a user's referral chain upward through single-parent edges,
  enforcing the two structural invariants:
  1. Depth: a resolved chain never exceeds MaxDepth ancestors
  2. Acyclicity: no user id appears twice in a resolved chain

  The edge invariant (one referrer per user) should make cycles impossible,
  but the resolver defends against data corruption anyway: a revisited id
  fails the walk with CircularReferenceError instead of looping.

DESIGN:
  The walk is an explicit bounded loop over the EdgeStore's GetReferrer
  lookup - never unbounded recursion. The depth bound is structural: the
  loop body runs at most MaxDepth times regardless of stored data.

CACHING:
  Reads go through an optional ChainCache (TTL-bounded, read-through).
  The cache is invalidated whenever an edge under a user is created or
  revoked. It is never a source of truth; dropping it is always safe.

SEE ALSO:
  - cache.go: TTL cache used for resolved chains
  - recovery.go: RepairChain for corrupted edge data
*/
package referral

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// EDGE STORE - Interface to the durable chain store
// =============================================================================

// EdgeStore is the durable, transactional record of referral edges and
// per-user referral codes. Edge creation is owned by the referral-code
// application flow; the engine validates edges and reads chains.
type EdgeStore interface {
	// GetReferrer returns the active edge for a referred user, or nil if
	// the user has no (active) referrer.
	GetReferrer(ctx context.Context, userID UserID) (*Edge, error)

	// CreateEdge persists a referral edge. Fails with ErrEdgeExists if the
	// referred user already has an edge. Callers must validate the edge
	// via Resolver.ValidateNewEdge first.
	CreateEdge(ctx context.Context, edge Edge) error

	// RevokeEdge marks a user's edge revoked. Revoked edges terminate
	// chain walks. No-op if the user has no edge.
	RevokeEdge(ctx context.Context, userID UserID) error

	// SaveCode records a user's referral code.
	SaveCode(ctx context.Context, userID UserID, code string) error

	// LookupCode resolves a referral code to its owner.
	// Returns empty UserID if the code is unknown.
	LookupCode(ctx context.Context, code string) (UserID, error)
}

// =============================================================================
// CHAIN RESOLVER
// =============================================================================

// Resolver resolves and validates referral chains.
type Resolver struct {
	Edges EdgeStore
	Tiers TierTable

	cache *ChainCache // optional; nil disables caching
}

// NewResolver creates a resolver without caching.
func NewResolver(edges EdgeStore, tiers TierTable) *Resolver {
	return &Resolver{Edges: edges, Tiers: tiers}
}

// NewCachedResolver creates a resolver whose chain reads go through a
// TTL cache.
func NewCachedResolver(edges EdgeStore, tiers TierTable, ttl time.Duration) *Resolver {
	return &Resolver{Edges: edges, Tiers: tiers, cache: NewChainCache(ttl)}
}

// ResolveChain returns the ordered ancestor sequence of a user, starting
// at the immediate referrer, truncated at MaxDepth. Fails with
// CircularReferenceError if the walk revisits an id.
func (r *Resolver) ResolveChain(ctx context.Context, userID UserID) (Chain, error) {
	if r.cache != nil {
		if chain, ok := r.cache.Get(userID); ok {
			return chain, nil
		}
	}

	chain, err := r.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Put(userID, chain)
	}
	return chain, nil
}

func (r *Resolver) resolve(ctx context.Context, userID UserID) (Chain, error) {
	visited := map[UserID]bool{userID: true}
	chain := make(Chain, 0, r.Tiers.MaxDepth)

	current := userID
	for depth := 0; depth < r.Tiers.MaxDepth; depth++ {
		edge, err := r.Edges.GetReferrer(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("resolve chain for %s: %w", userID, err)
		}
		if edge == nil || edge.Status != EdgeActive {
			break
		}
		if visited[edge.ReferrerID] {
			return nil, &CircularReferenceError{UserID: edge.ReferrerID, Visited: append(Chain{userID}, chain...)}
		}
		visited[edge.ReferrerID] = true
		chain = append(chain, edge.ReferrerID)
		current = edge.ReferrerID
	}

	return chain, nil
}

// ValidateNewEdge checks whether linking userID as referred-by referrerID
// would violate the chain invariants. It fails with:
//   - ErrSelfReferral if userID == referrerID
//   - CircularReferenceError if referrerID's chain already contains userID
//   - MaxDepthExceededError if the resulting chain for userID would exceed
//     MaxDepth
//
// Validation never mutates anything; the caller creates the edge only
// after a nil return.
func (r *Resolver) ValidateNewEdge(ctx context.Context, userID, referrerID UserID) error {
	if userID == referrerID {
		return ErrSelfReferral
	}

	// Skip the cache: validation must see the live chain.
	referrerChain, err := r.resolve(ctx, referrerID)
	if err != nil {
		return err
	}
	if referrerChain.Contains(userID) {
		return &CircularReferenceError{UserID: userID, Visited: append(Chain{referrerID}, referrerChain...)}
	}

	// The new chain for userID would be referrer + referrer's ancestors.
	depth := 1 + len(referrerChain)
	if depth > r.Tiers.MaxDepth {
		return &MaxDepthExceededError{UserID: userID, Depth: depth, MaxDepth: r.Tiers.MaxDepth}
	}

	return nil
}

// Invalidate drops the cached chain for a user. Called whenever an edge
// under the user is created or revoked.
func (r *Resolver) Invalidate(userID UserID) {
	if r.cache != nil {
		r.cache.Invalidate(userID)
	}
}

// InvalidateAll drops the whole chain cache. Used by chain repair, which
// can relink arbitrary ancestors.
func (r *Resolver) InvalidateAll() {
	if r.cache != nil {
		r.cache.Clear()
	}
}

// CreateEdge validates and persists a referral edge, invalidating the
// referred user's cached chain. This is the entry point the referral-code
// application flow calls.
func (r *Resolver) CreateEdge(ctx context.Context, userID, referrerID UserID, code string) error {
	if err := r.ValidateNewEdge(ctx, userID, referrerID); err != nil {
		return err
	}

	edge := Edge{
		ReferredID: userID,
		ReferrerID: referrerID,
		Code:       code,
		Status:     EdgeActive,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.Edges.CreateEdge(ctx, edge); err != nil {
		return err
	}

	r.Invalidate(userID)
	return nil
}

// RevokeEdge revokes a user's edge and invalidates their cached chain.
// Already-earned reward transactions are never touched.
func (r *Resolver) RevokeEdge(ctx context.Context, userID UserID) error {
	if err := r.Edges.RevokeEdge(ctx, userID); err != nil {
		return err
	}
	r.Invalidate(userID)
	return nil
}
