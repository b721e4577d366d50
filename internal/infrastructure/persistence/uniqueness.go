package persistence

import (
	"context"
	"fmt"

	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/cache"
	"github.com/paramcache/backend/internal/infrastructure/config"
)

// UniquenessGuard keeps entity names unique within a kind. Names listed in
// Kind.ExemptNames never exist, never conflict and are never recorded.
//
// A save calls Check before writing the entity and Claim after it; when Claim
// fails the write is undone.
type UniquenessGuard interface {
	// Exists reports whether a live entity carries name
	Exists(ctx context.Context, name string) (bool, error)
	// Check fails with shared.ErrDuplicateName when another live entity holds name
	Check(ctx context.Context, name, id string) error
	// Claim reserves name for the freshly written entity id, failing with
	// shared.ErrDuplicateName when another live entity holds it
	Claim(ctx context.Context, name, id string) error
	// Release frees name if id still holds it
	Release(ctx context.Context, name, id string) error
	// Reset forgets every claim
	Reset(ctx context.Context) error
}

// nameSource exposes the names of stored entities to a guard
type nameSource interface {
	// nameOf returns the name of the entity stored under id
	nameOf(ctx context.Context, id string) (name string, ok bool, err error)
	// ownerOf scans the table for an entity named name other than exceptID
	ownerOf(ctx context.Context, name, exceptID string) (id string, ok bool, err error)
}

// nameIndex is implemented by guards that can resolve a name without a scan
type nameIndex interface {
	lookup(ctx context.Context, name string) (id string, ok bool, err error)
}

func duplicateName(kind Kind, name string) error {
	return fmt.Errorf("%s name %q: %w", kind.Table, name, shared.ErrDuplicateName)
}

// newUniquenessGuard builds the guard for strategy
func newUniquenessGuard(strategy string, store cache.HashStore, kind Kind, src nameSource) (UniquenessGuard, error) {
	switch strategy {
	case "", config.UniquenessIndex:
		return &indexGuard{store: store, kind: kind, src: src}, nil
	case config.UniquenessScan:
		return &scanGuard{kind: kind, src: src}, nil
	}
	return nil, fmt.Errorf("unknown uniqueness strategy %q", strategy)
}

// scanGuard checks names with a linear scan of the table before the write.
// The check and the write are separate store calls, so two concurrent
// creations of the same name can both pass.
type scanGuard struct {
	kind Kind
	src  nameSource
}

func (g *scanGuard) Exists(ctx context.Context, name string) (bool, error) {
	if g.kind.isExempt(name) {
		return false, nil
	}
	_, ok, err := g.src.ownerOf(ctx, name, "")
	return ok, err
}

func (g *scanGuard) Check(ctx context.Context, name, id string) error {
	if g.kind.isExempt(name) {
		return nil
	}
	_, ok, err := g.src.ownerOf(ctx, name, id)
	if err != nil {
		return err
	}
	if ok {
		return duplicateName(g.kind, name)
	}
	return nil
}

func (g *scanGuard) Claim(context.Context, string, string) error { return nil }

func (g *scanGuard) Release(context.Context, string, string) error { return nil }

func (g *scanGuard) Reset(context.Context) error { return nil }

// indexGuard records name -> id in a side hash and claims names with HSETNX,
// so of two concurrent creations exactly one wins. Claims are taken after the
// entity is written: an index entry whose owner is missing or renamed is
// therefore stale and may be reclaimed.
type indexGuard struct {
	store cache.HashStore
	kind  Kind
	src   nameSource
}

// maxClaimAttempts bounds stale-entry reclaiming under contention
const maxClaimAttempts = 3

func (g *indexGuard) Exists(ctx context.Context, name string) (bool, error) {
	if g.kind.isExempt(name) {
		return false, nil
	}
	_, ok, err := g.lookup(ctx, name)
	return ok, err
}

// lookup resolves name to its live owner, ignoring stale index entries
func (g *indexGuard) lookup(ctx context.Context, name string) (string, bool, error) {
	raw, ok, err := g.store.HGet(ctx, g.kind.NamesTable(), name)
	if err != nil || !ok {
		return "", false, err
	}
	owner := string(raw)
	live, err := g.ownerStillNamed(ctx, owner, name)
	if err != nil || !live {
		return "", false, err
	}
	return owner, true, nil
}

// Check rejects names held by another live entity without touching the index
func (g *indexGuard) Check(ctx context.Context, name, id string) error {
	if g.kind.isExempt(name) {
		return nil
	}
	owner, ok, err := g.lookup(ctx, name)
	if err != nil {
		return err
	}
	if ok && owner != id {
		return duplicateName(g.kind, name)
	}
	return nil
}

func (g *indexGuard) Claim(ctx context.Context, name, id string) error {
	if g.kind.isExempt(name) {
		return nil
	}
	table := g.kind.NamesTable()
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		won, err := g.store.HSetNX(ctx, table, name, []byte(id))
		if err != nil {
			return fmt.Errorf("claim %s name %q: %w", g.kind.Table, name, err)
		}
		if won {
			return nil
		}

		raw, ok, err := g.store.HGet(ctx, table, name)
		if err != nil {
			return fmt.Errorf("claim %s name %q: %w", g.kind.Table, name, err)
		}
		if !ok {
			// released between the two calls
			continue
		}
		owner := string(raw)
		if owner == id {
			return nil
		}

		live, err := g.ownerStillNamed(ctx, owner, name)
		if err != nil {
			return err
		}
		if live {
			return duplicateName(g.kind, name)
		}
		// stale entry: the owner was deleted or renamed without releasing
		if _, err := g.store.HDelIfEquals(ctx, table, name, raw); err != nil {
			return fmt.Errorf("reclaim %s name %q: %w", g.kind.Table, name, err)
		}
	}
	return duplicateName(g.kind, name)
}

func (g *indexGuard) ownerStillNamed(ctx context.Context, owner, name string) (bool, error) {
	current, ok, err := g.src.nameOf(ctx, owner)
	if err != nil {
		return false, err
	}
	return ok && current == name, nil
}

func (g *indexGuard) Release(ctx context.Context, name, id string) error {
	if g.kind.isExempt(name) || name == "" {
		return nil
	}
	if _, err := g.store.HDelIfEquals(ctx, g.kind.NamesTable(), name, []byte(id)); err != nil {
		return fmt.Errorf("release %s name %q: %w", g.kind.Table, name, err)
	}
	return nil
}

func (g *indexGuard) Reset(ctx context.Context) error {
	return g.store.Del(ctx, g.kind.NamesTable())
}

var (
	_ UniquenessGuard = (*scanGuard)(nil)
	_ UniquenessGuard = (*indexGuard)(nil)
	_ nameIndex       = (*indexGuard)(nil)
)
