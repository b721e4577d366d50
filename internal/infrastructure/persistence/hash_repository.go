package persistence

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"

	"github.com/paramcache/backend/internal/domain/parameter"
	"github.com/paramcache/backend/internal/domain/shared"
	"github.com/paramcache/backend/internal/infrastructure/cache"
	"github.com/paramcache/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Save outcomes reported to a SaveObserver
const (
	OutcomeCreated   = "created"
	OutcomeUpdated   = "updated"
	OutcomeInvalid   = "invalid"
	OutcomeDuplicate = "duplicate"
	OutcomeConflict  = "conflict"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

// SaveObserver is told the outcome of every save
type SaveObserver interface {
	RecordSave(ctx context.Context, kind parameter.Kind, outcome string)
}

type repositoryOptions struct {
	codec         Codec
	ids           IdentityAllocator
	uniqueness    string
	rejectMissing bool
	logger        *zap.Logger
	observer      SaveObserver
}

// Option configures a HashRepository
type Option func(*repositoryOptions)

// WithCodec sets the entity codec (JSON by default)
func WithCodec(c Codec) Option {
	return func(o *repositoryOptions) { o.codec = c }
}

// WithIdentityAllocator sets the id allocator (UUID by default)
func WithIdentityAllocator(a IdentityAllocator) Option {
	return func(o *repositoryOptions) { o.ids = a }
}

// WithUniqueness selects the uniqueness guard: config.UniquenessIndex (default) or config.UniquenessScan
func WithUniqueness(strategy string) Option {
	return func(o *repositoryOptions) { o.uniqueness = strategy }
}

// WithMissingPredecessor selects what a save does when its internal id is not
// stored: config.MissingPredecessorInsert (default) inserts it under that id
// with version 0, config.MissingPredecessorReject fails with shared.ErrNotFound
func WithMissingPredecessor(policy string) Option {
	return func(o *repositoryOptions) { o.rejectMissing = policy == config.MissingPredecessorReject }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *repositoryOptions) { o.logger = l }
}

// WithSaveObserver registers a save outcome observer
func WithSaveObserver(obs SaveObserver) Option {
	return func(o *repositoryOptions) { o.observer = obs }
}

// OptionsFromConfig translates the cache section into repository options
func OptionsFromConfig(cfg config.CacheConfig) ([]Option, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	ids, err := NewIdentityAllocator(cfg.IDStrategy)
	if err != nil {
		return nil, err
	}
	return []Option{
		WithCodec(codec),
		WithIdentityAllocator(ids),
		WithUniqueness(cfg.Uniqueness),
		WithMissingPredecessor(cfg.MissingPredecessor),
	}, nil
}

// HashRepository implements shared.CrudRepository over one hash table per
// kind, keyed by entity id. Every call is a short sequence of single-key store
// operations; a read-then-write pair is not atomic.
type HashRepository[T any, PT shared.EntityPtr[T]] struct {
	store         cache.HashStore
	kind          Kind
	codec         Codec
	ids           IdentityAllocator
	guard         UniquenessGuard
	rejectMissing bool
	logger        *zap.Logger
	observer      SaveObserver
}

// NewHashRepository creates a repository for kind
func NewHashRepository[T any, PT shared.EntityPtr[T]](store cache.HashStore, kind Kind, opts ...Option) (*HashRepository[T, PT], error) {
	o := repositoryOptions{
		codec:  JSONCodec{},
		ids:    UUIDAllocator{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &HashRepository[T, PT]{
		store:         store,
		kind:          kind,
		codec:         o.codec,
		ids:           o.ids,
		rejectMissing: o.rejectMissing,
		logger:        o.logger.With(zap.String("table", kind.Table)),
		observer:      o.observer,
	}
	guard, err := newUniquenessGuard(o.uniqueness, store, kind, r)
	if err != nil {
		return nil, err
	}
	r.guard = guard
	return r, nil
}

// Kind returns the table descriptor
func (r *HashRepository[T, PT]) Kind() Kind {
	return r.kind
}

// Save creates or updates entity and returns the stored copy.
//
// An entity without an internal id is created under a fresh id with version 0.
// An entity with a stored id must carry the stored version; it is written with
// version+1, otherwise shared.ErrVersionConflict is returned and nothing changes.
func (r *HashRepository[T, PT]) Save(ctx context.Context, entity T) (T, error) {
	saved, outcome, err := r.save(ctx, entity)
	if r.observer != nil {
		r.observer.RecordSave(ctx, r.kind.Label, outcome)
	}
	if err != nil {
		return entity, err
	}
	return saved, nil
}

func (r *HashRepository[T, PT]) save(ctx context.Context, entity T) (T, string, error) {
	p := PT(&entity)
	if err := p.Validate(); err != nil {
		return entity, OutcomeInvalid, err
	}

	id := p.GetID()
	if !IsInternalID(id) {
		p.SetID(r.ids.Allocate())
		p.SetVersion(0)
		return r.insert(ctx, entity)
	}

	data, found, err := r.store.HGet(ctx, r.kind.Table, id)
	if err != nil {
		return entity, OutcomeError, err
	}
	if !found {
		if r.rejectMissing {
			return entity, OutcomeNotFound, fmt.Errorf("%s %s: %w", r.kind.Table, id, shared.ErrNotFound)
		}
		p.SetVersion(0)
		return r.insert(ctx, entity)
	}

	stored, err := r.decode(data)
	if err != nil {
		return entity, OutcomeError, err
	}
	if sv := PT(&stored).GetVersion(); sv != p.GetVersion() {
		return entity, OutcomeConflict, fmt.Errorf("%s %s at version %d, got %d: %w",
			r.kind.Table, id, sv, p.GetVersion(), shared.ErrVersionConflict)
	}
	p.SetVersion(p.GetVersion() + 1)
	return r.update(ctx, entity, PT(&stored).NameKey(), data)
}

func (r *HashRepository[T, PT]) insert(ctx context.Context, entity T) (T, string, error) {
	p := PT(&entity)
	name, id := p.NameKey(), p.GetID()

	if err := r.guard.Check(ctx, name, id); err != nil {
		return entity, outcomeOf(err), err
	}
	if err := r.write(ctx, entity); err != nil {
		return entity, OutcomeError, err
	}
	if err := r.guard.Claim(ctx, name, id); err != nil {
		if _, undoErr := r.store.HDel(ctx, r.kind.Table, id); undoErr != nil {
			r.logger.Error("failed to remove entity after lost name claim",
				zap.String("id", id), zap.Error(undoErr))
		}
		return entity, outcomeOf(err), err
	}

	r.logger.Debug("entity created", zap.String("id", id), zap.String("name", name))
	return entity, OutcomeCreated, nil
}

func (r *HashRepository[T, PT]) update(ctx context.Context, entity T, oldName string, oldData []byte) (T, string, error) {
	p := PT(&entity)
	name, id := p.NameKey(), p.GetID()

	// an unchanged name is already held by this entity
	if oldName == name {
		if err := r.write(ctx, entity); err != nil {
			return entity, OutcomeError, err
		}
		r.logger.Debug("entity updated", zap.String("id", id), zap.Int("version", p.GetVersion()))
		return entity, OutcomeUpdated, nil
	}

	if err := r.guard.Check(ctx, name, id); err != nil {
		return entity, outcomeOf(err), err
	}
	if err := r.write(ctx, entity); err != nil {
		return entity, OutcomeError, err
	}
	if err := r.guard.Claim(ctx, name, id); err != nil {
		if undoErr := r.store.HSet(ctx, r.kind.Table, id, oldData); undoErr != nil {
			r.logger.Error("failed to restore entity after lost name claim",
				zap.String("id", id), zap.Error(undoErr))
		}
		return entity, outcomeOf(err), err
	}
	if err := r.guard.Release(ctx, oldName, id); err != nil {
		// the stale entry is reclaimed by the next claim of oldName
		r.logger.Warn("failed to release previous name",
			zap.String("id", id), zap.String("name", oldName), zap.Error(err))
	}

	r.logger.Debug("entity updated", zap.String("id", id), zap.Int("version", p.GetVersion()))
	return entity, OutcomeUpdated, nil
}

func (r *HashRepository[T, PT]) write(ctx context.Context, entity T) error {
	data, err := r.codec.Marshal(&entity)
	if err != nil {
		return fmt.Errorf("encode %s entity: %w", r.kind.Table, err)
	}
	return r.store.HSet(ctx, r.kind.Table, PT(&entity).GetID(), data)
}

func (r *HashRepository[T, PT]) decode(data []byte) (T, error) {
	var e T
	if err := r.codec.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode %s entity: %w", r.kind.Table, err)
	}
	return e, nil
}

func outcomeOf(err error) string {
	if errors.Is(err, shared.ErrDuplicateName) {
		return OutcomeDuplicate
	}
	return OutcomeError
}

// SaveAll saves every entity independently; one failure does not undo the others
func (r *HashRepository[T, PT]) SaveAll(ctx context.Context, entities []T) []shared.SaveResult[T] {
	results := make([]shared.SaveResult[T], len(entities))
	for i, e := range entities {
		saved, err := r.Save(ctx, e)
		results[i] = shared.SaveResult[T]{Entity: saved, Err: err}
	}
	return results
}

// SaveFrom is not supported: stream inputs are rejected
func (r *HashRepository[T, PT]) SaveFrom(context.Context, iter.Seq[T]) error {
	return shared.ErrUnsupportedOperation
}

func (r *HashRepository[T, PT]) FindByID(ctx context.Context, id string) (*T, error) {
	if id == "" {
		return nil, nil
	}
	data, found, err := r.store.HGet(ctx, r.kind.Table, id)
	if err != nil || !found {
		return nil, err
	}
	e, err := r.decode(data)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindByName returns the first entity named name
func (r *HashRepository[T, PT]) FindByName(ctx context.Context, name string) (*T, error) {
	if idx, ok := r.guard.(nameIndex); ok && !r.kind.isExempt(name) {
		id, found, err := idx.lookup(ctx, name)
		if err != nil || !found {
			return nil, err
		}
		return r.FindByID(ctx, id)
	}
	return r.first(ctx, func(p PT) bool { return p.NameKey() == name })
}

// FindAll returns every entity ordered by id
func (r *HashRepository[T, PT]) FindAll(ctx context.Context) ([]T, error) {
	return r.FindAllMatching(ctx, nil)
}

// FindAllMatching returns the entities accepted by match (all when nil), ordered by id
func (r *HashRepository[T, PT]) FindAllMatching(ctx context.Context, match func(*T) bool) ([]T, error) {
	values, err := r.store.HVals(ctx, r.kind.Table)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(values))
	for _, data := range values {
		e, err := r.decode(data)
		if err != nil {
			return nil, err
		}
		if match == nil || match(&e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return PT(&out[i]).GetID() < PT(&out[j]).GetID()
	})
	return out, nil
}

// FindAllByID returns the stored entities among ids, skipping unknown ones
func (r *HashRepository[T, PT]) FindAllByID(ctx context.Context, ids []string) ([]T, error) {
	values, err := r.store.HMGet(ctx, r.kind.Table, ids...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(values))
	for _, data := range values {
		if data == nil {
			continue
		}
		e, err := r.decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *HashRepository[T, PT]) ExistsByID(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	return r.store.HExists(ctx, r.kind.Table, id)
}

// ExistsByName reports whether name is taken. Exempt names always report false.
func (r *HashRepository[T, PT]) ExistsByName(ctx context.Context, name string) (bool, error) {
	return r.guard.Exists(ctx, name)
}

func (r *HashRepository[T, PT]) Count(ctx context.Context) (int64, error) {
	return r.store.HLen(ctx, r.kind.Table)
}

// Delete removes entity by its id; deleting an absent entity is a no-op
func (r *HashRepository[T, PT]) Delete(ctx context.Context, entity T) error {
	return r.DeleteByID(ctx, PT(&entity).GetID())
}

// DeleteByID removes the entity stored under id; an unknown id is a no-op
func (r *HashRepository[T, PT]) DeleteByID(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	name, found, err := r.nameOf(ctx, id)
	if err != nil {
		r.logger.Warn("deleting undecodable entity", zap.String("id", id), zap.Error(err))
	}
	if _, err := r.store.HDel(ctx, r.kind.Table, id); err != nil {
		return err
	}
	if found {
		if err := r.guard.Release(ctx, name, id); err != nil {
			r.logger.Warn("failed to release name", zap.String("id", id), zap.String("name", name), zap.Error(err))
		}
	}
	return nil
}

func (r *HashRepository[T, PT]) DeleteEntities(ctx context.Context, entities []T) error {
	var errs []error
	for _, e := range entities {
		if err := r.Delete(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *HashRepository[T, PT]) DeleteAllByID(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := r.DeleteByID(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteAll drops the table and its name index
func (r *HashRepository[T, PT]) DeleteAll(ctx context.Context) error {
	if err := r.store.Del(ctx, r.kind.Table); err != nil {
		return err
	}
	return r.guard.Reset(ctx)
}

func (r *HashRepository[T, PT]) first(ctx context.Context, match func(PT) bool) (*T, error) {
	values, err := r.store.HVals(ctx, r.kind.Table)
	if err != nil {
		return nil, err
	}
	for _, data := range values {
		e, err := r.decode(data)
		if err != nil {
			return nil, err
		}
		if match(&e) {
			return &e, nil
		}
	}
	return nil, nil
}

func (r *HashRepository[T, PT]) nameOf(ctx context.Context, id string) (string, bool, error) {
	e, err := r.FindByID(ctx, id)
	if err != nil || e == nil {
		return "", false, err
	}
	return PT(e).NameKey(), true, nil
}

func (r *HashRepository[T, PT]) ownerOf(ctx context.Context, name, exceptID string) (string, bool, error) {
	e, err := r.first(ctx, func(p PT) bool {
		return p.NameKey() == name && p.GetID() != exceptID
	})
	if err != nil || e == nil {
		return "", false, err
	}
	return PT(e).GetID(), true, nil
}

var _ nameSource = (*HashRepository[parameter.SystemRate, *parameter.SystemRate])(nil)
