package humanid

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sigerd/fieldsync/internal/records"
	"go.uber.org/zap"
)

// DefaultWidth is the zero padding applied to sequences ("005/2025").
const DefaultWidth = 3

// Source lists the human ids already known for an entity type and year.
type Source interface {
	HumanIDs(ctx context.Context, entityType records.EntityType, year int) ([]string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, entityType records.EntityType, year int) ([]string, error)

func (f SourceFunc) HumanIDs(ctx context.Context, entityType records.EntityType, year int) ([]string, error) {
	return f(ctx, entityType, year)
}

// StoreSource lists human ids from one record store namespace, deleted records included
// so their numbers are never handed out again.
func StoreSource(store records.Store) Source {
	return SourceFunc(func(ctx context.Context, entityType records.EntityType, year int) ([]string, error) {
		var ids []string
		filter := records.Filter{HumanIDYear: year, IncludeDeleted: true}
		for record, err := range store.Scan(ctx, entityType, filter) {
			if err != nil {
				return nil, err
			}
			ids = append(ids, record.HumanID)
		}
		return ids, nil
	})
}

// Config describes the sources and formatting used by an Allocator.
type Config struct {
	Store    records.Store
	Remote   Source
	Clock    func() time.Time
	Location *time.Location
	Widths   map[records.EntityType]int
	Logger   *zap.Logger
}

// Allocator hands out max+1 human ids scoped to entity type and calendar year.
// Gaps left by deletions are never filled, which keeps two offline agents from
// claiming the same missing number.
type Allocator struct {
	store    records.Store
	remote   Source
	clock    func() time.Time
	location *time.Location
	widths   map[records.EntityType]int
	logger   *zap.Logger

	mu          sync.Mutex
	nextSubID   int64
	subscribers map[int64]func(records.EntityType, HumanID)
}

var errMissingStore = errors.New("humanid: record store is required")

// NewAllocator validates the configuration and returns an Allocator.
func NewAllocator(cfg Config) (*Allocator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	widths := make(map[records.EntityType]int, len(cfg.Widths))
	for entityType, width := range cfg.Widths {
		widths[entityType] = width
	}
	return &Allocator{
		store:       cfg.Store,
		remote:      cfg.Remote,
		clock:       clock,
		location:    location,
		widths:      widths,
		logger:      logger,
		subscribers: make(map[int64]func(records.EntityType, HumanID)),
	}, nil
}

// Next computes the next id from local records, the remote cache and, when
// reachable, a live remote query. The result is advisory until a record carries it.
func (a *Allocator) Next(ctx context.Context, entityType records.EntityType) (HumanID, error) {
	year := a.currentYear()
	highest, err := a.highestLocal(ctx, a.store, entityType, year)
	if err != nil {
		return HumanID{}, err
	}
	if a.remote != nil {
		ids, remoteErr := a.remote.HumanIDs(ctx, entityType, year)
		if remoteErr != nil {
			a.logger.Warn("remote human id lookup failed, using local sources",
				zap.String("entity_type", entityType.String()),
				zap.Error(remoteErr))
		} else {
			highest = max(highest, highestSequence(ids, year))
		}
	}
	return a.format(entityType, highest+1, year), nil
}

// NextWithin computes the next id from the local and cache namespaces of store
// only. It is meant for use inside a write transaction, where the network must
// not be touched.
func (a *Allocator) NextWithin(ctx context.Context, store records.Store, entityType records.EntityType) (HumanID, error) {
	year := a.currentYear()
	highest, err := a.highestLocal(ctx, store, entityType, year)
	if err != nil {
		return HumanID{}, err
	}
	return a.format(entityType, highest+1, year), nil
}

// Reserve returns candidate unless local state has already moved past it, in which
// case the local next id wins.
func (a *Allocator) Reserve(ctx context.Context, store records.Store, entityType records.EntityType, candidate HumanID) (HumanID, error) {
	local, err := a.NextWithin(ctx, store, entityType)
	if err != nil {
		return HumanID{}, err
	}
	if candidate.Year != local.Year || candidate.Sequence < local.Sequence {
		return local, nil
	}
	return candidate, nil
}

// Subscribe registers fn to receive the recomputed next id after Invalidate.
func (a *Allocator) Subscribe(fn func(records.EntityType, HumanID)) func() {
	a.mu.Lock()
	a.nextSubID++
	id := a.nextSubID
	a.subscribers[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.subscribers, id)
		a.mu.Unlock()
	}
}

// Invalidate recomputes the next id for entityType and notifies subscribers.
func (a *Allocator) Invalidate(ctx context.Context, entityType records.EntityType) {
	a.mu.Lock()
	if len(a.subscribers) == 0 {
		a.mu.Unlock()
		return
	}
	callbacks := make([]func(records.EntityType, HumanID), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		callbacks = append(callbacks, fn)
	}
	a.mu.Unlock()

	next, err := a.NextWithin(ctx, a.store, entityType)
	if err != nil {
		a.logger.Error("human id recompute failed",
			zap.String("entity_type", entityType.String()),
			zap.Error(err))
		return
	}
	for _, fn := range callbacks {
		fn(entityType, next)
	}
}

func (a *Allocator) highestLocal(ctx context.Context, store records.Store, entityType records.EntityType, year int) (int, error) {
	highest := 0
	for _, source := range []Source{StoreSource(store), StoreSource(store.Namespace(records.NamespaceCache))} {
		ids, err := source.HumanIDs(ctx, entityType, year)
		if err != nil {
			return 0, err
		}
		highest = max(highest, highestSequence(ids, year))
	}
	return highest, nil
}

func (a *Allocator) currentYear() int {
	return a.clock().In(a.location).Year()
}

func (a *Allocator) format(entityType records.EntityType, sequence, year int) HumanID {
	width, ok := a.widths[entityType]
	if !ok || width <= 0 {
		width = DefaultWidth
	}
	return HumanID{Sequence: sequence, Year: year, Width: width}
}

func highestSequence(ids []string, year int) int {
	highest := 0
	for _, raw := range ids {
		parsed, err := Parse(raw)
		if err != nil || parsed.Year != year {
			continue
		}
		highest = max(highest, parsed.Sequence)
	}
	return highest
}
