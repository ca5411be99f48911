// Package core is the device-side entry point: record CRUD, the inventory ledger,
// human id allocation and sync control over one local store.
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sigerd/fieldsync/internal/humanid"
	"github.com/sigerd/fieldsync/internal/ledger"
	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/syncengine"
	"go.uber.org/zap"
)

const (
	opServiceNew = "core.service.new"
	opCreate     = "core.create"
	opUpdate     = "core.update"
	opSoftDelete = "core.soft_delete"
)

var (
	// ErrNoRemote is the transport failure reported by a device without a hub.
	ErrNoRemote = errors.New("core: no remote store configured")

	errMissingStore = errors.New("record store is required")
	noOpLogger      = zap.NewNop()
)

// humanIDTypes lists the entity types that carry a human id.
var humanIDTypes = map[records.EntityType]bool{
	records.EntityDonation:     true,
	records.EntityDistribution: true,
	records.EntityInspection:   true,
	records.EntityInterdiction: true,
}

// ServiceError carries the failing operation and reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the collaborators of a Service.
type Config struct {
	Store records.Store
	// Remote is optional. Without one the device works offline and every sync
	// pass reports ErrNoRemote as a transport failure.
	Remote        syncengine.RemoteStore
	Watermarks    syncengine.WatermarkStore
	HumanIDWidths map[records.EntityType]int
	Location      *time.Location
	SyncInterval  time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service wires the record store, allocator, ledger and sync engine together.
// Every mutation publishes a change event and refreshes the allocator.
type Service struct {
	store     records.Store
	allocator *humanid.Allocator
	ledger    *ledger.Engine
	sync      *syncengine.Engine
	notifier  *syncengine.Notifier
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	remote := cfg.Remote
	if remote == nil {
		remote = unconfiguredRemote{}
	}
	store := cfg.Store.Namespace(records.NamespaceLocal)

	allocator, err := humanid.NewAllocator(humanid.Config{
		Store:    store,
		Remote:   syncengine.HumanIDSource(remote),
		Clock:    clock,
		Location: cfg.Location,
		Widths:   cfg.HumanIDWidths,
		Logger:   logger.Named("humanid"),
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "allocator_failed", err)
	}

	service := &Service{
		store:     store,
		allocator: allocator,
		notifier:  syncengine.NewNotifier(),
		clock:     clock,
		logger:    logger,
	}

	service.ledger, err = ledger.NewEngine(ledger.Config{
		Store:     store,
		Allocator: allocator,
		View:      liveView,
		Clock:     clock,
		Logger:    logger.Named("ledger"),
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "ledger_failed", err)
	}

	service.sync, err = syncengine.NewEngine(syncengine.Config{
		Store:      store,
		Remote:     remote,
		Watermarks: cfg.Watermarks,
		Notifier:   service.notifier,
		OnPulled:   allocator.Invalidate,
		Interval:   cfg.SyncInterval,
		Clock:      clock,
		Logger:     logger.Named("sync"),
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "sync_failed", err)
	}
	return service, nil
}

// Create stores a new record. Entity types that carry a human id get the next
// one; a number suggested before the write is kept unless local state has
// already moved past it.
func (s *Service) Create(ctx context.Context, payload records.Payload) (records.Record, error) {
	record, err := records.New(payload)
	if err != nil {
		return records.Record{}, err
	}
	entityType := record.EntityType

	var candidate humanid.HumanID
	if humanIDTypes[entityType] {
		candidate, err = s.allocator.Next(ctx, entityType)
		if err != nil {
			s.logError(opCreate, "human_id_failed", err, entityType)
			return records.Record{}, err
		}
	}

	var created records.Record
	err = s.store.WithTx(ctx, func(tx records.Store) error {
		if humanIDTypes[entityType] {
			reserved, err := s.allocator.Reserve(ctx, tx, entityType, candidate)
			if err != nil {
				return err
			}
			record.HumanID = reserved.String()
		}
		now := s.clock()
		record.CreatedAt = now
		record.UpdatedAt = now
		created, err = tx.Put(ctx, record)
		return err
	})
	if err != nil {
		s.logError(opCreate, "write_failed", err, entityType)
		return records.Record{}, err
	}
	s.changed(ctx, entityType, syncengine.ChangeCreated, created.LocalKey)
	return created, nil
}

// Update replaces the payload of the record behind key, which may be a key handed
// out by List for a record pulled from another device. The human id is kept.
func (s *Service) Update(ctx context.Context, key string, payload records.Payload) (records.Record, error) {
	entityType := payload.EntityType()
	var updated records.Record
	err := s.store.WithTx(ctx, func(tx records.Store) error {
		record, found, err := records.ResolveForWrite(ctx, tx, entityType, key)
		if err != nil {
			return err
		}
		if !found || record.Deleted() {
			return &records.NotFoundError{EntityType: entityType, Key: key}
		}
		if err := records.Encode(&record, payload); err != nil {
			return err
		}
		record.Status = records.StatusActive
		record.Synced = false
		record.UpdatedAt = s.clock()
		updated, err = tx.Put(ctx, record)
		return err
	})
	if err != nil {
		s.logError(opUpdate, "write_failed", err, entityType)
		return records.Record{}, err
	}
	s.changed(ctx, entityType, syncengine.ChangeUpdated, updated.LocalKey)
	return updated, nil
}

// SoftDelete marks the record behind key deleted. The deletion is synced like any
// other change.
func (s *Service) SoftDelete(ctx context.Context, entityType records.EntityType, key string) (records.Record, error) {
	var deleted records.Record
	err := s.store.WithTx(ctx, func(tx records.Store) error {
		record, found, err := records.ResolveForWrite(ctx, tx, entityType, key)
		if err != nil {
			return err
		}
		if !found {
			return &records.NotFoundError{EntityType: entityType, Key: key}
		}
		record.Status = records.StatusDeleted
		record.Synced = false
		record.UpdatedAt = s.clock()
		deleted, err = tx.Put(ctx, record)
		return err
	})
	if err != nil {
		s.logError(opSoftDelete, "write_failed", err, entityType)
		return records.Record{}, err
	}
	s.changed(ctx, entityType, syncengine.ChangeDeleted, deleted.LocalKey)
	return deleted, nil
}

// Get returns a record by local or cache key.
func (s *Service) Get(ctx context.Context, entityType records.EntityType, key string) (records.Record, bool, error) {
	record, found, err := s.store.Get(ctx, entityType, key)
	if err != nil || found {
		return record, found, err
	}
	return s.store.Namespace(records.NamespaceCache).Get(ctx, entityType, key)
}

// List returns the merged view of local and pulled records.
func (s *Service) List(ctx context.Context, entityType records.EntityType, options syncengine.ViewOptions) ([]records.Record, error) {
	return s.sync.MergedView(ctx, entityType, options)
}

// NextHumanID previews the id the next record of entityType would receive.
func (s *Service) NextHumanID(ctx context.Context, entityType records.EntityType) (humanid.HumanID, error) {
	return s.allocator.Next(ctx, entityType)
}

// WatchHumanIDs calls fn with the recomputed next id whenever records of an entity
// type change. The returned function unsubscribes.
func (s *Service) WatchHumanIDs(fn func(records.EntityType, humanid.HumanID)) func() {
	return s.allocator.Subscribe(fn)
}

// Subscribe streams change events until ctx ends or cleanup runs.
func (s *Service) Subscribe(ctx context.Context) (<-chan syncengine.ChangeEvent, func()) {
	return s.notifier.Subscribe(ctx)
}

func liveView(ctx context.Context, store records.Store, entityType records.EntityType) ([]records.Record, error) {
	return syncengine.MergedView(ctx, store, entityType, syncengine.ViewOptions{})
}

func (s *Service) changed(ctx context.Context, entityType records.EntityType, kind syncengine.ChangeKind, localKeys ...string) {
	s.notifier.Publish(syncengine.ChangeEvent{
		EntityType: entityType,
		Kind:       kind,
		LocalKeys:  localKeys,
		Timestamp:  s.clock(),
	})
	if humanIDTypes[entityType] {
		s.allocator.Invalidate(ctx, entityType)
	}
}

func (s *Service) logError(operation, reason string, err error, entityType records.EntityType) {
	if !errors.Is(err, records.ErrStorageFailure) {
		return
	}
	s.logger.Error("core service error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("entity_type", entityType.String()),
		zap.Error(err))
}

// unconfiguredRemote stands in for the hub on devices that never sync.
type unconfiguredRemote struct{}

func (unconfiguredRemote) Push(context.Context, records.Record) (syncengine.PushResult, error) {
	return syncengine.PushResult{}, &syncengine.TransportError{Err: ErrNoRemote}
}

func (unconfiguredRemote) PullSince(context.Context, records.EntityType, time.Time) ([]syncengine.RemoteRecord, error) {
	return nil, &syncengine.TransportError{Err: ErrNoRemote}
}

func (unconfiguredRemote) Delete(context.Context, records.EntityType, string) error {
	return &syncengine.TransportError{Err: ErrNoRemote}
}
