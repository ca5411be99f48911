// Package syncengine reconciles the local record store with a remote store and
// serves the merged, duplicate-free view used for listings.
package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sigerd/fieldsync/internal/records"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opEngineNew    = "sync.engine.new"
	opPushPending  = "sync.push_pending"
	opPullRemote   = "sync.pull_remote"
	opSyncProgress = "sync.progress"

	defaultInterval = 30 * time.Second
)

var noOpLogger = zap.NewNop()

// Config describes the collaborators of an Engine.
type Config struct {
	Store      records.Store
	Remote     RemoteStore
	Watermarks WatermarkStore
	Notifier   *Notifier
	// OnPulled runs after a pull changed local or cached records of an entity type.
	OnPulled    func(ctx context.Context, entityType records.EntityType)
	EntityTypes []records.EntityType
	Interval    time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Engine pushes dirty local records, pulls remote ones into the cache and merges
// both for reads. One push or pull runs per entity type at a time.
type Engine struct {
	store       records.Store
	remote      RemoteStore
	watermarks  WatermarkStore
	notifier    *Notifier
	onPulled    func(ctx context.Context, entityType records.EntityType)
	entityTypes []records.EntityType
	interval    time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	cycleLocks map[records.EntityType]*sync.Mutex
	online     chan struct{}
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opEngineNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newEngineError(opEngineNew, "missing_remote", errMissingRemote)
	}
	watermarks := cfg.Watermarks
	if watermarks == nil {
		watermarks = NewMemoryWatermarks()
	}
	entityTypes := cfg.EntityTypes
	if len(entityTypes) == 0 {
		entityTypes = records.AllEntityTypes
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	locks := make(map[records.EntityType]*sync.Mutex, len(records.AllEntityTypes))
	for _, entityType := range records.AllEntityTypes {
		locks[entityType] = &sync.Mutex{}
	}
	return &Engine{
		store:       cfg.Store,
		remote:      cfg.Remote,
		watermarks:  watermarks,
		notifier:    cfg.Notifier,
		onPulled:    cfg.OnPulled,
		entityTypes: append([]records.EntityType(nil), entityTypes...),
		interval:    interval,
		clock:       clock,
		logger:      logger,
		cycleLocks:  locks,
		online:      make(chan struct{}, 1),
	}, nil
}

// PushReport summarizes one push pass. TransportErr is set when the pass stopped
// because the remote store was unreachable; the remaining records stay dirty.
type PushReport struct {
	EntityType   records.EntityType
	Attempted    int
	Pushed       int
	Rejected     int
	Deferred     int
	TransportErr error
}

// PushPending sends every dirty record of entityType to the remote store. Only
// local storage failures are returned as errors.
func (e *Engine) PushPending(ctx context.Context, entityType records.EntityType) (PushReport, error) {
	if !entityType.Valid() {
		return PushReport{}, records.ErrInvalidEntityType
	}
	unlock := e.lockCycle(entityType)
	defer unlock()

	report := PushReport{EntityType: entityType}
	pending, err := records.Collect(e.store.Scan(ctx, entityType, records.PendingFilter()))
	if err != nil {
		e.logError(opPushPending, "scan_failed", err, zap.String("entity_type", entityType.String()))
		return report, err
	}

	for index, snapshot := range pending {
		report.Attempted++
		result, pushErr := e.pushOne(ctx, snapshot)
		if pushErr != nil {
			if errors.Is(pushErr, ErrValidationRejected) {
				report.Rejected++
				e.logger.Warn("remote store rejected record",
					zap.String("operation", opPushPending),
					zap.String("reason", "validation_rejected"),
					zap.String("entity_type", entityType.String()),
					zap.String("local_key", snapshot.LocalKey),
					zap.String("human_id", snapshot.HumanID),
					zap.Error(pushErr))
				continue
			}
			report.Deferred = len(pending) - index
			report.TransportErr = pushErr
			e.logger.Warn("remote store unavailable, push deferred",
				zap.String("operation", opPushPending),
				zap.String("reason", "transport_unavailable"),
				zap.String("entity_type", entityType.String()),
				zap.Int("deferred", report.Deferred),
				zap.Error(pushErr))
			break
		}
		if err := e.confirmPush(ctx, snapshot, result); err != nil {
			e.logError(opPushPending, "confirm_failed", err,
				zap.String("entity_type", entityType.String()),
				zap.String("local_key", snapshot.LocalKey))
			return report, err
		}
		report.Pushed++
	}
	return report, nil
}

func (e *Engine) pushOne(ctx context.Context, snapshot records.Record) (PushResult, error) {
	if snapshot.Deleted() && snapshot.RemoteID != "" {
		if err := e.remote.Delete(ctx, snapshot.EntityType, snapshot.RemoteID); err != nil {
			return PushResult{}, err
		}
		return PushResult{RemoteID: snapshot.RemoteID}, nil
	}
	return e.remote.Push(ctx, snapshot)
}

// confirmPush links the remote id and marks the record synced unless it was edited
// while the push was in flight or the remote kept a different version.
func (e *Engine) confirmPush(ctx context.Context, snapshot records.Record, result PushResult) error {
	return e.store.WithTx(ctx, func(tx records.Store) error {
		current, found, err := tx.Get(ctx, snapshot.EntityType, snapshot.LocalKey)
		if err != nil || !found {
			return err
		}
		unchanged := current.UpdatedAt.Equal(snapshot.UpdatedAt)
		echoed := result.UpdatedAt.IsZero() || result.UpdatedAt.Equal(snapshot.UpdatedAt)
		changed := false
		if current.RemoteID == "" && result.RemoteID != "" {
			current.RemoteID = result.RemoteID
			changed = true
		}
		if unchanged && echoed && !current.Synced {
			current.Synced = true
			changed = true
		}
		if !changed {
			return nil
		}
		_, err = tx.Put(ctx, current)
		return err
	})
}

// PullReport summarizes one pull pass.
type PullReport struct {
	EntityType   records.EntityType
	Received     int
	Cached       int
	Merged       int
	Skipped      int
	// Collisions counts pulled records whose human id is held locally by a
	// different, not yet pushed record. Neither record is changed.
	Collisions   int
	Watermark    time.Time
	TransportErr error
}

// PullRemote mirrors remote records accepted since the last watermark into the
// cache and merges newer remote versions into matching local records. The
// watermark advances only after the whole batch is stored.
func (e *Engine) PullRemote(ctx context.Context, entityType records.EntityType) (PullReport, error) {
	if !entityType.Valid() {
		return PullReport{}, records.ErrInvalidEntityType
	}
	unlock := e.lockCycle(entityType)
	defer unlock()

	report := PullReport{EntityType: entityType}
	watermark, err := e.watermarks.Get(ctx, entityType)
	if err != nil {
		e.logError(opPullRemote, "watermark_failed", err, zap.String("entity_type", entityType.String()))
		return report, err
	}
	report.Watermark = watermark

	batch, pullErr := e.remote.PullSince(ctx, entityType, watermark)
	if pullErr != nil {
		report.TransportErr = pullErr
		e.logger.Warn("remote store unavailable, pull deferred",
			zap.String("operation", opPullRemote),
			zap.String("reason", "transport_unavailable"),
			zap.String("entity_type", entityType.String()),
			zap.Error(pullErr))
		return report, nil
	}
	report.Received = len(batch)
	if len(batch) == 0 {
		return report, nil
	}

	next := watermark
	changedKeys := make([]string, 0, len(batch))
	err = e.store.WithTx(ctx, func(tx records.Store) error {
		for _, remote := range batch {
			remote.EntityType = entityType
			mark := remote.SyncedAt
			if mark.IsZero() {
				mark = remote.UpdatedAt
			}
			if mark.After(next) {
				next = mark
			}
			cached, merged, collision, err := e.applyPulled(ctx, tx, remote)
			if errors.Is(err, records.ErrInvalidPayload) {
				report.Skipped++
				e.logger.Warn("skipping malformed remote record",
					zap.String("operation", opPullRemote),
					zap.String("reason", "invalid_payload"),
					zap.String("entity_type", entityType.String()),
					zap.String("remote_id", remote.RemoteID),
					zap.Error(err))
				continue
			}
			if err != nil {
				return err
			}
			if cached {
				report.Cached++
			}
			if collision != "" {
				report.Collisions++
				e.logger.Warn("pulled record collides with a local human id",
					zap.String("operation", opPullRemote),
					zap.String("reason", "human_id_collision"),
					zap.String("entity_type", entityType.String()),
					zap.String("remote_id", remote.RemoteID),
					zap.String("local_key", collision),
					zap.Error(&RejectedError{Reason: "human id " + remote.HumanID + " already taken"}))
			}
			if merged != "" {
				report.Merged++
				changedKeys = append(changedKeys, merged)
			}
		}
		return nil
	})
	if err != nil {
		e.logError(opPullRemote, "apply_failed", err, zap.String("entity_type", entityType.String()))
		return report, err
	}
	if err := e.watermarks.Set(ctx, entityType, next); err != nil {
		e.logError(opPullRemote, "watermark_failed", err, zap.String("entity_type", entityType.String()))
		return report, err
	}
	report.Watermark = next

	if e.notifier != nil && len(changedKeys) > 0 {
		e.notifier.Publish(ChangeEvent{EntityType: entityType, Kind: ChangePulled, LocalKeys: changedKeys, Timestamp: e.clock().UTC()})
	}
	if e.onPulled != nil {
		e.onPulled(ctx, entityType)
	}
	return report, nil
}

// applyPulled stores one remote record in the cache and merges it into its local
// counterpart. It returns the local key when a local record changed, and the key
// of a local record that collides with the remote one on the human id.
func (e *Engine) applyPulled(ctx context.Context, tx records.Store, remote RemoteRecord) (bool, string, string, error) {
	cache := tx.Namespace(records.NamespaceCache)
	existing, found, err := records.First(cache.Scan(ctx, remote.EntityType, records.Filter{RemoteID: remote.RemoteID, IncludeDeleted: true}))
	if err != nil {
		return false, "", "", err
	}
	cachedChanged := false
	if !found || !existing.UpdatedAt.After(remote.UpdatedAt) {
		if _, err := cache.Put(ctx, remote.toCacheRecord(existing)); err != nil {
			return false, "", "", err
		}
		cachedChanged = true
	}

	match, err := matchLocal(ctx, tx, remote)
	if err != nil || !match.found {
		return cachedChanged, "", match.collision, err
	}
	outcome := resolvePull(match.record, remote)
	if !outcome.Changed {
		return cachedChanged, "", "", nil
	}
	if _, err := tx.Put(ctx, outcome.Updated); err != nil {
		return cachedChanged, "", "", err
	}
	return cachedChanged, match.record.LocalKey, "", nil
}

// localMatch is the local counterpart of a pulled record, if any. collision holds
// the key of an unlinked local record that carries the same human id but is a
// different entity.
type localMatch struct {
	record    records.Record
	found     bool
	collision string
}

// matchLocal finds the local record a pulled record corresponds to: same remote
// id, then same human id when both sides are one entity, then the echoed local
// key.
func matchLocal(ctx context.Context, tx records.Store, remote RemoteRecord) (localMatch, error) {
	if remote.RemoteID != "" {
		local, found, err := records.First(tx.Scan(ctx, remote.EntityType, records.Filter{RemoteID: remote.RemoteID, IncludeDeleted: true}))
		if err != nil || found {
			return localMatch{record: local, found: found}, err
		}
	}
	var match localMatch
	if remote.HumanID != "" {
		for local, err := range tx.Scan(ctx, remote.EntityType, records.Filter{HumanID: remote.HumanID, IncludeDeleted: true}) {
			if err != nil {
				return localMatch{}, err
			}
			if sameEntityByHumanID(local, remote) {
				return localMatch{record: local, found: true}, nil
			}
			if local.RemoteID == "" && match.collision == "" {
				match.collision = local.LocalKey
			}
		}
	}
	if remote.LocalKey != "" {
		local, found, err := tx.Get(ctx, remote.EntityType, remote.LocalKey)
		if err != nil {
			return localMatch{}, err
		}
		if found && (local.RemoteID == "" || local.RemoteID == remote.RemoteID) {
			return localMatch{record: local, found: true}, nil
		}
	}
	return match, nil
}

// Progress is the share of local records confirmed by the remote store.
type Progress struct {
	Total    int64
	Synced   int64
	Pending  int64
	Fraction float64
}

// SyncProgress reports the fraction of local records with synced=true. It is
// meant for status display only.
func (e *Engine) SyncProgress(ctx context.Context) (Progress, error) {
	synced := true
	var progress Progress
	for _, entityType := range e.entityTypes {
		total, err := e.store.Count(ctx, entityType, records.Filter{IncludeDeleted: true})
		if err != nil {
			e.logError(opSyncProgress, "count_failed", err, zap.String("entity_type", entityType.String()))
			return Progress{}, err
		}
		confirmed, err := e.store.Count(ctx, entityType, records.Filter{Synced: &synced, IncludeDeleted: true})
		if err != nil {
			e.logError(opSyncProgress, "count_failed", err, zap.String("entity_type", entityType.String()))
			return Progress{}, err
		}
		progress.Total += total
		progress.Synced += confirmed
	}
	progress.Pending = progress.Total - progress.Synced
	progress.Fraction = 1
	if progress.Total > 0 {
		progress.Fraction = float64(progress.Synced) / float64(progress.Total)
	}
	return progress, nil
}

// CycleReport collects the push and pull reports of one SyncAll run.
type CycleReport struct {
	Pushes []PushReport
	Pulls  []PullReport
}

// Offline reports whether any pass stopped on an unreachable remote store.
func (r CycleReport) Offline() bool {
	for _, push := range r.Pushes {
		if push.TransportErr != nil {
			return true
		}
	}
	for _, pull := range r.Pulls {
		if pull.TransportErr != nil {
			return true
		}
	}
	return false
}

// SyncAll pushes then pulls every configured entity type, entity types in
// parallel. Transport failures are reported, never returned.
func (e *Engine) SyncAll(ctx context.Context) (CycleReport, error) {
	pushes := make([]PushReport, len(e.entityTypes))
	pulls := make([]PullReport, len(e.entityTypes))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for index, entityType := range e.entityTypes {
		group.Go(func() error {
			push, err := e.PushPending(groupCtx, entityType)
			pushes[index] = push
			if err != nil {
				return err
			}
			pull, err := e.PullRemote(groupCtx, entityType)
			pulls[index] = pull
			return err
		})
	}
	err := group.Wait()
	return CycleReport{Pushes: pushes, Pulls: pulls}, err
}

// ConnectivityRestored asks a running loop to sync immediately.
func (e *Engine) ConnectivityRestored() {
	select {
	case e.online <- struct{}{}:
	default:
	}
}

// Run syncs once, then again on local changes, on ConnectivityRestored and on
// every interval until ctx ends. Storage failures are logged and retried on the
// next trigger.
func (e *Engine) Run(ctx context.Context) error {
	var changes <-chan ChangeEvent
	if e.notifier != nil {
		stream, cleanup := e.notifier.Subscribe(ctx)
		defer cleanup()
		changes = stream
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-changes:
			if event.Kind == ChangePulled {
				continue
			}
			if _, err := e.PushPending(ctx, event.EntityType); err != nil {
				e.logError(opPushPending, "background_push_failed", err, zap.String("entity_type", event.EntityType.String()))
			}
		case <-e.online:
			e.runCycle(ctx)
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) runCycle(ctx context.Context) {
	report, err := e.SyncAll(ctx)
	if err != nil && ctx.Err() == nil {
		e.logError("sync.cycle", "cycle_failed", err)
		return
	}
	if report.Offline() {
		e.logger.Info("sync cycle incomplete, remote store unreachable")
	}
}

func (e *Engine) lockCycle(entityType records.EntityType) func() {
	lock := e.cycleLocks[entityType]
	lock.Lock()
	return lock.Unlock
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	logFields = append(logFields, zap.Error(err))
	e.logger.Error("sync engine error", logFields...)
}
