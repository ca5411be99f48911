package syncengine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/remote/memory"
	"github.com/sigerd/fieldsync/internal/syncengine"
	"github.com/sigerd/fieldsync/internal/testutil"
)

type stepClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type syncHarness struct {
	store  records.Store
	remote *memory.Store
	engine *syncengine.Engine
	clock  *stepClock
}

func newSyncHarness(t *testing.T, wrap func(syncengine.RemoteStore) syncengine.RemoteStore) syncHarness {
	t.Helper()
	db := testutil.OpenDatabase(t)
	if err := records.Migrate(db); err != nil {
		t.Fatalf("failed to migrate records: %v", err)
	}
	if err := syncengine.Migrate(db); err != nil {
		t.Fatalf("failed to migrate watermarks: %v", err)
	}
	clock := &stepClock{current: time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)}
	store, err := records.NewSQLiteStore(records.SQLiteConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	remote := memory.New(clock.Now)
	var remoteStore syncengine.RemoteStore = remote
	if wrap != nil {
		remoteStore = wrap(remote)
	}
	engine, err := syncengine.NewEngine(syncengine.Config{
		Store:      store,
		Remote:     remoteStore,
		Watermarks: syncengine.NewSQLiteWatermarks(db),
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return syncHarness{store: store, remote: remote, engine: engine, clock: clock}
}

func (h syncHarness) createShelter(t *testing.T, name, humanID string) records.Record {
	t.Helper()
	record, err := records.New(records.Shelter{Name: name, Capacity: 40})
	if err != nil {
		t.Fatalf("payload error: %v", err)
	}
	record.HumanID = humanID
	stored, err := h.store.Put(context.Background(), record)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	return stored
}

func (h syncHarness) mustGet(t *testing.T, localKey string) records.Record {
	t.Helper()
	record, found, err := h.store.Get(context.Background(), records.EntityShelter, localKey)
	if err != nil || !found {
		t.Fatalf("expected local record %s, found=%v err=%v", localKey, found, err)
	}
	return record
}

func TestPushThenPullRoundTripsWithoutGhosts(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	created := h.createShelter(t, "Escola Estadual", "001/2025")

	push, err := h.engine.PushPending(ctx, records.EntityShelter)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if push.Pushed != 1 || push.TransportErr != nil {
		t.Fatalf("unexpected push report %+v", push)
	}

	pull, err := h.engine.PullRemote(ctx, records.EntityShelter)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if pull.Received != 1 || pull.Cached != 1 {
		t.Fatalf("unexpected pull report %+v", pull)
	}

	after := h.mustGet(t, created.LocalKey)
	if !after.Synced || after.RemoteID == "" {
		t.Fatalf("expected synced record with remote id, got %+v", after)
	}
	if after.HumanID != created.HumanID || !after.UpdatedAt.Equal(created.UpdatedAt) ||
		!after.CreatedAt.Equal(created.CreatedAt) || string(after.Payload) != string(created.Payload) {
		t.Fatalf("round trip changed the record: before %+v after %+v", created, after)
	}

	view, err := h.engine.MergedView(ctx, records.EntityShelter, syncengine.ViewOptions{})
	if err != nil {
		t.Fatalf("merged view failed: %v", err)
	}
	if len(view) != 1 {
		t.Fatalf("expected a single entry, got %d", len(view))
	}
}

func TestPullLinksByHumanIDWhenRemoteIDWasLost(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	local := h.createShelter(t, "Ginásio Municipal", "004/2025")

	h.remote.Seed(syncengine.RemoteRecord{
		EntityType: records.EntityShelter,
		HumanID:    "004/2025",
		LocalKey:   local.LocalKey,
		CreatedAt:  local.CreatedAt,
		UpdatedAt:  local.UpdatedAt,
		Payload:    local.Payload,
	})

	if _, err := h.engine.PullRemote(ctx, records.EntityShelter); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	linked := h.mustGet(t, local.LocalKey)
	if linked.RemoteID == "" || !linked.Synced {
		t.Fatalf("expected local record linked and confirmed, got %+v", linked)
	}

	view, err := h.engine.MergedView(ctx, records.EntityShelter, syncengine.ViewOptions{})
	if err != nil {
		t.Fatalf("merged view failed: %v", err)
	}
	if len(view) != 1 {
		t.Fatalf("expected no ghost duplicate, got %d entries", len(view))
	}
}

func TestPartialBatchLeavesFailuresDirty(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	for _, name := range []string{"Abrigo A", "Abrigo B", "Abrigo C"} {
		h.createShelter(t, name, "")
	}

	h.remote.FailAfter(2)
	report, err := h.engine.PushPending(ctx, records.EntityShelter)
	if err != nil {
		t.Fatalf("transport failures must not escape: %v", err)
	}
	if report.Pushed != 2 || report.Deferred != 1 || !errors.Is(report.TransportErr, syncengine.ErrTransportUnavailable) {
		t.Fatalf("unexpected report %+v", report)
	}
	pending, err := h.store.Count(ctx, records.EntityShelter, records.PendingFilter())
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected one dirty record, got %d", pending)
	}

	h.remote.FailAfter(-1)
	if _, err := h.engine.PushPending(ctx, records.EntityShelter); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := len(h.remote.Records(records.EntityShelter)); got != 3 {
		t.Fatalf("expected 3 remote records, got %d", got)
	}
	progress, err := h.engine.SyncProgress(ctx)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.Fraction != 1 || progress.Pending != 0 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestHumanIDCollisionIsRejectedAndKeptDirty(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	h.remote.Seed(syncengine.RemoteRecord{
		EntityType: records.EntityShelter,
		HumanID:    "002/2025",
		LocalKey:   "other-device",
		Payload:    []byte(`{"name":"Igreja","capacity":10}`),
	})
	local := h.createShelter(t, "Clube", "002/2025")

	report, err := h.engine.PushPending(ctx, records.EntityShelter)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if report.Rejected != 1 || report.Pushed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if after := h.mustGet(t, local.LocalKey); after.Synced || after.RemoteID != "" {
		t.Fatalf("rejected record must stay dirty, got %+v", after)
	}
}

func TestPulledRecordWithForeignHumanIDIsNotLinked(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	foreign := h.remote.Seed(syncengine.RemoteRecord{
		EntityType: records.EntityShelter,
		HumanID:    "004/2025",
		Payload:    []byte(`{"name":"Igreja","capacity":10}`),
	})
	local := h.createShelter(t, "Clube", "004/2025")

	pull, err := h.engine.PullRemote(ctx, records.EntityShelter)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if pull.Collisions != 1 || pull.Merged != 0 {
		t.Fatalf("expected one collision and no merge, got %+v", pull)
	}
	if after := h.mustGet(t, local.LocalKey); after.RemoteID != "" || after.Synced {
		t.Fatalf("colliding local record must stay unlinked and dirty, got %+v", after)
	}

	view, err := h.engine.MergedView(ctx, records.EntityShelter, syncengine.ViewOptions{})
	if err != nil {
		t.Fatalf("merged view failed: %v", err)
	}
	if len(view) != 2 {
		t.Fatalf("expected both shelters in the view, got %d", len(view))
	}

	push, err := h.engine.PushPending(ctx, records.EntityShelter)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if push.Rejected != 1 {
		t.Fatalf("expected the colliding push to be rejected, got %+v", push)
	}
	stored := h.remote.Records(records.EntityShelter)
	if len(stored) != 1 || stored[0].RemoteID != foreign.RemoteID || string(stored[0].Payload) != string(foreign.Payload) {
		t.Fatalf("remote record must be left untouched, got %+v", stored)
	}
}

func TestOfflineNeverFailsTheCaller(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	h.createShelter(t, "Abrigo Norte", "")
	h.remote.SetOffline(true)

	report, err := h.engine.SyncAll(ctx)
	if err != nil {
		t.Fatalf("offline sync must not fail: %v", err)
	}
	if !report.Offline() {
		t.Fatalf("expected the cycle to report the remote as unreachable")
	}
	progress, err := h.engine.SyncProgress(ctx)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.Fraction != 0 || progress.Total != 1 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestPullAppliesLastWriterWins(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	local := h.createShelter(t, "Escola Rural", "003/2025")
	if _, err := h.engine.PushPending(ctx, records.EntityShelter); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	remoteID := h.mustGet(t, local.LocalKey).RemoteID

	newer := records.Record{
		LocalKey:   local.LocalKey,
		RemoteID:   remoteID,
		EntityType: records.EntityShelter,
		HumanID:    "003/2025",
		Status:     records.StatusActive,
		CreatedAt:  local.CreatedAt,
		UpdatedAt:  local.UpdatedAt.Add(time.Hour),
		Payload:    []byte(`{"name":"Escola Rural","capacity":40,"current_occupancy":12}`),
	}
	if _, err := h.remote.Push(ctx, newer); err != nil {
		t.Fatalf("remote edit failed: %v", err)
	}

	if _, err := h.engine.PullRemote(ctx, records.EntityShelter); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	merged := h.mustGet(t, local.LocalKey)
	shelter, err := records.Decode[records.Shelter](merged)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if shelter.CurrentOccupancy != 12 || !merged.Synced {
		t.Fatalf("expected newer remote version to win, got %+v", merged)
	}

	edited := merged
	edited.UpdatedAt = merged.UpdatedAt.Add(time.Hour)
	edited.Synced = false
	if err := records.Encode(&edited, records.Shelter{Name: "Escola Rural", Capacity: 40, CurrentOccupancy: 15}); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := h.store.Put(ctx, edited); err != nil {
		t.Fatalf("local edit failed: %v", err)
	}
	stale := newer
	stale.UpdatedAt = newer.UpdatedAt.Add(time.Minute)
	stale.Payload = []byte(`{"name":"Escola Rural","capacity":40,"current_occupancy":13}`)
	if _, err := h.remote.Push(ctx, stale); err != nil {
		t.Fatalf("remote edit failed: %v", err)
	}

	if _, err := h.engine.PullRemote(ctx, records.EntityShelter); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	kept := h.mustGet(t, local.LocalKey)
	keptShelter, _ := records.Decode[records.Shelter](kept)
	if keptShelter.CurrentOccupancy != 15 || kept.Synced {
		t.Fatalf("older remote version must not overwrite a newer local edit, got %+v", kept)
	}
}

func TestWatermarkSkipsAlreadyPulledRecords(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	h.remote.Seed(syncengine.RemoteRecord{
		EntityType: records.EntityShelter,
		HumanID:    "010/2025",
		Payload:    []byte(`{"name":"Paróquia","capacity":30}`),
	})

	first, err := h.engine.PullRemote(ctx, records.EntityShelter)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if first.Received != 1 || first.Watermark.IsZero() {
		t.Fatalf("unexpected first pull %+v", first)
	}
	second, err := h.engine.PullRemote(ctx, records.EntityShelter)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if second.Received != 0 || !second.Watermark.Equal(first.Watermark) {
		t.Fatalf("expected nothing new after the watermark, got %+v", second)
	}

	view, err := h.engine.MergedView(ctx, records.EntityShelter, syncengine.ViewOptions{})
	if err != nil {
		t.Fatalf("merged view failed: %v", err)
	}
	if len(view) != 1 || view[0].HumanID != "010/2025" {
		t.Fatalf("expected remote-only record in the view, got %+v", view)
	}
}

func TestUnknownWatermarkIsZeroWithoutQueryError(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDatabase(t)
	if err := syncengine.Migrate(db); err != nil {
		t.Fatalf("failed to migrate watermarks: %v", err)
	}
	db, queryErrors := testutil.RecordQueryErrors(db)
	watermarks := syncengine.NewSQLiteWatermarks(db)

	watermark, err := watermarks.Get(ctx, records.EntityShelter)
	if err != nil || !watermark.IsZero() {
		t.Fatalf("expected zero watermark, got %v err=%v", watermark, err)
	}
	stamp := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	if err := watermarks.Set(ctx, records.EntityShelter, stamp); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	watermark, err = watermarks.Get(ctx, records.EntityShelter)
	if err != nil || !watermark.Equal(stamp) {
		t.Fatalf("expected stored watermark, got %v err=%v", watermark, err)
	}
	if messages := queryErrors.Messages(); len(messages) != 0 {
		t.Fatalf("expected no query errors, got %v", messages)
	}
}

func TestDeletedRecordsTombstoneRemotely(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	local := h.createShelter(t, "Abrigo Sul", "005/2025")
	if _, err := h.engine.PushPending(ctx, records.EntityShelter); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := h.store.SoftDelete(ctx, records.EntityShelter, local.LocalKey); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	if _, err := h.engine.PushPending(ctx, records.EntityShelter); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	remote := h.remote.Records(records.EntityShelter)
	if len(remote) != 1 || remote[0].Status != records.StatusDeleted {
		t.Fatalf("expected remote tombstone, got %+v", remote)
	}
	if after := h.mustGet(t, local.LocalKey); !after.Synced {
		t.Fatalf("expected confirmed delete, got %+v", after)
	}

	if _, err := h.engine.PullRemote(ctx, records.EntityShelter); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	view, err := h.engine.MergedView(ctx, records.EntityShelter, syncengine.ViewOptions{})
	if err != nil {
		t.Fatalf("merged view failed: %v", err)
	}
	if len(view) != 0 {
		t.Fatalf("deleted record must be hidden, got %d", len(view))
	}
	all, err := h.engine.MergedView(ctx, records.EntityShelter, syncengine.ViewOptions{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("merged view failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected the tombstone once, got %d", len(all))
	}
}

// editingRemote edits the local record while its push is in flight.
type editingRemote struct {
	syncengine.RemoteStore
	edit func()
}

func (r editingRemote) Push(ctx context.Context, record records.Record) (syncengine.PushResult, error) {
	result, err := r.RemoteStore.Push(ctx, record)
	if r.edit != nil {
		r.edit()
	}
	return result, err
}

func TestEditDuringPushKeepsRecordDirty(t *testing.T) {
	ctx := context.Background()
	var edit func()
	h := newSyncHarness(t, func(remote syncengine.RemoteStore) syncengine.RemoteStore {
		return editingRemote{RemoteStore: remote, edit: func() { edit() }}
	})
	local := h.createShelter(t, "Abrigo Leste", "006/2025")
	edit = func() {
		current := h.mustGet(t, local.LocalKey)
		current.UpdatedAt = h.clock.Now()
		if _, err := h.store.Put(ctx, current); err != nil {
			t.Errorf("concurrent edit failed: %v", err)
		}
	}

	if _, err := h.engine.PushPending(ctx, records.EntityShelter); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	after := h.mustGet(t, local.LocalKey)
	if after.Synced {
		t.Fatalf("record edited during push must stay dirty")
	}
	if after.RemoteID == "" {
		t.Fatalf("remote id should still be linked")
	}
}

func TestMergedViewOrdersNewestHumanIDFirst(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	h.createShelter(t, "Sem número", "")
	h.createShelter(t, "Antigo", "099/2024")
	h.createShelter(t, "Segundo", "002/2025")
	h.createShelter(t, "Décimo", "010/2025")

	view, err := h.engine.MergedView(ctx, records.EntityShelter, syncengine.ViewOptions{})
	if err != nil {
		t.Fatalf("merged view failed: %v", err)
	}
	want := []string{"010/2025", "002/2025", "099/2024", ""}
	if len(view) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(view))
	}
	for index, record := range view {
		if record.HumanID != want[index] {
			t.Fatalf("position %d: expected %q, got %q", index, want[index], record.HumanID)
		}
	}
}

func TestSyncAllCoversEveryEntityType(t *testing.T) {
	ctx := context.Background()
	h := newSyncHarness(t, nil)
	h.createShelter(t, "Abrigo Oeste", "007/2025")
	item, err := records.New(records.InventoryItem{ItemName: "Água", Quantity: decimal.NewFromInt(5), LocationID: "CENTRAL"})
	if err != nil {
		t.Fatalf("payload error: %v", err)
	}
	if _, err := h.store.Put(ctx, item); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	report, err := h.engine.SyncAll(ctx)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Offline() {
		t.Fatalf("unexpected transport failure")
	}
	if len(h.remote.Records(records.EntityShelter)) != 1 || len(h.remote.Records(records.EntityInventoryItem)) != 1 {
		t.Fatalf("expected both entity types pushed")
	}
	progress, err := h.engine.SyncProgress(ctx)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.Fraction != 1 {
		t.Fatalf("expected everything synced, got %+v", progress)
	}
}

func TestSyncProgressWithoutRecordsIsComplete(t *testing.T) {
	h := newSyncHarness(t, nil)
	progress, err := h.engine.SyncProgress(context.Background())
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if progress.Fraction != 1 || progress.Total != 0 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestRunPushesOnChangeNotification(t *testing.T) {
	db := testutil.OpenDatabase(t)
	if err := records.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := records.NewSQLiteStore(records.SQLiteConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	remote := memory.New(nil)
	notifier := syncengine.NewNotifier()
	engine, err := syncengine.NewEngine(syncengine.Config{
		Store:       store,
		Remote:      remote,
		Notifier:    notifier,
		EntityTypes: []records.EntityType{records.EntityShelter},
		Interval:    time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	record, _ := records.New(records.Shelter{Name: "Abrigo Central"})
	deadline := time.After(2 * time.Second)
	stored, err := store.Put(context.Background(), record)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	for {
		notifier.Publish(syncengine.ChangeEvent{EntityType: records.EntityShelter, Kind: syncengine.ChangeCreated, LocalKeys: []string{stored.LocalKey}})
		current, _, err := store.Get(context.Background(), records.EntityShelter, stored.LocalKey)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if current.Synced {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected background push within deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
