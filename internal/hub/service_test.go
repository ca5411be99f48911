package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/testutil"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, clockNow time.Time) *Service {
	t.Helper()
	db := testutil.OpenDatabase(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate hub schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func shelterPush(localKey, humanID string, updatedAt time.Time, payload string) PushRequest {
	return PushRequest{
		EntityType: records.EntityShelter.String(),
		LocalKey:   localKey,
		HumanID:    humanID,
		Status:     string(records.StatusActive),
		CreatedAt:  updatedAt,
		UpdatedAt:  updatedAt,
		Payload:    payload,
		DeviceID:   "tablet-01",
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "hub.service.new.missing_database" {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestPushCreatesAndRetriesAreIdempotent(t *testing.T) {
	clockNow := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, clockNow)
	ctx := context.Background()
	updatedAt := clockNow.Add(-time.Minute)

	first, err := service.Push(ctx, shelterPush("local-1", "001/2025", updatedAt, `{"name":"Escola Norte"}`))
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if first.RemoteID == "" {
		t.Fatalf("expected remote id to be assigned")
	}
	if !first.UpdatedAt().Equal(updatedAt) {
		t.Fatalf("expected echoed updated_at %v, got %v", updatedAt, first.UpdatedAt())
	}

	retry, err := service.Push(ctx, shelterPush("local-1", "001/2025", updatedAt, `{"name":"Escola Norte"}`))
	if err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if retry.RemoteID != first.RemoteID {
		t.Fatalf("expected retry to resolve to %s, got %s", first.RemoteID, retry.RemoteID)
	}

	rows, err := service.PullSince(ctx, records.EntityShelter, time.Time{}, 0)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single stored record, got %d", len(rows))
	}
}

func TestPushRejectsHumanIDCollisions(t *testing.T) {
	clockNow := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, clockNow)
	ctx := context.Background()

	if _, err := service.Push(ctx, shelterPush("local-a", "004/2025", clockNow, `{"name":"A"}`)); err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	_, err := service.Push(ctx, shelterPush("local-b", "004/2025", clockNow, `{"name":"B"}`))
	if !errors.Is(err, ErrHumanIDTaken) {
		t.Fatalf("expected human id collision, got %v", err)
	}

	other := shelterPush("local-c", "004/2025", clockNow, `{"item_name":"Arroz"}`)
	other.EntityType = records.EntityDonation.String()
	if _, err := service.Push(ctx, other); err != nil {
		t.Fatalf("expected human ids to be scoped per entity type, got %v", err)
	}
}

func TestPushValidatesEnvelope(t *testing.T) {
	clockNow := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, clockNow)
	ctx := context.Background()

	cases := map[string]PushRequest{
		"unknown entity":  {EntityType: "vehicle", UpdatedAt: clockNow, Payload: `{}`},
		"missing payload": {EntityType: "shelter", UpdatedAt: clockNow},
		"missing time":    {EntityType: "shelter", Payload: `{}`},
		"bad status":      {EntityType: "shelter", Status: "lost", UpdatedAt: clockNow, Payload: `{}`},
		"bad human id":    {EntityType: "shelter", HumanID: "12/2025", UpdatedAt: clockNow, Payload: `{}`},
	}
	for name, request := range cases {
		if _, err := service.Push(ctx, request); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("%s: expected invalid record, got %v", name, err)
		}
	}
}

func TestPushKeepsNewerVersion(t *testing.T) {
	clockNow := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, clockNow)
	ctx := context.Background()

	newer := clockNow.Add(-time.Minute)
	created, err := service.Push(ctx, shelterPush("local-1", "", newer, `{"name":"Newer"}`))
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	stale := shelterPush("local-1", "", newer.Add(-time.Hour), `{"name":"Stale"}`)
	stale.RemoteID = created.RemoteID
	kept, err := service.Push(ctx, stale)
	if err != nil {
		t.Fatalf("unexpected stale push error: %v", err)
	}
	if kept.PayloadJSON != `{"name":"Newer"}` || !kept.UpdatedAt().Equal(newer) {
		t.Fatalf("expected newer version to be kept, got %s at %v", kept.PayloadJSON, kept.UpdatedAt())
	}
	if kept.SyncedAtNanos != created.SyncedAtNanos {
		t.Fatalf("expected ignored write to leave synced_at untouched")
	}
}

func TestPullSinceIsOrderedAndStrictlyIncreasing(t *testing.T) {
	clockNow := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, clockNow)
	ctx := context.Background()

	for _, key := range []string{"local-1", "local-2", "local-3"} {
		if _, err := service.Push(ctx, shelterPush(key, "", clockNow, `{"name":"`+key+`"}`)); err != nil {
			t.Fatalf("unexpected push error: %v", err)
		}
	}

	rows, err := service.PullSince(ctx, records.EntityShelter, time.Time{}, 0)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected three rows, got %d", len(rows))
	}
	for index := 1; index < len(rows); index++ {
		if rows[index].SyncedAtNanos <= rows[index-1].SyncedAtNanos {
			t.Fatalf("expected strictly increasing synced_at, got %d then %d", rows[index-1].SyncedAtNanos, rows[index].SyncedAtNanos)
		}
	}

	rest, err := service.PullSince(ctx, records.EntityShelter, rows[0].SyncedAt(), 0)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(rest) != 2 || rest[0].OriginKey != "local-2" {
		t.Fatalf("expected records after the watermark, got %+v", rest)
	}

	limited, err := service.PullSince(ctx, records.EntityShelter, time.Time{}, 1)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestDeleteTombstonesAndReappearsInPull(t *testing.T) {
	clockNow := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	service := newTestService(t, clockNow)
	ctx := context.Background()

	created, err := service.Push(ctx, shelterPush("local-1", "002/2025", clockNow.Add(-time.Minute), `{"name":"A"}`))
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}
	if err := service.Delete(ctx, records.EntityShelter, created.RemoteID, "tablet-02"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	rows, err := service.PullSince(ctx, records.EntityShelter, created.SyncedAt(), 0)
	if err != nil {
		t.Fatalf("unexpected pull error: %v", err)
	}
	if len(rows) != 1 || rows[0].Status != string(records.StatusDeleted) {
		t.Fatalf("expected tombstone in pull, got %+v", rows)
	}
	if !rows[0].UpdatedAt().After(created.UpdatedAt()) {
		t.Fatalf("expected tombstone to advance updated_at")
	}

	if err := service.Delete(ctx, records.EntityShelter, "missing", "tablet-02"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	ids, err := service.HumanIDs(ctx, records.EntityShelter, 2025)
	if err != nil {
		t.Fatalf("unexpected human id error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "002/2025" {
		t.Fatalf("expected tombstoned human id to stay reserved, got %v", ids)
	}
}

func TestStampLookupFailureAbortsWrites(t *testing.T) {
	clockNow := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	db := testutil.OpenDatabase(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate hub schema: %v", err)
	}
	build := func() *Service {
		service, err := NewService(ServiceConfig{Database: db, Clock: func() time.Time { return clockNow }})
		if err != nil {
			t.Fatalf("failed to construct service: %v", err)
		}
		return service
	}
	errDiskFull := errors.New("disk full")
	failRowQueries := func() {
		t.Helper()
		err := db.Callback().Row().Before("gorm:row").Register("fieldsync:fail_row", func(tx *gorm.DB) {
			_ = tx.AddError(errDiskFull)
		})
		if err != nil {
			t.Fatalf("failed to register callback: %v", err)
		}
	}
	restoreRowQueries := func() {
		t.Helper()
		if err := db.Callback().Row().Remove("fieldsync:fail_row"); err != nil {
			t.Fatalf("failed to remove callback: %v", err)
		}
	}

	failRowQueries()
	_, err := build().Push(ctx, shelterPush("local-1", "001/2025", clockNow.Add(-time.Minute), `{"name":"A"}`))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "hub.push.stamp_select_failed" || !errors.Is(err, errDiskFull) {
		t.Fatalf("expected stamp failure on push, got %v", err)
	}
	restoreRowQueries()

	writer := build()
	rows, err := writer.PullSince(ctx, records.EntityShelter, time.Time{}, 0)
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected failed push to store nothing, got %d rows err=%v", len(rows), err)
	}
	created, err := writer.Push(ctx, shelterPush("local-1", "001/2025", clockNow.Add(-time.Minute), `{"name":"A"}`))
	if err != nil {
		t.Fatalf("unexpected push error: %v", err)
	}

	failRowQueries()
	err = build().Delete(ctx, records.EntityShelter, created.RemoteID, "tablet-02")
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "hub.delete.stamp_select_failed" {
		t.Fatalf("expected stamp failure on delete, got %v", err)
	}
	restoreRowQueries()

	rows, err = writer.PullSince(ctx, records.EntityShelter, time.Time{}, 0)
	if err != nil || len(rows) != 1 || rows[0].Status != string(records.StatusActive) {
		t.Fatalf("expected the failed delete to leave the record active, got %+v err=%v", rows, err)
	}
}
