package humanid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/testutil"
)

var fixedNow = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)

func newTestAllocator(t *testing.T, remote Source) (*Allocator, records.Store) {
	t.Helper()
	db := testutil.OpenDatabase(t)
	if err := records.Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := records.NewSQLiteStore(records.SQLiteConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	allocator, err := NewAllocator(Config{
		Store:    store,
		Remote:   remote,
		Clock:    func() time.Time { return fixedNow },
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("failed to build allocator: %v", err)
	}
	return allocator, store
}

func putInspection(t *testing.T, store records.Store, humanID string) records.Record {
	t.Helper()
	record, err := records.New(records.Inspection{Address: "Rua A, 10", Agent: "Ana"})
	if err != nil {
		t.Fatalf("payload error: %v", err)
	}
	record.HumanID = humanID
	stored, err := store.Put(context.Background(), record)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	return stored
}

func TestNextDoesNotBackfillGaps(t *testing.T) {
	allocator, store := newTestAllocator(t, nil)
	putInspection(t, store, "003/2025")
	putInspection(t, store, "004/2025")

	next, err := allocator.Next(context.Background(), records.EntityInspection)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if next.String() != "005/2025" {
		t.Fatalf("expected 005/2025, got %s", next)
	}
}

func TestNextIsStableUntilARecordIsCreated(t *testing.T) {
	ctx := context.Background()
	allocator, store := newTestAllocator(t, nil)
	putInspection(t, store, "01/2025")

	first, err := allocator.Next(ctx, records.EntityInspection)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := allocator.Next(ctx, records.EntityInspection)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if again != first {
			t.Fatalf("expected stable id %s, got %s", first, again)
		}
	}

	putInspection(t, store, first.String())
	after, err := allocator.Next(ctx, records.EntityInspection)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if after.Sequence <= first.Sequence {
		t.Fatalf("expected sequence past %d, got %d", first.Sequence, after.Sequence)
	}
}

func TestNextIgnoresOtherYearsAndGarbage(t *testing.T) {
	allocator, store := newTestAllocator(t, nil)
	putInspection(t, store, "090/2024")
	putInspection(t, store, "abc/2025")
	putInspection(t, store, "")

	next, err := allocator.Next(context.Background(), records.EntityInspection)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if next.String() != "001/2025" {
		t.Fatalf("expected 001/2025, got %s", next)
	}
}

func TestNextConsultsCacheDeletedAndRemote(t *testing.T) {
	ctx := context.Background()
	remote := SourceFunc(func(context.Context, records.EntityType, int) ([]string, error) {
		return []string{"007/2025"}, nil
	})
	allocator, store := newTestAllocator(t, remote)
	deleted := putInspection(t, store, "009/2025")
	if _, err := store.SoftDelete(ctx, records.EntityInspection, deleted.LocalKey); err != nil {
		t.Fatalf("soft delete failed: %v", err)
	}
	putInspection(t, store.Namespace(records.NamespaceCache), "012/2025")

	next, err := allocator.Next(ctx, records.EntityInspection)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if next.String() != "013/2025" {
		t.Fatalf("expected 013/2025, got %s", next)
	}
}

func TestNextFallsBackWhenRemoteIsUnreachable(t *testing.T) {
	remote := SourceFunc(func(context.Context, records.EntityType, int) ([]string, error) {
		return nil, errors.New("offline")
	})
	allocator, store := newTestAllocator(t, remote)
	putInspection(t, store, "002/2025")

	next, err := allocator.Next(context.Background(), records.EntityInspection)
	if err != nil {
		t.Fatalf("remote failure must not block allocation: %v", err)
	}
	if next.String() != "003/2025" {
		t.Fatalf("expected 003/2025, got %s", next)
	}
}

func TestReserveBumpsPastLocalState(t *testing.T) {
	ctx := context.Background()
	allocator, store := newTestAllocator(t, nil)
	candidate, err := allocator.Next(ctx, records.EntityInspection)
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	putInspection(t, store, candidate.String())

	reserved, err := allocator.Reserve(ctx, store, records.EntityInspection, candidate)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if reserved.String() != "002/2025" {
		t.Fatalf("expected 002/2025, got %s", reserved)
	}
}

func TestInvalidateNotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	allocator, store := newTestAllocator(t, nil)
	putInspection(t, store, "004/2025")

	var received []string
	cancel := allocator.Subscribe(func(entityType records.EntityType, next HumanID) {
		received = append(received, entityType.String()+"="+next.String())
	})
	allocator.Invalidate(ctx, records.EntityInspection)
	cancel()
	allocator.Invalidate(ctx, records.EntityInspection)

	if len(received) != 1 || received[0] != "inspection=005/2025" {
		t.Fatalf("unexpected notifications %v", received)
	}
}

func TestParseAndCompare(t *testing.T) {
	parsed, err := Parse(" 07/2025 ")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Sequence != 7 || parsed.Year != 2025 || parsed.String() != "07/2025" {
		t.Fatalf("unexpected parse result %+v", parsed)
	}
	if _, err := Parse("2025"); !errors.Is(err, ErrInvalidHumanID) {
		t.Fatalf("expected invalid id error, got %v", err)
	}
	older := HumanID{Sequence: 50, Year: 2024}
	newer := HumanID{Sequence: 2, Year: 2025}
	if Compare(newer, older) >= 0 {
		t.Fatalf("newer year must sort first")
	}
	if Compare(HumanID{Sequence: 3, Year: 2025}, newer) >= 0 {
		t.Fatalf("higher sequence must sort first")
	}
}
