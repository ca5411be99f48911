package syncengine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sigerd/fieldsync/internal/humanid"
	"github.com/sigerd/fieldsync/internal/records"
)

// RemoteRecord is a record as the remote store reports it.
type RemoteRecord struct {
	RemoteID   string
	EntityType records.EntityType
	HumanID    string
	// LocalKey is the identity key the creating device pushed, echoed back.
	LocalKey  string
	Status    records.Status
	CreatedAt time.Time
	UpdatedAt time.Time
	// SyncedAt is the server-side acceptance time the pull watermark follows.
	SyncedAt time.Time
	Payload  json.RawMessage
}

// PushResult is the remote store's acknowledgement of a push.
type PushResult struct {
	RemoteID  string
	UpdatedAt time.Time
}

// RemoteStore is the shared backend a device synchronizes with.
type RemoteStore interface {
	// Push creates or updates the record. Records without a remote id are matched
	// by their identity key so a retried push does not create a second copy.
	Push(ctx context.Context, record records.Record) (PushResult, error)
	// PullSince returns records accepted after watermark, oldest first.
	PullSince(ctx context.Context, entityType records.EntityType, watermark time.Time) ([]RemoteRecord, error)
	// Delete tombstones a record by remote id.
	Delete(ctx context.Context, entityType records.EntityType, remoteID string) error
}

// HumanIDLister is implemented by remote stores that can answer live human id
// queries for the allocator.
type HumanIDLister interface {
	HumanIDs(ctx context.Context, entityType records.EntityType, year int) ([]string, error)
}

// HumanIDSource exposes the remote store to the allocator when it supports live
// queries, and returns nil otherwise.
func HumanIDSource(remote RemoteStore) humanid.Source {
	lister, ok := remote.(HumanIDLister)
	if !ok {
		return nil
	}
	return humanid.SourceFunc(lister.HumanIDs)
}

// toCacheRecord mirrors a remote record into the cache namespace layout.
func (r RemoteRecord) toCacheRecord(existing records.Record) records.Record {
	existing.EntityType = r.EntityType
	existing.RemoteID = r.RemoteID
	existing.HumanID = r.HumanID
	existing.OriginKey = r.LocalKey
	existing.Status = r.Status
	if existing.Status == "" {
		existing.Status = records.StatusActive
	}
	existing.Synced = true
	existing.CreatedAt = r.CreatedAt
	existing.UpdatedAt = r.UpdatedAt
	existing.Payload = r.Payload
	return existing
}
