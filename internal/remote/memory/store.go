// Package memory provides an in-process remote store with fault injection.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sigerd/fieldsync/internal/humanid"
	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/syncengine"
)

var errOffline = errors.New("memory remote is offline")

// Store keeps remote records in memory. It applies the same rules as the hub:
// retried pushes are matched by identity key, human ids must be unique per entity
// type, newer updated_at wins and every accepted write gets a fresh synced_at.
type Store struct {
	mu         sync.Mutex
	clock      func() time.Time
	records    map[records.EntityType][]*syncengine.RemoteRecord
	lastSynced time.Time
	offline    bool
	failAfter  int
	pushes     int
}

// New returns an empty Store. A nil clock uses time.Now.
func New(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		clock:     clock,
		records:   make(map[records.EntityType][]*syncengine.RemoteRecord),
		failAfter: -1,
	}
}

// SetOffline makes every call fail as unreachable until reset.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailAfter lets n more pushes through, then fails pushes as unreachable.
// A negative n disables the fault.
func (s *Store) FailAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAfter = n
	s.pushes = 0
}

// Seed stores a record as if another device had pushed it.
func (s *Store) Seed(record syncengine.RemoteRecord) syncengine.RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.RemoteID == "" {
		record.RemoteID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = records.StatusActive
	}
	record.SyncedAt = s.stamp()
	stored := record
	s.records[record.EntityType] = append(s.records[record.EntityType], &stored)
	return stored
}

// Records returns a copy of every stored record of an entity type.
func (s *Store) Records(entityType records.EntityType) []syncengine.RemoteRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]syncengine.RemoteRecord, 0, len(s.records[entityType]))
	for _, record := range s.records[entityType] {
		out = append(out, *record)
	}
	return out
}

func (s *Store) Push(_ context.Context, record records.Record) (syncengine.PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReachable(true); err != nil {
		return syncengine.PushResult{}, err
	}

	existing := s.find(record.EntityType, record.RemoteID, record.IdentityKey())
	if record.HumanID != "" {
		for _, other := range s.records[record.EntityType] {
			if other != existing && other.HumanID == record.HumanID {
				return syncengine.PushResult{}, &syncengine.RejectedError{
					Reason: fmt.Sprintf("human id %s already taken", record.HumanID),
				}
			}
		}
	}

	if existing == nil {
		stored := &syncengine.RemoteRecord{
			RemoteID:   uuid.NewString(),
			EntityType: record.EntityType,
			HumanID:    record.HumanID,
			LocalKey:   record.IdentityKey(),
			Status:     record.Status,
			CreatedAt:  record.CreatedAt,
			UpdatedAt:  record.UpdatedAt,
			SyncedAt:   s.stamp(),
			Payload:    slices.Clone(record.Payload),
		}
		s.records[record.EntityType] = append(s.records[record.EntityType], stored)
		return syncengine.PushResult{RemoteID: stored.RemoteID, UpdatedAt: stored.UpdatedAt}, nil
	}

	if record.UpdatedAt.After(existing.UpdatedAt) {
		existing.HumanID = record.HumanID
		existing.Status = record.Status
		existing.UpdatedAt = record.UpdatedAt
		existing.Payload = slices.Clone(record.Payload)
		existing.SyncedAt = s.stamp()
	}
	return syncengine.PushResult{RemoteID: existing.RemoteID, UpdatedAt: existing.UpdatedAt}, nil
}

func (s *Store) PullSince(_ context.Context, entityType records.EntityType, watermark time.Time) ([]syncengine.RemoteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReachable(false); err != nil {
		return nil, err
	}
	var out []syncengine.RemoteRecord
	for _, record := range s.records[entityType] {
		if record.SyncedAt.After(watermark) {
			out = append(out, *record)
		}
	}
	slices.SortFunc(out, func(a, b syncengine.RemoteRecord) int {
		return a.SyncedAt.Compare(b.SyncedAt)
	})
	return out, nil
}

func (s *Store) Delete(_ context.Context, entityType records.EntityType, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReachable(true); err != nil {
		return err
	}
	existing := s.find(entityType, remoteID, "")
	if existing == nil {
		return nil
	}
	existing.Status = records.StatusDeleted
	existing.UpdatedAt = s.clock().UTC()
	existing.SyncedAt = s.stamp()
	return nil
}

// HumanIDs lists the stored human ids of a year, tombstones included.
func (s *Store) HumanIDs(_ context.Context, entityType records.EntityType, year int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReachable(false); err != nil {
		return nil, err
	}
	var ids []string
	for _, record := range s.records[entityType] {
		parsed, err := humanid.Parse(record.HumanID)
		if err == nil && parsed.Year == year {
			ids = append(ids, record.HumanID)
		}
	}
	return ids, nil
}

func (s *Store) find(entityType records.EntityType, remoteID, identityKey string) *syncengine.RemoteRecord {
	for _, record := range s.records[entityType] {
		if remoteID != "" && record.RemoteID == remoteID {
			return record
		}
	}
	if identityKey == "" {
		return nil
	}
	for _, record := range s.records[entityType] {
		if record.LocalKey == identityKey {
			return record
		}
	}
	return nil
}

func (s *Store) checkReachable(write bool) error {
	if s.offline {
		return &syncengine.TransportError{Err: errOffline}
	}
	if write && s.failAfter >= 0 {
		if s.pushes >= s.failAfter {
			return &syncengine.TransportError{Err: errOffline}
		}
		s.pushes++
	}
	return nil
}

// stamp returns a strictly increasing acceptance time so watermarks never skip
// records accepted within the same clock tick.
func (s *Store) stamp() time.Time {
	now := s.clock().UTC()
	if !now.After(s.lastSynced) {
		now = s.lastSynced.Add(time.Nanosecond)
	}
	s.lastSynced = now
	return now
}
