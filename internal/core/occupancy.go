package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/syncengine"
	"go.uber.org/zap"
)

const (
	opAdmitOccupant = "core.admit_occupant"
	opExitOccupant  = "core.exit_occupant"
)

var (
	// ErrShelterFull indicates an admission beyond the shelter's capacity.
	ErrShelterFull = errors.New("core: shelter is at capacity")
	// ErrMissingShelter indicates an occupant without a shelter reference.
	ErrMissingShelter = errors.New("core: occupant shelter is required")
)

// OccupancyResult holds the records written by an admission or exit.
type OccupancyResult struct {
	Occupant records.Record
	Shelter  records.Record
}

// AdmitOccupant registers an occupant as present and increments the shelter's
// occupancy in one transaction. A shelter with a positive capacity refuses
// admissions once full.
func (s *Service) AdmitOccupant(ctx context.Context, occupant records.Occupant) (OccupancyResult, error) {
	shelterRef := strings.TrimSpace(occupant.ShelterID)
	if shelterRef == "" {
		return OccupancyResult{}, ErrMissingShelter
	}
	occupant.State = records.OccupantPresent
	occupant.ExitDate = nil

	var result OccupancyResult
	err := s.store.WithTx(ctx, func(tx records.Store) error {
		now := s.clock()
		shelterRecord, shelter, err := loadShelter(ctx, tx, shelterRef)
		if err != nil {
			return err
		}
		if shelter.Capacity > 0 && shelter.CurrentOccupancy >= shelter.Capacity {
			return ErrShelterFull
		}
		if occupant.EntryDate.IsZero() {
			occupant.EntryDate = now
		}

		record, err := records.New(occupant)
		if err != nil {
			return err
		}
		record.CreatedAt = now
		record.UpdatedAt = now
		result.Occupant, err = tx.Put(ctx, record)
		if err != nil {
			return err
		}

		shelter.CurrentOccupancy++
		result.Shelter, err = saveShelter(ctx, tx, shelterRecord, shelter, now)
		return err
	})
	if err != nil {
		s.logOccupancyFailure(opAdmitOccupant, err, shelterRef)
		return OccupancyResult{}, err
	}
	s.changed(ctx, records.EntityOccupant, syncengine.ChangeCreated, result.Occupant.LocalKey)
	s.changed(ctx, records.EntityShelter, syncengine.ChangeUpdated, result.Shelter.LocalKey)
	return result, nil
}

// ExitOccupant marks an occupant as exited and decrements the shelter's occupancy
// in one transaction. Exiting an occupant twice changes nothing.
func (s *Service) ExitOccupant(ctx context.Context, occupantKey string, exitDate time.Time) (OccupancyResult, error) {
	var result OccupancyResult
	changed := false
	err := s.store.WithTx(ctx, func(tx records.Store) error {
		now := s.clock()
		record, found, err := records.ResolveForWrite(ctx, tx, records.EntityOccupant, occupantKey)
		if err != nil {
			return err
		}
		if !found || record.Deleted() {
			return &records.NotFoundError{EntityType: records.EntityOccupant, Key: occupantKey}
		}
		occupant, err := records.Decode[records.Occupant](record)
		if err != nil {
			return err
		}
		if occupant.State == records.OccupantExited {
			result.Occupant = record
			return nil
		}

		if exitDate.IsZero() {
			exitDate = now
		}
		occupant.State = records.OccupantExited
		occupant.ExitDate = &exitDate
		if err := records.Encode(&record, occupant); err != nil {
			return err
		}
		record.Synced = false
		record.UpdatedAt = now
		result.Occupant, err = tx.Put(ctx, record)
		if err != nil {
			return err
		}
		changed = true

		shelterRecord, shelter, err := loadShelter(ctx, tx, occupant.ShelterID)
		if errors.Is(err, records.ErrNotFound) {
			// The shelter was removed; the exit still stands.
			return nil
		}
		if err != nil {
			return err
		}
		shelter.CurrentOccupancy = max(shelter.CurrentOccupancy-1, 0)
		result.Shelter, err = saveShelter(ctx, tx, shelterRecord, shelter, now)
		return err
	})
	if err != nil {
		s.logOccupancyFailure(opExitOccupant, err, occupantKey)
		return OccupancyResult{}, err
	}
	if changed {
		s.changed(ctx, records.EntityOccupant, syncengine.ChangeUpdated, result.Occupant.LocalKey)
		if result.Shelter.LocalKey != "" {
			s.changed(ctx, records.EntityShelter, syncengine.ChangeUpdated, result.Shelter.LocalKey)
		}
	}
	return result, nil
}

// loadShelter resolves a shelter reference, which is either a key handed out by a
// listing or the shelter's remote id.
func loadShelter(ctx context.Context, tx records.Store, reference string) (records.Record, records.Shelter, error) {
	record, found, err := records.ResolveForWrite(ctx, tx, records.EntityShelter, reference)
	if err != nil {
		return records.Record{}, records.Shelter{}, err
	}
	if !found {
		record, found, err = records.First(tx.Scan(ctx, records.EntityShelter, records.Filter{RemoteID: reference}))
		if err != nil {
			return records.Record{}, records.Shelter{}, err
		}
	}
	if !found {
		cached, cachedFound, err := records.First(tx.Namespace(records.NamespaceCache).Scan(ctx, records.EntityShelter, records.Filter{RemoteID: reference}))
		if err != nil {
			return records.Record{}, records.Shelter{}, err
		}
		if cachedFound {
			record, found = records.Adopt(cached), true
		}
	}
	if !found || record.Deleted() {
		return records.Record{}, records.Shelter{}, &records.NotFoundError{EntityType: records.EntityShelter, Key: reference}
	}
	shelter, err := records.Decode[records.Shelter](record)
	if err != nil {
		return records.Record{}, records.Shelter{}, err
	}
	return record, shelter, nil
}

func saveShelter(ctx context.Context, tx records.Store, record records.Record, shelter records.Shelter, now time.Time) (records.Record, error) {
	if err := records.Encode(&record, shelter); err != nil {
		return records.Record{}, err
	}
	record.Synced = false
	record.UpdatedAt = now
	return tx.Put(ctx, record)
}

func (s *Service) logOccupancyFailure(operation string, err error, reference string) {
	if !errors.Is(err, records.ErrStorageFailure) {
		return
	}
	s.logger.Error("core service error",
		zap.String("operation", operation),
		zap.String("reason", "write_failed"),
		zap.String("reference", reference),
		zap.Error(err))
}
