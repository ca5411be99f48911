// Package ledger keeps inventory quantities consistent with the donations,
// distributions and transfers recorded against them.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sigerd/fieldsync/internal/humanid"
	"github.com/sigerd/fieldsync/internal/records"
	"go.uber.org/zap"
)

const (
	opEngineNew          = "ledger.engine.new"
	opRecordDonation     = "ledger.record_donation"
	opRecordDistribution = "ledger.record_distribution"
	opTransferStock      = "ledger.transfer_stock"
	opAdjustItem         = "ledger.adjust_item"
	opDeleteItem         = "ledger.delete_item"
	opClearInventory     = "ledger.clear_inventory"
	opReconcile          = "ledger.reconcile"
	opMovementHistory    = "ledger.movement_history"
)

var noOpLogger = zap.NewNop()

// View lists the live records of one entity type that reports read from. It must
// read through store, which is bound to the report's read transaction.
type View func(ctx context.Context, store records.Store, entityType records.EntityType) ([]records.Record, error)

// Config describes the collaborators of an Engine.
type Config struct {
	Store     records.Store
	Allocator *humanid.Allocator
	// View defaults to the live records of the local namespace.
	View   View
	Clock  func() time.Time
	Logger *zap.Logger
}

// Engine applies stock movements as atomic multi-record mutations.
type Engine struct {
	store     records.Store
	allocator *humanid.Allocator
	view      View
	clock     func() time.Time
	logger    *zap.Logger
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, newEngineError(opEngineNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	view := cfg.View
	if view == nil {
		view = func(ctx context.Context, store records.Store, entityType records.EntityType) ([]records.Record, error) {
			return records.Collect(store.Scan(ctx, entityType, records.Filter{}))
		}
	}
	return &Engine{
		store:     cfg.Store,
		allocator: cfg.Allocator,
		view:      view,
		clock:     clock,
		logger:    logger,
	}, nil
}

// DonationInput describes stock received at a location.
type DonationInput struct {
	ItemDescription string
	Category        string
	Quantity        decimal.Decimal
	Unit            string
	Donor           string
	// DestinationID defaults to the central stock.
	DestinationID string
}

// DonationResult holds the records written by RecordDonation.
type DonationResult struct {
	Donation records.Record
	Item     records.Record
}

// RecordDonation creates the donation and credits the matching inventory item,
// creating it when the location has none.
func (e *Engine) RecordDonation(ctx context.Context, input DonationInput) (DonationResult, error) {
	description := strings.TrimSpace(input.ItemDescription)
	if description == "" {
		return DonationResult{}, ErrMissingDescription
	}
	if !input.Quantity.IsPositive() {
		return DonationResult{}, ErrInvalidQuantity
	}
	destination := normalizeLocation(input.DestinationID)
	candidate, err := e.previewID(ctx, records.EntityDonation)
	if err != nil {
		e.logFailure(opRecordDonation, err, zap.String("location_id", destination))
		return DonationResult{}, err
	}

	var result DonationResult
	err = e.store.WithTx(ctx, func(tx records.Store) error {
		now := e.now()
		donation := records.Donation{
			ItemDescription: description,
			Category:        input.Category,
			Quantity:        input.Quantity,
			Unit:            input.Unit,
			Donor:           input.Donor,
			DestinationID:   destination,
		}
		stored, err := e.createMovement(ctx, tx, donation, candidate, now)
		if err != nil {
			return err
		}
		result.Donation = stored

		line, found, err := findItem(ctx, tx, destination, description)
		if err != nil {
			return err
		}
		previous := decimal.Zero
		if found {
			previous = line.item.Quantity
		} else {
			line = stockLine{
				record: records.Record{EntityType: records.EntityInventoryItem, Status: records.StatusActive},
				item: records.InventoryItem{
					ItemName:   description,
					Category:   input.Category,
					Unit:       input.Unit,
					LocationID: destination,
				},
			}
		}
		line, err = line.withQuantity(previous.Add(input.Quantity)).save(ctx, tx, now)
		if err != nil {
			return err
		}
		result.Item = line.record
		return e.audit(ctx, tx, line.record, records.AuditDonate, previous, line.item.Quantity, stored.HumanID)
	})
	if err != nil {
		e.logFailure(opRecordDonation, err, zap.String("location_id", destination))
		return DonationResult{}, err
	}
	return result, nil
}

// DistributionInput describes stock handed out from a location. InventoryKey,
// when set, selects the item directly; otherwise ItemName and LocationID do.
type DistributionInput struct {
	InventoryKey string
	ItemName     string
	LocationID   string
	Quantity     decimal.Decimal
	Unit         string
	Recipient    string
}

// DistributionResult holds the records written by RecordDistribution.
type DistributionResult struct {
	Distribution records.Record
	Item         records.Record
}

// RecordDistribution debits the item and records the handout, or fails with an
// InsufficientStockError leaving the item untouched.
func (e *Engine) RecordDistribution(ctx context.Context, input DistributionInput) (DistributionResult, error) {
	if !input.Quantity.IsPositive() {
		return DistributionResult{}, ErrInvalidQuantity
	}
	if strings.TrimSpace(input.InventoryKey) == "" && strings.TrimSpace(input.ItemName) == "" {
		return DistributionResult{}, ErrMissingDescription
	}

	candidate, err := e.previewID(ctx, records.EntityDistribution)
	if err != nil {
		e.logFailure(opRecordDistribution, err, zap.String("location_id", input.LocationID))
		return DistributionResult{}, err
	}

	var result DistributionResult
	err = e.store.WithTx(ctx, func(tx records.Store) error {
		now := e.now()
		line, err := e.resolveSource(ctx, tx, input.InventoryKey, input.ItemName, input.LocationID)
		if err != nil {
			return err
		}
		if err := checkStock(line, input.Quantity); err != nil {
			return err
		}
		previous := line.item.Quantity
		line, err = line.withQuantity(previous.Sub(input.Quantity)).save(ctx, tx, now)
		if err != nil {
			return err
		}
		result.Item = line.record

		unit := input.Unit
		if unit == "" {
			unit = line.item.Unit
		}
		distribution := records.Distribution{
			ItemName:     line.item.ItemName,
			Quantity:     input.Quantity,
			Unit:         unit,
			Recipient:    input.Recipient,
			SourceID:     line.item.LocationID,
			InventoryKey: line.record.LocalKey,
			Kind:         records.KindDistribution,
		}
		stored, err := e.createMovement(ctx, tx, distribution, candidate, now)
		if err != nil {
			return err
		}
		result.Distribution = stored
		return e.audit(ctx, tx, line.record, records.AuditDebit, previous, line.item.Quantity, stored.HumanID)
	})
	if err != nil {
		e.logFailure(opRecordDistribution, err, zap.String("location_id", input.LocationID))
		return DistributionResult{}, err
	}
	return result, nil
}

// TransferInput describes stock moved between two locations.
type TransferInput struct {
	InventoryKey string
	ItemName     string
	FromLocation string
	ToLocation   string
	Quantity     decimal.Decimal
}

// TransferResult holds the records written by TransferStock.
type TransferResult struct {
	Transfer    records.Record
	Source      records.Record
	Destination records.Record
}

// TransferStock moves quantity from one location to another. The system-wide
// quantity of the item is unchanged.
func (e *Engine) TransferStock(ctx context.Context, input TransferInput) (TransferResult, error) {
	if !input.Quantity.IsPositive() {
		return TransferResult{}, ErrInvalidQuantity
	}
	if strings.TrimSpace(input.ToLocation) == "" {
		return TransferResult{}, ErrMissingLocation
	}
	if strings.TrimSpace(input.InventoryKey) == "" && strings.TrimSpace(input.ItemName) == "" {
		return TransferResult{}, ErrMissingDescription
	}
	destination := strings.TrimSpace(input.ToLocation)
	candidate, err := e.previewID(ctx, records.EntityDistribution)
	if err != nil {
		e.logFailure(opTransferStock, err, zap.String("to_location", destination))
		return TransferResult{}, err
	}

	var result TransferResult
	err = e.store.WithTx(ctx, func(tx records.Store) error {
		now := e.now()
		source, err := e.resolveSource(ctx, tx, input.InventoryKey, input.ItemName, input.FromLocation)
		if err != nil {
			return err
		}
		if source.item.LocationID == destination {
			return ErrSameLocation
		}
		if err := checkStock(source, input.Quantity); err != nil {
			return err
		}

		sourceBefore := source.item.Quantity
		source, err = source.withQuantity(sourceBefore.Sub(input.Quantity)).save(ctx, tx, now)
		if err != nil {
			return err
		}
		result.Source = source.record

		target, found, err := findItem(ctx, tx, destination, source.item.ItemName)
		if err != nil {
			return err
		}
		targetBefore := decimal.Zero
		if found {
			targetBefore = target.item.Quantity
		} else {
			target = stockLine{
				record: records.Record{EntityType: records.EntityInventoryItem, Status: records.StatusActive},
				item: records.InventoryItem{
					ItemName:    source.item.ItemName,
					Category:    source.item.Category,
					Unit:        source.item.Unit,
					LocationID:  destination,
					MinQuantity: source.item.MinQuantity,
				},
			}
		}
		target, err = target.withQuantity(targetBefore.Add(input.Quantity)).save(ctx, tx, now)
		if err != nil {
			return err
		}
		result.Destination = target.record

		transfer := records.Distribution{
			ItemName:      source.item.ItemName,
			Quantity:      input.Quantity,
			Unit:          source.item.Unit,
			SourceID:      source.item.LocationID,
			DestinationID: destination,
			InventoryKey:  source.record.LocalKey,
			Kind:          records.KindTransfer,
		}
		stored, err := e.createMovement(ctx, tx, transfer, candidate, now)
		if err != nil {
			return err
		}
		result.Transfer = stored

		if err := e.audit(ctx, tx, source.record, records.AuditTransfer, sourceBefore, source.item.Quantity, stored.HumanID); err != nil {
			return err
		}
		return e.audit(ctx, tx, target.record, records.AuditTransfer, targetBefore, target.item.Quantity, stored.HumanID)
	})
	if err != nil {
		e.logFailure(opTransferStock, err,
			zap.String("from_location", input.FromLocation),
			zap.String("to_location", destination))
		return TransferResult{}, err
	}
	return result, nil
}

// AdjustItem overwrites an item's quantity after a physical count. The change is
// audited and will show up as divergence in Reconcile.
func (e *Engine) AdjustItem(ctx context.Context, inventoryKey string, quantity decimal.Decimal, note string) (records.Record, error) {
	if quantity.IsNegative() {
		return records.Record{}, ErrInvalidQuantity
	}
	var adjusted records.Record
	err := e.store.WithTx(ctx, func(tx records.Store) error {
		line, found, err := findItemByKey(ctx, tx, inventoryKey)
		if err != nil {
			return err
		}
		if !found {
			return &records.NotFoundError{EntityType: records.EntityInventoryItem, Key: inventoryKey}
		}
		previous := line.item.Quantity
		line, err = line.withQuantity(quantity).save(ctx, tx, e.now())
		if err != nil {
			return err
		}
		adjusted = line.record
		return e.audit(ctx, tx, line.record, records.AuditAdjust, previous, quantity, note)
	})
	if err != nil {
		e.logFailure(opAdjustItem, err, zap.String("local_key", inventoryKey))
		return records.Record{}, err
	}
	return adjusted, nil
}

// DeleteItem soft deletes an inventory item.
func (e *Engine) DeleteItem(ctx context.Context, inventoryKey string) (records.Record, error) {
	var deleted records.Record
	err := e.store.WithTx(ctx, func(tx records.Store) error {
		line, found, err := findItemByKey(ctx, tx, inventoryKey)
		if err != nil {
			return err
		}
		if !found {
			return &records.NotFoundError{EntityType: records.EntityInventoryItem, Key: inventoryKey}
		}
		deleted, err = e.deleteLine(ctx, tx, line)
		return err
	})
	if err != nil {
		e.logFailure(opDeleteItem, err, zap.String("local_key", inventoryKey))
		return records.Record{}, err
	}
	return deleted, nil
}

// ClearInventory soft deletes every live item at a location and returns how many
// were removed.
func (e *Engine) ClearInventory(ctx context.Context, locationID string) (int, error) {
	location := normalizeLocation(locationID)
	cleared := 0
	err := e.store.WithTx(ctx, func(tx records.Store) error {
		filter := records.Filter{LocationID: location}
		local, err := records.Collect(tx.Scan(ctx, records.EntityInventoryItem, filter))
		if err != nil {
			return err
		}
		cached, err := records.Collect(tx.Namespace(records.NamespaceCache).Scan(ctx, records.EntityInventoryItem, filter))
		if err != nil {
			return err
		}
		for _, candidate := range cached {
			linked, err := records.LinkedLocal(ctx, tx, candidate)
			if err != nil {
				return err
			}
			if linked.LocalKey == "" {
				local = append(local, records.Adopt(candidate))
			}
		}
		for _, record := range local {
			line, err := decodeLine(record)
			if err != nil {
				return err
			}
			if _, err := e.deleteLine(ctx, tx, line); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	if err != nil {
		e.logFailure(opClearInventory, err, zap.String("location_id", location))
		return 0, err
	}
	return cleared, nil
}

// AuditLog lists the audit trail of one record, or of every inventory item when
// localKey is empty, newest first.
func (e *Engine) AuditLog(ctx context.Context, localKey string, limit int) ([]records.AuditEntry, error) {
	return e.store.AuditTrail(ctx, records.EntityInventoryItem, localKey, limit)
}

func (e *Engine) deleteLine(ctx context.Context, tx records.Store, line stockLine) (records.Record, error) {
	now := e.now()
	record := line.record
	record.Status = records.StatusDeleted
	line.record = record
	saved, err := line.save(ctx, tx, now)
	if err != nil {
		return records.Record{}, err
	}
	if err := e.audit(ctx, tx, saved.record, records.AuditDelete, line.item.Quantity, line.item.Quantity, ""); err != nil {
		return records.Record{}, err
	}
	return saved.record, nil
}

func (e *Engine) resolveSource(ctx context.Context, tx records.Store, inventoryKey, itemName, locationID string) (stockLine, error) {
	if key := strings.TrimSpace(inventoryKey); key != "" {
		line, found, err := findItemByKey(ctx, tx, key)
		if err != nil {
			return stockLine{}, err
		}
		if !found {
			return stockLine{}, &records.NotFoundError{EntityType: records.EntityInventoryItem, Key: key}
		}
		return line, nil
	}
	location := normalizeLocation(locationID)
	line, found, err := findItem(ctx, tx, location, itemName)
	if err != nil {
		return stockLine{}, err
	}
	if !found {
		return stockLine{}, &records.NotFoundError{
			EntityType: records.EntityInventoryItem,
			Key:        strings.TrimSpace(itemName) + "@" + location,
		}
	}
	return line, nil
}

func checkStock(line stockLine, requested decimal.Decimal) error {
	if line.item.Quantity.LessThan(requested) {
		return &InsufficientStockError{
			ItemName:   line.item.ItemName,
			LocationID: line.item.LocationID,
			Available:  line.item.Quantity,
			Requested:  requested,
		}
	}
	return nil
}

// previewID asks the allocator for the next human id of entityType, remote store
// included, before the movement's transaction takes the writer lock.
func (e *Engine) previewID(ctx context.Context, entityType records.EntityType) (humanid.HumanID, error) {
	if e.allocator == nil {
		return humanid.HumanID{}, nil
	}
	return e.allocator.Next(ctx, entityType)
}

// createMovement stores a donation or distribution carrying candidate as its
// human id, unless the transaction's view of the record tables has moved past it.
func (e *Engine) createMovement(ctx context.Context, tx records.Store, payload records.Payload, candidate humanid.HumanID, now time.Time) (records.Record, error) {
	record, err := records.New(payload)
	if err != nil {
		return records.Record{}, err
	}
	if e.allocator != nil {
		reserved, err := e.allocator.Reserve(ctx, tx, payload.EntityType(), candidate)
		if err != nil {
			return records.Record{}, err
		}
		record.HumanID = reserved.String()
	}
	record.CreatedAt = now
	record.UpdatedAt = now
	return tx.Put(ctx, record)
}

func (e *Engine) audit(ctx context.Context, tx records.Store, record records.Record, action records.AuditAction, before, after decimal.Decimal, note string) error {
	_, err := tx.AppendAudit(ctx, records.AuditEntry{
		EntityType: record.EntityType,
		LocalKey:   record.LocalKey,
		Action:     action,
		Field:      "quantity",
		OldValue:   before.String(),
		NewValue:   after.String(),
		Note:       note,
		AppliedAt:  e.now(),
	})
	return err
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// logFailure records storage failures. Rejections the caller can correct are
// returned without logging.
func (e *Engine) logFailure(operation string, err error, fields ...zap.Field) {
	if !errors.Is(err, records.ErrStorageFailure) {
		return
	}
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", "storage_failure"),
	}, fields...)
	logFields = append(logFields, zap.Error(err))
	e.logger.Error("ledger operation failed", logFields...)
}
