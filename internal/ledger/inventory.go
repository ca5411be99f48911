package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sigerd/fieldsync/internal/records"
)

// stockLine is an inventory record together with its decoded payload.
type stockLine struct {
	record records.Record
	item   records.InventoryItem
}

func normalizeLocation(locationID string) string {
	trimmed := strings.TrimSpace(locationID)
	if trimmed == "" {
		return records.CentralLocation
	}
	return trimmed
}

// findItem resolves the live item named itemName at locationID. Local records win;
// an item known only through the remote cache is adopted into the local namespace
// so the mutation is pushed against the same remote identity.
func findItem(ctx context.Context, tx records.Store, locationID, itemName string) (stockLine, bool, error) {
	filter := records.Filter{LocationID: locationID, ItemName: itemName}
	record, found, err := records.First(tx.Scan(ctx, records.EntityInventoryItem, filter))
	if err != nil {
		return stockLine{}, false, err
	}
	if found {
		line, err := decodeLine(record)
		return line, err == nil, err
	}

	cache := tx.Namespace(records.NamespaceCache)
	for candidate, err := range cache.Scan(ctx, records.EntityInventoryItem, filter) {
		if err != nil {
			return stockLine{}, false, err
		}
		linked, err := records.LinkedLocal(ctx, tx, candidate)
		if err != nil {
			return stockLine{}, false, err
		}
		if linked.LocalKey != "" {
			continue
		}
		adopted := records.Adopt(candidate)
		adopted.Status = records.StatusActive
		line, err := decodeLine(adopted)
		return line, err == nil, err
	}
	return stockLine{}, false, nil
}

// findItemByKey resolves an item by the key a listing handed out, which may belong
// to either namespace.
func findItemByKey(ctx context.Context, tx records.Store, key string) (stockLine, bool, error) {
	record, found, err := records.ResolveForWrite(ctx, tx, records.EntityInventoryItem, key)
	if err != nil || !found || record.Deleted() {
		return stockLine{}, false, err
	}
	if record.LocalKey == "" {
		record.Status = records.StatusActive
	}
	line, err := decodeLine(record)
	return line, err == nil, err
}

func decodeLine(record records.Record) (stockLine, error) {
	if record.EntityType != records.EntityInventoryItem {
		return stockLine{}, errNotInventory
	}
	item, err := records.Decode[records.InventoryItem](record)
	if err != nil {
		return stockLine{}, err
	}
	return stockLine{record: record, item: item}, nil
}

// save writes the line back as a dirty local record.
func (l stockLine) save(ctx context.Context, tx records.Store, now time.Time) (stockLine, error) {
	record := l.record
	if err := records.Encode(&record, l.item); err != nil {
		return stockLine{}, err
	}
	record.Synced = false
	record.UpdatedAt = now
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	stored, err := tx.Put(ctx, record)
	if err != nil {
		return stockLine{}, err
	}
	return stockLine{record: stored, item: l.item}, nil
}

func (l stockLine) withQuantity(quantity decimal.Decimal) stockLine {
	l.item.Quantity = quantity
	return l
}
