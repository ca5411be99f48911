package syncengine

import (
	"context"
	"slices"
	"strings"

	"github.com/sigerd/fieldsync/internal/humanid"
	"github.com/sigerd/fieldsync/internal/records"
)

// ViewOptions narrows a merged view.
type ViewOptions struct {
	Filter         records.Filter
	IncludeDeleted bool
}

// MergedView lists the cache and the local records of entityType without ghost
// duplicates. A local record and a cached one are the same entity when their
// remote ids match, else their human ids match, else the cache echoes the local
// key. For such a pair the version with the newer updated_at is returned.
// Records are ordered newest first by human id, then by creation time. Both
// namespaces are read in one read transaction.
func (e *Engine) MergedView(ctx context.Context, entityType records.EntityType, options ViewOptions) ([]records.Record, error) {
	return MergedView(ctx, e.store, entityType, options)
}

// MergedView is the store-level form of Engine.MergedView, usable without a
// remote store configured.
func MergedView(ctx context.Context, store records.Store, entityType records.EntityType, options ViewOptions) ([]records.Record, error) {
	filter := options.Filter
	filter.IncludeDeleted = true
	var cached, local []records.Record
	err := store.ReadTx(ctx, func(tx records.Store) error {
		var err error
		cached, err = records.Collect(tx.Namespace(records.NamespaceCache).Scan(ctx, entityType, filter))
		if err != nil {
			return err
		}
		local, err = records.Collect(tx.Scan(ctx, entityType, filter))
		return err
	})
	if err != nil {
		return nil, err
	}
	merged := mergeRecords(cached, local)
	if !options.IncludeDeleted {
		merged = slices.DeleteFunc(merged, records.Record.Deleted)
	}
	sortNewestFirst(merged)
	return merged, nil
}

func mergeRecords(cached, local []records.Record) []records.Record {
	byRemoteID := make(map[string]int, len(cached))
	byHumanID := make(map[string][]int, len(cached))
	byOriginKey := make(map[string]int, len(cached))
	for index, record := range cached {
		if record.RemoteID != "" {
			byRemoteID[record.RemoteID] = index
		}
		if record.HumanID != "" {
			byHumanID[record.HumanID] = append(byHumanID[record.HumanID], index)
		}
		if record.OriginKey != "" {
			byOriginKey[record.OriginKey] = index
		}
	}

	consumed := make([]bool, len(cached))
	winners := make([]records.Record, 0, len(cached)+len(local))
	var unmatched []records.Record
	for _, record := range local {
		match, ok := findCached(record, cached, consumed, byRemoteID, byHumanID, byOriginKey)
		if !ok {
			unmatched = append(unmatched, record)
			continue
		}
		consumed[match] = true
		if cached[match].UpdatedAt.After(record.UpdatedAt) {
			winners = append(winners, cached[match])
			continue
		}
		winners = append(winners, record)
	}

	out := make([]records.Record, 0, len(cached)+len(unmatched))
	for index, record := range cached {
		if !consumed[index] {
			out = append(out, record)
		}
	}
	out = append(out, winners...)
	return append(out, unmatched...)
}

func findCached(record records.Record, cached []records.Record, consumed []bool, byRemoteID map[string]int, byHumanID map[string][]int, byOriginKey map[string]int) (int, bool) {
	if record.RemoteID != "" {
		if index, ok := byRemoteID[record.RemoteID]; ok && !consumed[index] {
			return index, true
		}
	}
	if record.HumanID != "" {
		for _, index := range byHumanID[record.HumanID] {
			if consumed[index] {
				continue
			}
			if sameEntityByHumanID(record, cachedRemote(cached[index])) {
				return index, true
			}
		}
	}
	for _, key := range []string{record.LocalKey, record.OriginKey} {
		if key == "" {
			continue
		}
		if index, ok := byOriginKey[key]; ok && !consumed[index] {
			return index, true
		}
	}
	return 0, false
}

func sortNewestFirst(list []records.Record) {
	type sortKey struct {
		id     humanid.HumanID
		parsed bool
	}
	keys := make(map[string]sortKey, len(list))
	for _, record := range list {
		id, err := humanid.Parse(record.HumanID)
		keys[record.LocalKey] = sortKey{id: id, parsed: err == nil}
	}
	slices.SortStableFunc(list, func(a, b records.Record) int {
		left, right := keys[a.LocalKey], keys[b.LocalKey]
		switch {
		case left.parsed && right.parsed:
			if order := humanid.Compare(left.id, right.id); order != 0 {
				return order
			}
		case left.parsed:
			return -1
		case right.parsed:
			return 1
		}
		if order := b.CreatedAt.Compare(a.CreatedAt); order != 0 {
			return order
		}
		return strings.Compare(a.LocalKey, b.LocalKey)
	})
}
