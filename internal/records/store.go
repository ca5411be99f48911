package records

import (
	"context"
	"iter"
)

// Store is the durable, indexable record table set of one namespace.
type Store interface {
	// Put inserts or fully replaces a record by local key and returns the stored
	// record. A record without a local key is assigned a fresh one. Put never
	// touches the synced flag; callers set it.
	Put(ctx context.Context, record Record) (Record, error)

	// Get returns the record and whether it exists. A miss is not an error.
	Get(ctx context.Context, entityType EntityType, localKey string) (Record, bool, error)

	// Scan lazily yields the records matching filter in local key order. Each call
	// starts a fresh pass.
	Scan(ctx context.Context, entityType EntityType, filter Filter) iter.Seq2[Record, error]

	// Count returns how many records match filter.
	Count(ctx context.Context, entityType EntityType, filter Filter) (int64, error)

	// SoftDelete marks the record deleted and dirty.
	SoftDelete(ctx context.Context, entityType EntityType, localKey string) (Record, error)

	// WithTx runs fn in one transaction holding the device writer lock. Every
	// write made through the supplied store commits or rolls back together.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// ReadTx runs fn in one read transaction. Every read made through the supplied
	// store sees the same committed state. fn must not write.
	ReadTx(ctx context.Context, fn func(tx Store) error) error

	// Namespace returns the sibling store for ns, bound to the same transaction.
	Namespace(ns Namespace) Store

	// AppendAudit appends an entry to the device audit trail, which is shared by
	// every namespace.
	AppendAudit(ctx context.Context, entry AuditEntry) (AuditEntry, error)

	// AuditTrail lists audit entries newest first. Empty entityType or localKey
	// match everything; limit <= 0 means no limit.
	AuditTrail(ctx context.Context, entityType EntityType, localKey string, limit int) ([]AuditEntry, error)
}

// Collect drains a scan into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for record, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// First returns the first record yielded by seq.
func First(seq iter.Seq2[Record, error]) (Record, bool, error) {
	for record, err := range seq {
		if err != nil {
			return Record{}, false, err
		}
		return record, true, nil
	}
	return Record{}, false, nil
}
