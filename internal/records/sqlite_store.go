package records

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStorePut        = "records.put"
	opStoreGet        = "records.get"
	opStoreScan       = "records.scan"
	opStoreCount      = "records.count"
	opStoreSoftDelete = "records.soft_delete"
	opStoreTx         = "records.tx"
	opStoreReadTx     = "records.read_tx"
	opStoreMigrate    = "records.migrate"

	columnLocalKey   = "local_key"
	defaultPageSize  = 200
	queryLocalKey    = columnLocalKey + " = ?"
	queryAfterKey    = columnLocalKey + " > ?"
	orderLocalKeyAsc = columnLocalKey + " ASC"
)

var errMissingDatabase = errors.New("database handle is required")

// recordRow is the physical layout shared by every record table.
type recordRow struct {
	LocalKey       string `gorm:"column:local_key;primaryKey;size:64;not null"`
	RemoteID       string `gorm:"column:remote_id;size:190;not null;default:''"`
	HumanID        string `gorm:"column:human_id;size:32;not null;default:''"`
	OriginKey      string `gorm:"column:origin_key;size:64;not null;default:''"`
	Status         string `gorm:"column:status;size:16;not null"`
	Synced         bool   `gorm:"column:synced;not null;default:false"`
	LocationID     string `gorm:"column:location_id;size:190;not null;default:''"`
	ItemKey        string `gorm:"column:item_key;size:190;not null;default:''"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
}

func (row recordRow) toRecord(entityType EntityType) Record {
	return Record{
		LocalKey:   row.LocalKey,
		EntityType: entityType,
		RemoteID:   row.RemoteID,
		HumanID:    row.HumanID,
		OriginKey:  row.OriginKey,
		Status:     Status(row.Status),
		Synced:     row.Synced,
		CreatedAt:  time.Unix(0, row.CreatedAtNanos).UTC(),
		UpdatedAt:  time.Unix(0, row.UpdatedAtNanos).UTC(),
		Payload:    []byte(row.PayloadJSON),
	}
}

// SQLiteConfig describes the dependencies of a gorm-backed record store.
type SQLiteConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Logger    *zap.Logger
	PageSize  int
	Namespace Namespace
}

type sqliteStore struct {
	db        *gorm.DB
	namespace Namespace
	clock     func() time.Time
	logger    *zap.Logger
	pageSize  int
	writeLock *sync.Mutex
	inTx      bool
}

// NewSQLiteStore returns a Store over the record tables created by Migrate.
// Stores derived through Namespace share one writer lock.
func NewSQLiteStore(cfg SQLiteConfig) (Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError("records.new", "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = NamespaceLocal
	}
	return &sqliteStore{
		db:        cfg.Database,
		namespace: namespace,
		clock:     clock,
		logger:    logger,
		pageSize:  pageSize,
		writeLock: &sync.Mutex{},
	}, nil
}

// Migrate creates every record table of both namespaces with its indexes, plus
// the audit trail.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&auditRow{}); err != nil {
		return newStoreError(opStoreMigrate, "auto_migrate_failed", err)
	}
	for _, ns := range []Namespace{NamespaceLocal, NamespaceCache} {
		for _, entityType := range AllEntityTypes {
			table, err := TableName(ns, entityType)
			if err != nil {
				return err
			}
			if err := db.Table(table).AutoMigrate(&recordRow{}); err != nil {
				return newStoreError(opStoreMigrate, "auto_migrate_failed", err)
			}
			for _, column := range []string{"remote_id", "human_id", "origin_key", "synced", "location_id, item_key"} {
				indexName := fmt.Sprintf("idx_%s_%s", table, strings.NewReplacer(", ", "_").Replace(column))
				statement := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", indexName, table, column)
				if err := db.Exec(statement).Error; err != nil {
					return newStoreError(opStoreMigrate, "index_failed", err)
				}
			}
		}
	}
	return nil
}

func (s *sqliteStore) Namespace(ns Namespace) Store {
	sibling := *s
	sibling.namespace = ns
	return &sibling
}

func (s *sqliteStore) Put(ctx context.Context, record Record) (Record, error) {
	table, err := TableName(s.namespace, record.EntityType)
	if err != nil {
		return Record{}, err
	}
	index, err := decodeIndex(record.EntityType, record.Payload)
	if err != nil {
		return Record{}, err
	}

	if record.LocalKey == "" {
		key, keyErr := uuid.NewV7()
		if keyErr != nil {
			return Record{}, newStoreError(opStorePut, "key_generation_failed", keyErr)
		}
		record.LocalKey = key.String()
	}
	if record.Status == "" {
		record.Status = StatusActive
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.clock()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()

	row := recordRow{
		LocalKey:       record.LocalKey,
		RemoteID:       record.RemoteID,
		HumanID:        record.HumanID,
		OriginKey:      record.OriginKey,
		Status:         string(record.Status),
		Synced:         record.Synced,
		LocationID:     index.LocationID,
		ItemKey:        index.ItemKey,
		CreatedAtNanos: record.CreatedAt.UnixNano(),
		UpdatedAtNanos: record.UpdatedAt.UnixNano(),
		PayloadJSON:    string(record.Payload),
	}

	unlock := s.lockWrites()
	defer unlock()
	if err := s.db.WithContext(ctx).Table(table).Save(&row).Error; err != nil {
		s.logError(opStorePut, "save_failed", err, record.EntityType, record.LocalKey)
		return Record{}, newStoreError(opStorePut, "save_failed", err)
	}
	return row.toRecord(record.EntityType), nil
}

func (s *sqliteStore) Get(ctx context.Context, entityType EntityType, localKey string) (Record, bool, error) {
	table, err := TableName(s.namespace, entityType)
	if err != nil {
		return Record{}, false, err
	}
	var row recordRow
	result := s.db.WithContext(ctx).Table(table).Where(queryLocalKey, localKey).Limit(1).Find(&row)
	if result.Error != nil {
		s.logError(opStoreGet, "select_failed", result.Error, entityType, localKey)
		return Record{}, false, newStoreError(opStoreGet, "select_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Record{}, false, nil
	}
	return row.toRecord(entityType), true, nil
}

func (s *sqliteStore) Scan(ctx context.Context, entityType EntityType, filter Filter) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		table, err := TableName(s.namespace, entityType)
		if err != nil {
			yield(Record{}, err)
			return
		}
		afterKey := ""
		for {
			var rows []recordRow
			query := applyFilter(s.db.WithContext(ctx).Table(table), filter).
				Where(queryAfterKey, afterKey).
				Order(orderLocalKeyAsc).
				Limit(s.pageSize)
			if err := query.Find(&rows).Error; err != nil {
				s.logError(opStoreScan, "query_failed", err, entityType, afterKey)
				yield(Record{}, newStoreError(opStoreScan, "query_failed", err))
				return
			}
			for _, row := range rows {
				if !yield(row.toRecord(entityType), nil) {
					return
				}
			}
			if len(rows) < s.pageSize {
				return
			}
			afterKey = rows[len(rows)-1].LocalKey
		}
	}
}

func (s *sqliteStore) Count(ctx context.Context, entityType EntityType, filter Filter) (int64, error) {
	table, err := TableName(s.namespace, entityType)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := applyFilter(s.db.WithContext(ctx).Table(table), filter).Count(&total).Error; err != nil {
		s.logError(opStoreCount, "query_failed", err, entityType, "")
		return 0, newStoreError(opStoreCount, "query_failed", err)
	}
	return total, nil
}

func (s *sqliteStore) SoftDelete(ctx context.Context, entityType EntityType, localKey string) (Record, error) {
	var deleted Record
	err := s.WithTx(ctx, func(tx Store) error {
		record, found, err := tx.Get(ctx, entityType, localKey)
		if err != nil {
			return err
		}
		if !found {
			return &NotFoundError{EntityType: entityType, Key: localKey}
		}
		record.Status = StatusDeleted
		record.Synced = false
		record.UpdatedAt = s.clock()
		deleted, err = tx.Put(ctx, record)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return deleted, nil
}

func (s *sqliteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		scoped := *s
		scoped.db = transaction
		scoped.inTx = true
		fnErr = fn(&scoped)
		return fnErr
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	s.logError(opStoreTx, "commit_failed", err, "", "")
	return newStoreError(opStoreTx, "commit_failed", err)
}

func (s *sqliteStore) ReadTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		scoped := *s
		scoped.db = transaction
		scoped.inTx = true
		fnErr = fn(&scoped)
		return fnErr
	})
	if err == nil {
		return nil
	}
	if fnErr != nil {
		return fnErr
	}
	s.logError(opStoreReadTx, "commit_failed", err, "", "")
	return newStoreError(opStoreReadTx, "commit_failed", err)
}

func (s *sqliteStore) lockWrites() func() {
	if s.inTx {
		return func() {}
	}
	s.writeLock.Lock()
	return s.writeLock.Unlock
}

func applyFilter(query *gorm.DB, filter Filter) *gorm.DB {
	if !filter.IncludeDeleted {
		query = query.Where("status <> ?", string(StatusDeleted))
	}
	if filter.LocationID != "" {
		query = query.Where("location_id = ?", filter.LocationID)
	}
	if filter.ItemName != "" {
		query = query.Where("item_key = ?", ItemKey(filter.ItemName))
	}
	if filter.HumanID != "" {
		query = query.Where("human_id = ?", filter.HumanID)
	}
	if filter.HumanIDYear > 0 {
		query = query.Where("human_id LIKE ?", fmt.Sprintf("%%/%d", filter.HumanIDYear))
	}
	if filter.RemoteID != "" {
		query = query.Where("remote_id = ?", filter.RemoteID)
	}
	if filter.OriginKey != "" {
		query = query.Where("origin_key = ?", filter.OriginKey)
	}
	if filter.Synced != nil {
		query = query.Where("synced = ?", *filter.Synced)
	}
	return query
}

func (s *sqliteStore) logError(operation, reason string, err error, entityType EntityType, localKey string) {
	s.logger.Error("record store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("namespace", string(s.namespace)),
		zap.String("entity_type", entityType.String()),
		zap.String("local_key", localKey),
		zap.Error(err),
	)
}
