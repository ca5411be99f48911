package hub

import (
	"errors"
	"time"
)

var (
	// ErrHumanIDTaken indicates a push whose human id already belongs to another record.
	ErrHumanIDTaken = errors.New("hub: human id already taken")
	// ErrInvalidRecord indicates a push missing required envelope fields.
	ErrInvalidRecord = errors.New("hub: invalid record")
	// ErrRecordNotFound indicates an unknown remote id.
	ErrRecordNotFound = errors.New("hub: record not found")
)

// StoredRecord models a record accepted by the hub. The payload is kept exactly as
// the device sent it.
type StoredRecord struct {
	RemoteID       string `gorm:"column:remote_id;primaryKey;size:64;not null"`
	EntityType     string `gorm:"column:entity_type;size:32;not null;index:idx_hub_entity_synced,priority:1;index:idx_hub_entity_human,priority:1;index:idx_hub_entity_origin,priority:1"`
	HumanID        string `gorm:"column:human_id;size:32;not null;default:'';index:idx_hub_entity_human,priority:2"`
	OriginKey      string `gorm:"column:origin_key;size:64;not null;default:'';index:idx_hub_entity_origin,priority:2"`
	Status         string `gorm:"column:status;size:16;not null"`
	CreatedAtNanos int64  `gorm:"column:created_at_ns;not null"`
	UpdatedAtNanos int64  `gorm:"column:updated_at_ns;not null"`
	SyncedAtNanos  int64  `gorm:"column:synced_at_ns;not null;index:idx_hub_entity_synced,priority:2"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	LastDevice     string `gorm:"column:last_device;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (StoredRecord) TableName() string {
	return "hub_records"
}

// CreatedAt returns the creation time recorded by the device.
func (r StoredRecord) CreatedAt() time.Time {
	return time.Unix(0, r.CreatedAtNanos).UTC()
}

// UpdatedAt returns the last-writer timestamp recorded by the device.
func (r StoredRecord) UpdatedAt() time.Time {
	return time.Unix(0, r.UpdatedAtNanos).UTC()
}

// SyncedAt returns when the hub last accepted a write for the record.
func (r StoredRecord) SyncedAt() time.Time {
	return time.Unix(0, r.SyncedAtNanos).UTC()
}

// PushRequest is one device write.
type PushRequest struct {
	EntityType string
	RemoteID   string
	// LocalKey is the device identity key; a retried push without remote id is
	// matched on it.
	LocalKey  string
	HumanID   string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Payload   string
	DeviceID  string
}
