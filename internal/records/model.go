package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType enumerates the record tables kept on the device.
type EntityType string

const (
	EntityShelter       EntityType = "shelter"
	EntityOccupant      EntityType = "occupant"
	EntityDonation      EntityType = "donation"
	EntityDistribution  EntityType = "distribution"
	EntityInventoryItem EntityType = "inventory_item"
	EntityInspection    EntityType = "inspection"
	EntityInterdiction  EntityType = "interdiction"
)

// AllEntityTypes lists every entity type in sync order.
var AllEntityTypes = []EntityType{
	EntityShelter,
	EntityOccupant,
	EntityDonation,
	EntityInventoryItem,
	EntityDistribution,
	EntityInspection,
	EntityInterdiction,
}

var tableNames = map[EntityType]string{
	EntityShelter:       "shelters",
	EntityOccupant:      "occupants",
	EntityDonation:      "donations",
	EntityDistribution:  "distributions",
	EntityInventoryItem: "inventory_items",
	EntityInspection:    "inspections",
	EntityInterdiction:  "interdictions",
}

// ParseEntityType validates raw input and returns an EntityType.
func ParseEntityType(rawInput string) (EntityType, error) {
	normalized := EntityType(strings.ToLower(strings.TrimSpace(rawInput)))
	normalized = EntityType(strings.ReplaceAll(string(normalized), "-", "_"))
	if _, ok := tableNames[normalized]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, rawInput)
	}
	return normalized, nil
}

// String returns the underlying entity type name.
func (t EntityType) String() string {
	return string(t)
}

// Valid reports whether the entity type is known.
func (t EntityType) Valid() bool {
	_, ok := tableNames[t]
	return ok
}

// Status is the lifecycle state of a record. Records are never physically removed.
type Status string

const (
	StatusActive   Status = "active"
	StatusDeleted  Status = "deleted"
	StatusArchived Status = "archived"
)

// Namespace separates device-owned records from the mirror of the remote store.
type Namespace string

const (
	NamespaceLocal Namespace = "local"
	NamespaceCache Namespace = "cache"
)

// TableName returns the physical table backing an entity type within a namespace.
func TableName(ns Namespace, entityType EntityType) (string, error) {
	base, ok := tableNames[entityType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, entityType)
	}
	switch ns {
	case NamespaceLocal, NamespaceCache:
		return string(ns) + "_" + base, nil
	default:
		return "", fmt.Errorf("records: unknown namespace %q", ns)
	}
}

// Record is the envelope shared by every entity type.
type Record struct {
	LocalKey   string
	EntityType EntityType
	RemoteID   string
	HumanID    string
	// OriginKey is the local key echoed back by the remote store. It is empty for
	// records created on this device.
	OriginKey string
	Status    Status
	Synced    bool
	CreatedAt time.Time
	UpdatedAt time.Time
	Payload   json.RawMessage
}

// Deleted reports whether the record has been soft deleted.
func (r Record) Deleted() bool {
	return r.Status == StatusDeleted
}

// IdentityKey returns the local key the remote store should echo back for this record.
func (r Record) IdentityKey() string {
	if r.OriginKey != "" {
		return r.OriginKey
	}
	return r.LocalKey
}

// Filter narrows Scan and Count over indexed columns. Zero values match everything,
// except deleted records which are skipped unless IncludeDeleted is set.
type Filter struct {
	LocationID     string
	ItemName       string
	HumanID        string
	HumanIDYear    int
	RemoteID       string
	OriginKey      string
	Synced         *bool
	IncludeDeleted bool
}

// PendingFilter selects every record with local changes not yet confirmed by the remote store.
func PendingFilter() Filter {
	pending := false
	return Filter{Synced: &pending, IncludeDeleted: true}
}

// ItemKey normalizes an item name for case-insensitive matching.
func ItemKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Index holds the values extracted from a payload into indexed columns.
type Index struct {
	LocationID string
	ItemKey    string
}

// Payload is implemented by every entity payload.
type Payload interface {
	EntityType() EntityType
	Index() Index
	Validate() error
}

// Encode serializes a payload into the record, setting its entity type.
func Encode(record *Record, payload Payload) error {
	if record == nil {
		return errors.New("records: nil record")
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	record.EntityType = payload.EntityType()
	record.Payload = raw
	return nil
}

// Decode deserializes the record payload into T.
func Decode[T Payload](record Record) (T, error) {
	var payload T
	if len(record.Payload) == 0 {
		return payload, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.EntityType() != record.EntityType {
		return payload, fmt.Errorf("%w: payload is %s, record is %s", ErrInvalidPayload, payload.EntityType(), record.EntityType)
	}
	return payload, nil
}

// New builds an active, unsynced record around the payload.
func New(payload Payload) (Record, error) {
	record := Record{Status: StatusActive}
	if err := Encode(&record, payload); err != nil {
		return Record{}, err
	}
	return record, nil
}

func decodeIndex(entityType EntityType, raw json.RawMessage) (Index, error) {
	payload, err := emptyPayload(entityType)
	if err != nil {
		return Index{}, err
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return Index{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := payload.Validate(); err != nil {
		return Index{}, err
	}
	return payload.Index(), nil
}

func emptyPayload(entityType EntityType) (Payload, error) {
	switch entityType {
	case EntityShelter:
		return &Shelter{}, nil
	case EntityOccupant:
		return &Occupant{}, nil
	case EntityDonation:
		return &Donation{}, nil
	case EntityDistribution:
		return &Distribution{}, nil
	case EntityInventoryItem:
		return &InventoryItem{}, nil
	case EntityInspection:
		return &Inspection{}, nil
	case EntityInterdiction:
		return &Interdiction{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityType, entityType)
	}
}
