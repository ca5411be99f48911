package records

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CentralLocation is the municipal stock used when a donation has no destination.
const CentralLocation = "CENTRAL"

// DistributionKind separates handouts from stock moved between locations.
type DistributionKind string

const (
	KindDistribution DistributionKind = "distribution"
	KindTransfer     DistributionKind = "transfer"
)

// OccupantState tracks whether an occupant is still housed.
type OccupantState string

const (
	OccupantPresent OccupantState = "present"
	OccupantExited  OccupantState = "exited"
)

// Shelter describes a temporary housing site.
type Shelter struct {
	Name             string `json:"name"`
	Address          string `json:"address"`
	Capacity         int    `json:"capacity"`
	CurrentOccupancy int    `json:"current_occupancy"`
	ContactName      string `json:"contact_name,omitempty"`
	ContactPhone     string `json:"contact_phone,omitempty"`
}

func (Shelter) EntityType() EntityType { return EntityShelter }

func (Shelter) Index() Index { return Index{} }

func (s Shelter) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: shelter name is required", ErrInvalidPayload)
	}
	if s.Capacity < 0 || s.CurrentOccupancy < 0 {
		return fmt.Errorf("%w: shelter counts must not be negative", ErrInvalidPayload)
	}
	return nil
}

// Occupant is a person housed at a shelter.
type Occupant struct {
	FullName     string        `json:"full_name"`
	ShelterID    string        `json:"shelter_id"`
	FamilyGroup  string        `json:"family_group,omitempty"`
	IsFamilyHead bool          `json:"is_family_head"`
	State        OccupantState `json:"state"`
	EntryDate    time.Time     `json:"entry_date"`
	ExitDate     *time.Time    `json:"exit_date,omitempty"`
}

func (Occupant) EntityType() EntityType { return EntityOccupant }

func (o Occupant) Index() Index { return Index{LocationID: o.ShelterID} }

func (o Occupant) Validate() error {
	if strings.TrimSpace(o.FullName) == "" {
		return fmt.Errorf("%w: occupant name is required", ErrInvalidPayload)
	}
	return nil
}

// Donation is a credit into a location's stock.
type Donation struct {
	ItemDescription string          `json:"item_description"`
	Category        string          `json:"category,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	Unit            string          `json:"unit"`
	Donor           string          `json:"donor,omitempty"`
	DestinationID   string          `json:"destination_id"`
}

func (Donation) EntityType() EntityType { return EntityDonation }

func (d Donation) Index() Index {
	return Index{LocationID: d.DestinationID, ItemKey: ItemKey(d.ItemDescription)}
}

// Validate only guards the ledger invariant. Incomplete donations pulled from
// elsewhere are kept so reconciliation can count them.
func (d Donation) Validate() error {
	if d.Quantity.IsNegative() {
		return fmt.Errorf("%w: donation quantity must not be negative", ErrInvalidPayload)
	}
	return nil
}

// Complete reports whether the donation carries every field reconciliation needs.
func (d Donation) Complete() bool {
	return strings.TrimSpace(d.ItemDescription) != "" && d.Quantity.IsPositive()
}

// Distribution is a debit from a location, either a handout or a transfer.
type Distribution struct {
	ItemName      string           `json:"item_name"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Unit          string           `json:"unit,omitempty"`
	Recipient     string           `json:"recipient,omitempty"`
	SourceID      string           `json:"source_id"`
	DestinationID string           `json:"destination_id,omitempty"`
	InventoryKey  string           `json:"inventory_key,omitempty"`
	Kind          DistributionKind `json:"kind"`
}

func (Distribution) EntityType() EntityType { return EntityDistribution }

func (d Distribution) Index() Index {
	return Index{LocationID: d.SourceID, ItemKey: ItemKey(d.ItemName)}
}

func (d Distribution) Validate() error {
	if d.Quantity.IsNegative() {
		return fmt.Errorf("%w: distribution quantity must not be negative", ErrInvalidPayload)
	}
	switch d.Kind {
	case KindDistribution, KindTransfer, "":
		return nil
	default:
		return fmt.Errorf("%w: unknown distribution kind %q", ErrInvalidPayload, d.Kind)
	}
}

// Complete reports whether the distribution carries every field reconciliation needs.
func (d Distribution) Complete() bool {
	return strings.TrimSpace(d.ItemName) != "" && d.Quantity.IsPositive()
}

// InventoryItem is the on-hand stock of one item at one location.
type InventoryItem struct {
	ItemName    string          `json:"item_name"`
	Category    string          `json:"category,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit,omitempty"`
	LocationID  string          `json:"location_id"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
}

func (InventoryItem) EntityType() EntityType { return EntityInventoryItem }

func (i InventoryItem) Index() Index {
	return Index{LocationID: i.LocationID, ItemKey: ItemKey(i.ItemName)}
}

func (i InventoryItem) Validate() error {
	if strings.TrimSpace(i.ItemName) == "" {
		return fmt.Errorf("%w: item name is required", ErrInvalidPayload)
	}
	if i.Quantity.IsNegative() {
		return fmt.Errorf("%w: item quantity must not be negative", ErrInvalidPayload)
	}
	return nil
}

// Inspection is a structural inspection ("vistoria") filed by an agent.
type Inspection struct {
	Process      string    `json:"process,omitempty"`
	Agent        string    `json:"agent"`
	Registration string    `json:"registration,omitempty"`
	Requester    string    `json:"requester,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Address      string    `json:"address"`
	Coordinates  string    `json:"coordinates,omitempty"`
	InfoType     string    `json:"info_type,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	InspectedAt  time.Time `json:"inspected_at"`
}

func (Inspection) EntityType() EntityType { return EntityInspection }

func (Inspection) Index() Index { return Index{} }

func (i Inspection) Validate() error {
	if strings.TrimSpace(i.Address) == "" {
		return fmt.Errorf("%w: inspection address is required", ErrInvalidPayload)
	}
	return nil
}

// Interdiction is an order restricting access to an area or building.
type Interdiction struct {
	Municipality       string    `json:"municipality"`
	District           string    `json:"district,omitempty"`
	Address            string    `json:"address"`
	TargetType         string    `json:"target_type,omitempty"`
	RiskType           string    `json:"risk_type,omitempty"`
	RiskGrade          string    `json:"risk_grade,omitempty"`
	MeasureType        string    `json:"measure_type,omitempty"`
	MeasureDeadline    string    `json:"measure_deadline,omitempty"`
	EvacuationRequired bool      `json:"evacuation_required"`
	Notes              string    `json:"notes,omitempty"`
	IssuedAt           time.Time `json:"issued_at"`
}

func (Interdiction) EntityType() EntityType { return EntityInterdiction }

func (Interdiction) Index() Index { return Index{} }

func (i Interdiction) Validate() error {
	if strings.TrimSpace(i.Address) == "" {
		return fmt.Errorf("%w: interdiction address is required", ErrInvalidPayload)
	}
	return nil
}
