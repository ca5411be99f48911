package ledger

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sigerd/fieldsync/internal/records"
	"go.uber.org/zap"
)

// consistencyEpsilon absorbs rounding in decimal quantities entered by hand.
var consistencyEpsilon = decimal.New(1, -2)

// Report is the reconciliation of one location's ledger against its stock.
type Report struct {
	LocationID         string
	TotalDonated       decimal.Decimal
	TotalTransferredIn decimal.Decimal
	TotalDistributed   decimal.Decimal
	ExpectedStock      decimal.Decimal
	CurrentStock       decimal.Decimal
	Divergence         decimal.Decimal
	IsConsistent       bool
	// Incomplete counts are a data quality signal: movements missing an item name
	// or a positive quantity.
	IncompleteDonations     int
	IncompleteDistributions int
}

// Reconcile compares the stock on hand at a location with what its donations,
// inbound transfers and debits imply.
func (e *Engine) Reconcile(ctx context.Context, locationID string) (Report, error) {
	location := normalizeLocation(locationID)
	report := Report{
		LocationID:         location,
		TotalDonated:       decimal.Zero,
		TotalTransferredIn: decimal.Zero,
		TotalDistributed:   decimal.Zero,
		CurrentStock:       decimal.Zero,
	}

	views, err := e.snapshot(ctx, records.EntityDonation, records.EntityDistribution, records.EntityInventoryItem)
	if err != nil {
		e.logFailure(opReconcile, err, zap.String("location_id", location))
		return Report{}, err
	}
	for _, record := range views[records.EntityDonation] {
		donation, err := records.Decode[records.Donation](record)
		if err != nil {
			report.IncompleteDonations++
			continue
		}
		if normalizeLocation(donation.DestinationID) != location {
			continue
		}
		if !donation.Complete() {
			report.IncompleteDonations++
		}
		report.TotalDonated = report.TotalDonated.Add(donation.Quantity)
	}

	for _, record := range views[records.EntityDistribution] {
		distribution, err := records.Decode[records.Distribution](record)
		if err != nil {
			report.IncompleteDistributions++
			continue
		}
		switch {
		case normalizeLocation(distribution.SourceID) == location:
			if !distribution.Complete() {
				report.IncompleteDistributions++
			}
			report.TotalDistributed = report.TotalDistributed.Add(distribution.Quantity)
		case distribution.Kind == records.KindTransfer && distribution.DestinationID == location:
			report.TotalTransferredIn = report.TotalTransferredIn.Add(distribution.Quantity)
		}
	}

	for _, record := range views[records.EntityInventoryItem] {
		if record.Deleted() {
			continue
		}
		item, err := records.Decode[records.InventoryItem](record)
		if err != nil || normalizeLocation(item.LocationID) != location {
			continue
		}
		report.CurrentStock = report.CurrentStock.Add(item.Quantity)
	}

	report.ExpectedStock = report.TotalDonated.Add(report.TotalTransferredIn).Sub(report.TotalDistributed)
	report.Divergence = report.CurrentStock.Sub(report.ExpectedStock)
	report.IsConsistent = report.Divergence.Abs().LessThan(consistencyEpsilon)
	return report, nil
}

// MovementKind classifies a line of movement history from the location's side.
type MovementKind string

const (
	MovementDonation     MovementKind = "donation"
	MovementDistribution MovementKind = "distribution"
	MovementTransferOut  MovementKind = "transfer_out"
	MovementTransferIn   MovementKind = "transfer_in"
)

// Movement is one credit or debit of an item at a location.
type Movement struct {
	LocalKey     string
	HumanID      string
	Kind         MovementKind
	ItemName     string
	LocationID   string
	Counterparty string
	Quantity     decimal.Decimal
	// Delta is signed: positive for credits, negative for debits.
	Delta     decimal.Decimal
	Unit      string
	CreatedAt time.Time
}

// MovementHistory lists the donations, distributions and transfers touching an
// item, newest first. An empty locationID covers every location.
func (e *Engine) MovementHistory(ctx context.Context, itemName, locationID string) ([]Movement, error) {
	itemKey := records.ItemKey(itemName)
	if itemKey == "" {
		return nil, ErrMissingDescription
	}
	location := strings.TrimSpace(locationID)
	matchesLocation := func(candidate string) bool {
		return location == "" || normalizeLocation(candidate) == location
	}

	views, err := e.snapshot(ctx, records.EntityDonation, records.EntityDistribution)
	if err != nil {
		e.logFailure(opMovementHistory, err, zap.String("location_id", location))
		return nil, err
	}

	var movements []Movement
	for _, record := range views[records.EntityDonation] {
		donation, err := records.Decode[records.Donation](record)
		if err != nil || records.ItemKey(donation.ItemDescription) != itemKey || !matchesLocation(donation.DestinationID) {
			continue
		}
		movements = append(movements, Movement{
			LocalKey:     record.LocalKey,
			HumanID:      record.HumanID,
			Kind:         MovementDonation,
			ItemName:     donation.ItemDescription,
			LocationID:   normalizeLocation(donation.DestinationID),
			Counterparty: donation.Donor,
			Quantity:     donation.Quantity,
			Delta:        donation.Quantity,
			Unit:         donation.Unit,
			CreatedAt:    record.CreatedAt,
		})
	}

	for _, record := range views[records.EntityDistribution] {
		distribution, err := records.Decode[records.Distribution](record)
		if err != nil || records.ItemKey(distribution.ItemName) != itemKey {
			continue
		}
		base := Movement{
			LocalKey:  record.LocalKey,
			HumanID:   record.HumanID,
			ItemName:  distribution.ItemName,
			Quantity:  distribution.Quantity,
			Unit:      distribution.Unit,
			CreatedAt: record.CreatedAt,
		}
		if matchesLocation(distribution.SourceID) {
			out := base
			out.LocationID = normalizeLocation(distribution.SourceID)
			out.Delta = distribution.Quantity.Neg()
			out.Kind = MovementDistribution
			out.Counterparty = distribution.Recipient
			if distribution.Kind == records.KindTransfer {
				out.Kind = MovementTransferOut
				out.Counterparty = distribution.DestinationID
			}
			movements = append(movements, out)
		}
		if distribution.Kind == records.KindTransfer && distribution.DestinationID != "" && matchesLocation(distribution.DestinationID) {
			in := base
			in.LocationID = distribution.DestinationID
			in.Delta = distribution.Quantity
			in.Kind = MovementTransferIn
			in.Counterparty = normalizeLocation(distribution.SourceID)
			movements = append(movements, in)
		}
	}

	slices.SortStableFunc(movements, func(a, b Movement) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return movements, nil
}

// snapshot reads the views of entityTypes in one read transaction, so a report
// sees every movement either entirely or not at all.
func (e *Engine) snapshot(ctx context.Context, entityTypes ...records.EntityType) (map[records.EntityType][]records.Record, error) {
	views := make(map[records.EntityType][]records.Record, len(entityTypes))
	err := e.store.ReadTx(ctx, func(tx records.Store) error {
		for _, entityType := range entityTypes {
			list, err := e.view(ctx, tx, entityType)
			if err != nil {
				return err
			}
			views[entityType] = list
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return views, nil
}
