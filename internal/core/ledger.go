package core

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sigerd/fieldsync/internal/ledger"
	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/syncengine"
)

func (s *Service) RecordDonation(ctx context.Context, input ledger.DonationInput) (ledger.DonationResult, error) {
	result, err := s.ledger.RecordDonation(ctx, input)
	if err != nil {
		return ledger.DonationResult{}, err
	}
	s.changed(ctx, records.EntityDonation, syncengine.ChangeCreated, result.Donation.LocalKey)
	s.changed(ctx, records.EntityInventoryItem, syncengine.ChangeUpdated, result.Item.LocalKey)
	return result, nil
}

func (s *Service) RecordDistribution(ctx context.Context, input ledger.DistributionInput) (ledger.DistributionResult, error) {
	result, err := s.ledger.RecordDistribution(ctx, input)
	if err != nil {
		return ledger.DistributionResult{}, err
	}
	s.changed(ctx, records.EntityDistribution, syncengine.ChangeCreated, result.Distribution.LocalKey)
	s.changed(ctx, records.EntityInventoryItem, syncengine.ChangeUpdated, result.Item.LocalKey)
	return result, nil
}

func (s *Service) TransferStock(ctx context.Context, input ledger.TransferInput) (ledger.TransferResult, error) {
	result, err := s.ledger.TransferStock(ctx, input)
	if err != nil {
		return ledger.TransferResult{}, err
	}
	s.changed(ctx, records.EntityDistribution, syncengine.ChangeCreated, result.Transfer.LocalKey)
	s.changed(ctx, records.EntityInventoryItem, syncengine.ChangeUpdated, result.Source.LocalKey, result.Destination.LocalKey)
	return result, nil
}

func (s *Service) AdjustItem(ctx context.Context, inventoryKey string, quantity decimal.Decimal, note string) (records.Record, error) {
	record, err := s.ledger.AdjustItem(ctx, inventoryKey, quantity, note)
	if err != nil {
		return records.Record{}, err
	}
	s.changed(ctx, records.EntityInventoryItem, syncengine.ChangeUpdated, record.LocalKey)
	return record, nil
}

func (s *Service) DeleteItem(ctx context.Context, inventoryKey string) (records.Record, error) {
	record, err := s.ledger.DeleteItem(ctx, inventoryKey)
	if err != nil {
		return records.Record{}, err
	}
	s.changed(ctx, records.EntityInventoryItem, syncengine.ChangeDeleted, record.LocalKey)
	return record, nil
}

func (s *Service) ClearInventory(ctx context.Context, locationID string) (int, error) {
	cleared, err := s.ledger.ClearInventory(ctx, locationID)
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		s.changed(ctx, records.EntityInventoryItem, syncengine.ChangeDeleted)
	}
	return cleared, nil
}

func (s *Service) Reconcile(ctx context.Context, locationID string) (ledger.Report, error) {
	return s.ledger.Reconcile(ctx, locationID)
}

func (s *Service) MovementHistory(ctx context.Context, itemName, locationID string) ([]ledger.Movement, error) {
	return s.ledger.MovementHistory(ctx, itemName, locationID)
}

func (s *Service) AuditLog(ctx context.Context, localKey string, limit int) ([]records.AuditEntry, error) {
	return s.ledger.AuditLog(ctx, localKey, limit)
}
