package core

import (
	"context"

	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/syncengine"
)

func (s *Service) PushPending(ctx context.Context, entityType records.EntityType) (syncengine.PushReport, error) {
	return s.sync.PushPending(ctx, entityType)
}

func (s *Service) PullRemote(ctx context.Context, entityType records.EntityType) (syncengine.PullReport, error) {
	return s.sync.PullRemote(ctx, entityType)
}

func (s *Service) SyncAll(ctx context.Context) (syncengine.CycleReport, error) {
	return s.sync.SyncAll(ctx)
}

func (s *Service) SyncProgress(ctx context.Context) (syncengine.Progress, error) {
	return s.sync.SyncProgress(ctx)
}

// ConnectivityRestored triggers an immediate cycle in a running RunSync loop.
func (s *Service) ConnectivityRestored() {
	s.sync.ConnectivityRestored()
}

// RunSync keeps the device in sync until ctx ends.
func (s *Service) RunSync(ctx context.Context) error {
	return s.sync.Run(ctx)
}
