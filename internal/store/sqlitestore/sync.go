package sqlitestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"go.uber.org/zap"
)

// EnableSync starts live replication with the configured remote. Calling it
// while replication runs is a no-op.
func (e *Engine) EnableSync(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return store.NewOperationError(opEnableSync, "closed", store.ErrClosed)
	}
	if e.syncCancel != nil {
		return nil
	}
	if e.cfg.SyncTarget == nil {
		return store.NewOperationError(opEnableSync, "missing_remote", fmt.Errorf("%w: no sync target configured", documents.ErrValidation))
	}
	target, ok := e.cfg.SyncTarget()
	if !ok {
		return store.NewOperationError(opEnableSync, "missing_remote", fmt.Errorf("%w: no sync target configured", documents.ErrValidation))
	}

	client, err := replication.NewClient(replication.ClientConfig{
		Target:     target,
		HTTPClient: e.cfg.HTTPClient,
		Logger:     e.logger,
	})
	if err != nil {
		return store.NewOperationError(opEnableSync, "client_failed", err)
	}
	replicator, err := replication.NewReplicator(replication.Config{
		ID:          target.ReplicationID(),
		Local:       e,
		Remote:      client,
		BatchSize:   e.cfg.ReplicationBatchSize,
		PollTimeout: e.cfg.PollTimeout,
		Backoff:     e.cfg.Backoff,
		Events:      e.onSyncEvent,
		Logger:      e.logger,
		Metrics:     e.metrics,
		Clock:       e.clock,
	})
	if err != nil {
		return store.NewOperationError(opEnableSync, "replicator_failed", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.replicator, e.syncCancel, e.syncDone = replicator, cancel, done
	e.syncError = false
	e.logger.Info("remote sync enabled", zap.String("remote", target.Redacted()))

	go func() {
		defer close(done)
		err := replicator.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("replication stopped", zap.String("remote", target.Redacted()), zap.Error(err))
		}
		e.mu.Lock()
		if e.replicator == replicator {
			e.replicator, e.syncCancel, e.syncDone = nil, nil, nil
		}
		e.mu.Unlock()
		cancel()
	}()
	return nil
}

// DisableSync cancels replication and waits for it to stop.
func (e *Engine) DisableSync() {
	e.mu.Lock()
	cancel, done := e.syncCancel, e.syncDone
	e.replicator, e.syncCancel, e.syncDone = nil, nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.metrics.SetSyncActive(false)
	e.logger.Info("remote sync disabled", zap.String("database", e.cfg.Name))
}

// SyncStatus reports the replication flags.
func (e *Engine) SyncStatus() store.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return store.SyncStatus{
		Enabled: e.syncCancel != nil,
		Active:  e.replicator != nil && e.replicator.Active(),
		Error:   e.syncError,
	}
}

func (e *Engine) onSyncEvent(event store.SyncEvent) {
	e.mu.Lock()
	if event.Kind == store.SyncError && event.Class == store.ErrorClassAuth {
		e.syncError = true
	}
	events := e.syncEvents
	e.mu.Unlock()
	if events != nil {
		events.Publish(event)
	}
}
