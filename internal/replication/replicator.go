// Package replication moves documents between a local engine and the remote
// document server: push local writes, pull remote ones, keep checkpoints and
// retry transient failures with backoff.
package replication

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultBatchSize   = 100
	defaultPollTimeout = 25 * time.Second
	initialRetryDelay  = time.Second
	maxRetryDelay      = 10 * time.Minute
)

var (
	errMissingLocal  = errors.New("local peer is required")
	errMissingRemote = errors.New("remote peer is required")
	errMissingID     = errors.New("replication id is required")
)

// LocalPeer is the engine side of replication.
type LocalPeer interface {
	LocalChanges(ctx context.Context, since int64, limit int) ([]store.Entry, error)
	ApplyReplicated(ctx context.Context, docs []documents.Document, origin store.Origin) ([]documents.Result, error)
	LoadCheckpoint(ctx context.Context, replicationID string) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
}

// RemotePeer is the server side of replication.
type RemotePeer interface {
	Changes(ctx context.Context, since int64, limit int, wait time.Duration) (ChangesPage, error)
	BulkDocs(ctx context.Context, docs []documents.Document, newEdits bool) ([]documents.Result, error)
}

// Config describes a Replicator.
type Config struct {
	ID          string
	Local       LocalPeer
	Remote      RemotePeer
	BatchSize   int
	PollTimeout time.Duration
	Backoff     func() backoff.BackOff
	Events      func(store.SyncEvent)
	Logger      *zap.Logger
	Metrics     metrics.Provider
	Clock       func() time.Time
}

// Replicator runs continuous two-way replication.
type Replicator struct {
	cfg        Config
	logger     *zap.Logger
	metrics    metrics.Provider
	clock      func() time.Time
	wake       chan struct{}
	active     atomic.Bool
	activeSide atomic.Value
}

// NewReplicator validates cfg and applies defaults.
func NewReplicator(cfg Config) (*Replicator, error) {
	if cfg.Local == nil {
		return nil, errMissingLocal
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.ID == "" {
		return nil, errMissingID
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Events == nil {
		cfg.Events = func(store.SyncEvent) {}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := cfg.Metrics
	if provider == nil {
		provider = metrics.NewProvider(false)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Replicator{
		cfg:     cfg,
		logger:  logger.With(zap.String("replication_id", cfg.ID)),
		metrics: provider,
		clock:   clock,
		wake:    make(chan struct{}, 1),
	}, nil
}

// DefaultBackoff retries forever, doubling from one second up to ten minutes.
func DefaultBackoff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryDelay
	policy.MaxInterval = maxRetryDelay
	policy.MaxElapsedTime = 0
	return policy
}

// Notify wakes an idle replicator so local writes are pushed promptly.
func (r *Replicator) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Active reports whether documents are being transferred.
func (r *Replicator) Active() bool {
	return r.active.Load()
}

// Run replicates until ctx ends or the remote rejects the credentials.
func (r *Replicator) Run(ctx context.Context) error {
	checkpoint, err := r.cfg.Local.LoadCheckpoint(ctx, r.cfg.ID)
	if err != nil {
		return err
	}
	policy := r.cfg.Backoff()
	policy.Reset()
	idle := false

	for {
		if ctx.Err() != nil {
			r.deactivate()
			return nil
		}
		pushed, err := r.push(ctx, &checkpoint)
		pulled := 0
		if err == nil {
			pulled, err = r.pull(ctx, &checkpoint, idle && pushed == 0)
		}
		if err != nil {
			if ctx.Err() != nil {
				r.deactivate()
				return nil
			}
			r.deactivate()
			idle = false
			class := store.Classify(err)
			r.metrics.IncSyncErrors(string(class))
			r.emit(store.SyncEvent{Kind: store.SyncError, Err: err, Status: StatusOf(err), Class: class})
			if class == store.ErrorClassAuth {
				r.logger.Warn("replication rejected credentials", zap.Error(err))
				return err
			}
			delay := policy.NextBackOff()
			if delay == backoff.Stop {
				return err
			}
			r.logger.Info("replication retrying", zap.Duration("delay", delay), zap.Error(err))
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		policy.Reset()
		if !idle || pushed > 0 || pulled > 0 {
			r.deactivate()
			r.emit(store.SyncEvent{Kind: store.SyncPaused, Pulled: pulled > 0})
		}
		idle = true
	}
}

func (r *Replicator) push(ctx context.Context, checkpoint *Checkpoint) (int, error) {
	total := 0
	for {
		entries, err := r.cfg.Local.LocalChanges(ctx, checkpoint.PushSeq, r.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}
		r.activate(store.DirectionPush)
		docs := make([]documents.Document, 0, len(entries))
		for _, entry := range entries {
			docs = append(docs, entry.Document)
		}
		results, err := r.cfg.Remote.BulkDocs(ctx, docs, false)
		if err != nil {
			return total, err
		}
		for _, result := range results {
			if result.Err == nil {
				continue
			}
			if errors.Is(result.Err, ErrForbidden) {
				r.emit(store.SyncEvent{Kind: store.SyncDenied, Direction: store.DirectionPush, DocumentID: result.ID, Err: result.Err})
				continue
			}
			r.logger.Warn("remote rejected document", zap.String("id", result.ID), zap.Error(result.Err))
		}
		checkpoint.PushSeq = entries[len(entries)-1].Seq
		if err := r.cfg.Local.SaveCheckpoint(ctx, *checkpoint); err != nil {
			return total, err
		}
		total += len(entries)
		r.metrics.IncReplicationBatches(string(store.DirectionPush))
		r.metrics.AddDocumentsReplicated(string(store.DirectionPush), len(entries))
		if len(entries) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

func (r *Replicator) pull(ctx context.Context, checkpoint *Checkpoint, mayWait bool) (int, error) {
	total := 0
	for {
		wait := time.Duration(0)
		if mayWait && total == 0 {
			wait = r.cfg.PollTimeout
		}
		page, err := r.fetch(ctx, checkpoint.PullSeq, wait)
		if err != nil {
			return total, err
		}
		if len(page.Results) == 0 {
			if page.LastSeq > checkpoint.PullSeq {
				checkpoint.PullSeq = page.LastSeq
				if err := r.cfg.Local.SaveCheckpoint(ctx, *checkpoint); err != nil {
					return total, err
				}
			}
			return total, nil
		}
		r.activate(store.DirectionPull)
		docs := make([]documents.Document, 0, len(page.Results))
		for _, row := range page.Results {
			doc := row.Doc
			if doc.ID == "" {
				doc = documents.Document{ID: row.ID, Rev: row.Rev, Deleted: row.Deleted}
			}
			docs = append(docs, doc)
		}
		results, err := r.cfg.Local.ApplyReplicated(ctx, docs, store.OriginRemote)
		if err != nil {
			return total, err
		}
		for _, result := range results {
			if result.Err != nil {
				r.logger.Warn("pulled document rejected locally", zap.String("id", result.ID), zap.Error(result.Err))
			}
		}
		checkpoint.PullSeq = page.LastSeq
		if err := r.cfg.Local.SaveCheckpoint(ctx, *checkpoint); err != nil {
			return total, err
		}
		total += len(page.Results)
		r.metrics.IncReplicationBatches(string(store.DirectionPull))
		r.metrics.AddDocumentsReplicated(string(store.DirectionPull), len(page.Results))
		if len(page.Results) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// fetch long-polls the remote feed; a local write cancels the wait.
func (r *Replicator) fetch(ctx context.Context, since int64, wait time.Duration) (ChangesPage, error) {
	if wait <= 0 {
		return r.cfg.Remote.Changes(ctx, since, r.cfg.BatchSize, 0)
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.wake:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	page, err := r.cfg.Remote.Changes(waitCtx, since, r.cfg.BatchSize, wait)
	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
		return ChangesPage{LastSeq: since}, nil
	}
	return page, err
}

func (r *Replicator) activate(direction store.Direction) {
	previous, _ := r.activeSide.Load().(store.Direction)
	if r.active.Swap(true) && previous == direction {
		return
	}
	r.activeSide.Store(direction)
	r.metrics.SetSyncActive(true)
	r.emit(store.SyncEvent{Kind: store.SyncActive, Direction: direction})
}

func (r *Replicator) deactivate() {
	if r.active.Swap(false) {
		r.metrics.SetSyncActive(false)
	}
	r.activeSide.Store(store.Direction(""))
}

func (r *Replicator) emit(event store.SyncEvent) {
	event.At = r.clock().UTC()
	r.cfg.Events(event)
}

func sleep(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
