// Package cloudstore implements the cloud-hosted engine: every operation is a
// call to the remote document API. There is no local copy; while the network
// is disabled operations fail fast with store.ErrOffline.
package cloudstore

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/cenkalti/backoff/v4"
	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	opOpen   = "cloudstore.open"
	opGet    = "cloudstore.get"
	opPut    = "cloudstore.put"
	opUpdate = "cloudstore.update"
	opDelete = "cloudstore.delete"
	opFind   = "cloudstore.find"
	opBulk   = "cloudstore.bulk_write"
	opExport = "cloudstore.export_all"
	opImport = "cloudstore.import_all"
	opClear  = "cloudstore.delete_all"

	defaultCacheSizeMB = 8
	defaultCacheTTL    = 30 * time.Second
	defaultPollTimeout = 25 * time.Second
	defaultBuffer      = 256
	updateAttempts     = 3
	// RemoteHosted describes the storage usage of this engine.
	RemoteHosted = "remote-hosted"
)

var errMissingTarget = errors.New("cloudstore: remote target required")

// Config describes a cloud engine.
type Config struct {
	Target      replication.Target
	HTTPClient  *http.Client
	CacheSizeMB int
	CacheTTL    time.Duration
	PollTimeout time.Duration
	Backoff     func() backoff.BackOff
	BufferSize  int
	Logger      *zap.Logger
	Metrics     metrics.Provider
	Clock       func() time.Time
}

// Engine is the cloud-hosted store.
type Engine struct {
	cfg     Config
	client  *replication.Client
	tokens  *replication.SessionTokens
	cache   *freecache.Cache
	ttl     int
	logger  *zap.Logger
	metrics metrics.Provider
	clock   func() time.Time

	inFlight   atomic.Int64
	changes    *pubsub.Dispatcher[store.Change]
	syncEvents *pubsub.Dispatcher[store.SyncEvent]

	mu          sync.Mutex
	open        bool
	online      bool
	syncError   bool
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

var _ store.Store = (*Engine)(nil)

// New validates cfg and builds a closed engine. With credentials on the
// target requests carry bearer tokens exchanged at the token endpoint.
func New(cfg Config) (*Engine, error) {
	if cfg.Target.Endpoint == "" || cfg.Target.Database == "" {
		return nil, errMissingTarget
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
	if cfg.CacheSizeMB <= 0 {
		cfg.CacheSizeMB = defaultCacheSizeMB
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = replication.DefaultBackoff
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBuffer
	}

	clientCfg := replication.ClientConfig{
		Target:          cfg.Target,
		HTTPClient:      cfg.HTTPClient,
		Logger:          logger,
		ExplicitNullRef: true,
	}
	var tokens *replication.SessionTokens
	if cfg.Target.Username != "" && cfg.Target.Password != "" {
		issuer, err := replication.NewClient(clientCfg)
		if err != nil {
			return nil, store.NewOperationError(opOpen, "client_failed", err)
		}
		tokens = replication.NewSessionTokens(issuer, clock)
		clientCfg.Tokens = tokens
	}
	client, err := replication.NewClient(clientCfg)
	if err != nil {
		return nil, store.NewOperationError(opOpen, "client_failed", err)
	}

	ttl := int(cfg.CacheTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return &Engine{
		cfg:        cfg,
		client:     client,
		tokens:     tokens,
		cache:      freecache.NewCache(cfg.CacheSizeMB * 1024 * 1024),
		ttl:        ttl,
		logger:     logger,
		metrics:    provider,
		clock:      clock,
		changes:    pubsub.NewDispatcher[store.Change](cfg.BufferSize),
		syncEvents: pubsub.NewDispatcher[store.SyncEvent](cfg.BufferSize),
	}, nil
}

// Open marks the engine usable with the network enabled and starts watching
// the remote change feed.
func (e *Engine) Open(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return store.NewOperationError(opOpen, "already_open", store.ErrAlreadyOpen)
	}
	e.open = true
	e.online = true
	e.startWatcherLocked()
	e.logger.Info("cloud store opened", zap.String("remote", e.cfg.Target.Redacted()))
	return nil
}

// Close stops the watcher and ends every subscription.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.open = false
	e.online = false
	cancel, done := e.stopWatcherLocked()
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	e.changes.Close()
	e.syncEvents.Close()
	e.cache.Clear()
	return nil
}

// EnableSync turns the network on.
func (e *Engine) EnableSync(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return store.NewOperationError(opOpen, "closed", store.ErrClosed)
	}
	if e.online {
		return nil
	}
	e.online = true
	e.syncError = false
	if e.tokens != nil {
		e.tokens.Invalidate()
	}
	e.startWatcherLocked()
	e.logger.Info("cloud network enabled")
	return nil
}

// DisableSync turns the network off; later calls fail with store.ErrOffline.
func (e *Engine) DisableSync() {
	e.mu.Lock()
	e.online = false
	cancel, done := e.stopWatcherLocked()
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
		e.logger.Info("cloud network disabled")
	}
	e.metrics.SetSyncActive(false)
}

// SyncStatus reports Enabled while online and Active while any request is in
// flight.
func (e *Engine) SyncStatus() store.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return store.SyncStatus{Enabled: e.online, Active: e.inFlight.Load() > 0, Error: e.syncError}
}

// Subscribe streams local writes and remote changes seen by the watcher.
func (e *Engine) Subscribe(ctx context.Context) *pubsub.Subscription[store.Change] {
	return e.changes.Subscribe(ctx)
}

// SubscribeSync streams request failures.
func (e *Engine) SubscribeSync(ctx context.Context) *pubsub.Subscription[store.SyncEvent] {
	return e.syncEvents.Subscribe(ctx)
}

// EstimateStorageUsage is unknown for remote storage.
func (e *Engine) EstimateStorageUsage(_ context.Context) (store.Usage, error) {
	return store.Usage{Known: false, Description: RemoteHosted}, nil
}

// call runs one remote request, counting it as in flight and translating
// authentication failures into sync events.
func (e *Engine) call(ctx context.Context, operation string, request func(ctx context.Context) error) error {
	e.mu.Lock()
	open, online := e.open, e.online
	e.mu.Unlock()
	if !open {
		return store.NewOperationError(operation, "closed", store.ErrClosed)
	}
	if !online {
		return store.NewOperationError(operation, "offline", store.ErrOffline)
	}

	if e.inFlight.Add(1) == 1 {
		e.metrics.SetSyncActive(true)
	}
	err := request(ctx)
	if e.inFlight.Add(-1) == 0 {
		e.metrics.SetSyncActive(false)
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e.reportError(err)
	return store.NewOperationError(operation, reasonFor(err), err)
}

func (e *Engine) reportError(err error) {
	class := store.Classify(err)
	if class == store.ErrorClassAuth {
		e.mu.Lock()
		e.syncError = true
		e.mu.Unlock()
		e.logger.Warn("cloud request rejected", zap.Error(err))
	}
	if class == store.ErrorClassAuth || errors.Is(err, store.ErrTransient) {
		e.metrics.IncSyncErrors(string(class))
		e.syncEvents.Publish(store.SyncEvent{
			Kind:   store.SyncError,
			Class:  class,
			Status: replication.StatusOf(err),
			Err:    err,
			At:     e.clock(),
		})
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return "not_found"
	case errors.Is(err, documents.ErrConflict):
		return "conflict"
	case errors.Is(err, documents.ErrValidation):
		return "invalid"
	case errors.Is(err, store.ErrAuthentication):
		return "unauthorized"
	default:
		return "remote_failed"
	}
}

func (e *Engine) cached(id string) (documents.Document, bool) {
	raw, err := e.cache.Get([]byte(id))
	if err != nil {
		e.metrics.IncCacheMisses()
		return documents.Document{}, false
	}
	var doc documents.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		e.cache.Del([]byte(id))
		e.metrics.IncCacheMisses()
		return documents.Document{}, false
	}
	e.metrics.IncCacheHits()
	return doc, true
}

func (e *Engine) remember(doc documents.Document) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := e.cache.Set([]byte(doc.ID), raw, e.ttl); err != nil {
		e.logger.Debug("cache set failed", zap.String("id", doc.ID), zap.Error(err))
	}
}

func (e *Engine) forget(id string) {
	e.cache.Del([]byte(id))
}

func (e *Engine) publish(doc documents.Document, origin store.Origin) {
	e.changes.Publish(store.ChangeFor(doc, origin, 0))
}
