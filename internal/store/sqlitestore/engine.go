// Package sqlitestore implements the local-first document engine on SQLite.
// Writes land locally first; replication with a remote server runs in the
// background while sync is enabled.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/cenkalti/backoff/v4"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opOpen        = "sqlitestore.open"
	opClose       = "sqlitestore.close"
	opGet         = "sqlitestore.get"
	opPut         = "sqlitestore.put"
	opUpdate      = "sqlitestore.update"
	opDelete      = "sqlitestore.delete"
	opFind        = "sqlitestore.find"
	opBulkWrite   = "sqlitestore.bulk_write"
	opApply       = "sqlitestore.apply_replicated"
	opChanges     = "sqlitestore.changes"
	opCheckpoint  = "sqlitestore.checkpoint"
	opExport      = "sqlitestore.export_all"
	opDeleteAll   = "sqlitestore.delete_all"
	opUsage       = "sqlitestore.estimate_usage"
	opEnableSync  = "sqlitestore.enable_sync"
	defaultBuffer = 256
)

var (
	errMissingPath = errors.New("database path is required")
	noOpLogger     = zap.NewNop()

	openPaths = struct {
		sync.Mutex
		paths map[string]struct{}
	}{paths: make(map[string]struct{})}
)

// Opener opens and migrates the SQLite file at path.
type Opener func(path string, logger *zap.Logger) (*gorm.DB, error)

// Config describes an engine.
type Config struct {
	Path    string
	Name    string
	Open    Opener
	Logger  *zap.Logger
	Metrics metrics.Provider
	Clock   func() time.Time
	// SyncTarget resolves the remote to replicate with; false disables sync.
	SyncTarget           func() (replication.Target, bool)
	HTTPClient           *http.Client
	ReplicationBatchSize int
	PollTimeout          time.Duration
	Backoff              func() backoff.BackOff
	BufferSize           int
}

// Engine is the local-first store.
type Engine struct {
	cfg     Config
	path    string
	logger  *zap.Logger
	metrics metrics.Provider
	clock   func() time.Time

	mu         sync.Mutex
	db         *gorm.DB
	changes    *pubsub.Dispatcher[store.Change]
	syncEvents *pubsub.Dispatcher[store.SyncEvent]
	replicator *replication.Replicator
	syncCancel context.CancelFunc
	syncDone   chan struct{}
	syncError  bool
}

var _ store.Store = (*Engine)(nil)

// New validates cfg and returns a closed engine. Subscriptions taken before
// Open are already closed.
func New(cfg Config) (*Engine, error) {
	if cfg.Path == "" {
		return nil, store.NewOperationError(opOpen, "missing_path", errMissingPath)
	}
	path := cfg.Path
	if absolute, err := filepath.Abs(path); err == nil {
		path = absolute
	}
	if cfg.Open == nil {
		cfg.Open = OpenSQLite
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	provider := cfg.Metrics
	if provider == nil {
		provider = metrics.NewProvider(false)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:     cfg,
		path:    path,
		logger:  logger,
		metrics: provider,
		clock:   clock,
	}, nil
}

// OpenSQLite is the default Opener: a single-connection gorm handle with the
// engine schema migrated.
func OpenSQLite(path string, _ *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	return db, nil
}

// Open opens the database file. Only one engine per file may be open in a
// process at a time.
func (e *Engine) Open(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		return nil
	}

	openPaths.Lock()
	if _, taken := openPaths.paths[e.path]; taken {
		openPaths.Unlock()
		return store.NewOperationError(opOpen, "already_open", fmt.Errorf("%w: %s", store.ErrAlreadyOpen, e.path))
	}
	openPaths.paths[e.path] = struct{}{}
	openPaths.Unlock()

	db, err := e.cfg.Open(e.path, e.logger)
	if err != nil {
		releasePath(e.path)
		e.logError(opOpen, "open_failed", err)
		return store.NewOperationError(opOpen, "open_failed", err)
	}
	e.db = db
	e.changes = pubsub.NewDispatcher[store.Change](e.cfg.BufferSize)
	e.syncEvents = pubsub.NewDispatcher[store.SyncEvent](e.cfg.BufferSize)
	e.logger.Info("document store opened", zap.String("database", e.cfg.Name), zap.String("path", e.path))
	return nil
}

// Close stops replication, releases every subscription and closes the file.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.db == nil {
		e.mu.Unlock()
		return nil
	}
	db := e.db
	cancel, done := e.syncCancel, e.syncDone
	changes, syncEvents := e.changes, e.syncEvents
	e.db = nil
	e.replicator, e.syncCancel, e.syncDone = nil, nil, nil
	e.changes, e.syncEvents = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	changes.Close()
	syncEvents.Close()
	releasePath(e.path)

	sqlDB, err := db.DB()
	if err != nil {
		return store.NewOperationError(opClose, "handle_failed", err)
	}
	if err := sqlDB.Close(); err != nil {
		return store.NewOperationError(opClose, "close_failed", err)
	}
	e.logger.Info("document store closed", zap.String("database", e.cfg.Name))
	return nil
}

// Subscribe streams committed changes.
func (e *Engine) Subscribe(ctx context.Context) *pubsub.Subscription[store.Change] {
	e.mu.Lock()
	changes := e.changes
	e.mu.Unlock()
	if changes == nil {
		changes = closedDispatcher[store.Change]()
	}
	return changes.Subscribe(ctx)
}

// SubscribeSync streams replication lifecycle events.
func (e *Engine) SubscribeSync(ctx context.Context) *pubsub.Subscription[store.SyncEvent] {
	e.mu.Lock()
	events := e.syncEvents
	e.mu.Unlock()
	if events == nil {
		events = closedDispatcher[store.SyncEvent]()
	}
	return events.Subscribe(ctx)
}

func closedDispatcher[T any]() *pubsub.Dispatcher[T] {
	dispatcher := pubsub.NewDispatcher[T](1)
	dispatcher.Close()
	return dispatcher
}

func releasePath(path string) {
	openPaths.Lock()
	delete(openPaths.paths, path)
	openPaths.Unlock()
}

func (e *Engine) handle(ctx context.Context) (*gorm.DB, error) {
	e.mu.Lock()
	db := e.db
	e.mu.Unlock()
	if db == nil {
		return nil, store.ErrClosed
	}
	return db.WithContext(ctx), nil
}

func (e *Engine) publish(changes ...store.Change) {
	e.mu.Lock()
	dispatcher := e.changes
	replicator := e.replicator
	e.mu.Unlock()
	local := false
	for _, change := range changes {
		if dispatcher != nil {
			dispatcher.Publish(change)
		}
		if change.Origin == store.OriginLocal {
			local = true
		}
	}
	if local && replicator != nil {
		replicator.Notify()
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("database", e.cfg.Name),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("document store error", attrs...)
}
