// Package app runs the client side: it opens the store chosen by the user's
// settings and keeps the projected state, the sync controller and the
// connectivity probe running against it.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/changefeed"
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/recurring"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/settings"
	"github.com/MarcoPoloResearchLab/timetracker/internal/state"
	"github.com/MarcoPoloResearchLab/timetracker/internal/stopwatch"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/MarcoPoloResearchLab/timetracker/internal/syncctl"
	"go.uber.org/zap"
)

var (
	errMissingSettings = errors.New("app: settings service required")
	errMissingStores   = errors.New("app: store factory required")
	errNotRunning      = errors.New("app: client is not running")
)

// ClientConfig wires a Client.
type ClientConfig struct {
	Settings      *settings.Service
	Stores        StoreFactory
	Notices       syncctl.NoticeSink
	Window        time.Duration
	ProbeInterval time.Duration
	Mobile        bool
	Location      *time.Location
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Client owns the running session of one database.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu      sync.Mutex
	runCtx  context.Context
	current *session
}

// NewClient validates cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Settings == nil {
		return nil, errMissingSettings
	}
	if cfg.Stores == nil {
		return nil, errMissingStores
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Window <= 0 {
		cfg.Window = changefeed.DefaultWindow
	}
	if cfg.Notices == nil {
		logger := cfg.Logger
		cfg.Notices = syncctl.NoticeFunc(func(notice syncctl.Notice) {
			logger.Warn("sync notice", zap.String("message", notice.Message))
		})
	}
	return &Client{cfg: cfg, logger: cfg.Logger}, nil
}

// Run opens the configured database and blocks until ctx ends, then closes
// it.
func (c *Client) Run(ctx context.Context) error {
	current, err := c.cfg.Settings.Load(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.runCtx != nil {
		c.mu.Unlock()
		return errors.New("app: client already running")
	}
	sess, err := c.start(ctx, current)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.runCtx = ctx
	c.current = sess
	c.mu.Unlock()

	<-ctx.Done()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.runCtx = nil
	if c.current == nil {
		return nil
	}
	err = c.current.stop()
	c.current = nil
	return err
}

// SwitchDatabase stores name as the database to use and, while running,
// closes the current database before opening the new one.
func (c *Client) SwitchDatabase(ctx context.Context, name string) error {
	updated, err := c.cfg.Settings.Update(ctx, func(current *settings.Settings) {
		current.DBName = name
	})
	if err != nil {
		return err
	}
	return c.Restart(ctx, updated)
}

// Restart reopens the session with current, typically after the settings
// changed. It is a no-op while the client is not running.
func (c *Client) Restart(ctx context.Context, current settings.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx == nil {
		return nil
	}
	if c.current != nil {
		if err := c.current.stop(); err != nil {
			c.logger.Warn("closing previous database failed", zap.Error(err))
		}
		c.current = nil
	}
	sess, err := c.start(c.runCtx, current)
	if err != nil {
		return err
	}
	c.current = sess
	c.logger.Info("database switched", zap.String("database", current.DatabaseName()), zap.String("engine", current.Engine()))
	return nil
}

// State returns the projection of the running database.
func (c *Client) State() (*state.AppState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, errNotRunning
	}
	return c.current.state, nil
}

// Controller returns the sync controller of the running database.
func (c *Client) Controller() (*syncctl.Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, errNotRunning
	}
	return c.current.controller, nil
}

// Store returns the running database.
func (c *Client) Store() (store.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, errNotRunning
	}
	return c.current.store, nil
}

type session struct {
	store      store.Store
	state      *state.AppState
	notifier   *changefeed.Notifier
	controller *syncctl.Controller
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *zap.Logger
}

// Repositories builds the domain repositories over st.
func Repositories(st store.Documents, clock func() time.Time, location *time.Location, logger *zap.Logger) (*recurring.Repository, *stopwatch.Repository, error) {
	ids := documents.NewIDGenerator(clock)
	timers, err := recurring.NewRepository(recurring.RepositoryConfig{Store: st, IDs: ids, Location: location, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	watches, err := stopwatch.NewRepository(stopwatch.RepositoryConfig{Store: st, IDs: ids, Location: location, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return timers, watches, nil
}

func (c *Client) start(parent context.Context, current settings.Settings) (*session, error) {
	backend, err := c.cfg.Stores(current)
	if err != nil {
		return nil, err
	}
	if err := backend.Store.Open(parent); err != nil {
		return nil, fmt.Errorf("open %s: %w", current.DatabaseName(), err)
	}
	sess, err := c.assemble(parent, backend, current)
	if err != nil {
		_ = backend.Store.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Client) assemble(parent context.Context, backend Backend, current settings.Settings) (*session, error) {
	logger := c.logger.With(zap.String("database", current.DatabaseName()))
	timers, watches, err := Repositories(backend.Store, c.cfg.Clock, c.cfg.Location, logger)
	if err != nil {
		return nil, err
	}
	projection, err := state.New(state.Config{Recurring: timers, Stopwatches: watches, Clock: c.cfg.Clock, Logger: logger})
	if err != nil {
		return nil, err
	}
	notifier := changefeed.NewNotifier(changefeed.NotifierConfig{Window: c.cfg.Window, Logger: logger})
	controller, err := syncctl.New(syncctl.Config{
		Syncer:    backend.Store,
		Refresher: notifier,
		Notices:   c.cfg.Notices,
		Window:    c.cfg.Window,
		Mobile:    c.cfg.Mobile,
		Clock:     c.cfg.Clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	sess := &session{
		store:      backend.Store,
		state:      projection,
		notifier:   notifier,
		controller: controller,
		cancel:     cancel,
		logger:     logger,
	}
	syncActive := func() bool { return backend.Store.SyncStatus().Active }
	changes := backend.Store.Subscribe(ctx)
	notifications := notifier.Subscribe(ctx)
	sess.goRun("notifier", func() error { return notifier.Run(ctx, changes) })
	sess.goRun("state watcher", func() error { return projection.Watch(ctx, notifications, syncActive) })
	sess.goRun("sync controller", func() error { return controller.Run(ctx) })

	reachable := true
	if backend.HasRemote {
		checker, err := replication.NewClient(replication.ClientConfig{
			Target: replication.Target{Endpoint: backend.Remote.Endpoint, Database: backend.Remote.Database},
			Logger: logger,
		})
		if err != nil {
			sess.stop()
			return nil, err
		}
		probe, err := syncctl.NewProbe(syncctl.ProbeConfig{Checker: checker, Interval: c.cfg.ProbeInterval, Logger: logger})
		if err != nil {
			sess.stop()
			return nil, err
		}
		reachable = probe.Check(ctx)
		if err := controller.SetOnline(ctx, reachable); err != nil {
			logger.Warn("applying connectivity failed", zap.Error(err))
		}
		sess.goRun("probe", func() error { return probe.Run(ctx, controller.SetOnline) })
	}

	wanted := current.SyncWanted() || backend.Cloud
	if err := controller.SetSyncEnabled(ctx, wanted); err != nil {
		logger.Warn("enabling sync failed", zap.Error(err))
	}

	if !wanted || !reachable || backend.Cloud {
		if err := projection.Load(ctx); err != nil {
			logger.Warn("initial load failed", zap.Error(err))
		}
	} else {
		sess.goRun("initial load", func() error { return sess.loadWhenIdle(ctx, c.cfg.Window) })
	}
	logger.Info("database opened", zap.String("engine", current.Engine()), zap.Bool("sync", wanted), zap.Bool("reachable", reachable))
	return sess, nil
}

func (s *session) goRun(name string, run func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("client task stopped", zap.String("task", name), zap.Error(err))
		}
	}()
}

// loadWhenIdle loads the projection once the first replication cycle has
// settled so the initial view does not flicker.
func (s *session) loadWhenIdle(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if s.store.SyncStatus().Active {
			continue
		}
		return s.state.Load(ctx)
	}
}

func (s *session) stop() error {
	s.cancel()
	s.store.DisableSync()
	s.wg.Wait()
	s.notifier.Close()
	s.state.Close()
	return s.store.Close()
}
