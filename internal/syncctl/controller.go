// Package syncctl decides when replication runs. It combines connectivity,
// the user's sync setting and foreground visibility into a desired state,
// reacts to replication errors and reports them as dismissable notices.
package syncctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/changefeed"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"go.uber.org/zap"
)

// DismissAction labels the action attached to every sync notice.
const DismissAction = "Dismiss"

var errMissingSyncer = errors.New("syncctl: syncer required")

// Notice is a transient user-facing message.
type Notice struct {
	Message string
	Action  string
	At      time.Time
}

// NoticeSink displays notices.
type NoticeSink interface {
	Show(notice Notice)
}

// NoticeFunc adapts a function to NoticeSink.
type NoticeFunc func(Notice)

// Show calls f.
func (f NoticeFunc) Show(notice Notice) {
	f(notice)
}

// Refresher schedules a reload of the projected collections.
type Refresher interface {
	Trigger(scope changefeed.Scope)
}

// Config wires a Controller.
type Config struct {
	Syncer    store.Syncer
	Refresher Refresher
	Notices   NoticeSink
	// Window debounces notices; defaults to changefeed.DefaultWindow.
	Window time.Duration
	// Mobile suspends replication while the app is not visible.
	Mobile bool
	Clock  func() time.Time
	Logger *zap.Logger
}

// State is a snapshot of the controller inputs.
type State struct {
	Online      bool
	SyncEnabled bool
	Visible     bool
	Mobile      bool
	AuthFailed  bool
}

// Desired reports whether replication should run.
func (s State) Desired() bool {
	return s.Online && s.SyncEnabled && !s.AuthFailed && (!s.Mobile || s.Visible)
}

// Controller drives a Syncer from connectivity, configuration and visibility.
type Controller struct {
	syncer    store.Syncer
	refresher Refresher
	notices   NoticeSink
	window    time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	pending chan Notice
}

// New builds a controller that starts online, visible and with sync off.
func New(cfg Config) (*Controller, error) {
	if cfg.Syncer == nil {
		return nil, errMissingSyncer
	}
	window := cfg.Window
	if window <= 0 {
		window = changefeed.DefaultWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		syncer:    cfg.Syncer,
		refresher: cfg.Refresher,
		notices:   cfg.Notices,
		window:    window,
		clock:     clock,
		logger:    logger,
		state:     State{Online: true, Visible: true, Mobile: cfg.Mobile},
		pending:   make(chan Notice, 16),
	}, nil
}

// State returns the current inputs.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetOnline records connectivity.
func (c *Controller) SetOnline(ctx context.Context, online bool) error {
	return c.update(ctx, func(state *State) { state.Online = online })
}

// SetSyncEnabled records the user's sync setting. Enabling clears a previous
// authentication failure.
func (c *Controller) SetSyncEnabled(ctx context.Context, enabled bool) error {
	return c.update(ctx, func(state *State) {
		state.SyncEnabled = enabled
		if enabled {
			state.AuthFailed = false
		}
	})
}

// SetVisible records whether the app is in the foreground.
func (c *Controller) SetVisible(ctx context.Context, visible bool) error {
	return c.update(ctx, func(state *State) { state.Visible = visible })
}

func (c *Controller) update(ctx context.Context, change func(*State)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	change(&c.state)
	return c.applyLocked(ctx)
}

func (c *Controller) applyLocked(ctx context.Context) error {
	desired := c.state.Desired()
	running := c.syncer.SyncStatus().Enabled
	switch {
	case desired && !running:
		if err := c.syncer.EnableSync(ctx); err != nil {
			c.logger.Warn("enable sync failed", zap.Error(err))
			return err
		}
		c.logger.Debug("replication started", zap.Any("state", c.state))
	case !desired && running:
		c.syncer.DisableSync()
		c.logger.Debug("replication stopped", zap.Any("state", c.state))
	}
	return nil
}

// Run consumes replication events and delivers debounced notices until ctx
// ends.
func (c *Controller) Run(ctx context.Context) error {
	events := c.syncer.SubscribeSync(ctx)
	defer events.Close()
	notices := changefeed.Debounce(ctx, c.pending, c.window, func(_, latest Notice) Notice { return latest })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notice, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			if c.notices != nil {
				c.notices.Show(notice)
			}
		case event, ok := <-events.C():
			if !ok {
				return ctx.Err()
			}
			c.handle(ctx, event)
		}
	}
}

func (c *Controller) handle(ctx context.Context, event store.SyncEvent) {
	switch event.Kind {
	case store.SyncPaused:
		if event.Pulled {
			c.refresh(changefeed.ScopeAll)
		}
	case store.SyncDenied:
		c.logger.Warn("remote rejected document", zap.String("id", event.DocumentID), zap.Error(event.Err))
	case store.SyncError:
		c.notify(event)
		if event.Class != store.ErrorClassAuth {
			c.logger.Warn("replication error, retrying", zap.Int("status", event.Status), zap.Error(event.Err))
			return
		}
		c.logger.Error("replication authentication failed", zap.Int("status", event.Status), zap.Error(event.Err))
		c.mu.Lock()
		c.state.AuthFailed = true
		if err := c.applyLocked(ctx); err != nil {
			c.logger.Warn("disable sync failed", zap.Error(err))
		}
		c.mu.Unlock()
		c.refresh(changefeed.ScopeAll)
	}
}

func (c *Controller) refresh(scope changefeed.Scope) {
	if c.refresher != nil {
		c.refresher.Trigger(scope)
	}
}

func (c *Controller) notify(event store.SyncEvent) {
	notice := Notice{Message: NoticeMessage(event), Action: DismissAction, At: c.clock()}
	select {
	case c.pending <- notice:
	default:
		c.logger.Debug("sync notice dropped", zap.String("message", notice.Message))
	}
}

// NoticeMessage renders a replication error for the user.
func NoticeMessage(event store.SyncEvent) string {
	status := event.Status
	if status == 0 {
		status = replication.StatusOf(event.Err)
	}
	message := "unknown error"
	if event.Err != nil {
		message = event.Err.Error()
	}
	if status == 0 {
		return fmt.Sprintf("Remote DB: error - %s", message)
	}
	return fmt.Sprintf("Remote DB: %d - %s", status, message)
}
