// Package changefeed turns the raw store change stream into coalesced,
// classified refresh notifications.
package changefeed

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"go.uber.org/zap"
)

// DefaultWindow is the quiescence window applied to change bursts.
const DefaultWindow = 500 * time.Millisecond

const triggerBuffer = 16

// Scope names the collection a notification invalidates.
type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeRecurring Scope = "recurring"
	ScopeStopwatch Scope = "stopwatch"
)

// Includes reports whether a refresh of s covers other.
func (s Scope) Includes(other Scope) bool {
	return s == ScopeAll || s == other
}

// Classify maps a document id to the collection it belongs to. Ids without a
// known prefix invalidate everything.
func Classify(id string) Scope {
	switch {
	case hasTypePrefix(id, documents.TypeRecurringTimer):
		return ScopeRecurring
	case hasTypePrefix(id, documents.TypeStopwatch):
		return ScopeStopwatch
	default:
		return ScopeAll
	}
}

func hasTypePrefix(id string, root documents.Type) bool {
	return strings.HasPrefix(id, string(root)+"-")
}

// Merge combines two pending scopes.
func Merge(a, b Scope) Scope {
	if a == b {
		return a
	}
	return ScopeAll
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Window     time.Duration
	BufferSize int
	Logger     *zap.Logger
}

// Notifier debounces store changes and manual triggers into Scope
// notifications fanned out to subscribers.
type Notifier struct {
	window   time.Duration
	logger   *zap.Logger
	triggers chan Scope
	overflow atomic.Bool
	out      *pubsub.Dispatcher[Scope]
}

// NewNotifier builds a notifier; Run must be called to start delivery.
func NewNotifier(cfg NotifierConfig) *Notifier {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		window:   window,
		logger:   logger,
		triggers: make(chan Scope, triggerBuffer),
		out:      pubsub.NewDispatcher[Scope](cfg.BufferSize),
	}
}

// Subscribe streams debounced notifications.
func (n *Notifier) Subscribe(ctx context.Context) *pubsub.Subscription[Scope] {
	return n.out.Subscribe(ctx)
}

// Trigger requests a refresh of scope through the same debounce window as
// store changes.
func (n *Notifier) Trigger(scope Scope) {
	select {
	case n.triggers <- scope:
	default:
		n.overflow.Store(true)
	}
}

// Run consumes changes until ctx ends or the change stream closes. A change
// skipped by a saturated subscription widens the pending scope to ScopeAll.
func (n *Notifier) Run(ctx context.Context, changes *pubsub.Subscription[store.Change]) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	scopes := make(chan Scope)
	go func() {
		defer close(scopes)
		for {
			var scope Scope
			select {
			case <-runCtx.Done():
				return
			case change, ok := <-changes.C():
				if !ok {
					return
				}
				scope = Classify(change.ID)
				if changes.TakeDropped() {
					scope = ScopeAll
				}
			case scope = <-n.triggers:
			}
			if n.overflow.Swap(false) {
				scope = ScopeAll
			}
			select {
			case scopes <- scope:
			case <-runCtx.Done():
				return
			}
		}
	}()

	for scope := range Debounce(runCtx, scopes, n.window, Merge) {
		n.logger.Debug("change notification", zap.String("scope", string(scope)))
		n.out.Publish(scope)
	}
	return ctx.Err()
}

// Close ends every subscription.
func (n *Notifier) Close() {
	n.out.Close()
}
