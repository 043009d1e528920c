package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/changefeed"
	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
	"github.com/MarcoPoloResearchLab/timetracker/internal/recurring"
	"github.com/MarcoPoloResearchLab/timetracker/internal/stopwatch"
	"go.uber.org/zap"
)

var errMissingRepositories = errors.New("state: recurring and stopwatch repositories required")

// Config wires an AppState.
type Config struct {
	Recurring   *recurring.Repository
	Stopwatches *stopwatch.Repository
	Clock       func() time.Time
	Logger      *zap.Logger
}

// AppState is the command surface over both collections.
type AppState struct {
	Recurring   *Collection[recurring.Timer]
	Stopwatches *Collection[stopwatch.Stopwatch]

	timers      *recurring.Repository
	stopwatches *stopwatch.Repository
	clock       func() time.Time
	logger      *zap.Logger

	metersMu sync.Mutex
	meters   map[string]*stopwatch.Meter
}

// New builds an empty AppState.
func New(cfg Config) (*AppState, error) {
	if cfg.Recurring == nil || cfg.Stopwatches == nil {
		return nil, errMissingRepositories
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AppState{
		Recurring: NewCollection(
			func(timer recurring.Timer) string { return timer.ID },
			func(a, b recurring.Timer) bool { return latestTimestamp(a) > latestTimestamp(b) },
		),
		Stopwatches: NewCollection(
			func(watch stopwatch.Stopwatch) string { return watch.ID },
			func(a, b stopwatch.Stopwatch) bool { return a.LatestTS() > b.LatestTS() },
		),
		timers:      cfg.Recurring,
		stopwatches: cfg.Stopwatches,
		clock:       clock,
		logger:      logger,
		meters:      make(map[string]*stopwatch.Meter),
	}, nil
}

func latestTimestamp(timer recurring.Timer) int64 {
	if latest, ok := timer.Latest(); ok {
		return latest.TS
	}
	return 0
}

// Close ends every collection subscription.
func (s *AppState) Close() {
	s.Recurring.Close()
	s.Stopwatches.Close()
}

// Load fills both collections unless they are already loaded.
func (s *AppState) Load(ctx context.Context) error {
	var errs []error
	if !s.Recurring.Loaded() {
		errs = append(errs, s.refreshRecurring(ctx))
	}
	if !s.Stopwatches.Loaded() {
		errs = append(errs, s.refreshStopwatches(ctx))
	}
	return errors.Join(errs...)
}

// Refresh reloads the collections covered by scope.
func (s *AppState) Refresh(ctx context.Context, scope changefeed.Scope) error {
	var errs []error
	if scope.Includes(changefeed.ScopeRecurring) {
		errs = append(errs, s.refreshRecurring(ctx))
	}
	if scope.Includes(changefeed.ScopeStopwatch) {
		errs = append(errs, s.refreshStopwatches(ctx))
	}
	return errors.Join(errs...)
}

func (s *AppState) refreshRecurring(ctx context.Context) error {
	started := s.Recurring.beginRefresh()
	timers, err := s.timers.List(ctx)
	s.Recurring.finishRefresh(started, timers, err)
	return err
}

func (s *AppState) refreshStopwatches(ctx context.Context) error {
	started := s.Stopwatches.beginRefresh()
	watches, err := s.stopwatches.List(ctx)
	s.Stopwatches.finishRefresh(started, watches, err)
	if err == nil {
		s.pruneMeters(watches)
	}
	return err
}

// Watch refreshes on every notification until ctx ends or the stream
// closes. While syncActive reports true notifications are skipped; the
// replication pause that follows triggers its own refresh.
func (s *AppState) Watch(ctx context.Context, notifications *pubsub.Subscription[changefeed.Scope], syncActive func() bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case scope, ok := <-notifications.C():
			if !ok {
				return ctx.Err()
			}
			if notifications.TakeDropped() {
				scope = changefeed.ScopeAll
			}
			if syncActive != nil && syncActive() {
				s.logger.Debug("refresh skipped while replication is active", zap.String("scope", string(scope)))
				continue
			}
			if err := s.Refresh(ctx, scope); err != nil {
				s.logger.Warn("refresh failed", zap.String("scope", string(scope)), zap.Error(err))
			}
		}
	}
}

// AddRecurring creates a recurring timer.
func (s *AppState) AddRecurring(ctx context.Context, name string) (recurring.Timer, error) {
	s.Recurring.beginTargeted()
	defer s.Recurring.endTargeted()
	timer, err := s.timers.Add(ctx, name)
	if err != nil {
		return recurring.Timer{}, err
	}
	s.Recurring.upsert(timer)
	return timer, nil
}

// Touch records an occurrence of a recurring timer now.
func (s *AppState) Touch(ctx context.Context, id string) (recurring.Timer, error) {
	return s.TouchAt(ctx, id, 0)
}

// TouchAt records an occurrence at ts.
func (s *AppState) TouchAt(ctx context.Context, id string, ts int64) (recurring.Timer, error) {
	s.Recurring.beginTargeted()
	defer s.Recurring.endTargeted()
	if _, err := s.timers.TouchAt(ctx, id, ts); err != nil {
		return recurring.Timer{}, err
	}
	return s.reloadTimer(ctx, id)
}

// RenameRecurring renames a recurring timer.
func (s *AppState) RenameRecurring(ctx context.Context, id, name string) (recurring.Timer, error) {
	s.Recurring.beginTargeted()
	defer s.Recurring.endTargeted()
	timer, err := s.timers.Rename(ctx, id, name)
	if err != nil {
		return recurring.Timer{}, err
	}
	s.Recurring.upsert(timer)
	return timer, nil
}

// UpdateTimestamp edits one timestamp and reloads its timer.
func (s *AppState) UpdateTimestamp(ctx context.Context, id string, patch recurring.TimestampPatch) (recurring.Timer, error) {
	s.Recurring.beginTargeted()
	defer s.Recurring.endTargeted()
	updated, err := s.timers.UpdateTimestamp(ctx, id, patch)
	if err != nil {
		return recurring.Timer{}, err
	}
	return s.reloadTimer(ctx, updated.Ref)
}

// RemoveTimestamp deletes one timestamp and reloads its timer.
func (s *AppState) RemoveTimestamp(ctx context.Context, timestamp recurring.Timestamp) (recurring.Timer, error) {
	s.Recurring.beginTargeted()
	defer s.Recurring.endTargeted()
	if _, err := s.timers.RemoveTimestamp(ctx, timestamp); err != nil {
		return recurring.Timer{}, err
	}
	return s.reloadTimer(ctx, timestamp.Ref)
}

// DeleteRecurring removes a recurring timer. The entry leaves the collection
// even when some timestamps could not be deleted.
func (s *AppState) DeleteRecurring(ctx context.Context, id string) error {
	s.Recurring.beginTargeted()
	defer s.Recurring.endTargeted()
	report, err := s.timers.Delete(ctx, id)
	if report.Root.OK {
		s.Recurring.remove(id)
	}
	return err
}

func (s *AppState) reloadTimer(ctx context.Context, id string) (recurring.Timer, error) {
	timer, err := s.timers.FetchOne(ctx, id, recurring.DefaultLimit)
	if err != nil {
		return recurring.Timer{}, err
	}
	s.Recurring.upsert(timer)
	return timer, nil
}

// AddStopwatch creates a running stopwatch.
func (s *AppState) AddStopwatch(ctx context.Context, name string) (stopwatch.Stopwatch, error) {
	s.Stopwatches.beginTargeted()
	defer s.Stopwatches.endTargeted()
	watch, err := s.stopwatches.Add(ctx, name)
	if err != nil {
		return stopwatch.Stopwatch{}, err
	}
	s.upsertStopwatch(watch)
	return watch, nil
}

// AddEvent starts or stops a stopwatch, optionally opening a new round.
func (s *AppState) AddEvent(ctx context.Context, id string, newRound bool) (stopwatch.Stopwatch, error) {
	s.Stopwatches.beginTargeted()
	defer s.Stopwatches.endTargeted()
	if _, err := s.stopwatches.AddEvent(ctx, id, newRound); err != nil {
		return stopwatch.Stopwatch{}, err
	}
	return s.reloadStopwatch(ctx, id)
}

// RenameStopwatch renames a stopwatch.
func (s *AppState) RenameStopwatch(ctx context.Context, id, name string) (stopwatch.Stopwatch, error) {
	s.Stopwatches.beginTargeted()
	defer s.Stopwatches.endTargeted()
	watch, err := s.stopwatches.Rename(ctx, id, name)
	if err != nil {
		return stopwatch.Stopwatch{}, err
	}
	s.upsertStopwatch(watch)
	return watch, nil
}

// UpdateEvent edits one event and reloads its stopwatch.
func (s *AppState) UpdateEvent(ctx context.Context, id string, patch stopwatch.EventPatch) (stopwatch.Stopwatch, error) {
	s.Stopwatches.beginTargeted()
	defer s.Stopwatches.endTargeted()
	updated, err := s.stopwatches.UpdateEvent(ctx, id, patch)
	if err != nil {
		return stopwatch.Stopwatch{}, err
	}
	return s.reloadStopwatch(ctx, updated.Ref)
}

// RemoveEvent deletes one event and reloads its stopwatch.
func (s *AppState) RemoveEvent(ctx context.Context, event stopwatch.Event) (stopwatch.Stopwatch, error) {
	s.Stopwatches.beginTargeted()
	defer s.Stopwatches.endTargeted()
	if _, err := s.stopwatches.RemoveEvent(ctx, event); err != nil {
		return stopwatch.Stopwatch{}, err
	}
	return s.reloadStopwatch(ctx, event.Ref)
}

// ToggleArchive archives a stopwatch with its current elapsed time, or
// restores an archived one.
func (s *AppState) ToggleArchive(ctx context.Context, id string) (stopwatch.Stopwatch, error) {
	s.Stopwatches.beginTargeted()
	defer s.Stopwatches.endTargeted()
	current, err := s.stopwatches.FetchOne(ctx, id, false)
	if err != nil {
		return stopwatch.Stopwatch{}, err
	}
	var elapsed int64
	if !current.Archived() {
		elapsed = stopwatch.Summarize(current.Events).ElapsedAt(s.clock().UnixMilli())
	}
	watch, err := s.stopwatches.ToggleArchive(ctx, id, elapsed)
	if err != nil {
		return stopwatch.Stopwatch{}, err
	}
	s.upsertStopwatch(watch)
	return watch, nil
}

// DeleteStopwatch removes a stopwatch and its events.
func (s *AppState) DeleteStopwatch(ctx context.Context, id string) error {
	s.Stopwatches.beginTargeted()
	defer s.Stopwatches.endTargeted()
	report, err := s.stopwatches.Delete(ctx, id)
	if report.Root.OK {
		s.Stopwatches.remove(id)
		s.metersMu.Lock()
		delete(s.meters, id)
		s.metersMu.Unlock()
	}
	return err
}

func (s *AppState) reloadStopwatch(ctx context.Context, id string) (stopwatch.Stopwatch, error) {
	watch, err := s.stopwatches.FetchOne(ctx, id, false)
	if err != nil {
		return stopwatch.Stopwatch{}, err
	}
	s.upsertStopwatch(watch)
	return watch, nil
}

func (s *AppState) upsertStopwatch(watch stopwatch.Stopwatch) {
	s.meter(watch.ID).Invalidate()
	s.Stopwatches.upsert(watch)
}

func (s *AppState) meter(id string) *stopwatch.Meter {
	s.metersMu.Lock()
	defer s.metersMu.Unlock()
	meter, ok := s.meters[id]
	if !ok {
		meter = &stopwatch.Meter{}
		s.meters[id] = meter
	}
	return meter
}

// pruneMeters drops meters of vanished stopwatches and invalidates the rest,
// since a refresh may carry edited events.
func (s *AppState) pruneMeters(watches []stopwatch.Stopwatch) {
	live := make(map[string]struct{}, len(watches))
	for _, watch := range watches {
		live[watch.ID] = struct{}{}
	}
	s.metersMu.Lock()
	defer s.metersMu.Unlock()
	for id, meter := range s.meters {
		if _, ok := live[id]; !ok {
			delete(s.meters, id)
			continue
		}
		meter.Invalidate()
	}
}

// Elapsed returns the elapsed milliseconds of a loaded stopwatch now.
// Archived stopwatches report their frozen duration.
func (s *AppState) Elapsed(id string) (int64, bool) {
	watch, ok := s.Stopwatches.Find(id)
	if !ok {
		return 0, false
	}
	if watch.Archived() {
		return watch.ArchivedDurationMs, true
	}
	return s.meter(id).Elapsed(watch.Events, s.clock().UnixMilli()), true
}

// AnyRunning reports whether a loaded, unarchived stopwatch is running.
func (s *AppState) AnyRunning() bool {
	for _, watch := range s.Stopwatches.Snapshot().Items {
		if !watch.Archived() && watch.Running() {
			return true
		}
	}
	return false
}
