package state

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/changefeed"
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
	"github.com/MarcoPoloResearchLab/timetracker/internal/recurring"
	"github.com/MarcoPoloResearchLab/timetracker/internal/stopwatch"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store/sqlitestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID      string
	Version int
}

func newItems() *Collection[item] {
	return NewCollection(func(i item) string { return i.ID }, nil)
}

func TestCollectionReconcileKeepsNewerLocalEdits(t *testing.T) {
	collection := newItems()
	started := collection.beginRefresh()
	assert.True(t, collection.Snapshot().LoadingAll)

	collection.upsert(item{ID: "a", Version: 2})
	collection.upsert(item{ID: "c", Version: 1})
	collection.finishRefresh(started, []item{{ID: "a", Version: 1}, {ID: "b", Version: 1}}, nil)

	snapshot := collection.Snapshot()
	assert.True(t, snapshot.Loaded)
	assert.False(t, snapshot.LoadingAll)
	assert.ElementsMatch(t, []item{{ID: "a", Version: 2}, {ID: "b", Version: 1}, {ID: "c", Version: 1}}, snapshot.Items)
}

func TestCollectionReconcileHonorsRemovalDuringRefresh(t *testing.T) {
	collection := newItems()
	collection.finishRefresh(collection.beginRefresh(), []item{{ID: "a", Version: 1}}, nil)

	started := collection.beginRefresh()
	collection.remove("a")
	collection.finishRefresh(started, []item{{ID: "a", Version: 1}}, nil)

	_, ok := collection.Find("a")
	assert.False(t, ok)
}

func TestCollectionFailedRefreshKeepsItems(t *testing.T) {
	collection := newItems()
	collection.upsert(item{ID: "a", Version: 1})
	collection.finishRefresh(collection.beginRefresh(), nil, assert.AnError)

	snapshot := collection.Snapshot()
	assert.False(t, snapshot.Loaded)
	assert.Len(t, snapshot.Items, 1)
}

func TestCollectionPublishesSnapshots(t *testing.T) {
	collection := newItems()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := collection.Subscribe(ctx)

	collection.upsert(item{ID: "a", Version: 1})

	select {
	case snapshot := <-updates.C():
		assert.Equal(t, []item{{ID: "a", Version: 1}}, snapshot.Items)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
}

type fixture struct {
	state       *AppState
	timers      *recurring.Repository
	stopwatches *stopwatch.Repository
	now         atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	engine, err := sqlitestore.New(sqlitestore.Config{Path: filepath.Join(t.TempDir(), "state.db"), Name: "state"})
	require.NoError(t, err)
	require.NoError(t, engine.Open(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })

	f := &fixture{}
	f.now.Store(10_000)
	clock := func() time.Time { return time.UnixMilli(f.now.Load()) }
	ids := documents.NewIDGenerator(clock)

	f.timers, err = recurring.NewRepository(recurring.RepositoryConfig{Store: engine, IDs: ids})
	require.NoError(t, err)
	f.stopwatches, err = stopwatch.NewRepository(stopwatch.RepositoryConfig{Store: engine, IDs: ids})
	require.NoError(t, err)
	f.state, err = New(Config{Recurring: f.timers, Stopwatches: f.stopwatches, Clock: clock})
	require.NoError(t, err)
	t.Cleanup(f.state.Close)
	return f
}

func TestLoadIsACacheHitOnceLoaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.timers.Add(ctx, "Tea")
	require.NoError(t, err)
	require.NoError(t, f.state.Load(ctx))
	assert.Len(t, f.state.Recurring.Snapshot().Items, 1)

	_, err = f.timers.Add(ctx, "Coffee")
	require.NoError(t, err)
	require.NoError(t, f.state.Load(ctx))
	assert.Len(t, f.state.Recurring.Snapshot().Items, 1)

	require.NoError(t, f.state.Refresh(ctx, changefeed.ScopeRecurring))
	assert.Len(t, f.state.Recurring.Snapshot().Items, 2)
}

func TestRecurringCommandsUpdateCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.state.Load(ctx))

	timer, err := f.state.AddRecurring(ctx, "Tea")
	require.NoError(t, err)

	touched, err := f.state.TouchAt(ctx, timer.ID, 50_000)
	require.NoError(t, err)
	assert.Equal(t, []int64{50_000, 10_000}, touched.Times())

	renamed, err := f.state.RenameRecurring(ctx, timer.ID, "Green tea")
	require.NoError(t, err)
	assert.Equal(t, "Green tea", renamed.Name)

	found, ok := f.state.Recurring.Find(timer.ID)
	require.True(t, ok)
	assert.Equal(t, "Green tea", found.Name)
	assert.Len(t, found.Timestamps, 2)

	latest, _ := found.Latest()
	afterRemoval, err := f.state.RemoveTimestamp(ctx, latest)
	require.NoError(t, err)
	assert.Equal(t, []int64{10_000}, afterRemoval.Times())

	require.NoError(t, f.state.DeleteRecurring(ctx, timer.ID))
	assert.Empty(t, f.state.Recurring.Snapshot().Items)
	assert.False(t, f.state.Recurring.Snapshot().Loading)
}

func TestStopwatchElapsedAndArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	watch, err := f.state.AddStopwatch(ctx, "Run")
	require.NoError(t, err)
	assert.True(t, f.state.AnyRunning())

	f.now.Store(15_000)
	elapsed, ok := f.state.Elapsed(watch.ID)
	require.True(t, ok)
	assert.Equal(t, int64(5_000), elapsed)

	stopped, err := f.state.AddEvent(ctx, watch.ID, false)
	require.NoError(t, err)
	assert.True(t, stopped.Finished)
	assert.False(t, f.state.AnyRunning())

	f.now.Store(40_000)
	elapsed, _ = f.state.Elapsed(watch.ID)
	assert.Equal(t, int64(5_000), elapsed)

	archived, err := f.state.ToggleArchive(ctx, watch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), archived.ArchivedDurationMs)
	elapsed, _ = f.state.Elapsed(watch.ID)
	assert.Equal(t, int64(5_000), elapsed)

	restored, err := f.state.ToggleArchive(ctx, watch.ID)
	require.NoError(t, err)
	assert.False(t, restored.Archived())

	require.NoError(t, f.state.DeleteStopwatch(ctx, watch.ID))
	_, ok = f.state.Elapsed(watch.ID)
	assert.False(t, ok)
}

func TestUpdateEventRefreshesElapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	watch, err := f.state.AddStopwatch(ctx, "Run")
	require.NoError(t, err)
	f.now.Store(13_000)
	stopped, err := f.state.AddEvent(ctx, watch.ID, false)
	require.NoError(t, err)
	elapsed, _ := f.state.Elapsed(watch.ID)
	assert.Equal(t, int64(3_000), elapsed)

	ts := int64(20_000)
	stop := stopped.Events[len(stopped.Events)-1]
	_, err = f.state.UpdateEvent(ctx, stop.ID, stopwatch.EventPatch{TS: &ts})
	require.NoError(t, err)
	elapsed, _ = f.state.Elapsed(watch.ID)
	assert.Equal(t, int64(10_000), elapsed)
}

func TestWatchRefreshesUnlessReplicationIsActive(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scopes := pubsub.NewDispatcher[changefeed.Scope](4)
	var active atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- f.state.Watch(ctx, scopes.Subscribe(ctx), active.Load)
	}()
	require.Eventually(t, func() bool { return scopes.Len() == 1 }, time.Second, 5*time.Millisecond)

	active.Store(true)
	_, err := f.timers.Add(ctx, "Tea")
	require.NoError(t, err)
	scopes.Publish(changefeed.ScopeRecurring)
	time.Sleep(100 * time.Millisecond)
	assert.False(t, f.state.Recurring.Loaded())

	active.Store(false)
	scopes.Publish(changefeed.ScopeRecurring)
	require.Eventually(t, func() bool {
		return len(f.state.Recurring.Snapshot().Items) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.state.Stopwatches.Loaded())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
