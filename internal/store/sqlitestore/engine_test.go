package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := New(Config{Path: filepath.Join(t.TempDir(), "local.db"), Name: "local"})
	require.NoError(t, err)
	require.NoError(t, engine.Open(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func timer(id string) documents.Document {
	return documents.Document{ID: id, Type: documents.TypeRecurringTimer, Name: "Water plants"}
}

func timestamp(id, root string, ts int64) documents.Document {
	return documents.Document{ID: id, Type: documents.TypeRecurringTimestamp, Ref: documents.Ref(root), TS: ts}
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	var opErr *store.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "sqlitestore.open.missing_path", opErr.Code())
}

func TestPutAssignsRevisionsAndDetectsConflicts(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	first, err := engine.Put(ctx, timer("LT-1000"))
	require.NoError(t, err)
	generation, ok := documents.RevisionGeneration(first.Rev)
	require.True(t, ok)
	assert.Equal(t, 1, generation)

	_, err = engine.Put(ctx, timer("LT-1000"))
	require.ErrorIs(t, err, documents.ErrConflict)

	renamed := first.Clone()
	renamed.Name = "Feed cat"
	second, err := engine.Put(ctx, renamed)
	require.NoError(t, err)
	assert.Equal(t, 1, documents.CompareRevisions(second.Rev, first.Rev))

	result, err := engine.Update(ctx, "LT-1000", func(doc *documents.Document) error {
		doc.Name = "Feed dog"
		return nil
	})
	require.NoError(t, err)
	assert.True(t, result.OK)

	fetched, err := engine.Get(ctx, "LT-1000")
	require.NoError(t, err)
	assert.Equal(t, "Feed dog", fetched.Name)
	assert.Equal(t, result.Rev, fetched.Rev)
}

func TestPutRejectsInvalidDocuments(t *testing.T) {
	engine := newEngine(t)

	_, err := engine.Put(context.Background(), documents.Document{ID: "LT-TS-1", Type: documents.TypeRecurringTimestamp, TS: 1})
	require.ErrorIs(t, err, documents.ErrValidation)
}

func TestFindFiltersByRefAndSorts(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	_, err := engine.Put(ctx, timer("LT-1000"))
	require.NoError(t, err)
	_, err = engine.Put(ctx, timer("LT-2000"))
	require.NoError(t, err)
	for _, ts := range []int64{1500, 3500, 2500} {
		_, err = engine.Put(ctx, timestamp(documents.NewID(documents.TypeRecurringTimestamp, ts), "LT-1000", ts))
		require.NoError(t, err)
	}

	roots, err := engine.Find(ctx, documents.Query{Selector: documents.Selector{
		Type: documents.TypeRecurringTimer,
		Ref:  documents.RefMissing(),
	}})
	require.NoError(t, err)
	assert.Len(t, roots, 2)

	children, err := engine.Find(ctx, documents.Query{
		Selector: documents.Selector{Ref: documents.RefIs("LT-1000")},
		Sort:     &documents.Sort{Field: documents.SortByTS, Descending: true},
		Limit:    2,
	})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, int64(3500), children[0].TS)
	assert.Equal(t, int64(2500), children[1].TS)

	anyChild, err := engine.Find(ctx, documents.Query{Selector: documents.Selector{Ref: documents.RefExists()}})
	require.NoError(t, err)
	assert.Len(t, anyChild, 3)
}

func TestDeleteWithStaleRevisionReportsNotFound(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	stored, err := engine.Put(ctx, timer("LT-1000"))
	require.NoError(t, err)
	_, err = engine.Update(ctx, "LT-1000", func(doc *documents.Document) error {
		doc.Name = "Renamed"
		return nil
	})
	require.NoError(t, err)

	_, err = engine.Delete(ctx, stored)
	require.ErrorIs(t, err, documents.ErrNotFound)

	result, err := engine.Delete(ctx, documents.Document{ID: "LT-1000"})
	require.NoError(t, err)
	assert.True(t, result.OK)

	_, err = engine.Get(ctx, "LT-1000")
	require.ErrorIs(t, err, documents.ErrNotFound)
}

func TestBulkWriteReportsPerDocumentResults(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	stored, err := engine.Put(ctx, timer("LT-1000"))
	require.NoError(t, err)

	tombstone := documents.Document{ID: stored.ID, Rev: stored.Rev, Deleted: true}
	staleTombstone := documents.Document{ID: "LT-2000", Rev: "1-abc", Deleted: true}
	results, err := engine.BulkWrite(ctx, []documents.Document{tombstone, staleTombstone, timer("LT-3000")})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.ErrorIs(t, results[1].Err, documents.ErrNotFound)
	assert.True(t, results[2].OK)
}

func TestSecondHandleOnSamePathIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := New(Config{Path: path})
	require.NoError(t, err)
	second, err := New(Config{Path: path})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, first.Open(ctx))
	require.ErrorIs(t, second.Open(ctx), store.ErrAlreadyOpen)

	require.NoError(t, first.Close())
	require.NoError(t, second.Open(ctx))
	require.NoError(t, second.Close())
}

func TestClosedEngineFails(t *testing.T) {
	engine, err := New(Config{Path: filepath.Join(t.TempDir(), "closed.db")})
	require.NoError(t, err)

	_, err = engine.Get(context.Background(), "LT-1000")
	require.ErrorIs(t, err, store.ErrClosed)

	assertClosed(t, engine.Subscribe(context.Background()).C())
	assertClosed(t, engine.SubscribeSync(context.Background()).C())

	require.NoError(t, engine.Open(context.Background()))
	live := engine.Subscribe(context.Background())
	require.NoError(t, engine.Close())
	assertClosed(t, live.C())
	assertClosed(t, engine.Subscribe(context.Background()).C())
}

func assertClosed[T any](t *testing.T, stream <-chan T) {
	t.Helper()
	select {
	case _, open := <-stream:
		assert.False(t, open, "expected a closed stream")
	case <-time.After(time.Second):
		t.Fatal("stream was not closed")
	}
}

func TestChangesArePublishedAfterCommit(t *testing.T) {
	engine := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscription := engine.Subscribe(ctx)

	stored, err := engine.Put(ctx, timer("LT-1000"))
	require.NoError(t, err)

	select {
	case change := <-subscription.C():
		assert.Equal(t, "LT-1000", change.ID)
		assert.Equal(t, stored.Rev, change.Rev)
		assert.Equal(t, documents.TypeRecurringTimer, change.Type)
		assert.Equal(t, store.OriginLocal, change.Origin)
		assert.Positive(t, change.Seq)
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}
}

func TestApplyReplicatedKeepsWinningRevision(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	_, err := engine.Put(ctx, timer("LT-1000"))
	require.NoError(t, err)
	_, err = engine.Update(ctx, "LT-1000", func(*documents.Document) error { return nil })
	require.NoError(t, err)

	older := timer("LT-1000")
	older.Rev = "1-ffff"
	older.Name = "Remote"
	newer := timer("LT-2000")
	newer.Rev = "3-ffff"

	results, err := engine.ApplyReplicated(ctx, []documents.Document{older, newer}, store.OriginRemote)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK)

	kept, err := engine.Get(ctx, "LT-1000")
	require.NoError(t, err)
	assert.Equal(t, "Water plants", kept.Name)
	assert.Equal(t, kept.Rev, results[0].Rev)

	pulled, err := engine.Get(ctx, "LT-2000")
	require.NoError(t, err)
	assert.Equal(t, "3-ffff", pulled.Rev)

	localOnly, err := engine.LocalChanges(ctx, 0, 0)
	require.NoError(t, err)
	for _, entry := range localOnly {
		assert.NotEqual(t, "LT-2000", entry.Document.ID)
	}

	all, err := engine.ChangesSince(ctx, 0, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 2)

	seq, err := engine.UpdateSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].Seq, seq)
}

func TestCheckpointsPersist(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	empty, err := engine.LoadCheckpoint(ctx, "pair")
	require.NoError(t, err)
	assert.Zero(t, empty.PushSeq)

	require.NoError(t, engine.SaveCheckpoint(ctx, replication.Checkpoint{ReplicationID: "pair", PushSeq: 4, PullSeq: 9}))
	require.NoError(t, engine.SaveCheckpoint(ctx, replication.Checkpoint{ReplicationID: "pair", PushSeq: 5, PullSeq: 9}))

	loaded, err := engine.LoadCheckpoint(ctx, "pair")
	require.NoError(t, err)
	assert.Equal(t, int64(5), loaded.PushSeq)
	assert.Equal(t, int64(9), loaded.PullSeq)
}

func TestMaintenanceOperations(t *testing.T) {
	engine := newEngine(t)
	ctx := context.Background()

	_, err := engine.Put(ctx, timer("LT-1000"))
	require.NoError(t, err)
	_, err = engine.Put(ctx, timestamp("LT-TS-1500", "LT-1000", 1500))
	require.NoError(t, err)

	exported, err := engine.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 2)

	usage, err := engine.EstimateStorageUsage(ctx)
	require.NoError(t, err)
	assert.Positive(t, usage.Used)

	require.NoError(t, engine.DeleteAllDocuments(ctx))
	count, err := engine.DocumentCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	target, err := New(Config{Path: filepath.Join(t.TempDir(), "restored.db")})
	require.NoError(t, err)
	require.NoError(t, target.Open(ctx))
	defer target.Close()

	results, err := target.ImportAll(ctx, exported, store.ImportOptions{SkipRevisionCheck: true})
	require.NoError(t, err)
	for _, result := range results {
		assert.True(t, result.OK)
	}
	restored, err := target.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, restored, 2)
	assert.Equal(t, exported[0].Rev, restored[0].Rev)
}
