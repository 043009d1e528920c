package recurring

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/aggregate"
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/server"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store/cloudstore"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store/sqlitestore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestRepository(t *testing.T, st store.Documents) *Repository {
	t.Helper()
	if st == nil {
		engine, err := sqlitestore.New(sqlitestore.Config{Path: filepath.Join(t.TempDir(), "recurring.db"), Name: "recurring"})
		require.NoError(t, err)
		require.NoError(t, engine.Open(context.Background()))
		t.Cleanup(func() { _ = engine.Close() })
		st = engine
	}
	repository, err := NewRepository(RepositoryConfig{
		Store:    st,
		IDs:      documents.NewIDGenerator(func() time.Time { return time.UnixMilli(1000) }),
		Location: time.UTC,
	})
	require.NoError(t, err)
	return repository
}

func TestAddAndTouchKeepNewestFirst(t *testing.T) {
	repository := newTestRepository(t, nil)
	ctx := context.Background()

	created, err := repository.Add(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "LT-1000", created.ID)
	assert.Equal(t, "Last #1970-01-01T00:00:01.000", created.Name)

	_, err = repository.TouchAt(ctx, created.ID, 2000)
	require.NoError(t, err)
	_, err = repository.TouchAt(ctx, created.ID, 3000)
	require.NoError(t, err)

	fetched, err := repository.FetchOne(ctx, created.ID, DefaultLimit)
	require.NoError(t, err)
	assert.Equal(t, []int64{3000, 2000, 1000}, fetched.Times())
	assert.False(t, fetched.HasMore)
	latest, ok := fetched.Latest()
	require.True(t, ok)
	assert.Equal(t, int64(3000), latest.TS)
	assert.Equal(t, created.ID, latest.Ref)
}

func TestFetchOneTruncatesAndFlagsMore(t *testing.T) {
	repository := newTestRepository(t, nil)
	ctx := context.Background()

	created, err := repository.Add(ctx, "Water plants")
	require.NoError(t, err)
	for ts := int64(2000); ts <= 5000; ts += 1000 {
		_, err = repository.TouchAt(ctx, created.ID, ts)
		require.NoError(t, err)
	}

	limited, err := repository.FetchOne(ctx, created.ID, 3)
	require.NoError(t, err)
	assert.True(t, limited.HasMore)
	assert.Equal(t, []int64{5000, 4000, 3000}, limited.Times())

	exact, err := repository.FetchOne(ctx, created.ID, 5)
	require.NoError(t, err)
	assert.False(t, exact.HasMore)
	assert.Len(t, exact.Timestamps, 5)

	all, err := repository.FetchOne(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.False(t, all.HasMore)
	assert.Len(t, all.Timestamps, 5)
}

func TestListOrdersByLatestTimestamp(t *testing.T) {
	repository := newTestRepository(t, nil)
	ctx := context.Background()

	first, err := repository.Add(ctx, "First")
	require.NoError(t, err)
	second, err := repository.Add(ctx, "Second")
	require.NoError(t, err)
	_, err = repository.TouchAt(ctx, first.ID, 9000)
	require.NoError(t, err)

	listed, err := repository.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, first.ID, listed[0].ID)
	assert.Equal(t, second.ID, listed[1].ID)
}

func TestTouchUnknownTimerFails(t *testing.T) {
	repository := newTestRepository(t, nil)

	_, err := repository.Touch(context.Background(), "LT-42")
	require.ErrorIs(t, err, documents.ErrNotFound)
}

func TestUpdateAndRemoveTimestamp(t *testing.T) {
	repository := newTestRepository(t, nil)
	ctx := context.Background()

	created, err := repository.Add(ctx, "Tea")
	require.NoError(t, err)
	touched, err := repository.TouchAt(ctx, created.ID, 2000)
	require.NoError(t, err)

	label := "green"
	ts := int64(500)
	updated, err := repository.UpdateTimestamp(ctx, touched.ID, TimestampPatch{TS: &ts, Label: &label})
	require.NoError(t, err)
	assert.Equal(t, "green", updated.Label)

	fetched, err := repository.FetchOne(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 500}, fetched.Times())

	_, err = repository.RemoveTimestamp(ctx, updated)
	require.NoError(t, err)
	fetched, err = repository.FetchOne(ctx, created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1000}, fetched.Times())
}

func TestDeleteCascadesToTimestamps(t *testing.T) {
	repository := newTestRepository(t, nil)
	ctx := context.Background()

	created, err := repository.Add(ctx, "Tea")
	require.NoError(t, err)
	_, err = repository.TouchAt(ctx, created.ID, 2000)
	require.NoError(t, err)

	report, err := repository.Delete(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, report.Children, 2)

	listed, err := repository.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

// failingChildStore rejects every child write.
type failingChildStore struct {
	store.Documents
}

func (s failingChildStore) Put(ctx context.Context, doc documents.Document) (documents.Document, error) {
	if doc.Type.IsChild() {
		return documents.Document{}, errors.New("disk full")
	}
	return s.Documents.Put(ctx, doc)
}

func TestAddCompensatesFailedFirstTimestamp(t *testing.T) {
	engine, err := sqlitestore.New(sqlitestore.Config{Path: filepath.Join(t.TempDir(), "recurring.db"), Name: "recurring"})
	require.NoError(t, err)
	require.NoError(t, engine.Open(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })
	repository := newTestRepository(t, failingChildStore{Documents: engine})
	ctx := context.Background()

	_, err = repository.Add(ctx, "Tea")
	require.Error(t, err)
	var coded *store.OperationError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, "recurring.add.child_failed", coded.Code())

	_, err = engine.Get(ctx, "LT-1000")
	require.ErrorIs(t, err, documents.ErrNotFound)
}

func TestDeleteReportsPartialFailure(t *testing.T) {
	engine, err := sqlitestore.New(sqlitestore.Config{Path: filepath.Join(t.TempDir(), "recurring.db"), Name: "recurring"})
	require.NoError(t, err)
	require.NoError(t, engine.Open(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })
	repository := newTestRepository(t, staleBulkStore{Documents: engine})
	ctx := context.Background()

	created, err := repository.Add(ctx, "Tea")
	require.NoError(t, err)
	_, err = repository.TouchAt(ctx, created.ID, 2000)
	require.NoError(t, err)

	report, err := repository.Delete(ctx, created.ID)
	require.ErrorIs(t, err, aggregate.ErrPartialDelete)
	assert.Equal(t, 1, report.Failed)
}

// staleBulkStore corrupts the revision of the first tombstone in a batch.
type staleBulkStore struct {
	store.Documents
}

func (s staleBulkStore) BulkWrite(ctx context.Context, docs []documents.Document) ([]documents.Result, error) {
	if len(docs) > 0 {
		docs[0].Rev = "1-00000000000000000000000000000000"
	}
	return s.Documents.BulkWrite(ctx, docs)
}

// capturedDB hands out the gorm handle an engine opened so a test can write
// rows the document API refuses, such as legacy roots carrying a ref.
type capturedDB struct {
	mu sync.Mutex
	db *gorm.DB
}

func (c *capturedDB) open(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := sqlitestore.OpenSQLite(path, logger)
	if err == nil {
		c.mu.Lock()
		c.db = db
		c.mu.Unlock()
	}
	return db, err
}

func (c *capturedDB) handle(t *testing.T) *gorm.DB {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.db, "database was never opened")
	return c.db
}

func localBackend(t *testing.T, captured *capturedDB) store.Documents {
	t.Helper()
	engine, err := sqlitestore.New(sqlitestore.Config{
		Path: filepath.Join(t.TempDir(), "local.db"),
		Name: "local",
		Open: captured.open,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Open(context.Background()))
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func cloudBackend(t *testing.T, captured *capturedDB) store.Documents {
	t.Helper()
	gin.SetMode(gin.TestMode)
	databases, err := server.NewDatabases(server.DatabasesConfig{Dir: filepath.Join(t.TempDir(), "remote"), Open: captured.open})
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{Databases: databases, LongPollLimit: time.Second})
	require.NoError(t, err)
	remote := httptest.NewServer(handler)
	engine, err := cloudstore.New(cloudstore.Config{
		Target:      replication.Target{Endpoint: remote.URL, Database: "time-tracker"},
		HTTPClient:  remote.Client(),
		PollTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Open(context.Background()))
	t.Cleanup(func() {
		_ = engine.Close()
		remote.Close()
		_ = databases.Close()
	})
	return engine
}

func TestListExcludesRootTypedDocumentsWithRef(t *testing.T) {
	backends := []struct {
		name string
		open func(*testing.T, *capturedDB) store.Documents
	}{
		{name: "local", open: localBackend},
		{name: "cloud", open: cloudBackend},
	}
	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			captured := &capturedDB{}
			repository := newTestRepository(t, backend.open(t, captured))
			ctx := context.Background()

			created, err := repository.Add(ctx, "Water plants")
			require.NoError(t, err)

			stray := sqlitestore.DocumentRecord{
				ID:       "LT-5000",
				Rev:      "1-legacy",
				Type:     string(documents.TypeRecurringTimer),
				Ref:      documents.Ref(created.ID),
				Seq:      1000,
				Origin:   string(store.OriginLocal),
				BodyJSON: `{"_id":"LT-5000","_rev":"1-legacy","type":"LT","ref":"` + created.ID + `","name":"Stray"}`,
			}
			require.NoError(t, captured.handle(t).Create(&stray).Error)

			found, err := repository.kit.Store.Find(ctx, documents.Query{Selector: documents.Selector{
				Type: documents.TypeRecurringTimer,
				Ref:  documents.RefMissing(),
			}})
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, created.ID, found[0].ID)

			timers, err := repository.List(ctx)
			require.NoError(t, err)
			require.Len(t, timers, 1)
			assert.Equal(t, created.ID, timers[0].ID)

			kit, err := aggregate.NewKit(repository.kit.Store, documents.TypeRecurringTimer, "recurring", nil)
			require.NoError(t, err)
			roots, err := kit.Roots(ctx)
			require.NoError(t, err)
			for _, root := range roots {
				assert.False(t, root.HasRef(), root.ID)
			}
		})
	}
}
