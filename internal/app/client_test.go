package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/config"
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/server"
	"github.com/MarcoPoloResearchLab/timetracker/internal/settings"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newSettings(t *testing.T, defaults settings.Settings) *settings.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "settings.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&settings.Entry{}))
	service, err := settings.NewService(settings.ServiceConfig{Database: db, Defaults: defaults})
	require.NoError(t, err)
	return service
}

func localDefaults() settings.Settings {
	return settings.Settings{DBName: "time-tracker", DBEngine: config.EngineLocal}
}

func startClient(t *testing.T, service *settings.Service) (*Client, context.CancelFunc) {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Settings:      service,
		Stores:        NewStoreFactory(FactoryConfig{DataDir: t.TempDir(), PollTimeout: 200 * time.Millisecond}),
		Window:        20 * time.Millisecond,
		ProbeInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})
	require.Eventually(t, func() bool {
		projection, err := client.State()
		return err == nil && projection.Recurring.Loaded()
	}, 5*time.Second, 10*time.Millisecond)
	return client, cancel
}

func TestNewClientRequiresDependencies(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	require.Error(t, err)
	_, err = NewClient(ClientConfig{Settings: newSettings(t, localDefaults())})
	require.Error(t, err)
}

func TestStateUnavailableBeforeRun(t *testing.T) {
	client, err := NewClient(ClientConfig{
		Settings: newSettings(t, localDefaults()),
		Stores:   NewStoreFactory(FactoryConfig{DataDir: t.TempDir()}),
	})
	require.NoError(t, err)
	_, err = client.State()
	require.ErrorIs(t, err, errNotRunning)
}

func TestSwitchDatabaseReopensStore(t *testing.T) {
	service := newSettings(t, localDefaults())
	client, _ := startClient(t, service)
	ctx := context.Background()

	projection, err := client.State()
	require.NoError(t, err)
	_, err = projection.AddRecurring(ctx, "Tea")
	require.NoError(t, err)
	require.Len(t, projection.Recurring.Snapshot().Items, 1)

	require.NoError(t, client.SwitchDatabase(ctx, "work"))
	stored, err := service.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "work", stored.DBName)

	switched, err := client.State()
	require.NoError(t, err)
	assert.Empty(t, switched.Recurring.Snapshot().Items)

	require.NoError(t, client.SwitchDatabase(ctx, "time-tracker"))
	restored, err := client.State()
	require.NoError(t, err)
	require.Len(t, restored.Recurring.Snapshot().Items, 1)
	assert.Equal(t, "Tea", restored.Recurring.Snapshot().Items[0].Name)
}

func TestSwitchDatabaseRejectsInvalidName(t *testing.T) {
	service := newSettings(t, localDefaults())
	client, _ := startClient(t, service)

	err := client.SwitchDatabase(context.Background(), "Not Valid")
	require.ErrorIs(t, err, documents.ErrValidation)
}

func TestClientPullsRemoteDocuments(t *testing.T) {
	gin.SetMode(gin.TestMode)
	databases, err := server.NewDatabases(server.DatabasesConfig{Dir: filepath.Join(t.TempDir(), "remote")})
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{Databases: databases, LongPollLimit: 5 * time.Second})
	require.NoError(t, err)
	remote := httptest.NewServer(handler)
	t.Cleanup(func() {
		remote.Close()
		_ = databases.Close()
	})

	writer, err := replication.NewClient(replication.ClientConfig{
		Target: replication.Target{Endpoint: remote.URL, Database: "time-tracker"},
	})
	require.NoError(t, err)
	_, err = writer.Put(context.Background(), documents.Document{ID: "LT-1000", Type: documents.TypeRecurringTimer, Name: "Tea"})
	require.NoError(t, err)

	defaults := localDefaults()
	defaults.Endpoint = remote.URL
	defaults.EnableRemoteSync = true
	client, _ := startClient(t, newSettings(t, defaults))

	require.Eventually(t, func() bool {
		projection, err := client.State()
		if err != nil {
			return false
		}
		items := projection.Recurring.Snapshot().Items
		return len(items) == 1 && items[0].ID == "LT-1000"
	}, 5*time.Second, 20*time.Millisecond)

	controller, err := client.Controller()
	require.NoError(t, err)
	assert.True(t, controller.State().Online)
	assert.True(t, controller.State().SyncEnabled)
}
