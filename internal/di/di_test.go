package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/timetracker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	configViper := config.NewViper()
	configViper.Set("data.dir", t.TempDir())
	configViper.Set("metrics.enabled", false)
	cfg, err := config.Load(configViper)
	require.NoError(t, err)
	return cfg
}

func TestInitServerRequiresSigningSecret(t *testing.T) {
	_, _, err := InitServer(testConfig(t), zap.NewNop())
	require.Error(t, err)
}

func TestInitServerServesHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthSigningSecret = "secret"
	runtime, cleanup, err := InitServer(cfg, zap.NewNop())
	require.NoError(t, err)
	defer cleanup()

	recorder := httptest.NewRecorder()
	runtime.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestInitToolsSeedsSettingsFromConfig(t *testing.T) {
	cfg := testConfig(t)
	tools, cleanup, err := InitTools(cfg, zap.NewNop())
	require.NoError(t, err)
	defer cleanup()

	current, err := tools.Settings.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.DatabaseName, current.DBName)
	assert.Equal(t, config.EngineLocal, current.DBEngine)

	backend, err := tools.Stores(current)
	require.NoError(t, err)
	assert.False(t, backend.HasRemote)
}

func TestInitAccountsCreatesAccounts(t *testing.T) {
	accounts, cleanup, err := InitAccounts(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, accounts.SetPassword(ctx, "alice", "correct horse"))
	subject, err := accounts.Authenticate(ctx, "alice", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)
}
