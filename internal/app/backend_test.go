package app

import (
	"testing"

	"github.com/MarcoPoloResearchLab/timetracker/internal/config"
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackendResolvesRemote(t *testing.T) {
	factory := NewStoreFactory(FactoryConfig{DataDir: t.TempDir()})

	backend, err := factory(settings.Settings{DBName: "time-tracker", DBEngine: config.EngineLocal})
	require.NoError(t, err)
	assert.False(t, backend.HasRemote)
	assert.False(t, backend.Cloud)

	backend, err = factory(settings.Settings{
		Endpoint: "sync.example.com",
		User:     "alice",
		Password: "secret",
		DBName:   "work",
		DBEngine: config.EngineLocal,
	})
	require.NoError(t, err)
	require.True(t, backend.HasRemote)
	assert.Equal(t, "http://sync.example.com:5984", backend.Remote.Endpoint)
	assert.Equal(t, "work", backend.Remote.Database)
	assert.Equal(t, "alice", backend.Remote.Username)
}

func TestCloudBackendRequiresRemote(t *testing.T) {
	factory := NewStoreFactory(FactoryConfig{DataDir: t.TempDir()})

	_, err := factory(settings.Settings{DBName: "time-tracker", DBEngine: config.EngineCloud})
	require.ErrorIs(t, err, documents.ErrValidation)
}

func TestCloudBackendUsesCloudOptions(t *testing.T) {
	factory := NewStoreFactory(FactoryConfig{DataDir: t.TempDir(), CacheSizeMB: 1})

	backend, err := factory(settings.Settings{
		DBName:      "time-tracker",
		DBEngine:    config.EngineCloud,
		User:        "alice",
		Password:    "secret",
		CloudConfig: `{"baseUrl":"https://cloud.example.com","database":"shared","cacheSizeMb":2}`,
	})
	require.NoError(t, err)
	assert.True(t, backend.Cloud)
	assert.Equal(t, "https://cloud.example.com", backend.Remote.Endpoint)
	assert.Equal(t, "shared", backend.Remote.Database)
	assert.Equal(t, "alice", backend.Remote.Username)
}

func TestFactoryRejectsInvalidSettings(t *testing.T) {
	factory := NewStoreFactory(FactoryConfig{DataDir: t.TempDir()})

	_, err := factory(settings.Settings{DBName: "time-tracker", DBEngine: config.EngineCloud, CloudConfig: "{"})
	require.ErrorIs(t, err, documents.ErrValidation)
}
