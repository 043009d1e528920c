package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/config"
	"github.com/MarcoPoloResearchLab/timetracker/internal/database"
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"github.com/MarcoPoloResearchLab/timetracker/internal/settings"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store/cloudstore"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store/sqlitestore"
	"go.uber.org/zap"
)

var errCloudWithoutRemote = fmt.Errorf("%w: cloud engine requires an endpoint or a cloud config baseUrl", documents.ErrValidation)

// Backend is an unopened store plus the remote it talks to, if any.
type Backend struct {
	Store     store.Store
	Remote    replication.Target
	HasRemote bool
	Cloud     bool
}

// StoreFactory builds the backend selected by the settings.
type StoreFactory func(current settings.Settings) (Backend, error)

// FactoryConfig carries the process configuration shared by every backend.
type FactoryConfig struct {
	DataDir     string
	BatchSize   int
	PollTimeout time.Duration
	CacheSizeMB int
	CacheTTL    time.Duration
	HTTPClient  *http.Client
	Logger      *zap.Logger
	Metrics     metrics.Provider
}

// FactoryConfigFrom maps the process configuration onto FactoryConfig.
func FactoryConfigFrom(cfg config.AppConfig, logger *zap.Logger, provider metrics.Provider) FactoryConfig {
	return FactoryConfig{
		DataDir:     cfg.DataDir,
		BatchSize:   cfg.SyncBatchSize,
		PollTimeout: cfg.SyncPollTimeout,
		CacheSizeMB: cfg.CacheSizeMB,
		CacheTTL:    cfg.CacheTTL,
		Logger:      logger,
		Metrics:     provider,
	}
}

// NewStoreFactory returns a factory opening local stores under DataDir and
// cloud stores against the configured remote.
func NewStoreFactory(cfg FactoryConfig) StoreFactory {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return func(current settings.Settings) (Backend, error) {
		if err := current.Validate(); err != nil {
			return Backend{}, err
		}
		if current.Engine() == config.EngineCloud {
			return cloudBackend(cfg, current)
		}
		return localBackend(cfg, current)
	}
}

func localBackend(cfg FactoryConfig, current settings.Settings) (Backend, error) {
	if cfg.DataDir == "" {
		return Backend{}, errors.New("app: data directory required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return Backend{}, fmt.Errorf("create data directory: %w", err)
	}
	remote, hasRemote, err := current.Target()
	if err != nil {
		return Backend{}, err
	}
	name := current.DatabaseName()
	engine, err := sqlitestore.New(sqlitestore.Config{
		Path:    filepath.Join(cfg.DataDir, name+".db"),
		Name:    name,
		Open:    database.OpenDocuments,
		Logger:  cfg.Logger.With(zap.String("database", name)),
		Metrics: cfg.Metrics,
		SyncTarget: func() (replication.Target, bool) {
			return remote, hasRemote
		},
		HTTPClient:           cfg.HTTPClient,
		ReplicationBatchSize: cfg.BatchSize,
		PollTimeout:          cfg.PollTimeout,
	})
	if err != nil {
		return Backend{}, err
	}
	return Backend{Store: engine, Remote: remote, HasRemote: hasRemote}, nil
}

func cloudBackend(cfg FactoryConfig, current settings.Settings) (Backend, error) {
	options, err := settings.ParseCloudOptions(current.CloudConfig)
	if err != nil {
		return Backend{}, err
	}
	remote, hasRemote, err := current.Target()
	if err != nil {
		return Backend{}, err
	}
	if options.BaseURL != "" {
		remote = replication.Target{Endpoint: options.BaseURL, Username: current.User, Password: current.Password}
		hasRemote = true
	}
	if !hasRemote {
		return Backend{}, errCloudWithoutRemote
	}
	remote.Database = current.DatabaseName()
	if options.Database != "" {
		remote.Database = options.Database
	}
	cacheSize := cfg.CacheSizeMB
	if options.CacheSizeMB > 0 {
		cacheSize = options.CacheSizeMB
	}
	engine, err := cloudstore.New(cloudstore.Config{
		Target:      remote,
		HTTPClient:  cfg.HTTPClient,
		CacheSizeMB: cacheSize,
		CacheTTL:    cfg.CacheTTL,
		PollTimeout: cfg.PollTimeout,
		Logger:      cfg.Logger.With(zap.String("database", remote.Database)),
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return Backend{}, err
	}
	return Backend{Store: engine, Remote: remote, HasRemote: true, Cloud: true}, nil
}
