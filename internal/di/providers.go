// Package di assembles the server and client object graphs with wire.
package di

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/app"
	"github.com/MarcoPoloResearchLab/timetracker/internal/auth"
	"github.com/MarcoPoloResearchLab/timetracker/internal/config"
	"github.com/MarcoPoloResearchLab/timetracker/internal/database"
	"github.com/MarcoPoloResearchLab/timetracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/timetracker/internal/server"
	"github.com/MarcoPoloResearchLab/timetracker/internal/settings"
	"github.com/MarcoPoloResearchLab/timetracker/internal/users"
	"github.com/google/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	accountsFile = "accounts.db"
	settingsFile = "settings.db"
	serverDir    = "server"
)

// AccountsDB is the accounts database of the server.
type AccountsDB *gorm.DB

// SettingsDB is the settings database of the client.
type SettingsDB *gorm.DB

// ServerRuntime is everything `serve` needs.
type ServerRuntime struct {
	Handler http.Handler
	Address string
	Logger  *zap.Logger
}

// Tools serve the one-shot client commands.
type Tools struct {
	Settings *settings.Service
	Stores   app.StoreFactory
	Config   config.AppConfig
}

// ProvideMetrics builds the metrics provider.
func ProvideMetrics(cfg config.AppConfig) metrics.Provider {
	return metrics.NewProvider(cfg.MetricsEnabled)
}

// ProvideAccountsDB opens the accounts database under the data dir.
func ProvideAccountsDB(cfg config.AppConfig, logger *zap.Logger) (AccountsDB, func(), error) {
	db, err := database.OpenSQLite(filepath.Join(cfg.DataDir, accountsFile), logger, &users.Account{})
	if err != nil {
		return nil, nil, err
	}
	return AccountsDB(db), closeDB(db, logger), nil
}

// ProvideAccounts builds the account service.
func ProvideAccounts(db AccountsDB) (*users.Service, error) {
	return users.NewService(users.ServiceConfig{Database: (*gorm.DB)(db), Clock: time.Now})
}

// ProvideTokenIssuer builds the bearer token issuer.
func ProvideTokenIssuer(cfg config.AppConfig) (*auth.TokenIssuer, error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.AuthSigningSecret),
		TokenTTL:      cfg.AuthTokenTTL,
	})
}

// ProvideDatabases opens the served databases lazily under the data dir.
func ProvideDatabases(cfg config.AppConfig, logger *zap.Logger, provider metrics.Provider) (*server.Databases, func(), error) {
	databases, err := server.NewDatabases(server.DatabasesConfig{
		Dir:     filepath.Join(cfg.DataDir, serverDir),
		Open:    database.OpenDocuments,
		Logger:  logger,
		Metrics: provider,
	})
	if err != nil {
		return nil, nil, err
	}
	return databases, func() {
		if err := databases.Close(); err != nil {
			logger.Warn("closing databases failed", zap.Error(err))
		}
	}, nil
}

// ProvideServerRuntime builds the document server handler.
func ProvideServerRuntime(cfg config.AppConfig, logger *zap.Logger, provider metrics.Provider, databases *server.Databases, accounts *users.Service, tokens *auth.TokenIssuer) (*ServerRuntime, error) {
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Databases: databases,
		Accounts:  accounts,
		Tokens:    tokens,
		Metrics:   provider,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &ServerRuntime{Handler: handler, Address: cfg.HTTPAddress, Logger: logger}, nil
}

// ProvideSettingsDB opens the client's settings database under the data dir.
func ProvideSettingsDB(cfg config.AppConfig, logger *zap.Logger) (SettingsDB, func(), error) {
	db, err := database.OpenSQLite(filepath.Join(cfg.DataDir, settingsFile), logger, &settings.Entry{})
	if err != nil {
		return nil, nil, err
	}
	return SettingsDB(db), closeDB(db, logger), nil
}

// ProvideSettings builds the settings service seeded from cfg.
func ProvideSettings(cfg config.AppConfig, db SettingsDB, logger *zap.Logger) (*settings.Service, error) {
	return settings.NewService(settings.ServiceConfig{Database: (*gorm.DB)(db), Defaults: settings.FromConfig(cfg), Logger: logger})
}

// ProvideStoreFactory builds the engine factory.
func ProvideStoreFactory(cfg config.AppConfig, logger *zap.Logger, provider metrics.Provider) app.StoreFactory {
	return app.NewStoreFactory(app.FactoryConfigFrom(cfg, logger, provider))
}

// ProvideClient builds the client runtime.
func ProvideClient(cfg config.AppConfig, logger *zap.Logger, service *settings.Service, stores app.StoreFactory) (*app.Client, error) {
	return app.NewClient(app.ClientConfig{
		Settings:      service,
		Stores:        stores,
		Window:        cfg.SyncDebounce,
		ProbeInterval: cfg.SyncProbeInterval,
		Mobile:        cfg.ClientMobile,
		Logger:        logger,
	})
}

// ProvideTools bundles the one-shot command dependencies.
func ProvideTools(cfg config.AppConfig, service *settings.Service, stores app.StoreFactory) *Tools {
	return &Tools{Settings: service, Stores: stores, Config: cfg}
}

func closeDB(db *gorm.DB, logger *zap.Logger) func() {
	return func() {
		sqlDB, err := db.DB()
		if err != nil {
			return
		}
		if err := sqlDB.Close(); err != nil {
			logger.Warn("closing database failed", zap.Error(err))
		}
	}
}

var accountSet = wire.NewSet(ProvideAccountsDB, ProvideAccounts)

var serverSet = wire.NewSet(
	ProvideMetrics,
	accountSet,
	ProvideTokenIssuer,
	ProvideDatabases,
	ProvideServerRuntime,
)

var clientSet = wire.NewSet(
	ProvideMetrics,
	ProvideSettingsDB,
	ProvideSettings,
	ProvideStoreFactory,
)
