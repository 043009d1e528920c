package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TIMETRACKER"
	defaultHTTPAddress     = "0.0.0.0:5984"
	defaultDataDir         = "data"
	defaultDatabaseName    = "time-tracker"
	defaultDatabaseEngine  = EngineLocal
	defaultLogLevel        = "info"
	defaultSyncDebounce    = 500 * time.Millisecond
	defaultSyncPollTimeout = 25 * time.Second
	defaultSyncBatchSize   = 100
	defaultProbeInterval   = 15 * time.Second
	defaultTokenTTL        = 30 * time.Minute
	defaultCacheSizeMB     = 8
	defaultCacheTTL        = 30 * time.Second

	// EngineLocal selects the local-first replicating engine.
	EngineLocal = "local"
	// EngineCloud selects the cloud-hosted engine.
	EngineCloud = "cloud"
)

// AppConfig captures runtime configuration for the server and the client daemon.
type AppConfig struct {
	HTTPAddress    string
	DataDir        string
	DatabaseName   string
	DatabaseEngine string
	LogLevel       string

	RemoteEndpoint    string
	RemoteUser        string
	RemotePassword    string
	RemoteEnableSync  bool
	RemoteCloudConfig string

	SyncDebounce      time.Duration
	SyncPollTimeout   time.Duration
	SyncBatchSize     int
	SyncProbeInterval time.Duration
	ClientMobile      bool

	AuthSigningSecret string
	AuthTokenTTL      time.Duration

	CacheSizeMB    int
	CacheTTL       time.Duration
	MetricsEnabled bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("data.dir", defaultDataDir)
	configViper.SetDefault("database.name", defaultDatabaseName)
	configViper.SetDefault("database.engine", defaultDatabaseEngine)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("remote.endpoint", "")
	configViper.SetDefault("remote.user", "")
	configViper.SetDefault("remote.password", "")
	configViper.SetDefault("remote.enable_sync", false)
	configViper.SetDefault("remote.cloud_config", "")
	configViper.SetDefault("sync.debounce", defaultSyncDebounce)
	configViper.SetDefault("sync.poll_timeout", defaultSyncPollTimeout)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("sync.probe_interval", defaultProbeInterval)
	configViper.SetDefault("client.mobile", false)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("cache.size_mb", defaultCacheSizeMB)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DataDir:           configViper.GetString("data.dir"),
		DatabaseName:      configViper.GetString("database.name"),
		DatabaseEngine:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.engine"))),
		LogLevel:          configViper.GetString("log.level"),
		RemoteEndpoint:    configViper.GetString("remote.endpoint"),
		RemoteUser:        configViper.GetString("remote.user"),
		RemotePassword:    configViper.GetString("remote.password"),
		RemoteEnableSync:  configViper.GetBool("remote.enable_sync"),
		RemoteCloudConfig: configViper.GetString("remote.cloud_config"),
		SyncDebounce:      configViper.GetDuration("sync.debounce"),
		SyncPollTimeout:   configViper.GetDuration("sync.poll_timeout"),
		SyncBatchSize:     configViper.GetInt("sync.batch_size"),
		SyncProbeInterval: configViper.GetDuration("sync.probe_interval"),
		ClientMobile:      configViper.GetBool("client.mobile"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthTokenTTL:      configViper.GetDuration("auth.token_ttl"),
		CacheSizeMB:       configViper.GetInt("cache.size_mb"),
		CacheTTL:          configViper.GetDuration("cache.ttl"),
		MetricsEnabled:    configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateServer enforces the settings only the document server needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data.dir is required")
	}
	if strings.TrimSpace(c.DatabaseName) == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.DatabaseEngine != EngineLocal && c.DatabaseEngine != EngineCloud {
		return fmt.Errorf("database.engine must be %q or %q, got %q", EngineLocal, EngineCloud, c.DatabaseEngine)
	}
	if c.SyncDebounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.CacheSizeMB <= 0 {
		return fmt.Errorf("cache.size_mb must be positive")
	}
	return nil
}
