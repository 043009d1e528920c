// Package settings persists the user's runtime settings in a key-value table
// and derives the remote sync URL from them.
package settings

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/timetracker/internal/config"
	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	json "github.com/goccy/go-json"
	"github.com/gookit/validate"
)

const (
	// Key stores the Settings record.
	Key = "settings"

	defaultPort         = "5984"
	defaultDatabaseName = "time-tracker"
)

// Settings are the user-editable runtime settings.
type Settings struct {
	Endpoint         string `json:"endpoint"`
	User             string `json:"user"`
	Password         string `json:"password"`
	EnableRemoteSync bool   `json:"enableRemoteSync"`
	DBName           string `json:"dbName" validate:"required|regex:^[a-z][a-z0-9_-]*$"`
	DBEngine         string `json:"dbEngine" validate:"required|in:local,cloud"`
	CloudConfig      string `json:"cloudConfig" validate:"json"`
}

// FromConfig seeds settings from the process configuration.
func FromConfig(cfg config.AppConfig) Settings {
	return Settings{
		Endpoint:         cfg.RemoteEndpoint,
		User:             cfg.RemoteUser,
		Password:         cfg.RemotePassword,
		EnableRemoteSync: cfg.RemoteEnableSync,
		DBName:           cfg.DatabaseName,
		DBEngine:         cfg.DatabaseEngine,
		CloudConfig:      cfg.RemoteCloudConfig,
	}
}

// Validate checks the struct rules and that the endpoint parses.
func (s Settings) Validate() error {
	v := validate.Struct(&s)
	if !v.Validate() {
		return fmt.Errorf("%w: settings: %s", documents.ErrValidation, v.Errors.One())
	}
	if strings.TrimSpace(s.Endpoint) != "" {
		if _, err := s.endpointURL(); err != nil {
			return err
		}
	}
	if _, err := ParseCloudOptions(s.CloudConfig); err != nil {
		return err
	}
	return nil
}

// HasEndpoint reports whether a remote endpoint is configured.
func (s Settings) HasEndpoint() bool {
	return strings.TrimSpace(s.Endpoint) != ""
}

// SyncWanted reports whether replication is configured and switched on.
func (s Settings) SyncWanted() bool {
	return s.EnableRemoteSync && s.HasEndpoint()
}

// DatabaseName returns the configured database name or the default.
func (s Settings) DatabaseName() string {
	if name := strings.TrimSpace(s.DBName); name != "" {
		return name
	}
	return defaultDatabaseName
}

// Engine returns the configured engine or the local one.
func (s Settings) Engine() string {
	if engine := strings.ToLower(strings.TrimSpace(s.DBEngine)); engine != "" {
		return engine
	}
	return config.EngineLocal
}

func (s Settings) endpointURL() (*url.URL, error) {
	raw := strings.TrimSpace(s.Endpoint)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q is not a url", documents.ErrValidation, s.Endpoint)
	}
	if parsed.Port() == "" && parsed.Scheme != "https" {
		parsed.Host = net.JoinHostPort(parsed.Hostname(), defaultPort)
	}
	return parsed, nil
}

// EffectiveSyncURL renders scheme://[user:password@]host:port/db. The scheme
// defaults to http, the port to 5984 unless the scheme is https. Credentials
// are embedded only when both user and password are set. It returns false
// when no endpoint is configured.
func (s Settings) EffectiveSyncURL() (string, bool, error) {
	if !s.HasEndpoint() {
		return "", false, nil
	}
	parsed, err := s.endpointURL()
	if err != nil {
		return "", false, err
	}
	parsed.Path = "/" + s.DatabaseName()
	parsed.RawQuery, parsed.Fragment = "", ""
	parsed.User = nil
	if s.User != "" && s.Password != "" {
		parsed.User = url.UserPassword(s.User, s.Password)
	}
	return parsed.String(), true, nil
}

// Target resolves the replication target of the settings.
func (s Settings) Target() (replication.Target, bool, error) {
	raw, ok, err := s.EffectiveSyncURL()
	if err != nil || !ok {
		return replication.Target{}, false, err
	}
	target, err := replication.ParseTarget(raw)
	if err != nil {
		return replication.Target{}, false, err
	}
	return target, true, nil
}

// CloudOptions configure the cloud-hosted engine.
type CloudOptions struct {
	BaseURL     string `json:"baseUrl"`
	Database    string `json:"database"`
	CacheSizeMB int    `json:"cacheSizeMb"`
}

// ParseCloudOptions decodes the cloudConfig JSON; empty input yields zero
// options.
func ParseCloudOptions(raw string) (CloudOptions, error) {
	var options CloudOptions
	if strings.TrimSpace(raw) == "" {
		return options, nil
	}
	if err := json.Unmarshal([]byte(raw), &options); err != nil {
		return CloudOptions{}, fmt.Errorf("%w: cloud config: %v", documents.ErrValidation, err)
	}
	if options.CacheSizeMB < 0 {
		return CloudOptions{}, fmt.Errorf("%w: cloud config: negative cacheSizeMb", documents.ErrValidation)
	}
	return options, nil
}
