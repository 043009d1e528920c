package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/metrics"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store/sqlitestore"
	"go.uber.org/zap"
)

var (
	errMissingDataDir   = errors.New("server data directory is required")
	errInvalidDatabase  = fmt.Errorf("%w: invalid database name", documents.ErrValidation)
	databaseNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,127}$`)
)

// DatabasesConfig configures a Databases registry.
type DatabasesConfig struct {
	Dir     string
	Open    sqlitestore.Opener
	Logger  *zap.Logger
	Metrics metrics.Provider
}

// Databases lazily opens one sqlite engine per served database.
type Databases struct {
	cfg     DatabasesConfig
	mu      sync.Mutex
	engines map[string]*sqlitestore.Engine
}

// NewDatabases creates the data directory when missing.
func NewDatabases(cfg DatabasesConfig) (*Databases, error) {
	if cfg.Dir == "" {
		return nil, errMissingDataDir
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Databases{cfg: cfg, engines: make(map[string]*sqlitestore.Engine)}, nil
}

// Get returns the engine serving name, opening it on first use.
func (d *Databases) Get(ctx context.Context, name string) (*sqlitestore.Engine, error) {
	if !databaseNamePattern.MatchString(name) {
		return nil, errInvalidDatabase
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if engine, ok := d.engines[name]; ok {
		return engine, nil
	}
	engine, err := sqlitestore.New(sqlitestore.Config{
		Path:    filepath.Join(d.cfg.Dir, name+".db"),
		Name:    name,
		Open:    d.cfg.Open,
		Logger:  d.cfg.Logger,
		Metrics: d.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := engine.Open(ctx); err != nil {
		return nil, err
	}
	d.engines[name] = engine
	return engine, nil
}

// Names lists the databases opened so far.
func (d *Databases) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.engines))
	for name := range d.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every open engine.
func (d *Databases) Close() error {
	d.mu.Lock()
	engines := d.engines
	d.engines = make(map[string]*sqlitestore.Engine)
	d.mu.Unlock()

	var errs []error
	for name, engine := range engines {
		if err := engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
