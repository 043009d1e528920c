package syncctl

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/replication"
	"go.uber.org/zap"
)

const defaultProbeInterval = 15 * time.Second

var errMissingChecker = errors.New("syncctl: probe checker required")

// Checker is the remote call a probe issues.
type Checker interface {
	Info(ctx context.Context) (replication.DatabaseInfo, error)
}

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	Checker  Checker
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Probe periodically checks whether the remote answers at all. Any HTTP
// response counts as reachable; only transport failures mean offline.
type Probe struct {
	checker  Checker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProbe validates cfg.
func NewProbe(cfg ProbeConfig) (*Probe, error) {
	if cfg.Checker == nil {
		return nil, errMissingChecker
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Probe{checker: cfg.Checker, interval: interval, timeout: timeout, logger: logger}, nil
}

// Check reports whether the remote is reachable now.
func (p *Probe) Check(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.checker.Info(checkCtx)
	if err == nil || replication.StatusOf(err) != 0 {
		return true
	}
	p.logger.Debug("remote unreachable", zap.Error(err))
	return false
}

// Run checks immediately and then every interval, calling report when
// reachability changes. It returns when ctx ends.
func (p *Probe) Run(ctx context.Context, report func(ctx context.Context, online bool) error) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	first := true
	var last bool
	for {
		online := p.Check(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if first || online != last {
			if err := report(ctx, online); err != nil {
				p.logger.Warn("connectivity change not applied", zap.Bool("online", online), zap.Error(err))
			}
			first, last = false, online
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
