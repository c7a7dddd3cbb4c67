package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ScriptChecker re-validates a stored script against the current policy.
// Satisfied by security.Validator.
type ScriptChecker interface {
	Check(ctx context.Context, source string, deps []string) error
}

// Sweeper periodically re-validates every cached artifact and quarantines
// entries that no longer pass policy. An entry can go bad after caching
// when the policy tightens or when the on-disk script is tampered with.
type Sweeper struct {
	store    *Store
	checker  ScriptChecker
	logger   *slog.Logger
	metrics  *Metrics
	schedule cron.Schedule
}

// NewSweeper creates a Sweeper firing on the given 5-field cron expression.
func NewSweeper(store *Store, checker ScriptChecker, spec string, metrics *Metrics, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep cron expression %q: %w", spec, err)
	}
	return &Sweeper{
		store:    store,
		checker:  checker,
		logger:   logger,
		metrics:  metrics,
		schedule: schedule,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "cache integrity sweeper started",
			slog.String("next_sweep", s.schedule.Next(time.Now()).Format(time.RFC3339)),
		)
		for {
			next := s.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("cache integrity sweeper stopped")
				return
			case <-timer.C:
				s.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep re-validates every cache entry once. Exported so the CLI can
// trigger an immediate sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()
	correlationID := newCorrelationID()

	manifests, err := s.store.List()
	if err != nil {
		s.logger.ErrorContext(ctx, "cache sweep failed to list entries",
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationID),
		)
		return
	}

	var checked, quarantined int
	for _, m := range manifests {
		art, ok := s.store.Get(m.Fingerprint)
		if !ok {
			continue
		}
		checked++
		if err := s.checker.Check(ctx, art.Script, art.Manifest.Deps); err != nil {
			s.logger.WarnContext(ctx, "cached script no longer passes policy",
				slog.String("fingerprint", m.Fingerprint),
				slog.String("error", err.Error()),
				slog.String("correlation_id", correlationID),
			)
			if qErr := s.store.Quarantine(m.Fingerprint); qErr != nil {
				s.logger.ErrorContext(ctx, "failed to quarantine entry",
					slog.String("fingerprint", m.Fingerprint),
					slog.String("error", qErr.Error()),
				)
				continue
			}
			quarantined++
			if s.metrics != nil {
				s.metrics.Quarantined.Inc()
			}
		}
	}

	s.logger.InfoContext(ctx, "cache integrity sweep complete",
		slog.Int("checked", checked),
		slog.Int("quarantined", quarantined),
		slog.Duration("duration", time.Since(start)),
		slog.String("correlation_id", correlationID),
	)
	if s.metrics != nil {
		s.metrics.SweepsRun.Inc()
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
