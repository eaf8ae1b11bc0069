// Package cleanup enforces retention on the audit store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turnclock/turnclock/pkg/clock"
)

// Purger removes audit rows older than a cutoff.
type Purger interface {
	PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error)
	PurgeSessions(ctx context.Context, olderThan time.Time) (int64, error)
}

// Options configures the retention loop.
type Options struct {
	// Retention is how long audit rows are kept. Zero disables purging.
	Retention time.Duration

	// Interval between purge passes.
	Interval time.Duration
}

// Service periodically purges expired audit rows. Purges are idempotent and
// safe to run from multiple replicas at once.
type Service struct {
	purger    Purger
	clk       clock.Clock
	retention time.Duration
	interval  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service. A nil clk uses the system clock.
func NewService(p Purger, clk clock.Clock, opts Options) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Service{
		purger:    p,
		clk:       clk,
		retention: opts.Retention,
		interval:  opts.Interval,
	}
}

// Start launches the background purge loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil || s.retention <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Audit retention started",
		"retention", s.retention,
		"interval", s.interval)
}

// Stop signals the purge loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	slog.Info("Audit retention stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.purge(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Service) purge(ctx context.Context) {
	cutoff := s.clk.Now().Add(-s.retention)

	count, err := s.purger.PurgeEvents(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: event purge failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: purged audit events", "count", count, "cutoff", cutoff)
	}

	count, err = s.purger.PurgeSessions(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: session purge failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: purged session summaries", "count", count, "cutoff", cutoff)
	}
}

// PGPurger deletes expired rows from the PostgreSQL audit store.
type PGPurger struct {
	pool *pgxpool.Pool
}

// NewPGPurger creates a purger on the given pool.
func NewPGPurger(pool *pgxpool.Pool) *PGPurger {
	return &PGPurger{pool: pool}
}

// PurgeEvents deletes audit events recorded before olderThan.
func (p *PGPurger) PurgeEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM events WHERE timestamp < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PurgeSessions deletes session summaries whose last activity predates
// olderThan. Events for such sessions were already purged by cutoff, so no
// dangling history remains.
func (p *PGPurger) PurgeSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM sessions WHERE last_updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
