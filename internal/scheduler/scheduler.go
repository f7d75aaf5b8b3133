// Package scheduler runs the control server's two periodic background jobs
// on top of gocron: a keystore refresh (so an agent secret written to the
// database by the REST API eventually takes effect even if nothing calls
// keystore.Store.Refresh directly) and a stale-connection sweep (metrics
// hygiene only — it never closes a connection; internal/connections.Manager
// owns that lifecycle). Neither job is required for correctness: spec.md's
// keystore interface is "refresh on demand", and this package is additive,
// not a substitute for the synchronous refresh the REST agent-create handler
// already performs (SPEC_FULL.md §9/Non-goals).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/keystore"
	"github.com/ashfall-io/ashfall/internal/metrics"
)

const (
	// keystoreRefreshInterval bounds how stale the handshake snapshot can get
	// between REST-triggered refreshes.
	keystoreRefreshInterval = 1 * time.Minute

	// sweepInterval controls how often the connected-agent gauge is
	// reconciled against the registry's live count.
	sweepInterval = 30 * time.Second

	jobTimeout = 10 * time.Second
)

// Scheduler wraps gocron and owns the control server's two recurring
// background jobs. The zero value is not usable — create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	keys   *keystore.Store
	conns  *connections.Manager
	logger *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin running
// jobs.
func New(keys *keystore.Store, conns *connections.Manager, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:   s,
		keys:   keys,
		conns:  conns,
		logger: logger.Named("scheduler"),
	}, nil
}

// Start registers both jobs and starts the underlying gocron scheduler.
// Call once at server startup, after the keystore and connections registry
// exist.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(keystoreRefreshInterval),
		gocron.NewTask(func() { s.refreshKeystore() }),
		gocron.WithTags("keystore-refresh"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("scheduler: failed to schedule keystore refresh: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() { s.sweepConnections() }),
		gocron.WithTags("connection-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("scheduler: failed to schedule connection sweep: %w", err)
	}

	// Prime the keystore once synchronously so the handshake snapshot isn't
	// empty for up to a full keystoreRefreshInterval after a cold start.
	if err := s.keys.Refresh(ctx); err != nil {
		s.logger.Warn("initial keystore refresh failed", zap.Error(err))
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("keystore_refresh_interval", keystoreRefreshInterval),
		zap.Duration("sweep_interval", sweepInterval),
	)
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// refreshKeystore re-pulls the agent_id -> secret snapshot from the
// database. Best-effort: a failed refresh leaves the previous snapshot in
// place and is logged, not propagated — an agent whose secret hasn't
// changed is unaffected either way.
func (s *Scheduler) refreshKeystore() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := s.keys.Refresh(ctx); err != nil {
		s.logger.Error("periodic keystore refresh failed", zap.Error(err))
	}
}

// sweepConnections reconciles the connected-agent gauge against the
// registry's live entry count. This is pure observability hygiene — any
// drift (e.g. from a metrics process restart) self-heals every tick; no
// connection is ever closed by this job.
func (s *Scheduler) sweepConnections() {
	n := len(s.conns.List())
	metrics.ConnectedAgents.Set(float64(n))
}
