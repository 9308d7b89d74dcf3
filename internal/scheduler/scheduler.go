// Package scheduler fires the recurring-order engine at fixed local-time
// ticks in the business timezone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parthchandak02/ibkr-recurring-orders/internal/engine"
	"github.com/parthchandak02/ibkr-recurring-orders/internal/order"
	"github.com/parthchandak02/ibkr-recurring-orders/pkg/logger"
)

// Runner is the engine surface the scheduler drives.
type Runner interface {
	ExecuteDue(ctx context.Context, now time.Time) (*order.AggregateResult, error)
}

// HealthSnapshot is the status view updated by the five-minute health tick.
type HealthSnapshot struct {
	StartedAt      time.Time `json:"started_at"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	HealthTicks    int64     `json:"health_ticks"`
	LastHealthTick time.Time `json:"last_health_tick,omitzero"`
	RunsFired      int64     `json:"runs_fired"`
	LastRunError   string    `json:"last_run_error,omitempty"`
	NextFire       time.Time `json:"next_fire,omitzero"`
}

// Scheduler wraps a cron runner with a daily execution job and a health
// tick. Missed fire times are skipped, never replayed: sleeping past 09:00
// must not double-submit orders.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	loc     *time.Location
	baseCtx context.Context

	dailyID cron.EntryID

	mu        sync.Mutex
	startedAt time.Time
	ticks     int64
	lastTick  time.Time
	runsFired int64
	lastErr   string
}

// New builds a scheduler firing ExecuteDue at hour:minute each day in loc,
// plus a health tick every five minutes.
func New(baseCtx context.Context, runner Runner, loc *time.Location, hour, minute int) (*Scheduler, error) {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		runner:  runner,
		loc:     loc,
		baseCtx: baseCtx,
	}

	id, err := s.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), s.runJob)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule daily job: %w", err)
	}
	s.dailyID = id

	if _, err := s.cron.AddFunc("*/5 * * * *", s.healthTick); err != nil {
		return nil, fmt.Errorf("failed to schedule health tick: %w", err)
	}
	return s, nil
}

// Start launches the cron loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.cron.Start()
	logger.Infof("Scheduler started in %s; next fire %s",
		s.loc, s.NextFire().Format(time.RFC3339))
}

// Stop halts the cron loop and waits for any running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logger.Info("Scheduler stopped")
}

// NextFire reports the next daily execution instant.
func (s *Scheduler) NextFire() time.Time {
	return s.cron.Entry(s.dailyID).Next
}

// Health returns the current health snapshot.
func (s *Scheduler) Health() HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := HealthSnapshot{
		StartedAt:      s.startedAt,
		HealthTicks:    s.ticks,
		LastHealthTick: s.lastTick,
		RunsFired:      s.runsFired,
		LastRunError:   s.lastErr,
		NextFire:       s.NextFire(),
	}
	if !s.startedAt.IsZero() {
		snap.UptimeSeconds = int64(time.Since(s.startedAt).Seconds())
	}
	return snap
}

func (s *Scheduler) runJob() {
	now := time.Now().In(s.loc)
	logger.Infof("Scheduled trigger fired at %s", now.Format(time.RFC3339))

	s.mu.Lock()
	s.runsFired++
	s.mu.Unlock()

	_, err := s.runner.ExecuteDue(s.baseCtx, now)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case errors.Is(err, engine.ErrBusy):
		// A manual trigger won the race; its run counts.
		logger.Warn("Scheduled run skipped: engine busy")
		s.lastErr = ""
	case err != nil:
		s.lastErr = err.Error()
	default:
		s.lastErr = ""
	}
}

// healthTick is deliberately light: it refreshes the liveness counters the
// status endpoint reports.
func (s *Scheduler) healthTick() {
	s.mu.Lock()
	s.ticks++
	s.lastTick = time.Now()
	s.mu.Unlock()
	logger.Debugf("Health tick %d", s.ticks)
}
