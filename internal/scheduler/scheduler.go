package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/dagflow/internal/engine"
	"github.com/rendis/dagflow/internal/expressions"
	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/internal/validation"
	"github.com/rendis/dagflow/pkg/schema"
)

// DefaultTickInterval is how often the background loop checks cron triggers.
const DefaultTickInterval = 30 * time.Second

// Runner is the slice of the engine the scheduler drives.
type Runner interface {
	StartRun(ctx context.Context, req engine.RunRequest) (*store.Run, error)
	Cancel(ctx context.Context, runID, reason string) error
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
}

// Config tunes a Scheduler. Zero values fall back to defaults.
type Config struct {
	TickInterval time.Duration
	Events       engine.EventAppender // audit log for trigger-fired / trigger-skipped
	Logger       *slog.Logger
	Now          func() time.Time
}

// Scheduler turns cron ticks, external events, webhooks and upstream run
// outcomes into workflow runs, enforcing each trigger's concurrency policy.
type Scheduler struct {
	store     store.Store
	runner    Runner
	events    engine.EventAppender
	validator *validation.TriggerValidator
	filters   *expressions.ExprEngine
	mappings  *expressions.GoJQEngine
	logger    *slog.Logger
	now       func() time.Time
	interval  time.Duration

	// mu guards states.
	mu     sync.Mutex
	states map[string]*triggerState

	// lifecycle
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// bg tracks goroutines spawned by RunTerminated.
	bg sync.WaitGroup
}

// NewScheduler creates a Scheduler. Call Start to run the cron loop; the
// reactive entry points (FireEvent, FireWebhook, RunTerminated) work without it.
func NewScheduler(s store.Store, runner Runner, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Events == nil {
		cfg.Events = store.NewEventLog(s)
	}
	return &Scheduler{
		store:     s,
		runner:    runner,
		events:    cfg.Events,
		validator: validation.NewTriggerValidator(),
		filters:   expressions.NewExprEngine(),
		mappings:  expressions.NewGoJQEngine(),
		logger:    cfg.Logger,
		now:       cfg.Now,
		interval:  cfg.TickInterval,
		states:    make(map[string]*triggerState),
	}
}

// Start restores in-flight run accounting, fires missed cron triggers once and
// launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.done != nil {
		s.lifeMu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lifeMu.Unlock()

	if err := s.Restore(ctx); err != nil {
		s.logger.WarnContext(ctx, "restore trigger runs failed", slog.String("error", err.Error()))
	}
	if _, err := s.RecoverMissed(ctx); err != nil {
		s.logger.WarnContext(ctx, "recover missed triggers failed", slog.String("error", err.Error()))
	}

	go s.loop(loopCtx)
	s.logger.InfoContext(ctx, "scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, s.now()); err != nil {
				s.logger.ErrorContext(ctx, "scheduler tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop halts the tick loop and waits for background trigger work to finish.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		s.logger.Info("scheduler stopped")
	}
	s.bg.Wait()
}

// Tick fires every enabled cron trigger whose next_scheduled_at is due and
// schedules its next occurrence. Triggers without a computed next time are
// initialised without firing. Returns the number of triggers fired.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Kind: schema.TriggerCron, Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list cron triggers: %w", err)
	}

	fired := 0
	for _, t := range triggers {
		next, err := NextOccurrence(t, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "invalid cron trigger",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		if t.NextScheduledAt == nil {
			t.NextScheduledAt = &next
			if err := s.store.UpdateTrigger(ctx, t); err != nil {
				s.logger.ErrorContext(ctx, "update trigger schedule failed",
					slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
			}
			continue
		}
		if t.NextScheduledAt.After(now) {
			continue
		}

		payload := map[string]any{
			"scheduled_at": t.NextScheduledAt.UTC().Format(time.RFC3339),
			"fired_at":     now.UTC().Format(time.RFC3339),
		}
		t.NextScheduledAt = &next
		if _, err := s.fire(ctx, t, payload); err != nil {
			s.logger.ErrorContext(ctx, "cron trigger fire failed",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		} else {
			fired++
		}
		// fire stamps LastFiredAt on success; the schedule advances either way.
		if err := s.persistSchedule(ctx, t.ID, next); err != nil {
			s.logger.ErrorContext(ctx, "update trigger schedule failed",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		}
	}
	return fired, nil
}

// RecoverMissed fires each cron trigger whose scheduled time passed while the
// scheduler was down. A trigger fires once no matter how many periods it missed.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	n, err := s.Tick(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "recovered missed triggers", slog.Int("count", n))
	}
	return n, nil
}

func (s *Scheduler) persistSchedule(ctx context.Context, triggerID string, next time.Time) error {
	t, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}
	t.NextScheduledAt = &next
	return s.store.UpdateTrigger(ctx, t)
}

// NextOccurrence returns the first time after from that t's cron expression
// matches, evaluated in the trigger's timezone (UTC when unset).
func NextOccurrence(t *store.Trigger, from time.Time) (time.Time, error) {
	sched, err := validation.CronParser.Parse(t.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", t.CronExpression, err)
	}
	loc := time.UTC
	if t.Timezone != "" {
		if loc, err = time.LoadLocation(t.Timezone); err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", t.Timezone, err)
		}
	}
	return sched.Next(from.In(loc)).UTC(), nil
}
