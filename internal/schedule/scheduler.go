// Package schedule fires recurring missions from stored cron schedules.
// A single loop scans enabled schedules, launches the ones that are due,
// and records every trigger so the next due-check anchors on the last run.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/events"
	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/store"
)

// tickInterval bounds how late a schedule can fire.
const tickInterval = 30 * time.Second

// Presets maps human-readable schedule names onto cron expressions. The
// API accepts either form.
var Presets = map[string]string{
	"hourly":  "0 * * * *",
	"daily":   "0 2 * * *",
	"weekly":  "0 3 * * 0",
	"monthly": "0 4 1 * *",
}

// Resolve expands a preset name into its cron expression, passing
// everything else through untouched.
func Resolve(expr string) string {
	if preset, ok := Presets[strings.ToLower(strings.TrimSpace(expr))]; ok {
		return preset
	}
	return strings.TrimSpace(expr)
}

// Validate accepts a preset name, a Go duration, or a standard five-field
// cron expression.
func Validate(expr string) error {
	expr = Resolve(expr)
	if expr == "" {
		return fmt.Errorf("schedule expression is required")
	}
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return fmt.Errorf("interval must be > 0")
		}
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun computes the first firing strictly after the given time.
func NextRun(expr string, after time.Time) (time.Time, error) {
	expr = Resolve(expr)
	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("interval must be > 0")
		}
		return after.Add(d), nil
	}
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return spec.Next(after), nil
}

// isDue anchors on the last run when one exists, else on creation, and
// reports whether the next firing from that anchor has passed.
func isDue(expr string, lastRun *time.Time, createdAt, now time.Time) (bool, error) {
	expr = Resolve(expr)
	if expr == "" {
		return false, fmt.Errorf("schedule expression is required")
	}

	anchor := createdAt.UTC()
	if anchor.IsZero() {
		anchor = now.UTC()
	}
	if lastRun != nil {
		anchor = lastRun.UTC()
	}

	if d, err := time.ParseDuration(expr); err == nil {
		if d <= 0 {
			return false, fmt.Errorf("interval must be > 0")
		}
		return !anchor.Add(d).After(now.UTC()), nil
	}

	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return false, err
	}
	return !spec.Next(anchor).After(now.UTC()), nil
}

// Launcher starts a mission for a fired schedule. The control-plane server
// implements it with the same path interactive mission creation uses.
type Launcher interface {
	LaunchScheduled(ctx context.Context, s store.Schedule) (missionID string, err error)
}

// Scheduler owns the firing loop.
type Scheduler struct {
	store    store.Store
	launcher Launcher
	bus      *events.Bus
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	ticker *time.Ticker
	active map[string]struct{}
	wg     sync.WaitGroup
}

func NewScheduler(st store.Store, launcher Launcher, bus *events.Bus, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:    st,
		launcher: launcher,
		bus:      bus,
		log:      log,
		active:   make(map[string]struct{}),
	}
}

// Start launches the loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.ticker = time.NewTicker(tickInterval)
	ticker := s.ticker
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(loopCtx, time.Now().UTC())
		for {
			select {
			case <-loopCtx.Done():
				return
			case now := <-ticker.C:
				s.runOnce(loopCtx, now.UTC())
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight triggers to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	s.ticker = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// TriggerNow fires one schedule immediately, due or not.
func (s *Scheduler) TriggerNow(ctx context.Context, scheduleID string) (string, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return "", err
	}
	return s.fire(ctx, *sched, time.Now().UTC())
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	schedules, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		s.log.Warn("list schedules failed", zap.Error(err))
		return
	}
	for _, sched := range schedules {
		due, err := isDue(sched.CronExpr, sched.LastRunAt, sched.CreatedAt, now)
		if err != nil {
			s.log.Warn("invalid schedule expression",
				zap.String("schedule_id", sched.ID),
				zap.String("cron_expr", sched.CronExpr),
				zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		if _, err := s.fire(ctx, sched, now); err != nil {
			s.log.Warn("scheduled mission launch failed",
				zap.String("schedule_id", sched.ID),
				zap.Error(err))
		}
	}
}

// fire launches one mission for the schedule. A schedule whose previous
// trigger is still launching is skipped rather than doubled up.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) (string, error) {
	if !s.claim(sched.ID) {
		s.log.Debug("skipping overlapping trigger", zap.String("schedule_id", sched.ID))
		return "", nil
	}
	defer s.release(sched.ID)

	missionID, err := s.launcher.LaunchScheduled(ctx, sched)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if terr := s.store.TouchSchedule(ctx, sched.ID, now, status); terr != nil {
		s.log.Warn("touch schedule failed", zap.String("schedule_id", sched.ID), zap.Error(terr))
	}
	if err != nil {
		return "", err
	}

	s.log.Info("schedule fired",
		zap.String("schedule_id", sched.ID),
		zap.String("schedule_name", sched.Name),
		zap.String("mission_id", missionID))

	if s.bus != nil {
		s.bus.Publish(mission.NewEvent(missionID, mission.TopicNotification, "schedule_triggered", map[string]any{
			"schedule_id":   sched.ID,
			"schedule_name": sched.Name,
			"mission_id":    missionID,
			"target":        sched.Target,
		}))
	}
	return missionID, nil
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
