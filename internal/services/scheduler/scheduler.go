package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orderhub/tracksync/internal/models"
	"github.com/orderhub/tracksync/internal/services/tracker"
	"github.com/orderhub/tracksync/internal/storage/pgorders"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const tickLockKey = "tracksync:tick"

type Registry interface {
	GetScheduleByName(ctx context.Context, name string) (*models.Schedule, error)
	ListSchedules(ctx context.Context) ([]*models.Schedule, error)
	CreateSchedule(ctx context.Context, name string, intervalMinutes int, nextRun time.Time) (*models.Schedule, error)
	ReplaceSchedule(ctx context.Context, name string, intervalMinutes int, nextRun time.Time) (*models.Schedule, error)
	DeleteSchedules(ctx context.Context, name string) (int64, error)
	MarkScheduleRun(ctx context.Context, name string, nextRun time.Time) error
}

type Runner interface {
	RefreshAllPending(ctx context.Context) (tracker.Summary, error)
}

type TickLock interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (func(), bool, error)
}

type Scheduler struct {
	registry Registry
	runner   Runner
	lock     TickLock

	defaultInterval int
	autoStart       bool
	tickTimeout     time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	entryID cron.EntryID

	// running закрывает тики друг от друга: пересёкся с работающим — пропуск.
	running atomic.Bool

	runCtxMu sync.Mutex
	runCtx   context.Context

	startedAtUnixNano int64
	lastTickUnixNano  atomic.Int64
	totalTicks        atomic.Int64
	totalSkippedTicks atomic.Int64
	lastErrorMu       sync.Mutex
	lastError         string
}

func New(registry Registry, runner Runner) *Scheduler {
	return &Scheduler{
		registry:          registry,
		runner:            runner,
		defaultInterval:   models.DefaultScheduleIntervalMinutes,
		tickTimeout:       10 * time.Minute,
		cron:              cron.New(),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (s *Scheduler) WithSettings(defaultIntervalMinutes int, tickTimeout time.Duration, autoStart bool) *Scheduler {
	if defaultIntervalMinutes > 0 {
		s.defaultInterval = defaultIntervalMinutes
	}
	if tickTimeout > 0 {
		s.tickTimeout = tickTimeout
	}
	s.autoStart = autoStart
	return s
}

// WithTickLock включает распределённый замок на тик, чтобы при нескольких
// репликах батч гонял только одну.
func (s *Scheduler) WithTickLock(l TickLock) *Scheduler {
	s.lock = l
	return s
}

// Run восстанавливает сохранённое расписание и крутит cron до отмены ctx.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCtxMu.Lock()
	s.runCtx = ctx
	s.runCtxMu.Unlock()

	if err := s.resume(ctx); err != nil {
		// Не валим процесс: расписание можно завести позже через API.
		slog.Error("resume tracking schedule", "error", err.Error())
	}

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// Start регистрирует расписание. Повторный старт без force отдаёт уже
// существующую регистрацию как есть, с force регистрация пересоздаётся.
func (s *Scheduler) Start(ctx context.Context, intervalMinutes int, force bool) (*models.Schedule, bool, error) {
	if intervalMinutes < 1 {
		return nil, false, errors.New("interval must be at least 1 minute")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if force {
		sc, err := s.registry.ReplaceSchedule(ctx, models.TrackingScheduleName, intervalMinutes, s.firstRunAt(intervalMinutes))
		if err != nil {
			return nil, false, err
		}
		s.armLocked(intervalMinutes)
		slog.Info("recreated tracking schedule", "schedule_id", sc.ID, "interval_minutes", intervalMinutes)
		return sc, true, nil
	}

	existing, err := s.registry.GetScheduleByName(ctx, models.TrackingScheduleName)
	if err == nil {
		if s.entryID == 0 {
			s.armLocked(existing.IntervalMinutes)
		}
		return existing, false, nil
	}
	if !errors.Is(err, pgorders.ErrNotFound) {
		return nil, false, err
	}

	sc, err := s.registry.CreateSchedule(ctx, models.TrackingScheduleName, intervalMinutes, s.firstRunAt(intervalMinutes))
	if err != nil {
		return nil, false, err
	}
	s.armLocked(sc.IntervalMinutes)
	slog.Info("created tracking schedule", "schedule_id", sc.ID, "interval_minutes", sc.IntervalMinutes)
	return sc, true, nil
}

// Stop снимает регистрацию. Возвращает число удалённых расписаний, то есть
// повторный Stop спокойно отдаёт ноль.
func (s *Scheduler) Stop(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.registry.DeleteSchedules(ctx, models.TrackingScheduleName)
	if err != nil {
		return 0, err
	}
	s.disarmLocked()
	if n > 0 {
		slog.Info("cancelled tracking schedule", "count", n)
	}
	return n, nil
}

type ScheduleStatus struct {
	ID              uint64
	Name            string
	IntervalMinutes int
	NextRun         time.Time
	Repeats         int
	TaskCount       int
}

func (s *Scheduler) Status(ctx context.Context) ([]ScheduleStatus, error) {
	scs, err := s.registry.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var liveNext time.Time
	if s.entryID != 0 {
		liveNext = s.cron.Entry(s.entryID).Next
	}
	s.mu.Unlock()

	out := make([]ScheduleStatus, 0, len(scs))
	for _, sc := range scs {
		st := ScheduleStatus{
			ID:              sc.ID,
			Name:            sc.Name,
			IntervalMinutes: sc.IntervalMinutes,
			NextRun:         sc.NextRun,
			Repeats:         sc.Repeats,
			TaskCount:       sc.TaskCount,
		}
		// Живое время cron точнее сохранённого в базе.
		if sc.Name == models.TrackingScheduleName && !liveNext.IsZero() {
			st.NextRun = liveNext.UTC()
		}
		out = append(out, st)
	}
	return out, nil
}

// RunNow запускает внеочередной батч через тот же гейт, что и cron.
// Регистрацию расписания не трогает.
func (s *Scheduler) RunNow() string {
	taskID := fmt.Sprintf("run-%d", time.Now().UTC().UnixNano())
	go s.tick(s.tickCtx())
	return taskID
}

type Stats struct {
	StartedAt         time.Time  `json:"startedAt"`
	LastTickAt        *time.Time `json:"lastTickAt,omitempty"`
	Active            bool       `json:"active"`
	TickRunning       bool       `json:"tickRunning"`
	TotalTicks        int64      `json:"totalTicks"`
	TotalSkippedTicks int64      `json:"totalSkippedTicks"`
	LastError         string     `json:"lastError,omitempty"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		StartedAt:         time.Unix(0, s.startedAtUnixNano).UTC(),
		TickRunning:       s.running.Load(),
		TotalTicks:        s.totalTicks.Load(),
		TotalSkippedTicks: s.totalSkippedTicks.Load(),
	}
	if n := s.lastTickUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTickAt = &t
	}
	s.mu.Lock()
	st.Active = s.entryID != 0
	s.mu.Unlock()
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Scheduler) resume(ctx context.Context) error {
	sc, err := s.registry.GetScheduleByName(ctx, models.TrackingScheduleName)
	if errors.Is(err, pgorders.ErrNotFound) {
		if !s.autoStart {
			return nil
		}
		_, _, err := s.Start(ctx, s.defaultInterval, false)
		return err
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.entryID == 0 {
		s.armLocked(sc.IntervalMinutes)
	}
	s.mu.Unlock()
	slog.Info("resumed tracking schedule", "schedule_id", sc.ID, "interval_minutes", sc.IntervalMinutes)
	return nil
}

func (s *Scheduler) armLocked(intervalMinutes int) {
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
	}
	every := time.Duration(intervalMinutes) * time.Minute
	s.entryID = s.cron.Schedule(cron.Every(every), cron.FuncJob(func() {
		s.tick(s.tickCtx())
	}))
}

func (s *Scheduler) disarmLocked() {
	if s.entryID != 0 {
		s.cron.Remove(s.entryID)
		s.entryID = 0
	}
}

func (s *Scheduler) firstRunAt(intervalMinutes int) time.Time {
	return time.Now().UTC().Add(time.Duration(intervalMinutes) * time.Minute)
}

func (s *Scheduler) tickCtx() context.Context {
	s.runCtxMu.Lock()
	defer s.runCtxMu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.totalSkippedTicks.Add(1)
		slog.Info("previous tracking update still running, skipping tick")
		return
	}
	defer s.running.Store(false)

	if s.tickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.tickTimeout)
		defer cancel()
	}

	if s.lock != nil {
		release, ok, err := s.lock.Obtain(ctx, tickLockKey, s.tickTimeout)
		if err != nil {
			slog.Warn("tick lock unavailable, skipping tick", "error", err.Error())
			return
		}
		if !ok {
			s.totalSkippedTicks.Add(1)
			slog.Info("tick lock held by another instance, skipping tick")
			return
		}
		defer release()
	}

	started := time.Now().UTC()
	s.lastTickUnixNano.Store(started.UnixNano())
	s.totalTicks.Add(1)

	sum, err := s.runner.RefreshAllPending(ctx)
	if err != nil {
		s.lastErrorMu.Lock()
		s.lastError = err.Error()
		s.lastErrorMu.Unlock()
		slog.Error("tracking update tick", "error", err.Error())
		return
	}

	s.markRun(ctx)
	slog.Info("tracking update tick finished",
		"duration", time.Since(started).String(),
		"total_orders", sum.TotalOrders,
		"updated", sum.Updated,
		"delivered", sum.Delivered,
		"skipped", sum.Skipped,
		"failed", sum.Failed)
}

func (s *Scheduler) markRun(ctx context.Context) {
	s.mu.Lock()
	var next time.Time
	if s.entryID != 0 {
		next = s.cron.Entry(s.entryID).Next
	}
	s.mu.Unlock()
	if next.IsZero() {
		next = time.Now().UTC().Add(time.Duration(s.defaultInterval) * time.Minute)
	}
	if err := s.registry.MarkScheduleRun(ctx, models.TrackingScheduleName, next.UTC()); err != nil {
		slog.Warn("mark schedule run", "error", err.Error())
	}
}


