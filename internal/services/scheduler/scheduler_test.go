package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orderhub/tracksync/internal/models"
	"github.com/orderhub/tracksync/internal/services/tracker"
	"github.com/orderhub/tracksync/internal/storage/pgorders"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu     sync.Mutex
	nextID uint64
	items  map[string]*models.Schedule
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{items: map[string]*models.Schedule{}}
}

func (r *fakeRegistry) GetScheduleByName(ctx context.Context, name string) (*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.items[name]; ok {
		cp := *sc
		return &cp, nil
	}
	return nil, pgorders.ErrNotFound
}

func (r *fakeRegistry) ListSchedules(ctx context.Context) ([]*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Schedule, 0, len(r.items))
	for _, sc := range r.items {
		cp := *sc
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeRegistry) CreateSchedule(ctx context.Context, name string, intervalMinutes int, nextRun time.Time) (*models.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.items[name]; ok {
		cp := *sc
		return &cp, nil
	}
	r.nextID++
	sc := &models.Schedule{
		ID:              r.nextID,
		Name:            name,
		IntervalMinutes: intervalMinutes,
		NextRun:         nextRun,
		Repeats:         models.RepeatsForever,
	}
	r.items[name] = sc
	cp := *sc
	return &cp, nil
}

func (r *fakeRegistry) ReplaceSchedule(ctx context.Context, name string, intervalMinutes int, nextRun time.Time) (*models.Schedule, error) {
	r.mu.Lock()
	delete(r.items, name)
	r.mu.Unlock()
	return r.CreateSchedule(ctx, name, intervalMinutes, nextRun)
}

func (r *fakeRegistry) DeleteSchedules(ctx context.Context, name string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[name]; !ok {
		return 0, nil
	}
	delete(r.items, name)
	return 1, nil
}

func (r *fakeRegistry) MarkScheduleRun(ctx context.Context, name string, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.items[name]; ok {
		sc.TaskCount++
		sc.NextRun = nextRun
	}
	return nil
}

type fakeRunner struct {
	calls   atomic.Int64
	sum     tracker.Summary
	err     error
	started chan struct{}
	block   chan struct{}
}

func (r *fakeRunner) RefreshAllPending(ctx context.Context) (tracker.Summary, error) {
	r.calls.Add(1)
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.block != nil {
		<-r.block
	}
	return r.sum, r.err
}

type fakeLock struct {
	obtainable bool
	err        error
	keys       []string
	mu         sync.Mutex
}

func (l *fakeLock) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if !l.obtainable {
		return nil, false, nil
	}
	return func() {}, true, nil
}

func TestScheduler_Start_Idempotent(t *testing.T) {
	reg := newFakeRegistry()
	s := New(reg, &fakeRunner{})

	sc, created, err := s.Start(context.Background(), 720, false)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.TrackingScheduleName, sc.Name)
	require.Equal(t, 720, sc.IntervalMinutes)
	require.Equal(t, models.RepeatsForever, sc.Repeats)
	require.True(t, s.Stats().Active)

	// Повторный старт не трогает существующую регистрацию.
	again, created, err := s.Start(context.Background(), 30, false)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, sc.ID, again.ID)
	require.Equal(t, 720, again.IntervalMinutes)
}

func TestScheduler_Start_ForceRecreates(t *testing.T) {
	reg := newFakeRegistry()
	s := New(reg, &fakeRunner{})

	first, _, err := s.Start(context.Background(), 720, false)
	require.NoError(t, err)

	forced, created, err := s.Start(context.Background(), 30, true)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, forced.ID)
	require.Equal(t, 30, forced.IntervalMinutes)

	list, err := reg.ListSchedules(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestScheduler_Start_InvalidInterval(t *testing.T) {
	s := New(newFakeRegistry(), &fakeRunner{})
	_, _, err := s.Start(context.Background(), 0, false)
	require.Error(t, err)
}

func TestScheduler_Stop_Idempotent(t *testing.T) {
	reg := newFakeRegistry()
	s := New(reg, &fakeRunner{})

	_, _, err := s.Start(context.Background(), 720, false)
	require.NoError(t, err)

	n, err := s.Stop(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.False(t, s.Stats().Active)

	n, err = s.Stop(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestScheduler_Status(t *testing.T) {
	reg := newFakeRegistry()
	s := New(reg, &fakeRunner{})

	list, err := s.Status(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)

	_, _, err = s.Start(context.Background(), 60, false)
	require.NoError(t, err)

	list, err = s.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, models.TrackingScheduleName, list[0].Name)
	require.Equal(t, 60, list[0].IntervalMinutes)
	require.Equal(t, models.RepeatsForever, list[0].Repeats)
	require.False(t, list[0].NextRun.IsZero())
}

func TestScheduler_RunNow_TriggersBatch(t *testing.T) {
	reg := newFakeRegistry()
	runner := &fakeRunner{sum: tracker.Summary{TotalOrders: 2, Updated: 2}}
	s := New(reg, runner)

	_, _, err := s.Start(context.Background(), 720, false)
	require.NoError(t, err)

	taskID := s.RunNow()
	require.True(t, strings.HasPrefix(taskID, "run-"))

	require.Eventually(t, func() bool {
		return runner.calls.Load() == 1 && !s.Stats().TickRunning
	}, 2*time.Second, 10*time.Millisecond)

	// Тик записывает прогон в регистрацию.
	sc, err := reg.GetScheduleByName(context.Background(), models.TrackingScheduleName)
	require.NoError(t, err)
	require.Equal(t, 1, sc.TaskCount)
	require.Equal(t, int64(1), s.Stats().TotalTicks)
}

func TestScheduler_Tick_SkipsWhenRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{started: started, block: release}
	s := New(newFakeRegistry(), runner)

	s.RunNow()
	<-started

	s.RunNow()
	require.Eventually(t, func() bool {
		return s.Stats().TotalSkippedTicks == 1
	}, 2*time.Second, 10*time.Millisecond)

	close(release)
	require.Eventually(t, func() bool {
		return !s.Stats().TickRunning
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), runner.calls.Load())
}

func TestScheduler_Tick_LockHeldSkips(t *testing.T) {
	runner := &fakeRunner{}
	lock := &fakeLock{obtainable: false}
	s := New(newFakeRegistry(), runner).WithTickLock(lock)

	s.RunNow()
	require.Eventually(t, func() bool {
		return s.Stats().TotalSkippedTicks == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, runner.calls.Load())

	lock.mu.Lock()
	defer lock.mu.Unlock()
	require.Equal(t, []string{"tracksync:tick"}, lock.keys)
}

func TestScheduler_Tick_LockErrorSkips(t *testing.T) {
	runner := &fakeRunner{}
	s := New(newFakeRegistry(), runner).WithTickLock(&fakeLock{err: errors.New("redis down")})

	s.RunNow()
	require.Eventually(t, func() bool {
		return !s.Stats().TickRunning
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, runner.calls.Load())
	require.Zero(t, s.Stats().TotalTicks)
}

func TestScheduler_Tick_RunnerErrorRecorded(t *testing.T) {
	runner := &fakeRunner{err: errors.New("db down")}
	s := New(newFakeRegistry(), runner)

	s.RunNow()
	require.Eventually(t, func() bool {
		return s.Stats().LastError != ""
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, s.Stats().LastError, "db down")
}


