package fiber

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestTimer(t *testing.T, opts ...Option) *TimerThread {
	t.Helper()
	tt, err := NewTimerThread(opts...)
	require.NoError(t, err)
	t.Cleanup(tt.Stop)
	return tt
}

func TestTimerThread_DeadlineOrder(t *testing.T) {
	tt := newTestTimer(t)
	var (
		mu  sync.Mutex
		got []int
	)
	record := func(arg any) {
		mu.Lock()
		got = append(got, arg.(int))
		mu.Unlock()
	}
	base := time.Now().Add(50 * time.Millisecond)
	// scheduled out of order, with ties resolved by submission order
	offsets := []struct {
		arg int
		at  time.Duration
	}{
		{3, 30 * time.Millisecond},
		{0, 0},
		{2, 20 * time.Millisecond},
		{4, 30 * time.Millisecond},
		{1, 10 * time.Millisecond},
		{5, 30 * time.Millisecond},
	}
	for _, o := range offsets {
		_, err := tt.Schedule(record, o.arg, base.Add(o.at))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(offsets)
	}, 5*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5}, got); diff != "" {
		t.Errorf("fire order (-want +got):\n%s", diff)
	}
}

func TestTimerThread_EarlierDeadlineWakesThread(t *testing.T) {
	tt := newTestTimer(t)
	_, err := tt.Schedule(func(any) {}, nil, time.Now().Add(time.Hour))
	require.NoError(t, err)
	fired := make(chan time.Time, 1)
	start := time.Now()
	_, err = tt.Schedule(func(any) { fired <- time.Now() }, nil, start.Add(10*time.Millisecond))
	require.NoError(t, err)
	select {
	case at := <-fired:
		assert.Less(t, at.Sub(start), time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("earlier timer did not fire")
	}
}

func TestTimerThread_Unschedule(t *testing.T) {
	tt := newTestTimer(t)
	var fired atomic.Bool
	id, err := tt.Schedule(func(any) { fired.Store(true) }, nil, time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, tt.Unschedule(id))
	assert.False(t, tt.Unschedule(id))
	assert.False(t, tt.Unschedule(TimerID(1<<40)))
	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
	assert.Equal(t, uint64(1), tt.Stats().Cancelled)
}

func TestTimerThread_UnscheduleAfterFire(t *testing.T) {
	tt := newTestTimer(t)
	done := make(chan struct{})
	id, err := tt.Schedule(func(any) { close(done) }, nil, time.Now())
	require.NoError(t, err)
	waitClosed(t, done)
	assert.False(t, tt.Unschedule(id))
}

func TestTimerThread_ScheduleFromCallback(t *testing.T) {
	tt := newTestTimer(t)
	done := make(chan struct{})
	_, err := tt.Schedule(func(any) {
		_, err := tt.Schedule(func(any) { close(done) }, nil, time.Now())
		assert.NoError(t, err)
	}, nil, time.Now())
	require.NoError(t, err)
	waitClosed(t, done)
}

func TestTimerThread_ConcurrentSchedulers(t *testing.T) {
	const (
		schedulers = 16
		each       = 200
	)
	tt := newTestTimer(t, WithTimerBuckets(4))
	var fired atomic.Int64
	var eg errgroup.Group
	for range schedulers {
		eg.Go(func() error {
			for i := range each {
				_, err := tt.Schedule(func(any) { fired.Add(1) }, nil, time.Now().Add(time.Duration(i%10)*time.Millisecond))
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Eventually(t, func() bool { return fired.Load() == schedulers*each }, 10*time.Second, time.Millisecond)
	stats := tt.Stats()
	assert.Equal(t, uint64(schedulers*each), stats.Scheduled)
	assert.Equal(t, uint64(schedulers*each), stats.Fired)
}

func TestTimerThread_ConcurrentOrder(t *testing.T) {
	for round := range 20 {
		tt := newTestTimer(t, WithTimerBuckets(3))
		var (
			mu  sync.Mutex
			got []int
		)
		base := time.Now().Add(50 * time.Millisecond)
		start := make(chan struct{})
		var eg errgroup.Group
		// t1 < t2 < t3, each scheduled from its own goroutine
		for i := range 3 {
			eg.Go(func() error {
				<-start
				_, err := tt.Schedule(func(arg any) {
					mu.Lock()
					got = append(got, arg.(int))
					mu.Unlock()
				}, i, base.Add(time.Duration(i)*time.Millisecond))
				return err
			})
		}
		close(start)
		require.NoError(t, eg.Wait())
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 3
		}, 5*time.Second, time.Millisecond)
		mu.Lock()
		if diff := cmp.Diff([]int{0, 1, 2}, got); diff != "" {
			t.Errorf("round %d: fire order (-want +got):\n%s", round, diff)
		}
		mu.Unlock()
	}
}

func TestTimerThread_PanicIsRecovered(t *testing.T) {
	l, log := newTestLogger(logiface.LevelDebug)
	tt := newTestTimer(t, WithLogger(l))
	_, err := tt.Schedule(func(any) { panic("boom") }, nil, time.Now())
	require.NoError(t, err)
	done := make(chan struct{})
	_, err = tt.Schedule(func(any) { close(done) }, nil, time.Now().Add(time.Millisecond))
	require.NoError(t, err)
	waitClosed(t, done)
	assert.Equal(t, uint64(1), tt.Stats().Panics)
	events := log.find("timer callback panicked")
	require.Len(t, events, 1)
	assert.Equal(t, "boom", events[0].fields["panic"])
}

func TestTimerThread_StopDropsPending(t *testing.T) {
	tt, err := NewTimerThread()
	require.NoError(t, err)
	for range 3 {
		_, err := tt.Schedule(func(any) { t.Error("dropped task ran") }, nil, time.Now().Add(time.Hour))
		require.NoError(t, err)
	}
	tt.Stop()
	tt.Stop()
	assert.Equal(t, uint64(3), tt.Stats().Dropped)
	_, err = tt.Schedule(func(any) {}, nil, time.Now())
	assert.ErrorIs(t, err, ErrTimerStopped)
	_, err = tt.Schedule(nil, nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPeriodicTask(t *testing.T) {
	tt := newTestTimer(t)
	var n atomic.Int32
	p, err := tt.Every(5*time.Millisecond, func() { n.Add(1) })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.Load() >= 3 }, 5*time.Second, time.Millisecond)
	p.Stop()
	p.Stop()
	stopped := n.Load()
	time.Sleep(30 * time.Millisecond)
	// at most one run was in flight during Stop
	assert.LessOrEqual(t, n.Load(), stopped+1)

	_, err = tt.Every(0, func() {})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPeriodicTask_SkipsMissedTicks(t *testing.T) {
	tt := newTestTimer(t)
	var (
		mu    sync.Mutex
		ticks []time.Time
	)
	p, err := tt.Every(10*time.Millisecond, func() {
		mu.Lock()
		ticks = append(ticks, time.Now())
		first := len(ticks) == 1
		mu.Unlock()
		if first {
			time.Sleep(35 * time.Millisecond)
		}
	})
	require.NoError(t, err)
	defer p.Stop()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ticks) >= 2
	}, 5*time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	// the slow first run swallowed three ticks, instead of them firing back
	// to back
	assert.GreaterOrEqual(t, ticks[1].Sub(ticks[0]), 35*time.Millisecond)
}
