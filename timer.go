package fiber

import (
	"container/heap"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// TimerID identifies a scheduled timer task. The zero value is never issued.
type TimerID uint64

const (
	taskPending int32 = iota
	taskRunning
	taskDone
	taskCancelled
)

type timerTask struct {
	deadline time.Time
	fn       func(arg any)
	arg      any
	id       TimerID
	index    int
	status   atomic.Int32
}

// timerBucket collects submissions from schedulers hashed to it, and indexes
// the tasks it owns (those not yet run) for Unschedule.
type timerBucket struct {
	pending *queue.Queue
	tasks   map[TimerID]*timerTask
	mu      sync.Mutex
}

// TimerStats is a snapshot of the timer thread's counters.
type TimerStats struct {
	Scheduled uint64
	Fired     uint64
	Cancelled uint64
	Dropped   uint64
	Panics    uint64
}

// TimerThread runs callbacks at their deadlines, on a single dedicated
// goroutine, in non-decreasing deadline order (ties broken by submission
// order).
//
// Callbacks must be short and non-blocking: a slow callback delays every
// other timer.
type TimerThread struct {
	log       *logger
	buckets   []timerBucket
	wake      chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	heap      taskHeap
	stats     struct{ scheduled, fired, cancelled, dropped, panics atomic.Uint64 }
	nextID    atomic.Uint64
	nearest   atomic.Int64
	stopOnce  sync.Once
	stopped   atomic.Bool
	lockOSThr bool
}

// NewTimerThread starts a timer thread. [WithTimerBuckets], [WithLogger] and
// [WithLockOSThread] apply.
func NewTimerThread(opts ...Option) (*TimerThread, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return newTimerThread(cfg), nil
}

func newTimerThread(cfg *options) *TimerThread {
	t := &TimerThread{
		log:       newLogger(cfg.logger),
		buckets:   make([]timerBucket, cfg.timerBuckets),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		lockOSThr: cfg.lockOSThread,
	}
	for i := range t.buckets {
		t.buckets[i].pending = queue.New()
		t.buckets[i].tasks = make(map[TimerID]*timerTask)
	}
	t.nearest.Store(math.MaxInt64)
	go t.run()
	return t
}

func (t *TimerThread) bucket(id TimerID) *timerBucket {
	return &t.buckets[uint64(id)%uint64(len(t.buckets))]
}

// Schedule arranges for fn(arg) to be called, on the timer goroutine, at (or
// shortly after) the deadline.
func (t *TimerThread) Schedule(fn func(arg any), arg any, deadline time.Time) (TimerID, error) {
	if fn == nil {
		return 0, fmt.Errorf("%w: nil timer callback", ErrInvalidArgument)
	}
	task := &timerTask{
		deadline: deadline,
		fn:       fn,
		arg:      arg,
		id:       TimerID(t.nextID.Add(1)),
		index:    -1,
	}
	b := t.bucket(task.id)
	b.mu.Lock()
	if t.stopped.Load() {
		b.mu.Unlock()
		return 0, ErrTimerStopped
	}
	b.pending.Add(task)
	b.tasks[task.id] = task
	b.mu.Unlock()
	t.stats.scheduled.Add(1)

	when := deadline.UnixNano()
	for {
		n := t.nearest.Load()
		if when >= n {
			break
		}
		if t.nearest.CompareAndSwap(n, when) {
			select {
			case t.wake <- struct{}{}:
			default:
			}
			break
		}
	}
	return task.id, nil
}

// Unschedule cancels the task, returning true if it had not started running.
// A false result means the callback ran, is running, or the ID is unknown.
func (t *TimerThread) Unschedule(id TimerID) bool {
	b := t.bucket(id)
	b.mu.Lock()
	task := b.tasks[id]
	delete(b.tasks, id)
	b.mu.Unlock()
	if task == nil || !task.status.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.stats.cancelled.Add(1)
	return true
}

// Stop stops the timer thread, waiting for a running callback to return.
// Tasks that have not run are dropped. It is safe to call more than once.
func (t *TimerThread) Stop() {
	t.stopOnce.Do(func() {
		for i := range t.buckets {
			b := &t.buckets[i]
			b.mu.Lock()
			t.stopped.Store(true)
			b.mu.Unlock()
		}
		close(t.stopCh)
	})
	<-t.done
}

// Stats returns a snapshot of the counters.
func (t *TimerThread) Stats() TimerStats {
	return TimerStats{
		Scheduled: t.stats.scheduled.Load(),
		Fired:     t.stats.fired.Load(),
		Cancelled: t.stats.cancelled.Load(),
		Dropped:   t.stats.dropped.Load(),
		Panics:    t.stats.panics.Load(),
	}
}

func (t *TimerThread) run() {
	defer close(t.done)
	if t.lockOSThr {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		// every submission lowers nearest from here on, until it is set below
		t.nearest.Store(math.MaxInt64)
		t.collect()

		now := time.Now()
		for t.heap.Len() != 0 && !t.heap[0].deadline.After(now) {
			if t.nearest.Load() != math.MaxInt64 {
				// a callback (or anyone else) scheduled more
				t.nearest.Store(math.MaxInt64)
				t.collect()
				continue
			}
			t.fire(heap.Pop(&t.heap).(*timerTask))
		}

		next := int64(math.MaxInt64)
		if t.heap.Len() != 0 {
			next = t.heap[0].deadline.UnixNano()
		}
		if !t.nearest.CompareAndSwap(math.MaxInt64, next) {
			// raced with a submission
			continue
		}

		var timerC <-chan time.Time
		if next != math.MaxInt64 {
			timer.Reset(time.Until(t.heap[0].deadline))
			timerC = timer.C
		}
		select {
		case <-t.stopCh:
			t.drop()
			return
		case <-t.wake:
		case <-timerC:
		}
		timer.Stop()
	}
}

// collect moves submissions from every bucket into the heap.
func (t *TimerThread) collect() {
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for b.pending.Length() != 0 {
			task := b.pending.Remove().(*timerTask)
			if task.status.Load() == taskPending {
				heap.Push(&t.heap, task)
			}
		}
		b.mu.Unlock()
	}
}

func (t *TimerThread) fire(task *timerTask) {
	if !task.status.CompareAndSwap(taskPending, taskRunning) {
		return
	}
	b := t.bucket(task.id)
	b.mu.Lock()
	delete(b.tasks, task.id)
	b.mu.Unlock()

	defer func() {
		task.status.Store(taskDone)
		if r := recover(); r != nil {
			t.stats.panics.Add(1)
			t.log.l.Err().
				Uint64("timer", uint64(task.id)).
				Str("panic", fmt.Sprint(r)).
				Log("timer callback panicked")
		}
	}()
	t.stats.fired.Add(1)
	task.fn(task.arg)
}

func (t *TimerThread) drop() {
	t.collect()
	for t.heap.Len() != 0 {
		task := heap.Pop(&t.heap).(*timerTask)
		if task.status.CompareAndSwap(taskPending, taskCancelled) {
			t.stats.dropped.Add(1)
		}
	}
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		clear(b.tasks)
		b.mu.Unlock()
	}
}

// taskHeap orders tasks by deadline, then by ID (submission order).
type taskHeap []*timerTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	task := x.(*timerTask)
	task.index = len(*h)
	*h = append(*h, task)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*h = old[:n-1]
	return task
}
