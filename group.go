// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/eapache/queue"
	"github.com/joeycumines/go-fiber/internal/lazyarray"
	"github.com/joeycumines/go-fiber/internal/stack"
	"github.com/joeycumines/logiface"
)

var zeroTime time.Time

// Group is a set of workers that run fibers, along with the timer thread and
// pollers that wake them.
//
// Fibers are scheduled cooperatively: a fiber runs until it calls one of
// Yield, Sleep, Join, FdWait, or waits on an Event (directly or via a
// Countdown). There is no preemption, so a fiber that never suspends starves
// the other fibers queued on its worker.
type Group struct {
	opts    *options
	log     *logger
	timer   *TimerThread
	pool    *metaPool
	fds     *lazyarray.Array[atomic.Pointer[fdEvent]]
	pollers []*poller
	workers []*worker
	lots    []parkingLot
	stacks  [StackTypeLarge + 1]*stack.Pool
	pollErr error
	wg      sync.WaitGroup
	stats   groupStats

	// overflow holds fibers that could not be queued without blocking a
	// worker, see push
	overflow struct {
		q  *queue.Queue
		mu sync.Mutex
		n  atomic.Int64
	}

	// live counts fibers started and not yet finished
	live     Event
	pending  atomic.Int64
	rr       atomix.Uint32
	lotRR    atomix.Uint32
	regFDs   atomic.Int64
	pollOnce sync.Once
	stopOnce sync.Once
	closing  atomic.Bool
}

type groupStats struct {
	created         atomic.Uint64
	finished        atomic.Uint64
	switches        atomic.Uint64
	steals          atomic.Uint64
	parks           atomic.Uint64
	stackFallbacks  atomic.Uint64
	runQueueFull    atomic.Uint64
	stateViolations atomic.Uint64
	panics          atomic.Uint64
}

// Stats is a snapshot of a group's counters.
type Stats struct {
	Timer           TimerStats
	Workers         int
	Live            int
	RegisteredFDs   int64
	Created         uint64
	Finished        uint64
	ContextSwitches uint64
	Steals          uint64
	Parks           uint64
	StackFallbacks  uint64
	RunQueueFull    uint64
	StateViolations uint64
	Panics          uint64
}

// New starts a group of workers.
func New(opts ...Option) (*Group, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	g := &Group{
		opts:  cfg,
		log:   newLogger(cfg.logger),
		timer: newTimerThread(cfg),
		pool:  newMetaPool(),
		fds:   newFdTable(),
		lots:  make([]parkingLot, min(cfg.concurrency, maxParkingLots)),
	}
	g.overflow.q = queue.New()
	for t := StackTypeSmall; t <= StackTypeLarge; t++ {
		g.stacks[t] = stack.NewPool(t, cfg.maxStacks, cfg.idleStacks)
	}
	g.workers = make([]*worker, cfg.concurrency)
	for i := range g.workers {
		g.workers[i] = newWorker(g, i, &g.lots[i%len(g.lots)], cfg.runQueueCapacity)
	}
	g.wg.Add(len(g.workers))
	for _, w := range g.workers {
		go w.run()
	}
	g.log.l.Info().
		Int("workers", len(g.workers)).
		Int("epoll_threads", cfg.epollThreads).
		Int("max_stacks", cfg.maxStacks).
		Str("stack_type", cfg.defaultStackType.String()).
		Log("fiber group started")
	return g, nil
}

var defaultGroup struct {
	g    *Group
	once sync.Once
}

// Default returns the process-wide group, starting it on first use, with its
// configuration read from the environment (see [ConfigFromEnv]). Invalid
// configuration is logged, and replaced by the defaults.
func Default() *Group {
	defaultGroup.once.Do(func() {
		cfg, err := ConfigFromEnv()
		level, levelErr := cfg.Level()
		if levelErr != nil {
			level = logiface.LevelInformational
		}
		l := NewLogger(nil, level)
		var opts []Option
		if err == nil {
			opts, err = cfg.Options()
		}
		if err = errors.Join(err, levelErr); err != nil {
			l.Err().Err(err).Log("invalid fiber configuration, using defaults")
			opts = nil
		}
		g, err := New(append(opts, WithLogger(l))...)
		if err != nil {
			g, err = New(WithLogger(l))
			if err != nil {
				panic(err)
			}
		}
		defaultGroup.g = g
	})
	return defaultGroup.g
}

// Timer returns the group's timer thread.
func (g *Group) Timer() *TimerThread { return g.timer }

// Concurrency returns the number of workers.
func (g *Group) Concurrency() int { return len(g.workers) }

// ready makes a suspended fiber runnable, queueing it on w (or any worker,
// if w is nil). With batch set, workers are not signalled, see Flush.
func (g *Group) ready(m *meta, w *worker, batch bool) {
	if !m.transition(StateSuspended, StateRunnable) {
		return
	}
	g.push(m, w, batch, false)
}

// push queues a runnable fiber. Run queues are bounded: when every queue is
// full, the pending signals are flushed, so workers drain them. Callers that
// may block back off and retry. The rest (wakes, and anything running on a
// worker of this group) spill the fiber to the unbounded overflow list,
// which workers drain after their own queue. Fibers are never dropped.
func (g *Group) push(m *meta, w *worker, noSignal, mayBlock bool) {
	n := len(g.workers)
	var i int
	if w != nil {
		i = w.id
	} else {
		i = int(g.rr.Add(1) % uint32(n))
	}
	var bo iox.Backoff
	for attempt := 0; ; attempt++ {
		if g.workers[(i+attempt)%n].rq.Enqueue(&m) == nil {
			break
		}
		if (attempt+1)%n == 0 {
			g.Flush()
			g.signal(n)
			g.stats.runQueueFull.Add(1)
			if !mayBlock {
				g.log.err(logCatRunQueueFull).
					Int("workers", n).
					Int("capacity", g.opts.runQueueCapacity).
					Log("run queues full, spilling to overflow")
				g.spill(m)
				break
			}
			g.log.err(logCatRunQueueFull).
				Int("workers", n).
				Int("capacity", g.opts.runQueueCapacity).
				Log("run queues full, backing off")
			bo.Wait()
		}
	}
	if noSignal {
		g.pending.Add(1)
	} else {
		g.signal(1)
	}
}

func (g *Group) spill(m *meta) {
	g.overflow.mu.Lock()
	g.overflow.q.Add(m)
	g.overflow.n.Add(1)
	g.overflow.mu.Unlock()
}

// unspill takes the oldest fiber from the overflow list, or nil.
func (g *Group) unspill() *meta {
	if g.overflow.n.Load() == 0 {
		return nil
	}
	g.overflow.mu.Lock()
	defer g.overflow.mu.Unlock()
	if g.overflow.q.Length() == 0 {
		return nil
	}
	g.overflow.n.Add(-1)
	return g.overflow.q.Remove().(*meta)
}

// signal wakes up to n parked workers, spreading signals over the lots.
func (g *Group) signal(n int) {
	lots := len(g.lots)
	start := int(g.lotRR.Add(1) % uint32(lots))
	for i := 0; i < lots && n > 0; i++ {
		n -= g.lots[(start+i)%lots].signal(n)
	}
}

// Flush signals workers for fibers queued with [WithNoSignal], and fibers
// woken in batches.
func (g *Group) Flush() {
	if n := g.pending.Swap(0); n > 0 {
		g.signal(int(min(n, int64(len(g.workers)))))
	}
}

// finish releases a fiber's resources, once its function has returned, and
// wakes its joiners. The control block is recycled last.
func (g *Group) finish(m *meta) {
	m.transition(StateRunning, StateFinished)
	if m.stk != nil {
		m.stk.Release()
		m.stk = nil
	}
	if m.cancel != nil {
		m.cancel(nil)
	}
	m.mu.Lock()
	if m.join.Add(1) == 0 {
		m.join.Add(1)
	}
	m.fn, m.arg, m.ctx, m.cancel = nil, nil, nil, nil
	m.worker = nil
	m.mu.Unlock()
	m.join.wakeN(-1)

	g.stats.finished.Add(1)
	g.pool.put(m)
	g.unlive()
}

func (g *Group) violation(m *meta, from, to FiberState) {
	g.stats.stateViolations.Add(1)
	g.log.err(logCatStateCAS).
		Str("fiber", m.id.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("state", FiberState(m.state.Load()).String()).
		Log("illegal fiber state transition")
}

// Stats returns a snapshot of the group's counters.
func (g *Group) Stats() Stats {
	return Stats{
		Timer:           g.timer.Stats(),
		Workers:         len(g.workers),
		Live:            int(g.live.Load()),
		RegisteredFDs:   g.regFDs.Load(),
		Created:         g.stats.created.Load(),
		Finished:        g.stats.finished.Load(),
		ContextSwitches: g.stats.switches.Load(),
		Steals:          g.stats.steals.Load(),
		Parks:           g.stats.parks.Load(),
		StackFallbacks:  g.stats.stackFallbacks.Load(),
		RunQueueFull:    g.stats.runQueueFull.Load(),
		StateViolations: g.stats.stateViolations.Load(),
		Panics:          g.stats.panics.Load(),
	}
}

// Shutdown stops every live fiber (their waits fail with [ErrStopped]),
// waits for them to finish, then stops the pollers, the timer thread and
// the workers. Starts fail with [ErrGroupClosed] from the moment it is
// called. If ctx is done first, the group is left running its remaining
// fibers, and the context's error is returned.
func (g *Group) Shutdown(ctx context.Context) error {
	if m := fiberFrom(ctx); m != nil && m.g == g {
		return ErrDeadlock
	}
	g.closing.Store(true)
	g.pool.rangeLive(func(m *meta) {
		m.mu.Lock()
		id := m.id
		m.mu.Unlock()
		_ = m.interrupt(id, true)
	})
	for {
		n := g.live.Load()
		if n <= 0 {
			break
		}
		if err := g.live.Wait(ctx, n, zeroTime); err != nil && !errors.Is(err, ErrValueChanged) {
			return err
		}
	}
	g.stopOnce.Do(g.stop)
	return nil
}

// Close is Shutdown, without a deadline.
func (g *Group) Close() error {
	return g.Shutdown(context.Background())
}

func (g *Group) stop() {
	g.stopPollers()
	g.timer.Stop()
	for i := range g.lots {
		g.lots[i].stop()
	}
	g.wg.Wait()
	for _, p := range g.stacks {
		if p != nil {
			p.Close()
		}
	}
	g.log.l.Info().
		Uint64("created", g.stats.created.Load()).
		Uint64("finished", g.stats.finished.Load()).
		Log("fiber group stopped")
}
