package fiber

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// StartBackground starts fn(ctx, arg) on a new fiber, queued behind the
// fibers already runnable, and returns its ID.
//
// The fiber's context inherits the values of ctx, but not its cancellation:
// a fiber outlives the caller, until it returns or is stopped (see
// [Group.Stop]).
func (g *Group) StartBackground(ctx context.Context, fn Func, arg any, opts ...StartOption) (ID, error) {
	return g.start(ctx, false, fn, arg, opts)
}

// StartUrgent is StartBackground, except that a calling fiber (of the same
// group) switches to the new fiber immediately, and is itself re-queued.
// From a plain goroutine, an inline fiber, or a fiber that called
// [AboutToQuit], it behaves like StartBackground.
func (g *Group) StartUrgent(ctx context.Context, fn Func, arg any, opts ...StartOption) (ID, error) {
	return g.start(ctx, true, fn, arg, opts)
}

func (g *Group) start(ctx context.Context, urgent bool, fn Func, arg any, opts []StartOption) (ID, error) {
	if fn == nil {
		return InvalidID, fmt.Errorf("%w: nil fiber function", ErrInvalidArgument)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// counted first, so Shutdown either waits for this fiber or we see it
	g.live.Add(1)
	if g.closing.Load() {
		g.unlive()
		return InvalidID, ErrGroupClosed
	}
	m, err := g.pool.get(g)
	if err != nil {
		g.unlive()
		return InvalidID, err
	}

	attr := resolveStartAttr(g.opts.defaultStackType, opts)
	fctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.id = makeID(m.version(), m.slot)
	m.fn, m.arg, m.attr = fn, arg, attr
	m.ctx, m.cancel = withFiber(fctx, m), cancel
	m.stk, m.worker, m.inline, m.locals = nil, nil, false, nil
	m.interrupted.Store(false)
	m.stopped.Store(false)
	m.aboutToQuit.Store(false)
	m.state.Store(int32(StateCreated))
	id := m.id
	m.mu.Unlock()
	g.stats.created.Add(1)
	// a Shutdown that began after the check above may have missed m
	if g.closing.Load() {
		_ = m.interrupt(id, true)
	}

	m.transition(StateCreated, StateRunnable)
	cur := fiberFrom(ctx)
	if urgent && cur != nil && cur.g == g && !cur.inline && !cur.aboutToQuit.Load() {
		w := cur.worker
		cur.suspend(m, func() { g.ready(cur, w, false) })
		return id, nil
	}
	// callers running on a worker of this group never block on full queues
	g.push(m, nil, attr.noSignal, cur == nil || cur.g != g)
	return id, nil
}

func (g *Group) unlive() {
	if g.live.Add(-1) == 0 {
		g.live.wakeN(-1)
	}
}

// Join waits for the fiber to finish. It fails with [ErrInvalidID] if the
// fiber already finished (or never existed), and [ErrDeadlock] if the caller
// is the fiber.
func (g *Group) Join(ctx context.Context, id ID) error {
	m := g.pool.address(id)
	if m == nil {
		return ErrInvalidID
	}
	if fiberFrom(ctx) == m {
		return ErrDeadlock
	}
	version := int32(id.version())
	for m.join.Load() == version {
		err := m.join.Wait(ctx, version, zeroTime)
		if err != nil && !errors.Is(err, ErrValueChanged) {
			return err
		}
	}
	return nil
}

// Stop marks the fiber as stopped, cancelling its context with cause
// [ErrStopped], and interrupts its current wait. Every wait it begins
// afterwards fails with ErrStopped.
func (g *Group) Stop(id ID) error {
	m := g.pool.address(id)
	if m == nil {
		return ErrInvalidID
	}
	return m.interrupt(id, true)
}

// Interrupt wakes the fiber from its current wait (or the next one it
// begins), which fails with [ErrInterrupted].
func (g *Group) Interrupt(id ID) error {
	m := g.pool.address(id)
	if m == nil {
		return ErrInvalidID
	}
	return m.interrupt(id, false)
}

// Exists reports whether the fiber is yet to finish.
func (g *Group) Exists(id ID) bool {
	return g.pool.address(id) != nil
}

// Yield requeues the calling fiber behind the fibers already runnable on its
// worker. From a plain goroutine, it yields the processor.
func Yield(ctx context.Context) error {
	m := fiberFrom(ctx)
	if m == nil || m.inline {
		runtime.Gosched()
	} else {
		w := m.worker
		m.suspend(nil, func() { m.g.ready(m, w, false) })
	}
	if m != nil && m.stopped.Load() {
		return ErrStopped
	}
	return nil
}

// Sleep suspends the caller for d. A non-positive d yields.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return Yield(ctx)
	}
	return SleepUntil(ctx, time.Now().Add(d))
}

// SleepUntil suspends the caller until t. It returns early with
// [ErrInterrupted], [ErrStopped], or the context's error.
func SleepUntil(ctx context.Context, t time.Time) error {
	ev := new(Event)
	if m := fiberFrom(ctx); m != nil {
		ev = &m.sleepEv
	}
	err := ev.Wait(ctx, ev.Load(), t)
	if errors.Is(err, ErrTimedOut) {
		return nil
	}
	return err
}

// AboutToQuit marks the calling fiber as about to finish: urgent starts it
// makes no longer switch to the new fiber.
func AboutToQuit(ctx context.Context) {
	if m := fiberFrom(ctx); m != nil {
		m.aboutToQuit.Store(true)
	}
}

// group returns the group of the fiber carried by ctx, or the default group.
func group(ctx context.Context) *Group {
	if m := fiberFrom(ctx); m != nil {
		return m.g
	}
	return Default()
}

// StartBackground starts a fiber on the caller's group, or [Default].
func StartBackground(ctx context.Context, fn Func, arg any, opts ...StartOption) (ID, error) {
	return group(ctx).StartBackground(ctx, fn, arg, opts...)
}

// StartUrgent starts a fiber on the caller's group, or [Default].
func StartUrgent(ctx context.Context, fn Func, arg any, opts ...StartOption) (ID, error) {
	return group(ctx).StartUrgent(ctx, fn, arg, opts...)
}

// Join joins a fiber of the caller's group, or [Default].
func Join(ctx context.Context, id ID) error { return group(ctx).Join(ctx, id) }

// Stop stops a fiber of the caller's group, or [Default].
func Stop(ctx context.Context, id ID) error { return group(ctx).Stop(id) }

// Interrupt interrupts a fiber of the caller's group, or [Default].
func Interrupt(ctx context.Context, id ID) error { return group(ctx).Interrupt(id) }

// Flush flushes the pending signals of the caller's group, or [Default].
func Flush(ctx context.Context) { group(ctx).Flush() }

// FdWait waits on fd with the caller's group, or [Default].
func FdWait(ctx context.Context, fd int, events IOEvents) error {
	return group(ctx).FdWait(ctx, fd, events)
}

// FdTimedWait waits on fd with the caller's group, or [Default].
func FdTimedWait(ctx context.Context, fd int, events IOEvents, deadline time.Time) error {
	return group(ctx).FdTimedWait(ctx, fd, events, deadline)
}

// FdClose closes fd with the caller's group, or [Default].
func FdClose(ctx context.Context, fd int) error { return group(ctx).FdClose(fd) }
