package fiber

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a 32-bit value that fibers, and plain goroutines, can wait on
// until it changes. It is the building block for every other blocking
// primitive in this package (joins, countdowns, fd readiness, worker
// parking).
//
// Waiting is conditional: [Event.Wait] re-checks the value, under the lock
// guarding the wait list, immediately before suspending, so a change made
// before the waiter is listed is never missed.
//
// The zero value is ready to use. An Event must not be copied after first
// use.
type Event struct {
	head      *waiter
	tail      *waiter
	n         int
	mu        sync.Mutex
	value     atomic.Int32
	destroyed bool
}

type waitResult int32

const (
	waitPending waitResult = iota
	waitWoken
	waitChanged
	waitTimedOut
	waitInterrupted
	waitCanceled
	waitDestroyed
)

// waiter is a single wait on an Event. Whoever unlinks it from the event
// (a wake, the timer, an interrupt or a context cancellation) sets the
// result and resumes the waiter, exactly once.
type waiter struct {
	prev   *waiter
	next   *waiter
	m      *meta
	ch     chan struct{}
	ev     atomic.Pointer[Event]
	timer  TimerID
	result waitResult
}

// NewEvent returns a new Event, with value 0.
func NewEvent() *Event { return new(Event) }

// Load returns the value.
func (e *Event) Load() int32 { return e.value.Load() }

// Store sets the value, without waking anyone.
func (e *Event) Store(v int32) { e.value.Store(v) }

// Add adds delta to the value, without waking anyone, and returns the new
// value.
func (e *Event) Add(delta int32) int32 { return e.value.Add(delta) }

// CompareAndSwap sets the value to new, if it is old.
func (e *Event) CompareAndSwap(old, new int32) bool {
	return e.value.CompareAndSwap(old, new)
}

// WakeOne increments the value, then resumes the longest waiting waiter, if
// any. It returns the number of waiters resumed.
func (e *Event) WakeOne() int {
	e.value.Add(1)
	return e.wakeN(1)
}

// WakeAll increments the value, then resumes every waiter. It returns the
// number of waiters resumed.
func (e *Event) WakeAll() int {
	e.value.Add(1)
	return e.wakeN(-1)
}

// Waiters returns the number of waiters currently listed.
func (e *Event) Waiters() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

// Destroy marks the event as destroyed. Subsequent waits fail with
// [ErrEventDestroyed]. It fails with [ErrEventBusy], leaving the event
// untouched, while anyone is waiting.
func (e *Event) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.head != nil {
		return ErrEventBusy
	}
	e.destroyed = true
	return nil
}

// Wait suspends the caller while the value equals expected, until woken, the
// deadline (if non-zero) passes, or ctx is done.
//
// If ctx carries a fiber, only the fiber is suspended, and its worker moves
// on to other fibers. Otherwise, the calling goroutine blocks.
//
// Wait returns nil if woken, [ErrValueChanged] if the value did not match at
// the point of suspension, [ErrTimedOut], [ErrInterrupted], [ErrStopped],
// [ErrEventDestroyed], or the context's error.
func (e *Event) Wait(ctx context.Context, expected int32, deadline time.Time) error {
	m := fiberFrom(ctx)
	if err := m.checkWait(ctx); err != nil {
		return err
	}
	if e.value.Load() != expected {
		return ErrValueChanged
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return ErrTimedOut
	}
	w := &waiter{m: m}
	var r waitResult
	if m == nil || m.inline {
		r = e.waitGoroutine(ctx, w, expected, deadline)
	} else {
		r = e.waitFiber(ctx, w, expected, deadline)
	}
	return m.waitError(ctx, r)
}

func (e *Event) waitFiber(ctx context.Context, w *waiter, expected int32, deadline time.Time) waitResult {
	m := w.m
	stop := context.AfterFunc(ctx, func() { w.erase(waitCanceled) })
	m.suspend(nil, func() { e.enqueue(ctx, w, expected, deadline) })
	stop()
	m.curWaiter.Store(nil)
	return w.result
}

// enqueue runs on the worker, once the waiting fiber has fully suspended.
func (e *Event) enqueue(ctx context.Context, w *waiter, expected int32, deadline time.Time) {
	m := w.m
	e.mu.Lock()
	switch {
	case e.destroyed:
		w.result = waitDestroyed
	case e.value.Load() != expected:
		w.result = waitChanged
	default:
		e.push(w)
		m.curWaiter.Store(w)
		var r waitResult
		if m.interrupted.Load() {
			r = waitInterrupted
		} else if ctx.Err() != nil {
			r = waitCanceled
		} else if !deadline.IsZero() {
			id, err := m.g.timer.Schedule(expireWaiter, w, deadline)
			if err != nil {
				r = waitTimedOut
			} else {
				w.timer = id
			}
		}
		if r == waitPending {
			e.mu.Unlock()
			return
		}
		e.unlink(w, r)
	}
	e.mu.Unlock()
	w.wake(false)
}

func (e *Event) waitGoroutine(ctx context.Context, w *waiter, expected int32, deadline time.Time) waitResult {
	m := w.m
	w.ch = make(chan struct{}, 1)
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return waitDestroyed
	}
	if e.value.Load() != expected {
		e.mu.Unlock()
		return waitChanged
	}
	e.push(w)
	e.mu.Unlock()

	if m != nil {
		m.curWaiter.Store(w)
		if m.interrupted.Load() {
			w.erase(waitInterrupted)
		}
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-w.ch:
	case <-timeout:
		w.erase(waitTimedOut)
		<-w.ch
	case <-ctx.Done():
		w.erase(waitCanceled)
		<-w.ch
	}
	if m != nil {
		m.curWaiter.Store(nil)
	}
	return w.result
}

func expireWaiter(arg any) {
	arg.(*waiter).erase(waitTimedOut)
}

// push appends w to the wait list. The caller must hold e.mu.
func (e *Event) push(w *waiter) {
	w.prev = e.tail
	w.next = nil
	if e.tail != nil {
		e.tail.next = w
	} else {
		e.head = w
	}
	e.tail = w
	e.n++
	w.ev.Store(e)
}

// unlink removes w from the wait list. The caller must hold e.mu.
func (e *Event) unlink(w *waiter, r waitResult) {
	if w.prev != nil {
		w.prev.next = w.next
	} else {
		e.head = w.next
	}
	if w.next != nil {
		w.next.prev = w.prev
	} else {
		e.tail = w.prev
	}
	w.prev, w.next = nil, nil
	e.n--
	w.ev.Store(nil)
	w.result = r
}

// erase unlinks w, if it is still listed, resuming it with result r.
func (w *waiter) erase(r waitResult) bool {
	e := w.ev.Load()
	if e == nil {
		return false
	}
	e.mu.Lock()
	if w.ev.Load() != e {
		e.mu.Unlock()
		return false
	}
	e.unlink(w, r)
	e.mu.Unlock()
	if r != waitTimedOut {
		w.cancelTimer()
	}
	w.wake(false)
	return true
}

func (w *waiter) cancelTimer() {
	if w.timer != 0 && w.m != nil {
		w.m.g.timer.Unschedule(w.timer)
	}
}

// wake resumes an unlinked waiter. Fibers are queued without signalling a
// worker when batch is set, and the caller must flush their group.
func (w *waiter) wake(batch bool) {
	if w.ch != nil {
		w.ch <- struct{}{}
		return
	}
	w.m.g.ready(w.m, nil, batch)
}

// wakeN resumes up to n waiters, or all if n is negative, without changing
// the value.
func (e *Event) wakeN(n int) int {
	woken := e.unlinkN(n)
	batch := len(woken) > 1
	var groups []*Group
	for _, w := range woken {
		if batch && w.ch == nil && !containsGroup(groups, w.m.g) {
			groups = append(groups, w.m.g)
		}
		w.cancelTimer()
		w.wake(batch)
	}
	for _, g := range groups {
		g.Flush()
	}
	return len(woken)
}

// wakeBatch resumes every waiter, queueing fibers without signalling any
// worker. The caller must flush the group of every fiber that could be
// waiting.
func (e *Event) wakeBatch() int {
	woken := e.unlinkN(-1)
	for _, w := range woken {
		w.cancelTimer()
		w.wake(true)
	}
	return len(woken)
}

func (e *Event) unlinkN(n int) []*waiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.head == nil {
		return nil
	}
	if n < 0 || n > e.n {
		n = e.n
	}
	woken := make([]*waiter, 0, n)
	for range n {
		w := e.head
		e.unlink(w, waitWoken)
		woken = append(woken, w)
	}
	return woken
}

func containsGroup(groups []*Group, g *Group) bool {
	for _, v := range groups {
		if v == g {
			return true
		}
	}
	return false
}
