package fiber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/joeycumines/go-fiber/internal/lazyarray"
	"github.com/joeycumines/go-fiber/internal/stack"
)

// FiberState is the scheduling state of a fiber.
//
// State machine:
//
//	Created → Runnable              [start]
//	Runnable → Running              [picked up by a worker]
//	Running → Suspended             [yield, sleep, wait, join, fd wait]
//	Suspended → Runnable            [woken]
//	Running → Finished              [entry function returned]
//
// Every transition is a compare-and-swap, and a failed one is counted as a
// violation, see [Stats].
type FiberState int32

const (
	StateFree FiberState = iota
	StateCreated
	StateRunnable
	StateRunning
	StateSuspended
	StateFinished
)

func (s FiberState) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateCreated:
		return "Created"
	case StateRunnable:
		return "Runnable"
	case StateRunning:
		return "Running"
	case StateSuspended:
		return "Suspended"
	case StateFinished:
		return "Finished"
	default:
		return "Unknown"
	}
}

const (
	metaBlockBits = 8
	metaBlocks    = 1 << 16
)

// meta is the control block of a fiber. Control blocks are never freed: a
// slot is recycled with its version (the join event's value) incremented, so
// IDs issued for earlier occupants are detectably stale.
type meta struct {
	g         *Group
	ctx       context.Context
	cancel    context.CancelCauseFunc
	fn        Func
	arg       any
	stk       *stack.Stack
	worker    *worker
	locals    map[uint32]localValue
	curWaiter atomic.Pointer[waiter]
	attr      startAttr
	join      Event
	sleepEv   Event
	mu        sync.Mutex
	id        ID
	slot      uint32
	state     atomic.Int32

	interrupted atomic.Bool
	stopped     atomic.Bool
	aboutToQuit atomic.Bool
	inline      bool
}

func (m *meta) version() uint32 { return uint32(m.join.Load()) }

// transition moves the fiber between states, counting a violation if it was
// not in the expected state.
func (m *meta) transition(from, to FiberState) bool {
	if m.state.CompareAndSwap(int32(from), int32(to)) {
		return true
	}
	m.g.violation(m, from, to)
	return false
}

// suspend parks the calling fiber, handing its worker back the execution
// token. The worker then runs remained, which is where the fiber is published
// to whatever will wake it, and switches to next (if non-nil) before picking
// anything else. Must be called on the fiber's own stack.
func (m *meta) suspend(next *meta, remained func()) {
	w := m.worker
	m.transition(StateRunning, StateSuspended)
	w.remained = remained
	w.next = next
	stack.Switch(m.stk.Context(), w.ctx)
}

// checkWait reports why a wait should not begin. m may be nil.
func (m *meta) checkWait(ctx context.Context) error {
	if m != nil {
		if m.stopped.Load() {
			return ErrStopped
		}
		if m.interrupted.Swap(false) {
			return ErrInterrupted
		}
	}
	return ctx.Err()
}

// waitError maps the result of a wait to its error. m may be nil.
func (m *meta) waitError(ctx context.Context, r waitResult) error {
	switch r {
	case waitWoken:
		return nil
	case waitChanged:
		return ErrValueChanged
	case waitTimedOut:
		return ErrTimedOut
	case waitDestroyed:
		return ErrEventDestroyed
	}
	if m != nil && m.stopped.Load() {
		return ErrStopped
	}
	if r == waitInterrupted {
		if m != nil {
			m.interrupted.Store(false)
		}
		return ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// interrupt wakes the fiber from its current wait, if it is still the
// occupant identified by id.
func (m *meta) interrupt(id ID, stop bool) error {
	m.mu.Lock()
	if m.version() != id.version() || m.state.Load() == int32(StateFree) {
		m.mu.Unlock()
		return ErrInvalidID
	}
	if stop {
		m.stopped.Store(true)
		if m.cancel != nil {
			m.cancel(ErrStopped)
		}
	}
	m.interrupted.Store(true)
	w := m.curWaiter.Load()
	m.mu.Unlock()
	if w != nil {
		w.erase(waitInterrupted)
	}
	return nil
}

func (m *meta) String() string {
	return fmt.Sprintf("fiber(%s)", m.id)
}

// metaPool allocates control blocks from a lazily grown slot array. Freed
// blocks are recycled in FIFO order, maximising the time before a slot (and
// so its next version) is reused.
type metaPool struct {
	slots *lazyarray.Array[meta]
	free  *queue.Queue
	mu    sync.Mutex
	next  atomic.Uint32
}

func newMetaPool() *metaPool {
	return &metaPool{
		slots: lazyarray.New[meta](metaBlockBits, metaBlocks),
		free:  queue.New(),
	}
}

func (p *metaPool) get(g *Group) (*meta, error) {
	p.mu.Lock()
	if p.free.Length() != 0 {
		m := p.free.Remove().(*meta)
		p.mu.Unlock()
		return m, nil
	}
	p.mu.Unlock()

	slot := p.next.Add(1) - 1
	if uint64(slot) >= p.slots.Cap() {
		p.next.Add(^uint32(0))
		return nil, ErrTooManyFibers
	}
	m, err := p.slots.Get(uint64(slot))
	if err != nil {
		return nil, ErrTooManyFibers
	}
	m.g = g
	m.slot = slot
	m.join.Store(1)
	return m, nil
}

func (p *metaPool) put(m *meta) {
	m.state.Store(int32(StateFree))
	p.mu.Lock()
	p.free.Add(m)
	p.mu.Unlock()
}

// address returns the control block identified by id, or nil if the ID is
// unknown or stale.
func (p *metaPool) address(id ID) *meta {
	if id.version() == 0 {
		return nil
	}
	m := p.slots.At(uint64(id.slot()))
	if m == nil || m.version() != id.version() {
		return nil
	}
	return m
}

// rangeLive calls fn for every control block currently in use.
func (p *metaPool) rangeLive(fn func(m *meta)) {
	n := uint64(p.next.Load())
	p.slots.Range(func(i uint64, m *meta) bool {
		if i >= n {
			return false
		}
		switch FiberState(m.state.Load()) {
		case StateFree, StateFinished:
		default:
			fn(m)
		}
		return true
	})
}
