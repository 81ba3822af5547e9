package fiber

import (
	"fmt"
	"runtime"

	"code.hybscloud.com/lfq"
	"github.com/joeycumines/go-fiber/internal/stack"
)

// worker runs fibers, one at a time, switching between their stacks and its
// own. Its run queue is drained first locally, then by stealing from the
// other workers, before it parks.
type worker struct {
	g        *Group
	ctx      *stack.Context
	rq       lfq.Queue[*meta]
	lot      *parkingLot
	remained func()
	next     *meta
	id       int
	seed     uint32
}

func newWorker(g *Group, id int, lot *parkingLot, capacity int) *worker {
	return &worker{
		g:    g,
		ctx:  stack.NewContext(),
		rq:   lfq.BuildMPMC[*meta](lfq.New(capacity).Compact()),
		lot:  lot,
		id:   id,
		seed: uint32(id)*2654435761 + 1,
	}
}

func (w *worker) run() {
	defer w.g.wg.Done()
	if w.g.opts.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for {
		m := w.next
		w.next = nil
		if m == nil {
			if m = w.waitTask(); m == nil {
				return
			}
		}
		w.sched(m)
	}
}

// waitTask returns the next fiber to run, parking while there is none, or nil
// once the group stops.
func (w *worker) waitTask() *meta {
	g := w.g
	for {
		if m := w.take(); m != nil {
			return m
		}
		g.Flush()
		st := w.lot.state()
		if stopped(st) {
			return nil
		}
		// anything queued before the state was read is visible now
		if m := w.take(); m != nil {
			return m
		}
		g.stats.parks.Add(1)
		w.lot.wait(st)
	}
}

func (w *worker) take() *meta {
	if m, err := w.rq.Dequeue(); err == nil {
		return m
	}
	if m := w.g.unspill(); m != nil {
		return m
	}
	return w.steal()
}

func (w *worker) steal() *meta {
	workers := w.g.workers
	n := len(workers)
	if n <= 1 {
		return nil
	}
	// xorshift
	w.seed ^= w.seed << 13
	w.seed ^= w.seed >> 17
	w.seed ^= w.seed << 5
	offset := int(w.seed % uint32(n))
	for i := range n {
		o := workers[(offset+i)%n]
		if o == w {
			continue
		}
		if m, err := o.rq.Dequeue(); err == nil {
			w.g.stats.steals.Add(1)
			return m
		}
	}
	return nil
}

// sched switches to m, returning once m suspends or finishes, and then runs
// whatever m left for the worker to do.
func (w *worker) sched(m *meta) {
	g := w.g
	if !m.transition(StateRunnable, StateRunning) {
		return
	}
	m.worker = w
	g.stats.switches.Add(1)
	if m.stk == nil && !m.inline {
		g.attachStack(m)
	}
	if m.inline {
		m.main()
		g.finish(m)
	} else {
		stack.Switch(w.ctx, m.stk.Context())
	}
	if r := w.remained; r != nil {
		w.remained = nil
		r()
	}
}

// attachStack binds m to a stack of its type, falling back to running m on
// its worker if none can be allocated.
func (g *Group) attachStack(m *meta) {
	t := m.attr.stackType
	if t == StackTypePthread {
		m.inline = true
		return
	}
	s, err := g.stacks[t].Get()
	if err != nil {
		m.inline = true
		g.stats.stackFallbacks.Add(1)
		g.log.warning(logCatStackFallback).
			Err(err).
			Str("fiber", m.id.String()).
			Str("stack_type", t.String()).
			Log("stack allocation failed, running fiber on its worker")
		return
	}
	m.stk = s
	s.Bind(m.entry)
}

// entry is the bound function of a fiber's stack.
func (m *meta) entry() {
	m.main()
	w := m.worker
	w.remained = func() { m.g.finish(m) }
	stack.Jump(w.ctx)
}

// main runs the fiber's function, then its fiber-local destructors.
func (m *meta) main() {
	g := m.g
	if m.attr.logStartFinish {
		g.log.l.Debug().
			Str("fiber", m.id.String()).
			Str("name", m.attr.name).
			Int("worker", m.worker.id).
			Log("fiber started")
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				g.stats.panics.Add(1)
				g.log.err(logCatFiberPanic).
					Str("fiber", m.id.String()).
					Str("name", m.attr.name).
					Str("panic", fmt.Sprint(r)).
					Log("fiber panicked")
			}
		}()
		m.fn(m.ctx, m.arg)
	}()
	destroyLocals(m)
	if m.attr.logStartFinish {
		g.log.l.Debug().
			Str("fiber", m.id.String()).
			Str("name", m.attr.name).
			Log("fiber finished")
	}
}
