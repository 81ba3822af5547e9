//go:build linux || darwin

package fiber

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// poller owns one kernel poll descriptor (epoll or kqueue), and a goroutine
// that wakes the fibers waiting on its ready fds. It never calls application
// code.
type poller struct {
	g        *Group
	done     chan struct{}
	ready    []int
	pfd      int
	wakeR    int
	wakeW    int
	id       int
	stopping atomic.Bool
}

func newPoller(g *Group, id int) (*poller, error) {
	pfd, err := pollCreate()
	if err != nil {
		return nil, err
	}
	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		_ = unix.Close(pfd)
		return nil, err
	}
	unix.CloseOnExec(pipe[0])
	unix.CloseOnExec(pipe[1])
	return &poller{
		g:     g,
		done:  make(chan struct{}),
		ready: make([]int, 0, pollBatch),
		pfd:   pfd,
		wakeR: pipe[0],
		wakeW: pipe[1],
		id:    id,
	}, nil
}

// pollerFor returns the poller fd is assigned to, starting the pollers on
// first use.
func (g *Group) pollerFor(fd int) (*poller, error) {
	g.pollOnce.Do(g.startPollers)
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	return g.pollers[fmix32(uint32(fd))%uint32(len(g.pollers))], nil
}

func (g *Group) startPollers() {
	if g.closing.Load() {
		g.pollErr = ErrPollerClosed
		return
	}
	pollers := make([]*poller, g.opts.epollThreads)
	for i := range pollers {
		p, err := newPoller(g, i)
		if err != nil {
			for _, p := range pollers[:i] {
				p.close()
			}
			g.pollErr = fmt.Errorf("fiber: create poller: %w", err)
			g.log.l.Crit().
				Err(err).
				Int("poller", i).
				Log("failed to create poll descriptor")
			return
		}
		pollers[i] = p
	}
	g.pollers = pollers
	for _, p := range pollers {
		go p.run()
	}
}

// stopPollers stops any running pollers, waiting for them to exit.
func (g *Group) stopPollers() {
	g.pollOnce.Do(func() { g.pollErr = ErrPollerClosed })
	for _, p := range g.pollers {
		p.stopping.Store(true)
		if err := p.wakeup(); err != nil {
			// the goroutine cannot be reached, its descriptors are released
			// regardless
			g.log.l.Crit().
				Err(err).
				Int("poller", p.id).
				Log("failed to wake poller")
		} else {
			<-p.done
		}
		p.close()
	}
}

// wakeup makes the poller's wait return. The write end of the wake pipe is
// always writable; if it cannot be armed, the read end is armed and written
// to instead.
func (p *poller) wakeup() error {
	err := p.armWakeup()
	if err == nil {
		return nil
	}
	p.g.log.err(logCatPollerError).
		Err(err).
		Int("poller", p.id).
		Log("failed to arm poller wakeup, writing to the wake pipe")
	if armErr := p.arm(p.wakeR, EventRead, false); armErr != nil {
		return errors.Join(err, fmt.Errorf("fiber: arm wake pipe: %w", armErr))
	}
	if _, err := unix.Write(p.wakeW, []byte{0}); err != nil {
		return fmt.Errorf("fiber: write wake pipe: %w", err)
	}
	return nil
}

func (p *poller) close() {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
	_ = unix.Close(p.pfd)
}

func (p *poller) run() {
	defer close(p.done)
	g := p.g
	if g.opts.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for {
		ready, err := p.wait()
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if p.stopping.Load() {
				return
			}
			g.log.err(logCatPollerError).
				Err(err).
				Int("poller", p.id).
				Log("poll wait failed")
			continue
		}
		var woken int
		for _, fd := range ready {
			if fd == p.wakeW || fd == p.wakeR {
				if p.stopping.Load() {
					return
				}
				continue
			}
			slot := g.fds.At(uint64(fd))
			if slot == nil {
				continue
			}
			fe := slot.Load()
			if fe == nil || fe == closingGuard {
				continue
			}
			fe.ev.Add(1)
			woken += fe.ev.wakeBatch()
		}
		if woken != 0 {
			g.Flush()
		}
	}
}
