//go:build linux || darwin

package fiber

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"golang.org/x/sys/unix"
)

// FdWait suspends the caller until fd is ready for any of events (read,
// write, or both), or it is closed with [Group.FdClose]. Readiness may be
// reported spuriously, so the subsequent I/O must tolerate EAGAIN.
//
// Fibers of g wait on the group's pollers. Plain goroutines, and fibers
// running inline, poll the fd directly. So do fibers of another group, which
// block their worker while they wait: they should call FdWait on their own
// group, or the package-level [FdWait].
func (g *Group) FdWait(ctx context.Context, fd int, events IOEvents) error {
	return g.FdTimedWait(ctx, fd, events, zeroTime)
}

// FdTimedWait is FdWait, with a deadline, returning [ErrTimedOut] once it
// passes. A zero deadline never expires.
func (g *Group) FdTimedWait(ctx context.Context, fd int, events IOEvents, deadline time.Time) error {
	if events&(EventRead|EventWrite) == 0 {
		return fmt.Errorf("%w: fd events %s", ErrInvalidArgument, events)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	slot, err := g.fdSlot(fd)
	if err != nil {
		return err
	}
	m := fiberFrom(ctx)
	if m == nil || m.inline || m.g != g {
		return pollWait(ctx, m, fd, events, deadline)
	}
	var bo iox.Backoff
	for {
		if err := m.checkWait(ctx); err != nil {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return ErrTimedOut
		}
		fe := fdEventOf(slot)
		if fe == closingGuard {
			bo.Wait()
			continue
		}
		err := g.fdWait(ctx, slot, fe, fd, events, deadline)
		if errors.Is(err, errFdRetry) {
			continue
		}
		return err
	}
}

var errFdRetry = errors.New("fiber: fd closed before registration")

func (g *Group) fdWait(ctx context.Context, slot *atomic.Pointer[fdEvent], fe *fdEvent, fd int, events IOEvents, deadline time.Time) error {
	p, err := g.pollerFor(fd)
	if err != nil {
		return err
	}
	epoch := fe.epoch.Load()
	expected := fe.ev.Load()

	fe.mu.Lock()
	if slot.Load() != fe || fe.epoch.Load() != epoch {
		fe.mu.Unlock()
		return errFdRetry
	}
	want := fe.armed | events
	if err := p.arm(fd, want, fe.registered); err != nil {
		fe.mu.Unlock()
		if errors.Is(err, unix.EBADF) {
			return ErrFdClosed
		}
		g.log.err(logCatPollerError).
			Err(err).
			Int("fd", fd).
			Int("poller", p.id).
			Log("failed to register fd")
		return fmt.Errorf("fiber: register fd %d: %w", fd, err)
	}
	if !fe.registered {
		fe.registered = true
		g.regFDs.Add(1)
	}
	fe.armed = want
	fe.waiters++
	fe.mu.Unlock()

	err = fe.ev.Wait(ctx, expected, deadline)

	fe.mu.Lock()
	fe.waiters--
	if fe.waiters == 0 && fe.registered {
		fe.registered = false
		fe.armed = 0
		g.regFDs.Add(-1)
		if err := p.disarm(fd); err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
			g.log.err(logCatPollerError).
				Err(err).
				Int("fd", fd).
				Int("poller", p.id).
				Log("failed to deregister fd")
		}
	}
	closed := fe.epoch.Load() != epoch
	fe.mu.Unlock()

	switch {
	case closed:
		return ErrFdClosed
	case errors.Is(err, ErrValueChanged):
		return nil
	default:
		return err
	}
}

// FdClose closes fd, waking every fiber waiting on it with [ErrFdClosed].
// It fails with [ErrFdClosing] if another close of fd is in progress.
func (g *Group) FdClose(fd int) error {
	slot, err := g.fdSlot(fd)
	if err != nil {
		if fd < 0 {
			return err
		}
		return unix.Close(fd)
	}
	fe := fdEventOf(slot)
	if fe == closingGuard || !slot.CompareAndSwap(fe, closingGuard) {
		return ErrFdClosing
	}
	fe.epoch.Add(1)
	fe.ev.Add(1)
	if fe.ev.wakeBatch() != 0 {
		g.Flush()
	}
	fe.mu.Lock()
	if fe.registered {
		fe.registered = false
		fe.armed = 0
		g.regFDs.Add(-1)
		if p, err := g.pollerFor(fd); err == nil {
			_ = p.disarm(fd)
		}
	}
	fe.mu.Unlock()
	err = unix.Close(fd)
	slot.Store(fe)
	return err
}
