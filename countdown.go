package fiber

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Countdown is a fan-in primitive: waiters are released once the counter,
// initialised to the number of expected signals, reaches zero.
type Countdown struct {
	log         *logger
	ev          Event
	waitInvoked atomic.Bool
	// number of times Signal took the counter to zero or below
	fires atomic.Int32
}

// NewCountdown returns a countdown expecting n signals. Only [WithLogger] is
// meaningful, of the options.
func NewCountdown(n int, opts ...Option) (*Countdown, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: countdown %d", ErrInvalidArgument, n)
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	c := &Countdown{log: newLogger(cfg.logger)}
	c.ev.Store(int32(n))
	return c, nil
}

// Count returns the current counter, which may be negative if signalled more
// than expected.
func (c *Countdown) Count() int { return int(c.ev.Load()) }

// Signal decrements the counter by n (at least one), waking every waiter if
// this call is the one that takes it from positive to zero or below.
func (c *Countdown) Signal(n int) {
	n = max(n, 1)
	prev := c.ev.Add(int32(-n)) + int32(n)
	if prev > 0 && prev <= int32(n) {
		c.fires.Add(1)
		c.ev.wakeN(-1)
	}
}

// Wait blocks until the counter reaches zero, or ctx is done.
func (c *Countdown) Wait(ctx context.Context) error {
	return c.TimedWait(ctx, time.Time{})
}

// TimedWait is Wait, with a deadline, returning [ErrTimedOut] once it passes.
// A zero deadline never expires.
func (c *Countdown) TimedWait(ctx context.Context, deadline time.Time) error {
	c.waitInvoked.Store(true)
	for {
		v := c.ev.Load()
		if v <= 0 {
			return nil
		}
		err := c.ev.Wait(ctx, v, deadline)
		if err != nil && !errors.Is(err, ErrValueChanged) {
			if c.ev.Load() <= 0 {
				return nil
			}
			return err
		}
	}
}

// AddCount raises the counter by n. It is a usage error once a wait began.
func (c *Countdown) AddCount(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: add count %d", ErrInvalidArgument, n)
	}
	if c.waitInvoked.Load() {
		c.log.l.Err().
			Err(ErrWaitInvoked).
			Int("n", n).
			Log("countdown: add after wait")
		return ErrWaitInvoked
	}
	c.ev.Add(int32(n))
	return nil
}

// Reset re-arms the countdown with n expected signals. It is a usage error
// while a wait is pending on a countdown that has not fired.
func (c *Countdown) Reset(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: reset %d", ErrInvalidArgument, n)
	}
	if c.waitInvoked.Load() && c.ev.Load() > 0 {
		c.log.l.Err().
			Err(ErrCountdownActive).
			Int("count", c.Count()).
			Int("n", n).
			Log("countdown: reset while waited")
		return ErrCountdownActive
	}
	prev := c.ev.value.Swap(int32(n))
	c.waitInvoked.Store(false)
	if prev > 0 {
		c.ev.wakeN(-1)
	}
	return nil
}
