//go:build linux || darwin

package fiber

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// pollSlice bounds each poll(2), so cancellation and interrupts are noticed.
const pollSlice = 20 * time.Millisecond

// pollWait waits for fd with poll(2), on the calling goroutine. m is the
// inline fiber making the call, if any.
func pollWait(ctx context.Context, m *meta, fd int, events IOEvents, deadline time.Time) error {
	var mask int16
	if events&EventRead != 0 {
		mask |= unix.POLLIN
	}
	if events&EventWrite != 0 {
		mask |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: mask}}
	for {
		if err := m.checkWait(ctx); err != nil {
			return err
		}
		timeout := pollSlice
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrTimedOut
			}
			timeout = min(timeout, remaining)
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(max(timeout/time.Millisecond, 1)))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return ErrFdClosed
		}
		return nil
	}
}
