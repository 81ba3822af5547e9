//go:build !linux && !darwin

package fiber

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// poller is unused on platforms without epoll or kqueue.
type poller struct{}

func (g *Group) stopPollers() {}

// FdWait is unsupported on this platform.
func (g *Group) FdWait(ctx context.Context, fd int, events IOEvents) error {
	return g.FdTimedWait(ctx, fd, events, zeroTime)
}

// FdTimedWait is unsupported on this platform.
func (g *Group) FdTimedWait(ctx context.Context, fd int, events IOEvents, deadline time.Time) error {
	if _, err := g.fdSlot(fd); err != nil {
		return err
	}
	return fmt.Errorf("fiber: fd wait: %w", errors.ErrUnsupported)
}

// FdClose is unsupported on this platform.
func (g *Group) FdClose(fd int) error {
	return fmt.Errorf("fiber: fd close: %w", errors.ErrUnsupported)
}
