//go:build linux

package fiber

import (
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestStopPollers_WakePipeFallback(t *testing.T) {
	l, log := newTestLogger(logiface.LevelDebug)
	g, err := New(WithConcurrency(1), WithEpollThreads(1), WithLogger(l))
	require.NoError(t, err)
	p, err := g.pollerFor(0)
	require.NoError(t, err)
	// the write end is already registered, so arming it for the wakeup fails
	// with EEXIST
	require.NoError(t, unix.EpollCtl(p.pfd, unix.EPOLL_CTL_ADD, p.wakeW, &unix.EpollEvent{Fd: int32(p.wakeW)}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, g.Close())
	}()
	waitClosed(t, done)
	waitClosed(t, p.done)
	assert.Len(t, log.find("failed to arm poller wakeup, writing to the wake pipe"), 1)
	assert.Empty(t, log.find("failed to wake poller"))
}
