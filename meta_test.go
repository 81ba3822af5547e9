package fiber

import (
	"context"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID(t *testing.T) {
	id := makeID(3, 7)
	assert.Equal(t, uint32(3), id.version())
	assert.Equal(t, uint32(7), id.slot())
	assert.Equal(t, "7:3", id.String())
	assert.Equal(t, InvalidID, makeID(0, 0))
}

func TestMetaPool_Recycle(t *testing.T) {
	p := newMetaPool()
	m, err := p.get(nil)
	require.NoError(t, err)
	id := makeID(m.version(), m.slot)
	assert.Same(t, m, p.address(id))
	assert.Nil(t, p.address(makeID(0, m.slot)))

	// bumping the version invalidates the old ID
	m.join.Add(1)
	p.put(m)
	assert.Nil(t, p.address(id))
	assert.Equal(t, StateFree, FiberState(m.state.Load()))

	again, err := p.get(nil)
	require.NoError(t, err)
	assert.Same(t, m, again)

	fresh, err := p.get(nil)
	require.NoError(t, err)
	assert.NotSame(t, m, fresh)
	assert.Equal(t, m.slot+1, fresh.slot)
}

func TestMetaPool_RangeLive(t *testing.T) {
	p := newMetaPool()
	var ms []*meta
	for range 5 {
		m, err := p.get(nil)
		require.NoError(t, err)
		ms = append(ms, m)
	}
	ms[0].state.Store(int32(StateRunning))
	ms[1].state.Store(int32(StateSuspended))
	ms[2].state.Store(int32(StateFinished))
	ms[3].state.Store(int32(StateRunnable))
	var live []uint32
	p.rangeLive(func(m *meta) { live = append(live, m.slot) })
	assert.Equal(t, []uint32{ms[0].slot, ms[1].slot, ms[3].slot}, live)
}

func TestFiberState_String(t *testing.T) {
	for s, want := range map[FiberState]string{
		StateFree:      "Free",
		StateCreated:   "Created",
		StateRunnable:  "Runnable",
		StateRunning:   "Running",
		StateSuspended: "Suspended",
		StateFinished:  "Finished",
		FiberState(99): "Unknown",
	} {
		assert.Equal(t, want, s.String())
	}
}

func TestParkingLot(t *testing.T) {
	var p parkingLot
	state := p.state()
	woke := make(chan struct{})
	go func() {
		p.wait(state)
		close(woke)
	}()
	require.Eventually(t, func() bool { return p.ev.Waiters() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, 1, p.signal(4))
	waitClosed(t, woke)
	assert.False(t, stopped(p.state()))

	// a stale state never sleeps
	p.wait(state)

	p.stop()
	assert.True(t, stopped(p.state()))
	p.wait(p.state() &^ lotStopped)
}

func TestErrnoOf(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{ErrTimedOut, syscall.ETIMEDOUT},
		{context.DeadlineExceeded, syscall.ETIMEDOUT},
		{ErrValueChanged, syscall.EWOULDBLOCK},
		{ErrInterrupted, syscall.EINTR},
		{ErrStopped, syscall.ECANCELED},
		{ErrDeadlock, syscall.EDEADLK},
		{fmt.Errorf("wrapped: %w", ErrInvalidID), syscall.EINVAL},
		{ErrEventBusy, syscall.EBUSY},
		{ErrFdClosed, syscall.EBADF},
		{ErrTooManyFibers, syscall.EAGAIN},
		{ErrGroupClosed, syscall.ESHUTDOWN},
		{fmt.Errorf("close: %w", syscall.ENOTSOCK), syscall.ENOTSOCK},
		{fmt.Errorf("something else"), syscall.EIO},
	} {
		assert.Equal(t, tc.want, ErrnoOf(tc.err), "%v", tc.err)
	}
}
