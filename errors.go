package fiber

import (
	"context"
	"errors"
	"syscall"
)

// Standard errors.
var (
	// ErrTimedOut is returned by waits whose deadline passed first.
	ErrTimedOut = errors.New("fiber: timed out")

	// ErrValueChanged is returned by [Event.Wait] when the value no longer
	// matched the expected value, at the point of suspension.
	ErrValueChanged = errors.New("fiber: value changed")

	// ErrInterrupted is returned by a wait (or sleep) of a fiber that was
	// interrupted, see [Group.Interrupt].
	ErrInterrupted = errors.New("fiber: interrupted")

	// ErrStopped is returned by every wait of a fiber that was stopped, see
	// [Group.Stop].
	ErrStopped = errors.New("fiber: stopped")

	// ErrInvalidID indicates an unknown, or stale, fiber ID.
	ErrInvalidID = errors.New("fiber: invalid id")

	// ErrDeadlock is returned by [Group.Join] when a fiber joins itself, and
	// by [Group.Shutdown] when called from one of the group's fibers.
	ErrDeadlock = errors.New("fiber: deadlock")

	// ErrInvalidArgument indicates a usage error detected at the boundary.
	ErrInvalidArgument = errors.New("fiber: invalid argument")

	// ErrNotInFiber is returned by operations that require the calling
	// context to carry a fiber.
	ErrNotInFiber = errors.New("fiber: not called from a fiber")

	// ErrGroupClosed is returned by starts after [Group.Shutdown].
	ErrGroupClosed = errors.New("fiber: group closed")

	// ErrEventDestroyed is returned by waits on a destroyed [Event].
	ErrEventDestroyed = errors.New("fiber: event destroyed")

	// ErrEventBusy is returned by [Event.Destroy] while fibers wait on it.
	ErrEventBusy = errors.New("fiber: event has waiters")

	// ErrCountdownActive is returned by [Countdown.Reset] while a wait is
	// pending on a countdown that has not fired.
	ErrCountdownActive = errors.New("fiber: countdown reset while waited")

	// ErrWaitInvoked is returned by [Countdown.AddCount] once a wait began.
	ErrWaitInvoked = errors.New("fiber: countdown add after wait")

	// ErrTimerStopped is returned by [TimerThread.Schedule] after Stop.
	ErrTimerStopped = errors.New("fiber: timer thread stopped")

	// ErrFDOutOfRange is returned for negative or too large descriptors.
	ErrFDOutOfRange = errors.New("fiber: fd out of range")

	// ErrFdClosed is returned by fd waits whose descriptor was closed via
	// [Group.FdClose] while they waited.
	ErrFdClosed = errors.New("fiber: fd closed while waiting")

	// ErrFdClosing is returned by a [Group.FdClose] that raced with another
	// close of the same descriptor.
	ErrFdClosing = errors.New("fiber: fd already closing")

	// ErrPollerClosed is returned by fd waits after shutdown.
	ErrPollerClosed = errors.New("fiber: poller closed")

	// ErrTooManyFibers is returned by starts once every control block slot
	// is in use.
	ErrTooManyFibers = errors.New("fiber: too many fibers")

	// ErrTooManyKeys is returned by [NewKey] once the key table is full.
	ErrTooManyKeys = errors.New("fiber: too many keys")

	// ErrInvalidKey indicates a deleted, or never created, [Key].
	ErrInvalidKey = errors.New("fiber: invalid key")
)

// ErrnoOf maps errors returned by this package to the closest errno, for
// callers that report numeric status codes. It returns 0 for nil, and EIO for
// errors it does not recognise.
func ErrnoOf(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case errors.Is(err, ErrValueChanged):
		return syscall.EWOULDBLOCK
	case errors.Is(err, ErrInterrupted):
		return syscall.EINTR
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
		return syscall.ECANCELED
	case errors.Is(err, ErrDeadlock):
		return syscall.EDEADLK
	case errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrEventDestroyed),
		errors.Is(err, ErrCountdownActive),
		errors.Is(err, ErrWaitInvoked),
		errors.Is(err, ErrNotInFiber):
		return syscall.EINVAL
	case errors.Is(err, ErrEventBusy):
		return syscall.EBUSY
	case errors.Is(err, ErrFdClosed), errors.Is(err, ErrFdClosing), errors.Is(err, ErrFDOutOfRange):
		return syscall.EBADF
	case errors.Is(err, ErrTooManyKeys), errors.Is(err, ErrTooManyFibers):
		return syscall.EAGAIN
	case errors.Is(err, ErrGroupClosed), errors.Is(err, ErrTimerStopped), errors.Is(err, ErrPollerClosed):
		return syscall.ESHUTDOWN
	case errors.As(err, &errno):
		return errno
	default:
		return syscall.EIO
	}
}
