// Package fiber implements M:N cooperative scheduling of lightweight fibers
// over a fixed group of worker goroutines.
//
// # Fibers
//
// A fiber is started with [Group.StartBackground] or [Group.StartUrgent], and
// runs a [Func] on a pooled stack (a parked goroutine, resumed by handing it
// its worker's execution token). A worker runs one fiber at a time, until it
// suspends: suspension points are [Yield], [Sleep], [Group.Join],
// [Group.FdWait], and waits on an [Event] or [Countdown]. There is no
// preemption.
//
// Every suspending call takes a context. A context carrying a fiber (the one
// passed to its Func, or derived from it) suspends that fiber; any other
// context blocks the calling goroutine instead. Contexts handed to other
// goroutines must be passed through [Detach].
//
// # Identity
//
// Fibers are identified by an [ID], which is never reused: once a fiber
// finishes, Join, Stop and Interrupt fail with [ErrInvalidID] for its ID,
// even after its control block is recycled.
//
// # Waiting
//
// [Event] is a 32-bit futex-like value, on which the other primitives are
// built: joins, [Countdown], fd readiness (one event per fd number, bumped by
// an epoll or kqueue poller), and the parking of idle workers. Deadlines are
// served by a [TimerThread].
//
// # Configuration
//
// Groups are configured with [Option] values, which may also be read from a
// TOML file ([LoadConfig]) or the FIBER_* environment variables
// ([ConfigFromEnv]). Logging goes through logiface, see [WithLogger] and
// [NewLogger].
package fiber
