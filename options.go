// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package fiber

import (
	"fmt"
	"runtime"

	"github.com/joeycumines/go-fiber/internal/stack"
	"github.com/joeycumines/logiface"
)

// StackType selects how a fiber's stack is allocated.
type StackType = stack.Type

const (
	// StackTypePthread runs the fiber on its worker directly. Every blocking
	// call it makes blocks the worker.
	StackTypePthread = stack.TypePthread
	StackTypeSmall   = stack.TypeSmall
	StackTypeNormal  = stack.TypeNormal
	StackTypeLarge   = stack.TypeLarge
)

const (
	maxConcurrency   = 1024
	maxEpollThreads  = 64
	maxParkingLots   = 4
	minRunQueueCap   = 64
	defaultRunQueue  = 4096
	defaultTimerBkts = 13
)

// options holds configuration for Group and TimerThread creation.
type options struct {
	logger           *logiface.Logger[logiface.Event]
	concurrency      int
	epollThreads     int
	runQueueCapacity int
	maxStacks        int
	idleStacks       int
	timerBuckets     int
	defaultStackType StackType
	lockOSThread     bool
}

// --- Options ---

// Option configures a Group (see [New]) or a TimerThread (see
// [NewTimerThread]). Options irrelevant to the target are ignored.
type Option interface {
	apply(*options) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithConcurrency sets the number of workers.
// Defaults to GOMAXPROCS.
func WithConcurrency(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 || n > maxConcurrency {
			return fmt.Errorf("%w: concurrency %d", ErrInvalidArgument, n)
		}
		opts.concurrency = n
		return nil
	}}
}

// WithEpollThreads sets the number of poller goroutines backing fd waits.
// Defaults to max(1, NumCPU/8).
func WithEpollThreads(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 || n > maxEpollThreads {
			return fmt.Errorf("%w: epoll threads %d", ErrInvalidArgument, n)
		}
		opts.epollThreads = n
		return nil
	}}
}

// WithRunQueueCapacity sets the capacity of each worker's run queue, rounded
// up to a power of two.
func WithRunQueueCapacity(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < minRunQueueCap {
			return fmt.Errorf("%w: run queue capacity %d", ErrInvalidArgument, n)
		}
		opts.runQueueCapacity = n
		return nil
	}}
}

// WithMaxStacks caps the number of stacks alive, per stack type. Fibers
// started beyond the cap run on their worker, see [StackTypePthread].
func WithMaxStacks(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 {
			return fmt.Errorf("%w: max stacks %d", ErrInvalidArgument, n)
		}
		opts.maxStacks = n
		return nil
	}}
}

// WithDefaultStackType sets the stack type of fibers started without
// [WithStackType].
func WithDefaultStackType(t StackType) Option {
	return &optionImpl{func(opts *options) error {
		if t > StackTypeLarge {
			return fmt.Errorf("%w: stack type %v", ErrInvalidArgument, t)
		}
		opts.defaultStackType = t
		return nil
	}}
}

// WithLockOSThread pins every worker, the timer thread and every poller to
// its own OS thread.
func WithLockOSThread(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.lockOSThread = enabled
		return nil
	}}
}

// WithTimerBuckets sets the number of submission buckets used by the timer
// thread, reducing contention between concurrent schedulers.
func WithTimerBuckets(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 {
			return fmt.Errorf("%w: timer buckets %d", ErrInvalidArgument, n)
		}
		opts.timerBuckets = n
		return nil
	}}
}

// resolveOptions applies Option instances to options.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		concurrency:      runtime.GOMAXPROCS(0),
		epollThreads:     max(1, runtime.NumCPU()/8),
		runQueueCapacity: defaultRunQueue,
		maxStacks:        defaultMaxStacks(),
		timerBuckets:     defaultTimerBkts,
		defaultStackType: StackTypeNormal,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}
	cfg.concurrency = min(cfg.concurrency, maxConcurrency)
	cfg.idleStacks = min(cfg.maxStacks, 4096)
	return cfg, nil
}

// --- Start options ---

type startAttr struct {
	name           string
	stackType      StackType
	noSignal       bool
	logStartFinish bool
}

// StartOption configures a single fiber, see [Group.StartBackground].
type StartOption interface {
	applyStart(*startAttr)
}

type startOptionFunc func(*startAttr)

func (f startOptionFunc) applyStart(a *startAttr) { f(a) }

// WithStackType overrides the group's default stack type.
func WithStackType(t StackType) StartOption {
	return startOptionFunc(func(a *startAttr) {
		a.stackType = t
	})
}

// WithNoSignal queues the fiber without waking a worker. Pending fibers are
// signalled in bulk by [Group.Flush], or when any worker goes idle.
func WithNoSignal() StartOption {
	return startOptionFunc(func(a *startAttr) { a.noSignal = true })
}

// WithLogStartAndFinish logs, at debug level, when the fiber starts and
// finishes.
func WithLogStartAndFinish() StartOption {
	return startOptionFunc(func(a *startAttr) { a.logStartFinish = true })
}

// WithName names the fiber, for logging.
func WithName(name string) StartOption {
	return startOptionFunc(func(a *startAttr) { a.name = name })
}

func resolveStartAttr(def StackType, opts []StartOption) startAttr {
	a := startAttr{stackType: def}
	for _, opt := range opts {
		if opt != nil {
			opt.applyStart(&a)
		}
	}
	if a.stackType > StackTypeLarge {
		a.stackType = def
	}
	return a
}
