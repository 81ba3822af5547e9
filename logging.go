package fiber

import (
	"io"
	"os"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewLogger returns a JSON logger writing to w (stderr if nil), at the given
// level, suitable for [WithLogger].
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField("ts"),
		),
		stumpy.L.WithLevel(level),
	).Logger()
}

// Categories of rate limited log messages.
const (
	logCatRunQueueFull  = "run_queue_full"
	logCatStackFallback = "stack_fallback"
	logCatStateCAS      = "state_violation"
	logCatPollerError   = "poller_error"
	logCatFiberPanic    = "fiber_panic"
)

// logger wraps the configured logger with a per category rate limit, for
// messages emitted from hot paths.
type logger struct {
	l       *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newLogger(l *logiface.Logger[logiface.Event]) *logger {
	return &logger{
		l: l,
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: 5,
			time.Minute: 60,
		}),
	}
}

// limited returns b if the category is within its rate, or nil.
func (x *logger) limited(category string, b *logiface.Builder[logiface.Event]) *logiface.Builder[logiface.Event] {
	if !b.Enabled() {
		return nil
	}
	if _, ok := x.limiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b.Str("category", category)
}

func (x *logger) warning(category string) *logiface.Builder[logiface.Event] {
	return x.limited(category, x.l.Warning())
}

func (x *logger) err(category string) *logiface.Builder[logiface.Event] {
	return x.limited(category, x.l.Err())
}
