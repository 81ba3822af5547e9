package fiber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

// testEvent is a logiface.Event that records everything added to it.
type testEvent struct {
	logiface.UnimplementedEvent
	fields map[string]any
	msg    string
	level  logiface.Level
}

func (e *testEvent) Level() logiface.Level { return e.level }

func (e *testEvent) AddField(key string, val any) { e.fields[key] = val }

func (e *testEvent) AddMessage(msg string) bool {
	e.msg = msg
	return true
}

func (e *testEvent) AddError(err error) bool {
	e.fields["err"] = err
	return true
}

type testEventFactory struct{}

func (testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level, fields: make(map[string]any)}
}

// testLog collects written events.
type testLog struct {
	events []*testEvent
	mu     sync.Mutex
}

func (x *testLog) Write(event *testEvent) error {
	x.mu.Lock()
	x.events = append(x.events, event)
	x.mu.Unlock()
	return nil
}

func (x *testLog) snapshot() []*testEvent {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]*testEvent(nil), x.events...)
}

// find returns the events with the given message.
func (x *testLog) find(msg string) []*testEvent {
	var out []*testEvent
	for _, e := range x.snapshot() {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func newTestLogger(level logiface.Level) (*logiface.Logger[logiface.Event], *testLog) {
	w := new(testLog)
	l := logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](testEventFactory{}),
		logiface.WithWriter[*testEvent](w),
		logiface.WithLevel[*testEvent](level),
	)
	return l.Logger(), w
}

// newTestGroup starts a group, closed at the end of the test.
func newTestGroup(t *testing.T, opts ...Option) *Group {
	t.Helper()
	opts = append([]Option{WithMaxStacks(1 << 12)}, opts...)
	g, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return g
}

// runFiber runs fn on a fiber, returning once it finishes.
func runFiber(t *testing.T, g *Group, fn func(ctx context.Context), opts ...StartOption) {
	t.Helper()
	done := make(chan struct{})
	_, err := g.StartBackground(context.Background(), func(ctx context.Context, _ any) {
		defer close(done)
		fn(ctx)
	}, nil, opts...)
	require.NoError(t, err)
	waitClosed(t, done)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
	}
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("timed out")
		return nil
	}
}
