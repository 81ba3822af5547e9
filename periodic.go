package fiber

import (
	"fmt"
	"sync"
	"time"
)

// PeriodicTask is a callback run repeatedly by a [TimerThread].
type PeriodicTask struct {
	t        *TimerThread
	fn       func()
	next     time.Time
	interval time.Duration
	id       TimerID
	mu       sync.Mutex
	stopped  bool
}

// Every runs fn on the timer goroutine once per interval, starting one
// interval from now. Ticks missed because of a slow callback (or a busy
// timer thread) are skipped, without shifting the schedule.
func (t *TimerThread) Every(interval time.Duration, fn func()) (*PeriodicTask, error) {
	if interval <= 0 || fn == nil {
		return nil, fmt.Errorf("%w: periodic task", ErrInvalidArgument)
	}
	p := &PeriodicTask{
		t:        t,
		fn:       fn,
		interval: interval,
		next:     time.Now().Add(interval),
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := t.Schedule(p.tick, nil, p.next)
	if err != nil {
		return nil, err
	}
	p.id = id
	return p, nil
}

func (p *PeriodicTask) tick(any) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.fn()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.next = p.next.Add(p.interval)
	if now := time.Now(); p.next.Before(now) {
		missed := now.Sub(p.next)/p.interval + 1
		p.next = p.next.Add(missed * p.interval)
	}
	id, err := p.t.Schedule(p.tick, nil, p.next)
	if err != nil {
		p.stopped = true
		return
	}
	p.id = id
}

// Stop prevents further runs. A run in progress is not interrupted.
func (p *PeriodicTask) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.t.Unschedule(p.id)
}
