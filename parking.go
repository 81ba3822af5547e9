package fiber

import (
	"context"
)

// parkingLot is where idle workers sleep. Its event's value counts signals
// (in steps of two) with the low bit set once the group stops, so a worker
// that read the state before a signal never sleeps through it.
type parkingLot struct {
	ev Event
	_  [64]byte //nolint:unused
}

const lotStopped = 1

// signal wakes up to n sleeping workers, returning how many it woke.
func (p *parkingLot) signal(n int) int {
	p.ev.Add(2)
	return p.ev.wakeN(n)
}

func (p *parkingLot) state() int32 { return p.ev.Load() }

// wait sleeps until the state changes from expected.
func (p *parkingLot) wait(expected int32) {
	_ = p.ev.Wait(context.Background(), expected, zeroTime)
}

func (p *parkingLot) stop() {
	p.ev.value.Or(lotStopped)
	p.ev.wakeN(-1)
}

func stopped(state int32) bool { return state&lotStopped != 0 }
