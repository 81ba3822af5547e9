package fiber

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-fiber/internal/lazyarray"
)

// IOEvents is a set of fd readiness conditions.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

func (e IOEvents) String() string {
	var s string
	for _, v := range [...]struct {
		name string
		bit  IOEvents
	}{
		{"read", EventRead},
		{"write", EventWrite},
		{"error", EventError},
		{"hangup", EventHangup},
	} {
		if e&v.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += v.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// fd table geometry: 2^11 blocks of 2^12 slots, allocated on first use.
const (
	fdBlockBits = 12
	fdBlocks    = 1 << 11
)

// fdEvent is the wait state of one fd number. Fibers waiting on the fd wait
// on ev, which the poller bumps on readiness, and FdClose bumps on close.
type fdEvent struct {
	ev Event
	mu sync.Mutex
	// guarded by mu
	waiters    int
	armed      IOEvents
	registered bool
	// incremented by every close of the fd number
	epoch atomic.Uint32
}

// closingGuard occupies an fd's slot while FdClose runs.
var closingGuard = new(fdEvent)

type fdTable = lazyarray.Array[atomic.Pointer[fdEvent]]

func newFdTable() *fdTable {
	return lazyarray.New[atomic.Pointer[fdEvent]](fdBlockBits, fdBlocks)
}

// fdSlot returns the table slot of fd.
func (g *Group) fdSlot(fd int) (*atomic.Pointer[fdEvent], error) {
	if fd < 0 {
		return nil, ErrFDOutOfRange
	}
	slot, err := g.fds.Get(uint64(fd))
	if err != nil {
		return nil, ErrFDOutOfRange
	}
	return slot, nil
}

// fdEventOf returns the wait state of fd, creating it if necessary. The
// result is closingGuard while the fd is being closed.
func fdEventOf(slot *atomic.Pointer[fdEvent]) *fdEvent {
	var fresh *fdEvent
	for {
		if fe := slot.Load(); fe != nil {
			return fe
		}
		if fresh == nil {
			fresh = new(fdEvent)
		}
		if slot.CompareAndSwap(nil, fresh) {
			return fresh
		}
	}
}

// RegisteredFDs returns the number of fds currently registered with the
// group's pollers.
func (g *Group) RegisteredFDs() int64 { return g.regFDs.Load() }

// fmix32 is the murmur3 finalizer.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}
