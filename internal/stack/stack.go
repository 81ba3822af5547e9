// Package stack provides pooled execution stacks and the switch primitive the
// scheduler uses to move a single execution token between them.
//
// A stack is a parked goroutine. Exactly one context per worker holds the
// token at any instant, so stacks bound to one worker never run in parallel.
package stack

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"code.hybscloud.com/lfq"
)

// Type selects the allocation strategy for a fiber's stack.
type Type uint8

const (
	// TypePthread runs the fiber directly on its worker, without a stack of
	// its own. Blocking calls block the worker.
	TypePthread Type = iota
	TypeSmall
	TypeNormal
	TypeLarge
)

// ErrExhausted is returned by [Pool.Get] when the pool is at its limit.
var ErrExhausted = errors.New("stack: pool exhausted")

// ErrClosed is returned by [Pool.Get] after [Pool.Close].
var ErrClosed = errors.New("stack: pool closed")

func (t Type) String() string {
	switch t {
	case TypePthread:
		return "pthread"
	case TypeSmall:
		return "small"
	case TypeNormal:
		return "normal"
	case TypeLarge:
		return "large"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Size returns the nominal size of the stack type, in bytes.
func (t Type) Size() int {
	switch t {
	case TypeSmall:
		return 32 << 10
	case TypeNormal:
		return 1 << 20
	case TypeLarge:
		return 8 << 20
	default:
		return 0
	}
}

// prefault is how much of the stack is grown up front, when it is spawned.
func (t Type) prefault() int {
	if t == TypeLarge {
		return 256 << 10
	}
	return 0
}

// ParseType is the inverse of [Type.String].
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pthread":
		return TypePthread, nil
	case "small":
		return TypeSmall, nil
	case "normal", "":
		return TypeNormal, nil
	case "large":
		return TypeLarge, nil
	default:
		return 0, fmt.Errorf("stack: unknown type %q", s)
	}
}

// Stack is a goroutine that runs bound entry functions, one at a time.
type Stack struct {
	ctx  *Context
	pool *Pool
	fn   func()
	typ  Type
}

// Context returns the stack's resumable context.
func (s *Stack) Context() *Context { return s.ctx }

// Type returns the stack's type.
func (s *Stack) Type() Type { return s.typ }

// Bind sets the function run the next time the stack is resumed while idle.
// The function must end with a [Jump] to whichever context should continue.
func (s *Stack) Bind(fn func()) {
	if fn == nil {
		panic("stack: nil entry")
	}
	s.fn = fn
}

// Release returns the stack to its pool. It must only be called after the
// bound function has jumped away.
func (s *Stack) Release() {
	s.pool.put(s)
}

func (s *Stack) loop(prefault int) {
	if prefault > 0 {
		grow(prefault / 1024)
	}
	for {
		s.ctx.Park()
		fn := s.fn
		s.fn = nil
		if fn == nil {
			return
		}
		fn()
	}
}

func (s *Stack) destroy() {
	s.fn = nil
	Jump(s.ctx)
}

//go:noinline
func grow(n int) byte {
	var buf [1024]byte
	buf[n%len(buf)] = byte(n)
	if n <= 1 {
		return buf[0]
	}
	return grow(n-1) + buf[n%len(buf)]
}

// Pool caches idle stacks of a single type, and caps the number alive.
type Pool struct {
	free   lfq.Queue[*Stack]
	max    int64
	live   atomic.Int64
	spawn  atomic.Uint64
	closed atomic.Bool
	typ    Type
}

// NewPool returns a pool of stacks of the given type, allowing at most limit
// stacks alive at once, and caching up to idle of them.
func NewPool(typ Type, limit int, idle int) *Pool {
	if typ == TypePthread {
		panic("stack: pthread stacks are not pooled")
	}
	if limit <= 0 {
		panic("stack: limit must be positive")
	}
	if idle < 2 {
		idle = 2
	}
	return &Pool{
		free: lfq.BuildMPMC[*Stack](lfq.New(idle).Compact()),
		max:  int64(limit),
		typ:  typ,
	}
}

// Get returns an idle stack, spawning a new one if none is cached.
func (p *Pool) Get() (*Stack, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if s, err := p.free.Dequeue(); err == nil {
		return s, nil
	}
	for {
		n := p.live.Load()
		if n >= p.max {
			return nil, ErrExhausted
		}
		if p.live.CompareAndSwap(n, n+1) {
			break
		}
	}
	p.spawn.Add(1)
	s := &Stack{ctx: NewContext(), pool: p, typ: p.typ}
	go s.loop(p.typ.prefault())
	return s, nil
}

func (p *Pool) put(s *Stack) {
	if !p.closed.Load() && p.free.Enqueue(&s) == nil {
		if p.closed.Load() {
			p.drain()
		}
		return
	}
	p.live.Add(-1)
	s.destroy()
}

func (p *Pool) drain() {
	for {
		s, err := p.free.Dequeue()
		if err != nil {
			return
		}
		p.live.Add(-1)
		s.destroy()
	}
}

// Close destroys all idle stacks. Stacks in use are destroyed on release.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.drain()
}

// Live returns the number of stacks alive, idle or in use.
func (p *Pool) Live() int { return int(p.live.Load()) }

// Spawned returns the number of stacks ever created.
func (p *Pool) Spawned() uint64 { return p.spawn.Load() }

// Type returns the type of the pooled stacks.
func (p *Pool) Type() Type { return p.typ }
