package stack

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run binds fn to s and switches into it from a fresh context, returning once
// fn has jumped back.
func run(t *testing.T, s *Stack, fn func(self, back *Context)) {
	t.Helper()
	back := NewContext()
	s.Bind(func() {
		fn(s.Context(), back)
		Jump(back)
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		Switch(back, s.Context())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the stack to jump back")
	}
}

func TestSwitch_PingPong(t *testing.T) {
	p := NewPool(TypeSmall, 4, 4)
	defer p.Close()
	s, err := p.Get()
	require.NoError(t, err)

	var trace []int
	main := NewContext()
	s.Bind(func() {
		for i := 1; i <= 3; i++ {
			trace = append(trace, i)
			Switch(s.Context(), main)
		}
		Jump(main)
	})
	for range 4 {
		trace = append(trace, 0)
		Switch(main, s.Context())
	}
	assert.Equal(t, []int{0, 1, 0, 2, 0, 3, 0}, trace)
	s.Release()
}

func TestPool_ReusesStacks(t *testing.T) {
	p := NewPool(TypeNormal, 2, 2)
	defer p.Close()

	s1, err := p.Get()
	require.NoError(t, err)
	var ran bool
	run(t, s1, func(self, back *Context) { ran = true })
	assert.True(t, ran)
	s1.Release()

	s2, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, uint64(1), p.Spawned())
	run(t, s2, func(self, back *Context) {})
	s2.Release()
}

func TestPool_Exhausted(t *testing.T) {
	p := NewPool(TypeSmall, 2, 2)
	defer p.Close()

	s1, err := p.Get()
	require.NoError(t, err)
	s2, err := p.Get()
	require.NoError(t, err)
	_, err = p.Get()
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, p.Live())

	s1.Release()
	s3, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, s1, s3)
	s2.Release()
	s3.Release()
}

func TestPool_IdleOverflowDestroys(t *testing.T) {
	p := NewPool(TypeSmall, 16, 2)
	defer p.Close()

	var stacks []*Stack
	for range 8 {
		s, err := p.Get()
		require.NoError(t, err)
		stacks = append(stacks, s)
	}
	for _, s := range stacks {
		s.Release()
	}
	assert.LessOrEqual(t, p.Live(), 2)
}

func TestPool_Close(t *testing.T) {
	p := NewPool(TypeLarge, 4, 4)
	s, err := p.Get()
	require.NoError(t, err)
	run(t, s, func(self, back *Context) {})
	s.Release()
	p.Close()
	assert.Equal(t, 0, p.Live())
	_, err = p.Get()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPool_ConcurrentGetRelease(t *testing.T) {
	p := NewPool(TypeSmall, 64, 16)
	defer p.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				s, err := p.Get()
				if err != nil {
					continue
				}
				back := NewContext()
				s.Bind(func() { Jump(back) })
				Switch(back, s.Context())
				s.Release()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, p.Live(), 64)
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{TypePthread, TypeSmall, TypeNormal, TypeLarge} {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	got, err := ParseType("")
	require.NoError(t, err)
	assert.Equal(t, TypeNormal, got)
	_, err = ParseType("huge")
	assert.Error(t, err)
	assert.Equal(t, "Type(9)", Type(9).String())
}

func TestNewPool_Panics(t *testing.T) {
	assert.Panics(t, func() { NewPool(TypePthread, 1, 1) })
	assert.Panics(t, func() { NewPool(TypeSmall, 0, 1) })
}
