package fiber

import (
	"context"
	"fmt"
)

// ID identifies a fiber. It packs the version of the fiber's control block
// (high 32 bits) with its slot (low 32 bits). Versions start at 1, so the zero
// ID is never valid.
type ID uint64

// InvalidID is the zero ID.
const InvalidID ID = 0

func makeID(version, slot uint32) ID {
	return ID(uint64(version)<<32 | uint64(slot))
}

func (id ID) version() uint32 { return uint32(id >> 32) }

func (id ID) slot() uint32 { return uint32(id) }

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.slot(), id.version())
}

// Func is the entry point of a fiber. The context carries the fiber, and
// must be passed to every suspending call the fiber makes.
type Func func(ctx context.Context, arg any)

type ctxKey struct{}

func withFiber(ctx context.Context, m *meta) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// fiberFrom returns the fiber carried by ctx, or nil.
func fiberFrom(ctx context.Context) *meta {
	if ctx == nil {
		return nil
	}
	m, _ := ctx.Value(ctxKey{}).(*meta)
	return m
}

// Detach returns a context with the values of ctx, that does not carry the
// calling fiber. Contexts handed to other goroutines must be detached:
// suspending calls made with a fiber's context act on that fiber.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, (*meta)(nil))
}

// Self returns the ID of the fiber carried by ctx, or InvalidID.
func Self(ctx context.Context) ID {
	if m := fiberFrom(ctx); m != nil {
		return m.id
	}
	return InvalidID
}

// InFiber reports whether ctx carries a fiber.
func InFiber(ctx context.Context) bool {
	return fiberFrom(ctx) != nil
}
