package fiber

import (
	"context"
	"sync"
)

// MaxKeys is the maximum number of keys that may exist at once.
const MaxKeys = 992

// destructorRounds bounds how often destructors are re-run at fiber exit,
// for values set by other destructors.
const destructorRounds = 4

// Key identifies a slot of fiber-local storage, see [NewKey].
type Key struct {
	index   uint32
	version uint32
}

type keyInfo struct {
	dtor    func(any)
	version uint32
	inUse   bool
}

type localValue struct {
	value   any
	version uint32
}

var keys struct {
	infos []keyInfo
	free  []uint32
	mu    sync.RWMutex
}

// NewKey creates a key for fiber-local storage. If destructor is non-nil it
// is called, at fiber exit, with every non-nil value stored under the key.
func NewKey(destructor func(any)) (Key, error) {
	keys.mu.Lock()
	defer keys.mu.Unlock()
	var index uint32
	if n := len(keys.free); n != 0 {
		index = keys.free[n-1]
		keys.free = keys.free[:n-1]
	} else {
		if len(keys.infos) >= MaxKeys {
			return Key{}, ErrTooManyKeys
		}
		index = uint32(len(keys.infos))
		keys.infos = append(keys.infos, keyInfo{version: 1})
	}
	info := &keys.infos[index]
	info.inUse = true
	info.dtor = destructor
	return Key{index: index, version: info.version}, nil
}

// DeleteKey deletes the key. Values stored under it are no longer visible,
// and their destructor is not called.
func DeleteKey(k Key) error {
	keys.mu.Lock()
	defer keys.mu.Unlock()
	if !k.validLocked() {
		return ErrInvalidKey
	}
	info := &keys.infos[k.index]
	info.inUse = false
	info.dtor = nil
	if info.version++; info.version == 0 {
		info.version = 1
	}
	keys.free = append(keys.free, k.index)
	return nil
}

func (k Key) validLocked() bool {
	return k.version != 0 &&
		int(k.index) < len(keys.infos) &&
		keys.infos[k.index].inUse &&
		keys.infos[k.index].version == k.version
}

func (k Key) valid() bool {
	keys.mu.RLock()
	defer keys.mu.RUnlock()
	return k.validLocked()
}

// SetSpecific stores v under k, for the fiber carried by ctx.
func SetSpecific(ctx context.Context, k Key, v any) error {
	m := fiberFrom(ctx)
	if m == nil {
		return ErrNotInFiber
	}
	if !k.valid() {
		return ErrInvalidKey
	}
	if m.locals == nil {
		m.locals = make(map[uint32]localValue)
	}
	m.locals[k.index] = localValue{value: v, version: k.version}
	return nil
}

// GetSpecific returns the value stored under k, for the fiber carried by
// ctx, or nil.
func GetSpecific(ctx context.Context, k Key) any {
	m := fiberFrom(ctx)
	if m == nil || m.locals == nil {
		return nil
	}
	lv, ok := m.locals[k.index]
	if !ok || lv.version != k.version || !k.valid() {
		return nil
	}
	return lv.value
}

// destroyLocals runs destructors for the fiber's values, repeating for
// values set by destructors, up to destructorRounds times.
func destroyLocals(m *meta) {
	for range destructorRounds {
		if len(m.locals) == 0 {
			break
		}
		locals := m.locals
		m.locals = nil
		for index, lv := range locals {
			if lv.value == nil {
				continue
			}
			keys.mu.RLock()
			var dtor func(any)
			if int(index) < len(keys.infos) {
				if info := keys.infos[index]; info.inUse && info.version == lv.version {
					dtor = info.dtor
				}
			}
			keys.mu.RUnlock()
			if dtor != nil {
				dtor(lv.value)
			}
		}
	}
	m.locals = nil
}
