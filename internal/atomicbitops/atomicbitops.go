// Package atomicbitops provides named wrapper types around sync/atomic
// primitives, following the convention used throughout gvisor's
// pkg/atomicbitops: a distinct Go type per underlying width so that call
// sites (e.g. Block.Gone, Block.NeedTest) read as domain fields rather
// than bare int32s with implicit atomicity.
package atomicbitops

import "sync/atomic"

// Int32 is an int32 that must only be accessed atomically.
type Int32 struct {
	value int32
}

// FromInt32 returns an Int32 initialized to v.
func FromInt32(v int32) Int32 {
	return Int32{value: v}
}

// Load returns the current value.
func (i *Int32) Load() int32 {
	return atomic.LoadInt32(&i.value)
}

// Store sets the value unconditionally.
func (i *Int32) Store(v int32) {
	atomic.StoreInt32(&i.value, v)
}

// Add adds delta to the value and returns the new value.
func (i *Int32) Add(delta int32) int32 {
	return atomic.AddInt32(&i.value, delta)
}

// CompareAndSwap swaps old for new_ if the current value is old.
func (i *Int32) CompareAndSwap(old, new_ int32) bool {
	return atomic.CompareAndSwapInt32(&i.value, old, new_)
}

// Bool is a bool that must only be accessed atomically.
type Bool struct {
	value uint32
}

// Load returns the current value.
func (b *Bool) Load() bool {
	return atomic.LoadUint32(&b.value) != 0
}

// Store sets the value unconditionally.
func (b *Bool) Store(v bool) {
	if v {
		atomic.StoreUint32(&b.value, 1)
	} else {
		atomic.StoreUint32(&b.value, 0)
	}
}

// CompareAndSwap swaps old for new_ if the current value is old.
func (b *Bool) CompareAndSwap(old, new_ bool) bool {
	var o, n uint32
	if old {
		o = 1
	}
	if new_ {
		n = 1
	}
	return atomic.CompareAndSwapUint32(&b.value, o, n)
}

// Uint32 is a uint32 that must only be accessed atomically.
type Uint32 struct {
	value uint32
}

// Load returns the current value.
func (u *Uint32) Load() uint32 {
	return atomic.LoadUint32(&u.value)
}

// Store sets the value unconditionally.
func (u *Uint32) Store(v uint32) {
	atomic.StoreUint32(&u.value, v)
}
