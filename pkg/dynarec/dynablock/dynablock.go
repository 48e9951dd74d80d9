// Package dynablock implements the dynablock cache's translation unit:
// one cached native translation of a contiguous guest x86 byte range,
// plus the father/son ownership relation that arises when a fill splices
// a continuation into another block.
package dynablock

import (
	"sync"

	"github.com/rouge555/box86/internal/atomicbitops"
)

// Block is one translated run of guest x86 instructions and its generated
// ARM native code; field-level invariants are noted per-field below.
//
// Concurrency: a Block's own fields are either immutable after Fill
// (GuestAddr, GuestSize, NativeCode, NativeSize, Hash, NoLinker, Table,
// InstSize), accessed only via the atomics below (Gone, Done, NeedTest),
// or written without a lock by a single goroutine at a time (Sons,
// Father, Parent: see the per-field comments). See dynablocklist.List's
// doc comment for the List-level locking.
type Block struct {
	// GuestAddr and GuestSize are the x86 byte range [GuestAddr,
	// GuestAddr+GuestSize) this block covers. Set once, before Ready is
	// closed.
	GuestAddr uintptr
	GuestSize uintptr

	// NativeCode and NativeSize describe the emitted ARM code in the
	// executable heap. Owned by the block with Father == nil; sons borrow
	// their father's region and must never free it.
	NativeCode uintptr
	NativeSize uintptr

	// Hash is the X31 integrity hash (see the Hash function below) of the
	// guest bytes at translation time. Meaningless if NoLinker is false.
	Hash uint32

	// NeedTest requests a re-hash on next dispatch entry; raised by SMC
	// write-protection faults. Accessed only atomically.
	NeedTest atomicbitops.Bool

	// Gone and Done are lifecycle flags. Gone means "already being freed,
	// re-entry is a no-op." Done is currently unused by any invalidation
	// path but is cleared alongside Gone at the start of free.
	Gone atomicbitops.Bool
	Done atomicbitops.Bool

	// NoLinker mirrors the owning List's NoLinker at creation time: if
	// false this is a permanently pinned stub, never hashed, protected, or
	// invalidated.
	NoLinker bool

	// Parent is the owning block directory. Non-owning back-reference.
	Parent Directory

	// Father is the block that owns this block's native code, or nil if
	// this block owns its own code. Non-owning.
	Father *Block

	// Sons are owned references to child blocks spawned while this block
	// was being filled. No lock guards it: sons are appended only during
	// Fill, by the goroutine that installed this block, and cleared only
	// during Free, by the one goroutine that won this block's Gone
	// CompareAndSwap.
	Sons []*Block

	// InstSize and Table are opaque per-instruction metadata produced by
	// the code generator (host.Translator). Owned by the block.
	InstSize []uint8
	Table    []byte

	// ready is closed once Fill has finished populating this block. Losers
	// of the install race wait on this before reading Hash/NativeCode, so
	// that exactly one Fill call is observed by every concurrent caller
	// with a fully populated result, without changing the CAS ownership
	// rule.
	ready     chan struct{}
	readyOnce sync.Once
}

// Directory is the subset of *dynablocklist.List a Block needs to refer
// back to its owner without an import cycle (dynablocklist imports
// dynablock, not the reverse). See dynablocklist.List for the concrete
// implementation.
type Directory interface {
	// Start and TextSize identify the directory's guest range. Free does
	// not go through this interface: it asserts Parent to the concrete
	// *dynablocklist.List and clears the slot via RemoveIfOwned.
	Start() uintptr
	TextSize() uintptr
}

// New returns an empty, installable Block. It must be safe to publish to
// readers before Fill runs: a zero-value Block with its ready channel
// allocated satisfies this (no field holds a partially-written
// pointer/slice).
func New() *Block {
	return &Block{ready: make(chan struct{})}
}

// MarkReady closes the readiness gate. Called exactly once, by whichever
// goroutine won the install race and therefore is the sole caller of
// host.Translator.Fill for this block.
func (b *Block) MarkReady() {
	b.readyOnce.Do(func() { close(b.ready) })
}

// WaitReady blocks until Fill has finished populating b. Safe to call
// from the block's own filler (no-op after MarkReady) or from a losing
// installer that was handed this already-installed block by the CAS.
func (b *Block) WaitReady() {
	<-b.ready
}

// Covers reports whether addr falls within this block's guest byte range.
func (b *Block) Covers(addr uintptr) bool {
	return addr >= b.GuestAddr && addr < b.GuestAddr+b.GuestSize
}

// CoversNative reports whether a native code address falls within this
// block's generated code region. Used by the native-address reverse
// lookup.
func (b *Block) CoversNative(addr uintptr) bool {
	return addr >= b.NativeCode && addr < b.NativeCode+b.NativeSize
}

// EffectiveFather returns Father if non-nil, else b itself: the block
// that owns the hash and the code region, used throughout SMC detection
// and free.
func (b *Block) EffectiveFather() *Block {
	if b.Father != nil {
		return b.Father
	}
	return b
}

// Hash computes the 32-bit X31 rolling hash:
//
//	h ← bytes[0]
//	for b in bytes[1..]:
//	    h ← (h << 5) - h + b    // 31·h + b (mod 2^32)
//
// This is deliberately not a cryptographic hash: its purpose is cheap
// change detection behind a page-protection guard, and the protection —
// not the hash strength — is the primary SMC defense.
func Hash(bytes []byte) uint32 {
	if len(bytes) == 0 {
		return 0
	}
	h := int32(bytes[0])
	for _, b := range bytes[1:] {
		h = (h << 5) - h + int32(b)
	}
	return uint32(h)
}
