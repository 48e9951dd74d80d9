// Package dynablocktest provides a deterministic host.Translator /
// host.CodeHeap test double, standing in for the out-of-scope ARM code
// generator and executable-memory allocator. The dispatch, lifecycle and
// smc tests and cmd/dbtcache use it in place of a real code generator.
package dynablocktest

import (
	"sync"

	"github.com/rouge555/box86/pkg/dynarec/dynablock"
)

// Guest is an in-memory guest address space: a byte slice addressable by
// guest virtual address, standing in for the x86 emulator's memory that
// the out-of-scope code generator and the SMC hasher both read.
type Guest struct {
	mu   sync.RWMutex
	base uintptr
	mem  []byte
}

// NewGuest returns a Guest covering [base, base+len(initial)).
func NewGuest(base uintptr, initial []byte) *Guest {
	g := &Guest{base: base, mem: append([]byte(nil), initial...)}
	return g
}

// Read returns a copy of the bytes in [addr, addr+size).
func (g *Guest) Read(addr, size uintptr) []byte {
	g.mu.RLock()
	defer g.mu.RUnlock()
	off := addr - g.base
	if off > uintptr(len(g.mem)) || off+size > uintptr(len(g.mem)) {
		return nil
	}
	out := make([]byte, size)
	copy(out, g.mem[off:off+size])
	return out
}

// Write overwrites [addr, addr+len(data)) with data, simulating
// self-modifying code. It returns nothing; the caller feeds (addr,
// len(data)) into smc.MarkRange itself.
func (g *Guest) Write(addr uintptr, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	off := addr - g.base
	copy(g.mem[off:off+uintptr(len(data))], data)
}

// Translator is a host.Translator test double: it "translates" a block by
// copying InstructionLength bytes of guest code starting at fillAddr into
// a fresh backing buffer and reporting a synthetic, non-overlapping
// address (counting up from 0x10000000) as NativeCode, not the buffer's
// real address. It never actually emits ARM code; this is purely a
// deterministic stand-in so dispatch/lifecycle/smc tests can assert
// behavior without a real code generator.
type Translator struct {
	Guest *Guest
	// InstructionLength is the fixed number of guest bytes each "block"
	// covers; real translators decode variable-length x86 instructions,
	// but a fixed stride is enough to exercise the cache's bookkeeping.
	InstructionLength uintptr

	// Barrier, if non-nil, is closed by the test once it has observed
	// FillStarted fire; Fill waits on it before populating the block. This
	// turns the otherwise-instantaneous test Fill into one a concurrency
	// test can hold open long enough to exercise a lookup racing an
	// in-flight install.
	Barrier chan struct{}
	// FillStarted, if non-nil, is closed the moment Fill begins (before it
	// waits on Barrier), so a test can deterministically know the filling
	// goroutine has entered Fill before it proceeds to start a racing
	// lookup.
	FillStarted chan struct{}

	mu         sync.Mutex
	fillCount  int
	native     map[uintptr][]byte // synthetic NativeCode address -> backing buffer
	nextNative uintptr
}

// NewTranslator returns a Translator covering guest with a fixed
// instruction stride.
func NewTranslator(guest *Guest, instructionLength uintptr) *Translator {
	return &Translator{
		Guest:             guest,
		InstructionLength: instructionLength,
		native:            make(map[uintptr][]byte),
		nextNative:        0x10000000,
	}
}

// FillCount returns how many times Fill has actually run, letting tests
// assert that a race resolves to exactly one fill.
func (t *Translator) FillCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fillCount
}

// Fill implements host.Translator.
func (t *Translator) Fill(block *dynablock.Block, fillAddr uintptr) error {
	if t.FillStarted != nil {
		close(t.FillStarted)
	}
	if t.Barrier != nil {
		<-t.Barrier
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.fillCount++

	code := t.Guest.Read(fillAddr, t.InstructionLength)
	buf := make([]byte, len(code))
	copy(buf, code)
	nativeAddr := t.nextNative
	t.nextNative += uintptr(len(buf)) + 0x100 // pad so ranges never touch
	t.native[nativeAddr] = buf

	block.GuestAddr = fillAddr
	block.GuestSize = t.InstructionLength
	block.NativeCode = nativeAddr
	block.NativeSize = uintptr(len(buf))
	block.NoLinker = true
	block.Hash = dynablock.Hash(code)
	return nil
}

// Heap is a host.CodeHeap test double tracking Free calls, letting tests
// assert that father blocks release their code region exactly once.
type Heap struct {
	mu       sync.Mutex
	Freed    []FreedRegion
	Protects []ProtectedRegion
}

// FreedRegion records one Free call.
type FreedRegion struct {
	Addr uintptr
	Size int
}

// ProtectedRegion records one Protect call.
type ProtectedRegion struct {
	Addr uintptr
	Size int
}

// Alloc is unused by tests that pre-populate NativeCode via Translator,
// but implements host.CodeHeap fully.
func (h *Heap) Alloc(size int) (uintptr, error) {
	return 0x20000000, nil
}

// Free implements host.CodeHeap.
func (h *Heap) Free(addr uintptr, size int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Freed = append(h.Freed, FreedRegion{Addr: addr, Size: size})
}

// Protect implements host.CodeHeap.
func (h *Heap) Protect(addr uintptr, size int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Protects = append(h.Protects, ProtectedRegion{Addr: addr, Size: size})
	return nil
}

// FreeCount returns how many times Free has been called, for asserting a
// code region was released exactly once.
func (h *Heap) FreeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Freed)
}
