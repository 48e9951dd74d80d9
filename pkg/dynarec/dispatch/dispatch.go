// Package dispatch implements the dynablock cache's dispatch/lookup path:
// the fast/medium/slow path invoked on every guest branch, and the SMC
// validation + retranslation loop that runs on every dispatch entry.
//
// Every exported function here takes a *Context instead of reading
// package-level state, the same explicit-collaborator-handle style used
// throughout the rest of this module.
package dispatch

import (
	"sync"

	"github.com/rouge555/box86/internal/log"
	"github.com/rouge555/box86/pkg/dynarec/dynablock"
	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
	"github.com/rouge555/box86/pkg/dynarec/dynmap"
	"github.com/rouge555/box86/pkg/dynarec/host"
	"github.com/rouge555/box86/pkg/dynarec/lifecycle"
	"github.com/rouge555/box86/pkg/dynarec/smc"
)

// Context bundles everything a dispatch entry point needs: the
// address-space directory, the lifecycle manager, and the external
// collaborators. Passed explicitly rather than held in a global.
type Context struct {
	Map        *dynmap.Directory
	Lifecycle  *lifecycle.Manager
	Translator host.Translator
	Heap       host.CodeHeap
	Loader     host.Loader // ELF-loader fallback; may equal Map.

	// ReadGuestBytes returns a snapshot of the live guest bytes for
	// [addr, addr+size), used by smc.Validate's re-hash. In a full
	// emulator this reads the guest address space directly; see
	// dynablocktest for a fixed-backing-store test double.
	ReadGuestBytes func(addr, size uintptr) []byte

	// SerializeFill forces every Translator.Fill call on this Context
	// through fillMu, so at most one translation runs at a time. Set this
	// from a dump/trace tunable: with concurrent fills serialized, a dump
	// of the generated code stream stays in dispatch order instead of
	// interleaving across goroutines.
	SerializeFill bool
	fillMu        sync.Mutex
}

// fill runs Translator.Fill, holding fillMu first if SerializeFill is set.
func (c *Context) fill(block *dynablock.Block, fillAddr uintptr) error {
	if c.SerializeFill {
		c.fillMu.Lock()
		defer c.fillMu.Unlock()
	}
	return c.Translator.Fill(block, fillAddr)
}

// free tears down b via the lifecycle manager, which (when constructed
// with NewManagerWithMap) also uninstalls/unindexes it from the
// address-space directory; nothing further is needed here.
func (c *Context) free(b *dynablock.Block) {
	c.Lifecycle.Free(b)
}

// internalGetBlock resolves addr to a block: fast path via current's
// parent, medium path via the address-space directory, slow path via the
// ELF-loader fallback, and install-if-missing.
func (c *Context) internalGetBlock(addr, fillAddr uintptr, create bool, current *dynablock.Block) *dynablock.Block {
	var dir *dynablocklist.List

	// Fast path: current block's own directory.
	if current != nil {
		if p, ok := current.Parent.(*dynablocklist.List); ok && p != nil && p.InRange(addr) {
			if b := p.Lookup(addr); b != nil {
				b.WaitReady()
				return b
			}
			dir = p
		}
	}

	// Medium path: the address-space directory.
	if dir == nil && c.Map != nil {
		dir = c.Map.ListForAddress(addr)
	}

	// Slow path: the ELF-loader fallback.
	if dir == nil && c.Loader != nil {
		dir = c.Loader.Lookup(addr)
	}
	if dir == nil {
		return nil
	}

	if b := dir.Lookup(addr); b != nil {
		// b may still be mid-Fill on another goroutine's winning install;
		// every lookup hit, not just a lost Add race, must wait for that
		// goroutine to finish before the caller touches NativeCode/Hash/etc.
		b.WaitReady()
		return b
	}

	created := create
	block, didCreate := dir.Add(addr, created, c.Map)
	if !didCreate {
		// Either an existing block (possibly still being filled by another
		// goroutine) or nothing at all if create was false.
		if block != nil {
			block.WaitReady()
		}
		return block
	}

	// Install succeeded: this goroutine is the sole filler.
	block.GuestAddr = addr
	if c.Translator != nil {
		if err := c.fill(block, fillAddr); err != nil {
			log.Warnf("dispatch: Fill failed @%#x: %v", fillAddr, err)
		}
	}
	if block.NoLinker {
		smc.Protect(block, c.Heap)
	}
	block.MarkReady()
	if c.Map != nil {
		c.Map.IndexNative(block)
	}

	log.Debugf("dispatch: created block @%#x:%#x (%d bytes native, %d son(s))",
		block.GuestAddr, block.GuestAddr+block.GuestSize, block.NativeSize, len(block.Sons))

	return block
}

// Get dispatches addr to its translated block. current is both an input
// hint (fast path) and an output: it is cleared to nil if the block it
// pointed to was invalidated by this call.
func (c *Context) Get(addr uintptr, create bool, current **dynablock.Block) *dynablock.Block {
	cur := (*dynablock.Block)(nil)
	if current != nil {
		cur = *current
	}
	db := c.internalGetBlock(addr, addr, create, cur)
	if db == nil {
		return nil
	}

	invalidated := smc.Validate(db, c.ReadGuestBytes, c.Heap, c.free)
	if invalidated {
		// current must also be cleared if its own father was the one just
		// freed, checked via that father's Gone flag rather than by
		// recomputing an address-range overlap.
		if current != nil && *current != nil && (*current).EffectiveFather().Gone.Load() {
			*current = nil
		}
		// Re-enter dispatch once to recreate a fresh translation.
		return c.internalGetBlock(addr, addr, create, cur)
	}
	return db
}

// GetAlternate is identical to Get with create=true and no current hint,
// except fillAddr is passed to Fill so the block can be translated as if
// its entry point were elsewhere (splice targets).
func (c *Context) GetAlternate(addr, fillAddr uintptr) *dynablock.Block {
	db := c.internalGetBlock(addr, fillAddr, true, nil)
	if db == nil {
		return nil
	}
	if smc.Validate(db, c.ReadGuestBytes, c.Heap, c.free) {
		return c.internalGetBlock(addr, fillAddr, true, nil)
	}
	return db
}
