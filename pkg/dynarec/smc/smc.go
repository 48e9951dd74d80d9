// Package smc implements self-modifying-code detection: page-protection
// on translation, a signal-safe mark-range fault-handler entry point, and
// hash-based validation on dispatch entry.
package smc

import (
	"github.com/rouge555/box86/internal/log"
	"github.com/rouge555/box86/pkg/dynarec/dynablock"
	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
	"github.com/rouge555/box86/pkg/dynarec/host"
)

// Mark raises NeedTest on db's father, but only if the effective block's
// NoLinker is true — directories with NoLinker false are never marked or
// freed by range eviction. This must stay cheap and allocation-free: it
// is called from a write-fault handler and must be signal-safe, merely
// setting a flag.
func Mark(db *dynablock.Block) {
	if db == nil {
		return
	}
	f := db.EffectiveFather()
	if f.NoLinker {
		f.NeedTest.Store(true)
	}
}

// Protect write-protects db's guest byte range via heap.Protect, but only
// for a father block; sons share their father's guest range so protecting
// it covers them too.
func Protect(db *dynablock.Block, heap host.CodeHeap) {
	if db == nil || db.Father != nil || heap == nil {
		return
	}
	if err := heap.Protect(db.GuestAddr, int(db.GuestSize)); err != nil {
		log.Warnf("smc: protect failed for block @%#x: %v", db.GuestAddr, err)
	}
}

// MarkRange marks every block intersecting [addr, addr+size) within l for
// re-validation; this is the write-fault handler's entry point. No-op if
// l.NoLinker is false.
func MarkRange(l *dynablocklist.List, addr, size uintptr) {
	if l == nil || !l.NoLinker {
		return
	}
	start := l.Text
	end := l.Text + l.TextSz
	lo := addr
	hi := addr + size
	if lo < start {
		lo = start
	}
	if hi > end {
		hi = end
	}
	if hi <= start || lo >= end {
		return
	}
	for a := lo; a < hi; a++ {
		if b := l.Lookup(a); b != nil {
			Mark(b)
		}
	}
}

// Validate re-checks db against live guest memory: if db (or its father)
// has NeedTest set, recompute the father's X31 hash over its live guest
// bytes and compare against the stored value.
//
//   - On match: NeedTest is cleared and the page is re-protected (the
//     common, no-write case costs one flag read plus, on a hit, one
//     re-protect syscall).
//   - On mismatch: the father (and its cascade of sons) is freed via
//     lifecycleFree, which the caller must supply — smc intentionally
//     does not import lifecycle, to keep the dependency direction
//     pointing from lifecycle/dispatch down to smc, not the reverse.
//
// readGuestBytes reads the live guest bytes covering the father's range;
// in this in-process cache the "guest bytes" are whatever the translator
// last saw, supplied by the caller (normally backed by the same memory
// the code generator read from).
//
// Validate returns true if db was invalidated (freed) and the caller must
// retranslate.
func Validate(db *dynablock.Block, readGuestBytes func(addr, size uintptr) []byte, heap host.CodeHeap, lifecycleFree func(*dynablock.Block)) bool {
	if db == nil {
		return false
	}
	father := db.EffectiveFather()
	if !db.NeedTest.Load() && !father.NeedTest.Load() {
		return false
	}
	var hash uint32
	if father.NoLinker {
		hash = dynablock.Hash(readGuestBytes(father.GuestAddr, father.GuestSize))
	}
	if hash == father.Hash {
		father.NeedTest.Store(false)
		Protect(father, heap)
		return false
	}
	log.Debugf("smc: invalidating block @%#x:%#x (hash %x != %x) with %d son(s)",
		father.GuestAddr, father.GuestAddr+father.GuestSize, hash, father.Hash, len(father.Sons))
	lifecycleFree(father)
	return true
}
