// Package dynmap implements the top-level address-space directory: a
// fixed-size sparse map from guest virtual address to the
// dynablocklist.List covering that shard, plus the global native-address
// reverse lookup.
package dynmap

import (
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/rouge555/box86/pkg/dynarec/dynablock"
	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
	"github.com/rouge555/box86/pkg/dynarec/host"
)

// Directory is the process-wide address-space directory: a fixed number
// of slots, each either empty or holding one *dynablocklist.List. Slots
// are not reused within a run, which is why a slot is a plain
// atomic.Pointer rather than something requiring a freelist.
type Directory struct {
	shift uint
	slots []atomic.Pointer[dynablocklist.List]

	// nativeIdx indexes every installed directory's father blocks by
	// native code start address, backing FindNative with an O(log n)
	// lookup instead of an O(shards × textsz) scan across every
	// List.All(). Guarded by nativeMu since btree.BTreeG is not safe for
	// concurrent mutation.
	nativeMu  sync.Mutex
	nativeIdx *btree.BTreeG[nativeEntry]
}

// nativeEntry orders fathers by the start of their native code range.
type nativeEntry struct {
	start uintptr
	block *dynablock.Block
}

func nativeLess(a, b nativeEntry) bool {
	return a.start < b.start
}

var _ host.Loader = (*Directory)(nil)

// New returns an address-space directory with 2^shift-byte shards and
// size slots.
func New(shift uint, size int) *Directory {
	return &Directory{
		shift:     shift,
		slots:     make([]atomic.Pointer[dynablocklist.List], size),
		nativeIdx: btree.NewG(32, nativeLess),
	}
}

func (d *Directory) shard(addr uintptr) int {
	return int(addr >> d.shift)
}

// ListForAddress returns the directory installed for addr's shard, or nil.
// Implements dynablocklist.Resolver.
func (d *Directory) ListForAddress(addr uintptr) *dynablocklist.List {
	idx := d.shard(addr)
	if idx < 0 || idx >= len(d.slots) {
		return nil
	}
	return d.slots[idx].Load()
}

// Lookup implements host.Loader, identical to ListForAddress: the loader
// fallback and the plain address-space lookup are the same operation in
// this design (the "ELF-loader fallback" is itself backed by this
// directory once a mapping is registered).
func (d *Directory) Lookup(addr uintptr) *dynablocklist.List {
	return d.ListForAddress(addr)
}

// Install registers l as the directory for every shard it spans. Called
// once at ELF mapping time.
func (d *Directory) Install(l *dynablocklist.List) {
	first := d.shard(l.Text)
	last := d.shard(l.End())
	for idx := first; idx <= last && idx < len(d.slots); idx++ {
		if idx < 0 {
			continue
		}
		d.slots[idx].Store(l)
	}
}

// Uninstall clears every shard l was registered to. Process teardown
// only.
func (d *Directory) Uninstall(l *dynablocklist.List) {
	first := d.shard(l.Text)
	last := d.shard(l.End())
	for idx := first; idx <= last && idx < len(d.slots); idx++ {
		if idx < 0 {
			continue
		}
		d.slots[idx].CompareAndSwap(l, nil)
	}
}

// IndexNative registers b (which must be a father, Father == nil) in the
// reverse-lookup index. Called once Fill has populated NativeCode/
// NativeSize and the block has been made ready.
func (d *Directory) IndexNative(b *dynablock.Block) {
	if b == nil || b.Father != nil || b.NativeSize == 0 {
		return
	}
	d.nativeMu.Lock()
	defer d.nativeMu.Unlock()
	d.nativeIdx.ReplaceOrInsert(nativeEntry{start: b.NativeCode, block: b})
}

// UnindexNative removes b from the reverse-lookup index, called by
// lifecycle.Manager.Free for every father it releases.
func (d *Directory) UnindexNative(b *dynablock.Block) {
	if b == nil || b.Father != nil {
		return
	}
	d.nativeMu.Lock()
	defer d.nativeMu.Unlock()
	d.nativeIdx.Delete(nativeEntry{start: b.NativeCode, block: b})
}

// FindNative reverse-looks-up a native code address to its owning block,
// across every directory in the whole address space. Backed by the btree
// index rather than a linear scan over every shard's dynablocklist, since
// this is an unbounded global query rather than the small per-directory
// scan dynablocklist.List.Find performs.
func (d *Directory) FindNative(addr uintptr) *dynablock.Block {
	d.nativeMu.Lock()
	defer d.nativeMu.Unlock()

	var found *dynablock.Block
	// The candidate father is the greatest entry with start <= addr; walk
	// backward from the first entry >= addr.
	var pivot nativeEntry
	havePivot := false
	d.nativeIdx.AscendGreaterOrEqual(nativeEntry{start: addr}, func(e nativeEntry) bool {
		pivot = e
		havePivot = true
		return false
	})
	if havePivot && pivot.start == addr && pivot.block.CoversNative(addr) {
		found = pivot.block
	} else {
		d.nativeIdx.DescendLessOrEqual(nativeEntry{start: addr}, func(e nativeEntry) bool {
			if e.block.CoversNative(addr) {
				found = e.block
			}
			return false
		})
	}
	return found
}
