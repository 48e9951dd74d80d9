// Package lifecycle implements the dynablock cache's lifecycle manager:
// directory creation/teardown, and the recursion-safe free/cascade that
// tears down a father and every living son exactly once.
package lifecycle

import (
	"github.com/rouge555/box86/internal/log"
	"github.com/rouge555/box86/pkg/dynarec/dynablock"
	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
	"github.com/rouge555/box86/pkg/dynarec/dynmap"
	"github.com/rouge555/box86/pkg/dynarec/host"
)

// Manager owns the single CodeHeap collaborator frees are reported to, plus
// an optional reference to the address-space directory so that tearing
// down a block or a whole directory also uninstalls and unindexes it
// there, instead of leaving every caller to compose those three steps
// correctly by hand. Map may be nil (e.g. in tests that never register a
// dynmap.Directory); every method here treats a nil Map as "nothing to
// uninstall."
type Manager struct {
	Heap host.CodeHeap
	Map  *dynmap.Directory
}

// NewManager returns a lifecycle Manager backed by heap, with no
// address-space directory attached. Use NewManagerWithMap to also wire
// teardown to a dynmap.Directory.
func NewManager(heap host.CodeHeap) *Manager {
	return &Manager{Heap: heap}
}

// NewManagerWithMap returns a lifecycle Manager whose Free/FreeDirectory/
// FreeRange also uninstall and unindex from m.
func NewManagerWithMap(heap host.CodeHeap, m *dynmap.Directory) *Manager {
	return &Manager{Heap: heap, Map: m}
}

// NewDirectory creates a block directory for a newly-mapped executable
// segment. direct controls whether the dense direct[] map is allocated
// immediately or lazily on first install.
func (m *Manager) NewDirectory(base, text, textSize uintptr, noLinker, direct bool) (*dynablocklist.List, error) {
	return dynablocklist.New(base, text, textSize, noLinker, direct)
}

// FreeDirectory tears down a directory: it is first unregistered from the
// address-space directory (if one is attached) so no new lookup can find
// it mid-teardown, then every non-son block it directly owns is freed
// (sons cascade via Free, each unindexing itself as it goes).
func (m *Manager) FreeDirectory(l *dynablocklist.List) {
	if l == nil {
		return
	}
	log.Debugf("lifecycle: freeing directory text=%#x size=%#x nolinker=%v", l.Text, l.TextSz, l.NoLinker)
	if m.Map != nil {
		m.Map.Uninstall(l)
	}
	for _, b := range l.All() {
		if b.Father == nil {
			m.Free(b)
		}
	}
}

// Free tears down b: idempotent via the Gone flag, clears the owning
// directory's direct[] slot, recursively frees every son (clearing each
// Sons[i] to nil before freeing it; a concurrent Free of the same son is
// absorbed by that son's own Gone flag), and releases the native code
// region only once the block with Father == nil is reached.
func (m *Manager) Free(b *dynablock.Block) {
	if b == nil {
		return
	}
	if !b.Gone.CompareAndSwap(false, true) {
		// Already gone, or another goroutine is already freeing it
		// concurrently.
		return
	}
	b.Done.Store(false)

	log.Debugf("lifecycle: freeing block guest=%#x:%#x father=%v sons=%d",
		b.GuestAddr, b.GuestAddr+b.GuestSize, b.Father != nil, len(b.Sons))

	if parent, ok := b.Parent.(*dynablocklist.List); ok && parent != nil {
		parent.RemoveIfOwned(b.GuestAddr, b)
	}
	if m.Map != nil {
		// No-op for a son (UnindexNative itself checks Father == nil); only
		// the father that actually owns a nativeIdx entry is removed.
		m.Map.UnindexNative(b)
	}

	for i := range b.Sons {
		son := b.Sons[i]
		b.Sons[i] = nil
		if son != nil {
			m.Free(son)
		}
	}

	if b.Father == nil && m.Heap != nil && b.NativeCode != 0 {
		m.Heap.Free(b.NativeCode, int(b.NativeSize))
	}

	b.Sons = nil
	b.Table = nil
	b.InstSize = nil
}

// FreeRange eagerly evicts every block whose entry address falls within
// [addr, addr+size) of l, e.g. after a guest munmap/mprotect over that
// range makes waiting for lazy SMC re-validation unnecessary. No-op if
// l.NoLinker is false, mirroring smc.MarkRange: a directory of permanently
// pinned stubs is never range-evicted. Each direct[] slot in range is
// exchanged to nil (ExchangeSlot), the blocks found are deduplicated by
// EffectiveFather so a father with several entry points in range is freed
// exactly once, and each unique father is then torn down via Free, which
// also cascades to its sons and unindexes/releases its native code region.
func (m *Manager) FreeRange(l *dynablocklist.List, addr, size uintptr) {
	if l == nil || size == 0 || !l.NoLinker {
		return
	}
	start := addr
	if start < l.Text {
		start = l.Text
	}
	end := addr + size
	if textEnd := l.Text + l.TextSz; end > textEnd {
		end = textEnd
	}
	if start >= end {
		return
	}

	fathers := make(map[*dynablock.Block]struct{})
	for a := start; a < end; a++ {
		b := l.ExchangeSlot(a)
		if b == nil {
			continue
		}
		fathers[b.EffectiveFather()] = struct{}{}
	}

	log.Debugf("lifecycle: range-evicting [%#x:%#x) in text=%#x, %d unique father(s)",
		start, end, l.Text, len(fathers))

	for father := range fathers {
		m.Free(father)
	}
}
