// Package dynablocklist implements the per-text-region block directory: a
// dense direct map from guest byte offset to owning Block, plus the
// lock-free install protocol and the linear-scan reverse lookup used for
// stack walking.
package dynablocklist

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rouge555/box86/internal/log"
	"github.com/rouge555/box86/pkg/dynarec/dynablock"
)

// ErrZeroSizedRegion is returned by New when textSize == 0.
var ErrZeroSizedRegion = errors.New("dynablocklist: cannot create a zero-sized text region")

// Resolver looks up the List that should own addr when addr falls outside
// the receiver's own range. Implemented by dynmap.Directory; passed in
// rather than imported to avoid a dynmap <-> dynablocklist import cycle
// (dynmap.Directory already depends on *List).
type Resolver interface {
	ListForAddress(addr uintptr) *List
}

// List is one per-text-region block directory.
//
// Locking: direct is installed lock-free; mu guards only the slice
// header during lazy allocation. Reads of an individual direct[i] slot
// are plain atomic.Pointer loads and require no lock.
type List struct {
	// Base is the containing mapping's base address.
	Base uintptr
	// Text and TextSz are the guest byte range this directory indexes:
	// [Text, Text+TextSz).
	Text   uintptr
	TextSz uintptr
	// NoLinker is propagated to every block created in this directory.
	NoLinker bool

	mu      sync.Mutex // guards lazy allocation of direct
	direct  []atomic.Pointer[dynablock.Block]
	wantDir bool // true once direct[] should exist (lazily allocated on first install)
}

var _ dynablock.Directory = (*List)(nil)

// New returns a new block directory for [text, text+textSize), or an
// error if textSize == 0.
//
// When direct is false, the dense array is not allocated up front; Add
// allocates it lazily on the first install, so a region that never
// executes never pays for it.
func New(base, text uintptr, textSize uintptr, noLinker bool, direct bool) (*List, error) {
	if textSize == 0 {
		log.Warnf("dynablocklist: refusing to create zero-sized region at %#x", text)
		return nil, ErrZeroSizedRegion
	}
	l := &List{
		Base:     base,
		Text:     text,
		TextSz:   textSize,
		NoLinker: noLinker,
		wantDir:  direct,
	}
	if direct {
		l.direct = make([]atomic.Pointer[dynablock.Block], textSize)
	}
	return l, nil
}

// Start implements dynablock.Directory.
func (l *List) Start() uintptr { return l.Text }

// End returns the last byte this directory indexes: Text + TextSz - 1.
func (l *List) End() uintptr { return l.Text + l.TextSz - 1 }

// TextSize implements dynablock.Directory.
func (l *List) TextSize() uintptr { return l.TextSz }

// InRange reports whether addr falls within this directory's guest range.
func (l *List) InRange(addr uintptr) bool {
	return addr >= l.Text && addr < l.Text+l.TextSz
}

// slot returns a pointer to the direct[] atomic slot for addr, or nil if
// direct hasn't been allocated or addr is out of range.
func (l *List) slot(addr uintptr) *atomic.Pointer[dynablock.Block] {
	if l.direct == nil || !l.InRange(addr) {
		return nil
	}
	return &l.direct[addr-l.Text]
}

// Lookup returns the block installed at addr, or nil. Plain atomic load,
// no lock: this is the dispatch hot path.
func (l *List) Lookup(addr uintptr) *dynablock.Block {
	s := l.slot(addr)
	if s == nil {
		return nil
	}
	return s.Load()
}

// ensureDirect lazily allocates direct[]. Multiple concurrent callers may
// race here; the mutex makes allocation idempotent rather than relying on
// a second CAS, since this path is taken at most once per directory and
// is not hot.
func (l *List) ensureDirect() {
	if l.direct != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.direct == nil {
		l.direct = make([]atomic.Pointer[dynablock.Block], l.TextSz)
	}
}

// Add installs or recycles the block at addr. If addr falls outside this
// directory's range, Add transparently delegates to resolver; resolver
// may be nil only if the caller has already guaranteed addr is in range
// (e.g. tests).
//
// create selects whether a missing slot should be populated: if false and
// the slot is empty, Add returns (nil, false).
//
// The returned bool reports whether this call created the block (true)
// or found/lost the race for an existing one (false); callers that
// receive created == false but a non-nil block must call
// block.WaitReady() before trusting Hash/NativeCode, since another
// goroutine may still be running Fill (see dynablock.Block's doc
// comment).
func (l *List) Add(addr uintptr, create bool, resolver Resolver) (*dynablock.Block, bool) {
	if !l.InRange(addr) {
		if resolver == nil {
			return nil, false
		}
		other := resolver.ListForAddress(addr)
		if other == nil {
			return nil, false
		}
		return other.Add(addr, create, resolver)
	}

	if l.direct != nil {
		if b := l.direct[addr-l.Text].Load(); b != nil {
			log.Debugf("dynablocklist: block already exists in direct map @%#x", addr)
			return b, false
		}
	}

	if !create {
		return nil, false
	}

	l.ensureDirect()

	fresh := dynablock.New()
	s := &l.direct[addr-l.Text]
	// store-if-null is the sole install primitive: CompareAndSwap(nil,
	// fresh) succeeds only if the slot is still empty.
	if !s.CompareAndSwap(nil, fresh) {
		winner := s.Load()
		log.Debugf("dynablocklist: lost install race @%#x, discarding losing allocation", addr)
		return winner, false
	}
	fresh.Parent = l
	fresh.GuestAddr = addr
	return fresh, true
}

// Find returns the block whose native code range contains addr: a linear
// scan over direct[], not meant to be called from a hot path. If the
// match is a son, its father is returned.
//
// Prefer dynmap.Directory.FindNative for the global reverse lookup across
// every directory; this method only searches the current one.
func (l *List) Find(addr uintptr) *dynablock.Block {
	if l.direct == nil {
		return nil
	}
	for i := range l.direct {
		b := l.direct[i].Load()
		if b == nil {
			continue
		}
		if b.CoversNative(addr) {
			return b.EffectiveFather()
		}
	}
	return nil
}

// RemoveIfOwned clears direct[addr-Text] if it currently points at b.
// Used by lifecycle.Manager.Free and by range eviction. Callers that
// already hold free's invalidation authority don't need a CAS here; the
// guard on current value only prevents clobbering a different, newer
// block since installed at the same offset.
func (l *List) RemoveIfOwned(addr uintptr, b *dynablock.Block) {
	s := l.slot(addr)
	if s == nil {
		return
	}
	if s.Load() == b {
		s.Store(nil)
	}
}

// ExchangeSlot atomically swaps direct[addr-Text] with nil and returns the
// prior value, used by range eviction. Returns nil if out of range or
// empty.
func (l *List) ExchangeSlot(addr uintptr) *dynablock.Block {
	s := l.slot(addr)
	if s == nil {
		return nil
	}
	return s.Swap(nil)
}

// All returns every distinct block installed in direct[], sons included,
// used when tearing down a whole directory (the caller skips sons).
func (l *List) All() []*dynablock.Block {
	if l.direct == nil {
		return nil
	}
	seen := make(map[*dynablock.Block]struct{})
	var out []*dynablock.Block
	for i := range l.direct {
		b := l.direct[i].Load()
		if b == nil {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}
