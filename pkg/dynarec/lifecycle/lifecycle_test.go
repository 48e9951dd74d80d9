package lifecycle

import (
	"testing"

	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
	"github.com/rouge555/box86/pkg/dynarec/dynablocktest"
	"github.com/rouge555/box86/pkg/dynarec/dynmap"
)

func TestFatherSonCascade(t *testing.T) {
	l, err := dynablocklist.New(0, 0x2000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	heap := &dynablocktest.Heap{}
	mgr := NewManager(heap)

	father, created := l.Add(0x2000, true, nil)
	if !created {
		t.Fatal("expected father to be created")
	}
	father.NativeCode, father.NativeSize = 0x30000, 0x80
	father.MarkReady()

	son, created := l.Add(0x2040, true, nil)
	if !created {
		t.Fatal("expected son to be created")
	}
	son.Father = father
	son.NativeCode, son.NativeSize = 0x30040, 0x10
	son.MarkReady()
	father.Sons = append(father.Sons, son)

	mgr.Free(father)

	if !father.Gone.Load() {
		t.Error("father.Gone should be true after Free")
	}
	if !son.Gone.Load() {
		t.Error("son.Gone should be true after father cascade")
	}
	if got := heap.FreeCount(); got != 1 {
		t.Errorf("heap.FreeCount() = %d, want 1 (son must not release code)", got)
	}
	if len(heap.Freed) == 1 && heap.Freed[0].Addr != father.NativeCode {
		t.Errorf("heap freed %#x, want father's native code %#x", heap.Freed[0].Addr, father.NativeCode)
	}
	if l.Lookup(0x2000) != nil {
		t.Error("father slot should be cleared after Free")
	}
}

func TestFreeIsIdempotent(t *testing.T) {
	l, err := dynablocklist.New(0, 0x3000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	heap := &dynablocktest.Heap{}
	mgr := NewManager(heap)

	b, _ := l.Add(0x3000, true, nil)
	b.NativeCode, b.NativeSize = 0x40000, 0x20
	b.MarkReady()

	mgr.Free(b)
	mgr.Free(b) // second call must be a no-op.

	if got := heap.FreeCount(); got != 1 {
		t.Errorf("heap.FreeCount() after double Free = %d, want 1", got)
	}
}

func TestFreeDirectoryFreesOnlyFathers(t *testing.T) {
	l, err := dynablocklist.New(0, 0x4000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	heap := &dynablocktest.Heap{}
	mgr := NewManager(heap)

	father, _ := l.Add(0x4000, true, nil)
	father.NativeCode, father.NativeSize = 0x50000, 0x40
	father.MarkReady()
	son, _ := l.Add(0x4020, true, nil)
	son.Father = father
	son.NativeCode, son.NativeSize = 0x50020, 0x10
	son.MarkReady()
	father.Sons = append(father.Sons, son)

	mgr.FreeDirectory(l)

	if !father.Gone.Load() || !son.Gone.Load() {
		t.Error("both father and son should be gone after FreeDirectory")
	}
	if got := heap.FreeCount(); got != 1 {
		t.Errorf("heap.FreeCount() = %d, want 1", got)
	}
}

func TestNewDirectoryRejectsZeroSize(t *testing.T) {
	mgr := NewManager(nil)
	if _, err := mgr.NewDirectory(0, 0x1000, 0, true, true); err == nil {
		t.Error("NewDirectory with textSize=0 should fail")
	}
}

func TestFreeUnindexesNative(t *testing.T) {
	l, err := dynablocklist.New(0, 0x5000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	m := dynmap.New(12, 1<<12)
	m.Install(l)
	heap := &dynablocktest.Heap{}
	mgr := NewManagerWithMap(heap, m)

	b, _ := l.Add(0x5000, true, nil)
	b.NativeCode, b.NativeSize = 0x60000, 0x20
	b.MarkReady()
	m.IndexNative(b)

	if m.FindNative(0x60000) != b {
		t.Fatal("expected FindNative to resolve before Free")
	}

	mgr.Free(b)

	if m.FindNative(0x60000) != nil {
		t.Error("FindNative should no longer resolve a block after Free unindexes it")
	}
}

func TestFreeDirectoryUninstallsFromMap(t *testing.T) {
	l, err := dynablocklist.New(0, 0x6000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	m := dynmap.New(12, 1<<12)
	m.Install(l)
	heap := &dynablocktest.Heap{}
	mgr := NewManagerWithMap(heap, m)

	b, _ := l.Add(0x6000, true, nil)
	b.NativeCode, b.NativeSize = 0x70000, 0x20
	b.MarkReady()
	m.IndexNative(b)

	if m.ListForAddress(0x6000) != l {
		t.Fatal("expected directory to be installed before FreeDirectory")
	}

	mgr.FreeDirectory(l)

	if m.ListForAddress(0x6000) != nil {
		t.Error("FreeDirectory should uninstall the directory from the address-space map")
	}
	if m.FindNative(0x70000) != nil {
		t.Error("FreeDirectory should unindex every freed father's native range")
	}
}

func TestFreeRangeEvictsUniqueFathers(t *testing.T) {
	l, err := dynablocklist.New(0, 0x7000, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	m := dynmap.New(12, 1<<12)
	m.Install(l)
	heap := &dynablocktest.Heap{}
	mgr := NewManagerWithMap(heap, m)

	father, _ := l.Add(0x7000, true, nil)
	father.NativeCode, father.NativeSize = 0x80000, 0x40
	father.MarkReady()
	m.IndexNative(father)

	// A second entry point into the same father, as happens when a fill
	// splices a continuation into an already-translated block.
	son, _ := l.Add(0x7010, true, nil)
	son.Father = father
	son.NativeCode, son.NativeSize = 0x80010, 0x10
	son.MarkReady()
	father.Sons = append(father.Sons, son)

	// A block entirely outside the evicted range must survive.
	outside, _ := l.Add(0x7800, true, nil)
	outside.NativeCode, outside.NativeSize = 0x90000, 0x10
	outside.MarkReady()

	mgr.FreeRange(l, 0x7000, 0x100)

	if !father.Gone.Load() || !son.Gone.Load() {
		t.Error("father and son within the evicted range should both be gone")
	}
	if outside.Gone.Load() {
		t.Error("block outside the evicted range should not be freed")
	}
	if got := heap.FreeCount(); got != 1 {
		t.Errorf("heap.FreeCount() = %d, want 1 (one unique father)", got)
	}
	if m.FindNative(0x80000) != nil {
		t.Error("FreeRange should unindex the freed father's native range")
	}
	if l.Lookup(0x7800) != outside {
		t.Error("FreeRange should not disturb a block outside the requested range")
	}
}
