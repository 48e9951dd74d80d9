package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/rouge555/box86/pkg/dynarec/dynablock"
	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
	"github.com/rouge555/box86/pkg/dynarec/dynablocktest"
	"github.com/rouge555/box86/pkg/dynarec/dynmap"
	"github.com/rouge555/box86/pkg/dynarec/lifecycle"
)

func newTestContext(t *testing.T, base uintptr, code []byte) (*Context, *dynablocktest.Translator, *dynablocktest.Heap) {
	t.Helper()
	guest := dynablocktest.NewGuest(base, code)
	xlat := dynablocktest.NewTranslator(guest, uintptr(len(code)))
	heap := &dynablocktest.Heap{}
	m := dynmap.New(12, 1<<12)
	l, err := dynablocklist.New(0, base, 0x1000, true, true)
	if err != nil {
		t.Fatal(err)
	}
	m.Install(l)
	return &Context{
		Map:            m,
		Lifecycle:      lifecycle.NewManagerWithMap(heap, m),
		Translator:     xlat,
		Heap:           heap,
		Loader:         m,
		ReadGuestBytes: guest.Read,
	}, xlat, heap
}

func TestSimpleCreateLookup(t *testing.T) {
	ctx, _, _ := newTestContext(t, 0x1000, []byte{0x90, 0x90, 0xc3})

	var current *dynablock.Block
	b := ctx.Get(0x1000, true, &current)
	if b == nil || b.GuestAddr != 0x1000 {
		t.Fatalf("Get(0x1000) = %v, want block @0x1000", b)
	}

	b2 := ctx.Get(0x1000, true, &current)
	if b2 != b {
		t.Errorf("second Get returned a different block: %v != %v", b2, b)
	}
}

func TestEvictionByRange(t *testing.T) {
	ctx, _, heap := newTestContext(t, 0x1000, []byte{0x90, 0x90, 0xc3})

	var current *dynablock.Block
	original := ctx.Get(0x1000, true, &current)
	if original == nil {
		t.Fatal("expected a block to be created")
	}

	// Simulate a guest write landing in the block's range.
	mutateAndMark(t, ctx, original)

	replacement := ctx.Get(0x1000, true, &current)
	if replacement == original {
		t.Error("Get after SMC write should return a new block, not the original")
	}
	if !original.Gone.Load() {
		t.Error("original block should be marked Gone after invalidation")
	}
	if heap.FreeCount() != 1 {
		t.Errorf("heap.FreeCount() = %d, want 1", heap.FreeCount())
	}
}

// mutateAndMark simulates a guest write by mutating the backing Guest and
// raising b.NeedTest directly, standing in for a write-fault handler that
// calls mark_range, so that the stored hash no longer matches the actual
// bytes on the next dispatch.
func mutateAndMark(t *testing.T, ctx *Context, b *dynablock.Block) {
	t.Helper()
	guest := ctx.ReadGuestBytes(b.GuestAddr, b.GuestSize)
	if len(guest) == 0 {
		t.Fatal("could not read guest bytes to mutate")
	}
	mutator, ok := ctx.Translator.(*dynablocktest.Translator)
	if !ok {
		t.Fatal("test requires a dynablocktest.Translator")
	}
	mutator.Guest.Write(b.GuestAddr, []byte{guest[0] ^ 0xff})
	b.NeedTest.Store(true)
}

// Concurrent install race: exactly one Fill call, every caller gets the
// same fully-populated block.
func TestConcurrentInstallRace(t *testing.T) {
	ctx, xlat, _ := newTestContext(t, 0x3000, []byte{0x90, 0x90, 0xc3})

	const n = 8
	results := make([]*dynablock.Block, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			var current *dynablock.Block
			results[i] = ctx.Get(0x3000, true, &current)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Errorf("caller %d got a different block than caller 0", i)
		}
	}
	if got := xlat.FillCount(); got != 1 {
		t.Errorf("Fill was called %d times, want exactly 1", got)
	}
	if results[0].NativeSize == 0 {
		t.Error("every caller's block should be fully populated (NativeSize != 0)")
	}
}

// A lookup hit on a block still mid-Fill must block on WaitReady rather
// than returning the block with zero-valued NativeCode/NativeSize. This
// pins the installer's Fill open on a barrier so the second dispatch is
// guaranteed to observe the slot already occupied but not yet populated,
// instead of relying on timing to (maybe) trigger the race.
func TestLookupHitWaitsForInFlightFill(t *testing.T) {
	ctx, xlat, _ := newTestContext(t, 0x5000, []byte{0x90, 0x90, 0xc3})
	xlat.Barrier = make(chan struct{})
	xlat.FillStarted = make(chan struct{})

	var first *dynablock.Block
	fillerDone := make(chan struct{})
	go func() {
		defer close(fillerDone)
		var current *dynablock.Block
		first = ctx.Get(0x5000, true, &current)
	}()

	<-xlat.FillStarted // the installer is now inside Fill, block still not ready

	var second *dynablock.Block
	lookupDone := make(chan struct{})
	go func() {
		defer close(lookupDone)
		var current *dynablock.Block
		second = ctx.Get(0x5000, true, &current)
	}()

	select {
	case <-lookupDone:
		t.Fatal("second Get returned before the in-flight Fill finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(xlat.Barrier)
	<-fillerDone
	<-lookupDone

	if second != first {
		t.Errorf("second Get returned a different block than the installer's: %v != %v", second, first)
	}
	if second.NativeSize == 0 {
		t.Error("second Get's block should be fully populated, not caught mid-Fill")
	}
	if got := xlat.FillCount(); got != 1 {
		t.Errorf("Fill was called %d times, want exactly 1", got)
	}
}

func TestGetAlternateUsesFillAddr(t *testing.T) {
	ctx, _, _ := newTestContext(t, 0x7000, []byte{0x90, 0x90, 0xc3})

	b := ctx.GetAlternate(0x7000, 0x7000)
	if b == nil {
		t.Fatal("GetAlternate returned nil")
	}
	if b.GuestAddr != 0x7000 {
		t.Errorf("GetAlternate block GuestAddr = %#x, want 0x7000", b.GuestAddr)
	}
}

func TestGetWithoutCreateMissesCleanly(t *testing.T) {
	ctx, _, _ := newTestContext(t, 0x9000, []byte{0x90, 0x90, 0xc3})
	var current *dynablock.Block
	if b := ctx.Get(0x9000, false, &current); b != nil {
		t.Errorf("Get(create=false) on empty cache = %v, want nil", b)
	}
}
