package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/rouge555/box86/pkg/dynarec/dispatch"
	"github.com/rouge555/box86/pkg/dynarec/dynablock"
	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
	"github.com/rouge555/box86/pkg/dynarec/dynablocktest"
	"github.com/rouge555/box86/pkg/dynarec/dynmap"
	"github.com/rouge555/box86/pkg/dynarec/lifecycle"
)

// freeRangeCmd dispatches an address, then eagerly evicts it via
// FreeRange instead of waiting for the next dispatch to notice a mark.
// Unlike evict, the block is gone before any re-dispatch happens.
type freeRangeCmd struct {
	addr uintptr
	size uintptr
}

func (*freeRangeCmd) Name() string { return "free-range" }
func (*freeRangeCmd) Synopsis() string {
	return "dispatch an address, then eagerly free every block in a guest range"
}
func (*freeRangeCmd) Usage() string { return "free-range -addr ADDR -size SIZE\n" }

func (c *freeRangeCmd) SetFlags(f *flag.FlagSet) {
	f.Var((*hexVar)(&c.addr), "addr", "guest address to dispatch before eviction")
	f.Var((*hexVar)(&c.size), "size", "size in bytes of the range to free, starting at addr")
}

func (c *freeRangeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.size == 0 {
		c.size = 0x1000
	}
	guest := dynablocktest.NewGuest(c.addr, []byte{0x90, 0x90, 0xc3})
	xlat := dynablocktest.NewTranslator(guest, 3)
	heap := &dynablocktest.Heap{}
	m := dynmap.New(tunables.DynamapShift, tunables.DynamapSize)
	l, err := dynablocklist.New(0, c.addr, 0x1000, true, true)
	if err != nil {
		fmt.Printf("create directory failed: %v\n", err)
		return subcommands.ExitFailure
	}
	m.Install(l)

	mgr := lifecycle.NewManagerWithMap(heap, m)
	dctx := &dispatch.Context{
		Map:            m,
		Lifecycle:      mgr,
		Translator:     xlat,
		Heap:           heap,
		Loader:         m,
		ReadGuestBytes: guest.Read,
		SerializeFill:  tunables.DynarecDump,
	}

	var current *dynablock.Block
	original := dctx.Get(c.addr, true, &current)
	if original == nil {
		return usageError(f)
	}

	mgr.FreeRange(l, c.addr, c.size)

	fmt.Printf("original gone=%v heap-frees=%d\n", original.Gone.Load(), heap.FreeCount())
	if !original.Gone.Load() || heap.FreeCount() != 1 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
