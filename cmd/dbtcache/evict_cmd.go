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
	"github.com/rouge555/box86/pkg/dynarec/smc"
)

// evictCmd dispatches an address, mark+mutates its guest bytes (simulating
// a write fault), then dispatches again and reports whether the block was
// replaced.
type evictCmd struct {
	addr uintptr
}

func (*evictCmd) Name() string     { return "evict" }
func (*evictCmd) Synopsis() string { return "dispatch, simulate an SMC write, and re-dispatch" }
func (*evictCmd) Usage() string    { return "evict -addr ADDR\n" }

func (c *evictCmd) SetFlags(f *flag.FlagSet) {
	f.Var((*hexVar)(&c.addr), "addr", "guest address to dispatch, mutate, and re-dispatch")
}

func (c *evictCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
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

	dctx := &dispatch.Context{
		Map:            m,
		Lifecycle:      lifecycle.NewManagerWithMap(heap, m),
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

	mutated := guest.Read(c.addr, 1)
	guest.Write(c.addr, []byte{mutated[0] ^ 0xff})
	smc.MarkRange(l, c.addr, 1)

	replaced := dctx.Get(c.addr, true, &current)

	fmt.Printf("original gone=%v replaced-is-new=%v heap-frees=%d\n",
		original.Gone.Load(), replaced != original, heap.FreeCount())
	return subcommands.ExitSuccess
}
