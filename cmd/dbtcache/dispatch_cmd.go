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

// dispatchCmd creates one directory, dispatches a guest address twice,
// and reports whether the second dispatch recycled the first block.
type dispatchCmd struct {
	base uintptr
	addr uintptr
	size uintptr
}

func (*dispatchCmd) Name() string     { return "dispatch" }
func (*dispatchCmd) Synopsis() string { return "create a directory and dispatch a guest address twice" }
func (*dispatchCmd) Usage() string {
	return "dispatch -base ADDR -addr ADDR: create/lookup a block at ADDR\n"
}

func (c *dispatchCmd) SetFlags(f *flag.FlagSet) {
	f.Var((*hexVar)(&c.base), "base", "directory base guest address (hex)")
	f.Var((*hexVar)(&c.addr), "addr", "guest address to dispatch (hex)")
	f.Var((*hexVar)(&c.size), "size", "directory text size in bytes (hex)")
}

func (c *dispatchCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.size == 0 {
		c.size = 0x1000
	}
	guest := dynablocktest.NewGuest(c.base, make([]byte, c.size))
	xlat := dynablocktest.NewTranslator(guest, 4)
	heap := &dynablocktest.Heap{}
	m := dynmap.New(tunables.DynamapShift, tunables.DynamapSize)
	l, err := dynablocklist.New(0, c.base, c.size, true, true)
	if err != nil {
		fmt.Printf("create directory failed: %v\n", err)
		return subcommands.ExitFailure
	}
	m.Install(l)

	ctx := &dispatch.Context{
		Map:            m,
		Lifecycle:      lifecycle.NewManagerWithMap(heap, m),
		Translator:     xlat,
		Heap:           heap,
		Loader:         m,
		ReadGuestBytes: guest.Read,
		SerializeFill:  tunables.DynarecDump,
	}

	var current *dynablock.Block
	first := ctx.Get(c.addr, true, &current)
	if first == nil {
		fmt.Println("dispatch miss: block not created")
		return usageError(f)
	}
	second := ctx.Get(c.addr, true, &current)

	fmt.Printf("first:  guest=%#x native=%#x size=%#x fills=%d\n", first.GuestAddr, first.NativeCode, first.NativeSize, xlat.FillCount())
	fmt.Printf("second: guest=%#x recycled=%v\n", second.GuestAddr, second == first)
	return subcommands.ExitSuccess
}
