package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/rouge555/box86/pkg/dynarec/dispatch"
	"github.com/rouge555/box86/pkg/dynarec/dynablock"
	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
	"github.com/rouge555/box86/pkg/dynarec/dynablocktest"
	"github.com/rouge555/box86/pkg/dynarec/dynmap"
	"github.com/rouge555/box86/pkg/dynarec/lifecycle"
)

// raceCheckCmd runs N goroutines calling dispatch.Get concurrently on the
// same address; the CAS install protocol must guarantee exactly one Fill
// call and every goroutine returning the same block.
type raceCheckCmd struct {
	addr       uintptr
	goroutines int
}

func (*raceCheckCmd) Name() string     { return "racecheck" }
func (*raceCheckCmd) Synopsis() string { return "concurrently dispatch one address from N goroutines and report the Fill count" }
func (*raceCheckCmd) Usage() string    { return "racecheck -n N -addr ADDR\n" }

func (c *raceCheckCmd) SetFlags(f *flag.FlagSet) {
	f.Var((*hexVar)(&c.addr), "addr", "guest address every goroutine dispatches")
	f.IntVar(&c.goroutines, "n", 8, "number of concurrent goroutines")
}

func (c *raceCheckCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.goroutines <= 0 {
		return usageError(f)
	}
	guest := dynablocktest.NewGuest(c.addr, make([]byte, 16))
	xlat := dynablocktest.NewTranslator(guest, 4)
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

	results := make([]*dynablock.Block, c.goroutines)
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < c.goroutines; i++ {
		i := i
		g.Go(func() error {
			var current *dynablock.Block
			results[i] = dctx.Get(c.addr, true, &current)
			return nil
		})
	}
	_ = g.Wait()

	same := true
	for _, b := range results[1:] {
		if b != results[0] {
			same = false
		}
	}
	fmt.Printf("goroutines=%d fills=%d all-same-block=%v\n", c.goroutines, xlat.FillCount(), same)
	if xlat.FillCount() != 1 || !same {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
