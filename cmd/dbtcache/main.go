// Command dbtcache drives the dynablock cache end to end, without a real
// x86 emulator attached: each subcommand exercises one cache behavior
// interactively, using the dynablocktest.Translator/Heap/Guest test
// doubles for the out-of-scope code generator and executable-memory
// allocator.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"github.com/rouge555/box86/internal/config"
	"github.com/rouge555/box86/internal/log"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&dispatchCmd{}, "")
	subcommands.Register(&raceCheckCmd{}, "")
	subcommands.Register(&evictCmd{}, "")
	subcommands.Register(&freeRangeCmd{}, "")

	var configPath string
	flag.StringVar(&configPath, "config", "", "optional TOML config file with dynamap_shift/dynamap_size/dynarec_dump")
	flag.Parse()

	tunables = config.Load(configPath)
	log.Infof("dbtcache: dynamap_shift=%d dynamap_size=%d dynarec_dump=%v",
		tunables.DynamapShift, tunables.DynamapSize, tunables.DynarecDump)

	os.Exit(int(subcommands.Execute(context.Background())))
}

var tunables config.Tunables

func usageError(f *flag.FlagSet) subcommands.ExitStatus {
	f.Usage()
	return subcommands.ExitUsageError
}
