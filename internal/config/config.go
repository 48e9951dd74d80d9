// Package config loads the dynarec cache's tunables: the address-space
// directory's shard shift and size, and whether dump logging is enabled.
// An optional TOML file overrides the compiled-in defaults, and
// environment variables take final precedence over both.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/xyproto/env/v2"

	"github.com/rouge555/box86/internal/log"
)

// Defaults: 1MB shards covering a 32-bit guest address space (4096
// shards), dump logging disabled.
const (
	DefaultDynamapShift = 20
	DefaultDynamapSize  = 1 << (32 - DefaultDynamapShift)
)

// Tunables holds the recognized configuration options.
type Tunables struct {
	// DynamapShift is log2 of the top-level shard size.
	DynamapShift uint `toml:"dynamap_shift"`
	// DynamapSize is the number of shards in the address-space directory.
	DynamapSize int `toml:"dynamap_size"`
	// DynarecDump, if set, serializes FillBlock calls behind a process-wide
	// mutex so interleaved translation logs stay readable.
	DynarecDump bool `toml:"dynarec_dump"`
}

// Default returns the compiled-in tunables.
func Default() Tunables {
	return Tunables{
		DynamapShift: DefaultDynamapShift,
		DynamapSize:  DefaultDynamapSize,
	}
}

// Load reads tunables from an optional TOML file at path (ignored if path
// is empty or the file does not exist), then applies environment variable
// overrides, and returns the result. It never returns an error for a
// missing file: setup failures here are logged, not propagated.
func Load(path string) Tunables {
	t := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &t); err != nil {
			log.Warnf("config: could not read %s, using defaults: %v", path, err)
			t = Default()
		}
	}
	t.DynamapShift = uint(env.IntOr("BOX86_DYNAMAP_SHIFT", int(t.DynamapShift)))
	t.DynamapSize = env.IntOr("BOX86_DYNAMAP_SIZE", t.DynamapSize)
	t.DynarecDump = env.BoolOr("BOX86_DYNAREC_DUMP", t.DynarecDump)
	log.SetDebug(t.DynarecDump)
	return t
}
