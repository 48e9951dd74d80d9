// Package host defines the external collaborators the dynablock cache
// core consumes: the executable-memory allocator/protector, the opaque
// code generator, and the ELF-loader fallback. The core implements none
// of these itself; this package exists only to name the seams.
package host

import (
	"github.com/rouge555/box86/pkg/dynarec/dynablock"
	"github.com/rouge555/box86/pkg/dynarec/dynablocklist"
)

// CodeHeap is the executable-memory allocator and guest-page protector.
type CodeHeap interface {
	// Alloc reserves size bytes of executable memory for generated code
	// and returns its address.
	Alloc(size int) (addr uintptr, err error)
	// Free releases a code region previously returned by Alloc.
	Free(addr uintptr, size int)
	// Protect requests write-protection of a guest byte range so that
	// writes to it fault into the SMC detection path.
	Protect(addr uintptr, size int) error
}

// Translator is the opaque ARM code generator: per-opcode translation is
// out of scope for this cache. Fill must populate GuestSize, NativeCode,
// NativeSize, Hash, NoLinker, InstSize, Table, and any Sons spawned
// during translation, then the caller calls block.MarkReady().
type Translator interface {
	Fill(block *dynablock.Block, fillAddr uintptr) error
}

// Loader is the ELF-loader fallback, consulted only when the
// address-space directory has no shard registered for a given address.
type Loader interface {
	Lookup(addr uintptr) *dynablocklist.List
}
