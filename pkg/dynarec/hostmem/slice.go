package hostmem

import "unsafe"

// unsafeSliceAddr returns the address of data's backing array, for
// handing a raw uintptr back to dynablock.Block.NativeCode.
func unsafeSliceAddr(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}

// addrSlice reconstructs a []byte view over a raw (addr, size) region
// previously returned by Mmap, for passing to Munmap/Mprotect which take
// a []byte rather than a bare pointer in the x/sys/unix API.
func addrSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
