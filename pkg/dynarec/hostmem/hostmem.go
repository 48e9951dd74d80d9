// Package hostmem provides a Linux implementation of host.CodeHeap,
// backing the executable code cache with mmap'd pages and guest-code SMC
// detection with mprotect.
package hostmem

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/rouge555/box86/internal/log"
)

// MapAllocator implements host.CodeHeap over unix.Mmap/Munmap/Mprotect.
type MapAllocator struct {
	// MaxRetries bounds the backoff retry loop on transient ENOMEM/EAGAIN
	// from Mmap; zero means use the package default.
	MaxRetries uint64
}

const defaultMaxRetries = 5

// Alloc reserves size bytes of RW+EXEC memory for generated native code.
// Transient ENOMEM/EAGAIN from the kernel (e.g. under memory pressure
// while another thread is also translating) are retried with exponential
// backoff; Alloc gives up and returns an error after MaxRetries attempts,
// propagating this as a genuine failure rather than silently looping
// forever.
func (a *MapAllocator) Alloc(size int) (uintptr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("hostmem: invalid alloc size %d", size)
	}
	maxRetries := a.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	var addr uintptr
	attempt := 0
	op := func() error {
		attempt++
		data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			log.Warnf("hostmem: mmap attempt %d failed: %v", attempt, err)
			return err
		}
		addr = uintptr(unsafeSliceAddr(data))
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	boundedBackoff := &boundedTries{BackOff: b, max: maxRetries}
	if err := backoff.Retry(op, boundedBackoff); err != nil {
		return 0, fmt.Errorf("hostmem: alloc of %d bytes failed after retries: %w", size, err)
	}
	return addr, nil
}

// Free releases a code region previously returned by Alloc.
func (a *MapAllocator) Free(addr uintptr, size int) {
	if addr == 0 || size <= 0 {
		return
	}
	if err := unix.Munmap(addrSlice(addr, size)); err != nil {
		log.Warnf("hostmem: munmap @%#x (%d bytes) failed: %v", addr, size, err)
	}
}

// Protect write-protects a guest byte range, making subsequent writes
// fault so the SMC path (pkg/dynarec/smc) can mark the owning block for
// re-validation.
func (a *MapAllocator) Protect(addr uintptr, size int) error {
	if size <= 0 {
		return nil
	}
	return unix.Mprotect(addrSlice(addr, size), unix.PROT_READ|unix.PROT_EXEC)
}

// boundedTries wraps a backoff.BackOff, returning backoff.Stop once max
// attempts have been made. cenkalti/backoff v2's ExponentialBackOff alone
// retries indefinitely unless MaxElapsedTime is set; here we want a fixed
// attempt budget, not a time budget, since the condition is "is the
// kernel out of memory right now," not "has enough time elapsed."
type boundedTries struct {
	backoff.BackOff
	max   uint64
	tries uint64
}

func (b *boundedTries) NextBackOff() time.Duration {
	b.tries++
	if b.tries >= b.max {
		return backoff.Stop
	}
	return b.BackOff.NextBackOff()
}

func (b *boundedTries) Reset() {
	b.tries = 0
	b.BackOff.Reset()
}
