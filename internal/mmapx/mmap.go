// Package mmapx wraps the handful of unix mmap/munmap calls the allocator
// needs, the way alloc2/chunkgen.go wrapped them in the teacher repo, but
// returning errors instead of calling log.Fatal: a library has to let its
// caller decide what a failed mmap means.
package mmapx

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize mirrors the page_size constant used throughout the allocator's
// chunk-sizing arithmetic.
const PageSize = 4096

// Map reserves size bytes of anonymous, private memory. hint is accepted
// for API parity with Config.AddressHint (spec.md §6's ASLR hint knob) but
// golang.org/x/sys/unix's Mmap wrapper — unlike the raw mmap(2) the
// original allocates with — has no addr parameter to pass it through; its
// second argument is a file offset, which must be zero for an anonymous
// mapping. Honoring hint would need a raw unix.Syscall to mmap(2) with a
// per-arch syscall number, which isn't worth the portability cost for a
// hint the kernel is always free to ignore anyway (see Config.AddressHint's
// doc comment). hint is still invoked by the caller on every chunk, so a
// caller-supplied generator's side effects (e.g. advancing a PRNG for
// tests) still happen; it just doesn't steer placement on this backend.
//
// On success it reports size to onMap (nil-safe) before returning, per the
// out-of-band memory accounting hook the allocator exposes to callers.
func Map(size uint64, hint uintptr, onMap func(uint64)) ([]byte, error) {
	_ = hint
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, mapFlags)
	if err != nil {
		return nil, fmt.Errorf("mmapx: mmap %d bytes: %w", size, err)
	}
	if onMap != nil {
		onMap(size)
	}
	return b, nil
}

// Unmap releases memory previously obtained from Map and reports size to
// onUnmap (nil-safe) symmetrically with Map's onMap.
func Unmap(b []byte, onUnmap func(uint64)) error {
	size := uint64(len(b))
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("mmapx: munmap %d bytes: %w", size, err)
	}
	if onUnmap != nil {
		onUnmap(size)
	}
	return nil
}
