// Package chunk owns the mmap-backed byte ranges the allocator carves
// regions out of.
//
// Adapted from the teacher's alloc/chunkgen.go and alloc2/chunkgen.go,
// which mmap'd large slabs and sliced fixed-size chunks out of them for a
// bump allocator. The allocator needs one mmap per chunk — chunks are
// destroyed independently by ShrinkToFit once unreferenced, which a shared
// slab can't support — so Chunk mmaps and munmaps its own memory directly.
package chunk

import (
	"sync/atomic"
	"unsafe"

	"github.com/grabcache/grabcache/internal/mmapx"
)

// Chunk owns one anonymous memory mapping. Regions carved out of it hold a
// back-reference; Chunk itself only tracks how many of those regions are
// currently used (pinned by a live handle), since that's the only count
// that decides whether ShrinkToFit may munmap it.
type Chunk struct {
	buf      []byte
	usedRefs atomic.Uint64
}

// New mmaps size bytes, PROT_READ|PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS
// (plus MAP_POPULATE where available). hint is forwarded to mmapx.Map for
// API parity but doesn't steer placement — see its doc comment.
func New(size uint64, hint uintptr, onMap func(uint64)) (*Chunk, error) {
	buf, err := mmapx.Map(size, hint, onMap)
	if err != nil {
		return nil, err
	}
	return &Chunk{buf: buf}, nil
}

// Ptr returns the chunk's base address.
func (c *Chunk) Ptr() unsafe.Pointer {
	return unsafe.Pointer(&c.buf[0])
}

// Size returns the chunk's byte length, as reserved by New.
func (c *Chunk) Size() uint64 {
	return uint64(len(c.buf))
}

// Contains reports whether ptr lies within this chunk's backing memory.
func (c *Chunk) Contains(ptr unsafe.Pointer) bool {
	start := uintptr(c.Ptr())
	p := uintptr(ptr)
	return p >= start && p < start+uintptr(len(c.buf))
}

// Retain increments the used-region refcount. Called once per region that
// transitions into the used state while backed by this chunk.
func (c *Chunk) Retain() {
	c.usedRefs.Add(1)
}

// Release decrements the used-region refcount. Called once per region that
// leaves the used state (its last handle is released, moving it to
// unused). Eviction only touches unused regions and never calls it.
func (c *Chunk) Release() {
	c.usedRefs.Add(^uint64(0))
}

// UsedRefs reports how many used regions currently reference this chunk.
// ShrinkToFit may only munmap a chunk whose UsedRefs is zero.
func (c *Chunk) UsedRefs() uint64 {
	return c.usedRefs.Load()
}

// Close munmaps the chunk's memory. The caller must guarantee UsedRefs()
// is zero; Close does not check it, since the allocator already filters
// chunks by refcount before calling it (spec.md §3: "Destroyed only by
// shrinkToFit when its refcount is zero").
func (c *Chunk) Close(onUnmap func(uint64)) error {
	if c.buf == nil {
		return nil
	}
	err := mmapx.Unmap(c.buf, onUnmap)
	c.buf = nil
	return err
}
