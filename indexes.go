package grabcache

import (
	"container/list"
	"sort"

	"github.com/grabcache/grabcache/region"
)

// indexes bundles the three region collections guarded by the
// allocator's global mutex: all-regions (adjacency order, for finding
// coalescing neighbours), free-regions (size order, for best-fit), and
// unused-regions (LRU order, for eviction). used-regions lives directly
// on Allocator, guarded by its own mutex (spec.md §4.5), not here.
//
// spec.md §9 recommends stable arena indices or handle types over
// intrusive hooks when those aren't idiomatic. Go pointers are already
// stable (no container-invalidation concerns the way C++ iterators
// have), so this keeps plain *region.Region pointers as the identity
// and stores list.List membership back-pointers directly on the region
// (region.Region.AllElem/UnusedElem) for O(1) unlinking.
type indexes[K comparable, V any] struct {
	all    *list.List
	free   []*region.Region[K, V] // sorted ascending by Size
	unused *list.List
}

func newIndexes[K comparable, V any]() *indexes[K, V] {
	return &indexes[K, V]{all: list.New(), unused: list.New()}
}

// --- all-regions: adjacency order within a chunk ---

func (ix *indexes[K, V]) pushAllBack(r *region.Region[K, V]) {
	r.AllElem = ix.all.PushBack(r)
}

func (ix *indexes[K, V]) insertAllBefore(r, before *region.Region[K, V]) {
	r.AllElem = ix.all.InsertBefore(r, before.AllElem.(*list.Element))
}

func (ix *indexes[K, V]) removeAll(r *region.Region[K, V]) {
	if r.AllElem != nil {
		ix.all.Remove(r.AllElem.(*list.Element))
		r.AllElem = nil
	}
}

func (ix *indexes[K, V]) prevAll(r *region.Region[K, V]) *region.Region[K, V] {
	e := r.AllElem.(*list.Element).Prev()
	if e == nil {
		return nil
	}
	return e.Value.(*region.Region[K, V])
}

func (ix *indexes[K, V]) nextAll(r *region.Region[K, V]) *region.Region[K, V] {
	e := r.AllElem.(*list.Element).Next()
	if e == nil {
		return nil
	}
	return e.Value.(*region.Region[K, V])
}

func (ix *indexes[K, V]) allCount() int { return ix.all.Len() }

// --- free-regions: size order, best-fit lookup ---

func (ix *indexes[K, V]) insertFree(r *region.Region[K, V]) {
	i := sort.Search(len(ix.free), func(i int) bool { return ix.free[i].Size >= r.Size })
	ix.free = append(ix.free, nil)
	copy(ix.free[i+1:], ix.free[i:])
	ix.free[i] = r
}

func (ix *indexes[K, V]) removeFree(r *region.Region[K, V]) {
	i := sort.Search(len(ix.free), func(i int) bool { return ix.free[i].Size >= r.Size })
	for j := i; j < len(ix.free) && ix.free[j].Size == r.Size; j++ {
		if ix.free[j] == r {
			ix.free = append(ix.free[:j], ix.free[j+1:]...)
			return
		}
	}
}

// lowerBoundFree returns the smallest free region with size >= size, or
// nil — spec.md §4.2 step 1's "best-fit free region".
func (ix *indexes[K, V]) lowerBoundFree(size uint64) *region.Region[K, V] {
	i := sort.Search(len(ix.free), func(i int) bool { return ix.free[i].Size >= size })
	if i < len(ix.free) {
		return ix.free[i]
	}
	return nil
}

func (ix *indexes[K, V]) freeCount() int { return len(ix.free) }

// --- unused-regions: LRU order ---

func (ix *indexes[K, V]) pushUnused(r *region.Region[K, V]) {
	r.UnusedElem = ix.unused.PushBack(r)
}

func (ix *indexes[K, V]) removeUnused(r *region.Region[K, V]) {
	if r.UnusedElem != nil {
		ix.unused.Remove(r.UnusedElem.(*list.Element))
		r.UnusedElem = nil
	}
}

func (ix *indexes[K, V]) frontUnused() *region.Region[K, V] {
	e := ix.unused.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*region.Region[K, V])
}

func (ix *indexes[K, V]) unusedCount() int { return ix.unused.Len() }
