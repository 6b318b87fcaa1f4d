// Package attempt implements the per-key producer coordination
// InsertionAttempt models in spec.md §4.6: a single-flight rendezvous so
// that concurrent GetOrSet calls racing on the same key let exactly one
// goroutine run the caller's size/init callbacks while the rest wait for
// its result.
//
// The teacher's onceMany.go has the same shape in miniature — a mutex
// plus an atomic done flag guarding a single lazily-computed value — but
// it memoizes forever (with a timer-based reset) for one hard-coded
// caller. Attempt generalizes that gate to per-key registry entries with
// refcounted disposal instead of time-based reset, since spec.md's
// InsertionAttempt lifecycle is driven by how many goroutines are still
// holding it, not by a clock.
package attempt

import (
	"sync"
	"sync/atomic"
)

// Attempt is the coordination token for one in-flight key. T is whatever
// a producer publishes on success — the allocator instantiates it with
// its own Handle type.
type Attempt[T any] struct {
	mu       sync.Mutex
	hasValue bool
	value    T
	disposed bool

	refs atomic.Int64
}

// Value returns the published value, if any. The caller must hold the
// attempt locked (via Registry.Acquire followed by a.Lock()).
func (a *Attempt[T]) Value() (T, bool) {
	return a.value, a.hasValue
}

// Publish stores the producer's result. The caller must hold the attempt
// locked; once unlocked, siblings blocked on Lock observe it via Value.
func (a *Attempt[T]) Publish(v T) {
	a.value = v
	a.hasValue = true
}

// Lock guards Value/Publish and the disposed flag, matching spec.md §4.5: "Each
// InsertionAttempt has its own mutex protecting is_disposed and value."
func (a *Attempt[T]) Lock()   { a.mu.Lock() }
func (a *Attempt[T]) Unlock() { a.mu.Unlock() }

// Disposed reports whether this attempt has already been removed from
// its registry. Mostly useful for tests and invariant checks.
func (a *Attempt[T]) Disposed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disposed
}

// Releasable is what a published value must support so the registry can
// drop the attempt's own stake in it on final disposal — see Release.
type Releasable interface {
	Release()
}

// Registry maps keys to their in-flight Attempt, guarded by its own
// mutex (spec.md §4.5's "attempts mutex").
type Registry[K comparable, T Releasable] struct {
	mu sync.Mutex
	m  map[K]*Attempt[T]
}

// NewRegistry returns an empty registry.
func NewRegistry[K comparable, T Releasable]() *Registry[K, T] {
	return &Registry[K, T]{m: make(map[K]*Attempt[T])}
}

// Acquire returns the Attempt for key, creating one if no producer is
// currently working on it, and increments its participant count on the
// caller's behalf. Every Acquire must be matched by exactly one Release.
func (reg *Registry[K, T]) Acquire(key K) *Attempt[T] {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	a, ok := reg.m[key]
	if !ok {
		a = &Attempt[T]{}
		reg.m[key] = a
	}
	a.refs.Add(1)
	return a
}

// Release decrements a's participant count. The participant whose
// decrement reaches zero removes the entry from the registry (if it is
// still the one registered under key — Clear or a fresher Acquire may
// have already replaced it), marks it disposed, and — if a value was
// ever published — releases the attempt's own stake in it.
//
// That last step matters: every reader who extracts a's published value
// clones it first (the registry's own copy is never handed out bare), so
// the attempt itself holds one independent reference for as long as it
// lives. Nothing else will ever drop that reference, so the final
// disposer must. It's safe to do so here without holding a.mu: refs only
// reaches zero once every Acquire has a matching Release, and every one
// of those Releases runs strictly after its own goroutine's Lock/Unlock
// critical section — so by the time we're the one observing zero, no
// goroutine can still be reading a.value.
func (reg *Registry[K, T]) Release(key K, a *Attempt[T]) {
	// Decrement under reg.mu so no Acquire can pick a up again between
	// its count reaching zero and its removal from the map.
	reg.mu.Lock()
	if a.refs.Add(-1) != 0 {
		reg.mu.Unlock()
		return
	}

	if cur, ok := reg.m[key]; ok && cur == a {
		delete(reg.m, key)
	}
	reg.mu.Unlock()

	a.mu.Lock()
	a.disposed = true
	v, hasValue := a.value, a.hasValue
	a.mu.Unlock()

	if hasValue {
		v.Release()
	}
}

// Clear empties the registry, e.g. as part of ShrinkToFit. Attempts
// already held by other goroutines are unaffected: their eventual
// Release sees they're no longer the registered entry for their key (or
// finds no entry at all) and simply skips the delete.
func (reg *Registry[K, T]) Clear() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.m = make(map[K]*Attempt[T])
}

// Len reports the number of in-flight attempts. Test/diagnostic use only.
func (reg *Registry[K, T]) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.m)
}
