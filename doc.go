// Package grabcache is documented in allocator.go, which defines the
// Allocator type this package is built around.
package grabcache
