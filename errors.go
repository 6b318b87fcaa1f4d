package grabcache

import "errors"

// ErrBadArgument is returned by New when MaxCacheSize is smaller than
// MinChunkSize (spec.md §6's configuration error).
var ErrBadArgument = errors.New("grabcache: max cache size must be >= min chunk size")

// ErrStillInUse is returned by Close when regions remain pinned by live
// handles (spec.md §3's Lifetime paragraph, §9's teardown ordering).
var ErrStillInUse = errors.New("grabcache: close called with regions still in use")
