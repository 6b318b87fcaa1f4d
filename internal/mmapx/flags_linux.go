package mmapx

import "golang.org/x/sys/unix"

// mapFlags adds MAP_POPULATE on linux, matching spec.md §6's "(and
// MAP_POPULATE where available)" — a read-ahead speedup the teacher's
// chunkgen.go didn't bother with, since its slabs were small and reused.
const mapFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
