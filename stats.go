package grabcache

import jsoniter "github.com/json-iterator/go"

// statsJSON is the frozen jsoniter codec used by Stats.MarshalJSON,
// configured the same defensive way load.go's `config` is in the
// teacher (OnlyTaggedField + CaseSensitive), so a caller embedding Stats
// in a larger struct can't accidentally leak untagged internal fields.
var statsJSON = jsoniter.Config{
	OnlyTaggedField: true,
	CaseSensitive:   true,
}.Froze()

// Stats is the atomic snapshot spec.md §4.1/§6 require from getStats.
type Stats struct {
	ChunksSize      uint64 `json:"chunks_size"`
	AllocatedSize   uint64 `json:"allocated_size"`
	InitializedSize uint64 `json:"initialized_size"`
	UsedSize        uint64 `json:"used_size"`

	Chunks        int `json:"chunks"`
	Regions       int `json:"regions"`
	FreeRegions   int `json:"free_regions"`
	UnusedRegions int `json:"unused_regions"`
	UsedRegions   int `json:"used_regions"`

	Hits           uint64 `json:"hits"`
	ConcurrentHits uint64 `json:"concurrent_hits"`
	Misses         uint64 `json:"misses"`

	Allocations        uint64 `json:"allocations"`
	AllocatedBytes     uint64 `json:"allocated_bytes"`
	Evictions          uint64 `json:"evictions"`
	EvictedBytes       uint64 `json:"evicted_bytes"`
	SecondaryEvictions uint64 `json:"secondary_evictions"`
}

// MarshalJSON renders Stats with the frozen jsoniter codec, matching the
// way the teacher funnels all its wire encoding through one jsoniter
// config rather than the standard library's encoding/json.
func (s Stats) MarshalJSON() ([]byte, error) {
	// statsFields has Stats's fields and tags but not this method, so the
	// codec encodes the fields instead of calling back into MarshalJSON.
	type statsFields Stats
	return statsJSON.Marshal(statsFields(s))
}
