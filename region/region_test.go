package region_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/grabcache/grabcache/region"
)

func TestInitKeyAndValue(t *testing.T) {
	var backing [64]byte
	r := region.New[int, string](unsafe.Pointer(&backing[0]), uint64(len(backing)), nil)

	assert.Equal(t, region.Free, r.State)
	assert.False(t, r.KeyInit)
	assert.False(t, r.ValueInit)

	r.InitKey(42)
	r.InitValue("hello")

	assert.True(t, r.KeyInit)
	assert.True(t, r.ValueInit)
	assert.Equal(t, 42, r.Key)
	assert.Equal(t, "hello", *r.ValuePtr())
}

func TestResetClearsKeyAndValue(t *testing.T) {
	var backing [8]byte
	r := region.New[string, []int](unsafe.Pointer(&backing[0]), uint64(len(backing)), nil)
	r.InitKey("k")
	r.InitValue([]int{1, 2, 3})
	r.State = region.Unused

	r.Reset()

	assert.False(t, r.KeyInit)
	assert.False(t, r.ValueInit)
	assert.Equal(t, region.Free, r.State)
	assert.Nil(t, *r.ValuePtr())
}

func TestRefcountGuardedByLock(t *testing.T) {
	var backing [8]byte
	r := region.New[int, int](unsafe.Pointer(&backing[0]), uint64(len(backing)), nil)

	r.Lock()
	assert.Equal(t, uint64(0), r.Refcount())
	assert.Equal(t, uint64(1), r.IncRef())
	assert.Equal(t, uint64(2), r.IncRef())
	assert.Equal(t, uint64(1), r.DecRef())
	r.Unlock()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "free", region.Free.String())
	assert.Equal(t, "unused", region.Unused.String())
	assert.Equal(t, "used", region.Used.String())
}
