package chunk_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grabcache/grabcache/chunk"
)

func TestNewReportsMapAndSize(t *testing.T) {
	var mapped uint64
	c, err := chunk.New(8192, 0, func(n uint64) { mapped += n })
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), c.Size())
	assert.Equal(t, uint64(8192), mapped)
	assert.NotNil(t, c.Ptr())
}

func TestContains(t *testing.T) {
	c, err := chunk.New(4096, 0, nil)
	require.NoError(t, err)

	base := uintptr(c.Ptr())
	inside := unsafe.Pointer(base + 10)
	outside := unsafe.Pointer(base + 5000)

	assert.True(t, c.Contains(inside))
	assert.False(t, c.Contains(outside))
}

func TestRetainReleaseRefcount(t *testing.T) {
	c, err := chunk.New(4096, 0, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), c.UsedRefs())
	c.Retain()
	c.Retain()
	assert.Equal(t, uint64(2), c.UsedRefs())
	c.Release()
	assert.Equal(t, uint64(1), c.UsedRefs())
	c.Release()
	assert.Equal(t, uint64(0), c.UsedRefs())
}

func TestCloseReportsUnmap(t *testing.T) {
	c, err := chunk.New(4096, 0, nil)
	require.NoError(t, err)

	var unmapped uint64
	require.NoError(t, c.Close(func(n uint64) { unmapped += n }))
	assert.Equal(t, uint64(4096), unmapped)

	// closing twice is a no-op: the first Close drops the chunk's memory,
	// so a second one neither munmaps nor reports anything.
	require.NoError(t, c.Close(func(uint64) { t.Fatal("onUnmap called on already-closed chunk") }))
}
