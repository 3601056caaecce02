package mem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antfarm/goxvkernel/internal/mem"
)

// Page allocator round-trip (spec.md section 8, property 1): for any
// sequence of alloc/free operations, the total count of available pages
// is conserved, and an allocated page's address is 4 KiB-aligned.
func TestAllocFreeConservesCount(t *testing.T) {
	a := mem.Init(16)
	require.Equal(t, 16, a.Avail())

	var pas []mem.Pa_t
	for i := 0; i < 10; i++ {
		pa, pg, ok := a.Alloc()
		require.True(t, ok)
		require.Zero(t, int(pa)%mem.PGSIZE, "allocated page must be page-aligned")
		require.NotNil(t, pg)
		pas = append(pas, pa)
	}
	require.Equal(t, 6, a.Avail())

	for _, pa := range pas {
		a.Free(pa)
	}
	require.Equal(t, 16, a.Avail())
}

// Alloc zero-fills; Free scribbles a recognizable byte (spec.md section 3).
func TestAllocZerosFreeScribbles(t *testing.T) {
	a := mem.Init(4)
	pa, pg, ok := a.Alloc()
	require.True(t, ok)
	for i := range pg {
		pg[i] = 0xff
	}
	a.Free(pa)

	// The first 4 bytes of a free page hold the freelist link; every
	// byte after them carries the scribble.
	raw := a.Deref(pa)
	allScribbled := true
	for _, b := range raw[4:] {
		if b != 0xd9 {
			allScribbled = false
			break
		}
	}
	require.True(t, allScribbled)

	pa2, pg2, ok := a.Alloc()
	require.True(t, ok)
	require.Equal(t, pa, pa2)
	for _, b := range pg2 {
		require.Zero(t, b)
	}
}

// Exhaustion returns (0, nil, false), never panics or blocks (spec.md
// section 4.11: page alloc is never retried, never fatal).
func TestAllocExhaustionReturnsFalse(t *testing.T) {
	a := mem.Init(2)
	_, _, ok1 := a.Alloc()
	_, _, ok2 := a.Alloc()
	require.True(t, ok1)
	require.True(t, ok2)

	pa, pg, ok3 := a.Alloc()
	require.False(t, ok3)
	require.Nil(t, pg)
	require.Zero(t, pa)
}

// FreeRange splices a contiguous run back in one locked section.
func TestFreeRangeRestoresCount(t *testing.T) {
	a := mem.Init(8)
	first, _, ok := a.Alloc()
	require.True(t, ok)
	for i := 0; i < 6; i++ {
		_, _, ok := a.Alloc()
		require.True(t, ok)
	}
	require.Equal(t, 1, a.Avail())

	last := first + mem.Pa_t(6*mem.PGSIZE)
	a.FreeRange(first, last+mem.PGSIZE)
	require.Equal(t, 8, a.Avail())
}
