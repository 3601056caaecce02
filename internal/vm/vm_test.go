package vm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/mem"
	"github.com/antfarm/goxvkernel/internal/vm"
)

func freshArena(t *testing.T) {
	t.Helper()
	mem.Init(256)
}

// Page table (spec.md section 8, property 2): after AllocUser(a, b, F)
// succeeds, every page-aligned va in [a, b) translates to a unique
// physical page carrying F|USER|PRESENT. After DeallocUser(b, a), no va
// in [a, b) resolves, and the pages are back in the allocator.
func TestAllocUserThenDeallocUserRoundTrips(t *testing.T) {
	freshArena(t)
	as, err := vm.NewUserAS()
	require.Zero(t, err)
	afterNewAS := mem.Phys.Avail()

	const newSize = 4 * mem.PGSIZE
	require.Zero(t, as.AllocUser(0, newSize))

	seen := map[mem.Pa_t]bool{}
	for va := uintptr(0); va < newSize; va += mem.PGSIZE {
		pte, ok := as.Translate(va)
		require.True(t, ok, "va %#x must resolve", va)
		require.Equal(t, vm.PTE_U|vm.PTE_P, pte.Flags())
		require.False(t, seen[pte.Addr()], "physical page reused across two user vas")
		seen[pte.Addr()] = true
	}

	// AllocUser spent pages on the 4 data pages plus the L1/L2/L3
	// tables needed to map them; fewer than afterNewAS must remain.
	require.Less(t, mem.Phys.Avail(), afterNewAS)

	as.DeallocUser(newSize, 0)
	for va := uintptr(0); va < newSize; va += mem.PGSIZE {
		_, ok := as.Translate(va)
		require.False(t, ok, "va %#x must no longer resolve", va)
	}
	// Every data page AND every intermediate L1/L2/L3 table AllocUser
	// allocated to map them comes back (spec.md section 4.2's dealloc_user
	// "bottom-up frees any intermediate table that has become entirely
	// empty"), so the arena is exactly as full as right after NewUserAS.
	require.Equal(t, afterNewAS, mem.Phys.Avail())
}

// AllocUser's partial-failure unwind: when the arena runs out partway
// through growing the user region, AllocUser returns ENOMEM and backs
// out every page it had already mapped, leaving Size unchanged.
//
// The arena size is kept constant across this file's tests (only the
// free count inside it varies, by draining pages with plain mem.Phys
// Alloc calls below) because internal/vm's kernel-template singleton is
// installed once per test binary (sync.Once) and remembers a physical
// index into whatever arena was current at that moment; reinitializing
// mem.Phys with a *smaller* arena afterward would leave that remembered
// index out of bounds.
func TestAllocUserPartialFailureUnwinds(t *testing.T) {
	freshArena(t)
	as, err := vm.NewUserAS()
	require.Zero(t, err)

	// Drain the arena down to exactly 4 free pages so AllocUser's 4-page
	// request fails partway through, after having already mapped some:
	// the first page uses all 4 (its data page plus the L3/L2/L1 tables
	// that map it), and the second page's allocation fails.
	before := mem.Phys.Avail()
	var drained []mem.Pa_t
	for mem.Phys.Avail() > 4 {
		pa, _, ok := mem.Phys.Alloc()
		require.True(t, ok)
		drained = append(drained, pa)
	}
	require.Equal(t, 4, mem.Phys.Avail())

	aerr := as.AllocUser(0, 4*mem.PGSIZE)
	require.Equal(t, -defs.ENOMEM, aerr)
	require.Zero(t, as.Size)
	require.Equal(t, 4, mem.Phys.Avail())

	for _, pa := range drained {
		mem.Phys.Free(pa)
	}
	require.Equal(t, before, mem.Phys.Avail())
}

// Kernel half sharing: every address space's L4 slots 256-511 reference
// the same shared template, so a fresh AddrSpace resolves the kernel
// scratch mapping identically without ever calling AllocUser on it.
func TestKernelSlotsSharedAcrossAddressSpaces(t *testing.T) {
	freshArena(t)
	as1, err := vm.NewUserAS()
	require.Zero(t, err)
	as2, err := vm.NewUserAS()
	require.Zero(t, err)

	pte1, ok1 := as1.Translate(vm.KERNBASE)
	pte2, ok2 := as2.Translate(vm.KERNBASE)
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, pte1.Addr(), pte2.Addr(), "kernel half must be identical across address spaces")
}

// Dup copies user pages (and the fixed stack span) into independent
// physical pages, not aliases, so writes to one address space's copy
// never show up in the other's (spec.md section 4.2's dup/fork contract).
func TestDupCopiesUserPagesIndependently(t *testing.T) {
	freshArena(t)
	parent, err := vm.NewUserAS()
	require.Zero(t, err)
	require.Zero(t, parent.AllocUser(0, mem.PGSIZE))
	require.Zero(t, parent.CopyOut(0, []byte("parent")))

	child, derr := parent.Dup(mem.PGSIZE)
	require.Zero(t, derr)

	require.Zero(t, child.CopyOut(0, []byte("child!")))

	buf := make([]byte, 6)
	require.Zero(t, parent.CopyIn(0, buf))
	require.Equal(t, "parent", string(buf))
}

// CopyOut/CopyIn fail with EFAULT on an unmapped or non-user page,
// rather than panicking or silently succeeding.
func TestCopyOutFaultsOnUnmappedPage(t *testing.T) {
	freshArena(t)
	as, err := vm.NewUserAS()
	require.Zero(t, err)

	require.Equal(t, -defs.EFAULT, as.CopyOut(0, []byte("x")))
}
