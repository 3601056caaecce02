package vm

import (
	"sync"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/mem"
	"github.com/antfarm/goxvkernel/internal/util"
)

// Virtual-address layout constants (spec.md section 4.2). KERNBASE is the
// L4 index boundary (256) between the user and kernel halves, expressed
// as a virtual address; USERSTACK/USEREND bound the fixed 16-page
// user stack this design allocates (Non-goals exclude a growable stack).
const (
	KERNBASE   = uintptr(256) << 39
	USERMIN    = uintptr(mem.PGSIZE)
	USERSTACK  = KERNBASE - 16*mem.PGSIZE
	USEREND    = KERNBASE
)

// kernelTemplate holds the shared kernel-half mappings every address
// space's slots 256-511 are copied from (spec.md: "entries 256-511 are
// identical across every address space and are populated once, from a
// template, never walked or allocated per-process"). There is no real
// kernel text or data to map in a hosted simulation, so the template
// carries one representative region: a scratch kernel heap any address
// space can reach identically, enough to exercise dup_kern's invariant.
var (
	kernelOnce sync.Once
	kernelL4   mem.Pa_t
)

func ensureKernelTemplate() {
	kernelOnce.Do(func() {
		pa, _, ok := mem.Phys.Alloc()
		if !ok {
			panic("vm: out of memory bringing up kernel template")
		}
		kernelL4 = pa
		// One kernel scratch page, mapped at the base of the kernel
		// half, shared read-write across every address space.
		scratchPA, _, ok := mem.Phys.Alloc()
		if !ok {
			panic("vm: out of memory bringing up kernel template")
		}
		if err := mapIn(kernelL4, KERNBASE, scratchPA, PTE_P|PTE_W); err != 0 {
			panic("vm: failed to map kernel scratch page")
		}
	})
}

// AddrSpace is one process's page table (spec.md's Vm_t / Pmap_t): a
// single top-level table plus a mutex, since user and kernel halves of
// every address space are walked under the same lock as in the teacher.
type AddrSpace struct {
	mu   sync.Mutex
	L4   mem.Pa_t
	Size uintptr // current extent of the user heap/data region, [0,Size)
}

// NewUserAS allocates a fresh address space with the shared kernel half
// already installed in slots 256-511 (spec.md's dup_kern, done once at
// creation rather than lazily).
func NewUserAS() (*AddrSpace, defs.Err_t) {
	ensureKernelTemplate()
	pa, _, ok := mem.Phys.Alloc()
	if !ok {
		return nil, -defs.ENOMEM
	}
	as := &AddrSpace{L4: pa}
	if err := as.copyKernelSlots(); err != 0 {
		return nil, err
	}
	return as, 0
}

// copyKernelSlots copies the top-level entries for indices 256-511 from
// the kernel template into as.L4, without touching as's own L3 pages.
func (as *AddrSpace) copyKernelSlots() defs.Err_t {
	src := mem.Phys.Deref(kernelL4)
	dst := mem.Phys.Deref(as.L4)
	for i := 256; i < entriesPerTable; i++ {
		writePTE(dst, i, readPTE(src, i))
	}
	return 0
}

// mapIn walks (allocating as needed) from root down to a leaf PTE for va
// and installs pa with flags. Non-leaf levels are always PTE_P|PTE_W|PTE_U
// so a leaf's own flags are the ones that actually restrict access,
// matching spec.md's "non-leaf levels are always fully permissive".
func mapIn(root mem.Pa_t, va uintptr, pa mem.Pa_t, flags PTE) defs.Err_t {
	l4i, l3i, l2i, l1i := idx4(va)
	cur := root
	for _, idx := range []int{l4i, l3i, l2i} {
		tbl := mem.Phys.Deref(cur)
		e := readPTE(tbl, idx)
		if e&PTE_P == 0 {
			npa, _, ok := mem.Phys.Alloc()
			if !ok {
				return -defs.ENOMEM
			}
			e = mkpte(npa, PTE_P|PTE_W|PTE_U)
			writePTE(tbl, idx, e)
		}
		cur = e.Addr()
	}
	leaf := mem.Phys.Deref(cur)
	writePTE(leaf, l1i, mkpte(pa, flags|PTE_P))
	return 0
}

// walk returns the leaf PTE for va, and whether every level down to it
// was present.
func walk(root mem.Pa_t, va uintptr) (PTE, bool) {
	l4i, l3i, l2i, l1i := idx4(va)
	cur := root
	for _, idx := range []int{l4i, l3i, l2i} {
		tbl := mem.Phys.Deref(cur)
		e := readPTE(tbl, idx)
		if e&PTE_P == 0 {
			return 0, false
		}
		cur = e.Addr()
	}
	leaf := mem.Phys.Deref(cur)
	e := readPTE(leaf, l1i)
	return e, e&PTE_P != 0
}

// Map installs a single page mapping in as, allocating intermediate
// tables as needed. Per spec.md's failure semantics, a failed
// intermediate allocation is not rolled back — a later call may complete
// the chain.
func (as *AddrSpace) Map(va uintptr, pa mem.Pa_t, flags PTE) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	return mapIn(as.L4, va, pa, flags)
}

// Translate reports the leaf PTE mapping va, if any.
func (as *AddrSpace) Translate(va uintptr) (PTE, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return walk(as.L4, va)
}

// AllocUser grows the user region from oldSize to newSize, mapping a
// fresh zeroed page for each new page-aligned span (spec.md section
// 4.2's alloc_user). On partial failure it unwinds via DeallocUser and
// returns ENOMEM, leaving Size unchanged.
func (as *AddrSpace) AllocUser(oldSize, newSize uintptr) defs.Err_t {
	oldSize = util.Roundup(oldSize, uintptr(mem.PGSIZE))
	newSize = util.Roundup(newSize, uintptr(mem.PGSIZE))
	for va := oldSize; va < newSize; va += mem.PGSIZE {
		pa, _, ok := mem.Phys.Alloc()
		if !ok {
			as.DeallocUser(va, oldSize)
			return -defs.ENOMEM
		}
		if err := as.Map(va, pa, PTE_P|PTE_W|PTE_U); err != 0 {
			mem.Phys.Free(pa)
			as.DeallocUser(va, oldSize)
			return err
		}
	}
	as.mu.Lock()
	as.Size = newSize
	as.mu.Unlock()
	return 0
}

// DeallocUser frees every user page mapped in [newSize, oldSize),
// clearing each leaf entry, then bottom-up frees any L1/L2/L3
// intermediate table that becomes entirely empty as a result (spec.md
// section 4.2's dealloc_user: "bottom-up frees any intermediate table
// that has become entirely empty"). Kernel slots (L4 indices 256+) are
// never touched, and L4 itself is never freed here.
func (as *AddrSpace) DeallocUser(oldSize, newSize uintptr) {
	newSize = util.Roundup(newSize, uintptr(mem.PGSIZE))
	oldSize = util.Roundup(oldSize, uintptr(mem.PGSIZE))
	as.mu.Lock()
	defer as.mu.Unlock()
	for va := newSize; va < oldSize; va += mem.PGSIZE {
		e, present := walk(as.L4, va)
		if !present {
			continue
		}
		mem.Phys.Free(e.Addr())
		l4i, l3i, l2i, l1i := idx4(va)
		l4tbl := mem.Phys.Deref(as.L4)
		e3 := readPTE(l4tbl, l4i) // -> L3 table
		l3tbl := mem.Phys.Deref(e3.Addr())
		e2 := readPTE(l3tbl, l3i) // -> L2 table
		l2tbl := mem.Phys.Deref(e2.Addr())
		e1 := readPTE(l2tbl, l2i) // -> L1 table (leaf)
		leaf := mem.Phys.Deref(e1.Addr())

		writePTE(leaf, l1i, 0)
		if !tableEmpty(leaf) {
			continue
		}
		mem.Phys.Free(e1.Addr())
		writePTE(l2tbl, l2i, 0)
		if !tableEmpty(l2tbl) {
			continue
		}
		mem.Phys.Free(e2.Addr())
		writePTE(l3tbl, l3i, 0)
		if !tableEmpty(l3tbl) {
			continue
		}
		mem.Phys.Free(e3.Addr())
		writePTE(l4tbl, l4i, 0)
	}
	if newSize < as.Size {
		as.Size = newSize
	}
}

// Dup creates a new address space with independent copies of every user
// page in [0,size) and the fixed user-stack span, sharing only the
// kernel half (spec.md section 4.2's dup, used by fork).
func (as *AddrSpace) Dup(size uintptr) (*AddrSpace, defs.Err_t) {
	child, err := NewUserAS()
	if err != 0 {
		return nil, err
	}
	size = util.Roundup(size, uintptr(mem.PGSIZE))
	as.mu.Lock()
	root := as.L4
	as.mu.Unlock()
	for _, span := range [][2]uintptr{{0, size}, {USERSTACK, USEREND}} {
		for va := span[0]; va < span[1]; va += mem.PGSIZE {
			e, present := walk(root, va)
			if !present {
				continue
			}
			npa, _, ok := mem.Phys.Alloc()
			if !ok {
				return nil, -defs.ENOMEM
			}
			*mem.Phys.Deref(npa) = *mem.Phys.Deref(e.Addr())
			if cerr := child.Map(va, npa, e.Flags()); cerr != 0 {
				mem.Phys.Free(npa)
				return nil, cerr
			}
		}
	}
	child.Size = size
	return child, 0
}

// CopyOut writes src into as starting at virtual address va, crossing
// page boundaries as needed. It fails with EFAULT on the first unmapped
// or non-user page it encounters, per spec.md's copy_out contract.
func (as *AddrSpace) CopyOut(va uintptr, src []byte) defs.Err_t {
	as.mu.Lock()
	root := as.L4
	as.mu.Unlock()
	for len(src) > 0 {
		e, present := walk(root, va)
		if !present || e&PTE_U == 0 {
			return -defs.EFAULT
		}
		off := va & uintptr(mem.PGOFFSET)
		n := uintptr(mem.PGSIZE) - off
		if n > uintptr(len(src)) {
			n = uintptr(len(src))
		}
		pg := mem.Phys.Deref(e.Addr())
		copy(pg[off:off+n], src[:n])
		src = src[n:]
		va += n
	}
	return 0
}

// CopyIn reads len(dst) bytes out of as starting at va, the inverse of
// CopyOut, used by syscall argument marshaling.
func (as *AddrSpace) CopyIn(va uintptr, dst []byte) defs.Err_t {
	as.mu.Lock()
	root := as.L4
	as.mu.Unlock()
	for len(dst) > 0 {
		e, present := walk(root, va)
		if !present || e&PTE_U == 0 {
			return -defs.EFAULT
		}
		off := va & uintptr(mem.PGOFFSET)
		n := uintptr(mem.PGSIZE) - off
		if n > uintptr(len(dst)) {
			n = uintptr(len(dst))
		}
		pg := mem.Phys.Deref(e.Addr())
		copy(dst[:n], pg[off:off+n])
		dst = dst[n:]
		va += n
	}
	return 0
}

// Free releases every page this address space owns, user and private
// kernel levels alike, but not the shared kernel-template leaf page
// itself. Called when a process exits (spec.md section 4.4).
func (as *AddrSpace) Free() {
	as.DeallocUser(as.Size, 0)
	as.DeallocUser(USEREND, USERSTACK)
	as.mu.Lock()
	defer as.mu.Unlock()
	l4 := mem.Phys.Deref(as.L4)
	for i := 0; i < 256; i++ {
		e := readPTE(l4, i)
		if e&PTE_P == 0 {
			continue
		}
		freeSubtree(e.Addr(), 2)
	}
	mem.Phys.Free(as.L4)
}

// freeSubtree frees a non-leaf page-table page and, recursively, any
// child table pages still present at the given depth (2 = L3, 1 = L2; the
// user pages themselves are freed by DeallocUser before Free ever descends
// here, so what is still present at this point are page-table pages, such
// as a chain a failed Map left in place).
func freeSubtree(pa mem.Pa_t, depth int) {
	tbl := mem.Phys.Deref(pa)
	if depth > 0 {
		for i := 0; i < entriesPerTable; i++ {
			e := readPTE(tbl, i)
			if e&PTE_P == 0 {
				continue
			}
			freeSubtree(e.Addr(), depth-1)
		}
	}
	mem.Phys.Free(pa)
}
