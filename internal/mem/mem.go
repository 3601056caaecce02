// Package mem implements the physical page allocator (spec.md section
// 4.1): a freelist threaded through the free pages themselves, backed by
// a simulated physical address space. This hosted implementation stands
// in for biscuit's mem.Physmem_t, which drove the real CPU's direct-map
// region (mem/mem.go, mem/dmap.go in the teacher); here "physical memory"
// is one large byte arena and a Pa_t is an offset into it, since this
// kernel has no MMU to program.
package mem

import (
	"sync"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/util"
)

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of a page in bytes (spec.md section 3: "4096-byte
// region, naturally aligned").
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET = PGSIZE - 1

// Pa_t is a physical address: an offset into the simulated arena.
type Pa_t uintptr

// Page is one physical page of memory.
type Page = [PGSIZE]byte

// scribbleByte is written across a freed page for defense in depth
// (spec.md section 3: "scribbles a recognizable byte on free").
const scribbleByte = 0xd9

// Phys is the global physical memory allocator singleton (spec.md section
// 9: "Global singletons... represented as process-wide state with
// explicit init routines").
var Phys = &Allocator{}

// Allocator manages a fixed arena of pages via a freelist threaded
// through the pages themselves: the first 4 bytes of a free page hold the
// index of the next free page, or freeEnd if it's the last.
type Allocator struct {
	mu      sync.Mutex
	arena   []byte
	npages  uint32
	freelen int
	freei   uint32
}

const freeEnd = ^uint32(0)

// Init reserves npages pages of simulated physical memory and populates
// the freelist with all of them (spec.md section 4.1's free_range, called
// once at boot over the whole arena).
func Init(npages int) *Allocator {
	a := Phys
	a.mu.Lock()
	defer a.mu.Unlock()
	a.arena = make([]byte, npages*PGSIZE)
	a.npages = uint32(npages)
	a.freei = freeEnd
	a.freelen = 0
	for i := npages - 1; i >= 0; i-- {
		a.pushLocked(uint32(i))
	}
	return a
}

func (a *Allocator) pushLocked(idx uint32) {
	pg := a.pageBytes(idx)
	for i := range pg {
		pg[i] = scribbleByte
	}
	util.Writen(pg, 4, 0, int(a.freei))
	a.freei = idx
	a.freelen++
}

func (a *Allocator) pageBytes(idx uint32) []byte {
	off := int(idx) * PGSIZE
	return a.arena[off : off+PGSIZE]
}

func (a *Allocator) idxOf(pa Pa_t) uint32 {
	if int(pa)%PGSIZE != 0 || int(pa) < 0 || int(pa) >= len(a.arena) {
		panic("bad physical address")
	}
	return uint32(int(pa) / PGSIZE)
}

// Alloc pops a page off the freelist and zero-fills it. It returns
// (0, nil, false) when the freelist is empty (spec.md section 4.11: page
// allocation is never retried, never fatal).
func (a *Allocator) Alloc() (Pa_t, *Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freei == freeEnd {
		return 0, nil, false
	}
	idx := a.freei
	pg := a.pageBytes(idx)
	next := util.Readn(pg, 4, 0)
	a.freei = uint32(next)
	a.freelen--
	for i := range pg {
		pg[i] = 0
	}
	return Pa_t(int(idx) * PGSIZE), (*Page)(pg), true
}

// Free scribbles and returns a page to the freelist.
func (a *Allocator) Free(pa Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushLocked(a.idxOf(pa))
}

// FreeRange splices a contiguous run of pages [start, end) into the
// freelist in one locked section (spec.md section 4.1: free_range).
func (a *Allocator) FreeRange(start, end Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for pa := start; pa < end; pa += PGSIZE {
		a.pushLocked(a.idxOf(pa))
	}
}

// Deref returns the byte slice backing the page at pa, the moral
// equivalent of biscuit's Physmem_t.Dmap direct-map lookup.
func (a *Allocator) Deref(pa Pa_t) *Page {
	idx := a.idxOf(pa)
	return (*Page)(a.pageBytes(idx))
}

// Avail reports the number of free pages, used by the page-allocator
// round-trip property test (spec.md section 8, property 1).
func (a *Allocator) Avail() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freelen
}

// Npages reports the total arena size in pages.
func (a *Allocator) Npages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.npages)
}

// ErrNoMem is returned by callers that need an error rather than a bool
// when Alloc fails.
func ErrNoMem() defs.Err_t { return -defs.ENOMEM }
