// Package vm implements the 4-level page table and per-process address
// space (spec.md section 4.2), grounded on biscuit/src/vm/as.go and
// mem/dmap.go. Page-table pages are allocated from mem.Phys exactly like
// real frames would be, and entries are encoded into their bytes with
// explicit little-endian arithmetic (util.Readn/Writen) instead of the
// teacher's unsafe.Pointer casts, since this kernel has no real CPU
// decoding these bytes in hardware — an explicit wire format is both
// portable and, per spec.md section 6, the format the rest of the system
// already assumes.
package vm

import (
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/mem"
	"github.com/antfarm/goxvkernel/internal/util"
)

// PTE is one page-table entry: bits 12-47 hold the physical frame
// address, the remaining bits are flags (spec.md section 3).
type PTE uint64

// Page-table entry flags (spec.md section 3).
const (
	PTE_P  PTE = 1 << 0 // present
	PTE_W  PTE = 1 << 1 // writable
	PTE_U  PTE = 1 << 2 // user-accessible
	PTE_WT PTE = 1 << 3 // write-through
	PTE_NC PTE = 1 << 4 // no-cache
	PTE_A  PTE = 1 << 5 // accessed
	PTE_D  PTE = 1 << 6 // dirty
	PTE_G  PTE = 1 << 8 // global
	PTE_NX PTE = 1 << 63
)

const addrMask PTE = 0x0000fffffffff000

// Addr extracts the physical frame address encoded in the entry.
func (p PTE) Addr() mem.Pa_t { return mem.Pa_t(p & addrMask) }

// Flags extracts the non-address flag bits.
func (p PTE) Flags() PTE { return p &^ addrMask }

func mkpte(pa mem.Pa_t, flags PTE) PTE {
	if mem.Pa_t(flags)&mem.Pa_t(addrMask) != 0 {
		panic("flags overlap address bits")
	}
	return PTE(pa)&addrMask | flags
}

const entriesPerTable = 512
const entrySize = 8

func readPTE(pg *mem.Page, i int) PTE {
	return PTE(util.Readn(pg[:], entrySize, i*entrySize))
}

func writePTE(pg *mem.Page, i int, v PTE) {
	util.Writen(pg[:], entrySize, i*entrySize, int(v))
}

// idx4 returns the four level indices (L4, L3, L2, L1) for a virtual
// address, mirroring the standard x86-64 9/9/9/9/12 split.
func idx4(va uintptr) (l4, l3, l2, l1 int) {
	l4 = int((va >> 39) & 0x1ff)
	l3 = int((va >> 30) & 0x1ff)
	l2 = int((va >> 21) & 0x1ff)
	l1 = int((va >> 12) & 0x1ff)
	return
}

// allocTable allocates and zeros a fresh page-table page.
func allocTable() (mem.Pa_t, *mem.Page, defs.Err_t) {
	pa, pg, ok := mem.Phys.Alloc()
	if !ok {
		return 0, nil, -defs.ENOMEM
	}
	return pa, pg, 0
}

// tableEmpty reports whether every entry in pg is the zero value.
func tableEmpty(pg *mem.Page) bool {
	for i := 0; i < entriesPerTable; i++ {
		if readPTE(pg, i) != 0 {
			return false
		}
	}
	return true
}
