package inode

import (
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
)

// balloc scans the free-block bitmap for a clear bit, sets it, zeros
// the newly allocated block, and returns its number. Grounded on
// original_source/kernel/src/fs.rs's balloc, itself implementing
// spec.md section 6's "bitmap: one bit per data block, bit set =
// allocated."
func (c *Cache) balloc(sched lock.SchedCtx) (int, defs.Err_t) {
	for b := uint64(0); b < c.sb.Nblocks; b += BPB {
		bn := c.sb.BBlock(int(b))
		buf, err := c.bc.Read(bn, sched)
		if err != 0 {
			return 0, err
		}
		data := buf.Data()
		for bi := uint64(0); bi < BPB && b+bi < c.sb.Nblocks; bi++ {
			byteIdx := bi / 8
			mask := byte(1) << (bi % 8)
			if data[byteIdx]&mask == 0 {
				data[byteIdx] |= mask
				c.log.LogWrite(sched, buf)
				c.bc.Release(buf, sched)
				blockno := int(b + bi)
				if err := c.bzero(sched, blockno); err != 0 {
					return 0, err
				}
				return blockno, 0
			}
		}
		c.bc.Release(buf, sched)
	}
	return 0, -defs.ENOSPC
}

// bzero clears a freshly-allocated data block, logging the write.
func (c *Cache) bzero(sched lock.SchedCtx, blockno int) defs.Err_t {
	buf, err := c.bc.Read(blockno, sched)
	if err != 0 {
		return err
	}
	data := buf.Data()
	for i := range data {
		data[i] = 0
	}
	c.log.LogWrite(sched, buf)
	c.bc.Release(buf, sched)
	return 0
}

// bfree clears blockno's bit in the bitmap. Freeing an already-free
// block is corruption (spec.md section 4.11) and panics.
func (c *Cache) bfree(sched lock.SchedCtx, blockno int) {
	bn := c.sb.BBlock(blockno)
	buf, err := c.bc.Read(bn, sched)
	if err != 0 {
		panic("bfree: cannot read bitmap block")
	}
	bi := uint64(blockno) % BPB
	byteIdx := bi / 8
	mask := byte(1) << (bi % 8)
	data := buf.Data()
	if data[byteIdx]&mask == 0 {
		panic("bfree: freeing free block")
	}
	data[byteIdx] &^= mask
	c.log.LogWrite(sched, buf)
	c.bc.Release(buf, sched)
}

// Ialloc allocates a fresh inode of the given type on disk, returning
// it locked and referenced (spec.md section 4.7 combined with
// original_source's ialloc scan). Inode 0 is never allocated; ROOTINO
// (1) is reserved for the root directory by mkfs.
func (c *Cache) Ialloc(sched lock.SchedCtx, typ uint32) (*Ref, defs.Err_t) {
	for inum := 1; uint64(inum) < c.sb.Ninodes; inum++ {
		bn := c.sb.IBlock(inum)
		buf, err := c.bc.Read(bn, sched)
		if err != 0 {
			return nil, err
		}
		off := dinodeOffset(inum)
		d := decodeDinode(buf.Data()[:], off)
		if d.Type == defs.I_UNUSED {
			d.Type = typ
			encodeDinode(buf.Data()[:], off, d)
			c.log.LogWrite(sched, buf)
			c.bc.Release(buf, sched)
			r, err := c.Get(sched, inum)
			if err != 0 {
				return nil, err
			}
			if err := c.Lock(sched, r); err != 0 {
				return nil, err
			}
			return r, 0
		}
		c.bc.Release(buf, sched)
	}
	return nil, -defs.ENOSPC
}
