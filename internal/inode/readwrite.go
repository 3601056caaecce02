package inode

import (
	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/util"
)

// bmap returns the disk block address of the bn'th block of r's file,
// allocating one if absent (spec.md section 4.7: "bmap allocates absent
// blocks during write"). The caller must hold r's sleep lock.
func (c *Cache) bmap(sched lock.SchedCtx, r *Ref, bn int) (int, defs.Err_t) {
	d := &c.slots[r.idx].d
	if bn < NDIRECT {
		if d.Addrs[bn] == 0 {
			blockno, err := c.balloc(sched)
			if err != 0 {
				return 0, err
			}
			d.Addrs[bn] = uint64(blockno)
		}
		return int(d.Addrs[bn]), 0
	}
	bn -= NDIRECT
	if bn >= NINDIRECT {
		return 0, -defs.EINVAL
	}
	if d.Addrs[NDIRECT] == 0 {
		blockno, err := c.balloc(sched)
		if err != 0 {
			return 0, err
		}
		d.Addrs[NDIRECT] = uint64(blockno)
	}
	ibuf, err := c.bc.Read(int(d.Addrs[NDIRECT]), sched)
	if err != 0 {
		return 0, err
	}
	addr := util.Readn(ibuf.Data()[:], 8, bn*8)
	if addr == 0 {
		blockno, err := c.balloc(sched)
		if err != 0 {
			c.bc.Release(ibuf, sched)
			return 0, err
		}
		util.Writen(ibuf.Data()[:], 8, bn*8, blockno)
		c.log.LogWrite(sched, ibuf)
		addr = blockno
	}
	c.bc.Release(ibuf, sched)
	return addr, 0
}

// Readi copies min(len(dst), size-off) bytes from r's file starting at
// off into dst, returning the count actually read. The caller must hold
// r's sleep lock.
func (c *Cache) Readi(sched lock.SchedCtx, r *Ref, dst []byte, off int) (int, defs.Err_t) {
	d := &c.slots[r.idx].d
	if off < 0 || uint64(off) > d.Size {
		return 0, -defs.EINVAL
	}
	n := len(dst)
	if uint64(off+n) > d.Size {
		n = int(d.Size) - off
	}
	total := 0
	for total < n {
		bn, err := c.bmap(sched, r, (off+total)/bcache.BSIZE)
		if err != 0 {
			return total, err
		}
		buf, err := c.bc.Read(bn, sched)
		if err != 0 {
			return total, err
		}
		boff := (off + total) % bcache.BSIZE
		m := util.Min(n-total, bcache.BSIZE-boff)
		copy(dst[total:total+m], buf.Data()[boff:boff+m])
		c.bc.Release(buf, sched)
		total += m
	}
	return total, 0
}

// Writei writes src into r's file at off, extending the file and
// allocating blocks as needed via bmap, and updating the on-disk inode
// through the caller's open log transaction (spec.md section 4.7's
// writei). The caller must hold r's sleep lock and have an open
// transaction (fsjournal.Log.BeginOp).
func (c *Cache) Writei(sched lock.SchedCtx, r *Ref, src []byte, off int) (int, defs.Err_t) {
	d := &c.slots[r.idx].d
	if off < 0 || uint64(off) > d.Size {
		return 0, -defs.EINVAL
	}
	if off+len(src) > MAXFILE*bcache.BSIZE {
		return 0, -defs.E2BIG
	}
	n := len(src)
	total := 0
	for total < n {
		bn, err := c.bmap(sched, r, (off+total)/bcache.BSIZE)
		if err != 0 {
			return total, err
		}
		buf, err := c.bc.Read(bn, sched)
		if err != 0 {
			return total, err
		}
		boff := (off + total) % bcache.BSIZE
		m := util.Min(n-total, bcache.BSIZE-boff)
		copy(buf.Data()[boff:boff+m], src[total:total+m])
		c.log.LogWrite(sched, buf)
		c.bc.Release(buf, sched)
		total += m
	}
	if total > 0 && uint64(off+total) > d.Size {
		d.Size = uint64(off + total)
		if err := c.Update(sched, r); err != 0 {
			return total, err
		}
	}
	return total, 0
}

// Truncate frees every data block owned by r and resets its size to
// zero, writing the update back through the caller's open log
// transaction (spec.md section 6's O_TRUNC open flag). The caller must
// hold r's sleep lock.
func (c *Cache) Truncate(sched lock.SchedCtx, r *Ref) defs.Err_t {
	if err := c.truncate(sched, r); err != 0 {
		return err
	}
	return c.Update(sched, r)
}

// truncate frees every data block owned by r (direct and indirect) and
// resets its size to zero. The caller must hold r's sleep lock.
func (c *Cache) truncate(sched lock.SchedCtx, r *Ref) defs.Err_t {
	d := &c.slots[r.idx].d
	for i := 0; i < NDIRECT; i++ {
		if d.Addrs[i] != 0 {
			c.bfree(sched, int(d.Addrs[i]))
			d.Addrs[i] = 0
		}
	}
	if d.Addrs[NDIRECT] != 0 {
		ibuf, err := c.bc.Read(int(d.Addrs[NDIRECT]), sched)
		if err != 0 {
			return err
		}
		for i := 0; i < NINDIRECT; i++ {
			addr := util.Readn(ibuf.Data()[:], 8, i*8)
			if addr != 0 {
				c.bfree(sched, addr)
			}
		}
		c.bc.Release(ibuf, sched)
		c.bfree(sched, int(d.Addrs[NDIRECT]))
		d.Addrs[NDIRECT] = 0
	}
	d.Size = 0
	return 0
}
