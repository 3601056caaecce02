package inode

import (
	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/fsjournal"
	"github.com/antfarm/goxvkernel/internal/lock"
)

type islot struct {
	inum   int
	refcnt int
	valid  bool
	sl     lock.Sleeplock_t
	d      Dinode
}

// Cache is the fixed in-memory inode cache (spec.md section 3: "fixed
// cache of M slots (M ~ NINODE)"), single-device since this kernel drives
// exactly one AHCI disk.
type Cache struct {
	mu    lock.Spinlock_t
	bc    *bcache.Cache
	log   *fsjournal.Log
	sb    *Superblock
	slots []islot
}

// New builds an inode cache of n slots over bc/log, described by sb.
func New(bc *bcache.Cache, log *fsjournal.Log, sb *Superblock, n int) *Cache {
	return &Cache{bc: bc, log: log, sb: sb, slots: make([]islot, n)}
}

// Ref is a held reference into the inode cache (spec.md's "inode (in
// memory)"); it is unlocked until Lock is called.
type Ref struct {
	c    *Cache
	idx  int
	Inum int
}

// Get returns a cache reference for inum, creating an entry if none is
// cached (spec.md section 4.7's get()). The returned Ref is unlocked
// and may not yet be valid.
func (c *Cache) Get(sched lock.SchedCtx, inum int) (*Ref, defs.Err_t) {
	cpu := sched.Cpu()
	c.mu.Acquire(cpu)
	defer c.mu.Release(cpu)

	empty := -1
	for i := range c.slots {
		s := &c.slots[i]
		if s.refcnt > 0 && s.inum == inum {
			s.refcnt++
			return &Ref{c: c, idx: i, Inum: inum}, 0
		}
		if empty == -1 && s.refcnt == 0 {
			empty = i
		}
	}
	if empty == -1 {
		return nil, -defs.ENOMEM
	}
	s := &c.slots[empty]
	s.inum = inum
	s.refcnt = 1
	s.valid = false
	return &Ref{c: c, idx: empty, Inum: inum}, 0
}

// Dup bumps the reference count on an already-held Ref (used by fork
// and cwd duplication).
func (c *Cache) Dup(sched lock.SchedCtx, r *Ref) *Ref {
	cpu := sched.Cpu()
	c.mu.Acquire(cpu)
	c.slots[r.idx].refcnt++
	c.mu.Release(cpu)
	return &Ref{c: c, idx: r.idx, Inum: r.Inum}
}

// Lock acquires r's sleep lock, reading the on-disk image through if it
// is not yet valid (spec.md section 4.7's lock()).
func (c *Cache) Lock(sched lock.SchedCtx, r *Ref) defs.Err_t {
	cpu := sched.Cpu()
	c.slots[r.idx].sl.Acquire(sched, cpu, 0)
	s := &c.slots[r.idx]
	if !s.valid {
		buf, err := c.bc.Read(c.sb.IBlock(r.Inum), sched)
		if err != 0 {
			c.slots[r.idx].sl.Release(sched, cpu)
			return err
		}
		s.d = decodeDinode(buf.Data()[:], dinodeOffset(r.Inum))
		c.bc.Release(buf, sched)
		s.valid = true
	}
	return 0
}

// Unlock releases r's sleep lock.
func (c *Cache) Unlock(sched lock.SchedCtx, r *Ref) {
	c.slots[r.idx].sl.Release(sched, sched.Cpu())
}

// Data returns the decoded on-disk inode fields for a locked Ref.
func (c *Cache) Data(r *Ref) *Dinode { return &c.slots[r.idx].d }

// Update writes r's in-memory dinode back to the inode-table block as
// part of the caller's open log transaction. The caller must hold r's
// sleep lock.
func (c *Cache) Update(sched lock.SchedCtx, r *Ref) defs.Err_t {
	buf, err := c.bc.Read(c.sb.IBlock(r.Inum), sched)
	if err != 0 {
		return err
	}
	encodeDinode(buf.Data()[:], dinodeOffset(r.Inum), c.slots[r.idx].d)
	c.log.LogWrite(sched, buf)
	c.bc.Release(buf, sched)
	return 0
}

// Put drops a reference to r. If the inode is valid, has no links, and
// this is the last reference, its data blocks are truncated and its
// on-disk type is zeroed (spec.md section 4.7's put(), and section 4's
// "truncate-on-put is itself a logged operation" — the caller is
// expected to have an open transaction, exactly as Unlink does).
func (c *Cache) Put(sched lock.SchedCtx, r *Ref) defs.Err_t {
	cpu := sched.Cpu()
	c.mu.Acquire(cpu)
	refcnt := c.slots[r.idx].refcnt
	valid := c.slots[r.idx].valid
	c.mu.Release(cpu)

	if valid && refcnt == 1 {
		c.slots[r.idx].sl.Acquire(sched, cpu, 0)
		if c.slots[r.idx].d.Nlink == 0 {
			if err := c.truncate(sched, r); err != 0 {
				c.slots[r.idx].sl.Release(sched, cpu)
				return err
			}
			c.slots[r.idx].d.Type = defs.I_UNUSED
			if err := c.Update(sched, r); err != 0 {
				c.slots[r.idx].sl.Release(sched, cpu)
				return err
			}
			c.mu.Acquire(cpu)
			c.slots[r.idx].valid = false
			c.mu.Release(cpu)
		}
		c.slots[r.idx].sl.Release(sched, cpu)
	}

	c.mu.Acquire(cpu)
	c.slots[r.idx].refcnt--
	c.mu.Release(cpu)
	return 0
}
