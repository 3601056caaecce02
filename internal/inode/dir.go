package inode

import (
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/util"
)

// DIRSIZ is the maximum length of one path component stored in a
// directory entry (spec.md section 6: "32-byte dirents: 8-byte inum +
// 24-byte name").
const DIRSIZ = 24

// direntSize is the on-disk size of one directory entry.
const direntSize = 8 + DIRSIZ

// dirent is a decoded directory entry.
type dirent struct {
	inum uint64
	name [DIRSIZ]byte
}

func decodeDirent(data []byte, off int) dirent {
	var d dirent
	d.inum = uint64(util.Readn(data, 8, off))
	copy(d.name[:], data[off+8:off+direntSize])
	return d
}

func (d dirent) encode(data []byte, off int) {
	util.Writen(data, 8, off, int(d.inum))
	copy(data[off+8:off+direntSize], d.name[:])
}

func (d dirent) nameString() string {
	n := 0
	for n < DIRSIZ && d.name[n] != 0 {
		n++
	}
	return string(d.name[:n])
}

func direntWithName(inum uint64, name string) dirent {
	var d dirent
	d.inum = inum
	n := util.Min(len(name), DIRSIZ)
	copy(d.name[:n], name[:n])
	return d
}

// DirLookupOffset scans r's directory entries for name, returning the
// matching inode number and the byte offset of its entry. r must be a
// locked directory.
func (c *Cache) DirLookupOffset(sched lock.SchedCtx, r *Ref, name string) (int, int, defs.Err_t) {
	d := c.Data(r)
	if d.Type != defs.I_DIR {
		return 0, 0, -defs.ENOTDIR
	}
	buf := make([]byte, direntSize)
	for off := 0; uint64(off) < d.Size; off += direntSize {
		n, err := c.Readi(sched, r, buf, off)
		if err != 0 {
			return 0, 0, err
		}
		if n != direntSize {
			return 0, 0, -defs.EIO
		}
		ent := decodeDirent(buf, 0)
		if ent.inum == 0 {
			continue
		}
		if ent.nameString() == name {
			return int(ent.inum), off, 0
		}
	}
	return 0, 0, -defs.ENOENT
}

// DirLookup is DirLookupOffset without the offset.
func (c *Cache) DirLookup(sched lock.SchedCtx, r *Ref, name string) (int, defs.Err_t) {
	inum, _, err := c.DirLookupOffset(sched, r, name)
	return inum, err
}

// DirLink adds a name -> inum entry to r's directory, reusing the first
// empty slot if one exists and appending otherwise. Fails with EEXIST if
// name is already present. The caller must hold an open log transaction.
func (c *Cache) DirLink(sched lock.SchedCtx, r *Ref, name string, inum int) defs.Err_t {
	if _, _, err := c.DirLookupOffset(sched, r, name); err == 0 {
		return -defs.EEXIST
	}
	d := c.Data(r)
	buf := make([]byte, direntSize)
	off := -1
	for o := 0; uint64(o) < d.Size; o += direntSize {
		n, err := c.Readi(sched, r, buf, o)
		if err != 0 {
			return err
		}
		if n != direntSize {
			return -defs.EIO
		}
		if decodeDirent(buf, 0).inum == 0 {
			off = o
			break
		}
	}
	if off == -1 {
		off = int(d.Size)
	}
	ent := direntWithName(uint64(inum), name)
	ent.encode(buf, 0)
	n, err := c.Writei(sched, r, buf, off)
	if err != 0 {
		return err
	}
	if n != direntSize {
		return -defs.EIO
	}
	return 0
}

// isUnlinkable reports whether r (if a directory) contains nothing but
// "." and ".." (spec.md section 4's edge case: unlink of a non-empty
// directory fails).
func (c *Cache) isUnlinkable(sched lock.SchedCtx, r *Ref) (bool, defs.Err_t) {
	d := c.Data(r)
	if d.Type != defs.I_DIR {
		return true, 0
	}
	buf := make([]byte, direntSize)
	for off := 2 * direntSize; uint64(off) < d.Size; off += direntSize {
		n, err := c.Readi(sched, r, buf, off)
		if err != 0 {
			return false, err
		}
		if n != direntSize {
			return false, -defs.EIO
		}
		if decodeDirent(buf, 0).inum != 0 {
			return false, 0
		}
	}
	return true, 0
}

// DirUnlink removes name from r's directory. If the victim is a
// directory, it must be unlinkable (empty save for "." and ".."); both
// the victim's and (for directories) the parent's link counts are
// adjusted. The caller must hold an open log transaction and locks on
// both r and the victim, acquired in DirLookup->Lock order by the
// caller.
func (c *Cache) DirUnlink(sched lock.SchedCtx, r *Ref, victim *Ref, name string) defs.Err_t {
	_, off, err := c.DirLookupOffset(sched, r, name)
	if err != 0 {
		return err
	}
	vd := c.Data(victim)
	if vd.Nlink < 1 {
		panic("DirUnlink: victim has no links")
	}
	ok, err := c.isUnlinkable(sched, victim)
	if err != 0 {
		return err
	}
	if !ok {
		return -defs.ENOTEMPTY
	}
	empty := make([]byte, direntSize)
	n, err := c.Writei(sched, r, empty, off)
	if err != 0 {
		return err
	}
	if n != direntSize {
		return -defs.EIO
	}
	if vd.Type == defs.I_DIR {
		d := c.Data(r)
		d.Nlink--
		if err := c.Update(sched, r); err != 0 {
			return err
		}
	}
	vd.Nlink--
	return c.Update(sched, victim)
}
