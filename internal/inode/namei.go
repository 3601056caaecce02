package inode

import (
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/ustr"
)

// walk resolves path from startInum, returning a locked-then-unlocked
// reference to the final inode. Each intermediate directory is locked
// only long enough to perform one DirLookup, mirroring
// original_source/kernel/src/fs.rs's namex.
func (c *Cache) walk(sched lock.SchedCtx, startInum int, path string) (*Ref, defs.Err_t) {
	comps := ustr.Ustr(path).Split()
	r, err := c.Get(sched, startInum)
	if err != 0 {
		return nil, err
	}
	for _, comp := range comps {
		if err := c.Lock(sched, r); err != 0 {
			return nil, err
		}
		if c.Data(r).Type != defs.I_DIR {
			c.Unlock(sched, r)
			c.Put(sched, r)
			return nil, -defs.ENOTDIR
		}
		inum, err := c.DirLookup(sched, r, comp.String())
		c.Unlock(sched, r)
		if err != 0 {
			c.Put(sched, r)
			return nil, err
		}
		next, err := c.Get(sched, inum)
		c.Put(sched, r)
		if err != 0 {
			return nil, err
		}
		r = next
	}
	return r, 0
}

// Namei resolves path to a cache reference, starting from cwdInum when
// path is relative or ROOTINO when it begins with "/" (spec.md section
// 4.7's namei). The returned Ref is unlocked.
func (c *Cache) Namei(sched lock.SchedCtx, cwdInum int, path string) (*Ref, defs.Err_t) {
	if len(path) == 0 {
		return nil, -defs.ENOENT
	}
	start := cwdInum
	if ustr.Ustr(path).IsAbsolute() {
		start = ROOTINO
	}
	return c.walk(sched, start, path)
}

// splitName divides path into its parent directory path and final
// component, e.g. "a/b/c" -> ("a/b", "c"), "c" -> ("", "c").
func splitName(path string) (string, string) {
	last := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			last = i
		}
	}
	if last == -1 {
		return "", path
	}
	return path[:last], path[last+1:]
}

// NameiParent resolves path's parent directory, returning it (unlocked)
// alongside the final path component's name.
func (c *Cache) NameiParent(sched lock.SchedCtx, cwdInum int, path string) (*Ref, string, defs.Err_t) {
	if len(path) == 0 {
		return nil, "", -defs.ENOENT
	}
	dir, name := splitName(path)
	if len(name) == 0 || len(name) > DIRSIZ {
		return nil, "", -defs.ENAMETOOLONG
	}
	start := cwdInum
	if ustr.Ustr(path).IsAbsolute() {
		start = ROOTINO
	}
	if len(dir) == 0 {
		r, err := c.Get(sched, start)
		return r, name, err
	}
	r, err := c.walk(sched, start, dir)
	return r, name, err
}

// Create resolves path's parent, allocates a new inode of the given
// type if name is not already present, links it into the parent, and
// returns it locked (spec.md section 4.7's create, combined with
// section 4's "mkdir bootstraps . and .. before linking into the
// parent"). For an existing plain file this returns the existing inode
// instead of erroring, matching original_source's create(). The caller
// must hold an open log transaction.
func (c *Cache) Create(sched lock.SchedCtx, cwdInum int, path string, typ uint32, major, minor int) (*Ref, defs.Err_t) {
	dp, name, err := c.NameiParent(sched, cwdInum, path)
	if err != 0 {
		return nil, err
	}
	if err := c.Lock(sched, dp); err != 0 {
		c.Put(sched, dp)
		return nil, err
	}
	if inum, lerr := c.DirLookup(sched, dp, name); lerr == 0 {
		c.Unlock(sched, dp)
		c.Put(sched, dp)
		r, err := c.Get(sched, inum)
		if err != 0 {
			return nil, err
		}
		if err := c.Lock(sched, r); err != 0 {
			c.Put(sched, r)
			return nil, err
		}
		if typ != defs.I_FILE || c.Data(r).Type != defs.I_FILE {
			c.Unlock(sched, r)
			c.Put(sched, r)
			return nil, -defs.EEXIST
		}
		return r, 0
	}

	ip, err := c.Ialloc(sched, typ)
	if err != 0 {
		c.Unlock(sched, dp)
		c.Put(sched, dp)
		return nil, err
	}
	d := c.Data(ip)
	d.Nlink = 1
	if typ == defs.I_DEV {
		d.Major = uint32(major)
		d.Minor = uint32(minor)
	}
	if err := c.Update(sched, ip); err != 0 {
		c.Unlock(sched, ip)
		c.Put(sched, ip)
		c.Unlock(sched, dp)
		c.Put(sched, dp)
		return nil, err
	}

	if typ == defs.I_DIR {
		dpd := c.Data(dp)
		dpd.Nlink++
		if err := c.Update(sched, dp); err != 0 {
			c.Unlock(sched, ip)
			c.Put(sched, ip)
			c.Unlock(sched, dp)
			c.Put(sched, dp)
			return nil, err
		}
		if err := c.DirLink(sched, ip, ".", ip.Inum); err != 0 {
			panic("Create: dirlink . failed")
		}
		if err := c.DirLink(sched, ip, "..", dp.Inum); err != 0 {
			panic("Create: dirlink .. failed")
		}
	}

	if err := c.DirLink(sched, dp, name, ip.Inum); err != 0 {
		c.Unlock(sched, ip)
		c.Put(sched, ip)
		c.Unlock(sched, dp)
		c.Put(sched, dp)
		return nil, err
	}

	c.Unlock(sched, dp)
	c.Put(sched, dp)
	return ip, 0
}
