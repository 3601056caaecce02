package fd

import (
	"sync"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/fsjournal"
	"github.com/antfarm/goxvkernel/internal/inode"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/stat"
)

// InodeFile is the Fdops_i backing for a regular file or directory,
// grounded on original_source/kernel/src/fs.rs's `impl file::Like for
// Inode` (read/write/stat/close through the inode layer, offset tracked
// per open File rather than per inode).
type InodeFile struct {
	mu      sync.Mutex
	ic      *inode.Cache
	log     *fsjournal.Log
	ref     *inode.Ref
	off     int
	append_ bool
	refcnt  int
}

// NewInodeFile wraps an already-held inode reference in an Fdops_i,
// starting at offset 0 (or end-of-file, if appendMode is set).
func NewInodeFile(sched lock.SchedCtx, ic *inode.Cache, log *fsjournal.Log, ref *inode.Ref, appendMode bool) *InodeFile {
	f := &InodeFile{ic: ic, log: log, ref: ref, append_: appendMode, refcnt: 1}
	if appendMode {
		if err := ic.Lock(sched, ref); err == 0 {
			f.off = int(ic.Data(ref).Size)
			ic.Unlock(sched, ref)
		}
	}
	return f
}

func (f *InodeFile) Read(sched lock.SchedCtx, dst []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ic.Lock(sched, f.ref); err != 0 {
		return 0, err
	}
	n, err := f.ic.Readi(sched, f.ref, dst, f.off)
	f.ic.Unlock(sched, f.ref)
	if err != 0 {
		return 0, err
	}
	f.off += n
	return n, 0
}

func (f *InodeFile) Write(sched lock.SchedCtx, src []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log.BeginOp(sched)
	defer f.log.EndOp(sched)
	if err := f.ic.Lock(sched, f.ref); err != 0 {
		return 0, err
	}
	off := f.off
	if f.append_ {
		off = int(f.ic.Data(f.ref).Size)
	}
	n, err := f.ic.Writei(sched, f.ref, src, off)
	f.ic.Unlock(sched, f.ref)
	if err != 0 {
		return 0, err
	}
	f.off = off + n
	return n, 0
}

func (f *InodeFile) Fstat(sched lock.SchedCtx, st *stat.Stat_t) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ic.Lock(sched, f.ref); err != 0 {
		return err
	}
	d := f.ic.Data(f.ref)
	st.Wino(uint64(f.ref.Inum))
	st.Wmode(uint64(d.Type))
	st.Wsize(d.Size)
	st.Wrdev(defs.Mkdev(int(d.Major), int(d.Minor)))
	f.ic.Unlock(sched, f.ref)
	return 0
}

func (f *InodeFile) Close(sched lock.SchedCtx) defs.Err_t {
	f.mu.Lock()
	f.refcnt--
	last := f.refcnt == 0
	f.mu.Unlock()
	if !last {
		return 0
	}
	f.log.BeginOp(sched)
	err := f.ic.Put(sched, f.ref)
	f.log.EndOp(sched)
	return err
}

func (f *InodeFile) Reopen(sched lock.SchedCtx) defs.Err_t {
	f.mu.Lock()
	f.refcnt++
	f.mu.Unlock()
	return 0
}

// Lseek implements the SEEK_SET/SEEK_CUR/SEEK_END cases of spec.md
// section 7's lseek, reading the inode's current size for SEEK_END.
func (f *InodeFile) Lseek(sched lock.SchedCtx, off int, whence int) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case defs.SEEK_SET:
		f.off = off
	case defs.SEEK_CUR:
		f.off += off
	case defs.SEEK_END:
		if err := f.ic.Lock(sched, f.ref); err != 0 {
			return 0, err
		}
		size := int(f.ic.Data(f.ref).Size)
		f.ic.Unlock(sched, f.ref)
		f.off = size + off
	default:
		return 0, -defs.EINVAL
	}
	if f.off < 0 {
		f.off = 0
		return 0, -defs.EINVAL
	}
	return f.off, 0
}

// Inum returns the backing inode number; the syscall dispatcher uses it
// to find the inode a process's working directory refers to.
func (f *InodeFile) Inum() int { return f.ref.Inum }
