// Package fd implements the file-descriptor layer: the Fdops_i tagged
// union that unifies inodes, devices, and pipe ends behind one
// interface, the current-working-directory tracker, and per-process
// descriptor tables. Grounded on biscuit/src/fd/fd.go (Fd_t, Copyfd,
// Cwd_t) and original_source/kernel/src/file.rs (File's dup/close
// refcounting, OpenFlags).
package fd

import (
	"sync"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/stat"
	"github.com/antfarm/goxvkernel/internal/ustr"
)

// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fdops_i is the operation set every open-file backing (inode, device,
// pipe end) implements; Fd_t holds one by interface value so the rest
// of the kernel never type-switches on what kind of file it has open.
type Fdops_i interface {
	Read(sched lock.SchedCtx, dst []byte) (int, defs.Err_t)
	Write(sched lock.SchedCtx, src []byte) (int, defs.Err_t)
	Fstat(sched lock.SchedCtx, st *stat.Stat_t) defs.Err_t
	Close(sched lock.SchedCtx) defs.Err_t
	Reopen(sched lock.SchedCtx) defs.Err_t
}

// Fd_t represents one entry in a process's open-file table.
type Fd_t struct {
	Fops  Fdops_i
	Perms int
}

// Copyfd duplicates an open file descriptor by reopening its backing
// object (bumping its reference count rather than cloning state).
func Copyfd(sched lock.SchedCtx, f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(sched); err != 0 {
		return nil, err
	}
	return nfd, 0
}

// ClosePanic closes f and panics if the backing object reports an
// error, for call sites where close is expected to always succeed
// (spec.md's kernel-internal cleanup paths).
func ClosePanic(sched lock.SchedCtx, f *Fd_t) {
	if err := f.Fops.Close(sched); err != 0 {
		panic("fd: close must succeed")
	}
}

// Cwd_t tracks a process's current working directory: an open fd on
// the directory plus its canonical path, serialized against concurrent
// chdir.
type Cwd_t struct {
	sync.Mutex
	Fd   *Fd_t
	Path ustr.Ustr
}

// Fullpath joins cwd with p unless p is already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	if p.IsAbsolute() {
		return p
	}
	return cwd.Path.Extend(p)
}

// Canonicalpath resolves p relative to cwd and collapses "."/"..".
func (cwd *Cwd_t) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return ustr.Canonicalize(cwd.Fullpath(p))
}

// MkRootCwd builds a Cwd_t rooted at "/" over fd (the root directory's
// open descriptor).
func MkRootCwd(fd *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: fd, Path: ustr.MkUstrRoot()}
}

// Table is a process's fixed-size open-file-descriptor table (spec.md
// section 3: "per-process descriptor table, small fixed array").
type Table struct {
	mu   sync.Mutex
	fds  []*Fd_t
}

// NewTable builds an empty descriptor table of n slots.
func NewTable(n int) *Table {
	return &Table{fds: make([]*Fd_t, n)}
}

// Alloc installs f in the first free slot at or after lowest, returning
// its descriptor number (spec.md's open()/dup() "lowest available fd").
func (t *Table) Alloc(f *Fd_t, lowest int) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := lowest; i < len(t.fds); i++ {
		if t.fds[i] == nil {
			t.fds[i] = f
			return i, 0
		}
	}
	return 0, -defs.EMFILE
}

// Get returns the fd at descriptor n, or nil if unopened/out of range.
func (t *Table) Get(n int) *Fd_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n >= len(t.fds) {
		return nil
	}
	return t.fds[n]
}

// Close clears descriptor n and returns the Fd_t that was there, if
// any, so the caller can invoke its Fops.Close outside the table lock.
func (t *Table) Close(n int) *Fd_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 0 || n >= len(t.fds) {
		return nil
	}
	f := t.fds[n]
	t.fds[n] = nil
	return f
}

// Set installs f directly at descriptor n and returns whatever was
// previously there without closing it (used by dup2-style replacement).
func (t *Table) Set(n int, f *Fd_t) *Fd_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.fds[n]
	t.fds[n] = f
	return old
}

// All returns a snapshot of every slot (nil or not), for callers that
// need to close every open descriptor on process teardown (spec.md
// section 4.4's exit: "close every open file descriptor").
func (t *Table) All() []*Fd_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Fd_t, len(t.fds))
	copy(out, t.fds)
	return out
}

// Fork duplicates every open descriptor into a fresh table of the same
// size, reopening each backing object (spec.md's fork(): "child inherits
// the parent's open file descriptors").
func (t *Table) Fork(sched lock.SchedCtx) (*Table, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := NewTable(len(t.fds))
	for i, f := range t.fds {
		if f == nil {
			continue
		}
		nf, err := Copyfd(sched, f)
		if err != 0 {
			for j := 0; j < i; j++ {
				if nt.fds[j] != nil {
					nt.fds[j].Fops.Close(sched)
				}
			}
			return nil, err
		}
		nt.fds[i] = nf
	}
	return nt, 0
}
