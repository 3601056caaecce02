// Package kernel wires every other package in this module into one
// bootable instance: physical memory, the block cache and journal, the
// inode cache, the console device, the process table, and the syscall
// dispatcher's Env bundle. There is no single file in the retrieved pack
// that plays this role directly — biscuit's own main.go and its trap
// stubs are part of the externalized boot-loader/interrupt-controller
// collaborators spec.md section 1 puts out of scope — so this package is
// grounded on the shape every other package already assumes a caller
// will assemble: internal/proc's proc_test.go builds a Table plus a root
// Proc_t by hand, internal/inode's inode_test.go builds a Cache plus a
// Superblock by hand, and this package simply performs that same
// assembly as production boot code instead of as a test fixture.
package kernel

import (
	"fmt"
	"time"

	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/bootcfg"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/disk"
	"github.com/antfarm/goxvkernel/internal/fd"
	"github.com/antfarm/goxvkernel/internal/fsjournal"
	"github.com/antfarm/goxvkernel/internal/inode"
	"github.com/antfarm/goxvkernel/internal/klog"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/mem"
	"github.com/antfarm/goxvkernel/internal/mkfs"
	"github.com/antfarm/goxvkernel/internal/proc"
	"github.com/antfarm/goxvkernel/internal/syscalldisp"
	"github.com/antfarm/goxvkernel/internal/vm"
)

// bootCtx is a throwaway, single-goroutine lock.SchedCtx used only while
// assembling a Kernel, before any process exists to carry one — the same
// role internal/inode's inode_test.go fakeSched plays for its tests:
// every lock touched during boot is uncontended, so Sleep is never
// actually reached.
type bootCtx struct {
	cpu lock.Cpu_t
}

func (b *bootCtx) Cpu() *lock.Cpu_t { return &b.cpu }

func (b *bootCtx) Sleep(ch uintptr, guard *lock.Spinlock_t, cpu *lock.Cpu_t) {
	panic("kernel: unexpected sleep during boot")
}

func (b *bootCtx) Wakeup(ch uintptr) {}

// Kernel is one fully wired, bootable instance: every subsystem plus the
// Env bundle internal/syscalldisp.Dispatch needs to run a syscall on its
// behalf.
type Kernel struct {
	Cfg   bootcfg.Config
	Disk  *disk.Driver
	BC    *bcache.Cache
	Log   *fsjournal.Log
	IC    *inode.Cache
	Sb    *inode.Superblock
	Table *proc.Table
	Env   *syscalldisp.Env
	CPUs  []*lock.Cpu_t
	Init  *proc.Proc_t
}

// Format lays a fresh file system onto cfg's disk image (spec.md section
// 6's layout), the standalone step cmd/biscuitctl's "mkfs" subcommand
// runs before a disk image is ever booted.
func Format(cfg bootcfg.Config) (*inode.Superblock, defs.Err_t) {
	d, err := disk.Open(cfg.DiskImage, bcache.BSIZE, cfg.DiskBlocks)
	if err != nil {
		return nil, -defs.EIO
	}
	defer d.Close()

	sched := &bootCtx{}
	return mkfs.Format(d, sched, mkfs.Options{
		Ninodes:     uint64(cfg.NInode),
		LogBlocks:   cfg.LogBlocks,
		MaxOpBlocks: cfg.MaxOpBlocks,
		NBuf:        cfg.NBuf,
		NInode:      cfg.NInode,
	})
}

// Fsck opens cfg's disk image and runs the journal's recovery pass
// standalone, without booting a scheduler — cmd/biscuitctl's "fsck"
// subcommand, grounded on spec.md section 4.6's "recovery must be
// idempotent and safe to run on an already-consistent log" (testable
// property 5): running it against a clean image is always a no-op.
func Fsck(cfg bootcfg.Config) defs.Err_t {
	d, err := disk.Open(cfg.DiskImage, bcache.BSIZE, cfg.DiskBlocks)
	if err != nil {
		return -defs.EIO
	}
	defer d.Close()

	sched := &bootCtx{}
	bc := bcache.New(d, cfg.NBuf)
	sb, serr := inode.ReadSuperblock(bc, sched)
	if serr != 0 {
		return serr
	}
	log := fsjournal.New(bc, int(sb.LogStart), int(sb.Nlog), cfg.MaxOpBlocks)
	if rerr := log.Recover(sched); rerr != 0 {
		return rerr
	}
	return d.Flush()
}

// Boot brings up every subsystem against an already-formatted disk
// image and spawns the one parentless process (pid 1, "init") running
// entry, the hosted stand-in for a real kernel's first user-mode
// program (spec.md section 4.4's "the first process is special-cased").
// Boot does not itself start the scheduler; call Run once the returned
// Kernel's Init and Env are wired up however the caller needs (a test
// harness inspecting them, a CLI printing a banner, and so on).
func Boot(cfg bootcfg.Config, entry proc.Entry) (*Kernel, defs.Err_t) {
	mem.Init(cfg.MemPages)

	d, derr := disk.Open(cfg.DiskImage, bcache.BSIZE, cfg.DiskBlocks)
	if derr != nil {
		return nil, -defs.EIO
	}

	sched := &bootCtx{}
	bc := bcache.New(d, cfg.NBuf)
	sb, err := inode.ReadSuperblock(bc, sched)
	if err != 0 {
		d.Close()
		return nil, err
	}

	log := fsjournal.New(bc, int(sb.LogStart), int(sb.Nlog), cfg.MaxOpBlocks)
	if err := log.Recover(sched); err != 0 {
		d.Close()
		return nil, err
	}

	ic := inode.New(bc, log, sb, cfg.NInode)
	fd.RegisterConsole()

	rootRef, err := ic.Get(sched, inode.ROOTINO)
	if err != 0 {
		d.Close()
		return nil, err
	}

	rootFile := fd.NewInodeFile(sched, ic, log, rootRef, false)
	cwd := fd.MkRootCwd(&fd.Fd_t{Fops: rootFile, Perms: fd.FD_READ})

	table := proc.NewTable(64)
	fds := fd.NewTable(32)
	consoleIn, cerr := fd.OpenDevice(defs.D_CONSOLE, 0)
	if cerr != 0 {
		d.Close()
		return nil, cerr
	}
	consoleOut, cerr := fd.OpenDevice(defs.D_CONSOLE, 0)
	if cerr != 0 {
		d.Close()
		return nil, cerr
	}
	if _, err := fds.Alloc(&fd.Fd_t{Fops: consoleIn, Perms: fd.FD_READ}, 0); err != 0 {
		d.Close()
		return nil, err
	}
	if _, err := fds.Alloc(&fd.Fd_t{Fops: consoleOut, Perms: fd.FD_WRITE}, 0); err != 0 {
		d.Close()
		return nil, err
	}
	if _, err := fds.Alloc(&fd.Fd_t{Fops: consoleOut, Perms: fd.FD_WRITE}, 0); err != 0 {
		d.Close()
		return nil, err
	}

	as, aerr := vm.NewUserAS()
	if aerr != 0 {
		d.Close()
		return nil, aerr
	}

	init, serr := table.Spawn(as, fds, cwd, entry)
	if serr != 0 {
		d.Close()
		return nil, serr
	}

	env := &syscalldisp.Env{IC: ic, Log: log, Table: table, Boot: time.Now()}

	klog.L().Info("kernel booted", "ncpu", cfg.NCPU, "disk", cfg.DiskImage, "ninode", cfg.NInode)

	return &Kernel{
		Cfg:   cfg,
		Disk:  d,
		BC:    bc,
		Log:   log,
		IC:    ic,
		Sb:    sb,
		Table: table,
		Env:   env,
		Init:  init,
	}, 0
}

// Run starts the configured number of CPU scheduler loops, letting Init
// (and anything it forks) actually execute (spec.md section 4.4's
// per-CPU scheduler loop). It does not block; callers observe progress
// through whatever synchronization their own Entry closures use.
func (k *Kernel) Run() {
	k.CPUs = k.Table.BootCPUs(k.Cfg.NCPU)
}

// Shutdown flushes the backing disk image and closes it. The process
// table and its goroutines are left running; a hosted kernel has no
// real halt instruction to stop them with, so callers that need a clean
// process exit should arrange for every spawned Entry to return on its
// own before calling Shutdown.
func (k *Kernel) Shutdown() error {
	if err := k.Disk.Flush(); err != 0 {
		return fmt.Errorf("kernel: flush on shutdown: %w", err)
	}
	return k.Disk.Close()
}
