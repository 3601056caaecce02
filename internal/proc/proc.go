// Package proc implements the process table and the cooperative,
// per-CPU scheduler built on top of it (spec.md section 4.4), plus
// fork/exit/wait/kill and the sleep/wakeup primitive every blocking
// subsystem call (block cache fetch, inode sleep lock, pipe read/write,
// journal begin-op) ultimately parks on.
//
// There is no biscuit/src/proc source in the retrieved pack (only its
// go.mod survived retrieval), so this package is grounded directly on
// spec.md section 4.4 and on original_source/kernel/src/proc.rs, the
// xv6-style Rust original this spec was distilled from — translated
// into the teacher's own struct-plus-methods idiom (Spinlock_t/
// Sleeplock_t locking, Err_t returns, the lock.SchedCtx decoupling
// interface already established by internal/lock, internal/bcache, and
// internal/fsjournal) rather than ported line-for-line.
//
// The one deliberate, documented substitution: a real kernel's context
// switch saves and restores callee-saved registers across two stacks
// belonging to the same CPU. This kernel is hosted inside a single Go
// process with no registers or stacks of its own to swap, so each
// process instead gets its own goroutine, and "switching into" it is a
// handoff over a pair of unbuffered channels (resumeSig/yieldSig)
// between that goroutine and the CPU worker goroutine that picked it.
// The process-table spinlock's hold/release discipline around that
// handoff is preserved exactly as spec.md describes it (acquired by
// whichever side is about to hand control away, held across the
// handoff, released by whichever side receives control next) — only
// the mechanism one side uses to "return" to the other changed, from a
// register swap to a channel receive.
package proc

import (
	"sync/atomic"
	"unsafe"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/fd"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/mem"
	"github.com/antfarm/goxvkernel/internal/vm"
)

// Entry is the body a scheduled process runs: the hosted-simulation
// stand-in for user-mode code, since this kernel has no real ring-3 to
// resume into (SPEC_FULL.md's out-of-scope "user-space libc"
// collaborator). It is handed the process and the SchedCtx view of it
// to make syscalls with.
type Entry func(p *Proc_t, sched lock.SchedCtx)

// Proc_t is one process-table slot (spec.md section 3's process
// control block). A zero-value Proc_t is UNUSED.
type Proc_t struct {
	table *Table

	state  defs.Procstate_t
	pid    defs.Pid_t
	parent *Proc_t
	killed atomicBool

	as   *vm.AddrSpace
	size uintptr

	kstackPA mem.Pa_t

	fds *fd.Table
	cwd *fd.Cwd_t

	chanWait uintptr // valid only while state == SLEEPING

	cpu *lock.Cpu_t // assigned by the scheduler while RUNNING

	entryFn Entry

	resumeSig chan struct{}
	yieldSig  chan struct{}
}

func (p *Proc_t) initialized() bool { return p.state != defs.UNUSED }

// Pid returns the process's identifier.
func (p *Proc_t) Pid() defs.Pid_t { return p.pid }

// State returns the process's current lifecycle state.
func (p *Proc_t) State() defs.Procstate_t { return p.state }

// AddrSpace returns the process's address space.
func (p *Proc_t) AddrSpace() *vm.AddrSpace { return p.as }

// SetAddrSpace installs a new address space, replacing whatever the
// process had before without freeing it (exec's job: the caller frees
// the old address space itself only after confirming the new one loaded
// successfully, per spec.md section 4.8's "failed exec must not disturb
// the caller").
func (p *Proc_t) SetAddrSpace(as *vm.AddrSpace) { p.as = as }

// Fds returns the process's open-file-descriptor table.
func (p *Proc_t) Fds() *fd.Table { return p.fds }

// Cwd returns the process's current-working-directory tracker.
func (p *Proc_t) Cwd() *fd.Cwd_t { return p.cwd }

// SetCwd replaces the process's current-working-directory tracker
// (chdir's job once namei has resolved and opened the new directory).
func (p *Proc_t) SetCwd(cwd *fd.Cwd_t) { p.cwd = cwd }

// Size returns the process's current user address-space extent, the
// value sbrk grows.
func (p *Proc_t) Size() uintptr { return p.size }

// SetSize records a new user address-space extent after sbrk has grown
// or shrunk it.
func (p *Proc_t) SetSize(sz uintptr) { p.size = sz }

// Killed reports whether kill() has been called on this process. Every
// blocking loop must recheck this after waking (spec.md section 4.11's
// "every sleep site must recheck the condition and the killed flag").
func (p *Proc_t) Killed() bool { return p.killed.get() }

// AsChan is the opaque wait-channel identity a parent sleeps on while
// waiting for this process to become a ZOMBIE, and the identity exit()
// wakes (spec.md's "sleep on a structure's own address" idiom, applied
// to a process the way internal/fsjournal and internal/lock's
// Sleeplock_t apply it to themselves).
func (p *Proc_t) AsChan() uintptr { return uintptr(unsafe.Pointer(p)) }

// Cpu implements lock.SchedCtx, returning the CPU this process is
// currently assigned to. Valid only while RUNNING or while executing
// kernel code on behalf of a syscall (i.e. always, from the process's
// own goroutine's point of view).
func (p *Proc_t) Cpu() *lock.Cpu_t { return p.cpu }

// Sleep implements lock.Sleeper: p gives up the CPU until something
// calls Wakeup(ch) or kill() flips it back to RUNNABLE directly
// (spec.md section 4.4's sleep/wakeup, including the documented
// deviation that kill does not itself call wakeup).
func (p *Proc_t) Sleep(ch uintptr, guard *lock.Spinlock_t, cpu *lock.Cpu_t) {
	lockProcs := guard != &p.table.mu
	if lockProcs {
		p.table.mu.Acquire(cpu)
		guard.Release(cpu)
	}
	p.chanWait = ch
	p.state = defs.SLEEPING
	p.sched(cpu)
	p.chanWait = 0
	if lockProcs {
		p.table.mu.Release(cpu)
		guard.Acquire(cpu)
	}
}

// Wakeup implements lock.Waker: every SLEEPING slot waiting on ch
// becomes RUNNABLE (spec.md section 4.4's wakeup: "under the
// process-table lock, every slot sleeping on this channel").
func (p *Proc_t) Wakeup(ch uintptr) {
	p.table.wakeupUsing(ch, p.cpu)
}

// sched hands control from p's goroutine back to whichever CPU worker
// is running it, and blocks until that worker (or a later one) hands
// control back. Callers must already hold the process-table lock and
// must not be RUNNING.
func (p *Proc_t) sched(cpu *lock.Cpu_t) {
	if !p.table.mu.Holding(cpu) {
		panic("proc: sched called without the process-table lock held")
	}
	if p.state == defs.RUNNING {
		panic("proc: sched called while still RUNNING")
	}
	p.yieldSig <- struct{}{}
	<-p.resumeSig
}

// Yield voluntarily gives up the CPU, marking self RUNNABLE and
// re-entering the scheduler (spec.md section 4.4's "trap-return hook:
// if the current process is still RUNNING ... calls yield").
func (p *Proc_t) Yield() {
	cpu := p.cpu
	p.table.mu.Acquire(cpu)
	p.state = defs.RUNNABLE
	p.sched(cpu)
	p.table.mu.Release(cpu)
}

// runLoop is the permanent goroutine backing one process slot's
// lifetime: it waits to be scheduled for the first time, runs the
// process's Entry to completion, and ensures every process but init has
// exited before handing control back to the scheduler for the last time.
func (p *Proc_t) runLoop() {
	<-p.resumeSig
	// forkret/firstret's first act: release the process-table lock the
	// scheduler handed off, so normal kernel code (which acquires it
	// itself wherever it needs to) doesn't deadlock against its own CPU.
	p.table.mu.Release(p.cpu)

	p.entryFn(p, p)

	if p.state != defs.ZOMBIE && p != p.table.init {
		// Entry fell off the end without calling exit: treat it as
		// exit(0), same as a real process's main returning. init is
		// skipped, since Exit panics for it: its slot stays RUNNING
		// after the hand-back below and is never scheduled again.
		p.table.Exit(p, p, 0)
	}

	// Restore the "returns with the process-table lock held" invariant
	// the CPU worker's loop relies on before handing control back for
	// good; this goroutine never runs again.
	p.table.mu.Acquire(p.cpu)
	p.yieldSig <- struct{}{}
}

// atomicBool mirrors original_source/kernel/src/proc.rs's use of an
// AtomicBool for the killed flag: it is written under the process-table
// lock by kill() but read by the owning process's own goroutine without
// necessarily holding that lock, so a plain bool would be a real data
// race rather than just a benign one.
type atomicBool struct{ v atomic.Bool }

func (b *atomicBool) set(val bool) { b.v.Store(val) }
func (b *atomicBool) get() bool    { return b.v.Load() }
