// Package lock implements the kernel's two lock flavors (spec.md section
// 4.3): a busy-waiting Spinlock_t that disables "interrupts" on the
// current simulated CPU for its hold, and a Sleeplock_t built on top of
// one spinlock plus the process scheduler's sleep/wakeup primitive.
//
// Sleeplock_t cannot import the proc package directly (proc's process
// table is itself guarded by a Spinlock_t), so it depends only on the
// Sleeper interface; proc.Proc_t implements it. This mirrors the
// teacher's habit of decoupling subsystems behind small `_i` interfaces
// (fs.Blockmem_i, fs.Disk_i in biscuit/src/fs/blk.go).
package lock

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/antfarm/goxvkernel/internal/defs"
)

// Cpu_t is the per-simulated-CPU bookkeeping spec.md section 3 calls the
// "per-CPU block": here it tracks only the interrupt-disable nesting
// depth and identity needed to enforce spinlock discipline, since this
// kernel has no real interrupt controller to mask.
type Cpu_t struct {
	ID     int
	ncli   int
	intena bool
}

// Pushcli increments the interrupt-disable nesting depth, recording the
// pre-push enabled state the first time (spec.md section 4.3).
func (c *Cpu_t) Pushcli(wasEnabled bool) {
	if c.ncli == 0 {
		c.intena = wasEnabled
	}
	c.ncli++
}

// Popcli decrements the nesting depth and reports whether interrupts
// should be re-enabled (depth dropped to zero and they were enabled
// before the first push).
func (c *Cpu_t) Popcli() bool {
	if c.ncli <= 0 {
		panic("popcli: not held")
	}
	c.ncli--
	return c.ncli == 0 && c.intena
}

// Spinlock_t is a mutual-exclusion lock that spins rather than parking a
// goroutine, matching spec.md's busy-wait spinlock. Reentrant acquire
// from the same simulated CPU is a fatal error, exactly as the design
// specifies.
type Spinlock_t struct {
	held  int32
	owner *Cpu_t
}

// Holding reports whether cpu currently owns the lock.
func (l *Spinlock_t) Holding(cpu *Cpu_t) bool {
	return atomic.LoadInt32(&l.held) != 0 && l.owner == cpu
}

// Acquire busy-waits for the lock, pushing an interrupt-disable frame on
// cpu for the duration of the hold.
func (l *Spinlock_t) Acquire(cpu *Cpu_t) {
	cpu.Pushcli(true)
	if l.Holding(cpu) {
		panic("spinlock: reentrant acquire")
	}
	for !atomic.CompareAndSwapInt32(&l.held, 0, 1) {
		runtime.Gosched()
	}
	l.owner = cpu
}

// Release releases the lock and pops the interrupt-disable frame.
func (l *Spinlock_t) Release(cpu *Cpu_t) {
	if !l.Holding(cpu) {
		panic("spinlock: release by non-owner")
	}
	l.owner = nil
	atomic.StoreInt32(&l.held, 0)
	cpu.Popcli()
}

// Sleeper is implemented by the process table (proc.Proc_t) to provide
// the channel sleep/wakeup primitive that a sleeplock parks on. The chan
// parameter is an opaque identity, per spec.md's GLOSSARY definition of
// "channel": "an opaque integer identity ... used to match sleepers with
// wakers" — here the address of the sleeplock itself.
type Sleeper interface {
	Sleep(ch uintptr, guard *Spinlock_t, cpu *Cpu_t)
}

// Waker is implemented by whatever owns the process table's wakeup path.
type Waker interface {
	Wakeup(ch uintptr)
}

// SchedCtx bundles Sleeper and Waker plus the calling CPU's bookkeeping
// block, the handle every blocking subsystem call (block cache fetch,
// inode lock, pipe read/write) takes so it can park the caller without
// importing the process package directly.
type SchedCtx interface {
	Sleeper
	Waker
	Cpu() *Cpu_t
}

// Sleeplock_t is a mutex that yields the CPU instead of spinning,
// built from one spinlock plus a boolean and owner, per spec.md section
// 4.3.
type Sleeplock_t struct {
	guard  Spinlock_t
	locked bool
	owner  defs.Pid_t
}

// Chan returns the sleeplock's own address, used as its wait channel
// (spec.md section 4.3: "call the process sleep primitive on the
// sleep-lock's own address as channel").
func (sl *Sleeplock_t) Chan() uintptr {
	return uintptr(unsafe.Pointer(sl))
}

// Acquire blocks (via sleeper.Sleep) until the lock is free, then takes
// it, recording owner as the current holder for diagnostics.
func (sl *Sleeplock_t) Acquire(sleeper Sleeper, cpu *Cpu_t, owner defs.Pid_t) {
	sl.guard.Acquire(cpu)
	for sl.locked {
		sleeper.Sleep(sl.Chan(), &sl.guard, cpu)
	}
	sl.locked = true
	sl.owner = owner
	sl.guard.Release(cpu)
}

// Release clears the lock and wakes all waiters on its channel.
func (sl *Sleeplock_t) Release(waker Waker, cpu *Cpu_t) {
	sl.guard.Acquire(cpu)
	sl.locked = false
	sl.owner = 0
	sl.guard.Release(cpu)
	waker.Wakeup(sl.Chan())
}

// Holder returns the pid currently holding the lock, or 0.
func (sl *Sleeplock_t) Holder() defs.Pid_t { return sl.owner }
