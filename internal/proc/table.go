package proc

import (
	"runtime"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/fd"
	"github.com/antfarm/goxvkernel/internal/klog"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/mem"
	"github.com/antfarm/goxvkernel/internal/vm"
)

// Table is the fixed-size process table (spec.md section 3: "process
// table: fixed array of NPROC slots") and the lock that guards every
// slot's state, parent pointer, and sleep channel.
type Table struct {
	mu    lock.Spinlock_t
	procs []*Proc_t
	nextP defs.Pid_t
	init  *Proc_t
}

// NewTable allocates an empty table of n process slots.
func NewTable(n int) *Table {
	t := &Table{procs: make([]*Proc_t, n), nextP: 1}
	for i := range t.procs {
		t.procs[i] = &Proc_t{}
	}
	return t
}

func (t *Table) findRunnableLocked() *Proc_t {
	for _, p := range t.procs {
		if p.state == defs.RUNNABLE {
			return p
		}
	}
	return nil
}

// RunCPU runs one per-CPU scheduler loop forever, scanning for a
// RUNNABLE process, handing it the CPU, and waiting for it to yield
// back (spec.md section 4.4's scheduler loop). Callers spawn NCPU of
// these as goroutines at boot.
func (t *Table) RunCPU(cpu *lock.Cpu_t) {
	for {
		t.mu.Acquire(cpu)
		p := t.findRunnableLocked()
		if p == nil {
			t.mu.Release(cpu)
			runtime.Gosched()
			continue
		}
		p.cpu = cpu
		p.state = defs.RUNNING
		p.resumeSig <- struct{}{}
		<-p.yieldSig
		p.cpu = nil
		t.mu.Release(cpu)
	}
}

// Alloc finds a free slot, marks it EMBRYO, and gives it a kernel
// stack page and a pid (spec.md section 4.4's alloc). The returned
// process's own goroutine is already running, parked waiting to be
// scheduled.
func (t *Table) Alloc(cpu *lock.Cpu_t) (*Proc_t, defs.Err_t) {
	t.mu.Acquire(cpu)
	var p *Proc_t
	for _, cand := range t.procs {
		if cand.state == defs.UNUSED {
			p = cand
			break
		}
	}
	if p == nil {
		t.mu.Release(cpu)
		return nil, -defs.EAGAIN
	}
	p.state = defs.EMBRYO
	pid := t.nextP
	t.nextP++
	t.mu.Release(cpu)

	kpa, _, ok := mem.Phys.Alloc()
	if !ok {
		t.mu.Acquire(cpu)
		p.state = defs.UNUSED
		t.mu.Release(cpu)
		return nil, -defs.ENOMEM
	}

	p.table = t
	p.pid = pid
	p.kstackPA = kpa
	p.parent = nil
	p.killed.set(false)
	p.as = nil
	p.size = 0
	p.fds = nil
	p.cwd = nil
	p.resumeSig = make(chan struct{})
	p.yieldSig = make(chan struct{})
	go p.runLoop()
	return p, 0
}

// freeLocked returns a reaped ZOMBIE's resources and resets its slot to
// UNUSED. Caller holds t.mu.
func (t *Table) freeLocked(p *Proc_t) {
	mem.Phys.Free(p.kstackPA)
	*p = Proc_t{}
}

// Fork creates a child of parent sharing no memory (a private copy of
// its address space) but inheriting its open files and working
// directory (spec.md section 4.4's fork). Since this kernel has no
// user-mode binary to resume the child into, the caller supplies
// childEntry: the hosted-simulation stand-in for "the child returns
// from the fork syscall with 0" — childEntry is that continuation.
func (t *Table) Fork(parent *Proc_t, sched lock.SchedCtx, childEntry Entry) (defs.Pid_t, defs.Err_t) {
	cpu := sched.Cpu()
	child, err := t.Alloc(cpu)
	if err != 0 {
		return 0, err
	}

	childAS, aerr := parent.as.Dup(parent.size)
	if aerr != 0 {
		t.mu.Acquire(cpu)
		t.freeLocked(child)
		t.mu.Release(cpu)
		return 0, aerr
	}

	childFds, ferr := parent.fds.Fork(sched)
	if ferr != 0 {
		childAS.Free()
		t.mu.Acquire(cpu)
		t.freeLocked(child)
		t.mu.Release(cpu)
		return 0, ferr
	}

	childCwdFd, cerr := fd.Copyfd(sched, parent.cwd.Fd)
	if cerr != 0 {
		for _, f := range childFds.All() {
			if f != nil {
				f.Fops.Close(sched)
			}
		}
		childAS.Free()
		t.mu.Acquire(cpu)
		t.freeLocked(child)
		t.mu.Release(cpu)
		return 0, cerr
	}

	child.as = childAS
	child.size = parent.size
	child.fds = childFds
	child.cwd = &fd.Cwd_t{Fd: childCwdFd, Path: parent.cwd.Path}
	child.entryFn = childEntry

	t.mu.Acquire(cpu)
	child.parent = parent
	child.state = defs.RUNNABLE
	pid := child.pid
	t.mu.Release(cpu)

	klog.L().V(1).Info("fork", "parent", parent.pid, "child", pid)
	return pid, 0
}

// Exit tears down p's open files and address space, reparents its
// children to init, wakes its parent (and init, for any reparented
// ZOMBIEs), and marks p ZOMBIE for its parent to reap via Wait
// (spec.md section 4.4's exit). init itself must never exit.
func (t *Table) Exit(p *Proc_t, sched lock.SchedCtx, code int) {
	if p == t.init {
		panic("proc: init exiting")
	}
	cpu := sched.Cpu()

	for _, f := range p.fds.All() {
		if f != nil {
			f.Fops.Close(sched)
		}
	}
	p.cwd.Fd.Fops.Close(sched)
	p.as.Free()

	t.mu.Acquire(cpu)
	for _, cand := range t.procs {
		if cand.initialized() && cand.parent == p {
			cand.parent = t.init
			if cand.state == defs.ZOMBIE {
				sched.Wakeup(t.init.AsChan())
			}
		}
	}
	sched.Wakeup(p.parent.AsChan())
	p.state = defs.ZOMBIE
	t.mu.Release(cpu)

	klog.L().V(1).Info("exit", "pid", p.pid, "code", code)
}

// Wait blocks until one of p's children becomes a ZOMBIE, reaps it, and
// returns its pid (spec.md section 4.4's wait). It fails with ECHILD if
// p has no children, or is itself killed while waiting.
func (t *Table) Wait(p *Proc_t, sched lock.SchedCtx) (defs.Pid_t, defs.Err_t) {
	cpu := sched.Cpu()
	t.mu.Acquire(cpu)
	for {
		haveKids := false
		for _, cand := range t.procs {
			if !cand.initialized() || cand.parent != p {
				continue
			}
			haveKids = true
			if cand.state == defs.ZOMBIE {
				pid := cand.pid
				t.freeLocked(cand)
				t.mu.Release(cpu)
				return pid, 0
			}
		}
		if !haveKids || p.Killed() {
			t.mu.Release(cpu)
			return 0, -defs.ECHILD
		}
		p.Sleep(p.AsChan(), &t.mu, cpu)
	}
}

// Kill marks the process with pid killed and, if it is currently
// SLEEPING, moves it straight to RUNNABLE without calling wakeup on its
// channel (spec.md section 4.11's documented deviation: kill does not
// itself wake anyone; it relies on the process's own sleep loop to
// notice the killed flag once it is next scheduled for any reason).
func (t *Table) Kill(pid defs.Pid_t, cpu *lock.Cpu_t) defs.Err_t {
	t.mu.Acquire(cpu)
	defer t.mu.Release(cpu)
	for _, p := range t.procs {
		if p.initialized() && p.pid == pid {
			p.killed.set(true)
			if p.state == defs.SLEEPING {
				p.state = defs.RUNNABLE
			}
			return 0
		}
	}
	return -defs.ESRCH
}

// DieIfDead exits p with status 1 if it has been killed, the
// post-syscall-dispatch check spec.md section 4.11 requires ("if the
// current process is dead, call exit"). Call sites that return to a
// user-mode equivalent after every syscall should call this.
func (t *Table) DieIfDead(p *Proc_t, sched lock.SchedCtx) {
	if p.Killed() {
		t.Exit(p, sched, 1)
	}
}

// wakeupUsing marks every SLEEPING process waiting on ch RUNNABLE,
// acquiring the process-table lock itself (spec.md section 4.4's
// wakeup). cpu is the identity of whichever simulated CPU is currently
// running the caller.
func (t *Table) wakeupUsing(ch uintptr, cpu *lock.Cpu_t) {
	t.mu.Acquire(cpu)
	for _, p := range t.procs {
		if p.state == defs.SLEEPING && p.chanWait == ch {
			p.state = defs.RUNNABLE
		}
	}
	t.mu.Release(cpu)
}

// Spawn creates the one process with no parent (init, pid 1), wiring
// it directly to an address space and descriptor table the boot
// sequence has already built, rather than duplicating a parent's
// (spec.md section 4.4's "the first process is special-cased: its
// address space and file table are built directly by the boot
// sequence rather than inherited"). It must be called exactly once. The
// RunCPU loops may already be running: the process is marked RUNNABLE,
// under the process-table lock, only once it is fully wired up.
func (t *Table) Spawn(as *vm.AddrSpace, fds *fd.Table, cwd *fd.Cwd_t, entry Entry) (*Proc_t, defs.Err_t) {
	bootCPU := &lock.Cpu_t{}
	p, err := t.Alloc(bootCPU)
	if err != 0 {
		return nil, err
	}
	p.as = as
	p.size = as.Size
	p.fds = fds
	p.cwd = cwd
	p.entryFn = entry

	t.mu.Acquire(bootCPU)
	p.parent = nil
	p.state = defs.RUNNABLE
	t.init = p
	t.mu.Release(bootCPU)
	return p, 0
}

// BootCPUs starts n independent scheduler-loop goroutines, one per
// simulated CPU (spec.md section 5: "true parallel threads across
// CPUs plus per-CPU cooperative rescheduling").
func (t *Table) BootCPUs(n int) []*lock.Cpu_t {
	cpus := make([]*lock.Cpu_t, n)
	for i := range cpus {
		cpus[i] = &lock.Cpu_t{ID: i}
		go t.RunCPU(cpus[i])
	}
	return cpus
}

// Lookup returns the process with pid, or nil.
func (t *Table) Lookup(pid defs.Pid_t) *Proc_t {
	for _, p := range t.procs {
		if p.initialized() && p.pid == pid {
			return p
		}
	}
	return nil
}
