package proc_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/fd"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/mem"
	"github.com/antfarm/goxvkernel/internal/proc"
	"github.com/antfarm/goxvkernel/internal/stat"
	"github.com/antfarm/goxvkernel/internal/vm"
)

// Every test in this file spawns at least one process, and Spawn needs a
// user address space, so the simulated physical arena (internal/mem's
// package-wide singleton) must be brought up before any of them run, the
// same way internal/kernel.Boot calls mem.Init before its first
// vm.NewUserAS.
func init() {
	mem.Init(4096)
}

// nullFd is a no-op Fdops_i good enough to anchor a Cwd_t in tests that
// never touch the file system, mirroring fakeSched's role in
// internal/inode's tests of standing in for a collaborator this
// package doesn't otherwise need.
type nullFd struct{ refcnt int }

func (n *nullFd) Read(sched lock.SchedCtx, dst []byte) (int, defs.Err_t)  { return 0, 0 }
func (n *nullFd) Write(sched lock.SchedCtx, src []byte) (int, defs.Err_t) { return len(src), 0 }
func (n *nullFd) Fstat(sched lock.SchedCtx, st *stat.Stat_t) defs.Err_t   { return 0 }
func (n *nullFd) Close(sched lock.SchedCtx) defs.Err_t                    { return 0 }
func (n *nullFd) Reopen(sched lock.SchedCtx) defs.Err_t                   { return 0 }

func newRootProc(t *testing.T, tbl *proc.Table, entry proc.Entry) *proc.Proc_t {
	t.Helper()
	as, err := vm.NewUserAS()
	require.Zero(t, err)
	fds := fd.NewTable(16)
	cwdFd := &fd.Fd_t{Fops: &nullFd{refcnt: 1}}
	cwd := fd.MkRootCwd(cwdFd)
	p, err := tbl.Spawn(as, fds, cwd, entry)
	require.Zero(t, err)
	return p
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scheduler to make progress")
	}
}

func TestForkWaitReapsChild(t *testing.T) {
	tbl := proc.NewTable(16)
	tbl.BootCPUs(2)

	var gotPid defs.Pid_t
	done := make(chan struct{})

	root := newRootProc(t, tbl, func(p *proc.Proc_t, sched lock.SchedCtx) {
		childPid, err := tbl.Fork(p, sched, func(child *proc.Proc_t, csched lock.SchedCtx) {
			tbl.Exit(child, csched, 0)
		})
		require.Zero(t, err)

		reaped, err := tbl.Wait(p, sched)
		require.Zero(t, err)
		gotPid = reaped
		require.Equal(t, childPid, reaped)
		close(done)
	})
	_ = root

	waitDone(t, done)
}

func TestWaitFailsWithNoChildren(t *testing.T) {
	tbl := proc.NewTable(16)
	tbl.BootCPUs(1)

	done := make(chan struct{})
	var gotErr defs.Err_t

	newRootProc(t, tbl, func(p *proc.Proc_t, sched lock.SchedCtx) {
		_, err := tbl.Wait(p, sched)
		gotErr = err
		close(done)
	})

	waitDone(t, done)
	require.Equal(t, -defs.ECHILD, gotErr)
}

func TestKillWakesSleeper(t *testing.T) {
	tbl := proc.NewTable(16)
	tbl.BootCPUs(2)

	done := make(chan struct{})
	var sawKilled bool

	var childPidCh = make(chan defs.Pid_t, 1)

	newRootProc(t, tbl, func(p *proc.Proc_t, sched lock.SchedCtx) {
		_, err := tbl.Fork(p, sched, func(child *proc.Proc_t, csched lock.SchedCtx) {
			childPidCh <- child.Pid()
			var guard lock.Spinlock_t
			cpu := csched.Cpu()
			guard.Acquire(cpu)
			for !child.Killed() {
				csched.Sleep(child.AsChan(), &guard, cpu)
			}
			sawKilled = true
			guard.Release(cpu)
			tbl.Exit(child, csched, 0)
		})
		require.Zero(t, err)

		childPid := <-childPidCh
		// Give the child a moment to actually reach its sleep loop
		// before killing it; kill doesn't itself wake anyone (spec.md
		// section 4.11), it only flips SLEEPING->RUNNABLE, so the
		// child notices only once it's next scheduled for any reason.
		time.Sleep(20 * time.Millisecond)
		require.Zero(t, tbl.Kill(childPid, sched.Cpu()))

		_, err = tbl.Wait(p, sched)
		require.Zero(t, err)
		close(done)
	})

	waitDone(t, done)
	require.True(t, sawKilled)
}

func TestConcurrentForksAcrossCPUs(t *testing.T) {
	tbl := proc.NewTable(64)
	tbl.BootCPUs(4)

	const n = 8
	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})

	newRootProc(t, tbl, func(p *proc.Proc_t, sched lock.SchedCtx) {
		for i := 0; i < n; i++ {
			_, err := tbl.Fork(p, sched, func(child *proc.Proc_t, csched lock.SchedCtx) {
				tbl.Exit(child, csched, 0)
			})
			require.Zero(t, err)
		}
		for i := 0; i < n; i++ {
			_, err := tbl.Wait(p, sched)
			require.Zero(t, err)
		}
		close(done)
	})

	waitDone(t, done)
	wg.Done()
}
