package syscalldisp

import (
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/proc"
	"github.com/antfarm/goxvkernel/internal/stat"
)

// Frame is one syscall invocation's raw argument registers, the hosted
// stand-in for the three general-purpose registers
// original_source/kernel/src/syscall.rs's `syscall` extracts its
// arguments from (a0, a1, a2); Num is the fourth, carried separately
// there via %rax/%rcx.
type Frame struct {
	Num    int
	A0, A1 uintptr
	A2     uintptr
}

// ChildFork is supplied by the caller for a FORK frame, the hosted
// stand-in for "the child process resumes in user code with the fork
// syscall returning 0" (proc.Table.Fork's childEntry parameter, which
// this package otherwise has no way to manufacture on its own — it
// doesn't know what the child's user-mode program is).
type ChildFork func(child *proc.Proc_t, sched lock.SchedCtx)

// Dispatch runs one syscall, returning the value a real syscall's %rax
// would carry back to user code: non-negative on success, or -Err_t on
// failure (spec.md section 6: "negative return means error"). Matches
// original_source/kernel/src/syscall.rs's `syscall` match arm, including
// its post-dispatch "if the current process is dead, call exit" hook.
func Dispatch(env *Env, p *proc.Proc_t, sched lock.SchedCtx, f Frame, childFork ChildFork) int64 {
	r := dispatch(env, p, sched, f, childFork)
	env.Table.DieIfDead(p, sched)
	return r
}

func dispatch(env *Env, p *proc.Proc_t, sched lock.SchedCtx, f Frame, childFork ChildFork) int64 {
	switch f.Num {
	case FORK:
		pid, err := env.Table.Fork(p, sched, proc.Entry(childFork))
		if err != 0 {
			return int64(-err)
		}
		return int64(pid)

	case EXIT:
		env.Table.Exit(p, sched, int(f.A0))
		return 0

	case WAIT:
		pid, err := env.Table.Wait(p, sched)
		return ret(int64(pid), err)

	case PIPE:
		rno, wno, err := sysPipe(env, p, sched)
		if err != 0 {
			return int64(-err)
		}
		if cerr := p.AddrSpace().CopyOut(f.A0, encodeFdPair(rno, wno)); cerr != 0 {
			return int64(-cerr)
		}
		return 0

	case READ:
		dst := make([]byte, int(f.A2))
		n, err := sysRead(p, sched, int(f.A0), dst)
		if err != 0 {
			return int64(-err)
		}
		if cerr := p.AddrSpace().CopyOut(f.A1, dst[:n]); cerr != 0 {
			return int64(-cerr)
		}
		return n

	case KILL:
		return ret(0, env.Table.Kill(defs.Pid_t(f.A0), sched.Cpu()))

	case EXEC:
		return execDispatch(env, p, sched, f)

	case FSTAT:
		var st stat.Stat_t
		_, err := sysFstat(p, sched, int(f.A0), &st)
		if err != 0 {
			return int64(-err)
		}
		if cerr := p.AddrSpace().CopyOut(f.A1, st.Bytes()); cerr != 0 {
			return int64(-cerr)
		}
		return 0

	case CHDIR:
		return ret(sysChdir(env, p, sched, f.A0))

	case DUP:
		return ret(sysDup(p, sched, int(f.A0)))

	case GETPID:
		return int64(p.Pid())

	case SBRK:
		return ret(sysSbrk(p, int(f.A0)))

	case SLEEP, UPTIME:
		// No simulated tick counter is wired up in this design: SLEEP
		// returns at once without blocking and UPTIME reports 0.
		return 0

	case OPEN:
		return ret(sysOpen(env, p, sched, f.A0, int(f.A1)))

	case WRITE:
		src := make([]byte, int(f.A2))
		if cerr := p.AddrSpace().CopyIn(f.A1, src); cerr != 0 {
			return int64(-cerr)
		}
		return ret(sysWrite(p, sched, int(f.A0), src))

	case MKNOD:
		return ret(sysMknod(env, p, sched, f.A0, int(f.A1), int(f.A2)))

	case UNLINK:
		return ret(sysUnlink(env, p, sched, f.A0))

	case LINK:
		return ret(sysLink(env, p, sched, f.A0, f.A1))

	case MKDIR:
		return ret(sysMkdir(env, p, sched, f.A0))

	case CLOSE:
		return ret(sysClose(p, sched, int(f.A0)))

	default:
		return int64(-defs.EINVAL)
	}
}

func ret(v int64, err defs.Err_t) int64 {
	if err != 0 {
		return int64(-err)
	}
	return v
}

func encodeFdPair(rno, wno int) []byte {
	out := make([]byte, 16)
	out[0] = byte(rno)
	out[8] = byte(wno)
	return out
}

// execArgv reads a NUL-terminated vector of string pointers out of user
// memory at va (the PIPE-like "pointer to pointers" argv layout every
// C-style exec() takes), fetching each pointed-to string in turn.
func execArgv(p *proc.Proc_t, va uintptr) ([]string, defs.Err_t) {
	var args []string
	for i := 0; i < MAXARG; i++ {
		var ptrBuf [8]byte
		if err := p.AddrSpace().CopyIn(va+uintptr(i*8), ptrBuf[:]); err != 0 {
			return nil, err
		}
		ptr := uintptr(leUint64(ptrBuf[:]))
		if ptr == 0 {
			return args, 0
		}
		s, err := fetchstr(p.AddrSpace(), ptr)
		if err != 0 {
			return nil, err
		}
		args = append(args, s)
	}
	return nil, -defs.E2BIG
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func execDispatch(env *Env, p *proc.Proc_t, sched lock.SchedCtx, f Frame) int64 {
	path, err := fetchstr(p.AddrSpace(), f.A0)
	if err != 0 {
		return int64(-err)
	}
	args, err := execArgv(p, f.A1)
	if err != 0 {
		return int64(-err)
	}
	_, _, _, _, err = Exec(env, p, sched, path, args)
	if err != 0 {
		return int64(-err)
	}
	return 0
}

func sysSbrk(p *proc.Proc_t, n int) (int64, defs.Err_t) {
	old := p.Size()
	newSize := uintptr(int(old) + n)
	if n >= 0 {
		if err := p.AddrSpace().AllocUser(old, newSize); err != 0 {
			return 0, err
		}
	} else {
		p.AddrSpace().DeallocUser(old, newSize)
	}
	p.SetSize(newSize)
	return int64(old), 0
}
