package syscalldisp

import (
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/fd"
	"github.com/antfarm/goxvkernel/internal/inode"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/pipe"
	"github.com/antfarm/goxvkernel/internal/proc"
	"github.com/antfarm/goxvkernel/internal/stat"
	"github.com/antfarm/goxvkernel/internal/ustr"
)

// cwdInum recovers the inode number a process's current directory
// tracker is rooted at. A Cwd_t's Fd is always backed by an InodeFile in
// this design (chdir only ever installs one), grounded on
// original_source/kernel/src/sysfile.rs's chdir, which rejects chdir
// into anything that isn't a directory inode before ever installing it.
func cwdInum(p *proc.Proc_t) (int, defs.Err_t) {
	f, ok := p.Cwd().Fd.Fops.(*fd.InodeFile)
	if !ok {
		return 0, -defs.EBADF
	}
	return f.Inum(), 0
}

func permsFromFlags(flags int) int {
	perms := 0
	switch flags & 0x3 {
	case defs.O_RDONLY:
		perms = fd.FD_READ
	case defs.O_WRONLY:
		perms = fd.FD_WRITE
	case defs.O_RDWR:
		perms = fd.FD_READ | fd.FD_WRITE
	}
	return perms
}

func sysOpen(env *Env, p *proc.Proc_t, sched lock.SchedCtx, pathVA uintptr, flags int) (int64, defs.Err_t) {
	path, err := fetchstr(p.AddrSpace(), pathVA)
	if err != 0 {
		return 0, err
	}
	cwd, err := cwdInum(p)
	if err != 0 {
		return 0, err
	}

	env.Log.BeginOp(sched)
	var ref *inode.Ref
	if flags&defs.O_CREAT != 0 {
		ref, err = env.IC.Create(sched, cwd, path, defs.I_FILE, 0, 0)
	} else {
		ref, err = env.IC.Namei(sched, cwd, path)
		if err == 0 {
			err = env.IC.Lock(sched, ref)
		}
	}
	if err != 0 {
		env.Log.EndOp(sched)
		return 0, err
	}

	d := env.IC.Data(ref)
	if d.Type == defs.I_DIR && flags != defs.O_RDONLY {
		env.IC.Unlock(sched, ref)
		env.IC.Put(sched, ref)
		env.Log.EndOp(sched)
		return 0, -defs.EISDIR
	}

	var fops fd.Fdops_i
	if d.Type == defs.I_DEV {
		fops, err = fd.OpenDevice(int(d.Major), int(d.Minor))
		env.IC.Unlock(sched, ref)
		if err != 0 {
			env.IC.Put(sched, ref)
			env.Log.EndOp(sched)
			return 0, err
		}
	} else {
		env.IC.Unlock(sched, ref)
		if flags&defs.O_TRUNC != 0 && d.Type == defs.I_FILE {
			if lerr := env.IC.Lock(sched, ref); lerr != 0 {
				env.IC.Put(sched, ref)
				env.Log.EndOp(sched)
				return 0, lerr
			}
			if terr := env.IC.Truncate(sched, ref); terr != 0 {
				env.IC.Unlock(sched, ref)
				env.IC.Put(sched, ref)
				env.Log.EndOp(sched)
				return 0, terr
			}
			env.IC.Unlock(sched, ref)
		}
		fops = fd.NewInodeFile(sched, env.IC, env.Log, ref, flags&defs.O_APPEND != 0)
	}
	env.Log.EndOp(sched)

	fdno, aerr := p.Fds().Alloc(&fd.Fd_t{Fops: fops, Perms: permsFromFlags(flags)}, 0)
	if aerr != 0 {
		fops.Close(sched)
		return 0, aerr
	}
	return int64(fdno), 0
}

func sysMknod(env *Env, p *proc.Proc_t, sched lock.SchedCtx, pathVA uintptr, major, minor int) (int64, defs.Err_t) {
	path, err := fetchstr(p.AddrSpace(), pathVA)
	if err != 0 {
		return 0, err
	}
	cwd, err := cwdInum(p)
	if err != 0 {
		return 0, err
	}
	env.Log.BeginOp(sched)
	defer env.Log.EndOp(sched)
	ref, err := env.IC.Create(sched, cwd, path, defs.I_DEV, major, minor)
	if err != 0 {
		return 0, err
	}
	env.IC.Unlock(sched, ref)
	env.IC.Put(sched, ref)
	return 0, 0
}

func sysMkdir(env *Env, p *proc.Proc_t, sched lock.SchedCtx, pathVA uintptr) (int64, defs.Err_t) {
	path, err := fetchstr(p.AddrSpace(), pathVA)
	if err != 0 {
		return 0, err
	}
	cwd, err := cwdInum(p)
	if err != 0 {
		return 0, err
	}
	env.Log.BeginOp(sched)
	defer env.Log.EndOp(sched)
	ref, err := env.IC.Create(sched, cwd, path, defs.I_DIR, 0, 0)
	if err != 0 {
		return 0, err
	}
	env.IC.Unlock(sched, ref)
	env.IC.Put(sched, ref)
	return 0, 0
}

func sysUnlink(env *Env, p *proc.Proc_t, sched lock.SchedCtx, pathVA uintptr) (int64, defs.Err_t) {
	path, err := fetchstr(p.AddrSpace(), pathVA)
	if err != 0 {
		return 0, err
	}
	cwd, err := cwdInum(p)
	if err != 0 {
		return 0, err
	}
	env.Log.BeginOp(sched)
	defer env.Log.EndOp(sched)

	dp, name, err := env.IC.NameiParent(sched, cwd, path)
	if err != 0 {
		return 0, err
	}
	if err := env.IC.Lock(sched, dp); err != 0 {
		env.IC.Put(sched, dp)
		return 0, err
	}
	inum, err := env.IC.DirLookup(sched, dp, name)
	if err != 0 {
		env.IC.Unlock(sched, dp)
		env.IC.Put(sched, dp)
		return 0, err
	}
	victim, err := env.IC.Get(sched, inum)
	if err != 0 {
		env.IC.Unlock(sched, dp)
		env.IC.Put(sched, dp)
		return 0, err
	}
	if err := env.IC.Lock(sched, victim); err != 0 {
		env.IC.Put(sched, victim)
		env.IC.Unlock(sched, dp)
		env.IC.Put(sched, dp)
		return 0, err
	}
	err = env.IC.DirUnlink(sched, dp, victim, name)
	env.IC.Unlock(sched, victim)
	env.IC.Put(sched, victim)
	env.IC.Unlock(sched, dp)
	env.IC.Put(sched, dp)
	return 0, err
}

func sysLink(env *Env, p *proc.Proc_t, sched lock.SchedCtx, oldVA, newVA uintptr) (int64, defs.Err_t) {
	oldPath, err := fetchstr(p.AddrSpace(), oldVA)
	if err != 0 {
		return 0, err
	}
	newPath, err := fetchstr(p.AddrSpace(), newVA)
	if err != 0 {
		return 0, err
	}
	cwd, err := cwdInum(p)
	if err != 0 {
		return 0, err
	}
	env.Log.BeginOp(sched)
	defer env.Log.EndOp(sched)

	ref, err := env.IC.Namei(sched, cwd, oldPath)
	if err != 0 {
		return 0, err
	}
	if err := env.IC.Lock(sched, ref); err != 0 {
		env.IC.Put(sched, ref)
		return 0, err
	}
	if env.IC.Data(ref).Type == defs.I_DIR {
		env.IC.Unlock(sched, ref)
		env.IC.Put(sched, ref)
		return 0, -defs.EPERM
	}
	env.IC.Data(ref).Nlink++
	if uerr := env.IC.Update(sched, ref); uerr != 0 {
		env.IC.Unlock(sched, ref)
		env.IC.Put(sched, ref)
		return 0, uerr
	}
	env.IC.Unlock(sched, ref)

	dp, name, err := env.IC.NameiParent(sched, cwd, newPath)
	if err == 0 {
		if lerr := env.IC.Lock(sched, dp); lerr == 0 {
			err = env.IC.DirLink(sched, dp, name, ref.Inum)
			env.IC.Unlock(sched, dp)
		} else {
			err = lerr
		}
		env.IC.Put(sched, dp)
	}
	if err != 0 {
		if lerr := env.IC.Lock(sched, ref); lerr == 0 {
			env.IC.Data(ref).Nlink--
			env.IC.Update(sched, ref)
			env.IC.Unlock(sched, ref)
		}
	}
	env.IC.Put(sched, ref)
	return 0, err
}

func sysChdir(env *Env, p *proc.Proc_t, sched lock.SchedCtx, pathVA uintptr) (int64, defs.Err_t) {
	path, err := fetchstr(p.AddrSpace(), pathVA)
	if err != 0 {
		return 0, err
	}
	cwd, err := cwdInum(p)
	if err != 0 {
		return 0, err
	}
	env.Log.BeginOp(sched)
	ref, err := env.IC.Namei(sched, cwd, path)
	if err != 0 {
		env.Log.EndOp(sched)
		return 0, err
	}
	if err := env.IC.Lock(sched, ref); err != 0 {
		env.IC.Put(sched, ref)
		env.Log.EndOp(sched)
		return 0, err
	}
	if env.IC.Data(ref).Type != defs.I_DIR {
		env.IC.Unlock(sched, ref)
		env.IC.Put(sched, ref)
		env.Log.EndOp(sched)
		return 0, -defs.ENOTDIR
	}
	env.IC.Unlock(sched, ref)
	env.Log.EndOp(sched)

	newFops := fd.NewInodeFile(sched, env.IC, env.Log, ref, false)
	newCwdFd := &fd.Fd_t{Fops: newFops, Perms: fd.FD_READ}
	oldCwd := p.Cwd()
	newPath := oldCwd.Canonicalpath(ustr.Ustr(path))
	p.SetCwd(&fd.Cwd_t{Fd: newCwdFd, Path: newPath})
	oldCwd.Fd.Fops.Close(sched)
	return 0, 0
}

func sysDup(p *proc.Proc_t, sched lock.SchedCtx, fdno int) (int64, defs.Err_t) {
	f := p.Fds().Get(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	nf, err := fd.Copyfd(sched, f)
	if err != 0 {
		return 0, err
	}
	newno, err := p.Fds().Alloc(nf, 0)
	if err != 0 {
		nf.Fops.Close(sched)
		return 0, err
	}
	return int64(newno), 0
}

func sysRead(p *proc.Proc_t, sched lock.SchedCtx, fdno int, dst []byte) (int64, defs.Err_t) {
	f := p.Fds().Get(fdno)
	if f == nil || f.Perms&fd.FD_READ == 0 {
		return 0, -defs.EBADF
	}
	n, err := f.Fops.Read(sched, dst)
	return int64(n), err
}

func sysWrite(p *proc.Proc_t, sched lock.SchedCtx, fdno int, src []byte) (int64, defs.Err_t) {
	f := p.Fds().Get(fdno)
	if f == nil || f.Perms&fd.FD_WRITE == 0 {
		return 0, -defs.EBADF
	}
	n, err := f.Fops.Write(sched, src)
	return int64(n), err
}

func sysClose(p *proc.Proc_t, sched lock.SchedCtx, fdno int) (int64, defs.Err_t) {
	f := p.Fds().Close(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	return 0, f.Fops.Close(sched)
}

func sysFstat(p *proc.Proc_t, sched lock.SchedCtx, fdno int, dst *stat.Stat_t) (int64, defs.Err_t) {
	f := p.Fds().Get(fdno)
	if f == nil {
		return 0, -defs.EBADF
	}
	return 0, f.Fops.Fstat(sched, dst)
}

func sysPipe(env *Env, p *proc.Proc_t, sched lock.SchedCtx) (rfd, wfd int, err defs.Err_t) {
	rd, wr := pipe.NewEnds()
	rno, err := p.Fds().Alloc(&fd.Fd_t{Fops: rd, Perms: fd.FD_READ}, 0)
	if err != 0 {
		return 0, 0, err
	}
	wno, err := p.Fds().Alloc(&fd.Fd_t{Fops: wr, Perms: fd.FD_WRITE}, 0)
	if err != 0 {
		p.Fds().Close(rno)
		rd.Close(sched)
		return 0, 0, err
	}
	return rno, wno, 0
}
