package syscalldisp

import (
	"encoding/binary"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/mem"
	"github.com/antfarm/goxvkernel/internal/proc"
	"github.com/antfarm/goxvkernel/internal/vm"
)

// MAXARG is the largest argv this design accepts, matching
// original_source/kernel/src/param.rs's param::MAXARG.
const MAXARG = 32

const (
	elfMagic0       = 0x7f
	elfClass64      = 2
	elfTypeExec     = 2
	elfMachineX8664 = 62
)

const nident = 16
const elfHeaderSize = 64
const programHeaderSize = 56
const progTypeLoad = 1

// elfHeader mirrors original_source/kernel/src/exec.rs's ELFHeader, the
// 64-bit subset of the System V ABI's ELF header this design cares about.
type elfHeader struct {
	Ident     [nident]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

func decodeELFHeader(b []byte) elfHeader {
	var h elfHeader
	copy(h.Ident[:], b[0:16])
	h.Type = binary.LittleEndian.Uint16(b[16:18])
	h.Machine = binary.LittleEndian.Uint16(b[18:20])
	h.Version = binary.LittleEndian.Uint32(b[20:24])
	h.Entry = binary.LittleEndian.Uint64(b[24:32])
	h.PhOff = binary.LittleEndian.Uint64(b[32:40])
	h.ShOff = binary.LittleEndian.Uint64(b[40:48])
	h.Flags = binary.LittleEndian.Uint32(b[48:52])
	h.EhSize = binary.LittleEndian.Uint16(b[52:54])
	h.PhEntSize = binary.LittleEndian.Uint16(b[54:56])
	h.PhNum = binary.LittleEndian.Uint16(b[56:58])
	h.ShEntSize = binary.LittleEndian.Uint16(b[58:60])
	h.ShNum = binary.LittleEndian.Uint16(b[60:62])
	h.ShStrNdx = binary.LittleEndian.Uint16(b[62:64])
	return h
}

func (h elfHeader) validate() defs.Err_t {
	if h.Ident[0] != elfMagic0 || h.Ident[1] != 'E' || h.Ident[2] != 'L' || h.Ident[3] != 'F' {
		return -defs.ENOEXEC
	}
	if h.Ident[4] != elfClass64 {
		return -defs.ENOEXEC
	}
	if h.Type != elfTypeExec {
		return -defs.ENOEXEC
	}
	if h.Machine != elfMachineX8664 {
		return -defs.ENOEXEC
	}
	return 0
}

// programHeader mirrors exec.rs's ProgramHeader (64-bit ELF program
// header table entry).
type programHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	_PAddr uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

const progFlagWrite = 1 << 1
const progFlagExec = 1

func decodeProgramHeader(b []byte) programHeader {
	var h programHeader
	h.Type = binary.LittleEndian.Uint32(b[0:4])
	h.Flags = binary.LittleEndian.Uint32(b[4:8])
	h.Offset = binary.LittleEndian.Uint64(b[8:16])
	h.VAddr = binary.LittleEndian.Uint64(b[16:24])
	h._PAddr = binary.LittleEndian.Uint64(b[24:32])
	h.FileSz = binary.LittleEndian.Uint64(b[32:40])
	h.MemSz = binary.LittleEndian.Uint64(b[40:48])
	h.Align = binary.LittleEndian.Uint64(b[48:56])
	return h
}

func (h programHeader) validate() defs.Err_t {
	if h.MemSz < h.FileSz {
		return -defs.ENOEXEC
	}
	if h.VAddr%uint64(mem.PGSIZE) != 0 {
		return -defs.ENOEXEC
	}
	if h.VAddr+h.MemSz < h.VAddr {
		return -defs.ENOEXEC
	}
	return 0
}

// Exec replaces p's address space with the program found at path,
// grounded on original_source/kernel/src/exec.rs's exec(): validate the
// ELF header, map and load every PT_LOAD program header into a brand new
// address space, build a fresh stack with argv copied on just below
// USEREND, and only then install the new address space (so a failed exec
// leaves the caller's old one intact, per exec.rs's "load entirely into a
// new page table before committing"). It returns the loaded program's
// entry point and the argc/argv/rsp a real trap frame would have been
// set up with (exec.rs's set_rdi/set_rsi/set_stack/set_return); this
// hosted kernel has no trap frame to resume through, so it is the
// caller's Entry closure that decides what "resuming at entry" means for
// its own test program, exactly as a real kernel's syscall return path
// would next execute whatever instruction address is sitting in the trap
// frame. The returned stack pointer sits below argv's copy-out — past
// the dummy frame-pointer padding and poison return address exec.rs
// pushes right before switch_pgtbl — and lands 16-byte aligned, spec.md
// section 4.10's "16-byte pre-call stack alignment".
func Exec(env *Env, p *proc.Proc_t, sched lock.SchedCtx, path string, args []string) (uint64, int, uintptr, uintptr, defs.Err_t) {
	if len(args) > MAXARG {
		return 0, 0, 0, 0, -defs.E2BIG
	}

	as, err := vm.NewUserAS()
	if err != 0 {
		return 0, 0, 0, 0, err
	}
	size := uintptr(0)

	cwd, err := cwdInum(p)
	if err != 0 {
		as.Free()
		return 0, 0, 0, 0, err
	}

	env.Log.BeginOp(sched)
	ref, err := env.IC.Namei(sched, cwd, path)
	if err != 0 {
		env.Log.EndOp(sched)
		as.Free()
		return 0, 0, 0, 0, err
	}
	if err := env.IC.Lock(sched, ref); err != 0 {
		env.IC.Put(sched, ref)
		env.Log.EndOp(sched)
		as.Free()
		return 0, 0, 0, 0, err
	}

	var entry uint64
	rerr := func() defs.Err_t {
		hdrBuf := make([]byte, elfHeaderSize)
		n, err := env.IC.Readi(sched, ref, hdrBuf, 0)
		if err != 0 {
			return err
		}
		if n != elfHeaderSize {
			return -defs.ENOEXEC
		}
		hdr := decodeELFHeader(hdrBuf)
		if err := hdr.validate(); err != 0 {
			return err
		}
		entry = hdr.Entry

		off := hdr.PhOff
		for i := 0; i < int(hdr.PhNum); i++ {
			phBuf := make([]byte, programHeaderSize)
			got, err := env.IC.Readi(sched, ref, phBuf, int(off))
			if err != 0 {
				return err
			}
			if got != programHeaderSize {
				return -defs.ENOEXEC
			}
			off += programHeaderSize

			ph := decodeProgramHeader(phBuf)
			if ph.Type != progTypeLoad {
				continue
			}
			if err := ph.validate(); err != 0 {
				return err
			}

			newSize := uintptr(ph.VAddr + ph.MemSz)
			if newSize > size {
				if err := as.AllocUser(size, newSize); err != 0 {
					return err
				}
				size = newSize
			}

			fileSz := int(ph.FileSz)
			for kp := 0; kp < fileSz; kp += mem.PGSIZE {
				n := fileSz - kp
				if n > mem.PGSIZE {
					n = mem.PGSIZE
				}
				buf := make([]byte, n)
				got, err := env.IC.Readi(sched, ref, buf, int(ph.Offset)+kp)
				if err != 0 {
					return err
				}
				if got != n {
					return -defs.EIO
				}
				if err := as.CopyOut(uintptr(ph.VAddr)+uintptr(kp), buf); err != 0 {
					return err
				}
			}
		}
		return 0
	}()

	env.IC.Unlock(sched, ref)
	env.IC.Put(sched, ref)
	env.Log.EndOp(sched)
	if rerr != 0 {
		as.Free()
		return 0, 0, 0, 0, rerr
	}

	if err := as.AllocUser(vm.USERSTACK, vm.USEREND); err != 0 {
		as.Free()
		return 0, 0, 0, 0, err
	}
	// AllocUser recorded USEREND as Size; Size covers only the loaded
	// image, [0,size), and Free releases the stack span on its own.
	as.Size = size

	sp := uintptr(vm.USEREND)
	uargv := make([]uintptr, len(args))
	for i, arg := range args {
		b := append([]byte(arg), 0)
		sp -= uintptr(len(b))
		sp &^= 0x7
		if sp < vm.USERSTACK {
			as.Free()
			return 0, 0, 0, 0, -defs.E2BIG
		}
		if err := as.CopyOut(sp, b); err != 0 {
			as.Free()
			return 0, 0, 0, 0, err
		}
		uargv[i] = sp
	}
	vecBuf := make([]byte, 8*len(uargv))
	for i, v := range uargv {
		binary.LittleEndian.PutUint64(vecBuf[i*8:], uint64(v))
	}
	sp -= uintptr(len(vecBuf))
	sp &^= 0x7
	if sp < vm.USERSTACK {
		as.Free()
		return 0, 0, 0, 0, -defs.E2BIG
	}
	if err := as.CopyOut(sp, vecBuf); err != 0 {
		as.Free()
		return 0, 0, 0, 0, err
	}
	uargvAddr := sp

	// Pre-call stack alignment: push the dummy frame-pointer word (only
	// when sp already lands 16-byte aligned) and then the poison return
	// address, exactly as original_source/kernel/src/exec.rs does right
	// before switch_pgtbl, so the stack pointer handed back for entry
	// satisfies the 16-byte pre-call alignment spec.md section 4.10
	// names rather than only the 8-byte alignment the argv copies above
	// get.
	if sp&0xf == 0 {
		var zero [8]byte
		sp -= 8
		if sp < vm.USERSTACK {
			as.Free()
			return 0, 0, 0, 0, -defs.E2BIG
		}
		if err := as.CopyOut(sp, zero[:]); err != 0 {
			as.Free()
			return 0, 0, 0, 0, err
		}
	}
	var poisonRet [8]byte
	binary.LittleEndian.PutUint64(poisonRet[:], ^uint64(0))
	sp -= 8
	if sp < vm.USERSTACK {
		as.Free()
		return 0, 0, 0, 0, -defs.E2BIG
	}
	if err := as.CopyOut(sp, poisonRet[:]); err != 0 {
		as.Free()
		return 0, 0, 0, 0, err
	}

	old := p.AddrSpace()
	p.SetAddrSpace(as)
	p.SetSize(size)
	old.Free()
	return entry, len(args), uargvAddr, sp, 0
}
