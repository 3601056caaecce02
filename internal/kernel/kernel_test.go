package kernel_test

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/bootcfg"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/disk"
	"github.com/antfarm/goxvkernel/internal/fd"
	"github.com/antfarm/goxvkernel/internal/fsjournal"
	"github.com/antfarm/goxvkernel/internal/inode"
	"github.com/antfarm/goxvkernel/internal/kernel"
	"github.com/antfarm/goxvkernel/internal/klog"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/pipe"
	"github.com/antfarm/goxvkernel/internal/proc"
	"github.com/antfarm/goxvkernel/internal/syscalldisp"
)

func init() {
	klog.Discard()
}

func testConfig(t *testing.T) bootcfg.Config {
	t.Helper()
	cfg := bootcfg.Default()
	cfg.DiskImage = filepath.Join(t.TempDir(), "fs.img")
	cfg.DiskBlocks = 4096
	cfg.LogBlocks = 30
	cfg.MaxOpBlocks = 10
	cfg.NBuf = 64
	cfg.NInode = 200
	cfg.MemPages = 4096
	cfg.NCPU = 2
	return cfg
}

// bootTestKernel formats a scratch disk image and wires a Kernel over
// it with entry as init (pid 1). It does not start the scheduler —
// entry's closure is free to reference the returned Kernel (the
// variable the caller assigns it to), since nothing runs it until the
// caller itself calls Run.
func bootTestKernel(t *testing.T, entry proc.Entry) *kernel.Kernel {
	t.Helper()
	cfg := testConfig(t)
	_, ferr := kernel.Format(cfg)
	require.Zero(t, ferr)

	k, berr := kernel.Boot(cfg, entry)
	require.Zero(t, berr)
	t.Cleanup(func() { k.Shutdown() })
	return k
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scheduler to make progress")
	}
}

// S1 - fork+wait: process P forks; parent calls wait. Child calls
// exit(0). The parent's wait returns the child's pid and the child
// slot is reclaimed.
func TestS1ForkWait(t *testing.T) {
	done := make(chan struct{})
	var childPid, reapedPid defs.Pid_t
	var waitErr defs.Err_t

	var k *kernel.Kernel
	k = bootTestKernel(t, func(p *proc.Proc_t, sched lock.SchedCtx) {
		pid, err := k.Table.Fork(p, sched, func(child *proc.Proc_t, csched lock.SchedCtx) {
			k.Table.Exit(child, csched, 0)
		})
		require.Zero(t, err)
		childPid = pid

		reapedPid, waitErr = k.Table.Wait(p, sched)
		close(done)
	})
	k.Run()

	waitDone(t, done)
	require.Zero(t, waitErr)
	require.Equal(t, childPid, reapedPid)
}

// S2 - pipe: pipe() returns descriptors (r, w). Writer writes "AB"
// then closes; reader issues a 4-byte read. Expected: read returns 2
// bytes "AB"; the next read returns 0 (EOF).
func TestS2PipeEOF(t *testing.T) {
	done := make(chan struct{})
	var n1, n2 int
	var err1, err2 defs.Err_t
	var got string

	var k *kernel.Kernel
	k = bootTestKernel(t, func(p *proc.Proc_t, sched lock.SchedCtx) {
		r, w := pipe.NewEnds()
		rno, aerr := p.Fds().Alloc(&fd.Fd_t{Fops: r, Perms: fd.FD_READ}, 0)
		require.Zero(t, aerr)
		wno, werr := p.Fds().Alloc(&fd.Fd_t{Fops: w, Perms: fd.FD_WRITE}, 0)
		require.Zero(t, werr)

		wfd := p.Fds().Get(wno)
		n, werr2 := wfd.Fops.Write(sched, []byte("AB"))
		require.Zero(t, werr2)
		require.Equal(t, 2, n)
		require.Zero(t, wfd.Fops.Close(sched))
		p.Fds().Close(wno)

		rfd := p.Fds().Get(rno)
		buf := make([]byte, 4)
		n1, err1 = rfd.Fops.Read(sched, buf)
		got = string(buf[:n1])

		buf2 := make([]byte, 4)
		n2, err2 = rfd.Fops.Read(sched, buf2)
		close(done)
	})
	k.Run()

	waitDone(t, done)
	require.Zero(t, err1)
	require.Equal(t, 2, n1)
	require.Equal(t, "AB", got)
	require.Zero(t, err2)
	require.Equal(t, 0, n2)
}

// S5 - mkdir/unlink discipline: mkdir("/d"); mknod("/d/x", 1, 0);
// unlink("/d") must fail (not empty); unlink("/d/x"); unlink("/d")
// succeeds, and namei("/d") then fails.
func TestS5MkdirUnlinkDiscipline(t *testing.T) {
	done := make(chan struct{})
	var unlinkDirFirst, unlinkX, unlinkDirSecond, lookupAfter defs.Err_t

	var k *kernel.Kernel
	k = bootTestKernel(t, func(p *proc.Proc_t, sched lock.SchedCtx) {
		env := k.Env
		cwd := inode.ROOTINO

		env.Log.BeginOp(sched)
		dref, err := env.IC.Create(sched, cwd, "/d", defs.I_DIR, 0, 0)
		require.Zero(t, err)
		env.IC.Unlock(sched, dref)
		env.IC.Put(sched, dref)
		env.Log.EndOp(sched)

		env.Log.BeginOp(sched)
		xref, err := env.IC.Create(sched, cwd, "/d/x", defs.I_DEV, 1, 0)
		require.Zero(t, err)
		env.IC.Unlock(sched, xref)
		env.IC.Put(sched, xref)
		env.Log.EndOp(sched)

		unlinkDirFirst = unlinkPath(env, sched, cwd, "/d")
		unlinkX = unlinkPath(env, sched, cwd, "/d/x")
		unlinkDirSecond = unlinkPath(env, sched, cwd, "/d")

		_, lookupAfter = env.IC.Namei(sched, cwd, "/d")
		close(done)
	})
	k.Run()

	waitDone(t, done)
	require.Equal(t, -defs.ENOTEMPTY, unlinkDirFirst)
	require.Zero(t, unlinkX)
	require.Zero(t, unlinkDirSecond)
	require.Equal(t, -defs.ENOENT, lookupAfter)
}

// S6 - exec argv: exec("/bin/echo", ["echo", "hi"]) from a process.
// Expected: the loaded program's entry point is returned, argc is 2,
// and argv points to an on-stack array of two user pointers, each
// referring to a NUL-terminated copy of "echo" and "hi" respectively.
// The returned stack pointer lands 16-byte aligned, per spec.md section
// 4.10's "16-byte pre-call stack alignment".
func TestS6ExecArgv(t *testing.T) {
	done := make(chan struct{})
	var gotEntry uint64
	var gotArgc int
	var gotArgv uintptr
	var gotSP uintptr
	var execErr defs.Err_t
	var arg0, arg1 string

	const wantEntry = uint64(0x1000)

	var k *kernel.Kernel
	k = bootTestKernel(t, func(p *proc.Proc_t, sched lock.SchedCtx) {
		env := k.Env
		writeEchoBinary(t, env, sched, wantEntry)

		gotEntry, gotArgc, gotArgv, gotSP, execErr = syscalldisp.Exec(env, p, sched, "/bin/echo", []string{"echo", "hi"})
		require.Zero(t, execErr)

		var vec [16]byte
		require.Zero(t, p.AddrSpace().CopyIn(gotArgv, vec[:]))
		p0 := uintptr(binary.LittleEndian.Uint64(vec[0:8]))
		p1 := uintptr(binary.LittleEndian.Uint64(vec[8:16]))
		arg0 = readCString(t, p, p0)
		arg1 = readCString(t, p, p1)
		close(done)
	})
	k.Run()

	waitDone(t, done)
	require.Equal(t, wantEntry, gotEntry)
	require.Equal(t, 2, gotArgc)
	require.Equal(t, "echo", arg0)
	require.Equal(t, "hi", arg1)
	require.Zero(t, gotSP%16, "exec stack pointer must be 16-byte aligned")
	require.Less(t, gotSP, gotArgv, "stack pointer must sit below the argv vector")
}

func readCString(t *testing.T, p *proc.Proc_t, va uintptr) string {
	t.Helper()
	var buf []byte
	var b [1]byte
	for i := 0; i < 64; i++ {
		require.Zero(t, p.AddrSpace().CopyIn(va+uintptr(i), b[:]))
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
	}
	return string(buf)
}

const (
	elfHeaderSize     = 64
	programHeaderSize = 56
)

// writeEchoBinary lays down a minimal, valid ELF64 executable at
// /bin/echo: one PT_LOAD segment whose entry point is entry, just
// enough for internal/syscalldisp.Exec's loader to accept and map it.
func writeEchoBinary(t *testing.T, env *syscalldisp.Env, sched lock.SchedCtx, entry uint64) {
	t.Helper()
	payload := []byte{0x90, 0x90, 0x90, 0x90} // never executed; this kernel has no ring-3 to run it in
	phOff := uint64(elfHeaderSize)
	segOff := phOff + programHeaderSize

	buf := make([]byte, segOff+uint64(len(payload)))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2                                    // ELFCLASS64
	binary.LittleEndian.PutUint16(buf[16:18], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 62) // EM_X86_64
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], phOff)
	binary.LittleEndian.PutUint16(buf[56:58], 1) // e_phnum

	ph := buf[phOff:]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint64(ph[8:16], segOff)
	binary.LittleEndian.PutUint64(ph[16:24], entry)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[48:56], 0x1000)

	copy(buf[segOff:], payload)

	env.Log.BeginOp(sched)
	ref, err := env.IC.Create(sched, inode.ROOTINO, "/bin", defs.I_DIR, 0, 0)
	require.Zero(t, err)
	env.IC.Unlock(sched, ref)
	env.IC.Put(sched, ref)
	env.Log.EndOp(sched)

	env.Log.BeginOp(sched)
	fref, ferr := env.IC.Create(sched, inode.ROOTINO, "/bin/echo", defs.I_FILE, 0, 0)
	require.Zero(t, ferr)
	n, werr := env.IC.Writei(sched, fref, buf, 0)
	require.Zero(t, werr)
	require.Equal(t, len(buf), n)
	env.IC.Unlock(sched, fref)
	env.IC.Put(sched, fref)
	env.Log.EndOp(sched)
}

func unlinkPath(env *syscalldisp.Env, sched lock.SchedCtx, cwd int, path string) defs.Err_t {
	env.Log.BeginOp(sched)
	defer env.Log.EndOp(sched)
	dp, name, err := env.IC.NameiParent(sched, cwd, path)
	if err != 0 {
		return err
	}
	if err := env.IC.Lock(sched, dp); err != 0 {
		env.IC.Put(sched, dp)
		return err
	}
	inum, err := env.IC.DirLookup(sched, dp, name)
	if err != 0 {
		env.IC.Unlock(sched, dp)
		env.IC.Put(sched, dp)
		return err
	}
	victim, err := env.IC.Get(sched, inum)
	if err != 0 {
		env.IC.Unlock(sched, dp)
		env.IC.Put(sched, dp)
		return err
	}
	if err := env.IC.Lock(sched, victim); err != 0 {
		env.IC.Put(sched, victim)
		env.IC.Unlock(sched, dp)
		env.IC.Put(sched, dp)
		return err
	}
	err = env.IC.DirUnlink(sched, dp, victim, name)
	env.IC.Unlock(sched, victim)
	env.IC.Put(sched, victim)
	env.IC.Unlock(sched, dp)
	env.IC.Put(sched, dp)
	return err
}

// S3 - log crash after header commit: an open transaction has logged
// blocks [100, 200] with new contents X and Y, and the simulated crash
// happens after the header write but before the data-copy phase.
// Recovery must finish the copy, leaving blocks 100 and 200 holding X
// and Y.
func TestS3LogCrashAfterHeader(t *testing.T) {
	cfg := testConfig(t)
	_, ferr := kernel.Format(cfg)
	require.Zero(t, ferr)

	d, bc, sb, sched := reopenForJournalTest(t, cfg)
	preWrite(t, bc, sched, 100, 0xaa)
	preWrite(t, bc, sched, 200, 0xbb)

	logX := append([]byte{'X'}, make([]byte, bcache.BSIZE-1)...)
	logY := append([]byte{'Y'}, make([]byte, bcache.BSIZE-1)...)
	rawWrite(t, bc, sched, int(sb.LogStart)+1, logX)
	rawWrite(t, bc, sched, int(sb.LogStart)+2, logY)
	writeHeaderRaw(t, bc, sched, int(sb.LogStart), []int{100, 200})

	log := fsjournal.New(bc, int(sb.LogStart), int(sb.Nlog), cfg.MaxOpBlocks)
	require.Zero(t, log.Recover(sched))

	require.Equal(t, byte('X'), readBlock(t, bc, sched, 100)[0])
	require.Equal(t, byte('Y'), readBlock(t, bc, sched, 200)[0])
	d.Close()
}

// S4 - log crash early: same setup, but the simulated crash happens
// before the header write. Recovery must leave blocks 100 and 200
// holding their pre-transaction contents.
func TestS4LogCrashBeforeHeader(t *testing.T) {
	cfg := testConfig(t)
	_, ferr := kernel.Format(cfg)
	require.Zero(t, ferr)

	d, bc, sb, sched := reopenForJournalTest(t, cfg)
	preWrite(t, bc, sched, 100, 0xaa)
	preWrite(t, bc, sched, 200, 0xbb)

	logX := append([]byte{'X'}, make([]byte, bcache.BSIZE-1)...)
	logY := append([]byte{'Y'}, make([]byte, bcache.BSIZE-1)...)
	rawWrite(t, bc, sched, int(sb.LogStart)+1, logX)
	rawWrite(t, bc, sched, int(sb.LogStart)+2, logY)
	// No header write: the on-disk header is still the zero-count one
	// Format left behind, exactly as if the crash happened before the
	// commit ever reached the header block.

	log := fsjournal.New(bc, int(sb.LogStart), int(sb.Nlog), cfg.MaxOpBlocks)
	require.Zero(t, log.Recover(sched))

	require.Equal(t, byte(0xaa), readBlock(t, bc, sched, 100)[0])
	require.Equal(t, byte(0xbb), readBlock(t, bc, sched, 200)[0])
	d.Close()
}

type journalTestSched struct {
	cpu lock.Cpu_t
}

func (s *journalTestSched) Cpu() *lock.Cpu_t { return &s.cpu }
func (s *journalTestSched) Sleep(ch uintptr, guard *lock.Spinlock_t, cpu *lock.Cpu_t) {
	panic("journalTestSched: unexpected sleep")
}
func (s *journalTestSched) Wakeup(ch uintptr) {}

func reopenForJournalTest(t *testing.T, cfg bootcfg.Config) (*disk.Driver, *bcache.Cache, *inode.Superblock, lock.SchedCtx) {
	t.Helper()
	d, err := disk.Open(cfg.DiskImage, bcache.BSIZE, cfg.DiskBlocks)
	require.NoError(t, err)
	sched := &journalTestSched{}
	bc := bcache.New(d, cfg.NBuf)
	sb, serr := inode.ReadSuperblock(bc, sched)
	require.Zero(t, serr)
	return d, bc, sb, sched
}

func preWrite(t *testing.T, bc *bcache.Cache, sched lock.SchedCtx, blockno int, fill byte) {
	t.Helper()
	data := make([]byte, bcache.BSIZE)
	for i := range data {
		data[i] = fill
	}
	rawWrite(t, bc, sched, blockno, data)
}

func rawWrite(t *testing.T, bc *bcache.Cache, sched lock.SchedCtx, blockno int, data []byte) {
	t.Helper()
	buf, err := bc.Get(blockno, sched)
	require.Zero(t, err)
	copy(buf.Data()[:], data)
	buf.MarkDirty()
	require.Zero(t, bc.FlushBlock(buf))
	bc.Release(buf, sched)
}

func writeHeaderRaw(t *testing.T, bc *bcache.Cache, sched lock.SchedCtx, start int, nums []int) {
	t.Helper()
	buf, err := bc.Get(start, sched)
	require.Zero(t, err)
	data := buf.Data()
	for i := range data {
		data[i] = 0
	}
	binary.LittleEndian.PutUint64(data[0:8], uint64(len(nums)))
	for i, bn := range nums {
		binary.LittleEndian.PutUint64(data[8+8*i:16+8*i], uint64(bn))
	}
	buf.MarkDirty()
	require.Zero(t, bc.FlushBlock(buf))
	bc.Release(buf, sched)
}

func readBlock(t *testing.T, bc *bcache.Cache, sched lock.SchedCtx, blockno int) []byte {
	t.Helper()
	buf, err := bc.Read(blockno, sched)
	require.Zero(t, err)
	out := append([]byte(nil), buf.Data()[:]...)
	bc.Release(buf, sched)
	return out
}
