package inode_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/disk"
	"github.com/antfarm/goxvkernel/internal/fsjournal"
	"github.com/antfarm/goxvkernel/internal/inode"
	"github.com/antfarm/goxvkernel/internal/lock"
)

// fakeSched is a single-goroutine SchedCtx that never actually blocks:
// every lock acquired in these tests is uncontended, so Sleep is never
// reached. It exists only so internal/bcache, internal/fsjournal, and
// internal/inode can be exercised without internal/proc.
type fakeSched struct {
	cpu lock.Cpu_t
}

func (s *fakeSched) Cpu() *lock.Cpu_t { return &s.cpu }

func (s *fakeSched) Sleep(ch uintptr, guard *lock.Spinlock_t, cpu *lock.Cpu_t) {
	panic("fakeSched: unexpected sleep, a lock was unexpectedly contended")
}

func (s *fakeSched) Wakeup(ch uintptr) {}

const (
	testNblocks    = 4096
	testLogStart   = 2
	testLogBlocks  = 30
	testBmapStart  = testLogStart + testLogBlocks
	testBmapBlocks = 1
	testInodeStart = testBmapStart + testBmapBlocks
	testNinodes    = 200
)

// newTestFS builds an empty, freshly-mkfs'd file system over a scratch
// disk image and returns its layers plus a ready scheduler context.
func newTestFS(t *testing.T) (*bcache.Cache, *fsjournal.Log, *inode.Cache, *inode.Superblock, *fakeSched) {
	t.Helper()
	d, err := disk.Open(filepath.Join(t.TempDir(), "fs.img"), bcache.BSIZE, testNblocks)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	bc := bcache.New(d, 64)
	sched := &fakeSched{}

	sb := &inode.Superblock{
		Size:       testNblocks,
		Nblocks:    testNblocks,
		Ninodes:    testNinodes,
		Nlog:       testLogBlocks,
		LogStart:   testLogStart,
		InodeStart: testInodeStart,
		BmapStart:  testBmapStart,
	}

	sbBuf, err := bc.Get(1, sched)
	require.NoError(t, errOf(err))
	sb.Encode(sbBuf.Data()[:])
	require.NoError(t, errOf(bc.FlushBlock(sbBuf)))
	bc.Release(sbBuf, sched)

	log := fsjournal.New(bc, testLogStart, testLogBlocks, 10)
	require.NoError(t, errOf(log.Recover(sched)))

	// mkfs's job: mark every block before the data region (boot, super,
	// log, bitmap, inode table) as already-allocated in the bitmap
	// itself, exactly as a real mkfs would, since balloc scans the whole
	// image (spec.md section 6's disk layout).
	reserved := testInodeStart + (testNinodes+inode.IPB-1)/inode.IPB
	bmapBuf, err := bc.Get(testBmapStart, sched)
	require.NoError(t, errOf(err))
	data := bmapBuf.Data()
	for b := 0; b < reserved; b++ {
		data[b/8] |= 1 << (uint(b) % 8)
	}
	require.NoError(t, errOf(bc.FlushBlock(bmapBuf)))
	bc.Release(bmapBuf, sched)

	ic := inode.New(bc, log, sb, 50)

	log.BeginOp(sched)
	root, err := ic.Ialloc(sched, defs.I_DIR)
	require.NoError(t, errOf(err))
	require.Equal(t, inode.ROOTINO, root.Inum)
	d0 := ic.Data(root)
	d0.Nlink = 1
	require.NoError(t, errOf(ic.Update(sched, root)))
	require.NoError(t, errOf(ic.DirLink(sched, root, ".", root.Inum)))
	require.NoError(t, errOf(ic.DirLink(sched, root, "..", root.Inum)))
	ic.Unlock(sched, root)
	require.NoError(t, errOf(ic.Put(sched, root)))
	require.NoError(t, errOf(log.EndOp(sched)))

	return bc, log, ic, sb, sched
}

func errOf(e defs.Err_t) error {
	if e == 0 {
		return nil
	}
	return e
}

func TestCreateAndLookupFile(t *testing.T) {
	_, log, ic, _, sched := newTestFS(t)

	log.BeginOp(sched)
	f, err := ic.Create(sched, inode.ROOTINO, "hello.txt", defs.I_FILE, 0, 0)
	require.Zero(t, err)
	require.NotNil(t, f)
	fInum := f.Inum
	ic.Unlock(sched, f)
	require.Zero(t, ic.Put(sched, f))
	require.Zero(t, log.EndOp(sched))

	root, err := ic.Get(sched, inode.ROOTINO)
	require.Zero(t, err)
	require.Zero(t, ic.Lock(sched, root))
	got, err := ic.DirLookup(sched, root, "hello.txt")
	require.Zero(t, err)
	require.Equal(t, fInum, got)
	ic.Unlock(sched, root)
	require.Zero(t, ic.Put(sched, root))
}

func TestWriteiReadiRoundTrip(t *testing.T) {
	_, log, ic, _, sched := newTestFS(t)

	log.BeginOp(sched)
	f, err := ic.Create(sched, inode.ROOTINO, "data.bin", defs.I_FILE, 0, 0)
	require.Zero(t, err)

	payload := make([]byte, bcache.BSIZE+100)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := ic.Writei(sched, f, payload, 0)
	require.Zero(t, err)
	require.Equal(t, len(payload), n)
	ic.Unlock(sched, f)
	require.Zero(t, ic.Put(sched, f))
	require.Zero(t, log.EndOp(sched))

	f2, err := ic.Get(sched, f.Inum)
	require.Zero(t, err)
	require.Zero(t, ic.Lock(sched, f2))
	require.Equal(t, uint64(len(payload)), ic.Data(f2).Size)

	out := make([]byte, len(payload))
	n, err = ic.Readi(sched, f2, out, 0)
	require.Zero(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
	ic.Unlock(sched, f2)
	require.Zero(t, ic.Put(sched, f2))
}

func TestMkdirAndDotEntries(t *testing.T) {
	_, log, ic, _, sched := newTestFS(t)

	log.BeginOp(sched)
	sub, err := ic.Create(sched, inode.ROOTINO, "sub", defs.I_DIR, 0, 0)
	require.Zero(t, err)
	subInum := sub.Inum
	require.Equal(t, uint32(1), ic.Data(sub).Nlink)

	dotInum, err := ic.DirLookup(sched, sub, ".")
	require.Zero(t, err)
	require.Equal(t, subInum, dotInum)
	dotdotInum, err := ic.DirLookup(sched, sub, "..")
	require.Zero(t, err)
	require.Equal(t, inode.ROOTINO, dotdotInum)

	ic.Unlock(sched, sub)
	require.Zero(t, ic.Put(sched, sub))
	require.Zero(t, log.EndOp(sched))

	root, err := ic.Get(sched, inode.ROOTINO)
	require.Zero(t, err)
	require.Zero(t, ic.Lock(sched, root))
	require.Equal(t, uint32(2), ic.Data(root).Nlink)
	ic.Unlock(sched, root)
	require.Zero(t, ic.Put(sched, root))
}

func TestUnlinkRejectsNonEmptyDir(t *testing.T) {
	_, log, ic, _, sched := newTestFS(t)

	log.BeginOp(sched)
	sub, err := ic.Create(sched, inode.ROOTINO, "sub", defs.I_DIR, 0, 0)
	require.Zero(t, err)
	subInum := sub.Inum
	ic.Unlock(sched, sub)
	require.Zero(t, ic.Put(sched, sub))

	_, err = ic.Create(sched, subInum, "f", defs.I_FILE, 0, 0)
	require.Zero(t, err)
	require.Zero(t, log.EndOp(sched))

	log.BeginOp(sched)
	root, err := ic.Get(sched, inode.ROOTINO)
	require.Zero(t, err)
	require.Zero(t, ic.Lock(sched, root))
	victim, err := ic.Get(sched, subInum)
	require.Zero(t, err)
	require.Zero(t, ic.Lock(sched, victim))

	unlinkErr := ic.DirUnlink(sched, root, victim, "sub")
	require.Equal(t, -defs.ENOTEMPTY, unlinkErr)

	ic.Unlock(sched, victim)
	require.Zero(t, ic.Put(sched, victim))
	ic.Unlock(sched, root)
	require.Zero(t, ic.Put(sched, root))
	require.Zero(t, log.EndOp(sched))
}

func TestNameiNestedPath(t *testing.T) {
	_, log, ic, _, sched := newTestFS(t)

	log.BeginOp(sched)
	sub, err := ic.Create(sched, inode.ROOTINO, "a", defs.I_DIR, 0, 0)
	require.Zero(t, err)
	subInum := sub.Inum
	ic.Unlock(sched, sub)
	require.Zero(t, ic.Put(sched, sub))

	leaf, err := ic.Create(sched, subInum, "b", defs.I_FILE, 0, 0)
	require.Zero(t, err)
	leafInum := leaf.Inum
	ic.Unlock(sched, leaf)
	require.Zero(t, ic.Put(sched, leaf))
	require.Zero(t, log.EndOp(sched))

	r, err := ic.Namei(sched, inode.ROOTINO, "a/b")
	require.Zero(t, err)
	require.Equal(t, leafInum, r.Inum)
	require.Zero(t, ic.Put(sched, r))
}

// TestPutTruncatesUnlinkedFile exercises the truncate-on-put path: once
// a file's link count drops to zero, the next Put must free its data
// blocks and mark it unused on disk (spec.md section 4's "truncate-on-
// put is itself a logged operation").
func TestPutTruncatesUnlinkedFile(t *testing.T) {
	_, log, ic, _, sched := newTestFS(t)

	log.BeginOp(sched)
	f, err := ic.Create(sched, inode.ROOTINO, "gone.txt", defs.I_FILE, 0, 0)
	require.Zero(t, err)
	fInum := f.Inum
	payload := make([]byte, bcache.BSIZE*2)
	n, err := ic.Writei(sched, f, payload, 0)
	require.Zero(t, err)
	require.Equal(t, len(payload), n)
	ic.Unlock(sched, f)
	require.Zero(t, ic.Put(sched, f))
	require.Zero(t, log.EndOp(sched))

	log.BeginOp(sched)
	root, err := ic.Get(sched, inode.ROOTINO)
	require.Zero(t, err)
	require.Zero(t, ic.Lock(sched, root))
	victim, err := ic.Get(sched, fInum)
	require.Zero(t, err)
	require.Zero(t, ic.Lock(sched, victim))
	require.Zero(t, ic.DirUnlink(sched, root, victim, "gone.txt"))
	require.Equal(t, uint32(0), ic.Data(victim).Nlink)
	ic.Unlock(sched, victim)
	ic.Unlock(sched, root)
	require.Zero(t, ic.Put(sched, root))

	require.Zero(t, ic.Put(sched, victim))
	require.Zero(t, log.EndOp(sched))

	reopened, err := ic.Get(sched, fInum)
	require.Zero(t, err)
	require.Zero(t, ic.Lock(sched, reopened))
	require.EqualValues(t, defs.I_UNUSED, ic.Data(reopened).Type)
	require.Zero(t, ic.Data(reopened).Size)
	ic.Unlock(sched, reopened)
	require.Zero(t, ic.Put(sched, reopened))
}
