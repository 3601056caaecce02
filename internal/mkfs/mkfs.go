// Package mkfs formats a fresh file system onto a backing disk image:
// superblock, empty journal, inode table, free-block bitmap, and a root
// directory containing "." and "..". Grounded on biscuit/src/mkfs/mkfs.go's
// role as a standalone step that runs before the kernel ever boots off a
// disk image — that package builds its layout by calling into the
// teacher's own ufs package (not retrieved into this pack), so this
// implementation drives the layout directly through internal/bcache,
// internal/fsjournal, and internal/inode instead, the same three
// collaborators the running kernel itself uses once booted.
package mkfs

import (
	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/disk"
	"github.com/antfarm/goxvkernel/internal/fsjournal"
	"github.com/antfarm/goxvkernel/internal/inode"
	"github.com/antfarm/goxvkernel/internal/lock"
)

// Options controls the layout mkfs.Format carves out of a disk image.
type Options struct {
	Ninodes     uint64
	LogBlocks   int
	MaxOpBlocks int
	NBuf        int
	NInode      int
}

// DefaultOptions mirrors internal/bootcfg.Default's sizing, scaled for a
// one-shot formatting pass rather than a running kernel.
func DefaultOptions() Options {
	return Options{
		Ninodes:     200,
		LogBlocks:   1024,
		MaxOpBlocks: 10,
		NBuf:        10 * 8,
		NInode:      200,
	}
}

// Format lays out spec.md section 6's disk layout (boot, superblock, log,
// inode table, bitmap, data) on d and creates the root directory, the
// bootstrapping original_source/kernel/src/fs.rs's mount() expects to
// already be on disk: inode 1 (inode.ROOTINO), type directory, containing
// "." and ".." entries pointing back at itself. The boot block (block 0)
// is left untouched — it is the disk-image prefix reserved for the
// external boot-loader collaborator (spec.md section 1's out-of-scope
// "boot entry stub"), which this hosted kernel never writes.
func Format(d *disk.Driver, sched lock.SchedCtx, opt Options) (*inode.Superblock, defs.Err_t) {
	size := d.Nblocks()
	ninodeblocks := int(opt.Ninodes)/inode.IPB + 1
	nbitmapblocks := size/inode.BPB + 1
	nlog := opt.LogBlocks
	nmeta := 2 + nlog + ninodeblocks + nbitmapblocks
	if nmeta >= size {
		return nil, -defs.ENOSPC
	}

	// internal/inode's balloc (internal/inode/alloc.go) scans bitmap bits
	// [0, sb.Nblocks) as absolute block numbers, the same convention
	// internal/inode's own test fixture (newTestFS in inode_test.go) uses:
	// Nblocks covers the whole disk, and the metadata prefix is marked
	// already-allocated in the bitmap rather than excluded from the scan
	// range, since balloc has no other way to know those blocks are
	// spoken for.
	sb := &inode.Superblock{
		Size:       uint64(size),
		Nblocks:    uint64(size),
		Ninodes:    opt.Ninodes,
		Nlog:       uint64(nlog),
		LogStart:   2,
		InodeStart: uint64(2 + nlog),
		BmapStart:  uint64(2 + nlog + ninodeblocks),
	}

	bc := bcache.New(d, opt.NBuf)

	if err := writeRaw(bc, sched, 1, func(data []byte) { sb.Encode(data) }); err != 0 {
		return nil, err
	}
	if err := writeRaw(bc, sched, int(sb.LogStart), func(data []byte) {
		for i := range data {
			data[i] = 0
		}
	}); err != 0 {
		return nil, err
	}
	if err := markReserved(bc, sched, sb, nmeta); err != 0 {
		return nil, err
	}

	log := fsjournal.New(bc, int(sb.LogStart), nlog, opt.MaxOpBlocks)
	if err := log.Recover(sched); err != 0 {
		return nil, err
	}
	ic := inode.New(bc, log, sb, opt.NInode)

	log.BeginOp(sched)
	root, err := ic.Ialloc(sched, defs.I_DIR)
	if err != 0 {
		log.EndOp(sched)
		return nil, err
	}
	ic.Data(root).Nlink = 1
	if err := ic.Update(sched, root); err != 0 {
		ic.Unlock(sched, root)
		ic.Put(sched, root)
		log.EndOp(sched)
		return nil, err
	}
	if err := ic.DirLink(sched, root, ".", root.Inum); err != 0 {
		ic.Unlock(sched, root)
		ic.Put(sched, root)
		log.EndOp(sched)
		return nil, err
	}
	if err := ic.DirLink(sched, root, "..", root.Inum); err != 0 {
		ic.Unlock(sched, root)
		ic.Put(sched, root)
		log.EndOp(sched)
		return nil, err
	}
	ic.Unlock(sched, root)
	ic.Put(sched, root)
	if err := log.EndOp(sched); err != 0 {
		return nil, err
	}

	if derr := d.Flush(); derr != 0 {
		return nil, derr
	}
	return sb, 0
}

// writeRaw stages a block through the cache, applies fill, and flushes it
// straight to disk — used only for the superblock and the initial empty
// log header, both of which must exist before any journal transaction can
// run.
func writeRaw(bc *bcache.Cache, sched lock.SchedCtx, blockno int, fill func([]byte)) defs.Err_t {
	buf, err := bc.Get(blockno, sched)
	if err != 0 {
		return err
	}
	fill(buf.Data()[:])
	buf.MarkDirty()
	err = bc.FlushBlock(buf)
	bc.Release(buf, sched)
	return err
}

// markReserved sets the free-block bitmap bit for every block number
// below nmeta (boot block, superblock, log, inode table, and the bitmap
// itself), so balloc — which otherwise has no notion of "metadata" and
// just scans for a clear bit starting at block 0 — never hands one of
// them out as a data block. Written raw rather than through
// internal/fsjournal since the journal has no header on disk yet at
// this point in Format.
func markReserved(bc *bcache.Cache, sched lock.SchedCtx, sb *inode.Superblock, nmeta int) defs.Err_t {
	for b := 0; b < nmeta; b += inode.BPB {
		bn := sb.BBlock(b)
		if err := writeRaw(bc, sched, bn, func(data []byte) {
			for bi := 0; bi < inode.BPB && b+bi < nmeta; bi++ {
				data[bi/8] |= 1 << uint(bi%8)
			}
		}); err != 0 {
			return err
		}
	}
	return 0
}
