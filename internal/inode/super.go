// Package inode implements the in-memory inode cache, directory
// operations, and path resolution (spec.md section 4.7), layered on
// internal/bcache for block I/O and internal/fsjournal for crash
// consistency. There is no biscuit/src/fs/fs.go (or inode.go) in the
// retrieved pack — only fs/blk.go and fs/super.go survived retrieval —
// so the inode/directory/namei algorithms here are grounded directly on
// spec.md section 4.7 and on original_source/kernel/src/fs.rs, the
// xv6-style Rust original this spec was distilled from, translated into
// the teacher's own struct-plus-methods idiom rather than ported
// line-for-line.
package inode

import (
	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/util"
)

// ROOTINO is the inode number of the root directory (spec.md section
// 4.7: "namei... starts at root inode if path begins with /").
const ROOTINO = 1

// Superblock mirrors spec.md section 6's on-disk superblock: seven
// 8-byte little-endian fields occupying the first 56 bytes of the
// superblock's block, grounded on biscuit/src/fs/super.go's
// field-accessor style (fieldr/fieldw over a raw page) but with the
// field set spec.md actually names instead of the teacher's own.
type Superblock struct {
	Size       uint64 // total blocks
	Nblocks    uint64 // data blocks
	Ninodes    uint64
	Nlog       uint64
	LogStart   uint64
	InodeStart uint64
	BmapStart  uint64
}

const sbFieldSize = 8
const sbNumFields = 7

// IPB is the number of on-disk inodes that fit in one block.
const IPB = bcache.BSIZE / dinodeSize

// BPB is the number of bitmap bits (free-block flags) that fit in one
// block.
const BPB = bcache.BSIZE * 8

// IBlock returns the inode-table block number holding inum.
func (sb *Superblock) IBlock(inum int) int {
	return inum/IPB + int(sb.InodeStart)
}

// BBlock returns the bitmap block number holding the free-bit for
// data block b.
func (sb *Superblock) BBlock(b int) int {
	return b/BPB + int(sb.BmapStart)
}

// DecodeSuperblock reads a Superblock out of a raw block's first 56 bytes.
func DecodeSuperblock(data []byte) *Superblock {
	vals := make([]uint64, sbNumFields)
	for i := range vals {
		vals[i] = uint64(util.Readn(data, sbFieldSize, i*sbFieldSize))
	}
	return &Superblock{
		Size:       vals[0],
		Nblocks:    vals[1],
		Ninodes:    vals[2],
		Nlog:       vals[3],
		LogStart:   vals[4],
		InodeStart: vals[5],
		BmapStart:  vals[6],
	}
}

// Encode writes sb into the first 56 bytes of data.
func (sb *Superblock) Encode(data []byte) {
	vals := []uint64{sb.Size, sb.Nblocks, sb.Ninodes, sb.Nlog, sb.LogStart, sb.InodeStart, sb.BmapStart}
	for i, v := range vals {
		util.Writen(data, sbFieldSize, i*sbFieldSize, int(v))
	}
}

// ReadSuperblock reads the superblock from its fixed block number
// (block 1, immediately after the boot block, per spec.md section 6's
// disk layout).
func ReadSuperblock(bc *bcache.Cache, sched lock.SchedCtx) (*Superblock, defs.Err_t) {
	const sbBlock = 1
	buf, err := bc.Read(sbBlock, sched)
	if err != 0 {
		return nil, err
	}
	sb := DecodeSuperblock(buf.Data()[:])
	bc.Release(buf, sched)
	return sb, 0
}
