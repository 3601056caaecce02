package inode

import (
	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/util"
)

// NDIRECT is the number of direct block pointers an inode carries.
const NDIRECT = 12

// NINDIRECT is the number of block pointers that fit in one indirect
// block.
const NINDIRECT = bcache.BSIZE / 8

// MAXFILE is the largest file size expressible, in blocks (spec.md
// section 6: "Maximum file size = (12 + 512) x 4 KiB").
const MAXFILE = NDIRECT + NINDIRECT

// dinodeSize is the on-disk size of one inode record (spec.md section
// 6: "On-disk inode (128 bytes)").
const dinodeSize = 128

// Dinode is the decoded form of spec.md section 6's on-disk inode:
// {type, major, minor, nlink u32; size u64; addrs[13] u64}. addrs[12]
// is the singly-indirect block.
type Dinode struct {
	Type  uint32
	Major uint32
	Minor uint32
	Nlink uint32
	Size  uint64
	Addrs [NDIRECT + 1]uint64
}

// decodeDinode unpacks the dinodeSize-byte record at the given offset
// within a raw inode-table block.
func decodeDinode(data []byte, off int) Dinode {
	var d Dinode
	d.Type = uint32(util.Readn(data, 4, off+0))
	d.Major = uint32(util.Readn(data, 4, off+4))
	d.Minor = uint32(util.Readn(data, 4, off+8))
	d.Nlink = uint32(util.Readn(data, 4, off+12))
	d.Size = uint64(util.Readn(data, 8, off+16))
	for i := range d.Addrs {
		d.Addrs[i] = uint64(util.Readn(data, 8, off+24+8*i))
	}
	return d
}

// encodeDinode packs d into the dinodeSize-byte record at off.
func encodeDinode(data []byte, off int, d Dinode) {
	util.Writen(data, 4, off+0, int(d.Type))
	util.Writen(data, 4, off+4, int(d.Major))
	util.Writen(data, 4, off+8, int(d.Minor))
	util.Writen(data, 4, off+12, int(d.Nlink))
	util.Writen(data, 8, off+16, int(d.Size))
	for i, a := range d.Addrs {
		util.Writen(data, 8, off+24+8*i, int(a))
	}
}

// dinodeOffset returns the byte offset of inum's record within its
// inode-table block.
func dinodeOffset(inum int) int {
	return (inum % IPB) * dinodeSize
}
