// Package stat mirrors the fixed-width struct returned by fstat,
// grounded on biscuit/src/stat/stat.go's Stat_t accessor style.
package stat

import "github.com/antfarm/goxvkernel/internal/util"

// Size is the wire size of an encoded Stat_t (spec.md section 7's
// FSTAT syscall: "a fixed-size struct copied to user memory").
const Size = 9 * 8

// Stat_t mirrors a file's stat information. Fields are unexported so
// every access goes through the accessors below, exactly as the
// teacher's Stat_t does.
type Stat_t struct {
	dev    uint64
	ino    uint64
	mode   uint64
	size   uint64
	rdev   uint64
	uid    uint64
	blocks uint64
	mSec   uint64
	mNsec  uint64
}

// Wdev stores the device ID.
func (st *Stat_t) Wdev(v uint64) { st.dev = v }

// Wino stores the inode number.
func (st *Stat_t) Wino(v uint64) { st.ino = v }

// Wmode records the file mode; callers store the inode type value
// (defs.I_FILE, I_DIR or I_DEV) as is.
func (st *Stat_t) Wmode(v uint64) { st.mode = v }

// Wsize records the file size.
func (st *Stat_t) Wsize(v uint64) { st.size = v }

// Wrdev stores the rdev field (device major/minor, for device inodes).
func (st *Stat_t) Wrdev(v uint64) { st.rdev = v }

// Mode returns the stored mode value.
func (st *Stat_t) Mode() uint64 { return st.mode }

// Size returns the stored size.
func (st *Stat_t) Size() uint64 { return st.size }

// Rdev returns the stored rdev.
func (st *Stat_t) Rdev() uint64 { return st.rdev }

// Rino returns the stored inode number.
func (st *Stat_t) Rino() uint64 { return st.ino }

// Bytes encodes st as the Size-byte little-endian record a user-space
// fstat() caller expects, in place of the teacher's unsafe.Pointer cast
// (which only round-trips on a native-endian, non-padded ABI) — the
// same little-endian-correctness deviation already made in
// internal/util and internal/vm.
func (st *Stat_t) Bytes() []uint8 {
	b := make([]uint8, Size)
	vals := []uint64{st.dev, st.ino, st.mode, st.size, st.rdev, st.uid, st.blocks, st.mSec, st.mNsec}
	for i, v := range vals {
		util.Writen(b, 8, i*8, int(v))
	}
	return b
}
