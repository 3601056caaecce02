// Package disk implements the backing block device: a regular file,
// accessed with positioned reads/writes and an explicit durability
// barrier. Grounded on biscuit/src/ufs/driver.go's ahci_disk_t, which
// simulates the AHCI controller with an *os.File and a Seek-then-
// Read/Write pair serialized by a mutex. This version uses
// golang.org/x/sys/unix's Pread/Pwrite/Fdatasync instead: positioned I/O
// makes the seek-then-access race the teacher's mutex exists to prevent
// structurally impossible, so concurrent readers no longer serialize
// behind each other, and Flush uses Fdatasync, a real fsync-family
// syscall, instead of the teacher's whole-file os.File.Sync.
package disk

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/antfarm/goxvkernel/internal/defs"
)

// Driver is a file-backed block device of fixed block size.
type Driver struct {
	mu        sync.RWMutex
	f         *os.File
	blockSize int
	nblocks   int
}

// Open opens (creating if necessary) a disk image of nblocks blocks of
// blockSize bytes each, extending a short or missing file to the full
// size.
func Open(path string, blockSize, nblocks int) (*Driver, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	sz := int64(blockSize) * int64(nblocks)
	if err := f.Truncate(sz); err != nil {
		f.Close()
		return nil, err
	}
	return &Driver{f: f, blockSize: blockSize, nblocks: nblocks}, nil
}

// BlockSize returns the device's fixed block size in bytes.
func (d *Driver) BlockSize() int { return d.blockSize }

// Nblocks returns the device's capacity in blocks.
func (d *Driver) Nblocks() int { return d.nblocks }

func (d *Driver) checkBlock(blockno int) defs.Err_t {
	if blockno < 0 || blockno >= d.nblocks {
		return -defs.EINVAL
	}
	return 0
}

// ReadBlock reads block blockno into buf, which must be exactly
// BlockSize() bytes.
func (d *Driver) ReadBlock(blockno int, buf []byte) defs.Err_t {
	if err := d.checkBlock(blockno); err != 0 {
		return err
	}
	if len(buf) != d.blockSize {
		return -defs.EINVAL
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	off := int64(blockno) * int64(d.blockSize)
	n, err := unix.Pread(int(d.f.Fd()), buf, off)
	if err != nil || n != d.blockSize {
		return -defs.EIO
	}
	return 0
}

// WriteBlock writes buf (exactly BlockSize() bytes) to block blockno.
// It does not itself guarantee durability; call Flush for that.
func (d *Driver) WriteBlock(blockno int, buf []byte) defs.Err_t {
	if err := d.checkBlock(blockno); err != 0 {
		return err
	}
	if len(buf) != d.blockSize {
		return -defs.EINVAL
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	off := int64(blockno) * int64(d.blockSize)
	n, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	if err != nil || n != d.blockSize {
		return -defs.EIO
	}
	return 0
}

// Flush forces prior writes to stable storage. mkfs, fsck and kernel
// shutdown call it; the journal's commit does not, so its block writes
// are ordered only by the order of the WriteBlock calls.
func (d *Driver) Flush() defs.Err_t {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return -defs.EIO
	}
	return 0
}

// Close releases the underlying file.
func (d *Driver) Close() error {
	return d.f.Close()
}
