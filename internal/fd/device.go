package fd

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/stat"
)

// DeviceOps is the read/write pair a character device registers under
// its major number (spec.md section 6's fixed device-major table:
// D_CONSOLE, D_DEVNULL, D_RAWDISK). Only the console is wired up; raw
// disk access and /dev/null are named by the table but have no
// registered backing, so opening them fails with ENODEV.
type DeviceOps struct {
	Read  func(sched lock.SchedCtx, dst []byte) (int, defs.Err_t)
	Write func(sched lock.SchedCtx, src []byte) (int, defs.Err_t)
}

var (
	devicesMu sync.Mutex
	devices   = map[int]*DeviceOps{}
)

// RegisterDevice installs ops under major, replacing any prior
// registration. Called once at boot by internal/kernel.
func RegisterDevice(major int, ops *DeviceOps) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	devices[major] = ops
}

func lookupDevice(major int) (*DeviceOps, defs.Err_t) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	ops, ok := devices[major]
	if !ok {
		return nil, -defs.ENODEV
	}
	return ops, 0
}

// DeviceFile is the Fdops_i backing for a device-special inode (spec.md
// section 6: "open()ing a device-special file dispatches through a
// major-number table instead of the block layer").
type DeviceFile struct {
	mu     sync.Mutex
	major  int
	minor  int
	refcnt int
}

// OpenDevice resolves major against the device table and returns a
// fresh Fdops_i for it, or ENODEV if nothing is registered.
func OpenDevice(major, minor int) (Fdops_i, defs.Err_t) {
	if _, err := lookupDevice(major); err != 0 {
		return nil, err
	}
	return &DeviceFile{major: major, minor: minor, refcnt: 1}, 0
}

func (d *DeviceFile) Read(sched lock.SchedCtx, dst []byte) (int, defs.Err_t) {
	ops, err := lookupDevice(d.major)
	if err != 0 {
		return 0, err
	}
	if ops.Read == nil {
		return 0, -defs.EINVAL
	}
	return ops.Read(sched, dst)
}

func (d *DeviceFile) Write(sched lock.SchedCtx, src []byte) (int, defs.Err_t) {
	ops, err := lookupDevice(d.major)
	if err != 0 {
		return 0, err
	}
	if ops.Write == nil {
		return 0, -defs.EINVAL
	}
	return ops.Write(sched, src)
}

func (d *DeviceFile) Fstat(sched lock.SchedCtx, st *stat.Stat_t) defs.Err_t {
	st.Wmode(defs.I_DEV)
	st.Wrdev(defs.Mkdev(d.major, d.minor))
	return 0
}

func (d *DeviceFile) Close(sched lock.SchedCtx) defs.Err_t {
	d.mu.Lock()
	d.refcnt--
	d.mu.Unlock()
	return 0
}

func (d *DeviceFile) Reopen(sched lock.SchedCtx) defs.Err_t {
	d.mu.Lock()
	d.refcnt++
	d.mu.Unlock()
	return 0
}

// console backs D_CONSOLE with the process's real stdin/stdout, the
// same "simulated text console" internal/klog's doc comment carves out
// an exception for: a structured logger has no business intercepting a
// device the guest kernel treats as a raw byte stream.
type console struct {
	mu  sync.Mutex
	in  *bufio.Reader
}

var theConsole = &console{in: bufio.NewReader(os.Stdin)}

func (c *console) read(sched lock.SchedCtx, dst []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.in.Read(dst)
	if n == 0 && err != nil {
		return 0, -defs.EIO
	}
	return n, 0
}

func (c *console) write(sched lock.SchedCtx, src []byte) (int, defs.Err_t) {
	n, err := fmt.Print(string(src))
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}

// RegisterConsole wires D_CONSOLE up to the process's stdio, intended
// to be called once during kernel boot.
func RegisterConsole() {
	RegisterDevice(defs.D_CONSOLE, &DeviceOps{Read: theConsole.read, Write: theConsole.write})
}
