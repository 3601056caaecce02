package syscalldisp

import (
	"time"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/fsjournal"
	"github.com/antfarm/goxvkernel/internal/inode"
	"github.com/antfarm/goxvkernel/internal/proc"
	"github.com/antfarm/goxvkernel/internal/vm"
)

// Env bundles the filesystem and process-table collaborators every
// handler needs, the hosted stand-in for the global kernel state a real
// syscall.rs reaches through `myproc()`/static filesystem handles.
type Env struct {
	IC    *inode.Cache
	Log   *fsjournal.Log
	Table *proc.Table
	Boot  time.Time
}

const maxFetchLen = 4096

// fetchstr reads a NUL-terminated string out of as starting at va,
// mirroring original_source/kernel/src/sysfile.rs's fetchstr: it never
// trusts user memory to actually be NUL-terminated within bounds, and
// fails with ENAMETOOLONG rather than reading past maxFetchLen.
func fetchstr(as *vm.AddrSpace, va uintptr) (string, defs.Err_t) {
	buf := make([]byte, 0, 64)
	var b [1]byte
	for i := 0; i < maxFetchLen; i++ {
		if err := as.CopyIn(va+uintptr(i), b[:]); err != 0 {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), 0
		}
		buf = append(buf, b[0])
	}
	return "", -defs.ENAMETOOLONG
}
