// Package syscalldisp implements the system-call numbers and the
// dispatcher that turns a raw (number, a0, a1, a2) syscall frame into
// the matching filesystem/process-table operation (spec.md section 6/7).
//
// There is no biscuit/src/syscall source in the retrieved pack either
// (same gap as internal/proc), so this package is grounded on
// original_source/kernel/src/syscall.rs's `syscall` match arm (the
// number-to-handler table and the post-dispatch `if proc.dead() {
// proc.exit(1) }` hook) and original_source/kernel/src/sysfile.rs for
// each handler's argument marshaling, translated into the teacher's
// Err_t/SchedCtx idiom rather than ported line for line. A real kernel's
// syscall entry marshals arguments out of saved registers and strings out
// of user memory reached through the page table; this hosted kernel has
// no register file, so a syscall frame is just three uintptr "registers"
// the caller supplies directly, and string arguments are still fetched
// through vm.AddrSpace.CopyIn exactly as the original's fetchstr does,
// preserving the same user/kernel boundary discipline.
package syscalldisp

// Syscall numbers, matching original_source/kernel/src/syscall.rs's
// match arms one for one.
const (
	FORK = iota + 1
	EXIT
	WAIT
	PIPE
	READ
	KILL
	EXEC
	FSTAT
	CHDIR
	DUP
	GETPID
	SBRK
	SLEEP
	UPTIME
	OPEN
	WRITE
	MKNOD
	UNLINK
	LINK
	MKDIR
	CLOSE
)
