// Package pipe implements anonymous pipes: a one-page ring buffer
// shared by a reader and writer end, each blocking against the other
// through the process scheduler's sleep/wakeup primitive. Grounded on
// original_source/kernel/src/pipe.rs's Pipe/PipeReader/PipeWriter
// (monotonic nread/nwrite counters, readable()/is_full()/broken()
// predicates, read_chan()/write_chan() as the sleeper/waker channel
// identities). The Rust original also hand-rolls a PipeSlab bump
// allocator over a kalloc'd page because it has no general-purpose heap
// allocator available at that layer; this kernel runs hosted atop Go's
// allocator; a slab would only add an unneeded intermediate free list,
// so each pipe is simply its own *Pipe, grounded the same way
// internal/mem's arena replaces real physical pages while every
// _algorithm_ layered on top of it (buffer states, wraparound math)
// still follows the teacher's shape.
package pipe

import (
	"unsafe"

	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/stat"
)

// PipeSize is the ring buffer's capacity in bytes (spec.md section 6:
// "one page of buffering per pipe").
const PipeSize = 4096

// Pipe is the shared buffer state behind one reader/writer pair.
type Pipe struct {
	guard     lock.Spinlock_t
	data      [PipeSize]byte
	nread     uint64
	nwrite    uint64
	readOpen  bool
	writeOpen bool
}

// New allocates a fresh, open pipe.
func New() *Pipe {
	return &Pipe{readOpen: true, writeOpen: true}
}

// ReadChan is the channel readers sleep on; a writer wakes it once it has
// written data.
func (p *Pipe) ReadChan() uintptr { return uintptr(unsafe.Pointer(&p.nread)) }

// WriteChan is the channel a reader wakes once it has freed space.
func (p *Pipe) WriteChan() uintptr { return uintptr(unsafe.Pointer(&p.nwrite)) }

func (p *Pipe) isEmpty() bool { return p.nread == p.nwrite }
func (p *Pipe) isFull() bool  { return p.nread+PipeSize == p.nwrite }
func (p *Pipe) readable() bool {
	return !p.isEmpty() || !p.writeOpen
}
func (p *Pipe) broken() bool { return !p.readOpen }

// Reader is the Fdops_i backing for a pipe's read end.
type Reader struct {
	p      *Pipe
	refcnt int
}

// Writer is the Fdops_i backing for a pipe's write end.
type Writer struct {
	p      *Pipe
	refcnt int
}

// NewEnds builds a connected reader/writer pair over a fresh Pipe
// (spec.md section 7's pipe() syscall).
func NewEnds() (*Reader, *Writer) {
	p := New()
	return &Reader{p: p, refcnt: 1}, &Writer{p: p, refcnt: 1}
}

func (r *Reader) Read(sched lock.SchedCtx, dst []byte) (int, defs.Err_t) {
	p := r.p
	cpu := sched.Cpu()
	p.guard.Acquire(cpu)
	defer p.guard.Release(cpu)
	for !p.readable() {
		sched.Sleep(p.ReadChan(), &p.guard, cpu)
	}
	k := 0
	for k < len(dst) && !p.isEmpty() {
		dst[k] = p.data[p.nread%PipeSize]
		p.nread++
		k++
	}
	sched.Wakeup(p.WriteChan())
	return k, 0
}

func (r *Reader) Write(sched lock.SchedCtx, src []byte) (int, defs.Err_t) {
	return 0, -defs.EBADF
}

func (r *Reader) Fstat(sched lock.SchedCtx, st *stat.Stat_t) defs.Err_t {
	st.Wmode(defs.I_DEV)
	return 0
}

func (r *Reader) Close(sched lock.SchedCtx) defs.Err_t {
	r.refcnt--
	if r.refcnt > 0 {
		return 0
	}
	p := r.p
	cpu := sched.Cpu()
	p.guard.Acquire(cpu)
	p.readOpen = false
	p.guard.Release(cpu)
	sched.Wakeup(p.WriteChan())
	return 0
}

func (r *Reader) Reopen(sched lock.SchedCtx) defs.Err_t {
	r.refcnt++
	return 0
}

func (w *Writer) Read(sched lock.SchedCtx, dst []byte) (int, defs.Err_t) {
	return 0, -defs.EBADF
}

func (w *Writer) Write(sched lock.SchedCtx, src []byte) (int, defs.Err_t) {
	p := w.p
	cpu := sched.Cpu()
	p.guard.Acquire(cpu)
	defer p.guard.Release(cpu)
	for i, b := range src {
		for p.isFull() {
			if p.broken() {
				return i, -defs.EPIPE
			}
			sched.Wakeup(p.ReadChan())
			sched.Sleep(p.WriteChan(), &p.guard, cpu)
		}
		p.data[p.nwrite%PipeSize] = b
		p.nwrite++
	}
	sched.Wakeup(p.ReadChan())
	return len(src), 0
}

func (w *Writer) Fstat(sched lock.SchedCtx, st *stat.Stat_t) defs.Err_t {
	st.Wmode(defs.I_DEV)
	return 0
}

func (w *Writer) Close(sched lock.SchedCtx) defs.Err_t {
	w.refcnt--
	if w.refcnt > 0 {
		return 0
	}
	p := w.p
	cpu := sched.Cpu()
	p.guard.Acquire(cpu)
	p.writeOpen = false
	p.guard.Release(cpu)
	sched.Wakeup(p.ReadChan())
	return 0
}

func (w *Writer) Reopen(sched lock.SchedCtx) defs.Err_t {
	w.refcnt++
	return 0
}
