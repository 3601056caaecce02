// Package fsjournal implements the physical redo log that gives the
// file system group-commit crash consistency (spec.md section 4.6).
// There is no biscuit/src/fs/log.go in the retrieved pack (only
// fs/blk.go and fs/super.go survived retrieval), so this package is
// grounded directly on spec.md's commit/recovery algorithm and on
// original_source/kernel/src/fslog.rs for the handful of details the
// distilled spec leaves implicit (header-block encoding, the
// zero-count header as the "log is empty" sentinel).
package fsjournal

import (
	"unsafe"

	"github.com/antfarm/goxvkernel/internal/bcache"
	"github.com/antfarm/goxvkernel/internal/defs"
	"github.com/antfarm/goxvkernel/internal/lock"
	"github.com/antfarm/goxvkernel/internal/util"
)

// Log is the process-wide journal singleton tied to one device (spec.md
// section 4.6).
type Log struct {
	mu lock.Spinlock_t

	bc         *bcache.Cache
	start      int // header block number
	capacity   int // blocks, including the header
	maxOpBlks  int

	blocks     []int // in-memory list of logged block numbers, no dupes
	outstanding int
	committing  bool
}

// New builds a Log over the capacity-block region starting at startBlock
// (spec.md: "on-disk layout: one header block ... then N data blocks").
func New(bc *bcache.Cache, startBlock, capacity, maxOpBlocks int) *Log {
	return &Log{bc: bc, start: startBlock, capacity: capacity, maxOpBlks: maxOpBlocks}
}

// Recover replays a possibly-interrupted commit found at boot (spec.md:
// "read the header; for each listed block, copy log-data to its
// destination and write; then zero the header"). It must run before any
// begin_op.
func (l *Log) Recover(sched lock.SchedCtx) defs.Err_t {
	hdr, err := l.bc.Read(l.start, sched)
	if err != 0 {
		return err
	}
	n := int(util.Readn(hdr.Data()[:], 8, 0))
	nums := make([]int, n)
	for i := 0; i < n; i++ {
		nums[i] = int(util.Readn(hdr.Data()[:], 8, 8+8*i))
	}
	l.bc.Release(hdr, sched)
	for i, dst := range nums {
		logBlk, err := l.bc.Read(l.start+1+i, sched)
		if err != 0 {
			return err
		}
		dstBlk, err := l.bc.Get(dst, sched)
		if err != 0 {
			l.bc.Release(logBlk, sched)
			return err
		}
		*dstBlk.Data() = *logBlk.Data()
		dstBlk.MarkDirty()
		if err := l.bc.FlushBlock(dstBlk); err != 0 {
			return err
		}
		l.bc.Release(logBlk, sched)
		l.bc.Release(dstBlk, sched)
	}
	return l.writeHeader(sched, nil)
}

// begin-op: wait until not committing and capacity allows one more
// outstanding transaction, then reserve a slot (spec.md section 4.6).
func (l *Log) BeginOp(sched lock.SchedCtx) {
	cpu := sched.Cpu()
	l.mu.Acquire(cpu)
	for l.committing || (l.outstanding+1)*l.maxOpBlks > l.capacity-1 {
		sched.Sleep(l.chanAddr(), &l.mu, cpu)
	}
	l.outstanding++
	l.mu.Release(cpu)
}

// LogWrite records buf's block number in the transaction and marks it
// DIRTY, pinning it in the cache until commit (spec.md section 4.6's
// log-write). The caller must hold buf's sleep lock.
func (l *Log) LogWrite(sched lock.SchedCtx, buf *bcache.Buf) {
	cpu := sched.Cpu()
	l.mu.Acquire(cpu)
	found := false
	for _, b := range l.blocks {
		if b == buf.Blockno() {
			found = true
			break
		}
	}
	if !found {
		l.blocks = append(l.blocks, buf.Blockno())
	}
	l.mu.Release(cpu)
	buf.MarkDirty()
}

// EndOp decrements the outstanding-transaction counter and, if it
// reaches zero with logged blocks pending, performs the commit (spec.md
// section 4.6's end-op).
func (l *Log) EndOp(sched lock.SchedCtx) defs.Err_t {
	cpu := sched.Cpu()
	l.mu.Acquire(cpu)
	l.outstanding--
	doCommit := false
	if l.outstanding == 0 && len(l.blocks) > 0 {
		l.committing = true
		doCommit = true
	}
	l.mu.Release(cpu)

	var err defs.Err_t
	if doCommit {
		err = l.commit(sched)
		l.mu.Acquire(cpu)
		l.committing = false
		l.mu.Release(cpu)
	}
	sched.Wakeup(l.chanAddr())
	return err
}

// commit executes the five-step group-commit procedure (spec.md section
// 4.6): copy cached buffers to log-data blocks and write them, write the
// header with the real count, copy log-data to the destination blocks
// and write them, write a zero-count header, clear the in-memory list.
func (l *Log) commit(sched lock.SchedCtx) defs.Err_t {
	nums := append([]int(nil), l.blocks...)

	for i, bn := range nums {
		src, err := l.bc.Get(bn, sched)
		if err != 0 {
			return err
		}
		logBlk, err := l.bc.Get(l.start+1+i, sched)
		if err != 0 {
			l.bc.Release(src, sched)
			return err
		}
		*logBlk.Data() = *src.Data()
		if err := l.bc.FlushBlock(logBlk); err != 0 {
			return err
		}
		l.bc.Release(src, sched)
		l.bc.Release(logBlk, sched)
	}

	if err := l.writeHeader(sched, nums); err != 0 {
		return err
	}

	for i, bn := range nums {
		logBlk, err := l.bc.Read(l.start+1+i, sched)
		if err != 0 {
			return err
		}
		dst, err := l.bc.Get(bn, sched)
		if err != 0 {
			l.bc.Release(logBlk, sched)
			return err
		}
		*dst.Data() = *logBlk.Data()
		if err := l.bc.FlushBlock(dst); err != 0 {
			return err
		}
		l.bc.Release(logBlk, sched)
		l.bc.Release(dst, sched)
	}

	if err := l.writeHeader(sched, nil); err != 0 {
		return err
	}

	l.mu.Acquire(sched.Cpu())
	l.blocks = l.blocks[:0]
	l.mu.Release(sched.Cpu())
	return 0
}

// writeHeader writes the header block with len(nums) and the block
// numbers in nums (nil writes a zero-count header).
func (l *Log) writeHeader(sched lock.SchedCtx, nums []int) defs.Err_t {
	hdr, err := l.bc.Get(l.start, sched)
	if err != 0 {
		return err
	}
	data := hdr.Data()
	for i := range data {
		data[i] = 0
	}
	util.Writen(data[:], 8, 0, len(nums))
	for i, bn := range nums {
		util.Writen(data[:], 8, 8+8*i, bn)
	}
	hdr.MarkDirty()
	err = l.bc.FlushBlock(hdr)
	l.bc.Release(hdr, sched)
	return err
}

// chanAddr is the opaque wait-channel identity begin-op waiters sleep
// on: the log's own address, following spec.md's "sleep on a structure's
// own address" idiom used throughout (section 4.3's sleeplock, section
// 4.9's pipes).
func (l *Log) chanAddr() uintptr {
	return uintptr(unsafe.Pointer(l))
}
