// Package kcache provides the bucketed hash table the block cache's
// block-number index is built on: lock-free reads via atomic pointer
// loads over a chained bucket array, per-bucket write locks. Adapted
// from biscuit/src/hashtable/hashtable.go, trimmed to plain int keys
// (block numbers; the inode cache scans its own slot array and does not
// use this table) and stripped of the generic ustr.Ustr/string key
// paths and debug-only accessors (GetRLock, String) the original carried
// for benchmarking against nothing that's on the call path here.
package kcache

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem_t struct {
	key   int
	value any
	next  *elem_t
}

type bucket_t struct {
	sync.Mutex
	first *elem_t
}

// Table is a fixed-bucket-count hash table keyed by int, used to give
// the block cache O(1) expected lookup without a single table-wide lock
// serializing every Get.
type Table struct {
	buckets []*bucket_t
}

// New allocates a table with the given bucket count. Size should be on
// the order of the cache's capacity to keep chains short.
func New(nbuckets int) *Table {
	t := &Table{buckets: make([]*bucket_t, nbuckets)}
	for i := range t.buckets {
		t.buckets[i] = &bucket_t{}
	}
	return t
}

func (t *Table) bucket(key int) *bucket_t {
	h := uint32(key) * 2654435761
	return t.buckets[int(h)%len(t.buckets)]
}

// Get performs a lock-free lookup by key.
func (t *Table) Get(key int) (any, bool) {
	b := t.bucket(key)
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.key == key {
			return e.value, true
		}
	}
	return nil, false
}

// Set inserts key/value, returning false without modifying the table if
// key is already present.
func (t *Table) Set(key int, value any) bool {
	b := t.bucket(key)
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			return false
		}
	}
	n := &elem_t{key: key, value: value, next: b.first}
	storeptr(&b.first, n)
	return true
}

// Del removes key from the table. It panics if key is absent, matching
// the teacher's del-of-nonexistent-key invariant: cache eviction always
// knows what it is evicting.
func (t *Table) Del(key int) {
	b := t.bucket(key)
	b.Lock()
	defer b.Unlock()
	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
	panic("kcache: del of non-existing key")
}

func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	p := atomic.LoadPointer(ptr)
	return (*elem_t)(p)
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, (unsafe.Pointer)(n))
}
