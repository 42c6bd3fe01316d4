// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pagecache implements the allocator's Page Cache tier: the
// component that fronts the OS, owns every span of pages currently in
// play (free or handed out), splits and best-fit-coalesces them, and
// amortizes OS calls across the rest of the allocator. See PageCache.h
// and PageCache.cpp in the original C++ source for its direct ancestor:
// an unbounded map from page count to a free-span list, searched with
// lower_bound for the smallest span at least as large as the request.
package pagecache

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/fire1220/gotcmalloc/internal/osmem"

	"go.uber.org/zap"
)

// PageSize is the page granularity spans are measured in.
const PageSize = osmem.PageSize

// ErrOutOfMemory is returned when the OS cannot satisfy a page
// acquisition request.
var ErrOutOfMemory = errors.New("pagecache: out of memory")

// spanInfo is bookkeeping for one span, free or live. It is kept
// out-of-band (not written into the span's own bytes) because a live
// span's bytes belong entirely to whoever holds it; only a *free*
// span's first word doubles as an intrusive free-list link.
type spanInfo struct {
	pages uintptr
	free  bool
}

// PageCache satisfies requests for contiguous runs of pages, splits
// and coalesces them, and is the sole owner of the OS-acquisition
// boundary for the small-object path. All state is guarded by one
// mutex, per spec §4.1.
type PageCache struct {
	mu sync.Mutex

	// freeByPages[n] holds the address of the head of an intrusive,
	// singly-linked list of free spans with exactly n pages. A free
	// span's first machine word holds the address of the next free
	// span of the same bucket, or 0 if it is the tail. There is no
	// size ceiling on a bucket's key, matching the original's
	// unbounded std::map<size_t, Span*>.
	freeByPages map[uintptr]uintptr

	// live tracks every span this cache currently knows about,
	// free or handed out, keyed by start address.
	live map[uintptr]*spanInfo

	log *zap.Logger
}

// New returns an empty PageCache. log may be nil, in which case
// diagnostics are discarded.
func New(log *zap.Logger) *PageCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &PageCache{
		freeByPages: make(map[uintptr]uintptr),
		live:        make(map[uintptr]*spanInfo),
		log:         log,
	}
}

func readNext(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func writeNext(addr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next
}

// pushFree links span (start, pages) onto the head of its free bucket.
// Caller must hold mu.
func (pc *PageCache) pushFree(start, pages uintptr) {
	writeNext(start, pc.freeByPages[pages])
	pc.freeByPages[pages] = start
	pc.live[start] = &spanInfo{pages: pages, free: true}
}

// popBestFit finds and detaches the smallest free span with at least
// nPages pages, mirroring m_freeSpansMap.lower_bound(pageNum) over the
// original's std::map<size_t, Span*>: freeByPages has no size
// ceiling, so every distinct free span size is a candidate. Caller
// must hold mu.
func (pc *PageCache) popBestFit(nPages uintptr) (start, pages uintptr, ok bool) {
	best := uintptr(0)
	for k := range pc.freeByPages {
		if k >= nPages && (best == 0 || k < best) {
			best = k
		}
	}
	if best == 0 {
		return 0, 0, false
	}
	start = pc.freeByPages[best]
	pc.detachHead(best)
	return start, best, true
}

// detachHead removes the head span of bucket key. Caller must hold mu.
func (pc *PageCache) detachHead(key uintptr) {
	head := pc.freeByPages[key]
	if head == 0 {
		return
	}
	next := readNext(head)
	if next == 0 {
		delete(pc.freeByPages, key)
	} else {
		pc.freeByPages[key] = next
	}
	pc.live[head].free = false
}

// unlinkFree removes a specific free span addr from its bucket's
// list, used by coalescing to pull out a neighbor mid-list. Caller
// must hold mu.
func (pc *PageCache) unlinkFree(addr uintptr, pages uintptr) {
	var prev uintptr
	cur := pc.freeByPages[pages]
	for cur != 0 {
		next := readNext(cur)
		if cur == addr {
			if prev == 0 {
				if next == 0 {
					delete(pc.freeByPages, pages)
				} else {
					pc.freeByPages[pages] = next
				}
			} else {
				writeNext(prev, next)
			}
			return
		}
		prev = cur
		cur = next
	}
}

// AllocateSpan satisfies a request for nPages contiguous pages,
// best-fit among cached free spans before falling back to the OS.
func (pc *PageCache) AllocateSpan(nPages uintptr) (start uintptr, err error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if start, pages, ok := pc.popBestFit(nPages); ok {
		if pages > nPages {
			tailStart := start + nPages*PageSize
			tailPages := pages - nPages
			pc.pushFree(tailStart, tailPages)
		}
		pc.live[start] = &spanInfo{pages: nPages, free: false}
		return start, nil
	}

	addr, err := osmem.Acquire(nPages * PageSize)
	if err != nil {
		pc.log.Warn("pagecache: OS acquisition failed", zap.Uintptr("pages", nPages))
		return 0, ErrOutOfMemory
	}
	pc.live[addr] = &spanInfo{pages: nPages, free: false}
	pc.log.Debug("pagecache: span acquired from OS", zap.Uintptr("start", addr), zap.Uintptr("pages", nPages))
	return addr, nil
}

// DeallocateSpan returns a span of nPages at start to the cache,
// forward-coalescing it with an immediately following free neighbor
// when one exists. Per spec §4.1, backward coalescing is permitted
// but not required and is not implemented here, matching the source.
func (pc *PageCache) DeallocateSpan(start, nPages uintptr) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if _, known := pc.live[start]; !known {
		// Not ours; a caller error, not our invariant to enforce.
		return
	}

	pages := nPages
	next := start + pages*PageSize
	if ninfo, ok := pc.live[next]; ok && ninfo.free {
		pc.unlinkFree(next, ninfo.pages)
		delete(pc.live, next)
		pages += ninfo.pages
		pc.log.Debug("pagecache: coalesced forward", zap.Uintptr("start", start), zap.Uintptr("pages", pages))
	}

	pc.pushFree(start, pages)
}

// Stats is a point-in-time snapshot of Page Cache occupancy, used by
// Allocator.Stats() and the operational CLI.
type Stats struct {
	LiveSpans     int
	FreeSpans     int
	FreePages     uintptr
	LivePagesHeld uintptr
}

// Stats returns a snapshot of current Page Cache state.
func (pc *PageCache) Stats() Stats {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	var s Stats
	for _, info := range pc.live {
		s.LiveSpans++
		if info.free {
			s.FreeSpans++
			s.FreePages += info.pages
		} else {
			s.LivePagesHeld += info.pages
		}
	}
	return s
}
