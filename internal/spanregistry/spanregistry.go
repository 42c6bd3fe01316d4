// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spanregistry implements the Span Registry: the shared
// directory answering "which span owns this block address?" that the
// Central Cache uses to decide when a span is wholly free and ready to
// return upstream. See spec §4.2.
package spanregistry

import (
	"errors"
	"sync/atomic"

	"github.com/fire1220/gotcmalloc/internal/osmem"
)

const pageSize = osmem.PageSize

// ErrCapacityExceeded is returned by Register when the registry has no
// free slot. Per spec §7, this is treated as a fatal invariant break
// in the source; this implementation instead refuses the registration
// and lets the caller decide (grow, or fail the allocation) — see
// DESIGN.md for the Open Question this resolves.
var ErrCapacityExceeded = errors.New("spanregistry: capacity exceeded")

// record is one span's metadata. All fields are accessed through the
// atomic package so that Find (read-only after a span publishes) never
// races with a concurrent Register of a different slot.
type record struct {
	start      atomic.Uintptr
	pages      atomic.Uintptr
	blockSize  atomic.Uintptr
	blockCount atomic.Int64
	freeCount  atomic.Int64
}

// Registry is a fixed-capacity, append-mostly table of span records.
// Registration is lock-free (one fetch-add reserves a slot); Find is a
// linear scan of occupied slots, a known scalability limit called out
// in spec §4.2 and §9 — a production reimplementation would replace
// this with a concurrent address-range tree keyed by page number.
type Registry struct {
	records []record
	next    atomic.Int64 // next unreserved slot index
	retired chan int     // recycled slot indices available for reuse
}

// New returns a Registry with room for capacity spans.
func New(capacity int) *Registry {
	return &Registry{
		records: make([]record, capacity),
		retired: make(chan int, capacity),
	}
}

// Register reserves a slot and publishes the span's metadata. The
// publish order is: write fields, then make the slot visible — here,
// "visible" is atomic.Uintptr.Store(start) as the last write, since
// Find keys off a non-zero start. This gives the release/acquire
// ordering spec §5 requires ("SR writes of a new span's fields must
// publish before the span's blocks are exposed on head[i]").
func (r *Registry) Register(start, pages, blockSize uintptr, blockCount, freeCount int64) error {
	idx, ok := r.reserveSlot()
	if !ok {
		return ErrCapacityExceeded
	}
	rec := &r.records[idx]
	rec.pages.Store(pages)
	rec.blockSize.Store(blockSize)
	rec.blockCount.Store(blockCount)
	rec.freeCount.Store(freeCount)
	rec.start.Store(start) // publish last: Find only trusts a non-zero start
	return nil
}

func (r *Registry) reserveSlot() (int, bool) {
	select {
	case idx := <-r.retired:
		return idx, true
	default:
	}
	idx := int(r.next.Add(1)) - 1
	if idx >= len(r.records) {
		return 0, false
	}
	return idx, true
}

// Handle is an opaque reference to a registered span, used to update
// or retire it without repeating an address lookup.
type Handle struct {
	idx int
	reg *Registry
}

// Find scans occupied slots for the one whose address range contains
// addr. It returns the zero Handle and false if no live span owns
// addr.
func (r *Registry) Find(addr uintptr) (Handle, bool) {
	n := int(r.next.Load())
	if n > len(r.records) {
		n = len(r.records)
	}
	for i := 0; i < n; i++ {
		rec := &r.records[i]
		start := rec.start.Load()
		if start == 0 {
			continue
		}
		pages := rec.pages.Load()
		if addr >= start && addr < start+pages*pageSize {
			return Handle{idx: i, reg: r}, true
		}
	}
	return Handle{}, false
}

// IncrementFree credits one freed block to the span's free count and
// returns the new count.
func (h Handle) IncrementFree() int64 {
	return h.reg.records[h.idx].freeCount.Add(1)
}

// DecrementFree debits one block from the span's free count and
// returns the new count. Called once per block a Central Cache hit
// walks off a class free list (spec's ground truth for this is
// CentralCache::fetchRange's per-node `spanTracker->freeCount.fetch_sub(1)`
// in the original source): those blocks were already counted free when
// the span was carved or last returned, and are no longer free once
// handed back out.
func (h Handle) DecrementFree() int64 {
	return h.reg.records[h.idx].freeCount.Add(-1)
}

// BlockCount returns the total number of blocks the span was carved
// into.
func (h Handle) BlockCount() int64 {
	return h.reg.records[h.idx].blockCount.Load()
}

// FreeCount returns the current free-block count.
func (h Handle) FreeCount() int64 {
	return h.reg.records[h.idx].freeCount.Load()
}

// Start returns the span's start address.
func (h Handle) Start() uintptr {
	return h.reg.records[h.idx].start.Load()
}

// Pages returns the span's page count.
func (h Handle) Pages() uintptr {
	return h.reg.records[h.idx].pages.Load()
}

// Retire logically removes the span from the registry: its start is
// cleared so Find skips it, and its slot index is pushed onto the
// retired channel for a future Register to reuse. Per spec §9, slot
// recycling after span return is an acknowledged design gap the
// source leaves open; this is this implementation's resolution.
func (h Handle) Retire() {
	rec := &h.reg.records[h.idx]
	rec.start.Store(0)
	rec.freeCount.Store(0)
	rec.blockCount.Store(0)
	select {
	case h.reg.retired <- h.idx:
	default:
		// Retired channel is sized to capacity, so this cannot
		// happen without a double-retire of the same slot.
	}
}

// Occupied returns the number of slots that have ever been reserved,
// including retired ones still pending reuse. Used for diagnostics.
func (r *Registry) Occupied() int {
	n := int(r.next.Load())
	if n > len(r.records) {
		return len(r.records)
	}
	return n
}

// Capacity returns the registry's fixed slot capacity.
func (r *Registry) Capacity() int {
	return len(r.records)
}
