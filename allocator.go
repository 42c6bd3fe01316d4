// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gotcmalloc

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/fire1220/gotcmalloc/internal/centralcache"
	"github.com/fire1220/gotcmalloc/internal/osmem"
	"github.com/fire1220/gotcmalloc/internal/pagecache"
	"github.com/fire1220/gotcmalloc/internal/sizeclass"
	"github.com/fire1220/gotcmalloc/internal/spanregistry"
	"github.com/fire1220/gotcmalloc/internal/threadcache"

	"go.uber.org/zap"
)

// MaxSpanNum is the default Span Registry capacity ceiling (spec §6).
// Spec §9 notes a production implementer should lift this or grow the
// registry dynamically; WithSpanCapacity overrides it per Allocator.
const MaxSpanNum = 1024

// Allocator is the top-level, three-tier allocator: each Allocator
// owns one Page Cache, one Span Registry and one Central Cache, shared
// by all of its Handles; Thread Cache state lives in the Handles
// callers Acquire from it.
type Allocator struct {
	pc  *pagecache.PageCache
	sr  *spanregistry.Registry
	cc  *centralcache.CentralCache
	log *zap.Logger

	handlePool sync.Pool
}

// Option configures an Allocator at construction time.
type Option func(*allocatorConfig)

type allocatorConfig struct {
	log          *zap.Logger
	spanCapacity int
}

// WithLogger routes this Allocator's diagnostics (invariant breaks,
// soft errors, span lifecycle events) to log instead of a no-op
// logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *allocatorConfig) { c.log = log }
}

// WithSpanCapacity overrides the default Span Registry capacity
// (MaxSpanNum).
func WithSpanCapacity(n int) Option {
	return func(c *allocatorConfig) { c.spanCapacity = n }
}

// New builds an Allocator. Initialization order follows spec §9:
// Span Registry, then Page Cache, then Central Cache (Central Cache
// depends on both; neither Page Cache nor Span Registry depends on
// the other's state).
func New(opts ...Option) *Allocator {
	cfg := allocatorConfig{log: zap.NewNop(), spanCapacity: MaxSpanNum}
	for _, o := range opts {
		o(&cfg)
	}

	sr := spanregistry.New(cfg.spanCapacity)
	pc := pagecache.New(cfg.log)
	cc := centralcache.New(pc, sr, cfg.log)

	a := &Allocator{pc: pc, sr: sr, cc: cc, log: cfg.log}
	a.handlePool.New = func() any {
		return &Handle{tc: threadcache.New(cc), a: a}
	}
	return a
}

// Handle is one owner's (one goroutine's, in this rendering of the
// spec's per-OS-thread model — see SPEC_FULL.md §11.1) binding to the
// Thread Cache tier. It performs no synchronization internally and
// must not be used concurrently by more than one goroutine at a time.
type Handle struct {
	tc       *threadcache.Cache
	a        *Allocator
	released bool
}

// Acquire returns a Handle bound to this Allocator. Callers should
// acquire one Handle per long-lived worker goroutine and call
// Release when that goroutine is done, draining its held blocks back
// to the Central Cache (spec §9's required thread-exit drain).
func (a *Allocator) Acquire() *Handle {
	h := a.handlePool.Get().(*Handle)
	h.released = false
	return h
}

// Allocate returns a pointer to bytes of fresh memory, or an error.
// A request of zero bytes is treated as one (spec §6). Requests above
// the small-object ceiling (sizeclass.MaxSmall) bypass all three tiers
// and are satisfied directly from the OS (spec §9: "the source never
// returns large-path allocations to the OS via a tracked release;
// they are handed straight to free").
func (h *Handle) Allocate(bytes uintptr) (unsafe.Pointer, error) {
	if bytes > sizeclass.MaxSmall {
		return h.allocateLarge(bytes)
	}
	p, err := h.tc.Allocate(bytes)
	if err != nil {
		if errors.Is(err, spanregistry.ErrCapacityExceeded) {
			h.a.log.Error("gotcmalloc: span registry exhausted, refusing allocation", zap.Uintptr("bytes", bytes))
			return nil, ErrCapacityExceeded
		}
		return nil, ErrOutOfMemory
	}
	return unsafe.Pointer(p), nil
}

// Deallocate releases ptr, previously returned by Allocate(bytes).
// bytes must equal the value originally passed to Allocate; a mismatch
// is undefined behavior, per spec §6.
func (h *Handle) Deallocate(ptr unsafe.Pointer, bytes uintptr) {
	if ptr == nil {
		return
	}
	if bytes > sizeclass.MaxSmall {
		h.deallocateLarge(ptr, bytes)
		return
	}
	h.tc.Deallocate(uintptr(ptr), bytes)
}

func roundPages(bytes uintptr) uintptr {
	return (bytes + pagecache.PageSize - 1) / pagecache.PageSize
}

func (h *Handle) allocateLarge(bytes uintptr) (unsafe.Pointer, error) {
	addr, err := osmem.Acquire(roundPages(bytes) * pagecache.PageSize)
	if err != nil {
		h.a.log.Warn("gotcmalloc: large allocation failed", zap.Uintptr("bytes", bytes))
		return nil, ErrOutOfMemory
	}
	return unsafe.Pointer(addr), nil
}

func (h *Handle) deallocateLarge(ptr unsafe.Pointer, bytes uintptr) {
	_ = osmem.Release(uintptr(ptr), roundPages(bytes)*pagecache.PageSize)
}

// Release drains every block this Handle still holds back to the
// Central Cache and returns the Handle to the Allocator's pool for
// reuse by a future Acquire. The Handle must not be used after Release.
func (h *Handle) Release() {
	if h.released {
		// Double-release would hand the same *Handle to two
		// subsequent Acquire callers simultaneously, violating the
		// "never used by two goroutines at once" contract TC's
		// unsynchronized fast path depends on. That's an
		// InvariantBroken condition per spec §7, not a recoverable
		// one.
		logAndAbort(h.a.log, "handle released twice")
	}
	h.released = true
	h.tc.Release()
	h.a.handlePool.Put(h)
}

// Stats is a point-in-time snapshot of allocator occupancy across
// tiers, used for the operational CLI and the conservation property in
// spec §8.
type Stats struct {
	PageCache pagecache.Stats
	SpansUsed int
	SpansCap  int
}

// Stats returns a snapshot of current allocator state.
func (a *Allocator) Stats() Stats {
	return Stats{
		PageCache: a.pc.Stats(),
		SpansUsed: a.sr.Occupied(),
		SpansCap:  a.sr.Capacity(),
	}
}

// --- package-level convenience API ---
//
// defaultAllocator backs Allocate/Deallocate/DefaultStats at package scope
// for callers that don't want to manage an Allocator/Handle explicitly.
// See SPEC_FULL.md §11.1 for the tradeoff: each call borrows a Handle
// from a pool for its duration, which costs one sync.Pool Get/Put that
// a caller holding its own Handle across many calls avoids.

var defaultAllocator = New(WithLogger(defaultLogger))

// Allocate is the package-level convenience form of Handle.Allocate.
func Allocate(bytes uintptr) (unsafe.Pointer, error) {
	h := defaultAllocator.Acquire()
	defer defaultAllocator.handlePool.Put(h)
	return h.Allocate(bytes)
}

// Deallocate is the package-level convenience form of
// Handle.Deallocate.
func Deallocate(ptr unsafe.Pointer, bytes uintptr) {
	h := defaultAllocator.Acquire()
	defer defaultAllocator.handlePool.Put(h)
	h.Deallocate(ptr, bytes)
}

// DefaultStats returns Stats for the package-level default Allocator.
func DefaultStats() Stats {
	return defaultAllocator.Stats()
}

// SizeClassOf exposes the Size Class Table (spec §4.5) for tooling:
// it returns the size class index and the rounded block size a
// request of bytes would be serviced with. Requests above
// sizeclass.MaxSmall have no class; SizeClassOf returns (-1, bytes)
// for those.
func SizeClassOf(bytes uintptr) (class int, blockSize uintptr) {
	if bytes > sizeclass.MaxSmall {
		return -1, bytes
	}
	i := sizeclass.Index(bytes)
	return i, sizeclass.BlockSize(i)
}
