// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gotcmalloc implements a general-purpose, high-concurrency
// memory allocator for objects from 1 byte up to a 256 KiB large-
// object boundary, organized as a three-tier hierarchy — per-thread
// cache, shared central cache, and page cache — in the style of
// tcmalloc.
//
// Requests flow downward only on cache miss (Handle -> CentralCache ->
// PageCache -> OS); freed memory flows upward only when a tier
// exceeds a watermark. See the internal/sizeclass, internal/pagecache,
// internal/spanregistry, internal/centralcache and internal/threadcache
// packages for the size class table, the three tiers and the shared
// span directory.
//
// Deallocation in this allocator is sized: callers must pass the same
// byte count to Handle.Deallocate that they passed to Handle.Allocate.
// Passing a different size is undefined behavior, same as a C
// allocator's free() contract would be violated by freeing with the
// wrong size header.
package gotcmalloc
