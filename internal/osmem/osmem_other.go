// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux && !darwin

package osmem

import (
	"sync"
	"unsafe"
)

// pinned keeps Go-heap-backed fallback regions reachable so the
// garbage collector never reclaims memory this package has handed out
// as a bare uintptr. Platforms with a real anonymous-mapping syscall
// (linux, darwin) don't need this: that memory lives outside the Go
// heap entirely.
var (
	pinnedMu sync.Mutex
	pinned   = map[uintptr][]byte{}
)

// Acquire obtains nbytes of fresh, page-aligned memory from the Go
// runtime's own allocator as a fallback for platforms without a
// direct anonymous-mmap primitive wired up. The region is over-sized
// by one page and trimmed to the next page boundary so the returned
// address is PageSize-aligned.
func Acquire(nbytes uintptr) (uintptr, error) {
	buf := make([]byte, nbytes+PageSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + PageSize - 1) &^ (PageSize - 1)

	pinnedMu.Lock()
	pinned[aligned] = buf
	pinnedMu.Unlock()
	return aligned, nil
}

// Release drops the pin on a region acquired via Acquire, letting the
// garbage collector reclaim it once nothing else references it.
func Release(addr, _ uintptr) error {
	pinnedMu.Lock()
	delete(pinned, addr)
	pinnedMu.Unlock()
	return nil
}
