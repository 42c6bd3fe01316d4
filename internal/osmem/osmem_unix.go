// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux || darwin

package osmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Acquire obtains nbytes of fresh, page-aligned, zeroed memory from
// the OS via an anonymous private mapping. nbytes must already be a
// multiple of PageSize; Acquire does not round.
func Acquire(nbytes uintptr) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, int(nbytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, ErrOutOfMemory
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// Release returns nbytes starting at addr to the OS. The Page Cache
// never calls this in the current design (spans are retained for
// reuse, see spec §6), but the large-object path uses it directly for
// allocations above the small-object ceiling.
func Release(addr, nbytes uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), nbytes)
	return unix.Munmap(b)
}
