// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package osmem is the allocator's sole external collaborator for raw
// memory acquisition: "obtain N contiguous, page-aligned bytes from
// the OS." Its contract is fixed by the specification; everything
// above it (Page Cache and up) is agnostic to how that contract is
// met.
package osmem

import "errors"

// ErrOutOfMemory is returned when the OS refuses to satisfy a page
// acquisition request.
var ErrOutOfMemory = errors.New("osmem: out of memory")

// PageSize is the page granularity the allocator reasons about. It is
// fixed at compile time rather than queried from the OS, matching the
// specification's PAGE_SIZE constant.
const PageSize = 4096
