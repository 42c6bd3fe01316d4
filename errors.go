// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gotcmalloc

import "errors"

// ErrOutOfMemory is returned when the OS refuses a page acquisition.
// It propagates from the Page Cache through the Central Cache and
// Thread Cache as a plain error; callers may retry at their
// discretion. Spec §7, error kind 1.
var ErrOutOfMemory = errors.New("gotcmalloc: out of memory")

// ErrCapacityExceeded is returned when the Span Registry has no free
// slot for a newly carved span. Spec §7 marks registry exhaustion as a
// fatal invariant break in the source and requires an implementer to
// either grow the registry or refuse the allocation; this
// implementation refuses (see DESIGN.md).
var ErrCapacityExceeded = errors.New("gotcmalloc: span registry capacity exceeded")

// invariantError marks a broken bookkeeping invariant. The allocator
// raises it when a Handle is released twice; a block address outside
// any known span is logged at Warn and skipped instead, and a block
// freed twice is not detected. It is fatal and never returned to a
// caller — logAndAbort logs it and panics.
type invariantError struct {
	msg string
}

func (e *invariantError) Error() string { return "gotcmalloc: invariant broken: " + e.msg }
