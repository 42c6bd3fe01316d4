// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gotcmalloc

import "go.uber.org/zap"

// defaultLogger backs the package-level convenience Allocator.
// Allocators built with New and no WithLogger option get their own
// no-op logger instead. It discards everything by default, matching spec §1's framing of
// logging/diagnostic printing as an external collaborator the core
// pipeline doesn't own — but see §10.1 in SPEC_FULL.md for why fatal
// diagnostics are still routed through it rather than dropped.
var defaultLogger = zap.NewNop()

// SetLogger replaces the root-level logger of the package-level
// convenience API (Allocate/Deallocate/DefaultStats). The default
// Allocator's Page Cache and Central Cache keep the logger they were
// built with, and Allocators built with New are not affected.
func SetLogger(log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	defaultLogger = log
	defaultAllocator.log = log
}

// logAndAbort logs a fatal invariant break at Error level with the
// given fields, then panics. Per spec §7, InvariantBroken conditions
// are not recoverable and never cross the allocator API boundary as a
// returned error.
func logAndAbort(log *zap.Logger, msg string, fields ...zap.Field) {
	log.Error("gotcmalloc: invariant broken: "+msg, fields...)
	panic(&invariantError{msg: msg})
}
