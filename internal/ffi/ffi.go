// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ffi implements the adapter spec.md §6 describes sitting behind
// the (out-of-scope) UI bridge: stable numeric error codes, and a
// per-opaque-handle "last error" slot standing in for the thread-local
// storage a C FFI boundary would use, since a Go daemon has no such
// boundary of its own. Uses github.com/puzpuzpuz/xsync/v3's MapOf, as
// internal/network does for its connected-peer table, here for a
// handle-id-to-last-error table instead of a device-id-to-peer table.
package ffi

import (
	"sync/atomic"

	"github.com/familyvault/familyvaultd/internal/ferrors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Handle is the opaque numeric identity a bridge layer would hold in
// place of a pointer-to-incomplete-struct (spec §6's "expose them as
// pointer-to-incomplete-struct" note, translated to a value a non-cgo
// caller can hold safely).
type Handle uint64

// Registry hands out Handles and tracks the last error reported against
// each one, so a synchronous call across the boundary can report a
// single error without a stringly-typed return value (spec §7).
type Registry struct {
	next     atomic.Uint64
	lastErrs *xsync.MapOf[Handle, error]
}

func NewRegistry() *Registry {
	return &Registry{lastErrs: xsync.NewMapOf[Handle, error]()}
}

// Open allocates a fresh Handle for a newly constructed component
// (Database, IndexManager, SearchEngine, ... per spec §6's opaque-handle
// list).
func (r *Registry) Open() Handle {
	return Handle(r.next.Add(1))
}

// Close forgets a handle's tracked error state. Callers are responsible
// for releasing whatever the handle actually identifies; this only
// drops the bookkeeping entry.
func (r *Registry) Close(h Handle) {
	r.lastErrs.Delete(h)
}

// SetLastError records err (which may be nil, clearing the slot) against
// h. Call this from the end of every synchronous operation a bridge
// would invoke through this handle.
func (r *Registry) SetLastError(h Handle, err error) {
	if err == nil {
		r.lastErrs.Delete(h)
		return
	}
	r.lastErrs.Store(h, err)
}

// LastError returns h's most recently recorded error, or nil.
func (r *Registry) LastError(h Handle) error {
	err, _ := r.lastErrs.Load(h)
	return err
}

// LastErrorCode returns h's most recently recorded error as the spec §6
// stable numeric code, or CodeOK if none is set.
func (r *Registry) LastErrorCode(h Handle) int {
	err, ok := r.lastErrs.Load(h)
	if !ok || err == nil {
		return CodeOK
	}
	return ferrors.KindOf(err).Code()
}

// CodeOK is the FFI "no error" sentinel (spec §6); every ferrors.Kind
// reports its own nonzero code via Kind.Code().
const CodeOK = 0
