// Copyright 2018-present the LeaseCore Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package lease

import "errors"

// Shared error taxonomy of the lease engine. Backends and the allocation
// engine wrap these with fmt.Errorf("...: %w", ...) so that callers can
// classify failures with errors.Is regardless of the backend in use.
var (
	// ErrNotImplemented is returned for operations invoked with the
	// unassigned server selector where the backend does not support it.
	ErrNotImplemented = errors.New("not implemented")

	// ErrBadValue is returned when an input cannot be coerced or violates
	// a value constraint.
	ErrBadValue = errors.New("bad value")

	// ErrTypeMismatch is returned by stamped value accessors when the
	// stored type does not match the requested one.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrInvalidOperation is returned by accessors on an absent value.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNoSuchLease is returned by updates targeting a missing row.
	ErrNoSuchLease = errors.New("no such lease")

	// ErrNoAddressAvailable is returned when allocation exhausts its
	// retry budget and candidate pools.
	ErrNoAddressAvailable = errors.New("no address available")

	// ErrDBOperation flags a transient backend failure. The allocation
	// engine retries these with bounded backoff before surfacing them.
	ErrDBOperation = errors.New("database operation failed")

	// ErrDBIncompatible is returned when the on-disk schema major version
	// does not match the one the build expects. Fatal at backend open.
	ErrDBIncompatible = errors.New("incompatible database schema")

	// ErrInvalidParameter flags caller API misuse, e.g. a nil callback.
	ErrInvalidParameter = errors.New("invalid parameter")
)
