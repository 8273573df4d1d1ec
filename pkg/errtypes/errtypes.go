// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package errtypes contains definitons for common errors.
// It would have been nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

// NotFound is the error to use when a resource is not found.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// AlreadyExists is the error to use when a resource already exists.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists implements the IsAlreadyExists interface.
func (e AlreadyExists) IsAlreadyExists() {}

// BadRequest is the error to use when the caller supplied invalid input.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// PermissionDenied is the error to use when an operation is not allowed.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// InsufficientStorage is the error to use when the filesystem signals
// that no space is left.
type InsufficientStorage string

func (e InsufficientStorage) Error() string { return "error: insufficient storage: " + string(e) }

// IsInsufficientStorage implements the IsInsufficientStorage interface.
func (e InsufficientStorage) IsInsufficientStorage() {}

// Timeout is the error to use when an operation exceeded its deadline.
type Timeout string

func (e Timeout) Error() string { return "error: timeout: " + string(e) }

// IsTimeout implements the IsTimeout interface.
func (e Timeout) IsTimeout() {}

// Locked is the error to use when a resource is held by another lock.
// The value is the current holder's lock id so callers can surface it.
type Locked string

func (e Locked) Error() string { return "error: locked by " + string(e) }

// LockID returns the lock id of the current holder.
func (e Locked) LockID() string { return string(e) }

// IsLocked implements the IsLocked interface.
func (e Locked) IsLocked() {}

// PartiallyTrashed is the error to use when an item cannot be restored
// because its original parent is itself in the trash.
type PartiallyTrashed string

func (e PartiallyTrashed) Error() string { return "error: parent trashed: " + string(e) }

// IsPartiallyTrashed implements the IsPartiallyTrashed interface.
func (e PartiallyTrashed) IsPartiallyTrashed() {}

// NotSupported is the error to use when an action is not supported.
type NotSupported string

func (e NotSupported) Error() string { return "error: not supported: " + string(e) }

// IsNotSupported implements the IsNotSupported interface.
func (e NotSupported) IsNotSupported() {}

// InternalError is the error to use when we really don't know what happened.
// Use with care.
type InternalError string

func (e InternalError) Error() string { return "internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement
// to specify that a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsAlreadyExists is the interface to implement
// to specify that a resource already exists.
type IsAlreadyExists interface {
	IsAlreadyExists()
}

// IsBadRequest is the interface to implement
// to specify that the request was invalid.
type IsBadRequest interface {
	IsBadRequest()
}

// IsPermissionDenied is the interface to implement
// to specify that an operation was forbidden.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsInsufficientStorage is the interface to implement
// to specify that there is no space left.
type IsInsufficientStorage interface {
	IsInsufficientStorage()
}

// IsTimeout is the interface to implement
// to specify that an operation timed out.
type IsTimeout interface {
	IsTimeout()
}

// IsLocked is the interface to implement
// to specify that a resource is locked. LockID exposes the holder.
type IsLocked interface {
	IsLocked()
	LockID() string
}

// IsPartiallyTrashed is the interface to implement
// to specify that a restore target is still in the trash.
type IsPartiallyTrashed interface {
	IsPartiallyTrashed()
}

// IsNotSupported is the interface to implement
// to specify that an action is not supported.
type IsNotSupported interface {
	IsNotSupported()
}

// IsInternalError is the interface to implement
// to specify that something went wrong internally.
type IsInternalError interface {
	IsInternalError()
}
