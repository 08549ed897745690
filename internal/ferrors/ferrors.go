// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ferrors defines the closed error-kind taxonomy shared by every
// public operation in FamilyVault, per the error handling design (spec §7).
package ferrors

import (
	"errors"
	"fmt"
)

// Kind is a closed sum type. New values must not be added without updating
// every FFI boundary that maps them to stable numeric codes (spec §6).
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	Database
	IO
	NotFound
	AlreadyExists
	AuthFailed
	Network
	Busy
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case Database:
		return "database"
	case IO:
		return "io"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case AuthFailed:
		return "auth_failed"
	case Network:
		return "network"
	case Busy:
		return "busy"
	default:
		return "internal"
	}
}

// Code returns the stable FFI numeric encoding from spec §6.
func (k Kind) Code() int {
	switch k {
	case InvalidArgument:
		return 1
	case Database:
		return 2
	case IO:
		return 3
	case NotFound:
		return 4
	case AlreadyExists:
		return 5
	case AuthFailed:
		return 6
	case Network:
		return 7
	case Busy:
		return 8
	default:
		return 99
	}
}

// Error is the concrete error type every public operation returns. Exactly
// one Kind accompanies a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets callers check an error's Kind with errors.Is against a sentinel
// such as ferrors.NotFoundKind: any two *Error values match when their
// Kinds are equal.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an Error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

// Wrap builds an Error of the given kind, preserving cause.
func Wrap(k Kind, cause error, msg string) *Error {
	if cause == nil {
		return New(k, msg)
	}
	return &Error{Kind: k, Message: msg, Cause: cause}
}

// Wrapf is Wrap with formatting.
func Wrapf(k Kind, cause error, format string, args ...any) *Error {
	return Wrap(k, cause, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind from err, defaulting to Internal for foreign
// errors so callers always have exactly one Kind to report upward.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Sentinel kind markers usable with errors.Is(err, ferrors.NotFoundKind) etc.
var (
	NotFoundKind       = &Error{Kind: NotFound}
	AlreadyExistsKind  = &Error{Kind: AlreadyExists}
	InvalidArgumentKnd = &Error{Kind: InvalidArgument}
	BusyKind           = &Error{Kind: Busy}
)
