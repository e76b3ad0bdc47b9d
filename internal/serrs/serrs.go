// Package serrs classifies every error the core packages can return into one
// of the kinds from SPEC_FULL §7, using zeebo/errs classes instead of a
// hand-rolled type switch. Callers classify an error with errors.Is against
// the class's sentinel, or with (*errs.Class).Has.
package serrs

import (
	"errors"

	"github.com/zeebo/errs"
)

var (
	// NotFound: resource missing (storage path, index, split).
	NotFound = errs.Class("not_found")
	// AlreadyExists: duplicate index or split id on creation.
	AlreadyExists = errs.Class("already_exists")
	// PreconditionFailed: illegal state transition or checkpoint conflict.
	PreconditionFailed = errs.Class("precondition_failed")
	// InvalidArgument: malformed query, bad URI, ill-formed config.
	InvalidArgument = errs.Class("invalid_argument")
	// IO: transient storage or network failure. Retryable.
	IO = errs.Class("io")
	// Permission: access denied by the backend.
	Permission = errs.Class("permission")
	// Internal: invariant violation. Never retried.
	Internal = errs.Class("internal")
)

// IsRetryable reports whether err should be retried by the cache/storage
// layer's backoff wrapper (SPEC_FULL §7 propagation policy).
func IsRetryable(err error) bool {
	return IO.Has(err)
}

// Kind returns a short, stable name for the error's class, for CLI exit
// messages ("error: <kind>: <path/id>").
func Kind(err error) string {
	switch {
	case NotFound.Has(err):
		return "not_found"
	case AlreadyExists.Has(err):
		return "already_exists"
	case PreconditionFailed.Has(err):
		return "precondition_failed"
	case InvalidArgument.Has(err):
		return "invalid_argument"
	case IO.Has(err):
		return "io"
	case Permission.Has(err):
		return "permission"
	case Internal.Has(err):
		return "internal"
	default:
		return "unknown"
	}
}

// As is a thin re-export of errors.As so callers need only import serrs.
func As(err error, target interface{}) bool { return errors.As(err, target) }
