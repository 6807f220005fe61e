// Package cacheerr defines the error taxonomy shared by the asset cache components.
//
// Every error produced by the loader, the preload executor or the service facade is a
// PlatformError carrying one of the codes below and a retryable/permanent classification.
// Callers branch on the code with the Is* helpers and decide whether to resubmit with
// IsRetryable.
package cacheerr

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmgilman/go/errors"
)

// Error codes raised by the asset cache.
const (
	CodeNotInitialized         errors.ErrorCode = "NOT_INITIALIZED"
	CodeLoadFailed             errors.ErrorCode = "LOAD_FAILED"
	CodeTimeout                                 = errors.CodeTimeout
	CodeCancelled              errors.ErrorCode = "CANCELLED"
	CodeInsufficientMemory     errors.ErrorCode = "INSUFFICIENT_MEMORY"
	CodeProtectedReleaseDenied errors.ErrorCode = "PROTECTED_RELEASE_DENIED"
	CodeInvalidPolicy          errors.ErrorCode = "INVALID_POLICY"
	CodeNotFound                                = errors.CodeNotFound
)

// ErrNotFound is returned by providers when an address does not exist. It is permanent.
var ErrNotFound = errors.New(CodeNotFound, "resource not found")

// NotInitialized reports use of a component before it was constructed or after it was closed.
func NotInitialized(component string) error {
	return errors.Newf(CodeNotInitialized, "%s is not initialized", component)
}

// LoadFailed wraps a provider failure for address.
//
// The classification of a classified cause is kept. Unclassified causes are treated as
// transient and marked retryable, except for ErrNotFound which stays permanent.
func LoadFailed(address string, cause error) error {
	if cause == nil {
		return errors.WithContext(
			errors.Newf(CodeLoadFailed, "provider returned no payload for %q", address),
			"address", address)
	}

	wrapped := errors.WrapWithContext(cause, CodeLoadFailed,
		fmt.Sprintf("load %q failed", address), map[string]interface{}{"address": address})

	var platformErr errors.PlatformError
	if !stderrors.As(cause, &platformErr) {
		return errors.WithClassification(wrapped, errors.ClassificationRetryable)
	}
	return wrapped
}

// Timeout reports that a fetch for address did not complete within after.
func Timeout(address string, after time.Duration) error {
	return errors.WithContext(
		errors.Newf(CodeTimeout, "load %q timed out after %s", address, after),
		"address", address)
}

// Cancelled reports that the caller stopped waiting for address.
func Cancelled(address string, cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return errors.WrapWithContext(cause, CodeCancelled,
		fmt.Sprintf("load %q cancelled", address), map[string]interface{}{"address": address})
}

// InsufficientMemory reports that an entry could not be stored even after eviction.
func InsufficientMemory(address string, size, budget int64) error {
	return errors.WithContextMap(
		errors.Newf(CodeInsufficientMemory, "cannot store %q: %d bytes exceeds available budget", address, size),
		map[string]interface{}{"address": address, "size": size, "budget": budget})
}

// ProtectedReleaseDenied reports a release attempt on a protected entry without force.
func ProtectedReleaseDenied(address string) error {
	return errors.WithContext(
		errors.Newf(CodeProtectedReleaseDenied, "asset %q is protected", address),
		"address", address)
}

// InvalidPolicy reports an unsupported type tag or release configuration.
func InvalidPolicy(format string, args ...interface{}) error {
	return errors.Newf(CodeInvalidPolicy, format, args...)
}

// Code returns the error code of err, or errors.CodeUnknown.
func Code(err error) errors.ErrorCode {
	return errors.GetCode(err)
}

// IsRetryable reports whether err is worth resubmitting.
func IsRetryable(err error) bool {
	return errors.IsRetryable(err)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return Code(err) == CodeTimeout
}

// IsCancelled reports whether err is a caller cancellation.
func IsCancelled(err error) bool {
	return Code(err) == CodeCancelled
}

// IsNotFound reports whether err means the address does not exist.
func IsNotFound(err error) bool {
	return stderrors.Is(err, ErrNotFound) || Code(err) == CodeNotFound
}

// IsInsufficientMemory reports whether err is a failed insert for lack of budget.
func IsInsufficientMemory(err error) bool {
	return Code(err) == CodeInsufficientMemory
}
