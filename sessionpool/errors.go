/*
Copyright 2017 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sessionpool

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// PoolError is the error type returned by every pool operation that can
// fail. It carries a gRPC status code because the vocabulary the spec
// defines for caller-visible failures (ResourceExhausted, Canceled,
// InvalidState, Unknown, Internal, ...) maps onto that code space (InvalidState
// is reported as codes.FailedPrecondition), and
// because Service errors surfaced by WaitForPoolAsync are themselves gRPC
// status errors returned by ServiceClient.
type PoolError struct {
	Code  codes.Code
	msg   string
	cause error

	// trailers carries any RetryInfo trailer a ServiceClient attached to
	// cause, read by extractRetryDelay (retryinfo.go) the way retry.go's
	// own *Error.trailers field feeds extractRetryDelay.
	trailers metadata.MD
}

func (e *PoolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("sessionpool: %s: %s: %v", e.Code, e.msg, e.cause)
	}
	return fmt.Sprintf("sessionpool: %s: %s", e.Code, e.msg)
}

func (e *PoolError) Unwrap() error { return e.cause }

// poolErrorf builds a PoolError the way the teacher's spannerErrorf builds a
// *spanner.Error.
func poolErrorf(c codes.Code, format string, args ...interface{}) *PoolError {
	return &PoolError{Code: c, msg: fmt.Sprintf(format, args...)}
}

func wrapError(c codes.Code, msg string, cause error) *PoolError {
	return &PoolError{Code: c, msg: msg, cause: cause}
}

// wrapErrorWithTrailers is wrapError plus an attached trailer set, used by
// NewRetryableError (retryinfo.go) to build errors a creation worker can
// extract a server-suggested retry delay from.
func wrapErrorWithTrailers(c codes.Code, msg string, cause error, trailers metadata.MD) *PoolError {
	return &PoolError{Code: c, msg: msg, cause: cause, trailers: trailers}
}

// errTrailers returns the trailer metadata attached to err, if any.
func errTrailers(err error) metadata.MD {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.trailers
	}
	return nil
}

// ErrCode returns the gRPC code carried by err, or codes.Unknown if err is
// not a *PoolError and carries no gRPC status either.
func ErrCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// ErrDesc returns the human-readable description carried by err.
func ErrDesc(err error) string {
	if err == nil {
		return ""
	}
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.msg
	}
	return err.Error()
}

// Sentinel-shaped constructors for the caller errors named in spec section 6/7.

func errInvalidState() error {
	return poolErrorf(codes.FailedPrecondition, "pool is shut down")
}

func errResourceExhausted(reason string) error {
	return poolErrorf(codes.ResourceExhausted, "no sessions available: %s", reason)
}

func errCanceled(cause error) error {
	if cause != nil {
		return wrapError(codes.Canceled, "acquisition canceled", cause)
	}
	return poolErrorf(codes.Canceled, "acquisition canceled")
}

// isRetryable classifies a ServiceClient error as retryable or fatal,
// generalizing the teacher's isRetryable/isErrorClosing/isErrorRST family
// (retry.go) from string-sniffed gRPC transport errors to the gRPC code
// space directly, since the abstract ServiceClient contract in this core
// does not expose raw transport errors to sniff.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ErrCode(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	case codes.Internal:
		// Mirrors retry.go's isErrorClosing/isErrorUnexpectedEOF: a subset of
		// Internal errors are transport hiccups worth retrying.
		return strings.Contains(ErrDesc(err), "transport is closing") ||
			strings.Contains(ErrDesc(err), "unexpected EOF") ||
			strings.Contains(ErrDesc(err), "RST_STREAM")
	default:
		return false
	}
}
