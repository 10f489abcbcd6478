// Package vmerrors defines the failure kinds surfaced to concierge callers.
//
// Every error built here unwraps to a containerd errdefs class, so callers
// can use errdefs.IsNotFound and friends without knowing about Kind.
package vmerrors

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	NotFound
	ImageMissing
	ResourceExhausted
	NoNetwork
	HypervisorLaunch
	Transport
	InProgress
	InvalidDisk
	ShutdownTimeout
	HypervisorRejected
	IOError
	NotImplemented
)

var kindNames = [...]string{
	Unknown:            "Unknown",
	InvalidArgument:    "InvalidArgument",
	NotFound:           "NotFound",
	ImageMissing:       "ImageMissing",
	ResourceExhausted:  "ResourceExhausted",
	NoNetwork:          "NoNetwork",
	HypervisorLaunch:   "HypervisorLaunch",
	Transport:          "Transport",
	InProgress:         "InProgress",
	InvalidDisk:        "InvalidDisk",
	ShutdownTimeout:    "ShutdownTimeout",
	HypervisorRejected: "HypervisorRejected",
	IOError:            "IOError",
	NotImplemented:     "NotImplemented",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// class returns the errdefs sentinel a kind maps onto.
func (k Kind) class() error {
	switch k {
	case InvalidArgument, InvalidDisk:
		return errdefs.ErrInvalidArgument
	case NotFound, ImageMissing:
		return errdefs.ErrNotFound
	case ResourceExhausted:
		return errdefs.ErrResourceExhausted
	case NoNetwork, Transport:
		return errdefs.ErrUnavailable
	case HypervisorLaunch, IOError:
		return errdefs.ErrInternal
	case InProgress:
		return errdefs.ErrConflict
	case ShutdownTimeout:
		return context.DeadlineExceeded
	case HypervisorRejected:
		return errdefs.ErrFailedPrecondition
	case NotImplemented:
		return errdefs.ErrNotImplemented
	default:
		return errdefs.ErrUnknown
	}
}

// Error is a classified failure. Reason is short ASCII text safe to return
// to callers; Err carries the internal cause for logs.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes both the cause and the errdefs class.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Err, e.Kind.class()}
	}
	return []error{e.Kind.class()}
}

// New returns an error of the given kind.
func New(kind Kind, reason string) error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf returns an error of the given kind with a formatted reason.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, reason string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are mapped from their errdefs class where possible.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errdefs.IsInvalidArgument(err):
		return InvalidArgument
	case errdefs.IsNotFound(err):
		return NotFound
	case errdefs.IsResourceExhausted(err):
		return ResourceExhausted
	case errdefs.IsConflict(err):
		return InProgress
	case errdefs.IsFailedPrecondition(err):
		return HypervisorRejected
	case errdefs.IsNotImplemented(err):
		return NotImplemented
	case errdefs.IsUnavailable(err), errdefs.IsDeadlineExceeded(err), errdefs.IsCanceled(err):
		return Transport
	default:
		return Unknown
	}
}

// Reason returns the caller-safe reason for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal error"
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
