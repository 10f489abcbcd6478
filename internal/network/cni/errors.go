package cni

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/log"
)

// Error categories, matched with errors.Is.
var (
	ErrResourceConflict = errors.New("CNI resource conflict")
	ErrIPAMExhausted    = errors.New("IPAM pool exhausted")
	ErrNetNSNotFound    = errors.New("network namespace not found")
	ErrTAPNotCreated    = errors.New("TAP device not created by CNI")
	ErrInvalidResult    = errors.New("invalid CNI result")
)

// Error is a plugin failure with an optional category.
type Error struct {
	Network   string
	Operation string
	Cause     error
	Category  error
}

func (e *Error) Error() string {
	if e.Network != "" {
		return fmt.Sprintf("CNI %s %s: %v", e.Network, e.Operation, e.Cause)
	}
	return fmt.Sprintf("CNI %s: %v", e.Operation, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the category.
func (e *Error) Is(target error) bool {
	return e.Category != nil && errors.Is(e.Category, target)
}

// Classify wraps a plugin error. Plugins return free-form strings, so the
// category is inferred from the message.
func Classify(ctx context.Context, operation, network string, err error) error {
	if err == nil {
		return nil
	}
	cerr := &Error{Network: network, Operation: operation, Cause: err}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "duplicate allocation"):
		cerr.Category = ErrResourceConflict
	case strings.Contains(msg, "no ips available"), strings.Contains(msg, "no ip addresses available"):
		cerr.Category = ErrIPAMExhausted
	case (strings.Contains(msg, "already exists") || strings.Contains(msg, "file exists")) &&
		(strings.Contains(msg, "veth") || strings.Contains(msg, "tap") ||
			strings.Contains(msg, "peer") || strings.Contains(msg, "interface")):
		cerr.Category = ErrResourceConflict
	case strings.Contains(msg, "network namespace") && strings.Contains(msg, "not found"):
		cerr.Category = ErrNetNSNotFound
	default:
		log.G(ctx).WithFields(log.Fields{
			"operation": operation,
			"network":   network,
			"error":     err.Error(),
		}).Debug("unclassified CNI error")
	}
	return cerr
}
