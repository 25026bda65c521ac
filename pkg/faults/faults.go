// Package faults classifies login-path failures into the categories that decide
// how a caller sees them.
package faults

import (
	"errors"
	"fmt"
)

// Category groups failures by how they are surfaced
type Category int

const (
	// Unknown is any failure that carries no category
	Unknown Category = iota
	// Disabled means the capability is switched off; surfaced as not found
	Disabled
	// MalformedInput covers missing or garbled input; surfaced as unauthorized
	MalformedInput
	// CryptographicFailure covers bad signatures and rejected claims; surfaced as unauthorized
	CryptographicFailure
	// UpstreamUnavailable means a remote dependency could not be reached
	UpstreamUnavailable
)

func (c Category) String() string {
	switch c {
	case Disabled:
		return "disabled"
	case MalformedInput:
		return "malformed_input"
	case CryptographicFailure:
		return "cryptographic_failure"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "unknown"
	}
}

// Categorized is implemented by errors that know their category
type Categorized interface {
	Category() Category
}

// CategoryOf returns the category of the first categorized error in err's chain
func CategoryOf(err error) Category {
	var c Categorized
	if errors.As(err, &c) {
		return c.Category()
	}
	return Unknown
}

// UpstreamError records a failed call to a remote dependency
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Category implements Categorized
func (e *UpstreamError) Category() Category { return UpstreamUnavailable }

// Upstream wraps err as an UpstreamError for service. A nil err stays nil.
func Upstream(service string, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Service: service, Err: err}
}

// IsUpstream reports whether err was caused by an unreachable dependency
func IsUpstream(err error) bool {
	return CategoryOf(err) == UpstreamUnavailable
}

// ServiceOf returns the failing service name of an upstream error, or ""
func ServiceOf(err error) string {
	var u *UpstreamError
	if errors.As(err, &u) {
		return u.Service
	}
	return ""
}
