package assertion

import (
	"errors"

	"github.com/platinummonkey/takgate/pkg/faults"
)

// Code identifies why an assertion was rejected
type Code string

const (
	CodeAuthNotEnabled       Code = "auth_not_enabled"
	CodeMissingAssertion     Code = "missing_assertion"
	CodeMissingGatewayProof  Code = "missing_gateway_proof"
	CodeMalformedAssertion   Code = "malformed_assertion"
	CodeUnsupportedAlgorithm Code = "unsupported_algorithm"
	CodeKeyResolutionFailed  Code = "key_resolution_failed"
	CodeInvalidSignature     Code = "invalid_signature"
	CodeExpired              Code = "expired"
	CodeIssuerMismatch       Code = "issuer_mismatch"
	CodeNoIdentity           Code = "no_identity"
)

// Error is a verification failure. Two errors match under errors.Is when
// their codes are equal.
type Error struct {
	Code Code
	Err  error
}

var (
	ErrAuthNotEnabled       = &Error{Code: CodeAuthNotEnabled}
	ErrMissingAssertion     = &Error{Code: CodeMissingAssertion}
	ErrMissingGatewayProof  = &Error{Code: CodeMissingGatewayProof}
	ErrMalformedAssertion   = &Error{Code: CodeMalformedAssertion}
	ErrUnsupportedAlgorithm = &Error{Code: CodeUnsupportedAlgorithm}
	ErrKeyResolutionFailed  = &Error{Code: CodeKeyResolutionFailed}
	ErrInvalidSignature     = &Error{Code: CodeInvalidSignature}
	ErrExpired              = &Error{Code: CodeExpired}
	ErrIssuerMismatch       = &Error{Code: CodeIssuerMismatch}
	ErrNoIdentity           = &Error{Code: CodeNoIdentity}
)

func newError(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Code) + ": " + e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Category maps the code onto the shared failure taxonomy
func (e *Error) Category() faults.Category {
	switch e.Code {
	case CodeAuthNotEnabled:
		return faults.Disabled
	case CodeMissingAssertion, CodeMissingGatewayProof, CodeMalformedAssertion, CodeUnsupportedAlgorithm:
		return faults.MalformedInput
	case CodeKeyResolutionFailed:
		return faults.UpstreamUnavailable
	default:
		return faults.CryptographicFailure
	}
}

// CodeOf returns the verification code carried by err, or ""
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
