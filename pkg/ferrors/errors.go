// Package ferrors defines the typed error taxonomy used across fleetd: a
// small kind enum plus a wrapping Error type, in place of exceptions.
package ferrors

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for propagation-policy decisions by callers.
type Kind string

const (
	// Validation errors are rejected before any state change.
	Validation Kind = "validation"
	// Quota errors indicate an owner-level limit was exceeded.
	Quota Kind = "quota"
	// Capacity errors indicate no eligible node exists for a request.
	Capacity Kind = "capacity"
	// Protocol errors indicate a command could not be correlated, or a
	// protocol-level wait timed out.
	Protocol Kind = "protocol"
	// External errors originate from an out-of-process collaborator
	// (node agent, DNS API, ingress) and degrade a feature rather than
	// the primary operation.
	External Kind = "external"
	// Invariant marks a detected invariant violation. Never auto-corrected.
	Invariant Kind = "invariant"
)

// Error is a fleetd error carrying a Kind, a stable Code and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is comparisons against a Kind/Code pair via another
// *Error value, comparing Kind and Code only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return true
}

// New constructs an Error of the given kind and stable code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error of the given kind and stable code, wrapping cause.
func Wrap(kind Kind, code string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Err: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Common stable codes referenced across packages.
const (
	CodeInvalidWallet        = "invalid_wallet"
	CodeInvalidSignature     = "invalid_signature"
	CodeUnacceptablePerf     = "unacceptable_performance"
	CodeInvalidVMName        = "invalid_vm_name"
	CodeQuotaExceeded        = "quota_exceeded"
	CodeNoEligibleNode       = "no_eligible_node"
	CodeCommandNotCorrelated = "command_not_correlated"
	CodeAckWaitTimeout       = "ack_wait_timeout"
	CodeNodeUnreachable      = "node_unreachable"
	CodeDNSNotConfigured     = "dns_not_configured"
	CodeReservedExceedsTotal = "reserved_exceeds_total"
	CodeNotFound             = "not_found"
)
