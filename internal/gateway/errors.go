package gateway

import (
	"fmt"
	"net/http"
)

// Kind classifies every non-admitting outcome at the gateway boundary.
type Kind int

const (
	KindClient Kind = iota + 1
	KindSecurityEscalation
	KindUpstreamUnavailable
	KindPersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "client_error"
	case KindSecurityEscalation:
		return "security_escalation"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindPersistenceFailure:
		return "persistence_failure"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind   Kind
	Status int
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func clientError(status int, reason string) *Error {
	return &Error{Kind: KindClient, Status: status, Reason: reason}
}

func upstreamError(reason string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Status: http.StatusServiceUnavailable, Reason: reason, Err: err}
}
