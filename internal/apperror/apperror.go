// Package apperror is the error taxonomy shared by every session, OAuth and
// federation operation. Each failure carries a Kind (how callers should react)
// and a stable machine-readable Status code.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failure.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthenticationRequired
	KindNotFound
	KindConflict
	KindUpstreamRetryable
	KindUpstreamTerminal
	KindSecurity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthenticationRequired:
		return "authentication_required"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstreamRetryable:
		return "upstream_retryable"
	case KindUpstreamTerminal:
		return "upstream_terminal"
	case KindSecurity:
		return "security"
	default:
		return "internal"
	}
}

// Stable status codes. Clients switch on these; do not rename.
const (
	StatusOK                     = "ok"
	StatusInvalidInput           = "invalid_input"
	StatusInvalidTTL             = "invalid_ttl"
	StatusSessionInvalid         = "session_invalid"
	StatusSessionExpired         = "session_expired"
	StatusSessionNotFound        = "session_not_found"
	StatusSessionLimitReached    = "session_limit_reached"
	StatusRotationConflict       = "rotation_conflict"
	StatusDeviceNotFound         = "device_not_found"
	StatusProviderNotFound       = "provider_not_found"
	StatusInvalidState           = "invalid_state"
	StatusAccountLinkedElsewhere = "account_linked_elsewhere"
	StatusProviderAlreadyLinked  = "provider_already_linked"
	StatusEmailInUse             = "email_in_use"
	StatusInvalidCredentials     = "invalid_credentials"
	StatusNotLinked              = "provider_not_linked"
	StatusLastAuthMethod         = "last_auth_method"
	StatusReauthRequired         = "reauth_required"
	StatusUpstreamUnavailable    = "upstream_unavailable"
	StatusUpstreamRejected       = "upstream_rejected"
	StatusFederationDisabled     = "federation_disabled"
	StatusFederatedInvalid       = "federated_session_invalid"
	StatusDomainNotAllowed       = "domain_not_allowed"
	StatusUntrustedDomain        = "untrusted_domain"
	StatusAssertionInvalid       = "assertion_invalid"
	StatusUnauthenticated        = "unauthenticated"
	StatusInternal               = "internal_error"
)

// Error is a classified failure. Message is safe to show to callers; Err is
// the underlying cause and is never exposed over the wire.
type Error struct {
	Kind    Kind
	Status  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the same request later.
func (e *Error) Retryable() bool { return e.Kind == KindUpstreamRetryable }

// GRPCCode maps the kind to a gRPC status code.
func (e *Error) GRPCCode() codes.Code {
	switch e.Kind {
	case KindValidation:
		return codes.InvalidArgument
	case KindAuthenticationRequired:
		return codes.Unauthenticated
	case KindNotFound:
		return codes.NotFound
	case KindConflict:
		return codes.AlreadyExists
	case KindUpstreamRetryable:
		return codes.Unavailable
	case KindUpstreamTerminal:
		return codes.FailedPrecondition
	case KindSecurity:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// HTTPStatus maps the kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthenticationRequired:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamRetryable:
		return http.StatusServiceUnavailable
	case KindUpstreamTerminal:
		return http.StatusBadGateway
	case KindSecurity:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, status, message string, err error) *Error {
	return &Error{Kind: kind, Status: status, Message: message, Err: err}
}

func Validation(status, message string) *Error {
	return newError(KindValidation, status, message, nil)
}

func AuthenticationRequired(status, message string) *Error {
	return newError(KindAuthenticationRequired, status, message, nil)
}

func NotFound(status, message string) *Error {
	return newError(KindNotFound, status, message, nil)
}

func Conflict(status, message string) *Error {
	return newError(KindConflict, status, message, nil)
}

func Security(status, message string, err error) *Error {
	return newError(KindSecurity, status, message, err)
}

// Upstream classifies a provider failure as retryable or terminal.
func Upstream(retryable bool, message string, err error) *Error {
	if retryable {
		return newError(KindUpstreamRetryable, StatusUpstreamUnavailable, message, err)
	}
	return newError(KindUpstreamTerminal, StatusUpstreamRejected, message, err)
}

// Internal wraps a storage or programming failure behind a generic message.
func Internal(message string, err error) *Error {
	return newError(KindInternal, StatusInternal, message, err)
}

// From returns err as an *Error, wrapping unclassified errors as internal.
// Returns nil for a nil err.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal("internal error", err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == kind
}

// StatusOf returns the status code carried by err, StatusOK for nil.
func StatusOf(err error) string {
	if err == nil {
		return StatusOK
	}
	return From(err).Status
}

// GRPCError converts err into a gRPC status error. Messages of internal
// errors are replaced so storage details do not leak.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	ae := From(err)
	msg := ae.Message
	if ae.Kind == KindInternal {
		msg = "internal error"
	}
	return status.Error(ae.GRPCCode(), fmt.Sprintf("%s: %s", ae.Status, msg))
}
