package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies engine failures for the HTTP boundary.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindInvalidClient
	KindInvalidGrant
	KindConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInvalidClient:
		return "invalid_client"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// HTTPStatus maps the kind to a response status.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation, KindInvalidGrant:
		return http.StatusBadRequest
	case KindInvalidClient:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// OAuth error codes used on the wire.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidToken            = "invalid_token"
	CodeUnauthorizedClient      = "unauthorized_client"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeAccessDenied            = "access_denied"
	CodeLoginRequired           = "login_required"
	CodeConsentRequired         = "consent_required"
	CodeServerError             = "server_error"
)

// Error is the typed failure returned by the engine packages.
type Error struct {
	Kind        ErrorKind
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ValidationError reports a malformed or unacceptable request.
func ValidationError(code, format string, args ...any) *Error {
	if code == "" {
		code = CodeInvalidRequest
	}
	return &Error{Kind: KindValidation, Code: code, Description: fmt.Sprintf(format, args...)}
}

// InvalidClient reports failed client authentication or proof of possession.
func InvalidClient(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidClient, Code: CodeInvalidClient, Description: fmt.Sprintf(format, args...)}
}

// InvalidGrant reports an unusable code or refresh token.
func InvalidGrant(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidGrant, Code: CodeInvalidGrant, Description: fmt.Sprintf(format, args...)}
}

// InvalidScope reports a scope outside the granted set.
func InvalidScope(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidGrant, Code: CodeInvalidScope, Description: fmt.Sprintf(format, args...)}
}

// InvalidToken reports a bearer token that is unknown, expired or of the
// wrong kind.
func InvalidToken(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidClient, Code: CodeInvalidToken, Description: fmt.Sprintf(format, args...)}
}

// ConfigurationError reports a fatal deployment problem.
func ConfigurationError(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Code: CodeServerError, Description: fmt.Sprintf(format, args...)}
}

// InternalError wraps a persistence or crypto failure.
func InternalError(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Code: CodeServerError, Description: fmt.Sprintf(format, args...), Err: err}
}

// AsError extracts an *Error from err, treating anything else as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalError(err, "unexpected failure")
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
