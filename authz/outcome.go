package authz

import "net/url"

// Outcome is the result of driving an authorization request. Exactly one of
// the concrete types below is returned.
type Outcome interface {
	outcome()
}

// Issued carries the response parameters for the client's redirect URI.
type Issued struct {
	RedirectURI string
	Mode        string
	Params      url.Values
}

// RedirectWithError reports a protocol error to the client's redirect URI.
type RedirectWithError struct {
	RedirectURI string
	Mode        string
	Code        string
	Description string
	State       string
}

// Params returns the error response parameters.
func (r RedirectWithError) Params() url.Values {
	v := url.Values{"error": {r.Code}}
	if r.Description != "" {
		v.Set("error_description", r.Description)
	}
	if r.State != "" {
		v.Set("state", r.State)
	}
	return v
}

// LoginRequired asks the user agent to authenticate before continuing.
type LoginRequired struct {
	AuthorizationID string
}

// ConsentRequired asks the user to approve the client before continuing.
type ConsentRequired struct {
	AuthorizationID string
}

// Fatal is a failure that cannot be reported to the client's redirect URI,
// either because the URI is not trusted or because the server failed.
type Fatal struct {
	Err error
}

func (Issued) outcome()            {}
func (RedirectWithError) outcome() {}
func (LoginRequired) outcome()     {}
func (ConsentRequired) outcome()   {}
func (Fatal) outcome()             {}

// Terminal reports whether o ends the in-progress authorization.
func Terminal(o Outcome) bool {
	switch o.(type) {
	case Issued, RedirectWithError:
		return true
	default:
		return false
	}
}
