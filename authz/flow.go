// Package authz drives authorization requests from first contact to the
// issued redirect: flow classification, validation, the login and consent
// gates and the per-flow issuance strategies.
package authz

import (
	"slices"
	"strings"

	"idp/model"
)

// Flow is the OAuth 2.0 / OpenID Connect grant pattern selected by the
// response_type of a request.
type Flow int

const (
	FlowUndetermined Flow = iota
	FlowAuthorizationCode
	FlowImplicit
	FlowHybrid
)

func (f Flow) String() string {
	switch f {
	case FlowAuthorizationCode:
		return "authorization_code"
	case FlowImplicit:
		return "implicit"
	case FlowHybrid:
		return "hybrid"
	default:
		return "undetermined"
	}
}

// canonicalResponseTypes lists the accepted response_type orderings.
// Matching is element-wise, so "token code" does not match "code token".
var canonicalResponseTypes = []struct {
	flow  Flow
	types []string
}{
	{FlowAuthorizationCode, []string{"code"}},
	{FlowImplicit, []string{"id_token"}},
	{FlowImplicit, []string{"id_token", "token"}},
	{FlowHybrid, []string{"code", "id_token"}},
	{FlowHybrid, []string{"code", "token"}},
	{FlowHybrid, []string{"code", "id_token", "token"}},
}

// Classify maps an ordered response_type list to its flow.
func Classify(responseType []string) Flow {
	for _, c := range canonicalResponseTypes {
		if slices.Equal(c.types, responseType) {
			return c.flow
		}
	}
	return FlowUndetermined
}

// SupportedResponseTypes lists the accepted response_type values in
// discovery form.
func SupportedResponseTypes() []string {
	out := make([]string, 0, len(canonicalResponseTypes))
	for _, c := range canonicalResponseTypes {
		out = append(out, strings.Join(c.types, " "))
	}
	return out
}

// Response modes.
const (
	ModeQuery    = "query"
	ModeFragment = "fragment"
	ModeFormPost = "form_post"
)

// DefaultMode is the response mode used when the request names none.
func (f Flow) DefaultMode() string {
	switch f {
	case FlowImplicit, FlowHybrid:
		return ModeFragment
	default:
		return ModeQuery
	}
}

// State is the position of an authorization record in its lifecycle.
type State int

const (
	StateNew State = iota
	StateAwaitingLogin
	StateAwaitingConsent
	StateReady
	StateIssued
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingLogin:
		return "awaiting_login"
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateReady:
		return "ready"
	case StateIssued:
		return "issued"
	default:
		return "unknown"
	}
}

// StateOf derives the state of a persisted record. StateIssued is never
// derived: it is reached per request cycle by an Issued outcome.
func StateOf(a *model.Authorization) State {
	switch {
	case a == nil || a.ID == "":
		return StateNew
	case a.UserID == "":
		return StateAwaitingLogin
	case !a.Consent:
		return StateAwaitingConsent
	default:
		return StateReady
	}
}
