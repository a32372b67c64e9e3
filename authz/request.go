package authz

import (
	"net/url"
	"strings"
)

// Request holds the client-owned parameters of an authorization request.
type Request struct {
	ClientID            string
	RedirectURI         string
	Scope               []string
	ResponseType        []string
	ResponseMode        string
	State               string
	Nonce               string
	Prompt              string
	CodeChallenge       string
	CodeChallengeMethod string
}

// RequestFromValues reads a Request from query or form parameters.
func RequestFromValues(v url.Values) Request {
	return Request{
		ClientID:            v.Get("client_id"),
		RedirectURI:         v.Get("redirect_uri"),
		Scope:               strings.Fields(v.Get("scope")),
		ResponseType:        strings.Fields(v.Get("response_type")),
		ResponseMode:        v.Get("response_mode"),
		State:               v.Get("state"),
		Nonce:               v.Get("nonce"),
		Prompt:              v.Get("prompt"),
		CodeChallenge:       v.Get("code_challenge"),
		CodeChallengeMethod: v.Get("code_challenge_method"),
	}
}

// Empty reports whether no parameter was supplied.
func (r Request) Empty() bool {
	return r.ClientID == "" && r.RedirectURI == "" && len(r.Scope) == 0 &&
		len(r.ResponseType) == 0 && r.ResponseMode == "" && r.State == "" &&
		r.Nonce == "" && r.Prompt == "" && r.CodeChallenge == "" &&
		r.CodeChallengeMethod == ""
}
