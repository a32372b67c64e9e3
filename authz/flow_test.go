package authz

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"idp/model"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []string
		want Flow
	}{
		{[]string{"code"}, FlowAuthorizationCode},
		{[]string{"id_token"}, FlowImplicit},
		{[]string{"id_token", "token"}, FlowImplicit},
		{[]string{"code", "id_token"}, FlowHybrid},
		{[]string{"code", "token"}, FlowHybrid},
		{[]string{"code", "id_token", "token"}, FlowHybrid},
		{[]string{"token", "code"}, FlowUndetermined},
		{[]string{"token", "id_token"}, FlowUndetermined},
		{[]string{"id_token", "code"}, FlowUndetermined},
		{[]string{"token"}, FlowUndetermined},
		{[]string{"code", "code"}, FlowUndetermined},
		{nil, FlowUndetermined},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.in), "%v", tt.in)
	}
}

func TestDefaultMode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ModeQuery, FlowAuthorizationCode.DefaultMode())
	assert.Equal(t, ModeFragment, FlowImplicit.DefaultMode())
	assert.Equal(t, ModeFragment, FlowHybrid.DefaultMode())
}

func TestStateOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StateNew, StateOf(nil))
	assert.Equal(t, StateNew, StateOf(&model.Authorization{}))
	assert.Equal(t, StateAwaitingLogin, StateOf(&model.Authorization{ID: "a"}))
	assert.Equal(t, StateAwaitingConsent, StateOf(&model.Authorization{ID: "a", UserID: "u"}))
	assert.Equal(t, StateReady, StateOf(&model.Authorization{ID: "a", UserID: "u", Consent: true}))
	assert.Equal(t, "awaiting_consent", StateAwaitingConsent.String())
}

func TestRedirectWithErrorParams(t *testing.T) {
	t.Parallel()

	r := RedirectWithError{Code: "access_denied", Description: "no", State: "xyz"}
	p := r.Params()
	assert.Equal(t, "access_denied", p.Get("error"))
	assert.Equal(t, "no", p.Get("error_description"))
	assert.Equal(t, "xyz", p.Get("state"))

	assert.True(t, Terminal(r))
	assert.True(t, Terminal(Issued{}))
	assert.False(t, Terminal(LoginRequired{}))
	assert.False(t, Terminal(Fatal{}))
}

func TestSupportedResponseTypesClassify(t *testing.T) {
	for _, rt := range SupportedResponseTypes() {
		assert.NotEqual(t, FlowUndetermined, Classify(strings.Fields(rt)), rt)
	}
	assert.Contains(t, SupportedResponseTypes(), "code id_token token")
}
