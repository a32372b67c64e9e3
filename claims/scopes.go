package claims

import (
	"slices"

	"idp/model"
)

// ScopeClaims maps each standard scope to the claims it releases.
var ScopeClaims = map[string][]string{
	"profile": {
		"name", "family_name", "given_name", "middle_name", "nickname",
		"preferred_username", "profile", "picture", "website", "gender",
		"birthdate", "zoneinfo", "locale", "updated_at",
	},
	"email":   {"email", "email_verified"},
	"address": {"address"},
	"phone":   {"phone_number", "phone_number_verified"},
}

// SupportedScopes lists every scope the provider understands.
func SupportedScopes() []string {
	return []string{"openid", "profile", "email", "address", "phone", "offline_access"}
}

// SupportedClaims lists every claim the provider can emit.
func SupportedClaims() []string {
	out := []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "at_hash", "c_hash"}
	for _, scope := range []string{"profile", "email", "address", "phone"} {
		out = append(out, ScopeClaims[scope]...)
	}
	return out
}

// ClaimNames returns the claims released by scope, in a stable order.
func ClaimNames(scope []string) []string {
	var out []string
	for _, s := range []string{"profile", "email", "address", "phone"} {
		if slices.Contains(scope, s) {
			out = append(out, ScopeClaims[s]...)
		}
	}
	return out
}

// ProfileClaims returns the populated claims of p released by scope.
func ProfileClaims(p model.Profile, scope []string) map[string]any {
	out := make(map[string]any)
	for _, name := range ClaimNames(scope) {
		if v, ok := profileValue(p, name); ok {
			out[name] = v
		}
	}
	return out
}

func profileValue(p model.Profile, name string) (any, bool) {
	str := func(s string) (any, bool) { return s, s != "" }
	switch name {
	case "name":
		return str(p.Name)
	case "family_name":
		return str(p.FamilyName)
	case "given_name":
		return str(p.GivenName)
	case "middle_name":
		return str(p.MiddleName)
	case "nickname":
		return str(p.Nickname)
	case "preferred_username":
		return str(p.PreferredUsername)
	case "profile":
		return str(p.Profile)
	case "picture":
		return str(p.Picture)
	case "website":
		return str(p.Website)
	case "gender":
		return str(p.Gender)
	case "birthdate":
		return str(p.Birthdate)
	case "zoneinfo":
		return str(p.Zoneinfo)
	case "locale":
		return str(p.Locale)
	case "updated_at":
		return p.UpdatedAt.Unix(), !p.UpdatedAt.IsZero()
	case "email":
		return str(p.Email)
	case "email_verified":
		return p.EmailVerified, p.Email != ""
	case "phone_number":
		return str(p.PhoneNumber)
	case "phone_number_verified":
		return p.PhoneNumberVerified, p.PhoneNumber != ""
	case "address":
		if p.Address == nil {
			return nil, false
		}
		return *p.Address, true
	}
	return nil, false
}
