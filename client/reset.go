package client

import (
	"net/url"
)

// Query parameters that request an unconditional token wipe on start
const (
	ParamForceClean = "force_clean"
	ParamResetAuth  = "reset_auth"
)

// StripResetParams returns a copy of u without the reset parameters, and
// whether either of them asked for a reset. Only the value "true" counts.
func StripResetParams(u *url.URL) (*url.URL, bool) {
	if u == nil {
		return nil, false
	}
	q := u.Query()
	requested := q.Get(ParamForceClean) == "true" || q.Get(ParamResetAuth) == "true"
	if !q.Has(ParamForceClean) && !q.Has(ParamResetAuth) {
		return u, false
	}

	q.Del(ParamForceClean)
	q.Del(ParamResetAuth)
	out := *u
	out.RawQuery = q.Encode()
	return &out, requested
}

// redirectParams are the parameters an email link redirect carries
var redirectParams = []string{
	"access_token", "refresh_token", "expires_in", "expires_at", "token_type",
	"provider_token", "type", "error", "error_code", "error_description",
}

// StripRedirectParams returns a copy of u without the fragment and without the
// session or error parameters of an email link redirect
func StripRedirectParams(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	q := u.Query()
	for _, k := range redirectParams {
		q.Del(k)
	}
	out := *u
	out.RawQuery = q.Encode()
	out.Fragment = ""
	out.RawFragment = ""
	return &out
}
