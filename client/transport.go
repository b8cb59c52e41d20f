package client

import (
	"context"
	"errors"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	pa "github.com/panyam/pocketauth"
)

// TokenProvider supplies access tokens for outbound requests
type TokenProvider interface {
	// Token returns the current session token, or pocketauth.ErrNoSession
	Token(ctx context.Context) (*oauth2.Token, error)

	// ForceRefresh refreshes the session now and returns the new token
	ForceRefresh(ctx context.Context) (*oauth2.Token, error)
}

// AuthTransport wraps an http.RoundTripper to add the session's bearer token.
// Requests go out unauthenticated when there is no session. A 401 response
// triggers one refresh and one retry of the request.
type AuthTransport struct {
	Base   http.RoundTripper
	Tokens TokenProvider
}

// NewAuthTransport creates an AuthTransport over base, or http.DefaultTransport when nil
func NewAuthTransport(tokens TokenProvider, base http.RoundTripper) *AuthTransport {
	return &AuthTransport{Base: base, Tokens: tokens}
}

// NewHTTPClient returns an http.Client that authenticates with the current session
func NewHTTPClient(tokens TokenProvider, base http.RoundTripper) *http.Client {
	return &http.Client{Transport: NewAuthTransport(tokens, base)}
}

func (t *AuthTransport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

// RoundTrip implements http.RoundTripper
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.Tokens.Token(req.Context())
	if errors.Is(err, pa.ErrNoSession) {
		return t.base().RoundTrip(req)
	}
	if err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(withBearer(req, tok.AccessToken))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !canReplay(req) {
		return resp, nil
	}

	fresh, err := t.Tokens.ForceRefresh(req.Context())
	if err != nil || fresh.AccessToken == tok.AccessToken {
		return resp, nil
	}

	retry := withBearer(req, fresh.AccessToken)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return resp, nil
		}
		retry.Body = body
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return t.base().RoundTrip(retry)
}

// withBearer clones req so the caller's request is never mutated
func withBearer(req *http.Request, accessToken string) *http.Request {
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+accessToken)
	return r
}

func canReplay(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}
