package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	pa "github.com/panyam/pocketauth"
)

// loadSession reads the persisted session. A missing entry is nil, nil;
// an unreadable one is a KindCorruption error.
func (c *Client) loadSession(ctx context.Context) (*pa.Session, error) {
	v, ok, err := c.storage.Get(ctx, c.storageKey)
	if err != nil {
		return nil, pa.WrapError(pa.KindUnknown, "load_session", err)
	}
	if !ok {
		return nil, nil
	}
	var w wireSession
	if err := json.Unmarshal([]byte(v), &w); err != nil {
		return nil, &pa.Error{Kind: pa.KindCorruption, Op: "load_session", Code: "corrupted_session", Message: "persisted session is unreadable", Err: err}
	}
	if w.AccessToken == "" {
		return nil, &pa.Error{Kind: pa.KindCorruption, Op: "load_session", Code: "corrupted_session", Message: "persisted session has no access token"}
	}
	return w.toSession(c.now()), nil
}

func (c *Client) saveSession(ctx context.Context, s *pa.Session) error {
	data, err := json.Marshal(fromSession(s))
	if err != nil {
		return pa.WrapError(pa.KindUnknown, "save_session", err)
	}
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if err := c.storage.Set(ctx, c.storageKey, string(data)); err != nil {
		return pa.WrapError(pa.KindUnknown, "save_session", err)
	}
	return nil
}

func (c *Client) removeSession(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.storage.Remove(ctx, c.storageKey)
}

// GetSession returns the persisted session, refreshing it first when it is
// within the refresh margin of expiry. Returns nil, nil when signed out.
func (c *Client) GetSession(ctx context.Context) (*pa.Session, error) {
	s, err := c.loadSession(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	if !s.IsExpiringSoon(c.refreshMargin) {
		return s, nil
	}
	if !s.HasRefreshToken() {
		if err := c.removeSession(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return c.refresh(ctx, s.RefreshToken)
}

// RefreshSession exchanges the persisted refresh token for a new session
func (c *Client) RefreshSession(ctx context.Context) (*pa.Session, error) {
	s, err := c.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if !s.HasRefreshToken() {
		return nil, pa.ErrNoSession
	}
	return c.refresh(ctx, s.RefreshToken)
}

// refresh runs at most one refresh per refresh token at a time. Refresh tokens
// are single use, so concurrent callers must share the result.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*pa.Session, error) {
	v, err, _ := c.refreshes.Do(refreshToken, func() (any, error) {
		return c.doRefresh(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	return v.(*pa.Session), nil
}

func (c *Client) doRefresh(ctx context.Context, refreshToken string) (*pa.Session, error) {
	data, err := c.do(ctx, request{
		op:           "refresh_session",
		method:       http.MethodPost,
		path:         "/auth/v1/token",
		query:        url.Values{"grant_type": {"refresh_token"}},
		body:         map[string]string{"refresh_token": refreshToken},
		credentialOp: true,
	})
	if err != nil {
		c.logFailure(ctx, "refresh_session", err)
		if pa.IsCredentialError(err) {
			// the refresh token is dead, so is the session
			if rmErr := c.removeSession(ctx); rmErr == nil {
				c.events.emit(pa.AuthEvent{Type: pa.EventSignedOut})
			}
		}
		return nil, err
	}

	var w wireSession
	if err := decodeJSON("refresh_session", data, &w); err != nil {
		return nil, err
	}
	s := w.toSession(c.now())
	if err := c.saveSession(ctx, s); err != nil {
		return nil, err
	}
	c.events.emit(pa.AuthEvent{Type: pa.EventTokenRefreshed, Session: s})
	return s, nil
}

// SessionFromURL completes a redirect from an email link. The tokens arrive in
// the URL fragment, or the query when a server received the redirect:
// access_token, refresh_token, expires_in, type.
// A "recovery" link emits PASSWORD_RECOVERY, any other emits SIGNED_IN.
// Returns nil, nil when the URL carries no tokens.
func (c *Client) SessionFromURL(ctx context.Context, u *url.URL) (*pa.Session, error) {
	params := redirectParams(u)
	if code := params.Get("error"); code != "" || params.Get("error_description") != "" {
		msg := params.Get("error_description")
		if msg == "" {
			msg = code
		}
		if c := params.Get("error_code"); c != "" {
			code = c
		}
		return nil, &pa.Error{Kind: pa.KindCredential, Op: "session_from_url", Code: code, Message: msg}
	}
	access := params.Get("access_token")
	if access == "" {
		return nil, nil
	}

	s := &pa.Session{
		AccessToken:  access,
		RefreshToken: params.Get("refresh_token"),
		TokenType:    params.Get("token_type"),
	}
	if n, err := strconv.ParseInt(params.Get("expires_in"), 10, 64); err == nil {
		s.ExpiresIn = n
	}
	if n, err := strconv.ParseInt(params.Get("expires_at"), 10, 64); err == nil {
		s.ExpiresAt = n
	}
	s.ResolveExpiry(c.now())

	user, err := c.fetchUser(ctx, access)
	if err != nil {
		return nil, err
	}
	s.User = user
	if err := c.saveSession(ctx, s); err != nil {
		return nil, err
	}

	ev := pa.EventSignedIn
	if params.Get("type") == "recovery" {
		ev = pa.EventPasswordRecovery
	}
	c.events.emit(pa.AuthEvent{Type: ev, Session: s})
	return s, nil
}

// redirectParams picks the fragment when it carries tokens or an error and
// falls back to the query otherwise
func redirectParams(u *url.URL) url.Values {
	frag, err := url.ParseQuery(u.Fragment)
	if err == nil {
		for _, k := range []string{"access_token", "error", "error_description"} {
			if frag.Get(k) != "" {
				return frag
			}
		}
	}
	return u.Query()
}
