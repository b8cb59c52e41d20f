package backend

import (
	"context"
	"net/http"
	"net/url"

	pa "github.com/panyam/pocketauth"
)

// SignInWithPassword exchanges email and password for a session, persists it
// and emits SIGNED_IN.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*pa.Session, error) {
	data, err := c.do(ctx, request{
		op:           "sign_in",
		method:       http.MethodPost,
		path:         "/auth/v1/token",
		query:        url.Values{"grant_type": {"password"}},
		body:         map[string]string{"email": email, "password": password},
		credentialOp: true,
	})
	if err != nil {
		c.logFailure(ctx, "sign_in", err)
		return nil, err
	}

	var w wireSession
	if err := decodeJSON("sign_in", data, &w); err != nil {
		return nil, err
	}
	s := w.toSession(c.now())
	if err := c.saveSession(ctx, s); err != nil {
		return nil, err
	}
	c.events.emit(pa.AuthEvent{Type: pa.EventSignedIn, Session: s})
	return s, nil
}

// SignUp registers a new account. When the project requires email
// confirmation the result has a user but no session, and no event is emitted.
func (c *Client) SignUp(ctx context.Context, req pa.SignUpRequest) (*pa.SignUpResult, error) {
	body := map[string]any{
		"email":    req.Email,
		"password": req.Password,
	}
	if req.DisplayName != "" {
		body["data"] = map[string]any{"display_name": req.DisplayName}
	}
	var query url.Values
	if req.RedirectTo != "" {
		query = url.Values{"redirect_to": {req.RedirectTo}}
	}

	data, err := c.do(ctx, request{
		op:     "sign_up",
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		query:  query,
		body:   body,
	})
	if err != nil {
		c.logFailure(ctx, "sign_up", err)
		return nil, err
	}

	var w wireSession
	if err := decodeJSON("sign_up", data, &w); err != nil {
		return nil, err
	}
	if w.AccessToken == "" {
		var u wireUser
		if err := decodeJSON("sign_up", data, &u); err != nil {
			return nil, err
		}
		return &pa.SignUpResult{User: u.toUser()}, nil
	}

	s := w.toSession(c.now())
	if err := c.saveSession(ctx, s); err != nil {
		return nil, err
	}
	c.events.emit(pa.AuthEvent{Type: pa.EventSignedIn, Session: s})
	return &pa.SignUpResult{User: s.User, Session: s}, nil
}

// SignOut ends the session on the backend and always removes the local copy
// and emits SIGNED_OUT. A backend that no longer knows the session is not an
// error; other backend failures are returned after local cleanup.
func (c *Client) SignOut(ctx context.Context) error {
	s, loadErr := c.loadSession(ctx)

	var remoteErr error
	if loadErr == nil && s != nil {
		_, remoteErr = c.do(ctx, request{
			op:           "sign_out",
			method:       http.MethodPost,
			path:         "/auth/v1/logout",
			bearer:       s.AccessToken,
			credentialOp: true,
		})
		if pa.IsCredentialError(remoteErr) {
			remoteErr = nil
		}
		if remoteErr != nil {
			c.logFailure(ctx, "sign_out", remoteErr)
		}
	}

	if err := c.removeSession(ctx); err != nil {
		return pa.WrapError(pa.KindUnknown, "sign_out", err)
	}
	c.events.emit(pa.AuthEvent{Type: pa.EventSignedOut})
	return remoteErr
}

// ResetPasswordForEmail asks the backend to send a recovery link. The backend
// answers the same way whether or not the account exists.
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	var query url.Values
	if redirectTo != "" {
		query = url.Values{"redirect_to": {redirectTo}}
	}
	_, err := c.do(ctx, request{
		op:     "reset_password",
		method: http.MethodPost,
		path:   "/auth/v1/recover",
		query:  query,
		body:   map[string]string{"email": email},
	})
	if err != nil {
		c.logFailure(ctx, "reset_password", err)
	}
	return err
}

// GetUser asks the backend who the current session belongs to
func (c *Client) GetUser(ctx context.Context) (*pa.User, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, pa.ErrNoSession
	}
	return c.fetchUser(ctx, s.AccessToken)
}

func (c *Client) fetchUser(ctx context.Context, accessToken string) (*pa.User, error) {
	data, err := c.do(ctx, request{
		op:           "get_user",
		method:       http.MethodGet,
		path:         "/auth/v1/user",
		bearer:       accessToken,
		credentialOp: true,
	})
	if err != nil {
		c.logFailure(ctx, "get_user", err)
		return nil, err
	}
	var w wireUser
	if err := decodeJSON("get_user", data, &w); err != nil {
		return nil, err
	}
	return w.toUser(), nil
}

// UpdateUser changes identity attributes of the signed in user, updates the
// persisted session and emits USER_UPDATED.
func (c *Client) UpdateUser(ctx context.Context, attrs pa.UserAttributes) (*pa.User, error) {
	s, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, pa.ErrNoSession
	}

	data, err := c.do(ctx, request{
		op:     "update_user",
		method: http.MethodPut,
		path:   "/auth/v1/user",
		body:   attrs,
		bearer: s.AccessToken,
	})
	if err != nil {
		c.logFailure(ctx, "update_user", err)
		return nil, err
	}
	var w wireUser
	if err := decodeJSON("update_user", data, &w); err != nil {
		return nil, err
	}
	user := w.toUser()

	s.User = user
	if err := c.saveSession(ctx, s); err != nil {
		return nil, err
	}
	c.events.emit(pa.AuthEvent{Type: pa.EventUserUpdated, Session: s})
	return user, nil
}
