// Package client provides the session lifecycle on top of an auth backend:
// retried Session and User API calls, the Coordinator that owns the auth
// state, and HTTP helpers that attach the current session to outbound requests.
package client

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/google/uuid"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/retry"
	"github.com/panyam/pocketauth/tokenstore"
)

// Identity is the result of GetCurrentUser. Profile is best-effort: when its
// lookup fails, ProfileErr holds the cause and the identity is still valid.
type Identity struct {
	User       *pa.User
	Profile    *pa.Profile
	ProfileErr error
}

// API wraps each backend call in a timeout and retry policy
type API struct {
	auth     pa.AuthProvider
	profiles pa.ProfileStore
	logger   *slog.Logger
	monitor  *tokenstore.HangMonitor

	quick    retry.Policy
	standard retry.Policy
	extended retry.Policy
}

// APIOption configures an API
type APIOption func(*API)

// WithAPILogger sets the logger
func WithAPILogger(logger *slog.Logger) APIOption {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCallTracker reports every call to m so hung calls can be detected
func WithCallTracker(m *tokenstore.HangMonitor) APIOption {
	return func(a *API) {
		a.monitor = m
	}
}

// WithRetryPolicies replaces the quick, standard and extended call policies
func WithRetryPolicies(quick, standard, extended retry.Policy) APIOption {
	return func(a *API) {
		a.quick, a.standard, a.extended = quick, standard, extended
	}
}

// NewAPI creates an API over an auth provider and a profile store
func NewAPI(auth pa.AuthProvider, profiles pa.ProfileStore, opts ...APIOption) *API {
	a := &API{
		auth:     auth,
		profiles: profiles,
		logger:   slog.Default(),
		quick:    retry.Quick,
		standard: retry.Default,
		extended: retry.Extended,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// call runs fn under policy p, tracked by the hang monitor when one is set
func call[T any](ctx context.Context, a *API, p retry.Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	if a.monitor != nil {
		done := a.monitor.Track(op)
		defer done()
	}
	return retry.Do(ctx, p.WithLogger(a.logger), op, fn)
}

func run(ctx context.Context, a *API, p retry.Policy, op string, fn func(context.Context) error) error {
	_, err := call(ctx, a, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// OnAuthStateChange subscribes to the provider's auth events
func (a *API) OnAuthStateChange(handler func(pa.AuthEvent)) pa.Subscription {
	return a.auth.OnAuthStateChange(handler)
}

// GetCurrentSession returns the current session. When none is persisted it
// tries one explicit refresh before reporting nil. Rejected or missing
// credentials yield nil, nil; network and timeout failures are returned.
func (a *API) GetCurrentSession(ctx context.Context) (*pa.Session, error) {
	s, err := call(ctx, a, a.quick, "get_session", a.auth.GetSession)
	if err != nil {
		if pa.IsCredentialError(err) {
			return nil, nil
		}
		return nil, err
	}
	if s != nil {
		return s, nil
	}

	s, err = call(ctx, a, a.quick, "refresh_session", a.auth.RefreshSession)
	if err != nil {
		if pa.IsCredentialError(err) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// CheckSession reads the session without the refresh fallback
func (a *API) CheckSession(ctx context.Context) (*pa.Session, error) {
	return call(ctx, a, a.quick, "check_session", a.auth.GetSession)
}

// RefreshSession exchanges the refresh token for a new session
func (a *API) RefreshSession(ctx context.Context) (*pa.Session, error) {
	return call(ctx, a, a.standard, "refresh_session", a.auth.RefreshSession)
}

// SessionFromURL completes an email link redirect. Credential errors from the
// link itself are not retried.
func (a *API) SessionFromURL(ctx context.Context, u *url.URL) (*pa.Session, error) {
	return call(ctx, a, a.quick, "session_from_url", func(ctx context.Context) (*pa.Session, error) {
		return a.auth.SessionFromURL(ctx, u)
	})
}

// GetCurrentUser resolves the identity, then its profile. A failed profile
// lookup does not fail the call.
func (a *API) GetCurrentUser(ctx context.Context) (*Identity, error) {
	user, err := call(ctx, a, a.standard, "get_user", a.auth.GetUser)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return &Identity{}, nil
	}

	id := &Identity{User: user}
	id.Profile, id.ProfileErr = a.GetProfile(ctx, user.ID)
	if id.ProfileErr != nil {
		a.logger.WarnContext(ctx, "profile lookup failed",
			"module", "client",
			"operation", "get_current_user",
			"outcome", "partial",
			"user_id", user.ID,
			"error", id.ProfileErr,
		)
	}
	return id, nil
}

// GetProfile reads the profile row of userID. Nil without error means no row.
func (a *API) GetProfile(ctx context.Context, userID uuid.UUID) (*pa.Profile, error) {
	p, err := call(ctx, a, a.quick, "get_profile", func(ctx context.Context) (*pa.Profile, error) {
		return a.profiles.GetProfile(ctx, userID)
	})
	if err != nil && pa.KindOf(err) != pa.KindProfile {
		err = pa.WrapError(pa.KindProfile, "get_profile", err)
	}
	return p, err
}

// SignIn validates the credentials and signs in
func (a *API) SignIn(ctx context.Context, creds pa.Credentials) (*pa.Session, error) {
	creds = creds.Normalize()
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return call(ctx, a, a.extended, "sign_in", func(ctx context.Context) (*pa.Session, error) {
		return a.auth.SignInWithPassword(ctx, creds.Email, creds.Password)
	})
}

// SignUp validates the request and registers a new account
func (a *API) SignUp(ctx context.Context, req pa.SignUpRequest) (*pa.SignUpResult, error) {
	req.Email = pa.Credentials{Email: req.Email}.Normalize().Email
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return call(ctx, a, a.extended, "sign_up", func(ctx context.Context) (*pa.SignUpResult, error) {
		return a.auth.SignUp(ctx, req)
	})
}

// SignOut ends the session on the backend
func (a *API) SignOut(ctx context.Context) error {
	return run(ctx, a, a.standard, "sign_out", a.auth.SignOut)
}

// ResetPassword requests a password recovery email
func (a *API) ResetPassword(ctx context.Context, email, redirectTo string) error {
	email = pa.Credentials{Email: email}.Normalize().Email
	if err := pa.ValidateEmail("reset_password", email); err != nil {
		return err
	}
	return run(ctx, a, a.standard, "reset_password", func(ctx context.Context) error {
		return a.auth.ResetPasswordForEmail(ctx, email, redirectTo)
	})
}

// UpdateProfile patches the profile row, then mirrors the display name and
// avatar onto the identity. The mirror is best-effort.
func (a *API) UpdateProfile(ctx context.Context, userID uuid.UUID, update pa.ProfileUpdate) (*pa.Profile, error) {
	if update.IsEmpty() {
		return nil, pa.NewError(pa.KindValidation, "update_profile", "no profile fields to update")
	}
	p, err := call(ctx, a, a.standard, "update_profile", func(ctx context.Context) (*pa.Profile, error) {
		return a.profiles.UpdateProfile(ctx, userID, update)
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{}
	if update.FullName != nil {
		data["display_name"] = *update.FullName
	}
	if update.AvatarURL != nil {
		data["avatar_url"] = *update.AvatarURL
	}
	if len(data) > 0 {
		_, uerr := call(ctx, a, a.quick, "update_user", func(ctx context.Context) (*pa.User, error) {
			return a.auth.UpdateUser(ctx, pa.UserAttributes{Data: data})
		})
		if uerr != nil {
			a.logger.WarnContext(ctx, "identity metadata update failed",
				"module", "client",
				"operation", "update_profile",
				"outcome", "partial",
				"error", uerr,
			)
		}
	}
	return p, nil
}
