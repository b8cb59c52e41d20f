// Package httpapi serves the auth state and actions of a client.Coordinator
// over local HTTP, for a UI running in a separate process.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/authstate"
)

// DefaultSettleTimeout bounds how long a sign-in or sign-up response waits
// for the auth state to stop loading
const DefaultSettleTimeout = 8 * time.Second

// Auth is the part of client.Coordinator the bridge exposes
type Auth interface {
	State() authstate.State
	Subscribe(fn func(authstate.State)) (unsubscribe func())

	SignIn(ctx context.Context, creds pa.Credentials) error
	SignUp(ctx context.Context, req pa.SignUpRequest) (*pa.SignUpResult, error)
	SignOut(ctx context.Context)
	ResetPassword(ctx context.Context, email, redirectTo string) error
	UpdateProfile(ctx context.Context, update pa.ProfileUpdate) (*pa.Profile, error)
	ClearError()
	ClearTokens(ctx context.Context) error
	ApplyResetParams(ctx context.Context, u *url.URL) (*url.URL, error)
	CompleteRedirect(ctx context.Context, u *url.URL) (*url.URL, error)
}

// Server routes the auth bridge endpoints
type Server struct {
	auth          Auth
	logger        *slog.Logger
	settleTimeout time.Duration
	router        *mux.Router
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSettleTimeout sets how long sign-in and sign-up wait for the state to settle
func WithSettleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.settleTimeout = d
		}
	}
}

// NewServer creates the bridge over auth
func NewServer(auth Auth, opts ...ServerOption) *Server {
	s := &Server{
		auth:          auth,
		logger:        slog.Default(),
		settleTimeout: DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests, s.resetParams)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)

	// full paths on the root router, a subrouter answers a method mismatch with 404
	r.HandleFunc("/auth/state", s.handleState).Methods(http.MethodGet).Name("state")
	r.HandleFunc("/auth/callback", s.handleCallback).Methods(http.MethodGet).Name("callback")
	r.HandleFunc("/auth/signin", s.handleSignIn).Methods(http.MethodPost).Name("signin")
	r.HandleFunc("/auth/signup", s.handleSignUp).Methods(http.MethodPost).Name("signup")
	r.HandleFunc("/auth/signout", s.handleSignOut).Methods(http.MethodPost).Name("signout")
	r.HandleFunc("/auth/reset-password", s.handleResetPassword).Methods(http.MethodPost).Name("reset_password")
	r.HandleFunc("/auth/profile", s.handleUpdateProfile).Methods(http.MethodPatch).Name("update_profile")
	r.HandleFunc("/auth/clear-error", s.handleClearError).Methods(http.MethodPost).Name("clear_error")
	r.HandleFunc("/auth/clear-tokens", s.handleClearTokens).Methods(http.MethodPost).Name("clear_tokens")
	return r
}

// Router returns the underlying router so callers can mount more routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// resetParams wipes stored tokens when the request asks for it and strips the
// parameters from the request URL in place, without a redirect
func (s *Server) resetParams(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stripped, err := s.auth.ApplyResetParams(r.Context(), r.URL)
		if err != nil {
			s.logger.ErrorContext(r.Context(), "token reset failed",
				"module", "httpapi",
				"operation", "reset_params",
				"outcome", "failure",
				"error", err,
			)
		}
		if stripped != nil && stripped != r.URL {
			r = r.Clone(r.Context())
			r.URL = stripped
			r.RequestURI = stripped.RequestURI()
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil && cur.GetName() != "" {
			route = cur.GetName()
		}
		s.logger.DebugContext(r.Context(), "bridge request",
			"module", "httpapi",
			"operation", route,
			"method", r.Method,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
