package client

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/authstate"
	"github.com/panyam/pocketauth/tokenstore"
)

const (
	// DefaultRefreshInterval is the session refresh period, ten minutes short
	// of the backend's one hour access token lifetime
	DefaultRefreshInterval = 50 * time.Minute

	// DefaultSignInSafetyTimeout bounds how long a successful sign-in waits
	// for its SIGNED_IN event before loading is forced off
	DefaultSignInSafetyTimeout = 6 * time.Second

	tokenSourceTimeout = 15 * time.Second
)

// Advisory messages dispatched into State.Error
const (
	msgIdentityUnresolved = "session found but user could not be resolved"
	msgSessionCheckFailed = "could not reach the auth service, showing signed out for now"
	msgIdentityStale      = "could not reach the auth service, account details may be out of date"
	msgProfileUnavailable = "signed in, but your profile could not be loaded"
	msgSessionExpired     = "your session has expired, please sign in again"
	msgSessionInvalid     = "your session is no longer valid, please sign in again"
	msgCorruptedSession   = "stored session data was unreadable and has been cleared"
)

var errAlreadyStarted = errors.New("coordinator already started")

// Coordinator owns the auth state. It runs the initial session check, follows
// the provider's auth events, refreshes the session on a timer and exposes the
// auth actions. All state changes go through authstate.Reduce.
type Coordinator struct {
	api       *API
	inspector *tokenstore.Inspector
	monitor   *tokenstore.HangMonitor
	logger    *slog.Logger

	refreshInterval time.Duration
	checkInterval   time.Duration
	hangInterval    time.Duration
	signInSafety    time.Duration

	mu          sync.Mutex
	state       authstate.State
	generation  uint64
	initialDone bool
	started     bool
	closed      bool
	listeners   map[int]func(authstate.State)
	nextID      int
	safety      *time.Timer
	resolving   int

	runCtx  context.Context
	cancel  context.CancelFunc
	sub     pa.Subscription
	group   *errgroup.Group
	fetches sync.WaitGroup
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHangMonitor enables hang detection. The same monitor should be given to
// the API with WithCallTracker.
func WithHangMonitor(m *tokenstore.HangMonitor) Option {
	return func(c *Coordinator) {
		c.monitor = m
	}
}

// WithRefreshInterval sets the session refresh period
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.refreshInterval = d
		}
	}
}

// WithTokenCheckInterval sets the period of the stored token validity check
func WithTokenCheckInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.checkInterval = d
		}
	}
}

// WithHangCheckInterval sets how often in-flight calls are checked for hangs
func WithHangCheckInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.hangInterval = d
		}
	}
}

// WithSignInSafetyTimeout sets how long a sign-in waits for its auth event
func WithSignInSafetyTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.signInSafety = d
		}
	}
}

// NewCoordinator creates a Coordinator in the initializing phase. Call Start
// to run the initial check and the background loops.
func NewCoordinator(api *API, inspector *tokenstore.Inspector, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:             api,
		inspector:       inspector,
		logger:          slog.Default(),
		refreshInterval: DefaultRefreshInterval,
		checkInterval:   tokenstore.DefaultCheckInterval,
		hangInterval:    tokenstore.DefaultHangCheckInterval,
		signInSafety:    DefaultSignInSafetyTimeout,
		state:           authstate.Initial(),
		listeners:       make(map[int]func(authstate.State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start cleans up unusable stored tokens, subscribes to auth events, runs the
// initial session check and launches the background loops. The loops stop
// when ctx is done or Close is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.started = true
	c.runCtx, c.cancel = context.WithCancel(ctx)
	runCtx := c.runCtx
	c.mu.Unlock()

	c.cleanStoredTokens(ctx)

	sub := c.api.OnAuthStateChange(c.handleEvent)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.initialCheck(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.runRefreshLoop(gctx)
	})
	g.Go(func() error {
		return c.inspector.Run(gctx, c.checkInterval, c.belief, c.onTokensCleared)
	})
	if c.monitor != nil {
		g.Go(func() error {
			return c.monitor.Run(gctx, c.hangInterval)
		})
	}
	c.group = g
	return nil
}

// Close releases the event subscription, stops the background loops and
// drops any result that arrives afterwards. It is safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.safety != nil {
		c.safety.Stop()
	}
	sub, cancel, g := c.sub, c.cancel, c.group
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	c.fetches.Wait()
	if g != nil {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// State returns a snapshot of the current auth state
func (c *Coordinator) State() authstate.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe calls fn with every new state until the returned function is
// called. Snapshots from concurrent transitions may arrive out of order;
// State always returns the latest.
func (c *Coordinator) Subscribe(fn func(authstate.State)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// dispatch applies a unconditionally
func (c *Coordinator) dispatch(a authstate.Action) {
	c.apply(a, func() bool { return true })
}

// dispatchIfCurrent applies a only if no sign-out happened since gen was taken
func (c *Coordinator) dispatchIfCurrent(gen uint64, a authstate.Action) bool {
	return c.apply(a, func() bool { return c.generation == gen })
}

// apply runs the reducer when ok holds. ok is evaluated under the lock.
func (c *Coordinator) apply(a authstate.Action, ok func() bool) bool {
	c.mu.Lock()
	if c.closed || !ok() {
		c.mu.Unlock()
		c.logger.Debug("stale auth action dropped",
			"module", "client",
			"operation", "dispatch",
			"action", authstate.Name(a),
		)
		return false
	}
	c.state = authstate.Reduce(c.state, a)
	s := c.state
	listeners := make([]func(authstate.State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
	return true
}

func (c *Coordinator) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// invalidate makes every in-flight identity fetch stale
func (c *Coordinator) invalidate() {
	c.mu.Lock()
	c.generation++
	if c.safety != nil {
		c.safety.Stop()
		c.safety = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) believedAuthenticated() bool {
	return c.State().IsAuthenticated
}

// belief is what the stored token check may assume. A sign-in that has not
// resolved its identity yet is pending, not signed out.
func (c *Coordinator) belief() tokenstore.Belief {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state.IsAuthenticated:
		return tokenstore.BeliefSignedIn
	case c.state.IsLoading || c.resolving > 0:
		return tokenstore.BeliefPending
	}
	return tokenstore.BeliefSignedOut
}

func (c *Coordinator) onTokensCleared() {
	c.invalidate()
	c.dispatch(authstate.SetUnauthenticated{Error: msgSessionInvalid})
}

// cleanStoredTokens wipes stored tokens when the previous run hung or when
// any token entry is unreadable
func (c *Coordinator) cleanStoredTokens(ctx context.Context) {
	if c.monitor != nil {
		rec, hung, err := c.monitor.ConsumeHangFlag(ctx)
		if err != nil {
			c.logger.WarnContext(ctx, "hang flag unreadable",
				"module", "client",
				"operation", "start",
				"outcome", "failure",
				"error", err,
			)
		}
		if hung {
			op := "unknown"
			if rec != nil {
				op = rec.Operation
			}
			c.logger.WarnContext(ctx, "previous run hung, clearing stored tokens",
				"module", "client",
				"operation", "start",
				"hung_operation", op,
			)
			c.clearStoredTokens(ctx, "start")
			return
		}
	}

	corrupted, err := c.inspector.HasCorruptedTokenData(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "token scan failed",
			"module", "client",
			"operation", "start",
			"outcome", "failure",
			"error", err,
		)
		return
	}
	if corrupted {
		c.logger.WarnContext(ctx, "corrupted token data found, clearing",
			"module", "client",
			"operation", "start",
		)
		c.clearStoredTokens(ctx, "start")
	}
}

func (c *Coordinator) clearStoredTokens(ctx context.Context, op string) {
	if _, err := c.inspector.ClearAuthTokens(ctx); err != nil {
		c.logger.ErrorContext(ctx, "clearing stored tokens failed",
			"module", "client",
			"operation", op,
			"outcome", "failure",
			"error", err,
		)
	}
}

// initialCheck resolves the starting phase. INITIAL_SESSION events are
// ignored until it has finished, and afterwards unless they bring a session
// the state does not already reflect.
func (c *Coordinator) initialCheck(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.initialDone = true
		c.mu.Unlock()
	}()

	c.dispatch(authstate.SetLoading{Loading: true})
	gen := c.currentGeneration()

	s, err := c.api.GetCurrentSession(ctx)
	if err != nil {
		if pa.IsCorruptionError(err) {
			c.clearStoredTokens(ctx, "initial_check")
			c.dispatchIfCurrent(gen, authstate.SetUnauthenticated{Error: msgCorruptedSession})
			return
		}
		c.logger.WarnContext(ctx, "initial session check failed",
			"module", "client",
			"operation", "initial_check",
			"outcome", "degraded",
			"error", err,
		)
		c.dispatchIfCurrent(gen, authstate.SetUnauthenticated{Error: msgSessionCheckFailed})
		return
	}
	if s == nil {
		c.dispatchIfCurrent(gen, authstate.SetUnauthenticated{})
		return
	}
	c.resolveIdentity(ctx, gen)
}

// resolveIdentity fetches the user and profile and dispatches the result,
// unless a sign-out has happened since gen was taken
func (c *Coordinator) resolveIdentity(ctx context.Context, gen uint64) {
	id, err := c.api.GetCurrentUser(ctx)
	switch {
	case err != nil && pa.IsRetryable(err):
		c.logger.WarnContext(ctx, "identity check inconclusive",
			"module", "client",
			"operation", "resolve_identity",
			"outcome", "degraded",
			"error", err,
		)
		// a signed in user stays signed in through a passive outage
		kept := c.apply(authstate.SetError{Message: msgIdentityStale}, func() bool {
			return c.generation == gen && c.state.IsAuthenticated
		})
		if !kept {
			c.dispatchIfCurrent(gen, authstate.SetUnauthenticated{Error: msgSessionCheckFailed})
		}
	case err != nil || id.User == nil:
		c.dispatchIfCurrent(gen, authstate.SetUnauthenticated{Error: msgIdentityUnresolved})
	default:
		if !c.dispatchIfCurrent(gen, authstate.SetAuthenticated{User: id.User, Profile: id.Profile}) {
			return
		}
		if id.ProfileErr != nil {
			c.dispatchIfCurrent(gen, authstate.SetError{Message: msgProfileUnavailable})
		}
	}
}

// handleEvent runs on the provider's emitting goroutine and must not block
func (c *Coordinator) handleEvent(ev pa.AuthEvent) {
	c.logger.Debug("auth event received",
		"module", "client",
		"operation", "handle_event",
		"event", string(ev.Type),
	)

	switch ev.Type {
	case pa.EventSignedOut, pa.EventUserDeleted:
		c.invalidate()
		c.dispatch(authstate.SetUnauthenticated{})

	case pa.EventInitialSession:
		c.mu.Lock()
		skip := !c.initialDone || ev.Session == nil || (c.state.IsAuthenticated && sameUser(c.state.User, ev.Session.User))
		c.mu.Unlock()
		if skip {
			return
		}
		c.followSession(ev.Session)

	case pa.EventSignedIn, pa.EventTokenRefreshed, pa.EventUserUpdated, pa.EventPasswordRecovery:
		c.followSession(ev.Session)
	}
}

func sameUser(a, b *pa.User) bool {
	return a != nil && b != nil && a.ID == b.ID
}

// followSession re-resolves the identity in the background for an event
// that carries a session
func (c *Coordinator) followSession(s *pa.Session) {
	c.mu.Lock()
	if c.closed || c.runCtx == nil {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	ctx := c.runCtx
	c.fetches.Add(1)
	c.resolving++
	c.mu.Unlock()

	go func() {
		defer c.fetches.Done()
		defer func() {
			c.mu.Lock()
			c.resolving--
			c.mu.Unlock()
		}()
		if s == nil {
			c.dispatchIfCurrent(gen, authstate.SetUnauthenticated{})
			return
		}
		c.resolveIdentity(ctx, gen)
	}()
}

func (c *Coordinator) armSafetyTimer(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.safety != nil {
		c.safety.Stop()
	}
	c.safety = time.AfterFunc(c.signInSafety, func() {
		c.apply(authstate.SetLoading{Loading: false}, func() bool {
			return c.generation == gen && c.state.IsLoading
		})
	})
}

// SignIn clears stored tokens and signs in. On success the final state is set
// by the SIGNED_IN event. Errors are returned and also dispatched.
func (c *Coordinator) SignIn(ctx context.Context, creds pa.Credentials) error {
	creds = creds.Normalize()
	if err := creds.Validate(); err != nil {
		c.dispatch(authstate.SetError{Message: pa.Message(err)})
		return err
	}

	c.clearStoredTokens(ctx, "sign_in")
	c.dispatch(authstate.SetLoading{Loading: true})
	gen := c.currentGeneration()

	if _, err := c.api.SignIn(ctx, creds); err != nil {
		c.dispatch(authstate.SetError{Message: pa.Message(err)})
		if pa.IsCredentialError(err) {
			c.clearStoredTokens(ctx, "sign_in")
		}
		return err
	}
	c.armSafetyTimer(gen)
	return nil
}

// SignUp registers an account. When the backend returns a session the
// SIGNED_IN event signs the user in; otherwise confirmation is pending.
func (c *Coordinator) SignUp(ctx context.Context, req pa.SignUpRequest) (*pa.SignUpResult, error) {
	if err := req.Validate(); err != nil {
		c.dispatch(authstate.SetError{Message: pa.Message(err)})
		return nil, err
	}

	c.dispatch(authstate.SetLoading{Loading: true})
	gen := c.currentGeneration()

	res, err := c.api.SignUp(ctx, req)
	if err != nil {
		c.dispatch(authstate.SetError{Message: pa.Message(err)})
		return nil, err
	}
	if res.Session == nil {
		c.dispatch(authstate.SetLoading{Loading: false})
	} else {
		c.armSafetyTimer(gen)
	}
	return res, nil
}

// SignOut ends the session. It always leaves the client signed out; backend
// failures are logged.
func (c *Coordinator) SignOut(ctx context.Context) {
	c.dispatch(authstate.SetLoading{Loading: true})
	if err := c.api.SignOut(ctx); err != nil {
		c.logger.WarnContext(ctx, "backend sign out failed",
			"module", "client",
			"operation", "sign_out",
			"outcome", "failure",
			"error", err,
		)
	}
	c.clearStoredTokens(ctx, "sign_out")
	c.invalidate()
	c.dispatch(authstate.SetUnauthenticated{})
}

// ResetPassword sends a recovery email to the given address
func (c *Coordinator) ResetPassword(ctx context.Context, email, redirectTo string) error {
	c.dispatch(authstate.SetLoading{Loading: true})
	if err := c.api.ResetPassword(ctx, email, redirectTo); err != nil {
		c.dispatch(authstate.SetError{Message: pa.Message(err)})
		return err
	}
	c.dispatch(authstate.SetLoading{Loading: false})
	return nil
}

// UpdateProfile changes the signed in user's profile. It fails with
// pocketauth.ErrNotAuthenticated when nobody is signed in.
func (c *Coordinator) UpdateProfile(ctx context.Context, update pa.ProfileUpdate) (*pa.Profile, error) {
	s := c.State()
	if !s.IsAuthenticated || s.User == nil {
		return nil, pa.ErrNotAuthenticated
	}

	c.dispatch(authstate.SetLoading{Loading: true})
	p, err := c.api.UpdateProfile(ctx, s.User.ID, update)
	if err != nil {
		c.dispatch(authstate.SetError{Message: pa.Message(err)})
		return nil, err
	}
	c.dispatch(authstate.UpdateProfile{Profile: p})
	c.dispatch(authstate.SetLoading{Loading: false})
	return p, nil
}

// ClearError drops the current error message
func (c *Coordinator) ClearError() {
	c.dispatch(authstate.ClearError{})
}

// ClearTokens wipes every stored auth token and signs the client out locally
func (c *Coordinator) ClearTokens(ctx context.Context) error {
	_, err := c.inspector.ClearAuthTokens(ctx)
	c.invalidate()
	c.dispatch(authstate.SetUnauthenticated{})
	return err
}

// ApplyResetParams wipes the stored tokens when u carries force_clean=true or
// reset_auth=true. It returns u without those parameters.
func (c *Coordinator) ApplyResetParams(ctx context.Context, u *url.URL) (*url.URL, error) {
	stripped, requested := StripResetParams(u)
	if !requested {
		return stripped, nil
	}
	c.logger.InfoContext(ctx, "token reset requested",
		"module", "client",
		"operation", "apply_reset_params",
	)
	return stripped, c.ClearTokens(ctx)
}

// CompleteRedirect adopts the session carried by an email link redirect, such
// as a signup confirmation or a password recovery link. The final state is set
// by the SIGNED_IN or PASSWORD_RECOVERY event that follows. It returns u
// without the redirect parameters; a URL without tokens changes nothing.
func (c *Coordinator) CompleteRedirect(ctx context.Context, u *url.URL) (*url.URL, error) {
	stripped := StripRedirectParams(u)
	c.dispatch(authstate.SetLoading{Loading: true})
	gen := c.currentGeneration()

	s, err := c.api.SessionFromURL(ctx, u)
	if err != nil {
		c.dispatch(authstate.SetError{Message: pa.Message(err)})
		return stripped, err
	}
	if s == nil {
		c.dispatch(authstate.SetLoading{Loading: false})
		return stripped, nil
	}
	c.armSafetyTimer(gen)
	return stripped, nil
}

// RefreshNow refreshes the session once. A failed refresh only signs the
// client out when a direct session check confirms there is no session.
func (c *Coordinator) RefreshNow(ctx context.Context) error {
	_, err := c.api.RefreshSession(ctx)
	if err == nil {
		return nil
	}
	c.logger.WarnContext(ctx, "session refresh failed",
		"module", "client",
		"operation", "refresh_session",
		"outcome", "failure",
		"error", err,
	)

	s, checkErr := c.api.CheckSession(ctx)
	if checkErr == nil && s == nil {
		c.clearStoredTokens(ctx, "refresh_session")
		c.invalidate()
		c.dispatch(authstate.SetUnauthenticated{Error: msgSessionExpired})
	}
	return err
}

func (c *Coordinator) runRefreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !c.believedAuthenticated() {
			continue
		}
		_ = c.RefreshNow(ctx)
	}
}

// Token returns the current session's token. It fails with
// pocketauth.ErrNoSession when nobody is signed in.
func (c *Coordinator) Token(ctx context.Context) (*oauth2.Token, error) {
	s, err := c.api.GetCurrentSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, pa.ErrNoSession
	}
	return s.Token(), nil
}

// ForceRefresh refreshes the session and returns the new token
func (c *Coordinator) ForceRefresh(ctx context.Context) (*oauth2.Token, error) {
	s, err := c.api.RefreshSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.Token(), nil
}

type sessionTokenSource struct {
	c *Coordinator
}

func (ts sessionTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tokenSourceTimeout)
	defer cancel()
	return ts.c.Token(ctx)
}

// TokenSource returns an oauth2.TokenSource over the current session. Tokens
// are reused until they are about to expire.
func (c *Coordinator) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, sessionTokenSource{c: c})
}
