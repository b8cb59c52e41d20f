package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/authstate"
	"github.com/panyam/pocketauth/authtest"
	"github.com/panyam/pocketauth/backend"
	"github.com/panyam/pocketauth/retry"
	"github.com/panyam/pocketauth/stores"
	"github.com/panyam/pocketauth/tokenstore"
)

const (
	testEmail    = "ada@example.com"
	testPassword = "correct-horse"
)

var (
	fastQuick    = retry.Policy{MaxAttempts: 2, Timeout: 2 * time.Second, BaseDelay: 10 * time.Millisecond}
	fastDefault  = retry.Policy{MaxAttempts: 3, Timeout: 2 * time.Second, BaseDelay: 10 * time.Millisecond}
	fastExtended = retry.Policy{MaxAttempts: 2, Timeout: 3 * time.Second, BaseDelay: 10 * time.Millisecond}
)

type fixture struct {
	server    *authtest.Server
	storage   *stores.MemoryStorage
	sdk       *backend.Client
	api       *API
	inspector *tokenstore.Inspector
	monitor   *tokenstore.HangMonitor
	coord     *Coordinator
	userID    uuid.UUID
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	server := authtest.NewServer()
	t.Cleanup(server.Close)

	storage := stores.NewMemoryStorage()
	sdk, err := backend.NewClient(server.URL, server.AnonKey, storage,
		backend.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	require.NoError(t, err)

	monitor := tokenstore.NewHangMonitor(storage, tokenstore.DefaultHangThreshold, nil)
	api := NewAPI(sdk, sdk,
		WithRetryPolicies(fastQuick, fastDefault, fastExtended),
		WithCallTracker(monitor))
	inspector := tokenstore.NewInspector(storage, sdk, tokenstore.WithRetryPolicy(fastQuick))

	opts = append([]Option{WithHangMonitor(monitor)}, opts...)
	coord := NewCoordinator(api, inspector, opts...)
	t.Cleanup(func() { coord.Close() })

	return &fixture{
		server:    server,
		storage:   storage,
		sdk:       sdk,
		api:       api,
		inspector: inspector,
		monitor:   monitor,
		coord:     coord,
		userID:    server.AddUser(testEmail, testPassword, "Ada"),
	}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Start(context.Background()))
}

// signInDirectly signs in through the backend only, as a previous run would have
func (f *fixture) signInDirectly(t *testing.T) {
	t.Helper()
	_, err := f.sdk.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
}

func (f *fixture) tokenKeys(t *testing.T) []string {
	t.Helper()
	keys, err := f.inspector.TokenKeys(context.Background())
	require.NoError(t, err)
	return keys
}

func (f *fixture) waitFor(t *testing.T, cond func(authstate.State) bool) authstate.State {
	t.Helper()
	require.Eventually(t, func() bool { return cond(f.coord.State()) }, 3*time.Second, 5*time.Millisecond)
	return f.coord.State()
}

func authenticated(s authstate.State) bool {
	return s.IsAuthenticated && !s.IsLoading
}

func TestCoordinator_Start_NoSession(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, authstate.PhaseInitializing, f.coord.State().Phase())

	f.start(t)

	s := f.coord.State()
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	assert.Nil(t, s.User)
	assert.Empty(t, s.Error)
}

func TestCoordinator_Start_RestoresSession(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)

	f.start(t)

	s := f.coord.State()
	require.True(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	assert.Equal(t, f.userID, s.User.ID)
	require.NotNil(t, s.Profile)
	assert.Equal(t, "Ada", s.Profile.FullName)
}

func TestCoordinator_Start_ClearsCorruptedTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.storage.Set(ctx, f.sdk.StorageKey(), "{not json"))
	require.NoError(t, f.storage.Set(ctx, "theme", "dark"))

	f.start(t)

	assert.Empty(t, f.tokenKeys(t))
	v, ok, err := f.storage.Get(ctx, "theme")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "dark", v)
	assert.False(t, f.coord.State().IsAuthenticated)
}

func TestCoordinator_Start_ClearsTokensAfterHang(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)

	rec, err := json.Marshal(tokenstore.HangRecord{Operation: "get_user", StartedAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	require.NoError(t, f.storage.Set(context.Background(), tokenstore.HangFlagKey, string(rec)))

	f.start(t)

	assert.Empty(t, f.tokenKeys(t))
	assert.False(t, f.coord.State().IsAuthenticated)
	_, ok, err := f.storage.Get(context.Background(), tokenstore.HangFlagKey)
	require.NoError(t, err)
	assert.False(t, ok, "hang flag is consumed")
}

func TestCoordinator_Start_Twice(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	assert.Error(t, f.coord.Start(context.Background()))
}

func TestCoordinator_SignIn_Valid(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.coord.SignIn(context.Background(), pa.Credentials{Email: "  " + testEmail, Password: testPassword}))

	s := f.waitFor(t, authenticated)
	assert.Equal(t, f.userID, s.User.ID)
	assert.Equal(t, testEmail, s.User.Email)
	assert.Empty(t, s.Error)
	assert.False(t, s.IsLoading)
	assert.Len(t, f.tokenKeys(t), 1)
}

func TestCoordinator_SignIn_InvalidCredentials(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	err := f.coord.SignIn(context.Background(), pa.Credentials{Email: testEmail, Password: "wrong"})
	require.Error(t, err)
	assert.True(t, pa.IsCredentialError(err))
	assert.Equal(t, 1, f.server.Calls(authtest.RouteToken), "credential errors are not retried")

	s := f.coord.State()
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	assert.Contains(t, s.Error, "credentials")
	assert.Empty(t, f.tokenKeys(t))
}

func TestCoordinator_SignIn_InvalidInput(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	err := f.coord.SignIn(context.Background(), pa.Credentials{Email: "not-an-email", Password: "x"})
	require.Error(t, err)
	assert.Equal(t, pa.KindValidation, pa.KindOf(err))
	assert.Zero(t, f.server.Calls(authtest.RouteToken))
	assert.NotEmpty(t, f.coord.State().Error)
}

func TestCoordinator_SignIn_ClearsStaleTokens(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()
	require.NoError(t, f.storage.Set(ctx, "sb-other-auth-token", `{"access_token":"stale"}`))

	require.NoError(t, f.coord.SignIn(ctx, pa.Credentials{Email: testEmail, Password: testPassword}))
	f.waitFor(t, authenticated)

	assert.Equal(t, []string{f.sdk.StorageKey()}, f.tokenKeys(t))
}

func TestCoordinator_SignedOutWinsOverInflightFetch(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.server.SetFault(authtest.RouteGetProfile, authtest.Fault{Delay: 300 * time.Millisecond})

	ctx := context.Background()
	require.NoError(t, f.coord.SignIn(ctx, pa.Credentials{Email: testEmail, Password: testPassword}))

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.True(t, f.server.WaitForCalls(waitCtx, authtest.RouteGetProfile, 1), "profile fetch started")

	require.NoError(t, f.sdk.SignOut(ctx))
	f.coord.fetches.Wait()

	s := f.coord.State()
	assert.False(t, s.IsAuthenticated)
	assert.Nil(t, s.User)
	assert.Nil(t, s.Profile)
}

func TestCoordinator_SignOut(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)
	require.True(t, f.coord.State().IsAuthenticated)

	f.coord.SignOut(context.Background())

	s := f.coord.State()
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	assert.Empty(t, s.Error)
	assert.Empty(t, f.tokenKeys(t))
	assert.Zero(t, f.server.ActiveSessions())
}

func TestCoordinator_SignOut_BackendFailure(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)
	f.server.SetFault(authtest.RouteLogout, authtest.Fault{Status: http.StatusBadGateway})

	f.coord.SignOut(context.Background())

	assert.False(t, f.coord.State().IsAuthenticated)
	assert.Empty(t, f.tokenKeys(t))
}

func TestCoordinator_SignUp(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	res, err := f.coord.SignUp(context.Background(), pa.SignUpRequest{
		Email: "grace@example.com", Password: "hopper-1906", DisplayName: "Grace",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Session)

	s := f.waitFor(t, authenticated)
	assert.Equal(t, "grace@example.com", s.User.Email)
}

func TestCoordinator_SignUp_ConfirmationRequired(t *testing.T) {
	f := newFixture(t)
	f.server.SetRequireConfirmation(true)
	f.start(t)

	res, err := f.coord.SignUp(context.Background(), pa.SignUpRequest{
		Email: "grace@example.com", Password: "hopper-1906",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	require.NotNil(t, res.User)

	s := f.coord.State()
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	assert.Empty(t, f.tokenKeys(t))
}

func TestCoordinator_SignUp_Rejected(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.coord.SignUp(context.Background(), pa.SignUpRequest{Email: testEmail, Password: "another-pw"})
	require.Error(t, err)
	assert.NotEmpty(t, f.coord.State().Error)

	_, err = f.coord.SignUp(context.Background(), pa.SignUpRequest{Email: "x@example.com", Password: "123"})
	require.Error(t, err)
	assert.Equal(t, pa.KindValidation, pa.KindOf(err))
}

func TestCoordinator_ResetPassword(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	require.NoError(t, f.coord.ResetPassword(context.Background(), testEmail, "https://app.example.com/reset"))
	assert.Contains(t, f.server.Recoveries(), testEmail)
	assert.False(t, f.coord.State().IsLoading)

	err := f.coord.ResetPassword(context.Background(), "nope", "")
	require.Error(t, err)
	assert.Equal(t, pa.KindValidation, pa.KindOf(err))
	assert.NotEmpty(t, f.coord.State().Error)

	f.coord.ClearError()
	assert.Empty(t, f.coord.State().Error)
}

func TestCoordinator_UpdateProfile(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)

	currency := "EUR"
	name := "Ada Lovelace"
	p, err := f.coord.UpdateProfile(context.Background(), pa.ProfileUpdate{Currency: &currency, FullName: &name})
	require.NoError(t, err)
	assert.Equal(t, "EUR", p.Currency)

	s := f.coord.State()
	require.NotNil(t, s.Profile)
	assert.Equal(t, "EUR", s.Profile.Currency)
	assert.False(t, s.IsLoading)

	stored, ok := f.server.Profile(f.userID)
	require.True(t, ok)
	assert.Equal(t, "Ada Lovelace", stored.FullName)
}

func TestCoordinator_UpdateProfile_NotAuthenticated(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	currency := "EUR"
	_, err := f.coord.UpdateProfile(context.Background(), pa.ProfileUpdate{Currency: &currency})
	assert.ErrorIs(t, err, pa.ErrNotAuthenticated)
	assert.Zero(t, f.server.Calls(authtest.RoutePatchProfile))
}

func TestCoordinator_ProfileFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.server.SetFault(authtest.RouteGetProfile, authtest.Fault{Status: http.StatusInternalServerError})

	f.start(t)

	s := f.coord.State()
	assert.True(t, s.IsAuthenticated)
	assert.Nil(t, s.Profile)
	assert.Equal(t, msgProfileUnavailable, s.Error)
}

func TestCoordinator_ClearTokens(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)

	require.NoError(t, f.coord.ClearTokens(context.Background()))

	assert.Empty(t, f.tokenKeys(t))
	assert.False(t, f.coord.State().IsAuthenticated)
}

func TestCoordinator_ApplyResetParams(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)

	u, err := url.Parse("https://app.example.com/dashboard?force_clean=true&tab=budget")
	require.NoError(t, err)

	stripped, err := f.coord.ApplyResetParams(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "tab=budget", stripped.RawQuery)
	assert.Empty(t, f.tokenKeys(t))
	assert.False(t, f.coord.State().IsAuthenticated)
}

func TestCoordinator_RefreshNow_TransientFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)
	f.server.SetFault(authtest.RouteToken, authtest.Fault{Status: http.StatusServiceUnavailable})

	err := f.coord.RefreshNow(context.Background())
	require.Error(t, err)
	assert.True(t, pa.IsRetryable(err))

	assert.True(t, f.coord.State().IsAuthenticated)
	assert.Len(t, f.tokenKeys(t), 1)
}

func TestCoordinator_RefreshNow_RevokedSession(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)
	f.server.RevokeSessions(f.userID)

	require.Error(t, f.coord.RefreshNow(context.Background()))

	s := f.coord.State()
	assert.False(t, s.IsAuthenticated)
	assert.Empty(t, f.tokenKeys(t))
}

func TestCoordinator_RefreshNow_Rotates(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)
	before, err := f.coord.Token(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.coord.RefreshNow(context.Background()))

	after, err := f.coord.Token(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before.RefreshToken, after.RefreshToken)
	f.waitFor(t, authenticated)
}

func TestCoordinator_TokenCheckClearsRevokedSession(t *testing.T) {
	f := newFixture(t, WithTokenCheckInterval(20*time.Millisecond))
	f.signInDirectly(t)
	f.start(t)
	require.True(t, f.coord.State().IsAuthenticated)

	f.server.RevokeSessions(f.userID)

	s := f.waitFor(t, func(s authstate.State) bool { return !s.IsAuthenticated })
	assert.Equal(t, msgSessionInvalid, s.Error)
	assert.Empty(t, f.tokenKeys(t))
}

func TestCoordinator_Subscribe(t *testing.T) {
	f := newFixture(t)
	seen := make(chan authstate.State, 16)
	unsubscribe := f.coord.Subscribe(func(s authstate.State) { seen <- s })

	f.start(t)

	select {
	case s := <-seen:
		assert.True(t, s.IsLoading, "initial check starts by loading")
	case <-time.After(time.Second):
		t.Fatal("no state delivered")
	}

	unsubscribe()
	unsubscribe()
	for len(seen) > 0 {
		<-seen
	}
	f.coord.ClearError()
	assert.Empty(t, seen)
}

func TestCoordinator_CloseDropsLateResults(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.server.SetFault(authtest.RouteGetUser, authtest.Fault{Delay: 200 * time.Millisecond})

	_, err := f.sdk.SignInWithPassword(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	require.NoError(t, f.coord.Close())
	require.NoError(t, f.coord.Close())

	assert.False(t, f.coord.State().IsAuthenticated)
}

func TestCoordinator_TokenSource(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.coord.TokenSource().Token()
	assert.ErrorIs(t, err, pa.ErrNoSession)

	f.signInDirectly(t)
	tok, err := f.coord.TokenSource().Token()
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.True(t, tok.Valid())
}

func TestCoordinator_TokenCheckLeavesSignedOutClientAlone(t *testing.T) {
	f := newFixture(t, WithTokenCheckInterval(20*time.Millisecond))
	f.start(t)

	time.Sleep(150 * time.Millisecond)

	s := f.coord.State()
	assert.False(t, s.IsAuthenticated)
	assert.Empty(t, s.Error)
	assert.Zero(t, f.server.Calls(authtest.RouteGetUser), "nothing stored, nothing to validate")
}

func TestCoordinator_TokenCheckDuringSignIn(t *testing.T) {
	f := newFixture(t, WithTokenCheckInterval(20*time.Millisecond))
	f.start(t)
	f.server.SetFault(authtest.RouteGetProfile, authtest.Fault{Delay: 400 * time.Millisecond})

	require.NoError(t, f.coord.SignIn(context.Background(), pa.Credentials{Email: testEmail, Password: testPassword}))

	s := f.waitFor(t, authenticated)
	assert.Equal(t, f.userID, s.User.ID)
	assert.Empty(t, s.Error)
	assert.Len(t, f.tokenKeys(t), 1)

	// later checks agree with the signed in state
	time.Sleep(100 * time.Millisecond)
	assert.True(t, f.coord.State().IsAuthenticated)
	assert.Len(t, f.tokenKeys(t), 1)
}

func TestCoordinator_IdentityOutageKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.start(t)
	require.True(t, f.coord.State().IsAuthenticated)
	f.server.SetFault(authtest.RouteGetUser, authtest.Fault{Status: http.StatusServiceUnavailable})

	require.NoError(t, f.coord.RefreshNow(context.Background()))
	f.coord.fetches.Wait()

	s := f.coord.State()
	assert.True(t, s.IsAuthenticated)
	assert.Equal(t, f.userID, s.User.ID)
	assert.Equal(t, msgIdentityStale, s.Error)
	assert.Len(t, f.tokenKeys(t), 1)
	assert.Equal(t, tokenstore.BeliefSignedIn, f.coord.belief())
}

func TestCoordinator_IdentityOutageDuringSignIn(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.server.SetFault(authtest.RouteGetUser, authtest.Fault{Status: http.StatusServiceUnavailable})

	require.NoError(t, f.coord.SignIn(context.Background(), pa.Credentials{Email: testEmail, Password: testPassword}))

	s := f.waitFor(t, func(s authstate.State) bool { return !s.IsLoading && s.HasError() })
	assert.False(t, s.IsAuthenticated)
	assert.Equal(t, msgSessionCheckFailed, s.Error)
}

func TestCoordinator_InitialSessionIgnoredDuringInitialCheck(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	ctx := context.Background()
	stored, err := f.sdk.GetSession(ctx)
	require.NoError(t, err)
	f.server.SetFault(authtest.RouteGetUser, authtest.Fault{Delay: 300 * time.Millisecond, Times: 1})

	started := make(chan error, 1)
	go func() { started <- f.coord.Start(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.True(t, f.server.WaitForCalls(waitCtx, authtest.RouteGetUser, 1), "initial check reached the backend")

	f.coord.handleEvent(pa.AuthEvent{Type: pa.EventInitialSession, Session: stored})
	require.NoError(t, <-started)
	f.coord.fetches.Wait()

	assert.True(t, f.coord.State().IsAuthenticated)
	assert.Equal(t, 1, f.server.Calls(authtest.RouteGetUser), "the early event did not start a second lookup")
}

func TestCoordinator_InitialSessionAfterInitialCheck(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.False(t, f.coord.State().IsAuthenticated)

	// a session written by another process shows up after the initial check
	f.signInDirectly(t)
	ctx := context.Background()
	stored, err := f.sdk.GetSession(ctx)
	require.NoError(t, err)

	f.coord.handleEvent(pa.AuthEvent{Type: pa.EventInitialSession, Session: stored})
	s := f.waitFor(t, authenticated)
	assert.Equal(t, f.userID, s.User.ID)
	f.coord.fetches.Wait()
	calls := f.server.Calls(authtest.RouteGetUser)

	// the same user again is a duplicate
	f.coord.handleEvent(pa.AuthEvent{Type: pa.EventInitialSession, Session: stored})
	f.coord.handleEvent(pa.AuthEvent{Type: pa.EventInitialSession})
	f.coord.fetches.Wait()
	assert.Equal(t, calls, f.server.Calls(authtest.RouteGetUser))
	assert.True(t, f.coord.State().IsAuthenticated)
}

func TestCoordinator_SignInSafetyTimer(t *testing.T) {
	f := newFixture(t, WithSignInSafetyTimeout(100*time.Millisecond))
	f.start(t)
	f.server.SetFault(authtest.RouteGetUser, authtest.Fault{Delay: time.Second, Times: 1})

	require.NoError(t, f.coord.SignIn(context.Background(), pa.Credentials{Email: testEmail, Password: testPassword}))
	assert.True(t, f.coord.State().IsLoading)

	require.Eventually(t, func() bool { return !f.coord.State().IsLoading }, 700*time.Millisecond, 5*time.Millisecond,
		"loading is forced off while the identity lookup is still running")
	assert.False(t, f.coord.State().IsAuthenticated)
	assert.Equal(t, tokenstore.BeliefPending, f.coord.belief())

	s := f.waitFor(t, authenticated)
	assert.Equal(t, f.userID, s.User.ID)
}

func TestCoordinator_RefreshLoop(t *testing.T) {
	f := newFixture(t, WithRefreshInterval(30*time.Millisecond))
	f.signInDirectly(t)
	before := f.server.Calls(authtest.RouteToken)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.server.Calls(authtest.RouteToken) >= before+2
	}, 3*time.Second, 10*time.Millisecond, "the loop refreshes on every tick")
	assert.True(t, f.coord.State().IsAuthenticated)

	f.coord.SignOut(context.Background())
	time.Sleep(50 * time.Millisecond)
	after := f.server.Calls(authtest.RouteToken)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, after, f.server.Calls(authtest.RouteToken), "no refresh while signed out")
}

func TestCoordinator_CompleteRedirect(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	access, refresh := f.server.IssueAccessToken(f.userID, time.Hour)
	u, err := url.Parse("https://app.example.com/reset?next=budget#access_token=" + access +
		"&refresh_token=" + refresh + "&expires_in=3600&type=recovery")
	require.NoError(t, err)

	stripped, err := f.coord.CompleteRedirect(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "next=budget", stripped.RawQuery)
	assert.Empty(t, stripped.Fragment)

	s := f.waitFor(t, authenticated)
	assert.Equal(t, f.userID, s.User.ID)
	assert.Len(t, f.tokenKeys(t), 1)
}

func TestCoordinator_CompleteRedirect_NoTokens(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	u, err := url.Parse("https://app.example.com/dashboard?tab=budget")
	require.NoError(t, err)

	stripped, err := f.coord.CompleteRedirect(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, "tab=budget", stripped.RawQuery)

	s := f.coord.State()
	assert.False(t, s.IsLoading)
	assert.False(t, s.IsAuthenticated)
}

func TestCoordinator_CompleteRedirect_ExpiredLink(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	u, err := url.Parse("https://app.example.com/#error=access_denied&error_code=otp_expired&error_description=Email+link+is+invalid+or+has+expired")
	require.NoError(t, err)

	_, err = f.coord.CompleteRedirect(context.Background(), u)
	require.Error(t, err)
	assert.True(t, pa.IsCredentialError(err))

	s := f.coord.State()
	assert.False(t, s.IsLoading)
	assert.Equal(t, "Email link is invalid or has expired", s.Error)
}

func TestCoordinator_CloseBeforeLoopsStart(t *testing.T) {
	f := newFixture(t)
	f.signInDirectly(t)
	f.server.SetFault(authtest.RouteGetUser, authtest.Fault{Delay: 200 * time.Millisecond, Times: 1})
	ctx := context.Background()

	started := make(chan error, 1)
	go func() { started <- f.coord.Start(ctx) }()

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	require.True(t, f.server.WaitForCalls(waitCtx, authtest.RouteGetUser, 1))
	require.NoError(t, f.coord.Close())
	require.NoError(t, <-started)

	f.coord.mu.Lock()
	g := f.coord.group
	f.coord.mu.Unlock()
	assert.Nil(t, g, "no loops are launched after Close")
}
