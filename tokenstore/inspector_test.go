package tokenstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/retry"
	"github.com/panyam/pocketauth/stores"
)

// fakeUsers answers GetUser from a function and counts calls
type fakeUsers struct {
	calls int32
	fn    func(ctx context.Context) (*pa.User, error)
}

func (f *fakeUsers) GetUser(ctx context.Context) (*pa.User, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fn(ctx)
}

func validUser(ctx context.Context) (*pa.User, error) {
	return &pa.User{ID: uuid.New(), Email: "ada@example.com"}, nil
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 1, Timeout: time.Second, TimeoutStep: -1, BaseDelay: time.Millisecond}
}

func seed(t *testing.T, s pa.LocalStorage, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		require.NoError(t, s.Set(context.Background(), k, v))
	}
}

func TestTokenKeys_MatchesMarkers(t *testing.T) {
	storage := stores.NewMemoryStorage()
	seed(t, storage, map[string]string{
		"sb-abcd-auth-token":       `{"access_token":"a"}`,
		"supabase.auth.token":      `{}`,
		"my-refresh-token":         `"r"`,
		"legacy-access-token":      `"a"`,
		"theme":                    "dark",
		"pocketauth.hang-detected": `{}`,
	})
	insp := NewInspector(storage, &fakeUsers{fn: validUser})

	keys, err := insp.TokenKeys(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"sb-abcd-auth-token", "supabase.auth.token", "my-refresh-token", "legacy-access-token",
	}, keys)
}

func TestHasCorruptedTokenData(t *testing.T) {
	ctx := context.Background()

	storage := stores.NewMemoryStorage()
	insp := NewInspector(storage, &fakeUsers{fn: validUser})

	corrupted, err := insp.HasCorruptedTokenData(ctx)
	require.NoError(t, err)
	assert.False(t, corrupted, "empty store is not corrupted")

	seed(t, storage, map[string]string{
		"sb-abcd-auth-token": `{"access_token":"a"}`,
		"theme":              "{not json but not a token key",
	})
	corrupted, err = insp.HasCorruptedTokenData(ctx)
	require.NoError(t, err)
	assert.False(t, corrupted)

	seed(t, storage, map[string]string{"supabase.auth.token": `{"access_token":`})
	corrupted, err = insp.HasCorruptedTokenData(ctx)
	require.NoError(t, err)
	assert.True(t, corrupted)
}

func TestClearAuthTokens_LeavesOtherKeys(t *testing.T) {
	ctx := context.Background()
	storage := stores.NewMemoryStorage()
	seed(t, storage, map[string]string{
		"sb-abcd-auth-token": `{}`,
		"my-refresh-token":   `"r"`,
		"theme":              "dark",
	})
	insp := NewInspector(storage, &fakeUsers{fn: validUser})

	n, err := insp.ClearAuthTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := insp.TokenKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 1, storage.Len())

	// idempotent
	n, err = insp.ClearAuthTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIsTokenValid(t *testing.T) {
	ctx := context.Background()
	storage := stores.NewMemoryStorage()

	valid, err := NewInspector(storage, &fakeUsers{fn: validUser}, WithRetryPolicy(fastPolicy())).IsTokenValid(ctx)
	require.NoError(t, err)
	assert.True(t, valid)

	noUser := &fakeUsers{fn: func(ctx context.Context) (*pa.User, error) { return nil, nil }}
	valid, err = NewInspector(storage, noUser, WithRetryPolicy(fastPolicy())).IsTokenValid(ctx)
	require.NoError(t, err)
	assert.False(t, valid)

	rejected := &fakeUsers{fn: func(ctx context.Context) (*pa.User, error) { return nil, pa.ErrNoSession }}
	valid, err = NewInspector(storage, rejected, WithRetryPolicy(fastPolicy())).IsTokenValid(ctx)
	assert.False(t, valid)
	assert.ErrorIs(t, err, pa.ErrNoSession)
}

func TestCheckAndClearInvalidTokens(t *testing.T) {
	rejected := func(ctx context.Context) (*pa.User, error) { return nil, pa.ErrNoSession }
	tests := []struct {
		name        string
		users       func(ctx context.Context) (*pa.User, error)
		believed    Belief
		wantCleared bool
	}{
		{"valid and signed in", validUser, BeliefSignedIn, false},
		{"valid while sign in resolves", validUser, BeliefPending, false},
		{"valid but signed out", validUser, BeliefSignedOut, true},
		{"invalid session", rejected, BeliefSignedIn, true},
		{"invalid while sign in resolves", rejected, BeliefPending, true},
		{"no identity", func(ctx context.Context) (*pa.User, error) { return nil, nil }, BeliefSignedOut, true},
		{"network failure keeps tokens", func(ctx context.Context) (*pa.User, error) {
			return nil, pa.NewError(pa.KindNetwork, "get_user", "connection refused")
		}, BeliefSignedIn, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			storage := stores.NewMemoryStorage()
			seed(t, storage, map[string]string{"sb-abcd-auth-token": `{}`})
			insp := NewInspector(storage, &fakeUsers{fn: tt.users}, WithRetryPolicy(fastPolicy()))

			cleared, err := insp.CheckAndClearInvalidTokens(ctx, tt.believed)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCleared, cleared)

			_, ok, _ := storage.Get(ctx, "sb-abcd-auth-token")
			assert.Equal(t, !tt.wantCleared, ok)
		})
	}
}

func TestCheckAndClearInvalidTokens_EmptyStore(t *testing.T) {
	ctx := context.Background()
	storage := stores.NewMemoryStorage()
	seed(t, storage, map[string]string{"theme": "dark"})
	users := &fakeUsers{fn: func(ctx context.Context) (*pa.User, error) { return nil, pa.ErrNoSession }}
	insp := NewInspector(storage, users, WithRetryPolicy(fastPolicy()))

	for _, believed := range []Belief{BeliefSignedOut, BeliefSignedIn, BeliefPending} {
		cleared, err := insp.CheckAndClearInvalidTokens(ctx, believed)
		require.NoError(t, err)
		assert.False(t, cleared, "nothing to clear when signed %s", believed)
	}
	assert.Zero(t, atomic.LoadInt32(&users.calls), "no tokens means no backend call")
	assert.Equal(t, 1, storage.Len())
}

func TestCheckAndClearInvalidTokens_ConcurrentCallSkips(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	users := &fakeUsers{fn: func(ctx context.Context) (*pa.User, error) {
		close(entered)
		<-release
		return nil, pa.ErrNoSession
	}}
	storage := stores.NewMemoryStorage()
	seed(t, storage, map[string]string{"sb-abcd-auth-token": `{}`})
	insp := NewInspector(storage, users, WithRetryPolicy(fastPolicy()))

	var wg sync.WaitGroup
	var firstCleared bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstCleared, _ = insp.CheckAndClearInvalidTokens(ctx, BeliefSignedIn)
	}()

	<-entered
	second, err := insp.CheckAndClearInvalidTokens(ctx, BeliefSignedIn)
	require.NoError(t, err)
	assert.False(t, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&users.calls), "second call must not validate")

	close(release)
	wg.Wait()
	assert.True(t, firstCleared)

	// the lock is released afterwards
	seed(t, storage, map[string]string{"sb-abcd-auth-token": `{}`})
	users.fn = validUser
	cleared, err := insp.CheckAndClearInvalidTokens(ctx, BeliefSignedIn)
	require.NoError(t, err)
	assert.False(t, cleared)
	assert.Equal(t, int32(2), atomic.LoadInt32(&users.calls))
}

func TestInspectorsDoNotShareLock(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := &fakeUsers{fn: func(ctx context.Context) (*pa.User, error) {
		close(entered)
		<-release
		return validUser(ctx)
	}}
	storeA, storeB := stores.NewMemoryStorage(), stores.NewMemoryStorage()
	seed(t, storeA, map[string]string{"sb-abcd-auth-token": `{}`})
	seed(t, storeB, map[string]string{"sb-abcd-auth-token": `{}`})
	a := NewInspector(storeA, blocking, WithRetryPolicy(fastPolicy()))
	other := &fakeUsers{fn: validUser}
	b := NewInspector(storeB, other, WithRetryPolicy(fastPolicy()))

	done := make(chan struct{})
	go func() {
		a.CheckAndClearInvalidTokens(ctx, BeliefSignedIn)
		close(done)
	}()
	<-entered

	b.CheckAndClearInvalidTokens(ctx, BeliefSignedIn)
	assert.Equal(t, int32(1), atomic.LoadInt32(&other.calls), "a running check on one inspector must not block another")
	close(release)
	<-done
	assert.Equal(t, int32(1), atomic.LoadInt32(&blocking.calls))
}

func TestRun_InvokesOnCleared(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := stores.NewMemoryStorage()
	seed(t, storage, map[string]string{"sb-abcd-auth-token": `{}`})
	insp := NewInspector(storage, &fakeUsers{fn: func(ctx context.Context) (*pa.User, error) {
		return nil, pa.ErrNoSession
	}}, WithRetryPolicy(fastPolicy()))

	cleared := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() {
		errc <- insp.Run(ctx, 5*time.Millisecond, func() Belief { return BeliefSignedIn }, func() {
			select {
			case cleared <- struct{}{}:
			default:
			}
		})
	}()

	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatal("onCleared was not called")
	}
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
