// Package tokenstore inspects and erases the auth token entries persisted in
// LocalStorage. It decides when tokens must go but never touches in-memory
// auth state; callers are told through return values and callbacks.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/retry"
)

// DefaultCheckInterval is how often Run validates the persisted session
const DefaultCheckInterval = time.Hour

// UserGetter performs the live "who am I" call used to validate tokens
type UserGetter interface {
	GetUser(ctx context.Context) (*pa.User, error)
}

// Inspector reads, validates and clears persisted auth tokens.
// The zero value is not usable; create one with NewInspector.
type Inspector struct {
	storage pa.LocalStorage
	users   UserGetter
	policy  retry.Policy
	logger  *slog.Logger

	// checking guards CheckAndClearInvalidTokens against overlapping runs
	checking atomic.Bool
}

// InspectorOption configures an Inspector
type InspectorOption func(*Inspector)

// WithRetryPolicy sets the policy for the validation call
func WithRetryPolicy(p retry.Policy) InspectorOption {
	return func(i *Inspector) {
		i.policy = p
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) InspectorOption {
	return func(i *Inspector) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewInspector creates an inspector over storage. users is asked to resolve
// the current identity when validating tokens.
func NewInspector(storage pa.LocalStorage, users UserGetter, opts ...InspectorOption) *Inspector {
	i := &Inspector{
		storage: storage,
		users:   users,
		policy:  retry.Quick,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.policy = i.policy.WithLogger(i.logger)
	return i
}

// Storage returns the underlying LocalStorage
func (i *Inspector) Storage() pa.LocalStorage {
	return i.storage
}

// TokenKeys returns all storage keys that hold auth token data
func (i *Inspector) TokenKeys(ctx context.Context) ([]string, error) {
	keys, err := i.storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var tokenKeys []string
	for _, k := range keys {
		if pa.IsTokenKey(k) {
			tokenKeys = append(tokenKeys, k)
		}
	}
	return tokenKeys, nil
}

// HasCorruptedTokenData returns true if any token entry is not valid JSON.
// Entries that vanish between listing and reading are skipped.
func (i *Inspector) HasCorruptedTokenData(ctx context.Context) (bool, error) {
	keys, err := i.TokenKeys(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		v, ok, err := i.storage.Get(ctx, k)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		if !json.Valid([]byte(v)) {
			i.logger.WarnContext(ctx, "corrupted auth token entry",
				"module", "tokenstore",
				"operation", "has_corrupted_token_data",
				"outcome", "corrupted",
				"key", k,
			)
			return true, nil
		}
	}
	return false, nil
}

// ClearAuthTokens removes every token entry and returns how many were removed.
// It keeps going past individual failures and reports them joined.
func (i *Inspector) ClearAuthTokens(ctx context.Context) (int, error) {
	keys, err := i.TokenKeys(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, k := range keys {
		if err := i.storage.Remove(ctx, k); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		i.logger.InfoContext(ctx, "auth tokens cleared",
			"module", "tokenstore",
			"operation", "clear_auth_tokens",
			"outcome", "success",
			"removed", removed,
		)
	}
	return removed, errors.Join(errs...)
}

// IsTokenValid asks the backend who the current session belongs to. It returns
// false with the cause when the call fails, and false with a nil error when the
// backend resolves no identity.
func (i *Inspector) IsTokenValid(ctx context.Context) (bool, error) {
	user, err := retry.Do(ctx, i.policy, "get_user", i.users.GetUser)
	if err != nil {
		return false, err
	}
	return user != nil, nil
}

// Belief is the caller's view of the auth state when a check runs
type Belief int

const (
	// BeliefPending means a sign-in or session check is still resolving, so a
	// valid session is expected to show up without being believed yet
	BeliefPending Belief = iota
	BeliefSignedIn
	BeliefSignedOut
)

func (b Belief) String() string {
	switch b {
	case BeliefSignedIn:
		return "signed_in"
	case BeliefSignedOut:
		return "signed_out"
	}
	return "pending"
}

// CheckAndClearInvalidTokens validates the persisted session and clears it when
// it is invalid, or when it is valid but the caller believes it is signed out.
// It returns true only if token entries were removed.
//
// A store without token entries is not checked. A call that overlaps a
// running check returns false immediately. A check that fails on a network or
// timeout error leaves the tokens alone.
func (i *Inspector) CheckAndClearInvalidTokens(ctx context.Context, believed Belief) (bool, error) {
	if !i.checking.CompareAndSwap(false, true) {
		i.logger.DebugContext(ctx, "token check already running",
			"module", "tokenstore",
			"operation", "check_and_clear_invalid_tokens",
			"outcome", "skipped",
		)
		return false, nil
	}
	defer i.checking.Store(false)

	keys, err := i.TokenKeys(ctx)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}

	valid, err := i.IsTokenValid(ctx)
	if err != nil && pa.IsRetryable(err) {
		i.logger.WarnContext(ctx, "token check inconclusive",
			"module", "tokenstore",
			"operation", "check_and_clear_invalid_tokens",
			"outcome", "inconclusive",
			"error", err,
		)
		return false, nil
	}
	if valid && believed != BeliefSignedOut {
		return false, nil
	}

	removed, err := i.ClearAuthTokens(ctx)
	if err != nil {
		return removed > 0, err
	}
	if removed == 0 {
		return false, nil
	}
	i.logger.InfoContext(ctx, "invalid auth tokens cleared",
		"module", "tokenstore",
		"operation", "check_and_clear_invalid_tokens",
		"outcome", "cleared",
		"valid", valid,
		"believed", believed.String(),
	)
	return true, nil
}

// Run calls CheckAndClearInvalidTokens every interval until ctx is done.
// believed reports the caller's current view of the auth state; onCleared runs
// after each check that removed tokens.
func (i *Inspector) Run(ctx context.Context, interval time.Duration, believed func() Belief, onCleared func()) error {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cleared, err := i.CheckAndClearInvalidTokens(ctx, believed())
		if cleared && onCleared != nil {
			onCleared()
		}
		if err != nil {
			i.logger.ErrorContext(ctx, "token check iteration failed",
				"module", "tokenstore",
				"layer", "worker",
				"operation", "check_and_clear_invalid_tokens",
				"outcome", "failure",
				"error", err,
			)
		}
	}
}
