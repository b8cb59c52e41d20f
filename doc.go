// Package pocketauth provides the client-side authentication session core of the
// Pocket finance tracker.
//
// Pocket delegates identity, persistence and aggregation to a hosted GoTrue/PostgREST
// backend. This module owns the part that has to live on the client: keeping one
// session alive, knowing whether the user is signed in, and recovering from a flaky
// auth provider without signing people out for no reason.
//
// # Architecture
//
// Timeout/Retry (package retry): runs a backend call against a deadline and retries
// transient failures with exponential backoff. Credential failures are never retried.
//
// Token Store Inspector (package tokenstore): scans LocalStorage for persisted auth
// tokens, detects corrupted entries, wipes them, and periodically confirms that the
// stored session is still accepted by the backend.
//
// Session and User API (package client): thin operations over the AuthProvider and
// ProfileStore interfaces, each wrapped in its own retry policy.
//
// Auth State (package authstate): a pure reducer over
// {User, Profile, IsLoading, IsAuthenticated, Error}.
//
// Coordinator (package client): owns the reducer state, runs the initial session
// check, listens to the provider's auth events, refreshes the session on a timer and
// exposes SignIn, SignUp, SignOut, ResetPassword, UpdateProfile, ClearError and
// ClearTokens.
//
// # Basic Usage
//
//	storage := stores.NewMemoryStorage()
//	sdk, _ := backend.NewClient(backendURL, anonKey, storage)
//	api := client.NewAPI(sdk, sdk)
//	inspector := tokenstore.NewInspector(storage, sdk)
//	coord := client.NewCoordinator(api, inspector)
//
//	if err := coord.Start(ctx); err != nil {
//	    // only fails when ctx is cancelled
//	}
//	defer coord.Close()
//
//	if err := coord.SignIn(ctx, pocketauth.Credentials{Email: email, Password: pw}); err != nil {
//	    // credential errors come back verbatim and are also in coord.State().Error
//	}
//
// # Storage
//
// LocalStorage stands in for browser local storage. The backend SDK persists its
// session there and the inspector reads it. Implementations live under stores/:
// in-memory, JSON file, Redis, Postgres (gorm) and Cloud Datastore.
//
// # Configuration
//
// Package config layers defaults, a YAML file and POCKETAUTH_* environment
// variables. cmd/pocketauth wires a storage driver, the backend client and the
// Coordinator from it, and can serve the httpapi bridge for a local UI.
//
// # Testing
//
// Package authtest runs a GoTrue-compatible fake backend on httptest with fault
// injection, so every flow above can be exercised without a real backend.
package pocketauth
