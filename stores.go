package pocketauth

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// User is the authenticated identity reported by the auth provider
type User struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Profile is the extended profile row keyed by User.ID.
// It is fetched separately and may be missing while the user is still signed in.
type Profile struct {
	ID            uuid.UUID           `json:"id"`
	FullName      string              `json:"full_name,omitempty"`
	AvatarURL     string              `json:"avatar_url,omitempty"`
	Currency      string              `json:"currency,omitempty"`
	MonthlyBudget decimal.NullDecimal `json:"monthly_budget"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// ProfileUpdate holds the profile columns to change. Nil fields are left untouched.
type ProfileUpdate struct {
	FullName      *string          `json:"full_name,omitempty"`
	AvatarURL     *string          `json:"avatar_url,omitempty"`
	Currency      *string          `json:"currency,omitempty"`
	MonthlyBudget *decimal.Decimal `json:"monthly_budget,omitempty"`
}

// IsEmpty returns true if the update would not change any column
func (u ProfileUpdate) IsEmpty() bool {
	return u.FullName == nil && u.AvatarURL == nil && u.Currency == nil && u.MonthlyBudget == nil
}

// UserAttributes are the identity attributes that can be changed on the auth provider
type UserAttributes struct {
	Email    string         `json:"email,omitempty"`
	Password string         `json:"password,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// SignUpResult is returned by AuthProvider.SignUp.
// Session is nil when the backend requires email confirmation first.
type SignUpResult struct {
	User    *User
	Session *Session
}

// AuthEventType names an auth state change emitted by the provider
type AuthEventType string

const (
	EventInitialSession   AuthEventType = "INITIAL_SESSION"
	EventSignedIn         AuthEventType = "SIGNED_IN"
	EventSignedOut        AuthEventType = "SIGNED_OUT"
	EventTokenRefreshed   AuthEventType = "TOKEN_REFRESHED"
	EventUserUpdated      AuthEventType = "USER_UPDATED"
	EventUserDeleted      AuthEventType = "USER_DELETED"
	EventPasswordRecovery AuthEventType = "PASSWORD_RECOVERY"
)

// AuthEvent is delivered to OnAuthStateChange handlers
type AuthEvent struct {
	Type    AuthEventType
	Session *Session // nil for SIGNED_OUT and USER_DELETED
}

// Subscription is a registered auth event handler.
// Unsubscribe is safe to call more than once.
type Subscription interface {
	Unsubscribe()
}

// LocalStorage is a persisted string key/value store shared by the auth provider
// (which writes its session there) and the token store inspector.
type LocalStorage interface {
	// Keys returns every key currently stored
	Keys(ctx context.Context) ([]string, error)

	// Get returns the value for key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set creates or replaces the value for key
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
}

// AuthProvider is the hosted auth backend
type AuthProvider interface {
	// GetSession returns the persisted session, refreshing it if it has expired.
	// Returns nil, nil when there is no session.
	GetSession(ctx context.Context) (*Session, error)

	// RefreshSession exchanges the persisted refresh token for a new session
	RefreshSession(ctx context.Context) (*Session, error)

	// GetUser asks the backend who the current session belongs to
	GetUser(ctx context.Context) (*User, error)

	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, req SignUpRequest) (*SignUpResult, error)
	SignOut(ctx context.Context) error
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	UpdateUser(ctx context.Context, attrs UserAttributes) (*User, error)

	// SessionFromURL adopts the session carried by an email link redirect.
	// Returns nil, nil when u carries no tokens.
	SessionFromURL(ctx context.Context, u *url.URL) (*Session, error)

	// OnAuthStateChange registers handler for auth events until the returned
	// subscription is released.
	OnAuthStateChange(handler func(AuthEvent)) Subscription
}

// ProfileStore reads and writes the profile row of a user
type ProfileStore interface {
	// GetProfile returns nil, nil when the user has no profile row yet
	GetProfile(ctx context.Context, userID uuid.UUID) (*Profile, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, update ProfileUpdate) (*Profile, error)
}
