package pocketauth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Session is the token bundle issued by the auth provider. It is persisted in
// LocalStorage as JSON, in the same shape the browser SDK uses.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
	User         *User  `json:"user,omitempty"`
}

// Expiry returns when the access token expires. Zero means unknown.
func (s *Session) Expiry() time.Time {
	if s == nil || s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// IsExpired returns true if the access token has expired
func (s *Session) IsExpired() bool {
	exp := s.Expiry()
	return !exp.IsZero() && time.Now().After(exp)
}

// IsExpiringSoon returns true if the token expires within the given duration
func (s *Session) IsExpiringSoon(within time.Duration) bool {
	exp := s.Expiry()
	return !exp.IsZero() && time.Now().Add(within).After(exp)
}

// HasRefreshToken returns true if a refresh token is available
func (s *Session) HasRefreshToken() bool {
	return s != nil && s.RefreshToken != ""
}

// Token converts the session into an oauth2 token for outbound clients
func (s *Session) Token() *oauth2.Token {
	if s == nil {
		return nil
	}
	tokenType := s.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    tokenType,
		Expiry:       s.Expiry(),
	}
}

// ResolveExpiry fills ExpiresAt when the provider left it out: first from the
// access token's exp claim, then from ExpiresIn relative to issuedAt.
func (s *Session) ResolveExpiry(issuedAt time.Time) {
	if s == nil || s.ExpiresAt != 0 {
		return
	}
	if exp, ok := ExpiryFromAccessToken(s.AccessToken); ok {
		s.ExpiresAt = exp.Unix()
		return
	}
	if s.ExpiresIn > 0 {
		s.ExpiresAt = issuedAt.Add(time.Duration(s.ExpiresIn) * time.Second).Unix()
	}
}

// ExpiryFromAccessToken reads the exp claim of a JWT access token without
// verifying its signature. The client never trusts the token for authorization,
// it only needs to know when to refresh.
func ExpiryFromAccessToken(accessToken string) (time.Time, bool) {
	if accessToken == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
