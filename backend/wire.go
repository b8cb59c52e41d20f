package backend

import (
	"time"

	"github.com/google/uuid"

	pa "github.com/panyam/pocketauth"
)

// wireUser is the GoTrue user payload
type wireUser struct {
	ID           uuid.UUID      `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (w *wireUser) toUser() *pa.User {
	if w == nil || w.ID == uuid.Nil {
		return nil
	}
	u := &pa.User{ID: w.ID, Email: w.Email, CreatedAt: w.CreatedAt}
	if name, ok := w.UserMetadata["display_name"].(string); ok {
		u.DisplayName = name
	} else if name, ok := w.UserMetadata["full_name"].(string); ok {
		u.DisplayName = name
	}
	if avatar, ok := w.UserMetadata["avatar_url"].(string); ok {
		u.AvatarURL = avatar
	}
	return u
}

func fromUser(u *pa.User) *wireUser {
	if u == nil {
		return nil
	}
	md := map[string]any{}
	if u.DisplayName != "" {
		md["display_name"] = u.DisplayName
	}
	if u.AvatarURL != "" {
		md["avatar_url"] = u.AvatarURL
	}
	return &wireUser{ID: u.ID, Email: u.Email, UserMetadata: md, CreatedAt: u.CreatedAt}
}

// wireSession is the token response and also the persisted session value
type wireSession struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	ExpiresAt    int64     `json:"expires_at,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	User         *wireUser `json:"user,omitempty"`
}

func (w *wireSession) toSession(issuedAt time.Time) *pa.Session {
	s := &pa.Session{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		TokenType:    w.TokenType,
		ExpiresIn:    w.ExpiresIn,
		ExpiresAt:    w.ExpiresAt,
		User:         w.User.toUser(),
	}
	s.ResolveExpiry(issuedAt)
	return s
}

func fromSession(s *pa.Session) *wireSession {
	return &wireSession{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		ExpiresIn:    s.ExpiresIn,
		ExpiresAt:    s.ExpiresAt,
		RefreshToken: s.RefreshToken,
		User:         fromUser(s.User),
	}
}
