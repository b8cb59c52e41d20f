package grpc

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/oauth"

	pa "github.com/panyam/pocketauth"
	"github.com/panyam/pocketauth/client"
)

// SessionCredentials sends the current session's access token with every RPC.
// Calls made without a session go out with no authorization metadata.
type SessionCredentials struct {
	tokens     client.TokenProvider
	requireTLS bool
}

var _ credentials.PerRPCCredentials = (*SessionCredentials)(nil)

// NewSessionCredentials creates per-RPC credentials over tokens. requireTLS
// should only be false for local development and tests.
func NewSessionCredentials(tokens client.TokenProvider, requireTLS bool) *SessionCredentials {
	return &SessionCredentials{tokens: tokens, requireTLS: requireTLS}
}

// GetRequestMetadata implements credentials.PerRPCCredentials
func (c *SessionCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	tok, err := c.tokens.Token(ctx)
	if errors.Is(err, pa.ErrNoSession) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{MetadataKeyAuthorization: tok.Type() + " " + tok.AccessToken}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials
func (c *SessionCredentials) RequireTransportSecurity() bool {
	return c.requireTLS
}

// PerRPCCredentials adapts a session token source, such as
// client.Coordinator.TokenSource, with grpc's oauth helper. It always requires
// a TLS connection.
func PerRPCCredentials(ts oauth2.TokenSource) credentials.PerRPCCredentials {
	return oauth.TokenSource{TokenSource: ts}
}
