// Package grpc attaches the current session to outgoing gRPC calls: the access
// token as per-RPC credentials and the user id as metadata, with one refresh
// and retry when a call comes back Unauthenticated.
package grpc

import (
	"context"

	"google.golang.org/grpc/metadata"
)

const (
	// DefaultMetadataKeyUserID is the default gRPC metadata key for the signed in user's id
	DefaultMetadataKeyUserID = "x-user-id"

	// MetadataKeyAuthorization carries the bearer token
	MetadataKeyAuthorization = "authorization"
)

// Config holds the metadata key configuration
type Config struct {
	// MetadataKeyUserID defaults to "x-user-id"
	MetadataKeyUserID string

	// DisableRetry turns off the refresh and retry after codes.Unauthenticated
	DisableRetry bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyUserID: DefaultMetadataKeyUserID,
	}
}

// EnsureDefaults fills in default values for any unset fields
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyUserID == "" {
		c.MetadataKeyUserID = DefaultMetadataKeyUserID
	}
}

// UserIDToOutgoingContextWithKey adds the user ID to outgoing metadata under key
func UserIDToOutgoingContextWithKey(ctx context.Context, userID string, key string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, key, userID)
}
