package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/pocketauth/authstate"
	"github.com/panyam/pocketauth/client"
)

// Session is what the interceptors need from the client.Coordinator
type Session interface {
	client.TokenProvider
	State() authstate.State
}

// UnaryClientInterceptor attaches the signed in user's id to every call. When
// a call fails with codes.Unauthenticated it refreshes the session once and
// retries the call once.
func UnaryClientInterceptor(s Session, config *Config) grpc.UnaryClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = withUserID(ctx, s, config)
		err := invoker(ctx, method, req, reply, cc, opts...)
		if config.DisableRetry || status.Code(err) != codes.Unauthenticated {
			return err
		}
		if _, rerr := s.ForceRefresh(ctx); rerr != nil {
			return err
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor attaches the signed in user's id to every stream.
// Streams are not retried: the failure surfaces on the first receive.
func StreamClientInterceptor(s Session, config *Config) grpc.StreamClientInterceptor {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(withUserID(ctx, s, config), desc, cc, method, opts...)
	}
}

func withUserID(ctx context.Context, s Session, config *Config) context.Context {
	st := s.State()
	if !st.IsAuthenticated || st.User == nil {
		return ctx
	}
	return UserIDToOutgoingContextWithKey(ctx, st.User.ID.String(), config.MetadataKeyUserID)
}
