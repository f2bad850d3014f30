package identity

import (
	"context"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// HTTPMiddleware attaches the Caller to each request and answers 401 when
// no actor can be resolved. Paths in public skip authentication.
func HTTPMiddleware(res *Resolver, public ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range public {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}

			actorID, sessionID, err := res.Resolve(r.Header.Get("Authorization"), r.Header.Get("X-Actor-ID"))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"code":"UNAUTHENTICATED","message":"missing or invalid credentials"}`))
				return
			}
			if sessionID == "" {
				sessionID = r.Header.Get("X-Session-ID")
			}

			requestID := newRequestID(r.Header.Get("X-Request-ID"))
			w.Header().Set("X-Request-ID", requestID)

			ctx := WithCaller(r.Context(), Caller{
				ActorID:   actorID,
				SessionID: sessionID,
				RequestID: requestID,
				IPAddress: ClientIP(r),
				UserAgent: r.UserAgent(),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIP prefers the first X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// UnaryServerInterceptor is the gRPC counterpart of HTTPMiddleware. Health
// and reflection methods are not authenticated.
func UnaryServerInterceptor(res *Resolver) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.") || strings.HasPrefix(info.FullMethod, "/grpc.reflection.") {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		first := func(key string) string {
			if v := md.Get(key); len(v) > 0 {
				return v[0]
			}
			return ""
		}

		actorID, sessionID, err := res.Resolve(first("authorization"), first("x-actor-id"))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid credentials")
		}
		if sessionID == "" {
			sessionID = first("x-session-id")
		}

		ip := first("x-forwarded-for")
		if ip == "" {
			if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
				ip, _, _ = net.SplitHostPort(p.Addr.String())
			}
		}

		ctx = WithCaller(ctx, Caller{
			ActorID:   actorID,
			SessionID: sessionID,
			RequestID: newRequestID(first("x-request-id")),
			IPAddress: ip,
			UserAgent: first("user-agent"),
		})
		return handler(ctx, req)
	}
}
