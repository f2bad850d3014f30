// Package identity resolves the calling actor and request metadata for the
// HTTP and gRPC surfaces. Authentication is delegated to an upstream issuer;
// this package only verifies its HS256 tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pesio-ai/be-approvals/internal/repository"
)

// Caller is the authenticated actor plus request metadata.
type Caller struct {
	ActorID   string
	SessionID string
	RequestID string
	IPAddress string
	UserAgent string
}

// RequestMeta converts the caller into the metadata stored on audit entries.
func (c Caller) RequestMeta() repository.RequestMeta {
	return repository.RequestMeta{
		IPAddress: c.IPAddress,
		UserAgent: c.UserAgent,
		SessionID: c.SessionID,
		RequestID: c.RequestID,
	}
}

type ctxKey struct{}

// WithCaller stores c on ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the caller stored on ctx.
func FromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxKey{}).(Caller)
	return c, ok
}

// Claims are the JWT claims the issuer sets.
type Claims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns nil when secret is empty, which disables token auth.
func NewVerifier(secret, issuer string) *Verifier {
	if secret == "" {
		return nil
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses token and returns the subject and session.
func (v *Verifier) Verify(token string) (actorID, sessionID string, err error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", "", fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("invalid token: missing subject")
	}
	return claims.Subject, claims.SessionID, nil
}

// Sign issues a token for actorID. Used by the seed command and tests.
func (v *Verifier) Sign(actorID, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Resolver turns raw request credentials into an actor ID.
type Resolver struct {
	verifier    *Verifier
	allowHeader bool
}

// NewResolver creates a Resolver. With allowHeader the X-Actor-ID header is
// accepted when no bearer token is presented.
func NewResolver(verifier *Verifier, allowHeader bool) *Resolver {
	return &Resolver{verifier: verifier, allowHeader: allowHeader}
}

// ErrUnauthenticated is returned when no usable credential is present.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolve returns actor and session for an Authorization value and an
// X-Actor-ID value. The reserved system actor is never returned.
func (r *Resolver) Resolve(authorization, actorHeader string) (actorID, sessionID string, err error) {
	switch token, ok := strings.CutPrefix(authorization, "Bearer "); {
	case ok && r.verifier != nil:
		actorID, sessionID, err = r.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			return "", "", err
		}
	case r.allowHeader && actorHeader != "":
		actorID = actorHeader
	default:
		return "", "", ErrUnauthenticated
	}
	if strings.EqualFold(strings.TrimSpace(actorID), repository.SystemActor) {
		return "", "", fmt.Errorf("%w: actor %q is reserved", ErrUnauthenticated, actorID)
	}
	return actorID, sessionID, nil
}

func newRequestID(existing string) string {
	if existing != "" {
		return existing
	}
	return uuid.NewString()
}
