/*
identity.go - Who is calling

PURPOSE:
  Resolves the advance.Actor for every API request and stores it in the
  request context. The engine trusts the actor as given.

MODES:
  Signing key set:  Authorization: Bearer <JWT>, HS256, claims sub + role
  No signing key:   X-Requester-ID / X-Role headers (development only)

  Anything else is 401.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/warp/salary-advance/advance"
)

const (
	HeaderRequesterID = "X-Requester-ID"
	HeaderRole        = "X-Role"
)

var errUnauthenticated = errors.New("unauthenticated")

// Claims are the access token claims. The subject is the requester id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Identity authenticates callers.
type Identity struct {
	signingKey []byte
}

// NewIdentity returns an Identity verifying HS256 tokens with signingKey, or
// trusting the development headers when signingKey is empty.
func NewIdentity(signingKey string) *Identity {
	return &Identity{signingKey: []byte(signingKey)}
}

// UsesTokens reports whether bearer tokens are required.
func (i *Identity) UsesTokens() bool { return len(i.signingKey) > 0 }

// Issue signs an access token for actor.
func (i *Identity) Issue(actor advance.Actor, expiresIn time.Duration, now time.Time) (string, error) {
	if !i.UsesTokens() {
		return "", errors.New("no signing key configured")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(actor.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(i.signingKey)
}

// Authenticate resolves the actor of r.
func (i *Identity) Authenticate(r *http.Request) (advance.Actor, error) {
	if i.UsesTokens() {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			return advance.Actor{}, errUnauthenticated
		}
		return i.parse(raw)
	}

	id := strings.TrimSpace(r.Header.Get(HeaderRequesterID))
	if id == "" {
		return advance.Actor{}, errUnauthenticated
	}
	role := advance.Role(strings.TrimSpace(r.Header.Get(HeaderRole)))
	if role == "" {
		role = advance.RoleRequester
	}
	if !role.Valid() {
		return advance.Actor{}, errUnauthenticated
	}
	return advance.Actor{ID: advance.RequesterID(id), Role: role}, nil
}

func (i *Identity) parse(raw string) (advance.Actor, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return i.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return advance.Actor{}, errUnauthenticated
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return advance.Actor{}, errUnauthenticated
	}
	role := advance.Role(claims.Role)
	if !role.Valid() {
		return advance.Actor{}, errUnauthenticated
	}
	return advance.Actor{ID: advance.RequesterID(claims.Subject), Role: role}, nil
}

// Middleware rejects unauthenticated requests and stores the actor in the context.
func (i *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := i.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Missing or invalid credentials", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

type contextKeyActor struct{}

// WithActor returns a context carrying actor.
func WithActor(ctx context.Context, actor advance.Actor) context.Context {
	return context.WithValue(ctx, contextKeyActor{}, actor)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(ctx context.Context) (advance.Actor, bool) {
	actor, ok := ctx.Value(contextKeyActor{}).(advance.Actor)
	return actor, ok
}
