package httptransport

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated means the credential is missing or unknown (401).
	ErrUnauthenticated = errors.New("missing or invalid bearer token")
	// ErrForbidden means the caller is known but may not do this (403).
	ErrForbidden = errors.New("caller is not allowed to perform this operation")
)

// Identity is the authenticated caller.
type Identity struct {
	Subject  string
	ReadOnly bool
}

// Authenticator resolves a bearer credential to an identity. It returns
// ErrUnauthenticated or ErrForbidden (possibly wrapped) to reject.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (Identity, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// StaticTokens authenticates against a fixed token table.
type StaticTokens map[string]Identity

func (s StaticTokens) Authenticate(_ context.Context, token string) (Identity, error) {
	for known, id := range s {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return id, nil
		}
	}
	return Identity{}, ErrUnauthenticated
}

type identityKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller identity set by RequireBearer.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// bearerToken extracts the credential from an Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireBearer rejects requests without a valid bearer credential with 401
// and writes by read-only callers with 403. Authenticated requests carry
// the identity in their context.
func RequireBearer(auth Authenticator, next http.Handler, options *ServerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="sync"`)
			respondWithError(w, r, http.StatusUnauthorized, ErrUnauthenticated.Error(), options)
			return
		}

		id, err := auth.Authenticate(r.Context(), token)
		switch {
		case errors.Is(err, ErrForbidden):
			respondWithError(w, r, http.StatusForbidden, ErrForbidden.Error(), options)
			return
		case err != nil:
			w.Header().Set("WWW-Authenticate", `Bearer realm="sync", error="invalid_token"`)
			respondWithError(w, r, http.StatusUnauthorized, ErrUnauthenticated.Error(), options)
			return
		}

		if id.ReadOnly && r.Method != http.MethodGet && r.Method != http.MethodHead {
			respondWithError(w, r, http.StatusForbidden, ErrForbidden.Error(), options)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}
