package httptransport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireBearer(t *testing.T) {
	auth := StaticTokens{
		"rw-token": {Subject: "writer"},
		"ro-token": {Subject: "reader", ReadOnly: true},
	}

	var seen Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		require.True(t, ok)
		seen = id
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireBearer(auth, next, nil)

	tests := []struct {
		name    string
		method  string
		header  string
		want    int
		subject string
	}{
		{"missing header", http.MethodGet, "", http.StatusUnauthorized, ""},
		{"wrong scheme", http.MethodGet, "Basic cnc6cnc=", http.StatusUnauthorized, ""},
		{"empty token", http.MethodGet, "Bearer ", http.StatusUnauthorized, ""},
		{"unknown token", http.MethodGet, "Bearer nope", http.StatusUnauthorized, ""},
		{"writer reads", http.MethodGet, "Bearer rw-token", http.StatusNoContent, "writer"},
		{"writer writes", http.MethodPost, "Bearer rw-token", http.StatusNoContent, "writer"},
		{"scheme is case insensitive", http.MethodGet, "bearer rw-token", http.StatusNoContent, "writer"},
		{"reader reads", http.MethodGet, "Bearer ro-token", http.StatusNoContent, "reader"},
		{"reader writes", http.MethodPost, "Bearer ro-token", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Identity{}
			req := httptest.NewRequest(tt.method, "/sync/push", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.subject, seen.Subject)
			if tt.want == http.StatusUnauthorized {
				assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRequireBearerForbiddenFromAuthenticator(t *testing.T) {
	auth := AuthenticatorFunc(func(_ context.Context, token string) (Identity, error) {
		if token == "revoked" {
			return Identity{}, fmt.Errorf("token revoked: %w", ErrForbidden)
		}
		return Identity{Subject: token}, nil
	})
	h := RequireBearer(auth, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), nil)

	req := httptest.NewRequest(http.MethodGet, "/sync/checkpoint", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"caller is not allowed to perform this operation"}`, w.Body.String())
}
