package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	apiKeyContextKey   contextKey = "apiKey"
	identityContextKey contextKey = "identity"
)

// Identity is the authenticated principal behind a non-API-key bearer
// token, typically a tenant JWT.
type Identity struct {
	TenantID string
	UserID   string
	Roles    []string
}

// FromContext retrieves the authenticated API key, if any.
func FromContext(ctx context.Context) *APIKey {
	key, _ := ctx.Value(apiKeyContextKey).(*APIKey)
	return key
}

// IdentityFromContext retrieves the token identity, if any.
func IdentityFromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}

// IsAuthenticated reports whether either auth path succeeded.
func IsAuthenticated(ctx context.Context) bool {
	return FromContext(ctx) != nil || IdentityFromContext(ctx) != nil
}

// HasPermissionFromContext checks perm against whichever principal is
// present. Token identities are role-based: an admin role grants all, any
// other authenticated identity gets read-level access only.
func HasPermissionFromContext(ctx context.Context, perm Permission) bool {
	if key := FromContext(ctx); key != nil {
		return HasPermission(key, perm)
	}
	id := IdentityFromContext(ctx)
	if id == nil {
		return false
	}
	for _, role := range id.Roles {
		if role == "admin" {
			return true
		}
	}
	switch perm {
	case PermMissionRead, PermFindingRead:
		return true
	}
	return false
}

// Middleware authenticates requests. Keys arrive as
// "Authorization: Bearer snk_..."; any other bearer token is handed to the
// optional token validator. Paths in skipPaths (exact, or prefix when
// ending in *) bypass auth entirely.
type Middleware struct {
	store      *KeyStore
	skipExact  map[string]bool
	skipPrefix []string

	validateToken func(token string) (*Identity, error)
}

func NewMiddleware(store *KeyStore, skipPaths []string) *Middleware {
	skipExact := make(map[string]bool, len(skipPaths))
	var skipPrefix []string
	for _, p := range skipPaths {
		if strings.HasSuffix(p, "*") {
			skipPrefix = append(skipPrefix, strings.TrimSuffix(p, "*"))
			continue
		}
		skipExact[p] = true
	}
	return &Middleware{store: store, skipExact: skipExact, skipPrefix: skipPrefix}
}

// SetTokenValidator wires the JWT path. Without one, non-key bearer
// tokens are rejected.
func (m *Middleware) SetTokenValidator(fn func(token string) (*Identity, error)) {
	m.validateToken = fn
}

// Wrap returns the wrapped handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			unauthorized(w, "authentication required")
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			unauthorized(w, "invalid authorization format")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			unauthorized(w, "empty bearer token")
			return
		}

		if strings.HasPrefix(token, "snk_") {
			m.serveWithKey(w, r, next, token)
			return
		}
		m.serveWithToken(w, r, next, token)
	})
}

func (m *Middleware) serveWithKey(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	if m.store == nil {
		unauthorized(w, "invalid api key")
		return
	}
	key, err := m.store.Validate(token)
	if err != nil {
		if strings.Contains(err.Error(), "expired") {
			forbidden(w, "api key expired")
			return
		}
		unauthorized(w, "invalid api key")
		return
	}
	ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (m *Middleware) serveWithToken(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	if m.validateToken == nil {
		unauthorized(w, "invalid bearer token")
		return
	}
	id, err := m.validateToken(token)
	if err != nil || id == nil {
		unauthorized(w, "invalid bearer token")
		return
	}
	ctx := context.WithValue(r.Context(), identityContextKey, id)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (m *Middleware) shouldSkip(path string) bool {
	if m.skipExact[path] {
		return true
	}
	for _, p := range m.skipPrefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}

func forbidden(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusForbidden)
}
