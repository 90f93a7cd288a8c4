package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempDB(t *testing.T) string {
	return filepath.Join(t.TempDir(), "auth.db")
}

func TestCreateAndValidate(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	key, plain, err := ks.Create("ci-bot", []Permission{PermMissionRead}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(plain, "snk_") {
		t.Fatalf("key should start with snk_, got %s", plain[:10])
	}
	if key.KeyPrefix != plain[:keyPrefixLen] {
		t.Fatalf("prefix mismatch: %s vs %s", key.KeyPrefix, plain[:keyPrefixLen])
	}

	validated, err := ks.Validate(plain)
	if err != nil {
		t.Fatal(err)
	}
	if validated.ID != key.ID {
		t.Fatal("validated key ID mismatch")
	}
	if !HasPermission(validated, PermMissionRead) {
		t.Fatal("expected mission:read permission")
	}
	if HasPermission(validated, PermMissionWrite) {
		t.Fatal("mission:write was never granted")
	}
}

func TestValidateWrongKey(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	ks.Create("real", []Permission{PermAdmin}, nil)

	if _, err := ks.Validate("snk_00000000nosuchkey"); err == nil {
		t.Fatal("expected error for wrong key")
	}
}

func TestValidateExpiredKey(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	past := time.Now().UTC().Add(-time.Hour)
	_, plain, _ := ks.Create("expired", []Permission{PermAdmin}, &past)

	if _, err := ks.Validate(plain); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestValidateRevokedKey(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	key, plain, _ := ks.Create("revoked", []Permission{PermAdmin}, nil)
	if err := ks.Revoke(key.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := ks.Validate(plain); err == nil || !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("expected disabled error, got %v", err)
	}
}

func TestEnsureBootstrap(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	const operator = "snk_bootstrap_operator_key"
	if err := ks.EnsureBootstrap(operator); err != nil {
		t.Fatal(err)
	}

	key, err := ks.Validate(operator)
	if err != nil {
		t.Fatal(err)
	}
	if key.Name != "bootstrap" {
		t.Fatalf("expected bootstrap key, got %s", key.Name)
	}
	if !HasPermission(key, PermScheduleManage) {
		t.Fatal("bootstrap key should be admin")
	}

	// A second call with a different value must not replace anything.
	if err := ks.EnsureBootstrap("snk_other_value_entirely"); err != nil {
		t.Fatal(err)
	}
	if _, err := ks.Validate("snk_other_value_entirely"); err == nil {
		t.Fatal("second bootstrap value should not be installed")
	}
	if len(ks.List()) != 1 {
		t.Fatalf("expected 1 key, got %d", len(ks.List()))
	}
}

func TestEnsureBootstrapRejectsShortKey(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	if err := ks.EnsureBootstrap("short"); err == nil {
		t.Fatal("expected error for short bootstrap key")
	}
	if err := ks.EnsureBootstrap(""); err != nil {
		t.Fatalf("empty bootstrap should be a no-op, got %v", err)
	}
}

func TestListHidesHashes(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	ks.Create("a", []Permission{PermMissionRead}, nil)
	ks.Create("b", []Permission{PermAdmin}, nil)

	keys := ks.List()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	for _, k := range keys {
		if k.KeyHash != "" {
			t.Fatal("List must not expose hashes")
		}
	}
}

func TestHasPermissionAdmin(t *testing.T) {
	key := &APIKey{Permissions: []Permission{PermAdmin}}
	if !HasPermission(key, PermMissionWrite) {
		t.Fatal("admin should grant mission:write")
	}
	if !HasPermission(key, PermToolManage) {
		t.Fatal("admin should grant tool:manage")
	}
	if HasPermission(nil, PermMissionRead) {
		t.Fatal("nil key has no permissions")
	}
}

func okHandler(t *testing.T, called *bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAcceptsValidKey(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()
	_, plain, _ := ks.Create("ops", []Permission{PermMissionWrite}, nil)

	var called bool
	var seen *APIKey
	mw := NewMiddleware(ks, nil)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		seen = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("handler not reached")
	}
	if seen == nil || seen.Name != "ops" {
		t.Fatalf("expected ops key in context, got %+v", seen)
	}
}

func TestMiddlewareRejectsMissingAndBadAuth(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	mw := NewMiddleware(ks, nil)
	var called bool
	h := mw.Wrap(okHandler(t, &called))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"empty token", "Bearer   ", http.StatusUnauthorized},
		{"unknown key", "Bearer snk_deadbeef00", http.StatusUnauthorized},
		{"jwt without validator", "Bearer eyJhbGciOiJIUzI1NiJ9.x.y", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called = false
			req := httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if called {
				t.Fatal("handler should not run")
			}
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestMiddlewareExpiredKeyIsForbidden(t *testing.T) {
	ks, err := NewKeyStore(tempDB(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ks.Close()

	past := time.Now().UTC().Add(-time.Minute)
	_, plain, _ := ks.Create("old", []Permission{PermAdmin}, &past)

	mw := NewMiddleware(ks, nil)
	var called bool
	h := mw.Wrap(okHandler(t, &called))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	req.Header.Set("Authorization", "Bearer "+plain)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestMiddlewareSkipPaths(t *testing.T) {
	mw := NewMiddleware(nil, []string{"/healthz", "/metrics", "/static/*"})
	var called bool
	h := mw.Wrap(okHandler(t, &called))

	for _, path := range []string{"/healthz", "/metrics", "/static/app.css"} {
		called = false
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if !called {
			t.Fatalf("%s should bypass auth", path)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on protected path, got %d", rec.Code)
	}
}

func TestMiddlewareTokenValidatorPath(t *testing.T) {
	mw := NewMiddleware(nil, nil)
	mw.SetTokenValidator(func(token string) (*Identity, error) {
		if token != "good-jwt" {
			return nil, errors.New("bad token")
		}
		return &Identity{TenantID: "acme", UserID: "u-1", Roles: []string{"operator"}}, nil
	})

	var seen *Identity
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = IdentityFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	req.Header.Set("Authorization", "Bearer good-jwt")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen == nil || seen.TenantID != "acme" {
		t.Fatalf("expected acme identity, got %+v", seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/missions", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for rejected token, got %d", rec.Code)
	}
}

func TestHasPermissionFromContext(t *testing.T) {
	ctx := context.Background()
	if HasPermissionFromContext(ctx, PermMissionRead) {
		t.Fatal("unauthenticated context has no permissions")
	}

	keyCtx := context.WithValue(ctx, apiKeyContextKey, &APIKey{Permissions: []Permission{PermMissionRead}})
	if !HasPermissionFromContext(keyCtx, PermMissionRead) {
		t.Fatal("key permission should apply")
	}
	if HasPermissionFromContext(keyCtx, PermScheduleManage) {
		t.Fatal("key lacks schedule:manage")
	}

	idCtx := context.WithValue(ctx, identityContextKey, &Identity{TenantID: "acme", Roles: []string{"operator"}})
	if !HasPermissionFromContext(idCtx, PermMissionRead) {
		t.Fatal("token identity should read missions")
	}
	if HasPermissionFromContext(idCtx, PermMissionWrite) {
		t.Fatal("non-admin identity cannot write")
	}

	adminCtx := context.WithValue(ctx, identityContextKey, &Identity{TenantID: "acme", Roles: []string{"admin"}})
	if !HasPermissionFromContext(adminCtx, PermMissionWrite) {
		t.Fatal("admin role grants writes")
	}
}
