// Package auth manages API keys for the control plane. Keys are random,
// shown once at creation, and stored as bcrypt hashes in a small SQLite
// database separate from mission data.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Permission scopes what an API key may do.
type Permission string

const (
	PermMissionRead      Permission = "mission:read"
	PermMissionWrite     Permission = "mission:write"
	PermFindingRead      Permission = "finding:read"
	PermToolManage       Permission = "tool:manage"
	PermScheduleManage   Permission = "schedule:manage"
	PermIntegrationWrite Permission = "integration:manage"
	PermAdmin            Permission = "admin"
)

// keyPrefixLen covers "snk_" plus eight hex characters, enough to look a
// key up without exposing it.
const keyPrefixLen = 12

// APIKey is one stored credential. The hash never leaves this package.
type APIKey struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	KeyHash     string       `json:"-"`
	KeyPrefix   string       `json:"key_prefix"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Enabled     bool         `json:"enabled"`
}

// KeyStore persists API keys in SQLite.
type KeyStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewKeyStore opens or creates the key database at path.
func NewKeyStore(path string) (*KeyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS api_keys (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		key_hash    TEXT NOT NULL,
		key_prefix  TEXT NOT NULL,
		permissions TEXT NOT NULL DEFAULT '[]',
		created_at  TEXT NOT NULL,
		last_used   TEXT,
		expires_at  TEXT,
		enabled     INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		db.Close()
		return nil, err
	}
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`)
	return &KeyStore{db: db}, nil
}

// Create mints a new key and returns it along with the plaintext. The
// plaintext is not recoverable afterward.
func (ks *KeyStore) Create(name string, permissions []Permission, expiresAt *time.Time) (*APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plain := "snk_" + hex.EncodeToString(raw)

	key, err := ks.insert(name, plain, permissions, expiresAt)
	if err != nil {
		return nil, "", err
	}
	return key, plain, nil
}

// EnsureBootstrap installs an operator-supplied admin key when the store is
// empty, so a fresh deployment is reachable before any key has been minted.
// It is a no-op once any key exists.
func (ks *KeyStore) EnsureBootstrap(plain string) error {
	plain = strings.TrimSpace(plain)
	if plain == "" {
		return nil
	}
	if len(plain) < keyPrefixLen {
		return fmt.Errorf("bootstrap key must be at least %d characters", keyPrefixLen)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	var n int
	if err := ks.db.QueryRow(`SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return fmt.Errorf("count keys: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err := ks.insertLocked("bootstrap", plain, []Permission{PermAdmin}, nil)
	return err
}

func (ks *KeyStore) insert(name, plain string, permissions []Permission, expiresAt *time.Time) (*APIKey, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.insertLocked(name, plain, permissions, expiresAt)
}

func (ks *KeyStore) insertLocked(name, plain string, permissions []Permission, expiresAt *time.Time) (*APIKey, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}
	now := time.Now().UTC()
	key := &APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		KeyHash:     string(hash),
		KeyPrefix:   plain[:keyPrefixLen],
		Permissions: permissions,
		CreatedAt:   now,
		ExpiresAt:   expiresAt,
		Enabled:     true,
	}

	perms, err := json.Marshal(permissions)
	if err != nil {
		return nil, fmt.Errorf("encode permissions: %w", err)
	}
	var expires sql.NullString
	if expiresAt != nil {
		expires = sql.NullString{String: expiresAt.Format(time.RFC3339Nano), Valid: true}
	}
	_, err = ks.db.Exec(`INSERT INTO api_keys (id, name, key_hash, key_prefix, permissions, created_at, expires_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, string(perms),
		now.Format(time.RFC3339Nano), expires)
	if err != nil {
		return nil, fmt.Errorf("store key: %w", err)
	}
	return key, nil
}

// Validate checks a plaintext key and returns the matching record. Lookup
// goes through the prefix so only one bcrypt comparison runs per request.
func (ks *KeyStore) Validate(plain string) (*APIKey, error) {
	if len(plain) < keyPrefixLen {
		return nil, fmt.Errorf("invalid key format")
	}
	prefix := plain[:keyPrefixLen]

	ks.mu.RLock()
	defer ks.mu.RUnlock()

	row := ks.db.QueryRow(`SELECT id, name, key_hash, key_prefix, permissions, created_at, last_used, expires_at, enabled
		FROM api_keys WHERE key_prefix = ?`, prefix)
	key, err := scanKey(row)
	if err != nil {
		return nil, fmt.Errorf("key not found")
	}
	if !key.Enabled {
		return nil, fmt.Errorf("key disabled")
	}
	if key.ExpiresAt != nil && time.Now().UTC().After(*key.ExpiresAt) {
		return nil, fmt.Errorf("key expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plain)); err != nil {
		return nil, fmt.Errorf("invalid key")
	}

	now := time.Now().UTC()
	key.LastUsedAt = &now
	go func() {
		ks.mu.Lock()
		defer ks.mu.Unlock()
		ks.db.Exec(`UPDATE api_keys SET last_used = ? WHERE id = ?`,
			now.Format(time.RFC3339Nano), key.ID)
	}()
	return key, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key                  APIKey
		perms, createdAt     string
		lastUsed, expiresAt  sql.NullString
		enabled              int
	)
	if err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &key.KeyPrefix, &perms,
		&createdAt, &lastUsed, &expiresAt, &enabled); err != nil {
		return nil, err
	}
	key.Enabled = enabled == 1
	key.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	json.Unmarshal([]byte(perms), &key.Permissions)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastUsed.String)
		key.LastUsedAt = &t
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		key.ExpiresAt = &t
	}
	return &key, nil
}

// List returns all keys, newest first, without hashes.
func (ks *KeyStore) List() []APIKey {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	rows, err := ks.db.Query(`SELECT id, name, key_hash, key_prefix, permissions, created_at, last_used, expires_at, enabled
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			continue
		}
		key.KeyHash = ""
		keys = append(keys, *key)
	}
	return keys
}

// Revoke disables a key without deleting its audit trail.
func (ks *KeyStore) Revoke(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	res, err := ks.db.Exec(`UPDATE api_keys SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key not found: %s", id)
	}
	return nil
}

// Delete removes a key entirely.
func (ks *KeyStore) Delete(id string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	res, err := ks.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key not found: %s", id)
	}
	return nil
}

// HasPermission reports whether the key carries perm. Admin implies all.
func HasPermission(key *APIKey, perm Permission) bool {
	if key == nil {
		return false
	}
	for _, p := range key.Permissions {
		if p == PermAdmin || p == perm {
			return true
		}
	}
	return false
}

// Close shuts down the underlying database.
func (ks *KeyStore) Close() error {
	return ks.db.Close()
}
