/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tenant isolates customers from each other. Every tenant gets
// derived namespaces for SQL, the asset graph, object storage, and Redis,
// plus daily quotas enforced at mission creation. Core components treat
// the derived namespaces as opaque strings.
package tenant

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// DefaultTenant is used when a deployment runs single-tenant.
const DefaultTenant = "default"

// Context identifies who a request acts for.
type Context struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id,omitempty"`
}

// Namespace derives the per-tenant prefixes. Derivation is pure: the same
// tenant ID always maps to the same namespaces, on every node.
type Namespace struct {
	TenantID string
}

// NamespaceFor normalizes an ID into a Namespace, falling back to the
// default tenant for blank input.
func NamespaceFor(tenantID string) Namespace {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	return Namespace{TenantID: tenantID}
}

// SQLSchema names the tenant's database schema.
func (n Namespace) SQLSchema() string { return "tenant_" + safeID(n.TenantID) }

// GraphPrefix namespaces asset-graph labels.
func (n Namespace) GraphPrefix() string { return "T_" + safeID(n.TenantID) + "_" }

// StoragePrefix namespaces uploaded artifacts and tool packs.
func (n Namespace) StoragePrefix() string { return "tenants/" + n.TenantID }

// RedisPrefix namespaces pub/sub channels and cache keys.
func (n Namespace) RedisPrefix() string { return "tenant:" + n.TenantID + ":" }

// safeID keeps short alphanumeric IDs readable and hashes everything else,
// so arbitrary tenant names cannot inject into schema or label syntax.
func safeID(id string) string {
	lower := strings.ToLower(id)
	if len(lower) > 0 && len(lower) <= 24 && isAlnum(lower) {
		return lower
	}
	sum := md5.Sum([]byte(id))
	return hex.EncodeToString(sum[:])[:16]
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Claims is the JWT payload issued to tenant users.
type Claims struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Verifier parses and checks HS256 tenant tokens.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Parse validates the token signature and expiry and returns the claims.
// Tokens without a tenant_id are rejected.
func (v *Verifier) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TenantID == "" {
		return nil, errors.New("token missing tenant_id")
	}
	return claims, nil
}

// IssueToken signs claims with the shared secret. Used by the CLI and by
// tests; production deployments usually mint tokens in their IdP.
func IssueToken(secret string, c Claims, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now().UTC()
	c.IssuedAt = jwt.NewNumericDate(now)
	c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString([]byte(secret))
}

// Quotas caps a tenant's daily footprint. Zero values mean unlimited.
type Quotas struct {
	MissionsPerDay int     `json:"missions_per_day"`
	CostPerDayUSD  float64 `json:"cost_per_day_usd"`
}

// Usage is a tenant's consumption for the current UTC day.
type Usage struct {
	Day      string  `json:"day"`
	Missions int     `json:"missions"`
	CostUSD  float64 `json:"cost_usd"`
}

// QuotaEnforcer tracks per-tenant daily usage in memory. Counters reset at
// UTC midnight; tenants without registered quotas are unlimited.
type QuotaEnforcer struct {
	mu     sync.Mutex
	log    *zap.Logger
	quotas map[string]Quotas
	usage  map[string]*Usage
	now    func() time.Time
}

func NewQuotaEnforcer(log *zap.Logger) *QuotaEnforcer {
	if log == nil {
		log = zap.NewNop()
	}
	return &QuotaEnforcer{
		log:    log,
		quotas: make(map[string]Quotas),
		usage:  make(map[string]*Usage),
		now:    time.Now,
	}
}

// SetQuotas registers or replaces a tenant's limits.
func (e *QuotaEnforcer) SetQuotas(tenantID string, q Quotas) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotas[tenantID] = q
}

// CheckCanCreate returns an error when starting one more mission would
// exceed the tenant's daily mission or cost cap.
func (e *QuotaEnforcer) CheckCanCreate(tenantID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.quotas[tenantID]
	if !ok {
		return nil
	}
	u := e.currentUsage(tenantID)
	if q.MissionsPerDay > 0 && u.Missions >= q.MissionsPerDay {
		return fmt.Errorf("tenant %s reached its daily mission quota (%d)", tenantID, q.MissionsPerDay)
	}
	if q.CostPerDayUSD > 0 && u.CostUSD >= q.CostPerDayUSD {
		return fmt.Errorf("tenant %s reached its daily cost quota ($%.2f)", tenantID, q.CostPerDayUSD)
	}
	return nil
}

// RecordMission counts one mission start against today's usage.
func (e *QuotaEnforcer) RecordMission(tenantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentUsage(tenantID).Missions++
}

// RecordCost attributes LLM spend to the tenant.
func (e *QuotaEnforcer) RecordCost(tenantID string, usd float64) {
	if usd <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	u := e.currentUsage(tenantID)
	u.CostUSD += usd

	if q, ok := e.quotas[tenantID]; ok && q.CostPerDayUSD > 0 && u.CostUSD >= q.CostPerDayUSD {
		e.log.Warn("tenant reached daily cost quota",
			zap.String("tenant_id", tenantID),
			zap.Float64("cost_usd", u.CostUSD),
			zap.Float64("quota_usd", q.CostPerDayUSD))
	}
}

// UsageFor returns a copy of today's usage.
func (e *QuotaEnforcer) UsageFor(tenantID string) Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.currentUsage(tenantID)
}

// currentUsage returns today's counters, rolling them over when the UTC
// day has changed. Callers must hold e.mu.
func (e *QuotaEnforcer) currentUsage(tenantID string) *Usage {
	day := e.now().UTC().Format("2006-01-02")
	u, ok := e.usage[tenantID]
	if !ok || u.Day != day {
		u = &Usage{Day: day}
		e.usage[tenantID] = u
	}
	return u
}
