/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package scope implements the mission kill switch: every outbound tool
// invocation is vetted against an allow/exclude policy before it runs.
//
// Decision order is fixed and cannot be reordered by configuration:
// sensitive infrastructure first, then explicit excludes, then the
// private-IP policy, then the allow list, and finally default deny.
// The sensitive list is compiled in and applies even when the allow list
// would match.
package scope

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of vetting one target.
type Decision string

const (
	Allowed          Decision = "ALLOWED"
	DeniedOutOfScope Decision = "DENIED_OUT_OF_SCOPE"
	DeniedExcluded   Decision = "DENIED_EXCLUDED"
	DeniedSensitive  Decision = "DENIED_SENSITIVE"
	DeniedPrivateIP  Decision = "DENIED_PRIVATE_IP"
)

// Verdict pairs a decision with the normalized target and a reason string
// suitable for audit logs and observer events.
type Verdict struct {
	Target   string   `json:"target"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

// Allowed reports whether the verdict permits the invocation.
func (v Verdict) Allowed() bool { return v.Decision == Allowed }

// Policy is the operator-declared scope for one mission. Allow and Exclude
// accept wildcard patterns where * matches any run of characters; a pattern
// of the form *.example.com also matches the apex example.com. CIDR lists
// vet IP and CIDR targets.
type Policy struct {
	Allow           []string `json:"allow,omitempty"`
	Exclude         []string `json:"exclude,omitempty"`
	AllowCIDRs      []string `json:"allow_cidrs,omitempty"`
	ExcludeCIDRs    []string `json:"exclude_cidrs,omitempty"`
	AllowPrivateIPs bool     `json:"allow_private_ips,omitempty"`
	AllowLocalhost  bool     `json:"allow_localhost,omitempty"`
}

// AuditEntry records one scope decision. The enforcer keeps the most recent
// auditRingSize entries.
type AuditEntry struct {
	Target    string    `json:"target"`
	Decision  Decision  `json:"decision"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

const auditRingSize = 1000

// targetKeys are the argument names the enforcer treats as targetable when
// vetting a whole tool call.
var targetKeys = []string{"target", "host", "domain", "url", "ip", "hosts", "domains", "urls"}

// Enforcer vets targets for a single mission. Construction compiles the
// policy; Check methods never panic and classify anything unparseable as
// out of scope.
type Enforcer struct {
	policy   Policy
	allow    []matcher
	exclude  []matcher
	allowNet []netip.Prefix
	exclNet  []netip.Prefix
	logger   *zap.Logger

	mu    sync.Mutex
	audit []AuditEntry
	next  int
	full  bool
}

// NewEnforcer compiles a policy. CIDR entries that do not parse are a
// configuration error and fail construction.
func NewEnforcer(policy Policy, logger *zap.Logger) (*Enforcer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Enforcer{
		policy: policy,
		logger: logger,
		audit:  make([]AuditEntry, auditRingSize),
	}
	for _, p := range policy.Allow {
		e.allow = append(e.allow, compileMatcher(p))
	}
	for _, p := range policy.Exclude {
		e.exclude = append(e.exclude, compileMatcher(p))
	}
	var err error
	if e.allowNet, err = parsePrefixes(policy.AllowCIDRs); err != nil {
		return nil, fmt.Errorf("allow_cidrs: %w", err)
	}
	if e.exclNet, err = parsePrefixes(policy.ExcludeCIDRs); err != nil {
		return nil, fmt.Errorf("exclude_cidrs: %w", err)
	}
	return e, nil
}

func parsePrefixes(cidrs []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("cidr %q: %w", c, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Policy returns a copy of the compiled policy.
func (e *Enforcer) Policy() Policy { return e.policy }

// CheckTarget vets a single raw target string. The input may be a domain,
// an IPv4/IPv6 address, a URL, a CIDR block, or a bracketed host:port.
func (e *Enforcer) CheckTarget(raw string) Verdict {
	v := e.decide(raw)
	e.record(v)
	return v
}

// CheckCall vets every targetable argument of a tool invocation: the
// explicit target plus any recognized argument keys, including string
// arrays. The call is allowed only if every extracted target is allowed.
// A call with nothing targetable is allowed; it touches nothing.
func (e *Enforcer) CheckCall(target string, args map[string]any) Verdict {
	targets := extractTargets(target, args)
	if len(targets) == 0 {
		return Verdict{Decision: Allowed, Reason: "no targetable arguments"}
	}
	for _, t := range targets {
		if v := e.CheckTarget(t); !v.Allowed() {
			return v
		}
	}
	return Verdict{Target: targets[0], Decision: Allowed, Reason: "all targets in scope"}
}

func extractTargets(target string, args map[string]any) []string {
	var out []string
	if strings.TrimSpace(target) != "" {
		out = append(out, target)
	}
	for _, key := range targetKeys {
		raw, ok := args[key]
		if !ok {
			continue
		}
		switch val := raw.(type) {
		case string:
			if strings.TrimSpace(val) != "" {
				out = append(out, val)
			}
		case []string:
			for _, s := range val {
				if strings.TrimSpace(s) != "" {
					out = append(out, s)
				}
			}
		case []any:
			for _, item := range val {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func (e *Enforcer) decide(raw string) Verdict {
	norm, kind := normalize(raw)
	if kind == kindInvalid {
		return Verdict{Target: raw, Decision: DeniedOutOfScope, Reason: "invalid target"}
	}

	// Sensitive infrastructure wins over everything, including the
	// operator's own allow list.
	if kind == kindDomain {
		if pat, hit := matchAny(sensitiveMatchers, norm); hit {
			return Verdict{Target: norm, Decision: DeniedSensitive, Reason: fmt.Sprintf("matches sensitive pattern %q", pat)}
		}
	}

	switch kind {
	case kindCIDR:
		return e.decideCIDR(norm)
	case kindIP:
		return e.decideIP(norm)
	default:
		return e.decideDomain(norm)
	}
}

func (e *Enforcer) decideDomain(host string) Verdict {
	if pat, hit := matchAny(e.exclude, host); hit {
		return Verdict{Target: host, Decision: DeniedExcluded, Reason: fmt.Sprintf("matches exclude pattern %q", pat)}
	}
	// Opting in to localhost only lifts the denial; the allow list still
	// has to match like any other target.
	local := host == "localhost" || strings.HasSuffix(host, ".localhost")
	if local && !e.policy.AllowLocalhost {
		return Verdict{Target: host, Decision: DeniedPrivateIP, Reason: "localhost not permitted"}
	}
	if !local && !validDomain(host) {
		return Verdict{Target: host, Decision: DeniedOutOfScope, Reason: "invalid target"}
	}
	if pat, hit := matchAny(e.allow, host); hit {
		return Verdict{Target: host, Decision: Allowed, Reason: fmt.Sprintf("matches allow pattern %q", pat)}
	}
	return Verdict{Target: host, Decision: DeniedOutOfScope, Reason: "no allow pattern matches"}
}

func (e *Enforcer) decideIP(host string) Verdict {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Verdict{Target: host, Decision: DeniedOutOfScope, Reason: "invalid target"}
	}
	addr = addr.Unmap()

	if pat, hit := matchAny(e.exclude, addr.String()); hit {
		return Verdict{Target: addr.String(), Decision: DeniedExcluded, Reason: fmt.Sprintf("matches exclude pattern %q", pat)}
	}
	for _, p := range e.exclNet {
		if p.Contains(addr) {
			return Verdict{Target: addr.String(), Decision: DeniedExcluded, Reason: fmt.Sprintf("inside excluded network %s", p)}
		}
	}

	if addr.IsLoopback() {
		if !e.policy.AllowLocalhost {
			return Verdict{Target: addr.String(), Decision: DeniedPrivateIP, Reason: "loopback address not permitted"}
		}
	} else if isPrivate(addr) && !e.policy.AllowPrivateIPs {
		return Verdict{Target: addr.String(), Decision: DeniedPrivateIP, Reason: "private address not permitted"}
	}

	for _, p := range e.allowNet {
		if p.Contains(addr) {
			return Verdict{Target: addr.String(), Decision: Allowed, Reason: fmt.Sprintf("inside allowed network %s", p)}
		}
	}
	if pat, hit := matchAny(e.allow, addr.String()); hit {
		return Verdict{Target: addr.String(), Decision: Allowed, Reason: fmt.Sprintf("matches allow pattern %q", pat)}
	}
	return Verdict{Target: addr.String(), Decision: DeniedOutOfScope, Reason: "no allow entry matches"}
}

func (e *Enforcer) decideCIDR(block string) Verdict {
	prefix, err := netip.ParsePrefix(block)
	if err != nil {
		return Verdict{Target: block, Decision: DeniedOutOfScope, Reason: "invalid target"}
	}
	prefix = prefix.Masked()

	for _, p := range e.exclNet {
		if p.Overlaps(prefix) {
			return Verdict{Target: prefix.String(), Decision: DeniedExcluded, Reason: fmt.Sprintf("overlaps excluded network %s", p)}
		}
	}
	addr := prefix.Addr()
	if addr.IsLoopback() && !e.policy.AllowLocalhost {
		return Verdict{Target: prefix.String(), Decision: DeniedPrivateIP, Reason: "loopback network not permitted"}
	}
	if !addr.IsLoopback() && isPrivate(addr) && !e.policy.AllowPrivateIPs {
		return Verdict{Target: prefix.String(), Decision: DeniedPrivateIP, Reason: "private network not permitted"}
	}
	for _, p := range e.allowNet {
		if p.Contains(addr) && prefix.Bits() >= p.Bits() {
			return Verdict{Target: prefix.String(), Decision: Allowed, Reason: fmt.Sprintf("inside allowed network %s", p)}
		}
	}
	return Verdict{Target: prefix.String(), Decision: DeniedOutOfScope, Reason: "no allow entry covers network"}
}

// isPrivate covers RFC 1918/4193 ranges plus link-local and unspecified
// addresses; loopback is classified separately so the localhost policy can
// differ from the private-range policy.
func isPrivate(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}

func (e *Enforcer) record(v Verdict) {
	e.mu.Lock()
	e.audit[e.next] = AuditEntry{Target: v.Target, Decision: v.Decision, Reason: v.Reason, Timestamp: time.Now().UTC()}
	e.next = (e.next + 1) % auditRingSize
	if e.next == 0 {
		e.full = true
	}
	e.mu.Unlock()

	if !v.Allowed() {
		e.logger.Info("scope denied target",
			zap.String("target", v.Target),
			zap.String("decision", string(v.Decision)),
			zap.String("reason", v.Reason),
		)
	}
}

// AuditLog returns the retained decisions, oldest first.
func (e *Enforcer) AuditLog() []AuditEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.full {
		out := make([]AuditEntry, e.next)
		copy(out, e.audit[:e.next])
		return out
	}
	out := make([]AuditEntry, 0, auditRingSize)
	out = append(out, e.audit[e.next:]...)
	out = append(out, e.audit[:e.next]...)
	return out
}
