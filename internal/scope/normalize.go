/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package scope

import (
	"net/netip"
	"regexp"
	"strings"
)

type targetKind int

const (
	kindInvalid targetKind = iota
	kindDomain
	kindIP
	kindCIDR
)

// domainRe is RFC 1035 shaped: alnum labels with interior hyphens and an
// alphabetic TLD of at least two characters. Overall length is checked
// separately against 253.
var domainRe = regexp.MustCompile(`^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

func validDomain(host string) bool {
	return len(host) <= 253 && domainRe.MatchString(host)
}

// normalize reduces a raw target to a comparable form: scheme, userinfo,
// path, query, port, and IPv6 brackets stripped; lowercased; trailing dots
// and slashes trimmed. The returned kind tells the caller which decision
// path applies.
func normalize(raw string) (string, targetKind) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", kindInvalid
	}

	// CIDR blocks keep their slash, so classify before path stripping.
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked().String(), kindCIDR
	}

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}

	// [::1]:80 and [2001:db8::1] keep the address inside the brackets.
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end <= 1 {
			return raw, kindInvalid
		}
		s = s[1:end]
	} else if strings.Count(s, ":") == 1 {
		// host:port for anything that is not a bare IPv6 literal
		host, port, found := strings.Cut(s, ":")
		if found && portLike(port) {
			s = host
		}
	}

	s = strings.Trim(s, "./")
	if s == "" {
		return "", kindInvalid
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), kindIP
	}
	return s, kindDomain
}

func portLike(s string) bool {
	if s == "" || len(s) > 5 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// matcher is one compiled wildcard pattern. Patterns of the form
// *.example.com additionally match the apex domain itself.
type matcher struct {
	pattern string
	re      *regexp.Regexp
	apex    string
}

func compileMatcher(pattern string) matcher {
	p := strings.ToLower(strings.TrimSpace(pattern))
	var b strings.Builder
	b.WriteString("^")
	for _, part := range strings.Split(p, "*") {
		if b.Len() > 1 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	m := matcher{pattern: p, re: regexp.MustCompile(b.String())}
	if rest, ok := strings.CutPrefix(p, "*."); ok {
		m.apex = rest
	}
	return m
}

func (m matcher) match(host string) bool {
	if m.apex != "" && host == m.apex {
		return true
	}
	return m.re.MatchString(host)
}

func matchAny(ms []matcher, host string) (string, bool) {
	for _, m := range ms {
		if m.match(host) {
			return m.pattern, true
		}
	}
	return "", false
}

// sensitivePatterns can never be scanned regardless of the mission policy.
// Government and military zones plus operator-critical platform domains.
var sensitivePatterns = []string{
	"*.gov", "*.mil", "*.gov.uk", "*.mod.uk", "*.gouv.fr", "*.gc.ca",
	"*.edu",
	"*.google.com", "*.youtube.com", "*.facebook.com", "*.instagram.com",
	"*.whatsapp.com", "*.apple.com", "*.icloud.com", "*.microsoft.com",
	"*.windows.com", "*.amazon.com", "*.amazonaws.com", "*.cloudflare.com",
	"*.akamai.com", "*.x.com", "*.twitter.com",
}

var sensitiveMatchers = func() []matcher {
	ms := make([]matcher, 0, len(sensitivePatterns))
	for _, p := range sensitivePatterns {
		ms = append(ms, compileMatcher(p))
	}
	return ms
}()
