/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package scope

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Enforcer", func() {
	newEnforcer := func(p Policy) *Enforcer {
		e, err := NewEnforcer(p, nil)
		Expect(err).NotTo(HaveOccurred())
		return e
	}

	Context("domain targets", func() {
		It("allows hosts matching a wildcard allow pattern", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			Expect(e.CheckTarget("www.example.com").Decision).To(Equal(Allowed))
			Expect(e.CheckTarget("api.example.com").Decision).To(Equal(Allowed))
		})

		It("treats a subdomain wildcard as covering the apex", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			Expect(e.CheckTarget("example.com").Decision).To(Equal(Allowed))
		})

		It("denies anything outside the allow list", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			v := e.CheckTarget("www.other.org")
			Expect(v.Decision).To(Equal(DeniedOutOfScope))
		})

		It("lets an exclude entry beat a matching allow entry", func() {
			e := newEnforcer(Policy{
				Allow:   []string{"*.example.com"},
				Exclude: []string{"admin.example.com"},
			})
			Expect(e.CheckTarget("admin.example.com").Decision).To(Equal(DeniedExcluded))
			Expect(e.CheckTarget("www.example.com").Decision).To(Equal(Allowed))
		})

		It("lets the sensitive list beat the allow list", func() {
			e := newEnforcer(Policy{Allow: []string{"*.google.com"}})
			Expect(e.CheckTarget("www.google.com").Decision).To(Equal(DeniedSensitive))
		})

		It("denies government zones regardless of policy", func() {
			e := newEnforcer(Policy{Allow: []string{"*"}})
			Expect(e.CheckTarget("irs.gov").Decision).To(Equal(DeniedSensitive))
			Expect(e.CheckTarget("navy.mil").Decision).To(Equal(DeniedSensitive))
		})

		It("rejects malformed domains as invalid", func() {
			e := newEnforcer(Policy{Allow: []string{"*"}})
			v := e.CheckTarget("not a domain!!")
			Expect(v.Decision).To(Equal(DeniedOutOfScope))
			Expect(v.Reason).To(Equal("invalid target"))
		})

		It("rejects the empty string", func() {
			e := newEnforcer(Policy{Allow: []string{"*"}})
			Expect(e.CheckTarget("  ").Decision).To(Equal(DeniedOutOfScope))
		})
	})

	Context("normalization", func() {
		It("strips scheme, port, path and query", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			v := e.CheckTarget("https://www.example.com:8443/login?next=/")
			Expect(v.Decision).To(Equal(Allowed))
			Expect(v.Target).To(Equal("www.example.com"))
		})

		It("strips IPv6 brackets and port", func() {
			e := newEnforcer(Policy{AllowLocalhost: true, Allow: []string{"*"}})
			v := e.CheckTarget("[::1]:80")
			Expect(v.Target).To(Equal("::1"))
			Expect(v.Decision).To(Equal(Allowed))
		})

		It("lowercases hosts", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			Expect(e.CheckTarget("WWW.EXAMPLE.COM").Decision).To(Equal(Allowed))
		})
	})

	Context("IP targets", func() {
		It("denies loopback when localhost is not permitted", func() {
			e := newEnforcer(Policy{Allow: []string{"*"}})
			Expect(e.CheckTarget("[::1]:80").Decision).To(Equal(DeniedPrivateIP))
			Expect(e.CheckTarget("127.0.0.1").Decision).To(Equal(DeniedPrivateIP))
			Expect(e.CheckTarget("localhost").Decision).To(Equal(DeniedPrivateIP))
		})

		It("denies RFC 1918 addresses when private IPs are not permitted", func() {
			e := newEnforcer(Policy{Allow: []string{"*"}})
			Expect(e.CheckTarget("192.168.1.10").Decision).To(Equal(DeniedPrivateIP))
			Expect(e.CheckTarget("10.1.2.3").Decision).To(Equal(DeniedPrivateIP))
		})

		It("requires an allow entry even after the private opt-in", func() {
			e := newEnforcer(Policy{AllowPrivateIPs: true, AllowCIDRs: []string{"192.168.0.0/16"}})
			Expect(e.CheckTarget("192.168.1.10").Decision).To(Equal(Allowed))
			Expect(e.CheckTarget("10.1.2.3").Decision).To(Equal(DeniedOutOfScope))
		})

		It("allows public addresses inside an allow CIDR", func() {
			e := newEnforcer(Policy{AllowCIDRs: []string{"203.0.113.0/24"}})
			Expect(e.CheckTarget("203.0.113.7").Decision).To(Equal(Allowed))
			Expect(e.CheckTarget("203.0.114.7").Decision).To(Equal(DeniedOutOfScope))
		})

		It("denies addresses inside an exclude CIDR", func() {
			e := newEnforcer(Policy{
				AllowCIDRs:   []string{"203.0.113.0/24"},
				ExcludeCIDRs: []string{"203.0.113.128/25"},
			})
			Expect(e.CheckTarget("203.0.113.200").Decision).To(Equal(DeniedExcluded))
			Expect(e.CheckTarget("203.0.113.7").Decision).To(Equal(Allowed))
		})

		It("unmaps IPv4-mapped IPv6 addresses", func() {
			e := newEnforcer(Policy{Allow: []string{"*"}})
			Expect(e.CheckTarget("::ffff:192.168.0.1").Decision).To(Equal(DeniedPrivateIP))
		})
	})

	Context("CIDR targets", func() {
		It("allows a block nested in an allowed network", func() {
			e := newEnforcer(Policy{AllowCIDRs: []string{"203.0.113.0/24"}})
			Expect(e.CheckTarget("203.0.113.0/26").Decision).To(Equal(Allowed))
		})

		It("denies a private block without the opt-in", func() {
			e := newEnforcer(Policy{})
			Expect(e.CheckTarget("10.0.0.0/8").Decision).To(Equal(DeniedPrivateIP))
		})

		It("denies a block overlapping an excluded network", func() {
			e := newEnforcer(Policy{
				AllowCIDRs:   []string{"198.51.100.0/24"},
				ExcludeCIDRs: []string{"198.51.100.64/26"},
			})
			Expect(e.CheckTarget("198.51.100.0/25").Decision).To(Equal(DeniedExcluded))
		})
	})

	Context("tool call vetting", func() {
		It("allows a call when every extracted target is in scope", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			v := e.CheckCall("www.example.com", map[string]any{
				"domains": []any{"a.example.com", "b.example.com"},
				"rate":    150,
			})
			Expect(v.Decision).To(Equal(Allowed))
		})

		It("denies the whole call when any target fails", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			v := e.CheckCall("www.example.com", map[string]any{
				"hosts": []string{"a.example.com", "evil.org"},
			})
			Expect(v.Decision).To(Equal(DeniedOutOfScope))
			Expect(v.Target).To(Equal("evil.org"))
		})

		It("inspects url and ip argument keys", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			Expect(e.CheckCall("", map[string]any{"url": "https://shop.example.com/cart"}).Decision).To(Equal(Allowed))
			Expect(e.CheckCall("", map[string]any{"ip": "192.168.0.1"}).Decision).To(Equal(DeniedPrivateIP))
		})

		It("allows a call with nothing targetable", func() {
			e := newEnforcer(Policy{})
			v := e.CheckCall("", map[string]any{"silent": true, "threads": 10})
			Expect(v.Decision).To(Equal(Allowed))
			Expect(v.Reason).To(Equal("no targetable arguments"))
		})
	})

	Context("audit log", func() {
		It("records every decision in order", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			e.CheckTarget("www.example.com")
			e.CheckTarget("evil.org")
			entries := e.AuditLog()
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Target).To(Equal("www.example.com"))
			Expect(entries[0].Decision).To(Equal(Allowed))
			Expect(entries[1].Decision).To(Equal(DeniedOutOfScope))
		})

		It("retains only the most recent thousand decisions", func() {
			e := newEnforcer(Policy{Allow: []string{"*.example.com"}})
			for i := 0; i < auditRingSize+25; i++ {
				e.CheckTarget("www.example.com")
			}
			Expect(e.AuditLog()).To(HaveLen(auditRingSize))
		})
	})

	Context("configuration errors", func() {
		It("rejects malformed CIDR entries at construction", func() {
			_, err := NewEnforcer(Policy{AllowCIDRs: []string{"not-a-cidr"}}, nil)
			Expect(err).To(HaveOccurred())
		})
	})
})
