/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"strconv"
	"strings"

	"github.com/sentryai/sentry/internal/mission"
)

// Asset is a discovery produced by a recon tool: a subdomain, a live URL,
// an open port. Discoveries are not findings; they feed the asset graph.
type Asset struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Asset types.
const (
	AssetSubdomain = "subdomain"
	AssetURL       = "url"
	AssetPort      = "port"
	AssetEndpoint  = "endpoint"
)

// ExtractFindings maps parsed tool records onto findings. Two record shapes
// are recognized: nuclei JSONL (an "info" object with name and severity)
// and the generic form carrying top-level "severity" and "title" keys.
// Records matching neither shape are discoveries or noise, not findings.
func ExtractFindings(s Schema, out Output) []mission.Finding {
	var findings []mission.Finding
	for _, rec := range out.Records {
		if f, ok := findingFromRecord(rec); ok {
			findings = append(findings, f)
		}
	}
	return findings
}

func findingFromRecord(rec map[string]any) (mission.Finding, bool) {
	if info, ok := rec["info"].(map[string]any); ok {
		return nucleiFinding(rec, info)
	}

	title := asString(rec["title"])
	sev := asString(rec["severity"])
	if title == "" || sev == "" {
		return mission.Finding{}, false
	}
	f := mission.Finding{
		Severity:      normalizeSeverity(sev),
		Title:         title,
		Description:   asString(rec["description"]),
		AffectedAsset: firstString(rec, "affected_asset", "host", "url", "target"),
		Evidence:      asString(rec["evidence"]),
		Remediation:   asString(rec["remediation"]),
		CWE:           asString(rec["cwe"]),
	}
	if v, ok := rec["cvss"].(float64); ok {
		f.CVSS = v
	}
	if v, ok := rec["confidence"].(float64); ok {
		f.Confidence = v
	}
	return f, true
}

// nucleiFinding maps one nuclei JSONL event. A record without a template
// name is a banner or stats line and is dropped.
func nucleiFinding(rec, info map[string]any) (mission.Finding, bool) {
	title := asString(info["name"])
	if title == "" {
		return mission.Finding{}, false
	}
	f := mission.Finding{
		Severity:      normalizeSeverity(asString(info["severity"])),
		Title:         title,
		Description:   asString(info["description"]),
		Remediation:   asString(info["remediation"]),
		AffectedAsset: firstString(rec, "matched-at", "host", "url"),
		Reproduction:  asString(rec["curl-command"]),
	}
	if extracted, ok := rec["extracted-results"].([]any); ok && len(extracted) > 0 {
		parts := make([]string, 0, len(extracted))
		for _, e := range extracted {
			if s := asString(e); s != "" {
				parts = append(parts, s)
			}
		}
		f.Evidence = strings.Join(parts, "\n")
	}
	if f.Evidence == "" {
		if m := asString(rec["matcher-name"]); m != "" {
			f.Evidence = "matcher: " + m
		}
	}
	if cls, ok := info["classification"].(map[string]any); ok {
		if ids, ok := cls["cwe-id"].([]any); ok && len(ids) > 0 {
			f.CWE = asString(ids[0])
		}
		if score, ok := cls["cvss-score"].(float64); ok {
			f.CVSS = score
		}
	}
	return f, true
}

// ExtractAssets pulls discovered assets out of recon tool records. Values
// are deduplicated; order follows first appearance.
func ExtractAssets(s Schema, out Output) []Asset {
	var assets []Asset
	seen := make(map[string]bool)
	add := func(typ, val string) {
		val = strings.TrimSpace(val)
		if val == "" {
			return
		}
		key := typ + "\x00" + val
		if seen[key] {
			return
		}
		seen[key] = true
		assets = append(assets, Asset{Type: typ, Value: val})
	}

	for _, rec := range out.Records {
		switch s.Name {
		case "subfinder":
			add(AssetSubdomain, asString(rec["host"]))
		case "naabu":
			host := asString(rec["host"])
			if host == "" {
				host = asString(rec["ip"])
			}
			if port := portString(rec["port"]); host != "" && port != "" {
				add(AssetPort, host+":"+port)
			}
		case "httpx":
			add(AssetURL, asString(rec["url"]))
		case "katana":
			endpoint := asString(rec["endpoint"])
			if endpoint == "" {
				if req, ok := rec["request"].(map[string]any); ok {
					endpoint = asString(req["endpoint"])
				}
			}
			add(AssetEndpoint, endpoint)
		default:
			if u := asString(rec["url"]); u != "" {
				add(AssetURL, u)
			} else if h := asString(rec["host"]); h != "" {
				add(AssetSubdomain, h)
			}
		}
	}
	return assets
}

// normalizeSeverity lowercases and falls back to info for anything outside
// the severity scale, matching how nuclei reports "unknown".
func normalizeSeverity(s string) mission.Severity {
	sev := mission.Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return mission.SeverityInfo
	}
	return sev
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(rec map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(rec[k]); s != "" {
			return s
		}
	}
	return ""
}

// portString accepts the flat integer naabu emits with -json and the
// structured {"Port": n} object newer releases use.
func portString(v any) string {
	switch t := v.(type) {
	case float64:
		if t > 0 {
			return strconv.Itoa(int(t))
		}
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if p, ok := t["Port"].(float64); ok && p > 0 {
			return strconv.Itoa(int(p))
		}
		if p, ok := t["port"].(float64); ok && p > 0 {
			return strconv.Itoa(int(p))
		}
	}
	return ""
}
