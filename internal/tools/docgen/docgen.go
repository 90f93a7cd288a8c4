/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package docgen generates tool schemas from a binary's own help output.
// It is an offline operator aid, never part of the mission path: probing
// executes the binary, which must not happen on behalf of an agent.
package docgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentryai/sentry/internal/llm"
	"github.com/sentryai/sentry/internal/tools"
)

var (
	helpFlags    = []string{"--help", "-h", "help", "-help"}
	versionFlags = []string{"--version", "-v", "-V", "version"}

	versionRe = regexp.MustCompile(`v?(\d+\.\d+\.?\d*)`)

	// Flag line shapes, most specific first. Single-dash long flags are
	// included because the projectdiscovery CLIs use them exclusively.
	//   -f, --flag VALUE  description   (also "-t, -threads")
	//   --flag VALUE  description
	//   -flag VALUE  description
	flagPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*(-\w),\s*(--?[\w-]+)(?:\s+(\S+))?\s+(.+)$`),
		regexp.MustCompile(`^\s*(--[\w-]+)(?:\s+(\S+))?\s+(.+)$`),
		regexp.MustCompile(`^\s*(-[\w-]+)(?:\s+(\S+))?\s+(.+)$`),
	}

	// valueHintRe recognizes placeholders like URL, FILE, <target>, [dir]
	// and lowercase type words. Anything else is description text and the
	// flag is a boolean.
	valueHintRe = regexp.MustCompile(`^(<[^>]+>|\[[^\]]+\]|[A-Z][A-Z0-9_-]*|string(\[\])?|int|integer|number|float|file|path|url|duration|value|port|ports|size|host|domain|list)$`)
)

const (
	helpProbeTimeout    = 10 * time.Second
	versionProbeTimeout = 5 * time.Second
	// minHelpLength filters out binaries that print a one-line usage error
	// instead of real help text.
	minHelpLength = 50
)

// Documenter probes binaries and builds registry schemas from their help
// output. The optional LLM pass improves descriptions and types; regex
// parsing is always the fallback.
type Documenter struct {
	// ToolsDir is searched when the binary is not on PATH.
	ToolsDir string
	// Model, when set, enables the LLM enhancement pass.
	Model llm.Client
	Log   *zap.Logger
}

// Document generates a schema for the named binary. binaryPath overrides
// PATH resolution when non-empty.
func (d *Documenter) Document(ctx context.Context, name, binaryPath string) (tools.Schema, error) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	path := binaryPath
	if path == "" {
		var err error
		path, err = d.findBinary(name)
		if err != nil {
			return tools.Schema{}, err
		}
	}

	help := probe(ctx, path, helpFlags, helpProbeTimeout, minHelpLength)
	if help == "" {
		return tools.Schema{}, fmt.Errorf("docgen: %s produced no usable help output", name)
	}
	version := probeVersion(ctx, path)

	if d.Model != nil {
		s, err := d.parseWithModel(ctx, name, path, help, version)
		if err == nil {
			return s, nil
		}
		log.Warn("llm parse failed, falling back to regex", zap.String("tool", name), zap.Error(err))
	}
	return parseHelp(name, path, help, version)
}

func (d *Documenter) findBinary(name string) (string, error) {
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	if d.ToolsDir != "" {
		p := filepath.Join(d.ToolsDir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("docgen: binary not found: %s", name)
}

// probe runs the binary once per candidate flag until one yields at least
// minLen bytes on stdout or stderr.
func probe(ctx context.Context, path string, flags []string, timeout time.Duration, minLen int) string {
	for _, flag := range flags {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		cmd := exec.CommandContext(tctx, path, flag)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		_ = cmd.Run() // help output often exits non-zero
		cancel()

		out := stdout.String()
		if out == "" {
			out = stderr.String()
		}
		if len(out) > minLen {
			return out
		}
	}
	return ""
}

func probeVersion(ctx context.Context, path string) string {
	out := probe(ctx, path, versionFlags, versionProbeTimeout, 0)
	if m := versionRe.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return "unknown"
}

// parseHelp extracts flags and a description from help text.
func parseHelp(name, path, help, version string) (tools.Schema, error) {
	lines := strings.Split(help, "\n")

	var params []tools.Param
	seen := map[string]bool{}
	for _, line := range lines {
		p, ok := parseFlagLine(strings.TrimRight(line, " \t"))
		if !ok || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		params = append(params, p)
	}

	description := ""
	for _, line := range lines[:min(len(lines), 10)] {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "-") && len(line) > 20 {
			description = line
			break
		}
	}
	if description == "" {
		description = name + " security tool"
	}

	s := tools.Schema{
		Name:        strings.ToLower(name),
		Version:     version,
		Description: description,
		Binary:      path,
		Params:      params,
		Category:    inferCategory(name, description),
	}
	if err := s.Validate(); err != nil {
		return tools.Schema{}, fmt.Errorf("docgen: generated schema invalid: %w", err)
	}
	return s, nil
}

func parseFlagLine(line string) (tools.Param, bool) {
	for _, re := range flagPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var flag, valueHint, desc string
		switch len(m) {
		case 5:
			flag = m[2]
			if flag == "" {
				flag = m[1]
			}
			valueHint, desc = m[3], m[4]
		case 4:
			flag, valueHint, desc = m[1], m[2], m[3]
		default:
			continue
		}
		if valueHint != "" && !valueHintRe.MatchString(valueHint) {
			// Not a placeholder: it is the first word of the description
			// and the flag takes no value.
			desc = valueHint + " " + desc
			valueHint = ""
		}
		desc = strings.TrimSpace(desc)
		name := strings.ReplaceAll(strings.TrimLeft(flag, "-"), "-", "_")
		if name == "" {
			return tools.Param{}, false
		}
		lower := strings.ToLower(desc)
		return tools.Param{
			Name:        name,
			Flag:        flag,
			Description: desc,
			Type:        inferType(valueHint, desc),
			Required:    strings.Contains(lower, "required") || strings.Contains(lower, "mandatory"),
		}, true
	}
	return tools.Param{}, false
}

func inferType(valueHint, description string) tools.ParamType {
	if valueHint == "" {
		return tools.ParamBoolean
	}
	hint := strings.ToLower(valueHint)
	desc := strings.ToLower(description)
	switch {
	case containsAny(hint, "int", "number", "count", "port"):
		return tools.ParamInteger
	case containsAny(hint, "url", "http"):
		return tools.ParamURL
	case containsAny(hint, "file", "path", "output"):
		return tools.ParamFile
	case containsAny(desc, "comma-separated", "list of"):
		return tools.ParamArray
	}
	return tools.ParamString
}

// categoryKeywords is ordered: the first category with a keyword hit wins.
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"recon", []string{"subdomain", "dns", "whois", "enumerate", "discover"}},
	{"scanning", []string{"scan", "port", "service", "nmap", "masscan"}},
	{"vulnerability", []string{"vuln", "nuclei", "exploit", "cve"}},
	{"fuzzing", []string{"fuzz", "brute", "wordlist", "directory"}},
	{"web", []string{"http", "url", "web", "crawl", "spider"}},
	{"network", []string{"network", "packet", "traffic", "tcp", "udp"}},
}

func inferCategory(name, description string) string {
	combined := strings.ToLower(name + " " + description)
	for _, c := range categoryKeywords {
		if containsAny(combined, c.keywords...) {
			return c.category
		}
	}
	return "general"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// parseWithModel asks the LLM to structure the help text and decodes the
// JSON reply into a schema draft.
func (d *Documenter) parseWithModel(ctx context.Context, name, path, help, version string) (tools.Schema, error) {
	const maxHelp = 4000
	if len(help) > maxHelp {
		help = help[:maxHelp]
	}
	prompt := fmt.Sprintf(`Analyze this CLI tool's help text and generate a structured tool definition.

Tool Name: %s
Version: %s
Help Text:
%s

Generate a JSON object with:
1. description: a clear one-sentence description
2. parameters: array of {name (snake_case), flag, description, type (string|integer|boolean|array|file|url), required, default, example}
3. usage_examples: 2-3 example commands
4. category: one of recon, scanning, vulnerability, fuzzing, web, network, general
5. tags: relevant tags
6. output_format: "text", "json", or "csv"

Respond with ONLY valid JSON, no explanation.`, name, version, help)

	resp, err := d.Model.Complete(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return tools.Schema{}, err
	}
	var draft struct {
		Description string        `json:"description"`
		Parameters  []tools.Param `json:"parameters"`
		Examples    []string      `json:"usage_examples"`
		Category    string        `json:"category"`
		Tags        []string      `json:"tags"`
		Format      string        `json:"output_format"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &draft); err != nil {
		return tools.Schema{}, fmt.Errorf("decode llm reply: %w", err)
	}
	if draft.Description == "" {
		return tools.Schema{}, errors.New("llm reply missing description")
	}
	s := tools.Schema{
		Name:         strings.ToLower(name),
		Version:      version,
		Description:  draft.Description,
		Binary:       path,
		Params:       draft.Parameters,
		Examples:     draft.Examples,
		Category:     draft.Category,
		Tags:         draft.Tags,
		OutputFormat: draft.Format,
	}
	if s.Category == "" {
		s.Category = inferCategory(name, draft.Description)
	}
	if err := s.Validate(); err != nil {
		return tools.Schema{}, fmt.Errorf("llm schema invalid: %w", err)
	}
	return s, nil
}

// extractJSON trims prose around the outermost JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
