/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func mustBuiltin(t *testing.T, name string) Schema {
	t.Helper()
	for _, s := range Builtins() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no builtin %q", name)
	return Schema{}
}

func TestBuildCommandSchemaOrder(t *testing.T) {
	sub := mustBuiltin(t, "subfinder")
	argv, err := BuildCommand(sub, map[string]any{"domain": "example.com"})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	want := []string{"subfinder", "-d", "example.com", "-json", "-silent"}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
}

func TestBuildCommandExplicitFalseSuppressesDefault(t *testing.T) {
	sub := mustBuiltin(t, "subfinder")
	argv, err := BuildCommand(sub, map[string]any{"domain": "example.com", "silent": false})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	for _, tok := range argv {
		if tok == "-silent" {
			t.Fatalf("explicit false still rendered: %v", argv)
		}
	}
}

func TestBuildCommandArrayAndIntDefaults(t *testing.T) {
	nuc := mustBuiltin(t, "nuclei")
	argv, err := BuildCommand(nuc, map[string]any{
		"target":   "https://example.com",
		"severity": []any{"high", "critical"},
	})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	want := []string{
		"nuclei",
		"-u", "https://example.com",
		"-severity", "high,critical",
		"-rl", "150",
		"-c", "25",
		"-json",
		"-silent",
	}
	if !reflect.DeepEqual(argv, want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
}

func TestBuildCommandPlainDecimalFloats(t *testing.T) {
	nb := mustBuiltin(t, "naabu")
	argv, err := BuildCommand(nb, map[string]any{"host": "203.0.113.7", "rate": float64(3000000)})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	joined := strings.Join(argv, " ")
	if !strings.Contains(joined, "-rate 3000000") {
		t.Fatalf("float not rendered in plain decimal: %v", argv)
	}
	if strings.Contains(joined, "e+") {
		t.Fatalf("exponent notation leaked into argv: %v", argv)
	}
}

func TestBuildCommandDropsUndeclaredArgs(t *testing.T) {
	sub := mustBuiltin(t, "subfinder")
	argv, err := BuildCommand(sub, map[string]any{
		"domain":  "example.com",
		"verbose": true,
		"exploit": "yes-please",
	})
	if err != nil {
		t.Fatalf("BuildCommand: %v", err)
	}
	for _, tok := range argv {
		if strings.Contains(tok, "verbose") || strings.Contains(tok, "exploit") || tok == "yes-please" {
			t.Fatalf("undeclared argument leaked: %v", argv)
		}
	}
}

func TestBuildCommandRequired(t *testing.T) {
	kat := mustBuiltin(t, "katana")
	if _, err := BuildCommand(kat, map[string]any{}); err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("missing required url not reported: %v", err)
	}

	sub := mustBuiltin(t, "subfinder")
	if _, err := BuildCommand(sub, map[string]any{}); err == nil || !strings.Contains(err.Error(), "one of") {
		t.Fatalf("missing target group not reported: %v", err)
	}
	if _, err := BuildCommand(sub, map[string]any{"domains_file": "domains.txt"}); err != nil {
		t.Fatalf("file-list alternative rejected: %v", err)
	}
}

func TestValidateArgs(t *testing.T) {
	nuc := mustBuiltin(t, "nuclei")
	cases := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"valid", map[string]any{"target": "https://example.com", "severity": []any{"high"}}, ""},
		{"integer from string", map[string]any{"target": "https://x.io", "rate_limit": "200"}, ""},
		{"integer from float", map[string]any{"target": "https://x.io", "concurrency": float64(10)}, ""},
		{"fractional rejected", map[string]any{"target": "https://x.io", "concurrency": 1.5}, "expected integer"},
		{"bad choice", map[string]any{"target": "https://x.io", "severity": []any{"urgent"}}, "not in choices"},
		{"boolean from string", map[string]any{"target": "https://x.io", "silent": "true"}, ""},
		{"boolean garbage", map[string]any{"target": "https://x.io", "silent": "yes?"}, "expected boolean"},
		{"missing target group", map[string]any{"severity": []any{"high"}}, "one of"},
	}
	for _, tc := range cases {
		err := ValidateArgs(nuc, tc.args)
		if tc.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Errorf("%s: error = %v, want substring %q", tc.name, err, tc.wantErr)
		}
	}

	kat := mustBuiltin(t, "katana")
	if err := ValidateArgs(kat, map[string]any{"url": "https://example.com", "field_scope": "loose"}); err == nil {
		t.Fatal("invalid field_scope accepted")
	}
}

func TestBuildCommandProperties(t *testing.T) {
	sub := mustBuiltin(t, "subfinder")
	declared := make(map[string]bool, len(sub.Params))
	flags := map[string]bool{}
	for _, p := range sub.Params {
		declared[p.Name] = true
		flags[p.Flag] = true
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("synthesis is deterministic", prop.ForAll(
		func(domain string, extraKeys []string) bool {
			args := map[string]any{"domain": "d" + domain + ".example.com"}
			for i, k := range extraKeys {
				args[k] = i
			}
			first, err1 := BuildCommand(sub, args)
			second, err2 := BuildCommand(sub, args)
			if (err1 == nil) != (err2 == nil) {
				return false
			}
			return reflect.DeepEqual(first, second)
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("only declared flags ever render", prop.ForAll(
		func(keys []string) bool {
			args := map[string]any{"domain": "example.com"}
			for _, k := range keys {
				if k != "" && !declared[k] {
					args[k] = "sentinelvalue"
				}
			}
			argv, err := BuildCommand(sub, args)
			if err != nil {
				return false
			}
			if argv[0] != sub.Binary {
				return false
			}
			for _, tok := range argv[1:] {
				if strings.HasPrefix(tok, "-") && !flags[tok] {
					return false
				}
				if tok == "sentinelvalue" {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
