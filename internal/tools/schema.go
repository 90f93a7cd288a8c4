/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tools models the security scanners the agent can invoke. Every
// tool is described by a declarative Schema; commands are synthesized from
// the schema so the model never controls argv shape, only argument values.
package tools

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ParamType enumerates the argument types a tool parameter accepts.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamInteger ParamType = "integer"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamFile    ParamType = "file"
	ParamURL     ParamType = "url"
)

func (t ParamType) valid() bool {
	switch t {
	case ParamString, ParamInteger, ParamBoolean, ParamArray, ParamFile, ParamURL:
		return true
	}
	return false
}

// Param describes a single flag of a tool.
type Param struct {
	Name        string    `json:"name"`
	Flag        string    `json:"flag"`
	Description string    `json:"description,omitempty"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	// Default is merged into the arguments before command synthesis when
	// the caller did not supply the parameter. Explicit arguments win.
	Default any      `json:"default,omitempty"`
	Choices []string `json:"choices,omitempty"`
	Example string   `json:"example,omitempty"`
}

// Output formats a tool can produce.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Schema is the complete declarative description of one tool.
type Schema struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description"`
	Binary      string `json:"binary_path"`
	// Image is the container the sandbox runs the tool in. Builtins that
	// leave it empty fall back to the upstream default; tools registered at
	// runtime must set it to be executable.
	Image  string  `json:"image,omitempty"`
	Params []Param `json:"parameters"`
	// OneRequired lists groups of parameter names where at least one
	// member must be supplied (a target or a target-list file).
	OneRequired    [][]string `json:"one_required,omitempty"`
	Examples       []string   `json:"usage_examples,omitempty"`
	Category       string     `json:"category,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	RequiresRoot   bool       `json:"requires_root,omitempty"`
	DefaultTimeout int        `json:"timeout_default,omitempty"`
	OutputFormat   string     `json:"output_format,omitempty"`
}

// schemaNameRe constrains names because they double as registry file names.
var schemaNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

const defaultToolTimeout = 300 * time.Second

// Timeout returns the schema's default execution timeout.
func (s Schema) Timeout() time.Duration {
	if s.DefaultTimeout > 0 {
		return time.Duration(s.DefaultTimeout) * time.Second
	}
	return defaultToolTimeout
}

// Param returns the named parameter declaration.
func (s Schema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Validate checks that the schema is internally consistent.
func (s Schema) Validate() error {
	if !schemaNameRe.MatchString(s.Name) {
		return fmt.Errorf("tool name %q is not a valid identifier", s.Name)
	}
	if strings.TrimSpace(s.Binary) == "" {
		return fmt.Errorf("tool %s: binary path is required", s.Name)
	}
	switch s.OutputFormat {
	case "", FormatText, FormatJSON, FormatCSV:
	default:
		return fmt.Errorf("tool %s: unknown output format %q", s.Name, s.OutputFormat)
	}
	seen := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter with empty name", s.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %q", s.Name, p.Name)
		}
		seen[p.Name] = true
		if !strings.HasPrefix(p.Flag, "-") {
			return fmt.Errorf("tool %s: parameter %q: flag %q must start with '-'", s.Name, p.Name, p.Flag)
		}
		if !p.Type.valid() {
			return fmt.Errorf("tool %s: parameter %q: unknown type %q", s.Name, p.Name, p.Type)
		}
		if len(p.Choices) > 0 && p.Type != ParamString && p.Type != ParamArray {
			return fmt.Errorf("tool %s: parameter %q: choices require string or array type", s.Name, p.Name)
		}
	}
	for _, group := range s.OneRequired {
		if len(group) == 0 {
			return fmt.Errorf("tool %s: empty one_required group", s.Name)
		}
		for _, name := range group {
			if !seen[name] {
				return fmt.Errorf("tool %s: one_required references unknown parameter %q", s.Name, name)
			}
		}
	}
	return nil
}
