/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// BuildCommand synthesizes argv for a tool invocation. Parameters render in
// schema declaration order so the same arguments always produce the same
// command. Declared defaults are merged first; explicit arguments win.
// Arguments not declared in the schema are dropped.
func BuildCommand(s Schema, args map[string]any) ([]string, error) {
	merged := mergeDefaults(s, args)
	if err := checkRequired(s, merged); err != nil {
		return nil, err
	}
	argv := []string{s.Binary}
	for _, p := range s.Params {
		v, ok := merged[p.Name]
		if !ok || v == nil {
			continue
		}
		switch p.Type {
		case ParamBoolean:
			on, err := asBool(v)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", p.Name, err)
			}
			if on {
				argv = append(argv, p.Flag)
			}
		case ParamArray:
			items, err := asStrings(v)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", p.Name, err)
			}
			if len(items) == 0 {
				continue
			}
			argv = append(argv, p.Flag, strings.Join(items, ","))
		default:
			val, err := formatScalar(v)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", p.Name, err)
			}
			argv = append(argv, p.Flag, val)
		}
	}
	return argv, nil
}

// ValidateArgs checks arguments against the schema without building a
// command: required parameters present, types coercible, choices honored.
// Errors name the offending field so the agent can correct itself.
func ValidateArgs(s Schema, args map[string]any) error {
	merged := mergeDefaults(s, args)
	if err := checkRequired(s, merged); err != nil {
		return err
	}
	for name, v := range args {
		p, ok := s.Param(name)
		if !ok || v == nil {
			continue
		}
		switch p.Type {
		case ParamInteger:
			if _, err := asInt(v); err != nil {
				return fmt.Errorf("argument %q: %w", name, err)
			}
		case ParamBoolean:
			if _, err := asBool(v); err != nil {
				return fmt.Errorf("argument %q: %w", name, err)
			}
		case ParamArray:
			items, err := asStrings(v)
			if err != nil {
				return fmt.Errorf("argument %q: %w", name, err)
			}
			if err := checkChoices(p, items); err != nil {
				return fmt.Errorf("argument %q: %w", name, err)
			}
		default:
			val, err := formatScalar(v)
			if err != nil {
				return fmt.Errorf("argument %q: %w", name, err)
			}
			if err := checkChoices(p, []string{val}); err != nil {
				return fmt.Errorf("argument %q: %w", name, err)
			}
		}
	}
	return nil
}

func mergeDefaults(s Schema, args map[string]any) map[string]any {
	merged := make(map[string]any, len(args)+4)
	for _, p := range s.Params {
		if p.Default != nil {
			merged[p.Name] = p.Default
		}
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}

func checkRequired(s Schema, merged map[string]any) error {
	for _, p := range s.Params {
		if !p.Required {
			continue
		}
		if v, ok := merged[p.Name]; !ok || v == nil {
			return fmt.Errorf("required argument %q missing", p.Name)
		}
	}
	for _, group := range s.OneRequired {
		found := false
		for _, name := range group {
			if v, ok := merged[name]; ok && v != nil {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("one of %s is required", strings.Join(group, ", "))
		}
	}
	return nil
}

func checkChoices(p Param, values []string) error {
	if len(p.Choices) == 0 {
		return nil
	}
	for _, v := range values {
		if !slices.Contains(p.Choices, v) {
			return fmt.Errorf("value %q not in choices %s", v, strings.Join(p.Choices, "|"))
		}
	}
	return nil
}

// formatScalar renders a value for argv. Floats render in plain decimal
// notation because scanners reject exponent forms like 1e+06.
func formatScalar(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case json.Number:
		return t.String(), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return false, fmt.Errorf("expected boolean, got %q", t)
		}
		return b, nil
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func asInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected integer, got %v", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, err := formatScalar(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, err := formatScalar(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}
