/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package guardrail

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sentryai/sentry/internal/mission"
	"github.com/sentryai/sentry/internal/tools"
)

// Code identifies which guardrail rejected the model output.
type Code string

const (
	CodeJSONInvalid      Code = "JSON_INVALID"
	CodeSchemaInvalid    Code = "SCHEMA_INVALID"
	CodeHallucinatedTool Code = "HALLUCINATED_TOOL"
	CodeBadArguments     Code = "BAD_ARGUMENTS"
	CodeSafetyViolation  Code = "SAFETY_VIOLATION"
	CodeExhausted        Code = "GUARDRAIL_EXHAUSTED"
)

// ValidationError reports one rejected model output. Reason is phrased so
// it can be fed back to the model verbatim.
type ValidationError struct {
	Code   Code
	Reason string
}

func (e *ValidationError) Error() string { return string(e.Code) + ": " + e.Reason }

// ToolLookup resolves a tool name to its registered schema.
type ToolLookup interface {
	Get(name string) (tools.Schema, bool)
}

// Validator runs the output pipeline: JSON parse, schema check, tool
// existence, argument validation, safety scan. Checks stop at the first
// failure.
type Validator struct {
	lookup ToolLookup
}

// NewValidator builds a validator over the given tool registry.
func NewValidator(lookup ToolLookup) *Validator {
	return &Validator{lookup: lookup}
}

const agentStepSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["thought", "status_update"],
  "properties": {
    "thought": {"type": "string", "minLength": 1},
    "reasoning": {"type": "string"},
    "tool_call": {
      "type": ["object", "null"],
      "required": ["tool_name"],
      "properties": {
        "tool_name": {"type": "string", "minLength": 1},
        "arguments": {"type": "object"},
        "target": {"type": "string"},
        "rationale": {"type": "string"},
        "expected_output": {"type": "string"},
        "timeout": {"type": "integer", "minimum": 0}
      }
    },
    "status_update": {"type": "string"},
    "is_complete": {"type": "boolean"},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity", "title"],
        "properties": {
          "severity": {"enum": ["critical", "high", "medium", "low", "info"]},
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "affected_asset": {"type": "string"},
          "evidence": {"type": "string"},
          "remediation": {"type": "string"},
          "cwe": {"type": "string"},
          "cvss": {"type": "number"},
          "confidence": {"type": "number"}
        }
      }
    }
  }
}`

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["plan_id", "steps"],
  "properties": {
    "plan_id": {"type": "string", "minLength": 1},
    "objective": {"type": "string"},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "tool"],
        "properties": {
          "id": {"type": "integer", "minimum": 1},
          "title": {"type": "string"},
          "description": {"type": "string"},
          "risk": {"enum": ["low", "medium", "high"]},
          "can_skip": {"type": "boolean"},
          "tool": {
            "type": "object",
            "required": ["tool_name"],
            "properties": {
              "tool_name": {"type": "string", "minLength": 1},
              "arguments": {"type": "object"},
              "target": {"type": "string"}
            }
          },
          "depends_on": {"type": "array", "items": {"type": "integer"}}
        }
      }
    }
  }
}`

var (
	agentStepSchema = mustCompile("agent_step.json", agentStepSchemaJSON)
	planSchema      = mustCompile("plan.json", planSchemaJSON)

	// jsonBlockRe recovers the outermost JSON object when the model wrapped
	// it in prose despite the output contract.
	jsonBlockRe = regexp.MustCompile(`\{[\s\S]*\}`)
)

func mustCompile(name, doc string) *jsonschema.Schema {
	raw, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, raw); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}

// dangerPatterns match destructive shell constructs in serialized tool
// arguments. Scanner flags never legitimately contain these.
var dangerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+-rf`),
	regexp.MustCompile(`(?i)rm\s+-fr`),
	regexp.MustCompile(`(?i)rm\s+--force`),
	regexp.MustCompile(`(?i)rmdir\s+/s`),
	regexp.MustCompile(`(?i)del\s+/[fqs]`),
	regexp.MustCompile(`(?i)format\s+`),
	regexp.MustCompile(`(?i)shutdown`),
	regexp.MustCompile(`(?i)reboot`),
	regexp.MustCompile(`(?i)mkfs\.`),
	regexp.MustCompile(`(?i)dd\s+if=`),
	regexp.MustCompile(`(?i)>\s*/dev/`),
	regexp.MustCompile(`(?i)chmod\s+777`),
	regexp.MustCompile(`(?i)chmod\s+-R\s+777`),
	regexp.MustCompile(`(?i)\|\s*sh`),
	regexp.MustCompile(`(?i)\|\s*bash`),
	regexp.MustCompile(`(?i)curl.*\|\s*sh`),
	regexp.MustCompile(`(?i)wget.*\|\s*sh`),
}

// ValidateStep checks one agent turn. On success the parsed step is
// returned; on failure the *ValidationError says which guardrail fired.
func (v *Validator) ValidateStep(raw string) (*mission.AgentStep, *ValidationError) {
	doc, data, verr := decodeJSON(raw)
	if verr != nil {
		return nil, verr
	}
	if err := agentStepSchema.Validate(doc); err != nil {
		return nil, &ValidationError{CodeSchemaInvalid, schemaFault(err)}
	}
	var step mission.AgentStep
	if err := json.Unmarshal(data, &step); err != nil {
		return nil, &ValidationError{CodeSchemaInvalid, err.Error()}
	}
	if step.ToolCall != nil {
		sch, ok := v.lookup.Get(step.ToolCall.Tool)
		if !ok {
			return nil, &ValidationError{CodeHallucinatedTool, fmt.Sprintf("tool %q is not installed", step.ToolCall.Tool)}
		}
		if err := tools.ValidateArgs(sch, step.ToolCall.Arguments); err != nil {
			return nil, &ValidationError{CodeBadArguments, err.Error()}
		}
		if containsDanger(step.ToolCall.Arguments) {
			return nil, &ValidationError{CodeSafetyViolation, "dangerous pattern detected in arguments"}
		}
	}
	return &step, nil
}

// ValidatePlan checks a first-turn execution plan, including every step's
// tool and arguments.
func (v *Validator) ValidatePlan(raw string) (*mission.Plan, *ValidationError) {
	doc, data, verr := decodeJSON(raw)
	if verr != nil {
		return nil, verr
	}
	if err := planSchema.Validate(doc); err != nil {
		return nil, &ValidationError{CodeSchemaInvalid, schemaFault(err)}
	}
	var plan mission.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, &ValidationError{CodeSchemaInvalid, err.Error()}
	}
	if err := plan.Validate(); err != nil {
		return nil, &ValidationError{CodeSchemaInvalid, err.Error()}
	}
	for _, st := range plan.Steps {
		sch, ok := v.lookup.Get(st.Tool.Tool)
		if !ok {
			return nil, &ValidationError{CodeHallucinatedTool, fmt.Sprintf("step %d: tool %q is not installed", st.ID, st.Tool.Tool)}
		}
		if err := tools.ValidateArgs(sch, st.Tool.Arguments); err != nil {
			return nil, &ValidationError{CodeBadArguments, fmt.Sprintf("step %d: %v", st.ID, err)}
		}
		if containsDanger(st.Tool.Arguments) {
			return nil, &ValidationError{CodeSafetyViolation, fmt.Sprintf("dangerous pattern detected in step %d arguments", st.ID)}
		}
	}
	return &plan, nil
}

// decodeJSON strips code fences, parses, and falls back to extracting the
// outermost brace block before giving up.
func decodeJSON(raw string) (any, []byte, *ValidationError) {
	cleaned := stripFences(raw)
	data := []byte(cleaned)
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		if m := jsonBlockRe.FindString(cleaned); m != "" {
			data = []byte(m)
			doc, err = jsonschema.UnmarshalJSON(bytes.NewReader(data))
		}
		if err != nil {
			return nil, nil, &ValidationError{CodeJSONInvalid, fmt.Sprintf("invalid JSON: %v", err)}
		}
	}
	return doc, data, nil
}

func stripFences(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if !strings.HasPrefix(cleaned, "```") {
		return cleaned
	}
	lines := strings.Split(cleaned, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// schemaFault renders the offending JSON pointer from a validation error.
func schemaFault(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return fmt.Sprintf("response does not match the required schema at %q", "/"+strings.Join(leaf.InstanceLocation, "/"))
}

func containsDanger(args map[string]any) bool {
	if len(args) == 0 {
		return false
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// HTML escaping would encode ">" as > and hide redirects from
	// the pattern scan.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return true
	}
	s := buf.String()
	for _, re := range dangerPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
