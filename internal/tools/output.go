/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
)

// MaxOutputBytes caps how much tool output is retained and parsed.
const MaxOutputBytes = 1 << 20

const truncationMarker = "\n[output truncated]"

// Output is the parsed result of one tool run.
type Output struct {
	Format    string           `json:"format"`
	Text      string           `json:"text,omitempty"`
	Records   []map[string]any `json:"records,omitempty"`
	Truncated bool             `json:"truncated,omitempty"`
}

// ParseOutput interprets raw tool output according to the schema's declared
// format. It never fails; unparseable structured output degrades to text or
// per-line error records.
func ParseOutput(s Schema, raw []byte) Output {
	truncated := false
	if len(raw) > MaxOutputBytes {
		raw = raw[:MaxOutputBytes]
		truncated = true
	}
	text := string(raw)
	if truncated {
		text += truncationMarker
	}
	out := Output{Format: FormatText, Text: text, Truncated: truncated}
	switch s.OutputFormat {
	case FormatJSON:
		if recs := parseJSONRecords(raw); len(recs) > 0 {
			out.Format = FormatJSON
			out.Records = recs
		}
	case FormatCSV:
		if recs, ok := parseCSVRecords(raw); ok {
			out.Format = FormatCSV
			out.Records = recs
		}
	}
	return out
}

// parseJSONRecords decodes JSONL first, then whole-buffer JSON. Lines that
// decode to nothing usable become {"error", "raw"} records so the agent can
// see what the tool actually printed.
func parseJSONRecords(raw []byte) []map[string]any {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	records := make([]map[string]any, 0, len(lines))
	clean := true
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			clean = false
			records = append(records, map[string]any{"error": "invalid json line", "raw": line})
			continue
		}
		records = append(records, m)
	}
	if clean {
		return records
	}

	var whole any
	if err := json.Unmarshal([]byte(trimmed), &whole); err != nil {
		return records
	}
	switch v := whole.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			} else {
				out = append(out, map[string]any{"value": e})
			}
		}
		return out
	default:
		return records
	}
}

func parseCSVRecords(raw []byte) ([]map[string]any, bool) {
	rows, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil || len(rows) < 2 {
		return nil, false
	}
	header := rows[0]
	records := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]any, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records, true
}
