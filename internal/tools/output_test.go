/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package tools

import (
	"strings"
	"testing"
)

func TestParseOutputJSONL(t *testing.T) {
	s := Schema{Name: "t", Binary: "t", Description: "d", OutputFormat: FormatJSON}
	raw := []byte(`{"host":"a.example.com","source":"crtsh"}
{"host":"b.example.com","source":"dnsdumpster"}`)

	out := ParseOutput(s, raw)
	if out.Format != FormatJSON {
		t.Fatalf("format = %q", out.Format)
	}
	if len(out.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(out.Records))
	}
	if out.Records[1]["host"] != "b.example.com" {
		t.Fatalf("unexpected record %v", out.Records[1])
	}
}

func TestParseOutputBadLineBecomesErrorRecord(t *testing.T) {
	s := Schema{Name: "t", Binary: "t", Description: "d", OutputFormat: FormatJSON}
	raw := []byte(`{"host":"a.example.com"}
[WRN] rate limit hit, backing off
{"host":"b.example.com"}`)

	out := ParseOutput(s, raw)
	if len(out.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(out.Records))
	}
	bad := out.Records[1]
	if bad["error"] == nil || bad["raw"] != "[WRN] rate limit hit, backing off" {
		t.Fatalf("unexpected error record %v", bad)
	}
}

func TestParseOutputWholeBufferFallback(t *testing.T) {
	s := Schema{Name: "t", Binary: "t", Description: "d", OutputFormat: FormatJSON}
	raw := []byte(`[
  {"port": 80},
  {"port": 443}
]`)

	out := ParseOutput(s, raw)
	if len(out.Records) != 2 {
		t.Fatalf("records = %d, want 2: %v", len(out.Records), out.Records)
	}
	if out.Records[0]["port"] != float64(80) {
		t.Fatalf("unexpected record %v", out.Records[0])
	}
}

func TestParseOutputTextPassthrough(t *testing.T) {
	s := Schema{Name: "t", Binary: "t", Description: "d", OutputFormat: FormatText}
	out := ParseOutput(s, []byte("a.example.com\nb.example.com\n"))
	if out.Format != FormatText || out.Records != nil {
		t.Fatalf("unexpected output %+v", out)
	}
	if !strings.Contains(out.Text, "b.example.com") {
		t.Fatalf("text lost: %q", out.Text)
	}
}

func TestParseOutputCSV(t *testing.T) {
	s := Schema{Name: "t", Binary: "t", Description: "d", OutputFormat: FormatCSV}
	out := ParseOutput(s, []byte("host,port\nexample.com,443\nexample.org,80\n"))
	if out.Format != FormatCSV || len(out.Records) != 2 {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.Records[0]["port"] != "443" {
		t.Fatalf("unexpected record %v", out.Records[0])
	}

	broken := ParseOutput(s, []byte("host,port\n\"unterminated\n"))
	if broken.Format != FormatText {
		t.Fatalf("malformed csv did not degrade to text: %+v", broken)
	}
}

func TestParseOutputTruncation(t *testing.T) {
	s := Schema{Name: "t", Binary: "t", Description: "d", OutputFormat: FormatText}
	raw := make([]byte, MaxOutputBytes+512)
	for i := range raw {
		raw[i] = 'x'
	}

	out := ParseOutput(s, raw)
	if !out.Truncated {
		t.Fatal("oversized output not flagged as truncated")
	}
	if !strings.HasSuffix(out.Text, truncationMarker) {
		t.Fatal("truncation marker missing")
	}
	if len(out.Text) > MaxOutputBytes+len(truncationMarker) {
		t.Fatalf("text not capped: %d bytes", len(out.Text))
	}
}

func TestParseOutputEmpty(t *testing.T) {
	s := Schema{Name: "t", Binary: "t", Description: "d", OutputFormat: FormatJSON}
	out := ParseOutput(s, nil)
	if out.Records != nil || out.Text != "" || out.Truncated {
		t.Fatalf("unexpected output %+v", out)
	}
}
