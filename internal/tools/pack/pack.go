/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package pack distributes tool-schema bundles through OCI registries.
// A pack is a tar.gz of schema JSON files plus a config manifest; pushing
// and pulling use ORAS so any standard registry works.
package pack

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sentryai/sentry/internal/tools"
)

// OCI media types for tool packs.
const (
	ArtifactType     = "application/vnd.sentryai.toolpack.v1"
	MediaTypeConfig  = "application/vnd.sentryai.toolpack.config.v1+json"
	MediaTypeContent = "application/vnd.sentryai.toolpack.content.v1.tar+gzip"
)

// Manifest describes a pack's contents. It is stored as the OCI config blob
// so registries can surface it without downloading the content layer.
type Manifest struct {
	Name      string    `json:"name"`
	Tools     []string  `json:"tools"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Packed is the result of packing a directory.
type Packed struct {
	Manifest Manifest
	// Config is the JSON-encoded manifest.
	Config []byte
	// Content is the tar.gz of the schema files.
	Content []byte
}

// Pack bundles every valid tool schema in dir. Files that are not valid
// schemas are rejected rather than skipped: a pack is a curated artifact
// and silent omissions would surface as missing tools much later.
func Pack(dir string) (*Packed, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pack dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no tool schemas in %s", dir)
	}
	sort.Strings(files)

	manifest := Manifest{
		Name:      filepath.Base(dir),
		Files:     files,
		CreatedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var s tools.Schema
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%s: not a tool schema: %w", name, err)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		manifest.Tools = append(manifest.Tools, s.Name)

		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: manifest.CreatedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("write tar entry: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	config, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return &Packed{Manifest: manifest, Config: config, Content: buf.Bytes()}, nil
}

// Unpack extracts a pack's content into destDir. Entry names are confined
// to the destination to block path traversal.
func Unpack(content []byte, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return fmt.Errorf("unsafe entry name %q", hdr.Name)
		}
		path := filepath.Join(destDir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(name), err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("extract %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
	}
}

// Ref identifies a pack in an OCI registry.
type Ref struct {
	Registry string
	Path     string
	Tag      string
	Digest   string
}

// ParseRef parses references like
// oci://ghcr.io/org/toolpack:v1 or registry.local:5000/packs/recon@sha256:...
func ParseRef(s string) (*Ref, error) {
	s = strings.TrimPrefix(s, "oci://")
	if s == "" {
		return nil, fmt.Errorf("empty reference")
	}
	var digest string
	if at := strings.Index(s, "@"); at >= 0 {
		digest = s[at+1:]
		s = s[:at]
	}
	host, rest, ok := strings.Cut(s, "/")
	if !ok || rest == "" {
		return nil, fmt.Errorf("reference %q missing repository path", s)
	}
	var tag string
	if colon := strings.LastIndex(rest, ":"); colon >= 0 && !strings.Contains(rest[colon:], "/") {
		tag = rest[colon+1:]
		rest = rest[:colon]
	}
	return &Ref{Registry: host, Path: rest, Tag: tag, Digest: digest}, nil
}

// String renders the reference without the oci:// scheme.
func (r *Ref) String() string {
	s := r.Registry + "/" + r.Path
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}
