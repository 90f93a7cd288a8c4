/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Client pushes and pulls tool packs from OCI registries.
type Client struct {
	// PlainHTTP allows insecure registries (for dev/test).
	PlainHTTP bool
	// Username for registry auth (anonymous if empty).
	Username string
	// Password for registry auth.
	Password string
}

// NewClient creates a client for OCI registry operations.
func NewClient() *Client {
	return &Client{}
}

// WithAuth sets credentials for registry authentication.
func (c *Client) WithAuth(username, password string) *Client {
	c.Username = username
	c.Password = password
	return c
}

// WithPlainHTTP enables HTTP (non-TLS) for dev registries.
func (c *Client) WithPlainHTTP(plain bool) *Client {
	c.PlainHTTP = plain
	return c
}

// PushResult holds the outcome of pushing a pack.
type PushResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	ConfigSize  int64    `json:"config_size"`
	ContentSize int64    `json:"content_size"`
	Tools       []string `json:"tools"`
}

// PullResult holds the outcome of pulling a pack.
type PullResult struct {
	Ref    string   `json:"ref"`
	Digest string   `json:"digest"`
	Size   int64    `json:"size"`
	Name   string   `json:"name,omitempty"`
	Tools  []string `json:"tools,omitempty"`
	Files  []string `json:"files,omitempty"`
}

// Push packs dir and uploads it to the registry named by ref.
func (c *Client) Push(ctx context.Context, dir string, ref *Ref) (*PushResult, error) {
	packed, err := Pack(dir)
	if err != nil {
		return nil, fmt.Errorf("pack tools: %w", err)
	}

	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, MediaTypeConfig, packed.Config)
	if err != nil {
		return nil, fmt.Errorf("push config to memory: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeContent, packed.Content)
	if err != nil {
		return nil, fmt.Errorf("push content to memory: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		Layers:           []ocispec.Descriptor{contentDesc},
		ConfigDescriptor: &configDesc,
	}
	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, ArtifactType, packOpts)
	if err != nil {
		return nil, fmt.Errorf("pack manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag manifest: %w", err)
	}

	repo, err := c.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}
	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
		Tools:       packed.Manifest.Tools,
	}, nil
}

// Pull downloads a pack and returns its content layer.
func (c *Client) Pull(ctx context.Context, ref *Ref) ([]byte, *PullResult, error) {
	repo, err := c.repository(ref)
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}

	store := memory.New()
	pullRef := ref.Tag
	if ref.Digest != "" {
		pullRef = ref.Digest
	}
	if pullRef == "" {
		pullRef = "latest"
	}

	manifestDesc, err := oras.Copy(ctx, repo, pullRef, store, pullRef, oras.DefaultCopyOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("pull from registry: %w", err)
	}

	manifestData, err := fetchAll(ctx, store, manifestDesc)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	var content []byte
	for _, layer := range manifest.Layers {
		if layer.MediaType != MediaTypeContent {
			continue
		}
		content, err = fetchAll(ctx, store, layer)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch content layer: %w", err)
		}
	}
	if content == nil {
		return nil, nil, fmt.Errorf("no content layer in manifest")
	}

	result := &PullResult{
		Ref:    ref.String(),
		Digest: manifestDesc.Digest.String(),
		Size:   manifestDesc.Size,
	}
	if manifest.Config.MediaType == MediaTypeConfig {
		if configData, err := fetchAll(ctx, store, manifest.Config); err == nil {
			var m Manifest
			if json.Unmarshal(configData, &m) == nil {
				result.Name = m.Name
				result.Tools = m.Tools
				result.Files = m.Files
			}
		}
	}
	return content, result, nil
}

// PullToDir downloads a pack and extracts it into destDir.
func (c *Client) PullToDir(ctx context.Context, ref *Ref, destDir string) (*PullResult, error) {
	content, result, err := c.Pull(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := Unpack(content, destDir); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}
	return result, nil
}

func (c *Client) repository(ref *Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(ref.Registry + "/" + ref.Path)
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = c.PlainHTTP
	if c.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: c.Username,
				Password: c.Password,
			}),
		}
	}
	return repo, nil
}

func fetchAll(ctx context.Context, store *memory.Store, desc ocispec.Descriptor) ([]byte, error) {
	rc, err := store.Fetch(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
