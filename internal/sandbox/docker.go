/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerAPI is the slice of the Docker engine client the runner needs.
type dockerAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Docker runs each Spec in a throwaway container. The image is pulled on
// first use and the container is force-removed after logs are collected.
type Docker struct {
	api dockerAPI
	log *zap.Logger
}

// NewDocker connects to the engine using the standard DOCKER_* environment.
func NewDocker(log *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDocker(cli, log), nil
}

func newDocker(api dockerAPI, log *zap.Logger) *Docker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Docker{api: api, log: log}
}

// Run implements Runner. A run that exceeds its timeout is reported as a
// Result with TimedOut set, not as an error; errors are reserved for the
// engine itself failing.
func (d *Docker) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Image == "" {
		return Result{}, SetupFailure(errors.New("sandbox: image required"))
	}
	if len(spec.Argv) == 0 {
		return Result{}, SetupFailure(errors.New("sandbox: empty argv"))
	}

	tctx, cancel := context.WithTimeout(ctx, spec.timeout())
	defer cancel()

	if err := d.ensureImage(tctx, spec.Image); err != nil {
		return Result{}, err
	}

	mem := spec.MemoryBytes
	if mem == 0 {
		mem = DefaultMemoryBytes
	}
	cpus := spec.NanoCPUs
	if cpus == 0 {
		cpus = DefaultNanoCPUs
	}
	labels := map[string]string{}
	if spec.Namespace != "" {
		labels["ai.sentry.namespace"] = spec.Namespace
	}

	// Entrypoint is pinned to argv[0] so the run does not depend on
	// whatever entrypoint the image declares.
	created, err := d.api.ContainerCreate(tctx, &container.Config{
		Image:      spec.Image,
		Entrypoint: strslice.StrSlice(spec.Argv[:1]),
		Cmd:        strslice.StrSlice(spec.Argv[1:]),
		Env:        spec.Env,
		Tty:        false,
		Labels:     labels,
	}, &container.HostConfig{
		Resources: container.Resources{Memory: mem, NanoCPUs: cpus},
	}, nil, nil, "")
	if err != nil {
		return Result{}, SetupFailure(fmt.Errorf("container create: %w", err))
	}
	id := created.ID

	defer func() {
		// The run context may already be expired; removal gets its own.
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		if err := d.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			d.log.Warn("container remove failed", zap.String("container", id), zap.Error(err))
		}
	}()

	start := time.Now()
	if err := d.api.ContainerStart(tctx, id, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("container start: %w", err)
	}

	var exit int64
	timedOut := false
	statusCh, errCh := d.api.ContainerWait(tctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				timedOut = true
				exit = -1
				break
			}
			return Result{}, fmt.Errorf("container wait: %w", err)
		}
	case st := <-statusCh:
		exit = st.StatusCode
	}

	stdout, stderr := d.collectLogs(tctx, id)
	return Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: int(exit),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}, nil
}

func (d *Docker) ensureImage(ctx context.Context, ref string) error {
	list, err := d.api.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return fmt.Errorf("image list: %w", err)
	}
	if len(list) > 0 {
		return nil
	}
	d.log.Info("pulling image", zap.String("image", ref))
	rc, err := d.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		// A reference the registry does not know stays unknown on retry.
		return SetupFailure(fmt.Errorf("image pull %s: %w", ref, err))
	}
	defer rc.Close()
	// The pull is not complete until the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	return nil
}

// collectLogs demultiplexes the container's log stream into the two
// original streams. Falls back to a fresh context when the run context
// already expired, so a timed-out run still yields its output.
func (d *Docker) collectLogs(ctx context.Context, id string) (string, string) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}
	rc, err := d.api.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		d.log.Warn("container logs unavailable", zap.String("container", id), zap.Error(err))
		return "", ""
	}
	defer rc.Close()

	outw := newCapWriter(MaxStreamBytes)
	errw := newCapWriter(MaxStreamBytes)
	if _, err := stdcopy.StdCopy(outw, errw, rc); err != nil {
		d.log.Warn("log demux incomplete", zap.String("container", id), zap.Error(err))
	}
	return outw.String(), errw.String()
}
