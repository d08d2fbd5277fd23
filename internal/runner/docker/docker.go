// Package docker implements the runner.Runner interface using the Docker API.
// Builds run as one-shot containers on the host Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"deploystack/internal/apperrors"
	"deploystack/internal/runner"
	"deploystack/internal/scheduler"
)

// Runner implements runner.Runner using Docker.
type Runner struct {
	client *client.Client
	config RunnerConfig
	logger *slog.Logger
}

// NewRunner creates a Docker runner and removes build containers left over
// from a previous run.
func NewRunner(ctx context.Context, cfg RunnerConfig) (*Runner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	if cfg.Workspace == "" {
		cfg.Workspace = "/workspace"
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = 15 * time.Minute
	}

	r := &Runner{
		client: dockerClient,
		config: cfg,
		logger: slog.With("component", "runner"),
	}

	if err := r.removeStale(ctx); err != nil {
		r.logger.Warn("Failed to remove stale build containers", "error", err)
	}

	return r, nil
}

// removeStale cleans up build containers from a previous process. Builds are
// not resumable, so anything found here is garbage.
func (r *Runner) removeStale(ctx context.Context) error {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "managed-by=deploy-service"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	for i := range containers {
		c := &containers[i]
		r.removeContainer(ctx, c.ID)
		r.logger.Info("Removed stale build container", "service", c.Labels["build.service"])
	}
	return nil
}

// Build runs one service build to completion. A nonzero exit code is an
// error; the container is removed either way.
func (r *Runner) Build(ctx context.Context, req *runner.BuildRequest, report scheduler.ProgressFunc) (*runner.BuildResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.BuildTimeout)
	defer cancel()

	// Pull with a detached context so a caller timeout doesn't abort a pull
	// another build could reuse.
	report("pulling image", "image", req.Image)
	pullCtx := context.WithoutCancel(ctx)
	if err := r.pullImageIfNeeded(pullCtx, req.Image); err != nil {
		return nil, apperrors.Internal("runner.pullImage", err)
	}

	containerID, err := r.createBuildContainer(ctx, req)
	if err != nil {
		return nil, apperrors.Internal("runner.createContainer", err)
	}
	defer r.removeContainer(context.WithoutCancel(ctx), containerID)

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, apperrors.Internal("runner.startContainer", err)
	}
	report("build started", "image", req.Image)

	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		r.streamLogs(ctx, containerID, report)
	}()

	exitCode, err := r.waitForExit(ctx, containerID)
	<-logDone
	if err != nil {
		return nil, apperrors.Internal("runner.wait", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("build for %s exited with code %d", req.Service, exitCode)
	}

	return &runner.BuildResult{
		Service:     req.Service,
		Image:       req.Image,
		ContainerID: containerID,
		ExitCode:    exitCode,
	}, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (r *Runner) Ready(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (r *Runner) Close() error {
	return r.client.Close()
}

func (r *Runner) createBuildContainer(ctx context.Context, req *runner.BuildRequest) (string, error) {
	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	var cmd []string
	if req.Command != "" {
		cmd = []string{"/bin/sh", "-c", req.Command}
	}

	containerConfig := &container.Config{
		Image:      req.Image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: r.config.Workspace,
		Labels: map[string]string{
			"build.service": req.Service,
			"managed-by":    "deploy-service",
		},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(r.config.CPU * 1e9),
			Memory:   int64(r.config.MemoryMB) * 1024 * 1024,
		},
	}

	containerName := fmt.Sprintf("build-%s-%d", req.Service, time.Now().UnixNano())
	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// streamLogs forwards build output line by line through report.
// Docker multiplexes stdout and stderr with an 8-byte frame header.
func (r *Runner) streamLogs(ctx context.Context, containerID string, report scheduler.ProgressFunc) {
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.logger.Debug("Failed to get container logs", "error", err)
		return
	}
	defer logs.Close()

	header := make([]byte, 8)
	for ctx.Err() == nil {
		if _, err := io.ReadFull(logs, header); err != nil {
			return
		}

		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(logs, payload); err != nil {
			return
		}

		stream := "stdout"
		if header[0] == 2 {
			stream = "stderr"
		}

		for _, line := range splitLines(string(payload)) {
			report(line, "stream", stream)
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func (r *Runner) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (r *Runner) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (r *Runner) removeContainer(ctx context.Context, containerID string) {
	if containerID == "" {
		return
	}
	stopTimeout := 10
	_ = r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Verify Runner implements runner.Runner
var _ runner.Runner = (*Runner)(nil)
