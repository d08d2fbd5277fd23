// Package runner defines the interface for executing service builds.
package runner

import (
	"context"

	"deploystack/internal/scheduler"
)

// BuildRequest describes one service build.
type BuildRequest struct {
	Service string            // service name from the manifest
	Image   string            // builder image
	Command string            // build command, run via /bin/sh -c
	Env     map[string]string // extra environment for the build
}

// BuildResult is the outcome of a successful build.
type BuildResult struct {
	Service     string `json:"service"`
	Image       string `json:"image"`
	ContainerID string `json:"containerId"`
	ExitCode    int    `json:"exitCode"`
}

// Runner executes builds. Build blocks until the build finishes and
// forwards progress through report.
type Runner interface {
	Build(ctx context.Context, req *BuildRequest, report scheduler.ProgressFunc) (*BuildResult, error)
	Ready(ctx context.Context) error
	Close() error
}
