package docker

import (
	"time"

	"deploystack/internal/config"
)

// RunnerConfig holds configuration for the Docker runner.
type RunnerConfig struct {
	Workspace    string        // working directory inside build containers
	CPU          float64       // CPU limit per build, in cores
	MemoryMB     int           // memory limit per build
	BuildTimeout time.Duration // hard cap on a single build
}

// LoadConfigFromEnv loads runner configuration from environment variables.
func LoadConfigFromEnv() RunnerConfig {
	return RunnerConfig{
		Workspace:    config.GetEnv("BUILD_WORKSPACE", "/workspace"),
		CPU:          config.GetFloatEnv("BUILD_CPU", 1),
		MemoryMB:     config.GetIntEnv("BUILD_MEMORY_MB", 512),
		BuildTimeout: config.GetDurationEnv("BUILD_TIMEOUT", 15*time.Minute),
	}
}
