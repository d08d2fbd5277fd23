// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the deploy service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ManifestPath      string        // YAML manifest of deployable services
	Workers           int           // scheduler concurrency ceiling before expansion
	SlotsPerWorker    int           // multiplier applied once capacity is expanded
	RequestRatePerSec float64       // rate limit for mutating API calls (0 disables)
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ManifestPath:      GetEnv("MANIFEST_PATH", "deploy.yaml"),
		Workers:           GetIntEnv("WORKERS", 2),
		SlotsPerWorker:    GetIntEnv("SLOTS_PER_WORKER", 2),
		RequestRatePerSec: GetFloatEnv("REQUEST_RATE_PER_SEC", 10),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
