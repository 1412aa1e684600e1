// Package config loads devbench's environment-variable configuration,
// mirroring the plain os.Getenv-with-defaults style the rest of this
// codebase uses for process-level settings rather than a struct-tag
// config library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of process-level settings read from the
// environment at startup.
type Config struct {
	AllowedRegistries []string
	StateDB           string
	DrainGraceS       int
	TransientGCDays   int
	LogLevel          string
	LogFormat         string
	Host              string
	Port              string
	Path              string
	DefaultImageAlias string
	WarmPoolEnabled   bool

	WarmHealthCheckInterval time.Duration

	DockerConfigJSON string

	MaxConcurrentExecs int
}

// Load reads Config from the process environment, applying the spec's
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		AllowedRegistries: splitCSV(getenv("ALLOWED_REGISTRIES", "docker.io,ghcr.io")),
		StateDB:           getenv("STATE_DB", "devbench.db"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		LogFormat:         getenv("LOG_FORMAT", "text"),
		Host:              getenv("HOST", "127.0.0.1"),
		Port:              getenv("PORT", "8080"),
		Path:              getenv("PATH_PREFIX", "/"),
		DefaultImageAlias: getenv("DEFAULT_IMAGE_ALIAS", "alpine:latest"),
		DockerConfigJSON:  os.Getenv("DOCKER_CONFIG_JSON"),
	}

	var err error
	if cfg.DrainGraceS, err = getenvInt("DRAIN_GRACE_S", 60); err != nil {
		return nil, err
	}
	if cfg.TransientGCDays, err = getenvInt("TRANSIENT_GC_DAYS", 7); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentExecs, err = getenvInt("MAX_CONCURRENT_EXECS", 4); err != nil {
		return nil, err
	}
	if cfg.WarmPoolEnabled, err = getenvBool("WARM_POOL_ENABLED", false); err != nil {
		return nil, err
	}

	intervalS, err := getenvInt("WARM_HEALTH_CHECK_INTERVAL", 30)
	if err != nil {
		return nil, err
	}
	cfg.WarmHealthCheckInterval = time.Duration(intervalS) * time.Second

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
