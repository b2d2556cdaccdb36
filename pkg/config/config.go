// Package config loads engine configuration from an optional JSON/YAML
// file and EVERFLOW_-prefixed environment variables, env taking priority.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/everflow-crm/everflow/pkg/consts"
)

const envPrefix = "EVERFLOW_"

type Config struct {
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `koanf:"log-level"`

	// Addr is the operational API's listen address.
	Addr string `koanf:"addr"`

	// RedisAddr enables the redis state store and queue when non-empty;
	// empty runs fully in-memory.
	RedisAddr string `koanf:"redis-addr"`

	// SQLitePath persists execution history to the given file.  An empty
	// path with SQLiteHistory set uses an in-memory database; without
	// SQLiteHistory history lives in process memory.
	SQLitePath    string `koanf:"sqlite-path"`
	SQLiteHistory bool   `koanf:"sqlite-history"`

	// QueueWorkers is the size of the step worker pool.
	QueueWorkers int `koanf:"queue-workers"`

	// TenantConcurrency caps simultaneously running executions per tenant.
	TenantConcurrency int `koanf:"tenant-concurrency"`

	// SweepIntervalSeconds is the recovery sweeper cadence.
	SweepIntervalSeconds int `koanf:"sweep-interval-seconds"`
}

func Default() Config {
	return Config{
		LogLevel:             "info",
		Addr:                 ":8288",
		QueueWorkers:         consts.DefaultWorkerCount,
		TenantConcurrency:    consts.DefaultTenantConcurrency,
		SweepIntervalSeconds: int(consts.DefaultSweepInterval / time.Second),
	}
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Load resolves the config: defaults, then the file at path (if any), then
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return cfg, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	// EVERFLOW_QUEUE_WORKERS -> queue-workers
	err := k.Load(env.ProviderWithValue(envPrefix, "", func(key, value string) (string, interface{}) {
		name := strings.TrimPrefix(key, envPrefix)
		return strings.ToLower(strings.ReplaceAll(name, "_", "-")), value
	}), nil)
	if err != nil {
		return cfg, fmt.Errorf("error loading environment variables: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return cfg, nil
}

func parserFor(path string) koanf.Parser {
	switch filepath.Ext(path) {
	case ".json":
		return json.Parser()
	default:
		return yaml.Parser()
	}
}
