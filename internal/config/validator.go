package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var backends = map[string]bool{"badger": true, "dynamodb": true, "sqlite": true, "memory": true}

// Validate checks the config for:
//   - Positive pipeline sizes and timeouts
//   - A known storage backend with what it needs
//   - A usable broker section when registration is enabled
func Validate(cfg *Config) error {
	var result *multierror.Error
	add := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if !strings.HasPrefix(cfg.Server.NotifyPath, "/") {
		add("server.notify_path must start with '/', got %q", cfg.Server.NotifyPath)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must not be negative")
	}

	p := cfg.Pipeline
	if p.Workers < 1 {
		add("pipeline.workers must be at least 1, got %d", p.Workers)
	}
	if p.QueueCapacity < 1 {
		add("pipeline.queue_capacity must be at least 1, got %d", p.QueueCapacity)
	}
	if p.EnqueueTimeoutMs < 0 {
		add("pipeline.enqueue_timeout_ms must not be negative")
	}
	if p.MinIntervalMs < 0 {
		add("pipeline.min_interval_ms must not be negative")
	}
	if p.DrainTimeoutMs < 0 {
		add("pipeline.drain_timeout_ms must not be negative")
	}
	if p.MaxWorkerRestarts < 0 {
		add("pipeline.max_worker_restarts must not be negative")
	}
	if p.SweepIntervalMs < 0 {
		add("pipeline.sweep_interval_ms must not be negative")
	}

	s := cfg.Storage
	if !backends[s.Backend] {
		add("storage.backend %q is not one of badger, dynamodb, sqlite, memory", s.Backend)
	}
	if s.Backend == "sqlite" && s.Path == "" {
		add("storage.path is required for the sqlite backend")
	}
	if s.ColumnFamily == "" || strings.ContainsAny(s.ColumnFamily, ":\x00") {
		add("storage.column_family %q is invalid", s.ColumnFamily)
	}
	if s.Endpoint != "" {
		if _, err := url.ParseRequestURI(s.Endpoint); err != nil {
			add("storage.endpoint: %s", err)
		}
	}

	b := cfg.Broker
	if b.URL != "" {
		if _, err := url.ParseRequestURI(b.URL); err != nil {
			add("broker.url: %s", err)
		}
		if b.CallbackURL == "" {
			add("broker.callback_url is required when broker.url is set")
		}
		if len(b.EntityTypes) == 0 {
			add("broker.entity_types must not be empty when broker.url is set")
		}
	}

	if _, err := cfg.Log.SlogLevel(); err != nil {
		add("log.level: %s", err)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", cfg.Log.Format)
	}

	return result.ErrorOrNil()
}
