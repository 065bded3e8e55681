// Copyright 2026 © The Arbiter Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads service configuration from defaults, an optional
// YAML file, and ARBITER_-prefixed environment variables, in that order.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Store      StoreConfig      `koanf:"store"`
	Log        LogConfig        `koanf:"log"`
	Events     EventsConfig     `koanf:"events"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Drift      DriftConfig      `koanf:"drift"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

// EventsConfig controls the NATS emitter for breaker and drift events.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Prefix  string `koanf:"prefix"`
}

// EmbeddingsConfig controls the optional qdrant embedding-drift source.
type EmbeddingsConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Addr       string `koanf:"addr"`
	Collection string `koanf:"collection"`
}

type TelemetryConfig struct {
	Exporter string `koanf:"exporter"` // stdout, otlp
	Endpoint string `koanf:"endpoint"`
	Insecure bool   `koanf:"insecure"`
}

// DriftConfig controls the background drift sweep. Durations are seconds.
type DriftConfig struct {
	Interval int    `koanf:"interval"`
	Timeout  int    `koanf:"timeout"`
	Lookback int    `koanf:"lookback"`
	Metrics  string `koanf:"metrics"` // comma-separated metric names
}

// MetricNames splits the configured metric list.
func (d DriftConfig) MetricNames() []string {
	var names []string
	for _, part := range strings.Split(d.Metrics, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("server.addr", ":8380")
	k.Set("store.path", "arbiter.db")
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("events.enabled", false)
	k.Set("events.url", "nats://127.0.0.1:4222")
	k.Set("events.prefix", "arbiter.events")

	k.Set("embeddings.enabled", false)
	k.Set("embeddings.addr", "localhost:6334")
	k.Set("embeddings.collection", "request_embeddings")

	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.endpoint", "")
	k.Set("telemetry.insecure", false)

	k.Set("drift.interval", 3600)
	k.Set("drift.timeout", 300)
	k.Set("drift.lookback", 604800)
	k.Set("drift.metrics", "latency_ms,success")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (ARBITER_SERVER_ADDR -> server.addr)
	if err := k.Load(env.Provider("ARBITER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "ARBITER_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
