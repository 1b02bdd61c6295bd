/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates service configuration from YAML with
// environment overrides for connection secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML scalars like "30s" or "15m" into a time.Duration.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the root configuration shared by the worker and coordinator
// services.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Database    DatabaseConfig    `yaml:"database" validate:"required"`
	Redis       RedisConfig       `yaml:"redis" validate:"required"`
	Messaging   MessagingConfig   `yaml:"messaging" validate:"required"`
	Worker      WorkerConfig      `yaml:"worker"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Generator   GeneratorConfig   `yaml:"generator"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	Development bool `yaml:"development"`
	Level       int  `yaml:"level" validate:"gte=0,lte=10"`
}

// DatabaseConfig points at the optimization database.
type DatabaseConfig struct {
	DSN             string   `yaml:"dsn" validate:"required"`
	MaxOpenConns    int      `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int      `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	Migrate         bool     `yaml:"migrate"`
}

// RedisConfig points at the checkpoint/messaging Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
}

// MessagingConfig names the bus queues.
type MessagingConfig struct {
	WorkQueue     string `yaml:"work_queue" validate:"required"`
	CompleteQueue string `yaml:"complete_queue" validate:"required"`
	MaxDeliveries int    `yaml:"max_deliveries" validate:"gte=0"`
}

// WorkerConfig tunes the chained-execution runtime.
type WorkerConfig struct {
	HostBudget       Duration `yaml:"host_budget"`
	SafetyMargin     Duration `yaml:"safety_margin"`
	MaxContinuations int      `yaml:"max_continuations" validate:"gte=0"`
	CheckpointTTL    Duration `yaml:"checkpoint_ttl"`
	ReceiveBatch     int      `yaml:"receive_batch" validate:"gte=0"`
	Visibility       Duration `yaml:"visibility"`
	Concurrency      int      `yaml:"concurrency" validate:"gte=0"`
}

// CoordinatorConfig tunes session monitoring.
type CoordinatorConfig struct {
	MaxAttempts int      `yaml:"max_attempts" validate:"gte=0"`
	MaxStuck    Duration `yaml:"max_stuck"`
}

// GeneratorConfig tunes sequence generation.
type GeneratorConfig struct {
	MaxSequences       int   `yaml:"max_sequences" validate:"gte=0"`
	FirstInstanceLimit int   `yaml:"first_instance_limit" validate:"gte=0"`
	BatchSize          int   `yaml:"batch_size" validate:"gte=0"`
	RandomSeeds        int   `yaml:"random_seeds" validate:"gte=0"`
	RandomSeed         int64 `yaml:"random_seed"`
}

// HTTPConfig controls the operational endpoint.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads a YAML config file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment inject connection secrets without
// writing them to the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.Messaging.WorkQueue == "" {
		c.Messaging.WorkQueue = "optimization-work"
	}
	if c.Messaging.CompleteQueue == "" {
		c.Messaging.CompleteQueue = "session-complete"
	}
	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8080"
	}
	if c.Worker.HostBudget == 0 {
		c.Worker.HostBudget = Duration(15 * time.Minute)
	}
	if c.Worker.SafetyMargin == 0 {
		c.Worker.SafetyMargin = Duration(30 * time.Second)
	}
	if c.Worker.MaxContinuations == 0 {
		c.Worker.MaxContinuations = 20
	}
	if c.Worker.CheckpointTTL == 0 {
		c.Worker.CheckpointTTL = Duration(time.Hour)
	}
	if c.Worker.ReceiveBatch == 0 {
		c.Worker.ReceiveBatch = 1
	}
	if c.Worker.Visibility == 0 {
		c.Worker.Visibility = c.Worker.HostBudget + Duration(time.Minute)
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
	if c.Coordinator.MaxAttempts == 0 {
		c.Coordinator.MaxAttempts = 10
	}
	if c.Coordinator.MaxStuck == 0 {
		c.Coordinator.MaxStuck = Duration(45 * time.Minute)
	}
}
