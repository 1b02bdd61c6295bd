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

// Package log provides the project-wide logger construction. All components
// receive a logr.Logger; zap is an implementation detail confined to this
// package.
package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Development enables console encoding and caller annotation.
	Development bool
	// Level is the maximum logr V-level that will be emitted (0 = info only).
	Level int
	// Name is an optional root logger name.
	Name string
}

// DefaultOptions returns production logging defaults (JSON, info level).
func DefaultOptions() Options {
	return Options{Development: false, Level: 0}
}

// DevelopmentOptions returns verbose console logging for local runs and tests.
func DevelopmentOptions() Options {
	return Options{Development: true, Level: 2}
}

// NewLogger builds a logr.Logger backed by zap.
func NewLogger(opts Options) logr.Logger {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	// logr V-levels map onto negative zap levels.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-opts.Level))

	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewNop()
	}

	logger := zapr.NewLogger(zl)
	if opts.Name != "" {
		logger = logger.WithName(opts.Name)
	}
	return logger
}

// Sync flushes any buffered log entries on the underlying zap logger. Safe to
// call with any logr.Logger; non-zap sinks are ignored.
func Sync(logger logr.Logger) {
	if underlier, ok := logger.GetSink().(zapr.Underlier); ok {
		_ = underlier.GetUnderlying().Sync()
	}
}
