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

// optimizer-coordinator is a short-lived invocation that watches one
// session's queues converge and emits the session_complete event.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/rateopt/internal/config"
	"github.com/jordigilh/rateopt/internal/database"
	"github.com/jordigilh/rateopt/pkg/coordinator"
	"github.com/jordigilh/rateopt/pkg/log"
	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/metrics"
	"github.com/jordigilh/rateopt/pkg/progress"
	"github.com/jordigilh/rateopt/pkg/queue"
)

func main() {
	var (
		configPath string
		sessionID  int64
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.Int64Var(&sessionID, "session-id", 0, "optimization session to monitor")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if sessionID == 0 {
		_, _ = os.Stderr.WriteString("-session-id is required\n")
		os.Exit(2)
	}

	logger := log.NewLogger(log.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Name:        "optimizer-coordinator",
	})
	defer log.Sync(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error(err, "database connection failed")
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()

	coordCfg := coordinator.DefaultConfig(cfg.Messaging.CompleteQueue)
	if cfg.Coordinator.MaxAttempts > 0 {
		coordCfg.MaxAttempts = cfg.Coordinator.MaxAttempts
	}
	if cfg.Coordinator.MaxStuck > 0 {
		coordCfg.MaxStuck = cfg.Coordinator.MaxStuck.Std()
	}

	coord := coordinator.New(
		coordCfg,
		queue.NewRepository(db, logger),
		messaging.NewRedisStreamAdapter(redisClient, logger),
		progress.LogSink{Log: logger},
		metrics.New(prometheus.NewRegistry()),
		logger,
	)

	if err := coord.Run(ctx, sessionID); err != nil {
		logger.Error(err, "coordination failed", "sessionID", sessionID)
		os.Exit(1)
	}
	logger.Info("coordination complete", "sessionID", sessionID)
}
