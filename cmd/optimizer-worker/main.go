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

// optimizer-worker consumes optimization work messages and runs the
// chained-execution assigner runtime.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/rateopt/internal/config"
	"github.com/jordigilh/rateopt/internal/database"
	"github.com/jordigilh/rateopt/pkg/checkpoint"
	"github.com/jordigilh/rateopt/pkg/log"
	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/metrics"
	"github.com/jordigilh/rateopt/pkg/progress"
	"github.com/jordigilh/rateopt/pkg/queue"
	"github.com/jordigilh/rateopt/pkg/recorder"
	"github.com/jordigilh/rateopt/pkg/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := log.NewLogger(log.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Name:        "optimizer-worker",
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

	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, db); err != nil {
			logger.Error(err, "migrations failed")
			os.Exit(1)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error(err, "redis connection failed")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	bus := messaging.NewRedisStreamAdapter(redisClient, logger)
	if cfg.Messaging.MaxDeliveries > 0 {
		bus.MaxDeliveries = cfg.Messaging.MaxDeliveries
	}

	queues := queue.NewRepository(db, logger)
	loader := worker.NewSQLDataLoader(db, queues, logger)
	dispatcher := worker.NewSequenceDispatcher(
		worker.DispatcherConfig{
			WorkQueue:    cfg.Messaging.WorkQueue,
			BatchSize:    cfg.Generator.BatchSize,
			MaxSequences: cfg.Generator.MaxSequences,
			RandomSeeds:  cfg.Generator.RandomSeeds,
			RandomSeed:   cfg.Generator.RandomSeed,
		},
		queues, loader, bus, progress.LogSink{Log: logger}, logger,
	)
	runtime := worker.NewRuntime(
		worker.Config{
			WorkQueue:        cfg.Messaging.WorkQueue,
			HostBudget:       cfg.Worker.HostBudget.Std(),
			SafetyMargin:     cfg.Worker.SafetyMargin.Std(),
			MaxContinuations: cfg.Worker.MaxContinuations,
			CheckpointTTL:    cfg.Worker.CheckpointTTL.Std(),
			ReceiveBatch:     cfg.Worker.ReceiveBatch,
			Visibility:       cfg.Worker.Visibility.Std(),
			Concurrency:      cfg.Worker.Concurrency,
		},
		queues,
		checkpoint.NewRedisStore(redisClient, logger),
		bus,
		recorder.New(queues, logger),
		loader,
		dispatcher,
		progress.LogSink{Log: logger},
		m,
		logger,
	)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("operational endpoint listening", "addr", cfg.HTTP.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Info("worker consuming", "queue", cfg.Messaging.WorkQueue)
		return runtime.Consume(ctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error(err, "worker exited with error")
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
