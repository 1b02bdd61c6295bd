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

// Package metrics registers the optimization engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's collectors. One instance per process,
// registered against a single registry.
type Metrics struct {
	QueuesClaimed     prometheus.Counter
	QueuesCompleted   *prometheus.CounterVec
	DuplicateMessages prometheus.Counter
	Continuations     prometheus.Counter
	CheckpointBytes   prometheus.Histogram
	AssignerDuration  prometheus.Histogram
	SessionsCompleted prometheus.Counter
	SessionsStalled   prometheus.Counter
}

// New builds and registers the collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueuesClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rateopt_queues_claimed_total",
			Help: "Optimization queues claimed by this worker.",
		}),
		QueuesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rateopt_queues_completed_total",
			Help: "Optimization queues finished, by terminal status.",
		}, []string{"status"}),
		DuplicateMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rateopt_duplicate_messages_total",
			Help: "Work messages observed for already-finished queues.",
		}),
		Continuations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rateopt_continuations_total",
			Help: "Continuation messages enqueued after deadline expiry.",
		}),
		CheckpointBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rateopt_checkpoint_bytes",
			Help:    "Serialized checkpoint payload size.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		AssignerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rateopt_assigner_run_seconds",
			Help:    "Wall time of one assigner pass within a worker execution.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rateopt_sessions_completed_total",
			Help: "Sessions observed fully terminal by the coordinator.",
		}),
		SessionsStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rateopt_sessions_stalled_total",
			Help: "Sessions that did not converge within the polling budget.",
		}),
	}
	reg.MustRegister(
		m.QueuesClaimed, m.QueuesCompleted, m.DuplicateMessages,
		m.Continuations, m.CheckpointBytes, m.AssignerDuration,
		m.SessionsCompleted, m.SessionsStalled,
	)
	return m
}

// NewNop returns collectors registered on a fresh private registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
