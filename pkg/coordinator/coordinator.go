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

// Package coordinator watches a session's queues converge and signals
// downstream cleanup exactly once when every queue is terminal. It runs as a
// short-lived invocation triggered by the orchestrator.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"

	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/metrics"
	"github.com/jordigilh/rateopt/pkg/progress"
	"github.com/jordigilh/rateopt/pkg/queue"
)

// ErrSessionStalled reports a session that did not converge within the
// polling budget.
var ErrSessionStalled = errors.New("session stalled")

// Config tunes one coordinator invocation.
type Config struct {
	// CompleteQueue is the outbound session_complete queue name.
	CompleteQueue string
	// PollSchedule is the capped backoff between polls.
	PollSchedule []time.Duration
	// MaxAttempts bounds polling before the session is declared stalled.
	MaxAttempts int
	// MaxStuck reclaims Running queues older than this to Abandoned.
	MaxStuck time.Duration
}

// DefaultConfig returns the standard polling schedule: 30s, 60s, 120s, then
// 300s capped, up to 10 attempts.
func DefaultConfig(completeQueue string) Config {
	return Config{
		CompleteQueue: completeQueue,
		PollSchedule: []time.Duration{
			30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second,
		},
		MaxAttempts: 10,
		MaxStuck:    45 * time.Minute,
	}
}

// SessionStore is the slice of the queue repository the coordinator needs.
type SessionStore interface {
	SessionQueues(ctx context.Context, sessionID int64) ([]queue.Queue, error)
	AbandonStuck(ctx context.Context, sessionID int64, maxStuck time.Duration) (int64, error)
	WinningQueues(ctx context.Context, sessionID int64) ([]queue.Queue, error)
	CompleteSession(ctx context.Context, sessionID int64) (bool, error)
	StallSession(ctx context.Context, sessionID int64) (bool, error)
}

// Coordinator monitors queue convergence for sessions.
type Coordinator struct {
	cfg     Config
	queues  SessionStore
	bus     messaging.Adapter
	sink    progress.Sink
	metrics *metrics.Metrics
	log     logr.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a coordinator.
func New(cfg Config, queues SessionStore, bus messaging.Adapter,
	sink progress.Sink, m *metrics.Metrics, log logr.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		queues:  queues,
		bus:     bus,
		sink:    sink,
		metrics: m,
		log:     log.WithName("coordinator"),
		sleep:   sleepCtx,
	}
}

// sessionCompleteBody summarizes the winning queue per communication group.
type sessionCompleteBody struct {
	SessionID int64          `json:"session_id"`
	Winners   []winnerRecord `json:"winners"`
}

type winnerRecord struct {
	CommGroupID int64           `json:"comm_group_id"`
	QueueID     int64           `json:"queue_id"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// Run polls the session's queues until all are terminal, then selects the
// winning queue per communication group and emits one session_complete
// event. Returns ErrSessionStalled when the polling budget runs out first.
func (c *Coordinator) Run(ctx context.Context, sessionID int64) error {
	log := c.log.WithValues("sessionID", sessionID)

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.pollDelay(attempt-1)); err != nil {
				return err
			}
		}

		if reclaimed, err := c.queues.AbandonStuck(ctx, sessionID, c.cfg.MaxStuck); err != nil {
			log.Error(err, "reclaiming stuck queues failed")
		} else if reclaimed > 0 {
			log.Info("reclaimed stuck queues", "count", reclaimed)
		}

		queues, err := c.queues.SessionQueues(ctx, sessionID)
		if err != nil {
			log.Error(err, "loading session queues failed")
			continue
		}
		if len(queues) == 0 {
			return fmt.Errorf("session %d has no queues", sessionID)
		}

		pending := 0
		for _, q := range queues {
			if !terminal(q.Status) {
				pending++
			}
		}
		if pending > 0 {
			log.V(1).Info("session not yet converged", "pending", pending, "total", len(queues))
			continue
		}

		return c.complete(ctx, log, sessionID)
	}

	c.metrics.SessionsStalled.Inc()
	if _, err := c.queues.StallSession(ctx, sessionID); err != nil {
		log.Error(err, "marking session stalled failed")
	}
	progress.Notify(ctx, c.sink, log, progress.Event{
		Phase: progress.PhaseSessionStalled, SessionID: sessionID,
	})
	log.Info("session did not converge within the polling budget")
	return fmt.Errorf("session %d: %w", sessionID, ErrSessionStalled)
}

// complete emits the terminal event. The session-status CAS makes it
// exactly-once even if two coordinator invocations observe convergence.
func (c *Coordinator) complete(ctx context.Context, log logr.Logger, sessionID int64) error {
	won, err := c.queues.CompleteSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !won {
		log.Info("session already completed by another coordinator")
		return nil
	}

	winners, err := c.queues.WinningQueues(ctx, sessionID)
	if err != nil {
		return err
	}

	body := sessionCompleteBody{SessionID: sessionID}
	for _, w := range winners {
		body.Winners = append(body.Winners, winnerRecord{
			CommGroupID: w.CommGroupID,
			QueueID:     w.ID,
			TotalCost:   w.TotalCost.Decimal,
		})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding session_complete body: %w", err)
	}

	err = c.bus.Send(ctx, c.cfg.CompleteQueue, messaging.Message{
		Body: payload,
		Attributes: map[string]string{
			messaging.AttrSessionID: strconv.FormatInt(sessionID, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("emitting session_complete: %w", err)
	}

	c.metrics.SessionsCompleted.Inc()
	progress.Notify(ctx, c.sink, log, progress.Event{
		Phase: progress.PhaseSessionComplete, SessionID: sessionID,
	})
	log.Info("session complete", "winners", len(body.Winners))
	return nil
}

func (c *Coordinator) pollDelay(i int) time.Duration {
	if len(c.cfg.PollSchedule) == 0 {
		return 30 * time.Second
	}
	if i >= len(c.cfg.PollSchedule) {
		i = len(c.cfg.PollSchedule) - 1
	}
	return c.cfg.PollSchedule[i]
}

// terminal reports whether a queue status counts toward session
// convergence. Abandoned is terminal here: a reclaimed queue stays
// abandoned unless the orchestrator re-seeds it.
func terminal(s queue.Status) bool {
	return s.Finished() || s == queue.StatusAbandoned
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
