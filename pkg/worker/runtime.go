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

// Package worker is the chained-execution runtime: it consumes work
// messages, routes them to a fresh assigner run or a checkpoint
// continuation, enforces the in-worker deadline, and decides between
// finalizing results and chaining to the next execution.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
	"github.com/jordigilh/rateopt/pkg/assigner"
	"github.com/jordigilh/rateopt/pkg/checkpoint"
	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/metrics"
	"github.com/jordigilh/rateopt/pkg/progress"
	"github.com/jordigilh/rateopt/pkg/queue"
)

// Config tunes one worker process.
type Config struct {
	// WorkQueue is the ingress message queue name.
	WorkQueue string
	// HostBudget is the execution window the host grants one invocation.
	HostBudget time.Duration
	// SafetyMargin is subtracted from the budget to leave room for
	// checkpointing and finalization.
	SafetyMargin time.Duration
	// MaxContinuations bounds the chain length per queue set.
	MaxContinuations int
	// CheckpointTTL bounds checkpoint lifetime.
	CheckpointTTL time.Duration
	// ReceiveBatch is the max messages fetched per poll.
	ReceiveBatch int
	// Visibility is the per-delivery visibility timeout. Must exceed
	// HostBudget.
	Visibility time.Duration
	// Concurrency is the number of parallel consumers in Consume.
	Concurrency int
}

// DefaultConfig returns production defaults sized for a 15-minute execution
// window.
func DefaultConfig(workQueue string) Config {
	return Config{
		WorkQueue:        workQueue,
		HostBudget:       15 * time.Minute,
		SafetyMargin:     30 * time.Second,
		MaxContinuations: 20,
		CheckpointTTL:    checkpoint.DefaultTTL,
		ReceiveBatch:     1,
		Visibility:       16 * time.Minute,
		Concurrency:      1,
	}
}

// QueueStore is the slice of the queue repository the runtime needs. The
// interface keeps the runtime unit-testable without a database.
type QueueStore interface {
	AnyFinished(ctx context.Context, ids []int64) (bool, error)
	Claim(ctx context.Context, ids []int64) ([]int64, error)
	CompleteError(ctx context.Context, id int64, reason string) (bool, error)
}

// ResultRecorder persists winning assignments. Satisfied by
// recorder.Recorder.
type ResultRecorder interface {
	Record(ctx context.Context, results map[int64]*assigner.Result) ([]int64, error)
}

// GenerationHandler consumes sequence-generation messages. Satisfied by
// SequenceDispatcher.
type GenerationHandler interface {
	Handle(ctx context.Context, d messaging.Delivery) error
}

// Runtime wires the worker's collaborators.
type Runtime struct {
	cfg         Config
	queues      QueueStore
	checkpoints checkpoint.Store
	bus         messaging.Adapter
	recorder    ResultRecorder
	loader      DataLoader
	generation  GenerationHandler
	sink        progress.Sink
	metrics     *metrics.Metrics
	log         logr.Logger

	workerID string
	now      func() time.Time
}

// NewRuntime builds a worker runtime. A nil sink disables progress
// reporting; a nil generation handler drops generation messages with an
// error log instead of processing them.
func NewRuntime(cfg Config, queues QueueStore, checkpoints checkpoint.Store,
	bus messaging.Adapter, rec ResultRecorder, loader DataLoader,
	generation GenerationHandler, sink progress.Sink, m *metrics.Metrics, log logr.Logger) *Runtime {
	return &Runtime{
		cfg:         cfg,
		queues:      queues,
		checkpoints: checkpoints,
		bus:         bus,
		recorder:    rec,
		loader:      loader,
		generation:  generation,
		sink:        sink,
		metrics:     m,
		log:         log.WithName("worker-runtime"),
		workerID:    "worker-" + uuid.NewString(),
		now:         time.Now,
	}
}

// Consume runs the receive loop until the context ends.
func (r *Runtime) Consume(ctx context.Context) error {
	concurrency := r.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				deliveries, err := r.bus.Receive(ctx, r.cfg.WorkQueue, r.cfg.ReceiveBatch, r.cfg.Visibility)
				if err != nil {
					if ctx.Err() != nil {
						break
					}
					r.log.Error(err, "receive failed, backing off")
					select {
					case <-time.After(2 * time.Second):
					case <-ctx.Done():
					}
					continue
				}
				for _, d := range deliveries {
					if err := r.HandleMessage(ctx, d); err != nil {
						r.log.Error(err, "message handling failed", "messageID", d.ID)
					}
				}
			}
			return ctx.Err()
		})
	}
	return g.Wait()
}

// workEnvelope is the parsed work-message contract.
type workEnvelope struct {
	queueIDs       []int64
	sessionID      int64
	chargeType     cost.ChargeType
	skipCostCheck  bool
	isContinuation bool
	attempt        int
	attrs          map[string]string
}

func parseEnvelope(d messaging.Delivery) (*workEnvelope, error) {
	queueIDs, err := messaging.ParseQueueIDs(d.Attr(messaging.AttrQueueIDs))
	if err != nil {
		return nil, fmt.Errorf("attribute %s: %w", messaging.AttrQueueIDs, err)
	}
	sessionID, err := d.Int64Attr(messaging.AttrSessionID, 0)
	if err != nil {
		return nil, err
	}
	if sessionID == 0 {
		return nil, fmt.Errorf("attribute %s missing", messaging.AttrSessionID)
	}
	rawCharge, err := d.IntAttr(messaging.AttrChargeType, int(cost.ChargeBaseAndOverage))
	if err != nil {
		return nil, err
	}
	chargeType, err := cost.ParseChargeType(rawCharge)
	if err != nil {
		return nil, err
	}
	attempt, err := d.IntAttr(messaging.AttrContinuationAttempt, 0)
	if err != nil {
		return nil, err
	}
	return &workEnvelope{
		queueIDs:       queueIDs,
		sessionID:      sessionID,
		chargeType:     chargeType,
		skipCostCheck:  d.BoolAttr(messaging.AttrSkipLowerCostCheck),
		isContinuation: d.BoolAttr(messaging.AttrIsChainingProcess),
		attempt:        attempt,
		attrs:          d.Attributes,
	}, nil
}

// HandleMessage processes one delivery end to end.
func (r *Runtime) HandleMessage(ctx context.Context, d messaging.Delivery) error {
	// Sequence-generation messages route to the dispatcher, not the
	// assignment path. An unacked failure redelivers after the visibility
	// window.
	if d.Attr(messaging.AttrRatePlanSequences) != "" || d.Attr(messaging.AttrCommGroupID) != "" {
		if r.generation == nil {
			r.log.Error(nil, "dropping generation message: no generation handler configured",
				"messageID", d.ID)
			return r.bus.Ack(ctx, d)
		}
		if err := r.generation.Handle(ctx, d); err != nil {
			return fmt.Errorf("handling generation message: %w", err)
		}
		return r.bus.Ack(ctx, d)
	}

	env, err := parseEnvelope(d)
	if err != nil {
		// Malformed contract: drop rather than poison-loop.
		r.log.Error(err, "dropping malformed work message", "messageID", d.ID)
		return r.bus.Ack(ctx, d)
	}

	log := r.log.WithValues("queueIDs", env.queueIDs, "sessionID", env.sessionID,
		"continuation", env.isContinuation, "attempt", env.attempt)

	// Duplicate-delivery idempotence: a finished queue in the set means a
	// prior delivery already finalized this work.
	var finished bool
	err = r.retry(ctx, "finished pre-check", func() error {
		var err error
		finished, err = r.queues.AnyFinished(ctx, env.queueIDs)
		return opterrors.Transient("finished pre-check", err)
	})
	if err != nil {
		return fmt.Errorf("finished pre-check: %w", err)
	}
	if finished {
		r.metrics.DuplicateMessages.Inc()
		log.Info("queue set already finished, ignoring duplicate delivery")
		return r.bus.Ack(ctx, d)
	}

	deadline := r.deadline(ctx)

	var batch *assigner.Batch
	if env.isContinuation {
		batch, err = r.resumeFromCheckpoint(ctx, log, env, deadline, d)
	} else {
		batch, err = r.startFresh(ctx, log, env, deadline, d)
	}
	if err != nil {
		return err
	}
	if batch == nil {
		// Terminal handling already performed (checkpoint lost, nothing
		// claimed, budget exhausted, configuration failure).
		return nil
	}

	return r.finalize(ctx, log, env, d, batch)
}

// startFresh claims the queue set, loads data and runs the first pass.
// A nil batch with nil error means the message was fully handled here.
func (r *Runtime) startFresh(ctx context.Context, log logr.Logger, env *workEnvelope,
	deadline time.Time, d messaging.Delivery) (*assigner.Batch, error) {
	var claimed []int64
	err := r.retry(ctx, "claim", func() error {
		var err error
		claimed, err = r.queues.Claim(ctx, env.queueIDs)
		return opterrors.Transient("claim", err)
	})
	if err != nil {
		return nil, fmt.Errorf("claiming queues: %w", err)
	}
	if len(claimed) == 0 {
		log.Info("no queues claimable, another worker owns this set")
		return nil, r.bus.Ack(ctx, d)
	}
	r.metrics.QueuesClaimed.Add(float64(len(claimed)))
	progress.Notify(ctx, r.sink, log, progress.Event{
		Phase: progress.PhaseQueueClaimed, SessionID: env.sessionID, QueueIDs: claimed,
	})

	var work *LoadedWork
	err = r.retry(ctx, "load data", func() error {
		var err error
		work, err = r.loader.Load(ctx, claimed, env.chargeType)
		if err != nil && !opterrors.IsConfiguration(err) {
			return opterrors.Transient("load data", err)
		}
		return err
	})
	if err != nil {
		log.Error(err, "data load failed, failing claimed queues")
		r.failQueues(ctx, log, claimed, fmt.Sprintf("data load failed: %v", err))
		return nil, r.bus.Ack(ctx, d)
	}

	batch, err := assigner.New(assigner.Config{
		SessionID:          env.sessionID,
		ChargeType:         env.chargeType,
		Portal:             work.Portal,
		SkipLowerCostCheck: env.skipCostCheck,
		BillingPeriodDays:  work.BillingPeriodDays,
	}, work.Works, r.log)
	if err != nil {
		r.failQueues(ctx, log, claimed, fmt.Sprintf("assigner setup failed: %v", err))
		return nil, r.bus.Ack(ctx, d)
	}

	started := r.now()
	batch.Run(ctx, deadline)
	r.metrics.AssignerDuration.Observe(r.now().Sub(started).Seconds())
	return batch, nil
}

// resumeFromCheckpoint rebinds a serialized batch and resumes it. A nil
// batch with nil error means the message was fully handled here.
func (r *Runtime) resumeFromCheckpoint(ctx context.Context, log logr.Logger, env *workEnvelope,
	deadline time.Time, d messaging.Delivery) (*assigner.Batch, error) {
	if env.attempt > r.cfg.MaxContinuations {
		log.Info("continuation budget exhausted, failing queue set",
			"maxContinuations", r.cfg.MaxContinuations)
		r.failQueues(ctx, log, env.queueIDs, "continuation budget exhausted")
		_ = r.checkpoints.Delete(ctx, checkpoint.Key(env.sessionID, env.queueIDs))
		return nil, r.bus.Ack(ctx, d)
	}

	key := checkpoint.Key(env.sessionID, env.queueIDs)
	var payload []byte
	var ok bool
	err := r.retry(ctx, "checkpoint get", func() error {
		var err error
		payload, ok, err = r.checkpoints.Get(ctx, key)
		return err
	})
	if err != nil || !ok {
		if err != nil {
			log.Error(err, "checkpoint store unavailable on continuation")
		}
		log.Info("checkpoint lost, failing queue set")
		r.failQueues(ctx, log, env.queueIDs, "checkpoint lost")
		return nil, r.bus.Ack(ctx, d)
	}

	batch, err := assigner.Restore(payload, r.log)
	if err != nil {
		log.Error(err, "checkpoint undecodable, treating as lost")
		r.failQueues(ctx, log, env.queueIDs, "checkpoint invalid")
		_ = r.checkpoints.Delete(ctx, key)
		return nil, r.bus.Ack(ctx, d)
	}

	started := r.now()
	batch.Run(ctx, deadline)
	r.metrics.AssignerDuration.Observe(r.now().Sub(started).Seconds())
	return batch, nil
}

// finalize is the single completion/continuation decision point.
func (r *Runtime) finalize(ctx context.Context, log logr.Logger, env *workEnvelope,
	d messaging.Delivery, batch *assigner.Batch) error {
	// Results that exist now are recorded now, on both paths: completed
	// units are terminal regardless of whether the rest of the set chains.
	r.recordResults(ctx, log, env, batch)

	key := checkpoint.Key(env.sessionID, env.queueIDs)

	if batch.Completed() {
		if err := r.checkpoints.Delete(ctx, key); err != nil {
			log.V(1).Info("checkpoint delete failed, TTL will reclaim", "error", err.Error())
		}
		progress.Notify(ctx, r.sink, log, progress.Event{
			Phase: progress.PhaseQueueFinalized, SessionID: env.sessionID, QueueIDs: batch.QueueIDs(),
		})
		return r.bus.Ack(ctx, d)
	}

	remaining := batch.UnfinishedQueueIDs()
	if len(remaining) == 0 {
		// Every unit reached a terminal state even though the run was
		// interrupted; nothing to chain.
		if err := r.checkpoints.Delete(ctx, key); err != nil {
			log.V(1).Info("checkpoint delete failed, TTL will reclaim", "error", err.Error())
		}
		return r.bus.Ack(ctx, d)
	}

	if env.attempt+1 > r.cfg.MaxContinuations {
		log.Info("continuation budget exhausted before completion")
		r.failQueues(ctx, log, remaining, "continuation budget exhausted")
		_ = r.checkpoints.Delete(ctx, key)
		return r.bus.Ack(ctx, d)
	}

	payload, err := batch.Snapshot()
	if err != nil {
		log.Error(err, "snapshot failed, failing remaining queues")
		r.failQueues(ctx, log, remaining, "checkpoint serialization failed")
		return r.bus.Ack(ctx, d)
	}
	r.metrics.CheckpointBytes.Observe(float64(len(payload)))

	newKey := checkpoint.Key(env.sessionID, remaining)
	err = r.retry(ctx, "checkpoint put", func() error {
		return r.checkpoints.Put(ctx, newKey, payload, r.cfg.CheckpointTTL)
	})
	if err != nil {
		log.Error(err, "no continuation store, failing remaining queues")
		r.failQueues(ctx, log, remaining, "no continuation store")
		return r.bus.Ack(ctx, d)
	}
	if newKey != key {
		_ = r.checkpoints.Delete(ctx, key)
	}

	if err := r.enqueueContinuation(ctx, env, remaining); err != nil {
		// The checkpoint survives; a redelivery of the original message
		// will retry the chain.
		return fmt.Errorf("enqueueing continuation: %w", err)
	}
	r.metrics.Continuations.Inc()
	log.Info("continuation enqueued", "remaining", remaining, "nextAttempt", env.attempt+1)
	return r.bus.Ack(ctx, d)
}

// continuationBody is diagnostic only; consumers rely on attributes.
type continuationBody struct {
	PriorWorkerID       string  `json:"prior_worker_id"`
	ContinuationAttempt int     `json:"continuation_attempt"`
	RemainingQueues     int     `json:"remaining_queues"`
	ProgressPercent     float64 `json:"progress_percent"`
}

func (r *Runtime) enqueueContinuation(ctx context.Context, env *workEnvelope, remaining []int64) error {
	total := len(env.queueIDs)
	done := total - len(remaining)
	body, _ := json.Marshal(continuationBody{
		PriorWorkerID:       r.workerID,
		ContinuationAttempt: env.attempt + 1,
		RemainingQueues:     len(remaining),
		ProgressPercent:     float64(done) / float64(total) * 100,
	})

	msg := messaging.Message{
		Body: body,
		Attributes: messaging.CopyAttributes(env.attrs, map[string]string{
			messaging.AttrQueueIDs:            messaging.FormatQueueIDs(remaining),
			messaging.AttrIsChainingProcess:   "true",
			messaging.AttrContinuationAttempt: fmt.Sprintf("%d", env.attempt+1),
		}),
	}
	return r.retry(ctx, "send continuation", func() error {
		return r.bus.Send(ctx, r.cfg.WorkQueue, msg)
	})
}

// recordResults persists completed units' results and fails completed
// units' errors. Recording failures leave the queue Running for the
// coordinator to reclaim; they never abort the rest of the batch.
func (r *Runtime) recordResults(ctx context.Context, log logr.Logger, env *workEnvelope, batch *assigner.Batch) {
	results := batch.Results()
	if len(results) > 0 {
		err := r.retry(ctx, "record results", func() error {
			_, err := r.recorder.Record(ctx, results)
			return opterrors.Transient("record results", err)
		})
		if err != nil {
			log.Error(err, "result recording failed, queues stay Running for reclaim")
		} else {
			r.metrics.QueuesCompleted.WithLabelValues(string(queue.StatusCompletedSuccess)).
				Add(float64(len(results)))
		}
	}

	for queueID, unitErr := range batch.Errors() {
		r.failQueues(ctx, log, []int64{queueID}, unitErr.Error())
	}
}

// failQueues marks queues CompletedError with a typed reason, best-effort.
func (r *Runtime) failQueues(ctx context.Context, log logr.Logger, ids []int64, reason string) {
	for _, id := range ids {
		var done bool
		err := r.retry(ctx, "fail queue", func() error {
			var err error
			done, err = r.queues.CompleteError(ctx, id, reason)
			return opterrors.Transient("fail queue", err)
		})
		if err != nil {
			log.Error(err, "failed to mark queue errored", "queueID", id)
			continue
		}
		if done {
			r.metrics.QueuesCompleted.WithLabelValues(string(queue.StatusCompletedError)).Inc()
			log.Info("queue marked errored", "queueID", id, "reason", reason)
		}
	}
}

// deadline derives the assigner's soft deadline from the host budget and the
// inbound context, whichever ends first, minus the safety margin.
func (r *Runtime) deadline(ctx context.Context) time.Time {
	deadline := r.now().Add(r.cfg.HostBudget)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline.Add(-r.cfg.SafetyMargin)
}

// retry runs fn with the transient-failure policy: exponential backoff from
// 2s, up to 3 attempts. Non-transient errors abort immediately.
func (r *Runtime) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(2*time.Second),
		), 2), ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if opterrors.IsTransient(err) {
			r.log.V(1).Info("transient failure, retrying", "op", op, "error", err.Error())
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
