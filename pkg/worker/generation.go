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

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/go-logr/logr"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/progress"
	"github.com/jordigilh/rateopt/pkg/rateplan"
	"github.com/jordigilh/rateopt/pkg/sequence"
)

// SequenceStore is the slice of the queue repository the dispatcher needs.
type SequenceStore interface {
	GroupQueuesWithoutSequence(ctx context.Context, commGroupID int64) ([]int64, error)
	SequencePlanIDs(ctx context.Context, queueID int64) ([]int64, error)
	InsertSequence(ctx context.Context, queueID int64, planIDs []int64) error
	CompleteError(ctx context.Context, id int64, reason string) (bool, error)
}

// DispatcherConfig tunes the generation consumer.
type DispatcherConfig struct {
	// WorkQueue is where assignment work messages are enqueued.
	WorkQueue string
	// BatchSize groups bound queues into one work message each.
	BatchSize int
	// MaxSequences and RandomSeeds bound local generation.
	MaxSequences int
	RandomSeeds  int
	// RandomSeed fixes the shuffle source so repeated generation for the
	// same group is deterministic.
	RandomSeed int64
}

// SequenceDispatcher is the consumer of sequence-generation messages: the
// distributed half of the generator. It decodes pre-enumerated sequences (or
// runs generation locally when the message carries only the distributed
// placeholder), binds each ranked sequence to an unsequenced queue of the
// communication group, persists the orderings, and enqueues batched
// assignment work.
type SequenceDispatcher struct {
	cfg    DispatcherConfig
	store  SequenceStore
	loader GroupLoader
	bus    messaging.Adapter
	sink   progress.Sink
	log    logr.Logger
}

// NewSequenceDispatcher builds a generation consumer. A nil sink disables
// progress reporting.
func NewSequenceDispatcher(cfg DispatcherConfig, store SequenceStore, loader GroupLoader,
	bus messaging.Adapter, sink progress.Sink, log logr.Logger) *SequenceDispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = sequence.DefaultBatchSize
	}
	if cfg.MaxSequences <= 0 {
		cfg.MaxSequences = sequence.DefaultMaxSequences
	}
	if cfg.RandomSeeds <= 0 {
		cfg.RandomSeeds = sequence.DefaultRandomSeeds
	}
	return &SequenceDispatcher{
		cfg:    cfg,
		store:  store,
		loader: loader,
		bus:    bus,
		sink:   sink,
		log:    log.WithName("sequence-dispatcher"),
	}
}

// Handle processes one generation message. Malformed messages are dropped
// (nil return, caller acks); configuration failures fail the group's pending
// queues and are likewise terminal; only infrastructure errors propagate for
// redelivery.
func (s *SequenceDispatcher) Handle(ctx context.Context, d messaging.Delivery) error {
	commGroupID, err := d.Int64Attr(messaging.AttrCommGroupID, 0)
	if err != nil || commGroupID == 0 {
		s.log.Info("dropping generation message without a comm group", "messageID", d.ID)
		return nil
	}
	log := s.log.WithValues("commGroupID", commGroupID)

	var seqs []sequence.Sequence
	if raw := d.Attr(messaging.AttrRatePlanSequences); raw != "" {
		if err := json.Unmarshal([]byte(raw), &seqs); err != nil {
			log.Error(err, "dropping generation message with undecodable sequences", "messageID", d.ID)
			return nil
		}
	}

	group, err := s.loader.LoadGroup(ctx, commGroupID)
	if err != nil {
		if opterrors.IsConfiguration(err) {
			return s.failGroup(ctx, log, commGroupID, err.Error())
		}
		return fmt.Errorf("loading comm group %d: %w", commGroupID, err)
	}

	if needsGeneration(seqs) {
		seqs, err = s.generate(group, d.BoolAttr(messaging.AttrSkipLowerCostCheck))
		if err != nil {
			// Generation is deterministic in its inputs; retrying cannot
			// succeed, so the group fails fast.
			log.Error(err, "sequence generation failed, failing group queues")
			return s.failGroup(ctx, log, commGroupID, err.Error())
		}
	}

	bound, err := s.bind(ctx, log, commGroupID, seqs)
	if err != nil {
		return err
	}
	if len(bound) == 0 {
		log.Info("no queues available to bind, nothing dispatched")
		return nil
	}

	if err := s.dispatch(ctx, d, group.SessionID, bound); err != nil {
		return err
	}

	progress.Notify(ctx, s.sink, log, progress.Event{
		Phase:     progress.PhaseSequencesGenerated,
		SessionID: group.SessionID,
		QueueIDs:  bound,
		Detail:    fmt.Sprintf("%d sequences bound", len(bound)),
	})
	return nil
}

// generate runs the generator locally. This is the distributed pass itself,
// so the first-instance limit is lifted; enumeration stays bounded by
// MaxSequences through the seed path.
func (s *SequenceDispatcher) generate(group *GroupData, skipLowerCostCheck bool) ([]sequence.Sequence, error) {
	calc, err := cost.NewCalculator(group.BillingPeriodDays)
	if err != nil {
		return nil, err
	}
	gen := sequence.NewGenerator(
		s.cfg.MaxSequences,
		math.MaxInt32,
		s.cfg.RandomSeeds,
		rand.New(rand.NewSource(s.cfg.RandomSeed^group.CommGroupID)),
		s.log,
	)

	in := sequence.Input{
		Pools:              group.Pools,
		Devices:            group.Devices,
		Calc:               calc,
		Baseline:           group.Baseline,
		SkipLowerCostCheck: skipLowerCostCheck,
	}
	if group.Portal == rateplan.PortalMobility {
		return gen.TypeBalanced(in)
	}
	return gen.General(in)
}

// bind pairs ranked sequences with the group's unsequenced queues and
// persists each ordering. A sequence carrying its own queue id (a chunk
// pre-bound by another generation worker) keeps it. Re-delivered bindings
// are detected by an existing ordering and not rewritten.
func (s *SequenceDispatcher) bind(ctx context.Context, log logr.Logger, commGroupID int64, seqs []sequence.Sequence) ([]int64, error) {
	free, err := s.store.GroupQueuesWithoutSequence(ctx, commGroupID)
	if err != nil {
		return nil, err
	}

	var bound []int64
	dropped := 0
	for _, sq := range seqs {
		queueID := sq.QueueID
		if queueID == 0 {
			if len(free) == 0 {
				dropped++
				continue
			}
			queueID = free[0]
			free = free[1:]
		}

		existing, err := s.store.SequencePlanIDs(ctx, queueID)
		if err != nil {
			return bound, err
		}
		if len(existing) == 0 {
			if err := s.store.InsertSequence(ctx, queueID, sq.PlanIDs); err != nil {
				return bound, err
			}
		}
		bound = append(bound, queueID)
	}

	if dropped > 0 {
		log.Info("generated more sequences than available queues, excess dropped",
			"dropped", dropped, "bound", len(bound))
	}
	return bound, nil
}

// dispatch enqueues one assignment work message per batch of bound queues,
// preserving the generation message's contract attributes.
func (s *SequenceDispatcher) dispatch(ctx context.Context, d messaging.Delivery, sessionID int64, bound []int64) error {
	for start := 0; start < len(bound); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(bound) {
			end = len(bound)
		}

		attrs := messaging.CopyAttributes(d.Attributes, map[string]string{
			messaging.AttrQueueIDs:  messaging.FormatQueueIDs(bound[start:end]),
			messaging.AttrSessionID: strconv.FormatInt(sessionID, 10),
		})
		delete(attrs, messaging.AttrRatePlanSequences)
		delete(attrs, messaging.AttrCommGroupID)

		err := s.bus.Send(ctx, s.cfg.WorkQueue, messaging.Message{
			Body:       []byte("{}"),
			Attributes: attrs,
		})
		if err != nil {
			return fmt.Errorf("enqueueing work for queues %v: %w", bound[start:end], err)
		}
	}
	return nil
}

// failGroup marks the group's pending queues CompletedError with a typed
// reason and drops the message.
func (s *SequenceDispatcher) failGroup(ctx context.Context, log logr.Logger, commGroupID int64, reason string) error {
	ids, err := s.store.GroupQueuesWithoutSequence(ctx, commGroupID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.store.CompleteError(ctx, id, reason); err != nil {
			log.Error(err, "failed to mark queue errored", "queueID", id)
		}
	}
	log.Info("group queues failed", "count", len(ids), "reason", reason)
	return nil
}

func needsGeneration(seqs []sequence.Sequence) bool {
	if len(seqs) == 0 {
		return true
	}
	for _, sq := range seqs {
		if sq.Distributed {
			return true
		}
	}
	return false
}
