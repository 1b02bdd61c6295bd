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

package assigner

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/rateplan"
)

var errAlgorithmFailed = opterrors.ErrAlgorithmFailed

// Config fixes the assignment parameters shared by every queue in a batch.
type Config struct {
	SessionID          int64
	ChargeType         cost.ChargeType
	Portal             rateplan.PortalType
	SkipLowerCostCheck bool
	BillingPeriodDays  int
}

// Batch drives the optimizer over a set of queues sequentially. It is the
// unit the worker runtime checkpoints: Run stops at the soft deadline (or on
// cancel) between device placements, and a restored batch picks up exactly
// where the previous worker stopped.
type Batch struct {
	cfg        Config
	calc       *cost.Calculator
	strategies []Strategy
	units      []*queueUnit

	unitIdx   int
	completed bool
	cancelled atomic.Bool

	log logr.Logger
	now func() time.Time
}

// New builds a batch over the given queue works. Units run in the order
// given; callers pass queues sorted by id for determinism.
func New(cfg Config, works []QueueWork, log logr.Logger) (*Batch, error) {
	calc, err := cost.NewCalculator(cfg.BillingPeriodDays)
	if err != nil {
		return nil, err
	}
	units := make([]*queueUnit, len(works))
	for i, w := range works {
		units[i] = &queueUnit{work: w}
	}
	return &Batch{
		cfg:        cfg,
		calc:       calc,
		strategies: StrategiesFor(cfg.Portal),
		units:      units,
		log:        log.WithName("assigner"),
		now:        time.Now,
	}, nil
}

// Run processes units until every queue completes or the soft deadline,
// context, or a cancel request stops it. Suspension happens only between
// device placements. Run is also the resume entry point: a restored batch
// continues from its saved position.
func (b *Batch) Run(ctx context.Context, deadline time.Time) {
	for ; b.unitIdx < len(b.units); b.unitIdx++ {
		u := b.units[b.unitIdx]
		if u.completed {
			continue
		}
		if !b.runUnit(ctx, deadline, u) {
			return
		}
	}
	b.completed = true
}

// runUnit advances one queue. Returns false when a stop was requested before
// the unit finished.
func (b *Batch) runUnit(ctx context.Context, deadline time.Time, u *queueUnit) bool {
	for u.strategyIdx < len(b.strategies) {
		if !b.runStrategy(ctx, deadline, u) {
			return false
		}
	}

	u.complete(b.strategies, b.cfg.SkipLowerCostCheck)
	return true
}

// runStrategy advances the unit's current strategy to completion (or
// aborts it on error). Returns false when a stop was requested mid-strategy.
func (b *Batch) runStrategy(ctx context.Context, deadline time.Time, u *queueUnit) bool {
	s := b.strategies[u.strategyIdx]
	u.initStrategy(s)

	for u.deviceIdx < len(u.work.Devices) {
		if b.stopRequested(ctx, deadline) {
			return false
		}
		if err := u.placeNext(b.calc, b.cfg.ChargeType); err != nil {
			b.log.Error(err, "device placement failed, aborting strategy",
				"queueID", u.work.QueueID, "strategy", s.String())
			u.abortStrategy(s)
			return true
		}
	}

	if err := u.finishStrategy(b.calc, b.cfg.ChargeType, s); err != nil {
		b.log.Error(err, "strategy pricing failed",
			"queueID", u.work.QueueID, "strategy", s.String())
		u.abortStrategy(s)
	}
	return true
}

func (b *Batch) stopRequested(ctx context.Context, deadline time.Time) bool {
	if b.cancelled.Load() || ctx.Err() != nil {
		return true
	}
	return !deadline.IsZero() && b.now().After(deadline)
}

// Cancel requests a stop at the next inter-placement check. Safe from any
// goroutine.
func (b *Batch) Cancel() { b.cancelled.Store(true) }

// SetClock overrides the deadline clock. Test hook.
func (b *Batch) SetClock(now func() time.Time) { b.now = now }

// Completed reports whether every unit reached a terminal state.
func (b *Batch) Completed() bool { return b.completed }

// Results returns the best result per completed queue. Queues whose every
// strategy failed are absent; see Errors.
func (b *Batch) Results() map[int64]*Result {
	out := make(map[int64]*Result)
	for _, u := range b.units {
		if u.completed && u.err == nil && u.best != nil {
			out[u.work.QueueID] = u.best
		}
	}
	return out
}

// Errors returns the terminal failure per completed-but-failed queue.
func (b *Batch) Errors() map[int64]error {
	out := make(map[int64]error)
	for _, u := range b.units {
		if u.completed && u.err != nil {
			out[u.work.QueueID] = u.err
		}
	}
	return out
}

// UnfinishedQueueIDs returns the queues still in flight, sorted. Always a
// subset of the batch's queue set.
func (b *Batch) UnfinishedQueueIDs() []int64 {
	var ids []int64
	for _, u := range b.units {
		if !u.completed {
			ids = append(ids, u.work.QueueID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// QueueIDs returns every queue in the batch, sorted.
func (b *Batch) QueueIDs() []int64 {
	ids := make([]int64, len(b.units))
	for i, u := range b.units {
		ids[i] = u.work.QueueID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SessionID returns the session scope of the batch.
func (b *Batch) SessionID() int64 { return b.cfg.SessionID }
