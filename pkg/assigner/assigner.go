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

// Package assigner implements the rate-pool optimizer: a greedy, suspendable
// assignment of devices to an ordered pool sequence, evaluated under several
// placement strategies. The assigner yields only between device placements;
// placing one device is atomic, which is what makes checkpoint/resume sound.
package assigner

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/rateplan"
)

// QueueWork is one queue's optimization input: its sequence (pool order) and
// the device population of its communication group.
type QueueWork struct {
	QueueID int64                       `json:"queue_id"`
	Pools   rateplan.RatePoolCollection `json:"pools"`
	Devices []rateplan.Device           `json:"devices"`

	// Baseline is the population's current-assignment result, used for the
	// lower-cost check and as the fallback when no improvement is found.
	// Nil disables the check for this queue.
	Baseline *Result `json:"baseline,omitempty"`
}

// Result is a complete candidate assignment for one queue.
type Result struct {
	QueueID      int64             `json:"queue_id"`
	Strategy     Strategy          `json:"strategy"`
	BaseCost     decimal.Decimal   `json:"base_cost"`
	OverageCost  decimal.Decimal   `json:"overage_cost"`
	TotalCost    decimal.Decimal   `json:"total_cost"`
	Objective    decimal.Decimal   `json:"objective"`
	Assignments  []cost.DeviceCost `json:"assignments"`
	FromBaseline bool              `json:"from_baseline,omitempty"`
}

// poolState tracks the running aggregates of one pool during a strategy run.
type poolState struct {
	deviceIdxs []int
	usage      decimal.Decimal
	allowance  decimal.Decimal
}

// queueUnit is the resumable optimization state of a single queue.
type queueUnit struct {
	work QueueWork

	strategyIdx int
	deviceIdx   int
	order       []int // derived per strategy, not serialized
	pools       []poolState
	failed      []Strategy
	best        *Result

	completed bool
	err       error
}

// initStrategy prepares pool state and device ordering for the strategy at
// strategyIdx. Called on strategy entry and after restore.
func (u *queueUnit) initStrategy(s Strategy) {
	u.order = deviceOrder(u.work.Devices, s)
	if u.pools == nil {
		u.pools = make([]poolState, len(u.work.Pools))
		for i := range u.pools {
			u.pools[i] = poolState{}
		}
	}
}

func (u *queueUnit) resetStrategy() {
	u.pools = nil
	u.order = nil
	u.deviceIdx = 0
}

// placeNext places the next device in strategy order. Atomic: a unit is
// never suspended inside this method.
func (u *queueUnit) placeNext(calc *cost.Calculator, chargeType cost.ChargeType) error {
	if len(u.work.Pools) == 0 {
		return fmt.Errorf("queue %d has no pools to assign into", u.work.QueueID)
	}
	d := u.work.Devices[u.order[u.deviceIdx]]

	bestPool := -1
	var bestMargin, bestOverage decimal.Decimal

	for j, p := range u.work.Pools {
		margin, postOverage, err := u.marginalCost(calc, chargeType, j, p, d)
		if err != nil {
			return fmt.Errorf("device %d on pool %d: %w", d.ID, p.PlanID, err)
		}
		if bestPool < 0 ||
			margin.LessThan(bestMargin) ||
			(margin.Equal(bestMargin) && postOverage.LessThan(bestOverage)) {
			bestPool, bestMargin, bestOverage = j, margin, postOverage
		}
	}

	ps := &u.pools[bestPool]
	ps.deviceIdxs = append(ps.deviceIdxs, u.order[u.deviceIdx])

	if u.work.Pools[bestPool].Shared {
		fraction, err := billingFraction(calc, d)
		if err != nil {
			return err
		}
		ps.usage = ps.usage.Add(d.Usage)
		ps.allowance = ps.allowance.Add(u.work.Pools[bestPool].Allowance.Mul(fraction))
	}

	u.deviceIdx++
	return nil
}

// marginalCost computes the pool-total delta of adding d to pool j, in
// objective terms, together with the post-placement overage used for
// tie-breaking.
func (u *queueUnit) marginalCost(calc *cost.Calculator, chargeType cost.ChargeType, j int, p rateplan.RatePool, d rateplan.Device) (margin, postOverage decimal.Decimal, err error) {
	if !p.Shared {
		dc, err := calc.DeviceOnPool(d, p)
		if err != nil {
			return decimal.Decimal{}, decimal.Decimal{}, err
		}
		return chargeType.Objective(dc.BaseCost, dc.OverageCost), dc.OverageCost, nil
	}

	ps := u.pools[j]
	fraction, err := billingFraction(calc, d)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}

	oldBase := decimal.Zero
	if len(ps.deviceIdxs) > 0 {
		oldBase = p.BaseCost
	}
	oldOverage := cost.OverageCharge(ps.usage.Sub(ps.allowance), p)

	newUsage := ps.usage.Add(d.Usage)
	newAllowance := ps.allowance.Add(p.Allowance.Mul(fraction))
	newOverage := cost.OverageCharge(newUsage.Sub(newAllowance), p)

	margin = chargeType.Objective(p.BaseCost, newOverage).
		Sub(chargeType.Objective(oldBase, oldOverage))
	return margin, newOverage, nil
}

// strategyResult prices the finished placement of the current strategy.
func (u *queueUnit) strategyResult(calc *cost.Calculator, chargeType cost.ChargeType, s Strategy) (*Result, error) {
	var assignments []cost.DeviceCost
	sumBase, sumOverage := decimal.Zero, decimal.Zero

	for j, p := range u.work.Pools {
		ps := u.pools[j]
		if len(ps.deviceIdxs) == 0 {
			continue
		}
		devices := make([]rateplan.Device, len(ps.deviceIdxs))
		for i, di := range ps.deviceIdxs {
			devices[i] = u.work.Devices[di]
		}

		if p.Shared {
			pool, perDevice, err := calc.SharedPool(devices, p)
			if err != nil {
				return nil, err
			}
			assignments = append(assignments, perDevice...)
			sumBase = sumBase.Add(pool.BaseCost)
			sumOverage = sumOverage.Add(pool.OverageCost)
			continue
		}

		for _, d := range devices {
			dc, err := calc.DeviceOnPool(d, p)
			if err != nil {
				return nil, err
			}
			assignments = append(assignments, dc)
			sumBase = sumBase.Add(dc.BaseCost)
			sumOverage = sumOverage.Add(dc.OverageCost)
		}
	}

	sort.Slice(assignments, func(a, b int) bool {
		return assignments[a].DeviceID < assignments[b].DeviceID
	})

	return &Result{
		QueueID:     u.work.QueueID,
		Strategy:    s,
		BaseCost:    sumBase,
		OverageCost: sumOverage,
		TotalCost:   sumBase.Add(sumOverage),
		Objective:   chargeType.Objective(sumBase, sumOverage),
		Assignments: assignments,
	}, nil
}

// finishStrategy folds the finished strategy into best-so-far and advances.
func (u *queueUnit) finishStrategy(calc *cost.Calculator, chargeType cost.ChargeType, s Strategy) error {
	result, err := u.strategyResult(calc, chargeType, s)
	if err != nil {
		return err
	}
	if u.best == nil || result.Objective.LessThan(u.best.Objective) {
		u.best = result
	}
	u.strategyIdx++
	u.resetStrategy()
	return nil
}

// abortStrategy records a per-device failure and moves to the next strategy.
func (u *queueUnit) abortStrategy(s Strategy) {
	u.failed = append(u.failed, s)
	u.strategyIdx++
	u.resetStrategy()
}

// complete applies the lower-cost check and seals the unit.
func (u *queueUnit) complete(strategies []Strategy, skipLowerCostCheck bool) {
	u.completed = true

	if u.best == nil {
		u.err = fmt.Errorf("queue %d: %d/%d strategies failed: %w",
			u.work.QueueID, len(u.failed), len(strategies), errAlgorithmFailed)
		return
	}
	if skipLowerCostCheck || u.work.Baseline == nil {
		return
	}
	// Exact decimal comparison: the optimized result must be strictly
	// cheaper than the current assignment, otherwise the baseline stands.
	if !u.best.Objective.LessThan(u.work.Baseline.Objective) {
		baseline := *u.work.Baseline
		baseline.QueueID = u.work.QueueID
		baseline.FromBaseline = true
		u.best = &baseline
	}
}

func billingFraction(calc *cost.Calculator, d rateplan.Device) (decimal.Decimal, error) {
	if !d.Prorated {
		return decimal.NewFromInt(1), nil
	}
	if d.BillingDaysActive < 0 || d.BillingDaysActive > calc.BillingPeriodDays {
		return decimal.Decimal{}, fmt.Errorf(
			"device %d: billing days active %d out of range [0,%d]",
			d.ID, d.BillingDaysActive, calc.BillingPeriodDays)
	}
	return decimal.NewFromInt(int64(d.BillingDaysActive)).
		Div(decimal.NewFromInt(int64(calc.BillingPeriodDays))), nil
}
