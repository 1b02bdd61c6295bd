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
	"fmt"
	"math"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
	"github.com/jordigilh/rateopt/pkg/assigner"
	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/queue"
	"github.com/jordigilh/rateopt/pkg/rateplan"
)

// LoadedWork is everything a fresh assigner run needs for a claimed queue
// set.
type LoadedWork struct {
	SessionID         int64
	Portal            rateplan.PortalType
	BillingPeriodDays int
	Works             []assigner.QueueWork
}

// DataLoader resolves a claimed queue set into assigner input. The SQL
// implementation reads the carrier-sync staging tables; tests substitute a
// fake.
type DataLoader interface {
	Load(ctx context.Context, queueIDs []int64, chargeType cost.ChargeType) (*LoadedWork, error)
}

// SQLDataLoader loads assigner input from the optimization tables and the
// carrier-sync staging tables (rate_plan, communication_plan, sim_device).
type SQLDataLoader struct {
	db     *sqlx.DB
	queues *queue.Repository
	log    logr.Logger
}

// NewSQLDataLoader builds a loader over an open database handle.
func NewSQLDataLoader(db *sqlx.DB, queues *queue.Repository, log logr.Logger) *SQLDataLoader {
	return &SQLDataLoader{db: db, queues: queues, log: log.WithName("data-loader")}
}

// GroupData is a communication group resolved for sequence generation: its
// candidate pools (in canonical sorted-id order), device population, and the
// population's current cost for the no-savings filter (zero when a current
// plan is unpriceable).
type GroupData struct {
	CommGroupID       int64
	SessionID         int64
	Portal            rateplan.PortalType
	BillingPeriodDays int
	Pools             rateplan.RatePoolCollection
	Devices           []rateplan.Device
	Baseline          decimal.Decimal
}

// GroupLoader resolves a communication group for the sequence dispatcher.
// Satisfied by SQLDataLoader.
type GroupLoader interface {
	LoadGroup(ctx context.Context, commGroupID int64) (*GroupData, error)
}

// LoadGroup implements GroupLoader.
func (l *SQLDataLoader) LoadGroup(ctx context.Context, commGroupID int64) (*GroupData, error) {
	group, err := l.queues.CommGroup(ctx, commGroupID)
	if err != nil {
		return nil, err
	}
	inst, err := l.queues.Instance(ctx, group.InstanceID)
	if err != nil {
		return nil, err
	}
	billingDays := billingPeriodDays(inst)
	if billingDays <= 0 {
		return nil, fmt.Errorf("instance %d has an empty billing period", inst.ID)
	}
	calc, err := cost.NewCalculator(billingDays)
	if err != nil {
		return nil, err
	}

	devices, err := l.groupDevices(ctx, group.RatePlanIDs)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("comm group %d: %w", commGroupID, opterrors.ErrNoDevices)
	}
	plans, err := l.groupPlans(ctx, devices, group.RatePlanIDs)
	if err != nil {
		return nil, err
	}

	candidateIDs, err := messaging.ParseQueueIDs(group.RatePlanIDs)
	if err != nil {
		return nil, fmt.Errorf("comm group rate_plan_ids %q: %w", group.RatePlanIDs, err)
	}
	pools := make(rateplan.RatePoolCollection, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		plan, ok := plans[id]
		if !ok {
			return nil, fmt.Errorf("comm group %d: rate plan %d not staged", commGroupID, id)
		}
		pool, err := rateplan.NewRatePool(plan)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}

	out := &GroupData{
		CommGroupID:       commGroupID,
		SessionID:         inst.SessionID,
		Portal:            rateplan.PortalType(inst.PortalType),
		BillingPeriodDays: billingDays,
		Pools:             pools,
		Devices:           devices,
	}
	if baseline := l.baseline(devices, plans, calc, cost.ChargeBaseAndOverage); baseline != nil {
		out.Baseline = baseline.TotalCost
	}
	return out, nil
}

// Load implements DataLoader.
func (l *SQLDataLoader) Load(ctx context.Context, queueIDs []int64, chargeType cost.ChargeType) (*LoadedWork, error) {
	queues, err := l.queues.GetQueues(ctx, queueIDs)
	if err != nil {
		return nil, err
	}
	if len(queues) == 0 {
		return nil, fmt.Errorf("no queues found for ids %v", queueIDs)
	}

	inst, err := l.queues.Instance(ctx, queues[0].InstanceID)
	if err != nil {
		return nil, err
	}
	billingDays := billingPeriodDays(inst)
	if billingDays <= 0 {
		return nil, fmt.Errorf("instance %d has an empty billing period", inst.ID)
	}
	calc, err := cost.NewCalculator(billingDays)
	if err != nil {
		return nil, err
	}

	out := &LoadedWork{
		SessionID:         inst.SessionID,
		Portal:            rateplan.PortalType(inst.PortalType),
		BillingPeriodDays: billingDays,
	}

	// Device populations and pool collections are shared across queues of
	// the same comm group; cache per group.
	type groupData struct {
		devices  []rateplan.Device
		plans    map[int64]rateplan.RatePlan
		baseline *assigner.Result
	}
	groups := make(map[int64]*groupData)

	for _, q := range queues {
		gd, ok := groups[q.CommGroupID]
		if !ok {
			gd = &groupData{}
			group, err := l.queues.CommGroup(ctx, q.CommGroupID)
			if err != nil {
				return nil, err
			}
			if gd.devices, err = l.groupDevices(ctx, group.RatePlanIDs); err != nil {
				return nil, err
			}
			if len(gd.devices) == 0 {
				return nil, fmt.Errorf("comm group %d: no devices staged", q.CommGroupID)
			}
			if gd.plans, err = l.groupPlans(ctx, gd.devices, group.RatePlanIDs); err != nil {
				return nil, err
			}
			gd.baseline = l.baseline(gd.devices, gd.plans, calc, chargeType)
			groups[q.CommGroupID] = gd
		}

		planIDs, err := l.queues.SequencePlanIDs(ctx, q.ID)
		if err != nil {
			return nil, err
		}
		if len(planIDs) == 0 {
			return nil, fmt.Errorf("queue %d has no sequence", q.ID)
		}

		pools := make(rateplan.RatePoolCollection, 0, len(planIDs))
		for _, id := range planIDs {
			plan, ok := gd.plans[id]
			if !ok {
				return nil, fmt.Errorf("queue %d: rate plan %d not staged", q.ID, id)
			}
			pool, err := rateplan.NewRatePool(plan)
			if err != nil {
				return nil, err
			}
			pools = append(pools, pool)
		}

		out.Works = append(out.Works, assigner.QueueWork{
			QueueID:  q.ID,
			Pools:    pools,
			Devices:  gd.devices,
			Baseline: gd.baseline,
		})
	}
	return out, nil
}

// groupDevices loads the device snapshot of every communication plan whose
// candidate rate-plan set matches the group's canonical key.
func (l *SQLDataLoader) groupDevices(ctx context.Context, planSetKey string) ([]rateplan.Device, error) {
	var devices []rateplan.Device
	err := l.db.SelectContext(ctx, &devices, l.db.Rebind(`
		SELECT id, comm_plan_id, current_rate_plan_id, usage_for_period,
		       activation_date, billing_days_active, is_prorated
		FROM sim_device
		WHERE comm_plan_id IN (
			SELECT cpr.comm_plan_id
			FROM communication_plan_rate_plan cpr
			GROUP BY cpr.comm_plan_id
			HAVING string_agg(cpr.rate_plan_id::text, ',' ORDER BY cpr.rate_plan_id) = ?
		)
		ORDER BY id`), planSetKey)
	if err != nil {
		return nil, fmt.Errorf("loading devices for group %q: %w", planSetKey, err)
	}
	return devices, nil
}

// groupPlans loads the candidate plans plus every device's current plan (the
// latter feed the baseline).
func (l *SQLDataLoader) groupPlans(ctx context.Context, devices []rateplan.Device, groupPlanIDs string) (map[int64]rateplan.RatePlan, error) {
	idSet := make(map[int64]struct{})
	candidateIDs, err := messaging.ParseQueueIDs(groupPlanIDs)
	if err != nil {
		return nil, fmt.Errorf("comm group rate_plan_ids %q: %w", groupPlanIDs, err)
	}
	for _, id := range candidateIDs {
		idSet[id] = struct{}{}
	}
	for _, d := range devices {
		idSet[d.CurrentRatePlanID] = struct{}{}
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}

	query, args, err := sqlx.In(`
		SELECT id, name, plan_type, included_allowance, base_rate,
		       overage_rate, overage_block_size, is_shared_pool
		FROM rate_plan
		WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("building plan lookup: %w", err)
	}
	var plans []rateplan.RatePlan
	if err := l.db.SelectContext(ctx, &plans, l.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading rate plans: %w", err)
	}

	out := make(map[int64]rateplan.RatePlan, len(plans))
	for _, p := range plans {
		out[p.ID] = p
	}
	return out, nil
}

// baseline prices the population on its current assignments. A device whose
// current plan is unknown or ineligible disables the lower-cost check for
// the whole group (nil baseline) rather than comparing against a partial
// number.
func (l *SQLDataLoader) baseline(devices []rateplan.Device, plans map[int64]rateplan.RatePlan, calc *cost.Calculator, chargeType cost.ChargeType) *assigner.Result {
	sumBase, sumOverage := decimal.Zero, decimal.Zero
	assignments := make([]cost.DeviceCost, 0, len(devices))

	for _, d := range devices {
		plan, ok := plans[d.CurrentRatePlanID]
		if !ok || !plan.Eligible() {
			l.log.V(1).Info("baseline unavailable: device current plan not priceable",
				"deviceID", d.ID, "ratePlanID", d.CurrentRatePlanID)
			return nil
		}
		pool, err := rateplan.NewRatePool(plan)
		if err != nil {
			return nil
		}
		dc, err := calc.DeviceOnPool(d, pool)
		if err != nil {
			l.log.V(1).Info("baseline unavailable: device not priceable",
				"deviceID", d.ID, "error", err.Error())
			return nil
		}
		assignments = append(assignments, dc)
		sumBase = sumBase.Add(dc.BaseCost)
		sumOverage = sumOverage.Add(dc.OverageCost)
	}

	return &assigner.Result{
		BaseCost:    sumBase,
		OverageCost: sumOverage,
		TotalCost:   sumBase.Add(sumOverage),
		Objective:   chargeType.Objective(sumBase, sumOverage),
		Assignments: assignments,
	}
}

func billingPeriodDays(inst *queue.Instance) int {
	return int(math.Round(inst.BillingPeriodEnd.Sub(inst.BillingPeriodStart).Hours() / 24))
}
