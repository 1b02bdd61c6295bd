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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/rateplan"
)

// snapshotSchemaVersion tags the checkpoint wire format. A checkpoint with a
// different version is detectably invalid and takes the checkpoint-lost
// branch instead of crashing a continuation worker.
const snapshotSchemaVersion = 1

type snapshot struct {
	SchemaVersion      int                 `json:"schema_version"`
	SessionID          int64               `json:"session_id"`
	ChargeType         int                 `json:"charge_type"`
	Portal             rateplan.PortalType `json:"portal"`
	SkipLowerCostCheck bool                `json:"skip_lower_cost_check"`
	BillingPeriodDays  int                 `json:"billing_period_days"`
	Units              []snapshotUnit      `json:"units"`
}

// snapshotUnit is the self-describing state of one in-flight queue: the full
// input plus the resume position. Derived state (device ordering, pool
// aggregates) is rebuilt on restore.
type snapshotUnit struct {
	QueueID       int64                       `json:"queue_id"`
	Pools         rateplan.RatePoolCollection `json:"pools"`
	Devices       []rateplan.Device           `json:"devices"`
	Baseline      *Result                     `json:"baseline,omitempty"`
	StrategyIndex int                         `json:"strategy_index"`
	DeviceIndex   int                         `json:"device_index"`
	PoolDevices   [][]int                     `json:"pool_devices"`
	Failed        []Strategy                  `json:"failed_strategies,omitempty"`
	Best          *Result                     `json:"best,omitempty"`
}

// Snapshot serializes the batch's unfinished units. Completed units are
// excluded: the runtime records their results before chaining, so the
// continuation checkpoint covers exactly the remaining queue set.
func (b *Batch) Snapshot() ([]byte, error) {
	snap := snapshot{
		SchemaVersion:      snapshotSchemaVersion,
		SessionID:          b.cfg.SessionID,
		ChargeType:         int(b.cfg.ChargeType),
		Portal:             b.cfg.Portal,
		SkipLowerCostCheck: b.cfg.SkipLowerCostCheck,
		BillingPeriodDays:  b.cfg.BillingPeriodDays,
	}

	for _, u := range b.units {
		if u.completed {
			continue
		}
		su := snapshotUnit{
			QueueID:       u.work.QueueID,
			Pools:         u.work.Pools,
			Devices:       u.work.Devices,
			Baseline:      u.work.Baseline,
			StrategyIndex: u.strategyIdx,
			DeviceIndex:   u.deviceIdx,
			Failed:        u.failed,
			Best:          u.best,
		}
		if u.pools != nil {
			su.PoolDevices = make([][]int, len(u.pools))
			for i, ps := range u.pools {
				su.PoolDevices[i] = append([]int(nil), ps.deviceIdxs...)
			}
		}
		snap.Units = append(snap.Units, su)
	}
	return json.Marshal(snap)
}

// Restore rebuilds a batch from a checkpoint payload. Undecodable payloads
// and unknown schema versions return ErrCheckpointInvalid so the runtime can
// take the checkpoint-lost branch.
func Restore(payload []byte, log logr.Logger) (*Batch, error) {
	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", opterrors.ErrCheckpointInvalid, err)
	}
	if snap.SchemaVersion != snapshotSchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d",
			opterrors.ErrCheckpointInvalid, snap.SchemaVersion, snapshotSchemaVersion)
	}

	chargeType, err := cost.ParseChargeType(snap.ChargeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", opterrors.ErrCheckpointInvalid, err)
	}
	calc, err := cost.NewCalculator(snap.BillingPeriodDays)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", opterrors.ErrCheckpointInvalid, err)
	}

	b := &Batch{
		cfg: Config{
			SessionID:          snap.SessionID,
			ChargeType:         chargeType,
			Portal:             snap.Portal,
			SkipLowerCostCheck: snap.SkipLowerCostCheck,
			BillingPeriodDays:  snap.BillingPeriodDays,
		},
		calc:       calc,
		strategies: StrategiesFor(snap.Portal),
		log:        log.WithName("assigner"),
		now:        time.Now,
	}

	for _, su := range snap.Units {
		u := &queueUnit{
			work: QueueWork{
				QueueID:  su.QueueID,
				Pools:    su.Pools,
				Devices:  su.Devices,
				Baseline: su.Baseline,
			},
			strategyIdx: su.StrategyIndex,
			deviceIdx:   su.DeviceIndex,
			failed:      su.Failed,
			best:        su.Best,
		}
		if err := restorePools(u, su, calc); err != nil {
			return nil, fmt.Errorf("%w: queue %d: %v", opterrors.ErrCheckpointInvalid, su.QueueID, err)
		}
		b.units = append(b.units, u)
	}
	return b, nil
}

// restorePools rebuilds the per-pool running aggregates from the recorded
// device memberships.
func restorePools(u *queueUnit, su snapshotUnit, calc *cost.Calculator) error {
	if su.PoolDevices == nil {
		return nil
	}
	if len(su.PoolDevices) != len(u.work.Pools) {
		return fmt.Errorf("pool state length %d does not match %d pools",
			len(su.PoolDevices), len(u.work.Pools))
	}

	u.pools = make([]poolState, len(u.work.Pools))
	for j, idxs := range su.PoolDevices {
		ps := poolState{deviceIdxs: append([]int(nil), idxs...)}
		if u.work.Pools[j].Shared {
			for _, di := range idxs {
				if di < 0 || di >= len(u.work.Devices) {
					return fmt.Errorf("device index %d out of range", di)
				}
				d := u.work.Devices[di]
				fraction, err := billingFraction(calc, d)
				if err != nil {
					return err
				}
				ps.usage = ps.usage.Add(d.Usage)
				ps.allowance = ps.allowance.Add(u.work.Pools[j].Allowance.Mul(fraction))
			}
		}
		u.pools[j] = ps
	}
	return nil
}
