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

package rateplan

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
)

// CommunicationGroup merges every communication plan with an identical
// candidate rate-plan set into one optimization unit. Groups are derived
// fresh per run and own their device snapshots.
type CommunicationGroup struct {
	ID          int64
	RatePlanIDs []int64 // sorted ascending
	Devices     []Device
}

// Key returns the canonical identity of a candidate set: the sorted,
// comma-joined rate-plan ids. Matches the persisted rate_plan_ids column.
func (g CommunicationGroup) Key() string {
	return PlanSetKey(g.RatePlanIDs)
}

// PlanSetKey canonicalizes a candidate rate-plan set.
func PlanSetKey(planIDs []int64) string {
	ids := make([]int64, len(planIDs))
	copy(ids, planIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// BuildCommunicationGroups derives communication groups from communication
// plans and the device population. Devices whose comm plan is unknown are
// skipped. Every group is validated: a group needs at least one device and at
// most MaxRatePlansPerGroup candidate plans.
//
// Groups are returned ordered by key for deterministic downstream ids.
func BuildCommunicationGroups(plans []CommunicationPlan, devices []Device) ([]CommunicationGroup, error) {
	planByID := make(map[int64]CommunicationPlan, len(plans))
	for _, cp := range plans {
		planByID[cp.ID] = cp
	}

	groups := make(map[string]*CommunicationGroup)
	for _, d := range devices {
		cp, ok := planByID[d.CommPlanID]
		if !ok {
			continue
		}
		key := PlanSetKey(cp.RatePlanIDs)
		g, ok := groups[key]
		if !ok {
			ids := make([]int64, len(cp.RatePlanIDs))
			copy(ids, cp.RatePlanIDs)
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			g = &CommunicationGroup{RatePlanIDs: ids}
			groups[key] = g
		}
		g.Devices = append(g.Devices, d)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]CommunicationGroup, 0, len(groups))
	for _, k := range keys {
		g := groups[k]
		if err := g.Validate(); err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, nil
}

// Validate enforces the per-group fail-fast constraints.
func (g CommunicationGroup) Validate() error {
	if len(g.RatePlanIDs) > MaxRatePlansPerGroup {
		return fmt.Errorf("group %s has %d candidate plans: %w",
			g.Key(), len(g.RatePlanIDs), opterrors.ErrTooManyPlans)
	}
	if len(g.Devices) == 0 {
		return fmt.Errorf("group %s: %w", g.Key(), opterrors.ErrNoDevices)
	}
	return nil
}
