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
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jordigilh/rateopt/pkg/rateplan"
)

// Strategy is one of the four grouping x ordering placement orders the
// assigner evaluates per sequence.
type Strategy int

const (
	// StrategyUsageDescending places ungrouped devices largest-usage first.
	StrategyUsageDescending Strategy = iota
	// StrategyUsageAscending places ungrouped devices smallest-usage first.
	StrategyUsageAscending
	// StrategyGroupedDescending places devices grouped by communication
	// plan, groups ordered by aggregate usage descending.
	StrategyGroupedDescending
	// StrategyGroupedAscending is the ascending-group variant.
	StrategyGroupedAscending
)

func (s Strategy) String() string {
	switch s {
	case StrategyUsageDescending:
		return "usage-descending"
	case StrategyUsageAscending:
		return "usage-ascending"
	case StrategyGroupedDescending:
		return "grouped-descending"
	case StrategyGroupedAscending:
		return "grouped-ascending"
	default:
		return "unknown"
	}
}

// StrategiesFor returns the strategy set for a portal type. Mobility runs
// only the ungrouped strategies.
func StrategiesFor(portal rateplan.PortalType) []Strategy {
	if portal == rateplan.PortalMobility {
		return []Strategy{StrategyUsageDescending, StrategyUsageAscending}
	}
	return []Strategy{
		StrategyUsageDescending,
		StrategyUsageAscending,
		StrategyGroupedDescending,
		StrategyGroupedAscending,
	}
}

// deviceOrder returns device indexes in the strategy's placement order. The
// ordering is total: every comparison falls through to device id so two runs
// over identical input walk devices identically.
func deviceOrder(devices []rateplan.Device, s Strategy) []int {
	idx := make([]int, len(devices))
	for i := range idx {
		idx[i] = i
	}

	switch s {
	case StrategyUsageDescending, StrategyUsageAscending:
		asc := s == StrategyUsageAscending
		sort.SliceStable(idx, func(a, b int) bool {
			da, db := devices[idx[a]], devices[idx[b]]
			if !da.Usage.Equal(db.Usage) {
				if asc {
					return da.Usage.LessThan(db.Usage)
				}
				return da.Usage.GreaterThan(db.Usage)
			}
			return da.ID < db.ID
		})
		return idx

	case StrategyGroupedDescending, StrategyGroupedAscending:
		asc := s == StrategyGroupedAscending

		aggregate := make(map[int64]decimal.Decimal)
		for _, d := range devices {
			aggregate[d.CommPlanID] = aggregate[d.CommPlanID].Add(d.Usage)
		}
		sort.SliceStable(idx, func(a, b int) bool {
			da, db := devices[idx[a]], devices[idx[b]]
			if da.CommPlanID != db.CommPlanID {
				ga, gb := aggregate[da.CommPlanID], aggregate[db.CommPlanID]
				if !ga.Equal(gb) {
					if asc {
						return ga.LessThan(gb)
					}
					return ga.GreaterThan(gb)
				}
				return da.CommPlanID < db.CommPlanID
			}
			if !da.Usage.Equal(db.Usage) {
				if asc {
					return da.Usage.LessThan(db.Usage)
				}
				return da.Usage.GreaterThan(db.Usage)
			}
			return da.ID < db.ID
		})
		return idx
	}
	return idx
}
