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

	"github.com/shopspring/decimal"
)

// RatePool is a rate plan prepared for assignment. Proration is applied per
// device at cost time, so the pool carries the unprorated plan economics; a
// shared pool additionally aggregates every assigned device's usage before
// overage is computed once.
type RatePool struct {
	PlanID      int64           `json:"plan_id"`
	PlanName    string          `json:"plan_name"`
	PlanType    PlanType        `json:"plan_type"`
	Allowance   decimal.Decimal `json:"allowance"`
	BaseCost    decimal.Decimal `json:"base_cost"`
	OverageRate decimal.Decimal `json:"overage_rate"`
	BlockSize   decimal.Decimal `json:"block_size"`
	Shared      bool            `json:"shared"`
}

// NewRatePool derives the pool view of a rate plan. The plan must be
// eligible.
func NewRatePool(p RatePlan) (RatePool, error) {
	if err := p.Validate(); err != nil {
		return RatePool{}, err
	}
	return RatePool{
		PlanID:      p.ID,
		PlanName:    p.Name,
		PlanType:    p.Type,
		Allowance:   p.IncludedAllowance,
		BaseCost:    p.BaseRate,
		OverageRate: p.OverageRate,
		BlockSize:   p.OverageBlockSize,
		Shared:      p.SharedPool,
	}, nil
}

// RatePoolCollection is an ordered list of candidate pools. The order is the
// sequence the assigner walks; two collections with the same pools in a
// different order are different inputs.
type RatePoolCollection []RatePool

// NewRatePoolCollection builds a collection preserving the given plan order.
func NewRatePoolCollection(plans []RatePlan) (RatePoolCollection, error) {
	pools := make(RatePoolCollection, 0, len(plans))
	for _, p := range plans {
		pool, err := NewRatePool(p)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// Reorder returns a new collection with pools arranged to match planIDs.
// Every id must be present in the collection.
func (c RatePoolCollection) Reorder(planIDs []int64) (RatePoolCollection, error) {
	byID := make(map[int64]RatePool, len(c))
	for _, p := range c {
		byID[p.PlanID] = p
	}
	out := make(RatePoolCollection, 0, len(planIDs))
	for _, id := range planIDs {
		p, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("rate plan %d not in pool collection", id)
		}
		out = append(out, p)
	}
	return out, nil
}

// PlanIDs returns the collection's plan ids in order.
func (c RatePoolCollection) PlanIDs() []int64 {
	ids := make([]int64, len(c))
	for i, p := range c {
		ids[i] = p.PlanID
	}
	return ids
}

// IndexOf returns the position of planID, or -1.
func (c RatePoolCollection) IndexOf(planID int64) int {
	for i, p := range c {
		if p.PlanID == planID {
			return i
		}
	}
	return -1
}
