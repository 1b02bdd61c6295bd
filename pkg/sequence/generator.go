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

// Package sequence produces the ranked, de-duplicated, bounded rate-plan
// orderings that seed parallel assignment attempts.
package sequence

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/go-logr/logr"
	"github.com/shopspring/decimal"

	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/rateplan"
)

// Defaults for the generator bounds. Tuned so one assigner pass over a batch
// typically fits a single worker execution window.
const (
	DefaultMaxSequences       = 200
	DefaultFirstInstanceLimit = 5000
	DefaultBatchSize          = 10
	DefaultRandomSeeds        = 16

	// minDiversity is the normalized Shannon-entropy floor applied in
	// type-balanced mode when more than one plan type is present.
	minDiversity = 0.3
)

// Sequence is an ordered candidate rate-plan list bound (later) to a queue.
type Sequence struct {
	QueueID  int64           `json:"queue_id,omitempty"`
	PlanIDs  []int64         `json:"plan_ids"`
	CostHint decimal.Decimal `json:"cost_hint"`

	// Distributed marks the placeholder emitted when the candidate space
	// exceeds FirstInstanceLimit and generation itself must be fanned out.
	Distributed bool `json:"distributed,omitempty"`
}

// key returns the dedup identity: the ordered plan-id list.
func (s Sequence) key() string {
	return rateplanOrderKey(s.PlanIDs)
}

func rateplanOrderKey(ids []int64) string {
	b := make([]byte, 0, len(ids)*8)
	for _, id := range ids {
		b = append(b, fmt.Sprintf("%d,", id)...)
	}
	return string(b)
}

// Generator produces bounded, ranked candidate sequences.
type Generator struct {
	MaxSequences       int
	FirstInstanceLimit int
	RandomSeeds        int

	rng *rand.Rand
	log logr.Logger
}

// NewGenerator builds a generator with the given bounds. The random source
// must be seeded by the caller; a fixed seed makes generation deterministic.
func NewGenerator(maxSequences, firstInstanceLimit, randomSeeds int, rng *rand.Rand, log logr.Logger) *Generator {
	if maxSequences <= 0 {
		maxSequences = DefaultMaxSequences
	}
	if firstInstanceLimit <= 0 {
		firstInstanceLimit = DefaultFirstInstanceLimit
	}
	if randomSeeds < 0 {
		randomSeeds = DefaultRandomSeeds
	}
	return &Generator{
		MaxSequences:       maxSequences,
		FirstInstanceLimit: firstInstanceLimit,
		RandomSeeds:        randomSeeds,
		rng:                rng,
		log:                log.WithName("sequence-generator"),
	}
}

// Input carries everything generation needs for one communication group.
type Input struct {
	Pools    rateplan.RatePoolCollection
	Devices  []rateplan.Device
	Calc     *cost.Calculator
	Baseline decimal.Decimal // current cost of the device population

	// SkipLowerCostCheck disables the no-savings filter.
	SkipLowerCostCheck bool
}

// General produces candidate sequences for M2M and cross-provider groups.
//
// Pipeline: drop ineligible pools, enumerate candidates (full lexicographic
// stream when the space is small, heuristic seeds otherwise), de-duplicate,
// rank by cost hint, truncate to MaxSequences.
func (g *Generator) General(in Input) ([]Sequence, error) {
	pools := eligible(in.Pools)
	if len(pools) == 0 {
		return nil, fmt.Errorf("no eligible pools to sequence")
	}

	if count := permutationCount(len(pools), int64(g.FirstInstanceLimit)); count > int64(g.FirstInstanceLimit) {
		g.log.Info("candidate space exceeds first-instance limit, switching to distributed generation",
			"pools", len(pools), "limit", g.FirstInstanceLimit)
		return []Sequence{{Distributed: true}}, nil
	}

	candidates := g.enumerate(pools)
	return g.finish(candidates, pools, in)
}

// TypeBalanced produces candidate sequences for mobility groups. The same
// pipeline as General, with one extra constraint: when several plan types are
// present no sequence may collapse onto a single type, enforced by a
// normalized Shannon-entropy floor.
func (g *Generator) TypeBalanced(in Input) ([]Sequence, error) {
	pools := eligible(in.Pools)
	if len(pools) == 0 {
		return nil, fmt.Errorf("no eligible pools to sequence")
	}

	if count := permutationCount(len(pools), int64(g.FirstInstanceLimit)); count > int64(g.FirstInstanceLimit) {
		g.log.Info("candidate space exceeds first-instance limit, switching to distributed generation",
			"pools", len(pools), "limit", g.FirstInstanceLimit)
		return []Sequence{{Distributed: true}}, nil
	}

	typeCount := distinctTypes(pools)
	candidates := append(g.interleaved(pools), g.enumerate(pools)...)

	if typeCount > 1 {
		typeByID := make(map[int64]rateplan.PlanType, len(pools))
		for _, p := range pools {
			typeByID[p.PlanID] = p.PlanType
		}
		kept := candidates[:0]
		for _, c := range candidates {
			if diversity(c, typeByID, typeCount) >= minDiversity {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			// The interleaved ordering alternates types at the head and
			// always satisfies the floor; regenerate it rather than return
			// an empty candidate set for a valid group.
			kept = g.interleaved(pools)
		}
		candidates = kept
	}
	return g.finish(candidates, pools, in)
}

// enumerate yields the raw ordered candidate list: the full permutation
// stream when it fits the sequence budget, heuristic seed orderings plus
// bounded random shuffles otherwise.
func (g *Generator) enumerate(pools rateplan.RatePoolCollection) [][]int64 {
	ids := pools.PlanIDs()

	if count := permutationCount(len(pools), int64(g.MaxSequences)); count <= int64(g.MaxSequences) {
		var out [][]int64
		stream := newPermutationStream(ids)
		for p := stream.Next(); p != nil; p = stream.Next() {
			out = append(out, p)
		}
		return out
	}

	out := [][]int64{
		orderedBy(pools, func(a, b rateplan.RatePool) bool {
			if !a.BaseCost.Equal(b.BaseCost) {
				return a.BaseCost.LessThan(b.BaseCost)
			}
			return a.PlanID < b.PlanID
		}),
		orderedBy(pools, func(a, b rateplan.RatePool) bool {
			au, bu := perUnitRate(a), perUnitRate(b)
			if !au.Equal(bu) {
				return au.LessThan(bu)
			}
			return a.PlanID < b.PlanID
		}),
		orderedBy(pools, func(a, b rateplan.RatePool) bool {
			if !a.Allowance.Equal(b.Allowance) {
				return a.Allowance.GreaterThan(b.Allowance)
			}
			return a.PlanID < b.PlanID
		}),
	}

	for i := 0; i < g.RandomSeeds; i++ {
		shuffled := append([]int64(nil), ids...)
		g.rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		out = append(out, shuffled)
	}
	return out
}

// finish de-duplicates, applies the no-savings filter, ranks by cost hint and
// truncates.
func (g *Generator) finish(candidates [][]int64, pools rateplan.RatePoolCollection, in Input) ([]Sequence, error) {
	seen := make(map[string]struct{}, len(candidates))
	sequences := make([]Sequence, 0, len(candidates))

	for _, ids := range candidates {
		key := rateplanOrderKey(ids)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		hint, err := g.costHint(ids, pools, in)
		if err != nil {
			return nil, err
		}
		sequences = append(sequences, Sequence{PlanIDs: ids, CostHint: hint})
	}

	if !in.SkipLowerCostCheck && in.Baseline.IsPositive() {
		saving := sequences[:0]
		for _, s := range sequences {
			if s.CostHint.LessThanOrEqual(in.Baseline) {
				saving = append(saving, s)
			}
		}
		if len(saving) == 0 {
			// No savings anywhere: retain the identity ordering as baseline.
			identity := pools.PlanIDs()
			hint, err := g.costHint(identity, pools, in)
			if err != nil {
				return nil, err
			}
			saving = append(saving, Sequence{PlanIDs: identity, CostHint: hint})
		}
		sequences = saving
	}

	sort.SliceStable(sequences, func(i, j int) bool {
		if !sequences[i].CostHint.Equal(sequences[j].CostHint) {
			return sequences[i].CostHint.LessThan(sequences[j].CostHint)
		}
		return sequences[i].key() < sequences[j].key()
	})

	if len(sequences) > g.MaxSequences {
		sequences = sequences[:g.MaxSequences]
	}
	return sequences, nil
}

// costHint estimates a sequence's cost cheaply: every device priced on the
// first pool of the ordering, unshared.
func (g *Generator) costHint(ids []int64, pools rateplan.RatePoolCollection, in Input) (decimal.Decimal, error) {
	ordered, err := pools.Reorder(ids)
	if err != nil {
		return decimal.Decimal{}, err
	}
	total := decimal.Zero
	for _, d := range in.Devices {
		dc, err := in.Calc.DeviceOnPool(d, ordered[0])
		if err != nil {
			return decimal.Decimal{}, err
		}
		total = total.Add(dc.TotalCost)
	}
	return total, nil
}

// Batch splits sequences into enqueue-ready groups of size.
func Batch(sequences []Sequence, size int) [][]Sequence {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]Sequence
	for start := 0; start < len(sequences); start += size {
		end := start + size
		if end > len(sequences) {
			end = len(sequences)
		}
		out = append(out, sequences[start:end])
	}
	return out
}

// interleaved groups pools by plan type, orders each group cheapest-base
// first, and round-robins across the groups. These orderings keep every plan
// type represented near the head of the sequence, which is where the greedy
// assigner concentrates placements.
func (g *Generator) interleaved(pools rateplan.RatePoolCollection) [][]int64 {
	byType := make(map[rateplan.PlanType]rateplan.RatePoolCollection)
	var typeOrder []rateplan.PlanType
	for _, p := range pools {
		if _, ok := byType[p.PlanType]; !ok {
			typeOrder = append(typeOrder, p.PlanType)
		}
		byType[p.PlanType] = append(byType[p.PlanType], p)
	}
	if len(typeOrder) <= 1 {
		return nil
	}
	sort.Slice(typeOrder, func(i, j int) bool { return typeOrder[i] < typeOrder[j] })

	queues := make([][]int64, len(typeOrder))
	for i, t := range typeOrder {
		queues[i] = orderedBy(byType[t], func(a, b rateplan.RatePool) bool {
			if !a.BaseCost.Equal(b.BaseCost) {
				return a.BaseCost.LessThan(b.BaseCost)
			}
			return a.PlanID < b.PlanID
		})
	}

	merged := make([]int64, 0, len(pools))
	for remaining := len(pools); remaining > 0; {
		for i := range queues {
			if len(queues[i]) == 0 {
				continue
			}
			merged = append(merged, queues[i][0])
			queues[i] = queues[i][1:]
			remaining--
		}
	}
	return [][]int64{merged}
}

func eligible(pools rateplan.RatePoolCollection) rateplan.RatePoolCollection {
	out := make(rateplan.RatePoolCollection, 0, len(pools))
	for _, p := range pools {
		if p.OverageRate.IsPositive() && p.BlockSize.IsPositive() {
			out = append(out, p)
		}
	}
	return out
}

func perUnitRate(p rateplan.RatePool) decimal.Decimal {
	return p.OverageRate.Div(p.BlockSize)
}

func orderedBy(pools rateplan.RatePoolCollection, less func(a, b rateplan.RatePool) bool) []int64 {
	sorted := make(rateplan.RatePoolCollection, len(pools))
	copy(sorted, pools)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	return sorted.PlanIDs()
}

func distinctTypes(pools rateplan.RatePoolCollection) int {
	types := make(map[rateplan.PlanType]struct{})
	for _, p := range pools {
		types[p.PlanType] = struct{}{}
	}
	return len(types)
}

// diversity scores a candidate ordering by the normalized Shannon entropy of
// plan types over its leading window. Every candidate carries the same type
// multiset overall (orderings are full permutations), so the score is taken
// over the head of the sequence, which is where the greedy assigner
// concentrates placements: an ordering that front-loads a single type scores
// 0, a type-alternating head scores 1.
func diversity(ids []int64, typeByID map[int64]rateplan.PlanType, totalTypes int) float64 {
	window := (len(ids) + 1) / 2
	if window < 2 {
		window = 2
	}
	if window > len(ids) {
		window = len(ids)
	}

	counts := make(map[rateplan.PlanType]int)
	for _, id := range ids[:window] {
		counts[typeByID[id]]++
	}
	if len(counts) <= 1 {
		return 0
	}

	n := float64(window)
	entropy := 0.0
	for _, c := range counts {
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}

	reachable := totalTypes
	if window < reachable {
		reachable = window
	}
	return entropy / math.Log2(float64(reachable))
}
