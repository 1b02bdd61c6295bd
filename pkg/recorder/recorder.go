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

// Package recorder persists winning assignments with at-most-once semantics.
// The guarantee rests entirely on the queue status compare-and-set: whoever
// wins Running -> CompletedSuccess writes the result rows in the same
// transaction; everyone else skips.
package recorder

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/jordigilh/rateopt/pkg/assigner"
	"github.com/jordigilh/rateopt/pkg/queue"
)

// Recorder writes per-device results for completed queues.
type Recorder struct {
	queues *queue.Repository
	log    logr.Logger
}

// New builds a recorder over the queue repository.
func New(queues *queue.Repository, log logr.Logger) *Recorder {
	return &Recorder{queues: queues, log: log.WithName("recorder")}
}

// Record persists each queue's result. Queues whose status CAS fails were
// already finished by another worker and are skipped silently (duplicate
// delivery). Returns the queue ids this call actually recorded.
func (r *Recorder) Record(ctx context.Context, results map[int64]*assigner.Result) ([]int64, error) {
	var recorded []int64
	for queueID, result := range results {
		rows := make([]queue.DeviceResult, len(result.Assignments))
		for i, a := range result.Assignments {
			rows[i] = queue.DeviceResult{
				QueueID:            queueID,
				DeviceID:           a.DeviceID,
				AssignedRatePlanID: a.RatePlanID,
				BaseCost:           a.BaseCost.Round(4),
				OverageCost:        a.OverageCost.Round(4),
				TotalCost:          a.TotalCost.Round(4),
			}
		}

		won, err := r.queues.CompleteSuccess(ctx, queueID, result.TotalCost.Round(4), rows)
		if err != nil {
			return recorded, err
		}
		if !won {
			r.log.Info("queue already recorded by another worker, skipping",
				"queueID", queueID)
			continue
		}
		recorded = append(recorded, queueID)
		r.log.Info("queue result recorded",
			"queueID", queueID,
			"strategy", result.Strategy.String(),
			"totalCost", result.TotalCost.StringFixed(4),
			"fromBaseline", result.FromBaseline)
	}
	return recorded, nil
}
