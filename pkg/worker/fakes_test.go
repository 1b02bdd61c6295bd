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

package worker_test

import (
	"context"
	"sync"

	"github.com/jordigilh/rateopt/pkg/assigner"
	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/queue"
	"github.com/jordigilh/rateopt/pkg/worker"
)

// fakeQueueStore is an in-memory queue status table with CAS semantics.
type fakeQueueStore struct {
	mu       sync.Mutex
	statuses map[int64]queue.Status
	reasons  map[int64]string
}

func newFakeQueueStore(ids ...int64) *fakeQueueStore {
	s := &fakeQueueStore{
		statuses: make(map[int64]queue.Status),
		reasons:  make(map[int64]string),
	}
	for _, id := range ids {
		s.statuses[id] = queue.StatusNotStarted
	}
	return s
}

func (s *fakeQueueStore) AnyFinished(_ context.Context, ids []int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.statuses[id].Finished() {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeQueueStore) Claim(_ context.Context, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []int64
	for _, id := range ids {
		if s.statuses[id] == queue.StatusNotStarted {
			s.statuses[id] = queue.StatusRunning
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

func (s *fakeQueueStore) CompleteError(_ context.Context, id int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[id].Finished() {
		return false, nil
	}
	s.statuses[id] = queue.StatusCompletedError
	s.reasons[id] = reason
	return true, nil
}

func (s *fakeQueueStore) status(id int64) queue.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *fakeQueueStore) reason(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reasons[id]
}

// fakeRecorder finishes queues through the same CAS discipline as the real
// recorder and remembers what it wrote.
type fakeRecorder struct {
	store *fakeQueueStore

	mu       sync.Mutex
	recorded map[int64]*assigner.Result
}

func newFakeRecorder(store *fakeQueueStore) *fakeRecorder {
	return &fakeRecorder{store: store, recorded: make(map[int64]*assigner.Result)}
}

func (r *fakeRecorder) Record(_ context.Context, results map[int64]*assigner.Result) ([]int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	var recorded []int64
	for id, result := range results {
		if r.store.statuses[id] != queue.StatusRunning {
			continue
		}
		r.store.statuses[id] = queue.StatusCompletedSuccess
		r.recorded[id] = result
		recorded = append(recorded, id)
	}
	return recorded, nil
}

func (r *fakeRecorder) result(id int64) *assigner.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded[id]
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recorded)
}

// recordingGenerationHandler captures generation deliveries.
type recordingGenerationHandler struct {
	deliveries []messaging.Delivery
	err        error
}

func (h *recordingGenerationHandler) Handle(_ context.Context, d messaging.Delivery) error {
	h.deliveries = append(h.deliveries, d)
	return h.err
}

// fakeLoader hands out a prebuilt LoadedWork or a fixed error.
type fakeLoader struct {
	work  *worker.LoadedWork
	err   error
	calls int
}

func (l *fakeLoader) Load(_ context.Context, queueIDs []int64, _ cost.ChargeType) (*worker.LoadedWork, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	// Narrow the prebuilt work to the claimed queue set.
	out := &worker.LoadedWork{
		SessionID:         l.work.SessionID,
		Portal:            l.work.Portal,
		BillingPeriodDays: l.work.BillingPeriodDays,
	}
	for _, w := range l.work.Works {
		for _, id := range queueIDs {
			if w.QueueID == id {
				out.Works = append(out.Works, w)
			}
		}
	}
	return out, nil
}
