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

package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/rateopt/pkg/coordinator"
	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/metrics"
	"github.com/jordigilh/rateopt/pkg/queue"
	"github.com/jordigilh/rateopt/pkg/testutil"
)

const completeQueueName = "session-complete"

// fakeSessionStore serves queue snapshots per poll and tracks session CAS.
type fakeSessionStore struct {
	mu        sync.Mutex
	polls     [][]queue.Queue // successive SessionQueues answers; last repeats
	pollCount int
	winners   []queue.Queue
	status    string
}

func (s *fakeSessionStore) SessionQueues(context.Context, int64) ([]queue.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.pollCount
	if i >= len(s.polls) {
		i = len(s.polls) - 1
	}
	s.pollCount++
	return s.polls[i], nil
}

func (s *fakeSessionStore) AbandonStuck(context.Context, int64, time.Duration) (int64, error) {
	return 0, nil
}

func (s *fakeSessionStore) WinningQueues(context.Context, int64) ([]queue.Queue, error) {
	return s.winners, nil
}

func (s *fakeSessionStore) CompleteSession(context.Context, int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != queue.SessionActive {
		return false, nil
	}
	s.status = queue.SessionCompleted
	return true, nil
}

func (s *fakeSessionStore) StallSession(context.Context, int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = queue.SessionStalled
	return true, nil
}

func q(id, commGroupID int64, status queue.Status, totalCost string) queue.Queue {
	out := queue.Queue{ID: id, CommGroupID: commGroupID, Status: status}
	if totalCost != "" {
		out.TotalCost.Valid = true
		out.TotalCost.Decimal = testutil.Dec(totalCost)
	}
	return out
}

var _ = Describe("Coordinator", func() {
	var (
		ctx   context.Context
		bus   *messaging.MemoryAdapter
		store *fakeSessionStore
	)

	fastConfig := func() coordinator.Config {
		cfg := coordinator.DefaultConfig(completeQueueName)
		cfg.PollSchedule = []time.Duration{time.Millisecond}
		return cfg
	}

	newCoordinator := func(cfg coordinator.Config) *coordinator.Coordinator {
		return coordinator.New(cfg, store, bus, nil, metrics.NewNop(), logr.Discard())
	}

	BeforeEach(func() {
		ctx = context.Background()
		bus = messaging.NewMemoryAdapter()
		store = &fakeSessionStore{status: queue.SessionActive}
	})

	It("should emit exactly one session_complete event once all queues are terminal", func() {
		running := []queue.Queue{
			q(1, 10, queue.StatusRunning, ""),
			q(2, 10, queue.StatusCompletedSuccess, "20.0000"),
		}
		done := []queue.Queue{
			q(1, 10, queue.StatusCompletedSuccess, "15.0000"),
			q(2, 10, queue.StatusCompletedSuccess, "20.0000"),
		}
		store.polls = [][]queue.Queue{running, running, done}
		store.winners = []queue.Queue{q(1, 10, queue.StatusCompletedSuccess, "15.0000")}

		Expect(newCoordinator(fastConfig()).Run(ctx, testutil.DefaultSessionID)).To(Succeed())

		deliveries, err := bus.Receive(ctx, completeQueueName, 10, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(deliveries).To(HaveLen(1))

		var body struct {
			SessionID int64 `json:"session_id"`
			Winners   []struct {
				CommGroupID int64  `json:"comm_group_id"`
				QueueID     int64  `json:"queue_id"`
				TotalCost   string `json:"total_cost"`
			} `json:"winners"`
		}
		Expect(json.Unmarshal(deliveries[0].Body, &body)).To(Succeed())
		Expect(body.SessionID).To(Equal(testutil.DefaultSessionID))
		Expect(body.Winners).To(HaveLen(1))
		Expect(body.Winners[0].QueueID).To(Equal(int64(1)))

		// A second coordinator observing the same convergence loses the CAS
		// and stays silent.
		store.pollCount = len(store.polls) - 1
		Expect(newCoordinator(fastConfig()).Run(ctx, testutil.DefaultSessionID)).To(Succeed())
		again, err := bus.Receive(ctx, completeQueueName, 10, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(BeEmpty())
	})

	It("should count errored and abandoned queues toward convergence", func() {
		store.polls = [][]queue.Queue{{
			q(1, 10, queue.StatusCompletedError, ""),
			q(2, 10, queue.StatusAbandoned, ""),
			q(3, 10, queue.StatusCompletedSuccess, "9.0000"),
		}}
		store.winners = []queue.Queue{q(3, 10, queue.StatusCompletedSuccess, "9.0000")}

		Expect(newCoordinator(fastConfig()).Run(ctx, testutil.DefaultSessionID)).To(Succeed())

		deliveries, err := bus.Receive(ctx, completeQueueName, 10, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(deliveries).To(HaveLen(1))
	})

	It("should declare the session stalled when the polling budget runs out", func() {
		store.polls = [][]queue.Queue{{q(1, 10, queue.StatusRunning, "")}}

		cfg := fastConfig()
		cfg.MaxAttempts = 3
		err := newCoordinator(cfg).Run(ctx, testutil.DefaultSessionID)
		Expect(errors.Is(err, coordinator.ErrSessionStalled)).To(BeTrue(), "got %v", err)
		Expect(store.status).To(Equal(queue.SessionStalled))

		deliveries, recvErr := bus.Receive(ctx, completeQueueName, 10, time.Minute)
		Expect(recvErr).ToNot(HaveOccurred())
		Expect(deliveries).To(BeEmpty())
	})

	It("should error on sessions without queues", func() {
		store.polls = [][]queue.Queue{{}}
		err := newCoordinator(fastConfig()).Run(ctx, testutil.DefaultSessionID)
		Expect(err).To(HaveOccurred())
		Expect(errors.Is(err, coordinator.ErrSessionStalled)).To(BeFalse())
	})
})
