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
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
	"github.com/jordigilh/rateopt/pkg/messaging"
	"github.com/jordigilh/rateopt/pkg/rateplan"
	"github.com/jordigilh/rateopt/pkg/testutil"
	"github.com/jordigilh/rateopt/pkg/worker"
)

// fakeSequenceStore is an in-memory view of the sequence-binding tables.
type fakeSequenceStore struct {
	mu        sync.Mutex
	free      map[int64][]int64 // commGroupID -> unsequenced queue ids
	sequences map[int64][]int64 // queueID -> bound plan ids
	inserts   int
	failed    map[int64]string
}

func newFakeSequenceStore(commGroupID int64, queueIDs ...int64) *fakeSequenceStore {
	return &fakeSequenceStore{
		free:      map[int64][]int64{commGroupID: queueIDs},
		sequences: make(map[int64][]int64),
		failed:    make(map[int64]string),
	}
}

func (s *fakeSequenceStore) GroupQueuesWithoutSequence(_ context.Context, commGroupID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, id := range s.free[commGroupID] {
		if len(s.sequences[id]) == 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeSequenceStore) SequencePlanIDs(_ context.Context, queueID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequences[queueID], nil
}

func (s *fakeSequenceStore) InsertSequence(_ context.Context, queueID int64, planIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	s.sequences[queueID] = append([]int64(nil), planIDs...)
	return nil
}

func (s *fakeSequenceStore) CompleteError(_ context.Context, id int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = reason
	return true, nil
}

// fakeGroupLoader returns a prebuilt group or a fixed error.
type fakeGroupLoader struct {
	group *worker.GroupData
	err   error
	calls int
}

func (l *fakeGroupLoader) LoadGroup(context.Context, int64) (*worker.GroupData, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.group, nil
}

var _ = Describe("SequenceDispatcher", func() {
	const commGroupID = int64(9)

	var (
		ctx      context.Context
		factory  *testutil.DataFactory
		genBus   *messaging.MemoryAdapter
		genStore *fakeSequenceStore
		group    *fakeGroupLoader
	)

	BeforeEach(func() {
		ctx = context.Background()
		factory = testutil.NewDataFactory()
		genBus = messaging.NewMemoryAdapter()
		genStore = newFakeSequenceStore(commGroupID, 11, 12, 13, 14, 15, 16)

		group = &fakeGroupLoader{group: &worker.GroupData{
			CommGroupID:       commGroupID,
			SessionID:         testutil.DefaultSessionID,
			Portal:            rateplan.PortalM2M,
			BillingPeriodDays: testutil.DefaultBillingPeriodDays,
			Pools: factory.Pools(
				factory.Plan(1, rateplan.PlanTypeData, "1000", "10", "5", "100", false),
				factory.Plan(2, rateplan.PlanTypeData, "2000", "18", "5", "100", false),
				factory.Plan(3, rateplan.PlanTypeData, "500", "6", "4", "50", false),
			),
			Devices: []rateplan.Device{
				factory.Device(1, "400"),
				factory.Device(2, "1600"),
			},
		}}
	})

	newDispatcher := func(batchSize int) *worker.SequenceDispatcher {
		return worker.NewSequenceDispatcher(
			worker.DispatcherConfig{
				WorkQueue:    workQueueName,
				BatchSize:    batchSize,
				MaxSequences: 10,
				RandomSeed:   1,
			},
			genStore, group, genBus, nil, logr.Discard(),
		)
	}

	generationDelivery := func(sequencesJSON string) messaging.Delivery {
		Expect(genBus.Send(ctx, "generation", messaging.Message{
			Body: []byte("{}"),
			Attributes: map[string]string{
				messaging.AttrRatePlanSequences: sequencesJSON,
				messaging.AttrCommGroupID:       fmt.Sprintf("%d", commGroupID),
				messaging.AttrChargeType:        "0",
			},
		})).To(Succeed())
		deliveries, err := genBus.Receive(ctx, "generation", 1, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(deliveries).To(HaveLen(1))
		return deliveries[0]
	}

	It("should generate, bind and dispatch work for a distributed placeholder", func() {
		d := generationDelivery(`[{"plan_ids":null,"cost_hint":"0","distributed":true}]`)
		Expect(newDispatcher(2).Handle(ctx, d)).To(Succeed())

		Expect(group.calls).To(Equal(1))
		// Three pools enumerate fully: six ranked sequences bound to the
		// six free queues.
		Expect(genStore.inserts).To(Equal(6))
		for _, id := range []int64{11, 12, 13, 14, 15, 16} {
			Expect(genStore.sequences[id]).To(HaveLen(3), "queue %d missing its ordering", id)
		}

		// Batches of two: three work messages carrying the contract.
		deliveries, err := genBus.Receive(ctx, workQueueName, 10, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(deliveries).To(HaveLen(3))
		Expect(deliveries[0].Attr(messaging.AttrQueueIDs)).To(Equal("11,12"))
		Expect(deliveries[0].Attr(messaging.AttrSessionID)).To(Equal("42"))
		Expect(deliveries[0].Attr(messaging.AttrRatePlanSequences)).To(BeEmpty())
		Expect(deliveries[0].Attr(messaging.AttrCommGroupID)).To(BeEmpty())
	})

	It("should persist pre-enumerated sequences without regenerating", func() {
		d := generationDelivery(`[
			{"queue_id":11,"plan_ids":[3,1,2],"cost_hint":"12"},
			{"queue_id":12,"plan_ids":[1,3,2],"cost_hint":"20"}
		]`)
		Expect(newDispatcher(10).Handle(ctx, d)).To(Succeed())

		Expect(group.calls).To(Equal(1), "group is loaded once for session scope")
		Expect(genStore.sequences[11]).To(Equal([]int64{3, 1, 2}))
		Expect(genStore.sequences[12]).To(Equal([]int64{1, 3, 2}))
		Expect(genStore.inserts).To(Equal(2))

		deliveries, err := genBus.Receive(ctx, workQueueName, 10, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(deliveries).To(HaveLen(1))
		Expect(deliveries[0].Attr(messaging.AttrQueueIDs)).To(Equal("11,12"))
	})

	It("should not rewrite an already-bound queue on redelivery", func() {
		genStore.sequences[11] = []int64{3, 1, 2}

		d := generationDelivery(`[{"queue_id":11,"plan_ids":[2,1,3],"cost_hint":"12"}]`)
		Expect(newDispatcher(10).Handle(ctx, d)).To(Succeed())

		Expect(genStore.inserts).To(BeZero())
		Expect(genStore.sequences[11]).To(Equal([]int64{3, 1, 2}),
			"redelivery must not overwrite the original binding")

		// Work is still dispatched so the queue cannot be orphaned.
		deliveries, err := genBus.Receive(ctx, workQueueName, 10, time.Minute)
		Expect(err).ToNot(HaveOccurred())
		Expect(deliveries).To(HaveLen(1))
	})

	It("should drop messages without a comm group", func() {
		Expect(genBus.Send(ctx, "generation", messaging.Message{
			Body:       []byte("{}"),
			Attributes: map[string]string{messaging.AttrRatePlanSequences: `[]`},
		})).To(Succeed())
		deliveries, err := genBus.Receive(ctx, "generation", 1, time.Minute)
		Expect(err).ToNot(HaveOccurred())

		Expect(newDispatcher(10).Handle(ctx, deliveries[0])).To(Succeed())
		Expect(group.calls).To(BeZero())
		Expect(genStore.inserts).To(BeZero())
	})

	It("should fail the group's pending queues on a configuration error", func() {
		group.err = fmt.Errorf("comm group 9: %w", opterrors.ErrNoDevices)

		d := generationDelivery(`[{"distributed":true}]`)
		Expect(newDispatcher(10).Handle(ctx, d)).To(Succeed())

		Expect(genStore.failed).To(HaveLen(6))
		Expect(genStore.failed[11]).To(ContainSubstring("no devices"))
		Expect(genBus.Depth(workQueueName)).To(BeZero())
	})
})
