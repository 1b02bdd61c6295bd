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

package assigner_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
	"github.com/jordigilh/rateopt/pkg/assigner"
	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/rateplan"
	"github.com/jordigilh/rateopt/pkg/testutil"
)

var _ = Describe("Batch", func() {
	var (
		ctx     context.Context
		factory *testutil.DataFactory
	)

	BeforeEach(func() {
		ctx = context.Background()
		factory = testutil.NewDataFactory()
	})

	defaultConfig := func() assigner.Config {
		return assigner.Config{
			SessionID:         testutil.DefaultSessionID,
			ChargeType:        cost.ChargeBaseAndOverage,
			Portal:            rateplan.PortalM2M,
			BillingPeriodDays: testutil.DefaultBillingPeriodDays,
		}
	}

	// resultJSON canonicalizes a result for byte-level comparison.
	resultJSON := func(r *assigner.Result) string {
		raw, err := json.Marshal(r)
		Expect(err).ToNot(HaveOccurred())
		return string(raw)
	}

	Describe("Run", func() {
		It("should place a device on the cheaper pool regardless of sequence position", func() {
			work := assigner.QueueWork{
				QueueID: 1,
				Pools: factory.Pools(
					factory.Plan(1, rateplan.PlanTypeData, "1000", "30", "5", "100", false),
					factory.Plan(2, rateplan.PlanTypeData, "1000", "10", "5", "100", false),
				),
				Devices: []rateplan.Device{factory.Device(1, "500")},
			}
			batch, err := assigner.New(defaultConfig(), []assigner.QueueWork{work}, logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			batch.Run(ctx, time.Time{})
			Expect(batch.Completed()).To(BeTrue())

			result := batch.Results()[1]
			Expect(result).ToNot(BeNil())
			Expect(result.Assignments).To(HaveLen(1))
			Expect(result.Assignments[0].RatePlanID).To(Equal(int64(2)))
			Expect(result.TotalCost.Equal(testutil.Dec("10"))).To(BeTrue(),
				"total should be $10, got %s", result.TotalCost)
		})

		It("should pool devices once the shared base is already paid", func() {
			// The shared pool's $8 base beats the $10 unshared plan for the
			// first device; the second device then pools at zero marginal
			// cost because the base is charged once per pool.
			work := assigner.QueueWork{
				QueueID: 1,
				Pools: factory.Pools(
					factory.Plan(1, rateplan.PlanTypeData, "1000", "10", "5", "100", false),
					factory.Plan(2, rateplan.PlanTypeData, "1000", "8", "5", "100", true),
				),
				Devices: []rateplan.Device{
					factory.Device(1, "400"),
					factory.Device(2, "400"),
				},
			}
			batch, err := assigner.New(defaultConfig(), []assigner.QueueWork{work}, logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			batch.Run(ctx, time.Time{})
			Expect(batch.Completed()).To(BeTrue())

			result := batch.Results()[1]
			Expect(result).ToNot(BeNil())
			Expect(result.TotalCost.Equal(testutil.Dec("8"))).To(BeTrue(),
				"pooling both devices should cost one base, got %s", result.TotalCost)
			for _, a := range result.Assignments {
				Expect(a.RatePlanID).To(Equal(int64(2)))
			}
		})

		It("should fall back to the baseline when no improvement is found", func() {
			baseline := &assigner.Result{
				TotalCost: testutil.Dec("5"),
				Objective: testutil.Dec("5"),
				Assignments: []cost.DeviceCost{{
					DeviceID:   1,
					RatePlanID: 77,
					TotalCost:  testutil.Dec("5"),
				}},
			}
			work := assigner.QueueWork{
				QueueID:  1,
				Pools:    factory.Pools(factory.DataPlan(1)),
				Devices:  []rateplan.Device{factory.Device(1, "500")},
				Baseline: baseline,
			}
			batch, err := assigner.New(defaultConfig(), []assigner.QueueWork{work}, logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			batch.Run(ctx, time.Time{})
			result := batch.Results()[1]
			Expect(result).ToNot(BeNil())
			Expect(result.FromBaseline).To(BeTrue())
			Expect(result.TotalCost.Equal(testutil.Dec("5"))).To(BeTrue())
			Expect(result.Assignments[0].RatePlanID).To(Equal(int64(77)))
		})

		It("should keep the optimized result when SkipLowerCostCheck is set", func() {
			cfg := defaultConfig()
			cfg.SkipLowerCostCheck = true
			work := assigner.QueueWork{
				QueueID: 1,
				Pools:   factory.Pools(factory.DataPlan(1)),
				Devices: []rateplan.Device{factory.Device(1, "500")},
				Baseline: &assigner.Result{
					TotalCost: testutil.Dec("5"),
					Objective: testutil.Dec("5"),
				},
			}
			batch, err := assigner.New(cfg, []assigner.QueueWork{work}, logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			batch.Run(ctx, time.Time{})
			result := batch.Results()[1]
			Expect(result.FromBaseline).To(BeFalse())
			Expect(result.TotalCost.Equal(testutil.Dec("10"))).To(BeTrue())
		})

		It("should produce byte-identical results across independent runs", func() {
			devices := make([]rateplan.Device, 0, 40)
			for i := 1; i <= 40; i++ {
				devices = append(devices, factory.Device(int64(i), fmt.Sprintf("%d", i*37%1300)))
			}
			pools := factory.Pools(
				factory.Plan(1, rateplan.PlanTypeData, "1000", "12", "5", "100", false),
				factory.Plan(2, rateplan.PlanTypeData, "500", "6", "4", "50", false),
				factory.Plan(3, rateplan.PlanTypeData, "2000", "20", "6", "250", true),
			)

			run := func() *assigner.Result {
				work := assigner.QueueWork{QueueID: 1, Pools: pools, Devices: devices}
				batch, err := assigner.New(defaultConfig(), []assigner.QueueWork{work}, logr.Discard())
				Expect(err).ToNot(HaveOccurred())
				batch.Run(ctx, time.Time{})
				Expect(batch.Completed()).To(BeTrue())
				return batch.Results()[1]
			}

			Expect(resultJSON(run())).To(Equal(resultJSON(run())))
		})

		It("should fail the queue when every strategy fails", func() {
			// Billing days beyond the period poisons every placement.
			bad := factory.ProratedDevice(1, "100", 31)
			work := assigner.QueueWork{
				QueueID: 1,
				Pools:   factory.Pools(factory.DataPlan(1)),
				Devices: []rateplan.Device{bad},
			}
			batch, err := assigner.New(defaultConfig(), []assigner.QueueWork{work}, logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			batch.Run(ctx, time.Time{})
			Expect(batch.Completed()).To(BeTrue())
			Expect(batch.Results()).To(BeEmpty())

			unitErr := batch.Errors()[1]
			Expect(unitErr).To(HaveOccurred())
			Expect(errors.Is(unitErr, opterrors.ErrAlgorithmFailed)).To(BeTrue(), "got %v", unitErr)
		})

		It("should honor cancellation at the next suspension point", func() {
			work := assigner.QueueWork{
				QueueID: 1,
				Pools:   factory.Pools(factory.DataPlan(1)),
				Devices: []rateplan.Device{factory.Device(1, "100")},
			}
			batch, err := assigner.New(defaultConfig(), []assigner.QueueWork{work}, logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			batch.Cancel()
			batch.Run(ctx, time.Time{})
			Expect(batch.Completed()).To(BeFalse())
			Expect(batch.UnfinishedQueueIDs()).To(Equal([]int64{1}))
		})
	})

	Describe("StrategiesFor", func() {
		It("should restrict mobility to the ungrouped strategies", func() {
			Expect(assigner.StrategiesFor(rateplan.PortalMobility)).To(Equal([]assigner.Strategy{
				assigner.StrategyUsageDescending, assigner.StrategyUsageAscending,
			}))
			Expect(assigner.StrategiesFor(rateplan.PortalM2M)).To(HaveLen(4))
		})
	})

	Describe("Snapshot and Restore", func() {
		makeWork := func() []assigner.QueueWork {
			devices := make([]rateplan.Device, 0, 30)
			for i := 1; i <= 30; i++ {
				devices = append(devices, factory.Device(int64(i), fmt.Sprintf("%d", i*53%1500)))
			}
			pools := factory.Pools(
				factory.Plan(1, rateplan.PlanTypeData, "1000", "12", "5", "100", false),
				factory.Plan(2, rateplan.PlanTypeData, "500", "6", "4", "50", true),
			)
			return []assigner.QueueWork{
				{QueueID: 1, Pools: pools, Devices: devices},
				{QueueID: 2, Pools: pools, Devices: devices},
			}
		}

		It("should resume an interrupted run to an identical final result", func() {
			// Uninterrupted reference run.
			reference, err := assigner.New(defaultConfig(), makeWork(), logr.Discard())
			Expect(err).ToNot(HaveOccurred())
			reference.Run(ctx, time.Time{})
			Expect(reference.Completed()).To(BeTrue())

			// Interrupted run: a synthetic clock advances one second per
			// deadline check, so the run suspends mid-strategy.
			interrupted, err := assigner.New(defaultConfig(), makeWork(), logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
			tick := 0
			interrupted.SetClock(func() time.Time {
				tick++
				return start.Add(time.Duration(tick) * time.Second)
			})
			interrupted.Run(ctx, start.Add(10*time.Second))
			Expect(interrupted.Completed()).To(BeFalse())

			remaining := interrupted.UnfinishedQueueIDs()
			Expect(remaining).ToNot(BeEmpty())

			payload, err := interrupted.Snapshot()
			Expect(err).ToNot(HaveOccurred())

			// Chain restored runs until completion, like the runtime does.
			finished := interrupted.Results()
			for attempt := 0; attempt < 50; attempt++ {
				resumed, err := assigner.Restore(payload, logr.Discard())
				Expect(err).ToNot(HaveOccurred())
				resumed.Run(ctx, time.Time{})
				for id, r := range resumed.Results() {
					finished[id] = r
				}
				if resumed.Completed() {
					break
				}
				payload, err = resumed.Snapshot()
				Expect(err).ToNot(HaveOccurred())
			}

			for id, want := range reference.Results() {
				got := finished[id]
				Expect(got).ToNot(BeNil(), "queue %d missing after resume", id)
				Expect(resultJSON(got)).To(Equal(resultJSON(want)),
					"queue %d diverged between single-pass and chained runs", id)
			}
		})

		It("should reject an unknown schema version", func() {
			_, err := assigner.Restore([]byte(`{"schema_version": 99}`), logr.Discard())
			Expect(errors.Is(err, opterrors.ErrCheckpointInvalid)).To(BeTrue(), "got %v", err)
		})

		It("should reject garbage payloads", func() {
			_, err := assigner.Restore([]byte("not json"), logr.Discard())
			Expect(errors.Is(err, opterrors.ErrCheckpointInvalid)).To(BeTrue(), "got %v", err)
		})

		It("should exclude completed queues from the snapshot", func() {
			work := makeWork()
			batch, err := assigner.New(defaultConfig(), work, logr.Discard())
			Expect(err).ToNot(HaveOccurred())

			// Give the run enough synthetic time to finish queue 1 but not
			// queue 2.
			start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
			tick := 0
			batch.SetClock(func() time.Time {
				tick++
				return start.Add(time.Duration(tick) * time.Millisecond)
			})
			batch.Run(ctx, start.Add(150*time.Millisecond))

			if batch.Completed() {
				Skip("run completed within the synthetic budget")
			}

			payload, err := batch.Snapshot()
			Expect(err).ToNot(HaveOccurred())

			restored, err := assigner.Restore(payload, logr.Discard())
			Expect(err).ToNot(HaveOccurred())
			Expect(restored.QueueIDs()).To(Equal(batch.UnfinishedQueueIDs()))
		})
	})
})
