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

package rateplan_test

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
	"github.com/jordigilh/rateopt/pkg/rateplan"
	"github.com/jordigilh/rateopt/pkg/testutil"
)

var _ = Describe("CommunicationGroup", func() {
	var factory *testutil.DataFactory

	BeforeEach(func() {
		factory = testutil.NewDataFactory()
	})

	device := func(id, commPlanID int64) rateplan.Device {
		d := factory.Device(id, "100")
		d.CommPlanID = commPlanID
		return d
	}

	Describe("BuildCommunicationGroups", func() {
		It("should merge comm plans with identical candidate sets", func() {
			plans := []rateplan.CommunicationPlan{
				{ID: 1, RatePlanIDs: []int64{10, 20}},
				{ID: 2, RatePlanIDs: []int64{20, 10}}, // same set, different order
				{ID: 3, RatePlanIDs: []int64{30}},
			}
			devices := []rateplan.Device{device(1, 1), device(2, 2), device(3, 3)}

			groups, err := rateplan.BuildCommunicationGroups(plans, devices)
			Expect(err).ToNot(HaveOccurred())
			Expect(groups).To(HaveLen(2))

			Expect(groups[0].Key()).To(Equal("10,20"))
			Expect(groups[0].Devices).To(HaveLen(2))
			Expect(groups[1].Key()).To(Equal("30"))
			Expect(groups[1].Devices).To(HaveLen(1))
		})

		It("should skip devices with unknown comm plans", func() {
			plans := []rateplan.CommunicationPlan{{ID: 1, RatePlanIDs: []int64{10}}}
			devices := []rateplan.Device{device(1, 1), device(2, 999)}

			groups, err := rateplan.BuildCommunicationGroups(plans, devices)
			Expect(err).ToNot(HaveOccurred())
			Expect(groups).To(HaveLen(1))
			Expect(groups[0].Devices).To(HaveLen(1))
		})

		It("should fail fast on groups above the rate-plan limit", func() {
			ids := make([]int64, rateplan.MaxRatePlansPerGroup+1)
			for i := range ids {
				ids[i] = int64(i + 1)
			}
			plans := []rateplan.CommunicationPlan{{ID: 1, RatePlanIDs: ids}}
			devices := []rateplan.Device{device(1, 1)}

			_, err := rateplan.BuildCommunicationGroups(plans, devices)
			Expect(errors.Is(err, opterrors.ErrTooManyPlans)).To(BeTrue(), "got %v", err)
		})
	})

	Describe("RatePlan eligibility", func() {
		It("should reject a zero overage rate", func() {
			err := factory.IneligiblePlan(1).Validate()
			Expect(errors.Is(err, opterrors.ErrIneligiblePlan)).To(BeTrue(), "got %v", err)
		})

		It("should reject a zero overage block size", func() {
			p := factory.DataPlan(1)
			p.OverageBlockSize = testutil.Dec("0")
			Expect(errors.Is(p.Validate(), opterrors.ErrIneligiblePlan)).To(BeTrue())
		})

		It("should accept a well-formed plan", func() {
			Expect(factory.DataPlan(1).Validate()).To(Succeed())
		})
	})

	Describe("RatePoolCollection", func() {
		It("should preserve order and reorder by plan ids", func() {
			pools := factory.Pools(factory.DataPlan(1), factory.DataPlan(2), factory.DataPlan(3))
			Expect(pools.PlanIDs()).To(Equal([]int64{1, 2, 3}))

			reordered, err := pools.Reorder([]int64{3, 1, 2})
			Expect(err).ToNot(HaveOccurred())
			Expect(reordered.PlanIDs()).To(Equal([]int64{3, 1, 2}))
		})

		It("should reject reorder with unknown plan ids", func() {
			pools := factory.Pools(factory.DataPlan(1))
			_, err := pools.Reorder([]int64{1, 99})
			Expect(err).To(HaveOccurred())
		})

		It("should refuse to pool an ineligible plan", func() {
			_, err := rateplan.NewRatePool(factory.IneligiblePlan(1))
			Expect(errors.Is(err, opterrors.ErrIneligiblePlan)).To(BeTrue())
		})
	})
})
