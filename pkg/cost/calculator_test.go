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

package cost_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/jordigilh/rateopt/pkg/cost"
	"github.com/jordigilh/rateopt/pkg/rateplan"
	"github.com/jordigilh/rateopt/pkg/testutil"
)

var _ = Describe("Calculator", func() {
	var (
		factory *testutil.DataFactory
		calc    *cost.Calculator
		pool    rateplan.RatePool
	)

	BeforeEach(func() {
		factory = testutil.NewDataFactory()

		var err error
		calc, err = cost.NewCalculator(testutil.DefaultBillingPeriodDays)
		Expect(err).ToNot(HaveOccurred())

		pool, err = rateplan.NewRatePool(factory.DataPlan(1))
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("NewCalculator", func() {
		It("should reject a non-positive billing period", func() {
			_, err := cost.NewCalculator(0)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("DeviceOnPool", func() {
		It("should charge only the base rate when usage stays within the allowance", func() {
			dc, err := calc.DeviceOnPool(factory.Device(1, "100"), pool)
			Expect(err).ToNot(HaveOccurred())

			Expect(dc.BaseCost.Equal(testutil.Dec("10"))).To(BeTrue(), "base should be $10, got %s", dc.BaseCost)
			Expect(dc.OverageCost.IsZero()).To(BeTrue(), "overage should be $0, got %s", dc.OverageCost)
			Expect(dc.TotalCost.Equal(testutil.Dec("10"))).To(BeTrue(), "total should be $10, got %s", dc.TotalCost)
		})

		It("should bill overage in whole blocks", func() {
			// 1250MB on a 1000MB pool: 250MB over, ceil(250/100)=3 blocks.
			dc, err := calc.DeviceOnPool(factory.Device(1, "1250"), pool)
			Expect(err).ToNot(HaveOccurred())

			Expect(dc.OverageCost.Equal(testutil.Dec("15"))).To(BeTrue(), "overage should be $15, got %s", dc.OverageCost)
			Expect(dc.TotalCost.Equal(testutil.Dec("25"))).To(BeTrue(), "total should be $25, got %s", dc.TotalCost)
		})

		It("should prorate base cost and allowance by billing days", func() {
			plan := factory.Plan(2, rateplan.PlanTypeData, "1000", "20", "5", "100", false)
			prorated, err := rateplan.NewRatePool(plan)
			Expect(err).ToNot(HaveOccurred())

			// 15 of 30 days: half base, half allowance; 400MB fits in 500MB.
			dc, err := calc.DeviceOnPool(factory.ProratedDevice(1, "400", 15), prorated)
			Expect(err).ToNot(HaveOccurred())

			Expect(dc.BaseCost.Equal(testutil.Dec("10"))).To(BeTrue(), "base should be $10, got %s", dc.BaseCost)
			Expect(dc.OverageCost.IsZero()).To(BeTrue())
			Expect(dc.TotalCost.Equal(testutil.Dec("10"))).To(BeTrue())
		})

		It("should reject negative usage", func() {
			d := factory.Device(1, "100")
			d.Usage = testutil.Dec("-1")
			_, err := calc.DeviceOnPool(d, pool)
			Expect(err).To(HaveOccurred())
		})

		It("should reject billing days outside the period", func() {
			d := factory.ProratedDevice(1, "100", 31)
			_, err := calc.DeviceOnPool(d, pool)
			Expect(err).To(HaveOccurred())
		})

		DescribeTable("total equals base plus overage exactly",
			func(usage string) {
				dc, err := calc.DeviceOnPool(factory.Device(1, usage), pool)
				Expect(err).ToNot(HaveOccurred())
				Expect(dc.TotalCost.Equal(dc.BaseCost.Add(dc.OverageCost))).To(BeTrue(),
					"usage %s: total %s != base %s + overage %s",
					usage, dc.TotalCost, dc.BaseCost, dc.OverageCost)
			},
			Entry("no usage", "0"),
			Entry("within allowance", "999.9999"),
			Entry("exactly at allowance", "1000"),
			Entry("fractionally over", "1000.0001"),
			Entry("block boundary", "1100"),
			Entry("large overage", "123456.789"),
		)
	})

	Describe("SharedPool", func() {
		var shared rateplan.RatePool

		BeforeEach(func() {
			var err error
			shared, err = rateplan.NewRatePool(factory.SharedPlan(3))
			Expect(err).ToNot(HaveOccurred())
		})

		It("should charge the base once and compute overage on the aggregate", func() {
			// Two devices at 600MB share a 1000MB pool: 200MB over, 2 blocks.
			devices := []rateplan.Device{
				factory.Device(1, "600"),
				factory.Device(2, "600"),
			}
			poolCost, perDevice, err := calc.SharedPool(devices, shared)
			Expect(err).ToNot(HaveOccurred())

			Expect(poolCost.BaseCost.Equal(testutil.Dec("10"))).To(BeTrue())
			Expect(poolCost.OverageCost.Equal(testutil.Dec("10"))).To(BeTrue())
			Expect(poolCost.TotalCost.Equal(testutil.Dec("20"))).To(BeTrue())

			total := decimal.Zero
			for _, dc := range perDevice {
				total = total.Add(dc.TotalCost)
			}
			Expect(total.Equal(poolCost.TotalCost)).To(BeTrue(),
				"per-device attribution %s must sum to the pool aggregate %s", total, poolCost.TotalCost)
		})

		It("should sum prorated allowances before computing overage", func() {
			// Full device brings 1000MB, half-period device brings 500MB:
			// 1400MB usage fits the 1500MB aggregate allowance.
			devices := []rateplan.Device{
				factory.Device(1, "900"),
				factory.ProratedDevice(2, "500", 15),
			}
			poolCost, _, err := calc.SharedPool(devices, shared)
			Expect(err).ToNot(HaveOccurred())

			Expect(poolCost.OverageCost.IsZero()).To(BeTrue(),
				"aggregate allowance should absorb usage, got overage %s", poolCost.OverageCost)
			Expect(poolCost.TotalCost.Equal(testutil.Dec("10"))).To(BeTrue())
		})

		It("should attribute cost exactly even with uneven usage", func() {
			devices := []rateplan.Device{
				factory.Device(1, "333.3333"),
				factory.Device(2, "666.6667"),
				factory.Device(3, "100.0001"),
			}
			poolCost, perDevice, err := calc.SharedPool(devices, shared)
			Expect(err).ToNot(HaveOccurred())

			total := decimal.Zero
			for _, dc := range perDevice {
				total = total.Add(dc.TotalCost)
			}
			Expect(total.Equal(poolCost.TotalCost)).To(BeTrue())
		})

		It("should return nothing for an empty device set", func() {
			poolCost, perDevice, err := calc.SharedPool(nil, shared)
			Expect(err).ToNot(HaveOccurred())
			Expect(poolCost.TotalCost.IsZero()).To(BeTrue())
			Expect(perDevice).To(BeEmpty())
		})
	})

	Describe("ChargeType", func() {
		It("should select the objective terms", func() {
			base, overage := testutil.Dec("10"), testutil.Dec("15")

			Expect(cost.ChargeBaseAndOverage.Objective(base, overage).Equal(testutil.Dec("25"))).To(BeTrue())
			Expect(cost.ChargeOverageOnly.Objective(base, overage).Equal(overage)).To(BeTrue())
			Expect(cost.ChargeBaseOnly.Objective(base, overage).Equal(base)).To(BeTrue())
		})

		It("should reject unknown wire values", func() {
			_, err := cost.ParseChargeType(7)
			Expect(err).To(HaveOccurred())
		})
	})
})
