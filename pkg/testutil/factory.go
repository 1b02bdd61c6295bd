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

// Package testutil centralizes test data creation so suites share one set of
// realistic fixtures instead of scattering magic values.
package testutil

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/jordigilh/rateopt/pkg/rateplan"
)

// Default test values shared across suites.
const (
	DefaultBillingPeriodDays = 30
	DefaultSessionID         = int64(42)
	DefaultCommPlanID        = int64(100)
)

// Dec builds a decimal from a string literal; invalid literals panic, which
// is acceptable inside tests.
func Dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DataFactory creates domain fixtures.
type DataFactory struct{}

// NewDataFactory returns the shared fixture factory.
func NewDataFactory() *DataFactory {
	return &DataFactory{}
}

// DataPlan builds an unshared data plan: $10 base, 1000MB allowance, $5 per
// 100MB overage block. The canonical pool of the cost scenarios.
func (f *DataFactory) DataPlan(id int64) rateplan.RatePlan {
	return rateplan.RatePlan{
		ID:                id,
		Name:              "DATA-1GB",
		Type:              rateplan.PlanTypeData,
		IncludedAllowance: Dec("1000"),
		BaseRate:          Dec("10"),
		OverageRate:       Dec("5"),
		OverageBlockSize:  Dec("100"),
	}
}

// SharedPlan builds a pooled variant of DataPlan.
func (f *DataFactory) SharedPlan(id int64) rateplan.RatePlan {
	p := f.DataPlan(id)
	p.Name = "DATA-1GB-POOLED"
	p.SharedPool = true
	return p
}

// IneligiblePlan builds a plan with a zero overage rate.
func (f *DataFactory) IneligiblePlan(id int64) rateplan.RatePlan {
	p := f.DataPlan(id)
	p.Name = "DATA-NO-OVERAGE"
	p.OverageRate = decimal.Zero
	return p
}

// Plan builds a fully parameterized plan.
func (f *DataFactory) Plan(id int64, planType rateplan.PlanType, allowance, base, overageRate, blockSize string, shared bool) rateplan.RatePlan {
	return rateplan.RatePlan{
		ID:                id,
		Name:              "PLAN-" + string(planType),
		Type:              planType,
		IncludedAllowance: Dec(allowance),
		BaseRate:          Dec(base),
		OverageRate:       Dec(overageRate),
		OverageBlockSize:  Dec(blockSize),
		SharedPool:        shared,
	}
}

// Device builds a full-period device on DefaultCommPlanID.
func (f *DataFactory) Device(id int64, usage string) rateplan.Device {
	return rateplan.Device{
		ID:                id,
		CommPlanID:        DefaultCommPlanID,
		CurrentRatePlanID: 1,
		Usage:             Dec(usage),
		ActivationDate:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		BillingDaysActive: DefaultBillingPeriodDays,
	}
}

// ProratedDevice builds a device active for only part of the period.
func (f *DataFactory) ProratedDevice(id int64, usage string, daysActive int) rateplan.Device {
	d := f.Device(id, usage)
	d.BillingDaysActive = daysActive
	d.Prorated = true
	return d
}

// Pools converts plans into a pool collection, panicking on ineligible
// input; test fixtures are expected to be valid.
func (f *DataFactory) Pools(plans ...rateplan.RatePlan) rateplan.RatePoolCollection {
	pools, err := rateplan.NewRatePoolCollection(plans)
	if err != nil {
		panic(err)
	}
	return pools
}
