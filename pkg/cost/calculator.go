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

// Package cost computes rate-pool charges for devices. All arithmetic is
// decimal; binary floats never touch money or usage.
package cost

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jordigilh/rateopt/pkg/rateplan"
)

// DeviceCost is the computed charge of one device on one pool.
type DeviceCost struct {
	DeviceID    int64           `json:"device_id"`
	RatePlanID  int64           `json:"rate_plan_id"`
	BaseCost    decimal.Decimal `json:"base_cost"`
	OverageCost decimal.Decimal `json:"overage_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// PoolCost aggregates a shared pool's charge across its assigned devices.
type PoolCost struct {
	BaseCost    decimal.Decimal
	OverageCost decimal.Decimal
	TotalCost   decimal.Decimal
}

// Calculator computes pool charges within one billing period.
type Calculator struct {
	// BillingPeriodDays is the length of the billing period proration is
	// computed against.
	BillingPeriodDays int
}

// NewCalculator returns a calculator for the given billing-period length.
func NewCalculator(billingPeriodDays int) (*Calculator, error) {
	if billingPeriodDays <= 0 {
		return nil, fmt.Errorf("billing period days must be positive, got %d", billingPeriodDays)
	}
	return &Calculator{BillingPeriodDays: billingPeriodDays}, nil
}

// billingFraction returns the share of the billing period the device was
// active: days_active / period_days when prorated, 1 otherwise.
func (c *Calculator) billingFraction(d rateplan.Device) (decimal.Decimal, error) {
	if !d.Prorated {
		return decimal.NewFromInt(1), nil
	}
	if d.BillingDaysActive < 0 || d.BillingDaysActive > c.BillingPeriodDays {
		return decimal.Decimal{}, fmt.Errorf(
			"device %d: billing days active %d out of range [0,%d]",
			d.ID, d.BillingDaysActive, c.BillingPeriodDays)
	}
	return decimal.NewFromInt(int64(d.BillingDaysActive)).
		Div(decimal.NewFromInt(int64(c.BillingPeriodDays))), nil
}

// DeviceOnPool computes the unshared cost of a single device on a pool.
//
//	base            = base_rate x billing_fraction
//	allowance       = included_allowance x billing_fraction
//	overage_blocks  = ceil(max(0, usage - allowance) / block_size)
//	overage         = overage_blocks x overage_rate
func (c *Calculator) DeviceOnPool(d rateplan.Device, p rateplan.RatePool) (DeviceCost, error) {
	if d.Usage.IsNegative() {
		return DeviceCost{}, fmt.Errorf("device %d: negative usage %s", d.ID, d.Usage)
	}
	fraction, err := c.billingFraction(d)
	if err != nil {
		return DeviceCost{}, err
	}

	base := p.BaseCost.Mul(fraction)
	allowance := p.Allowance.Mul(fraction)
	overage := OverageCharge(d.Usage.Sub(allowance), p)

	return DeviceCost{
		DeviceID:    d.ID,
		RatePlanID:  p.PlanID,
		BaseCost:    base,
		OverageCost: overage,
		TotalCost:   base.Add(overage),
	}, nil
}

// OverageCharge bills overage units in whole blocks. Non-positive overage is
// free.
func OverageCharge(overageUnits decimal.Decimal, p rateplan.RatePool) decimal.Decimal {
	if !overageUnits.IsPositive() {
		return decimal.Zero
	}
	blocks := overageUnits.Div(p.BlockSize).Ceil()
	return blocks.Mul(p.OverageRate)
}

// SharedPool computes a shared pool's aggregate cost over the assigned
// devices and attributes it back per device. The base is charged once for
// the whole pool; effective allowances are prorated per device and summed;
// overage is computed once on the aggregate usage.
//
// Attribution is proportional to usage, with the rounding remainder assigned
// to the highest-usage device so the per-device rows always sum exactly to
// the pool aggregate.
func (c *Calculator) SharedPool(devices []rateplan.Device, p rateplan.RatePool) (PoolCost, []DeviceCost, error) {
	if len(devices) == 0 {
		return PoolCost{}, nil, nil
	}

	totalUsage := decimal.Zero
	totalAllowance := decimal.Zero
	for _, d := range devices {
		if d.Usage.IsNegative() {
			return PoolCost{}, nil, fmt.Errorf("device %d: negative usage %s", d.ID, d.Usage)
		}
		fraction, err := c.billingFraction(d)
		if err != nil {
			return PoolCost{}, nil, err
		}
		totalUsage = totalUsage.Add(d.Usage)
		totalAllowance = totalAllowance.Add(p.Allowance.Mul(fraction))
	}

	pool := PoolCost{
		BaseCost:    p.BaseCost,
		OverageCost: OverageCharge(totalUsage.Sub(totalAllowance), p),
	}
	pool.TotalCost = pool.BaseCost.Add(pool.OverageCost)

	return pool, c.attribute(devices, p, pool, totalUsage), nil
}

// attribute splits a shared pool's aggregate cost across devices
// proportionally to usage. Zero aggregate usage splits equally.
func (c *Calculator) attribute(devices []rateplan.Device, p rateplan.RatePool, pool PoolCost, totalUsage decimal.Decimal) []DeviceCost {
	out := make([]DeviceCost, len(devices))

	n := decimal.NewFromInt(int64(len(devices)))
	var assignedBase, assignedOverage decimal.Decimal
	largest := 0

	for i, d := range devices {
		var share decimal.Decimal
		if totalUsage.IsPositive() {
			share = d.Usage.Div(totalUsage)
		} else {
			share = decimal.NewFromInt(1).Div(n)
		}
		base := pool.BaseCost.Mul(share).Round(4)
		overage := pool.OverageCost.Mul(share).Round(4)
		out[i] = DeviceCost{
			DeviceID:    d.ID,
			RatePlanID:  p.PlanID,
			BaseCost:    base,
			OverageCost: overage,
		}
		assignedBase = assignedBase.Add(base)
		assignedOverage = assignedOverage.Add(overage)
		if d.Usage.GreaterThan(devices[largest].Usage) {
			largest = i
		}
	}

	// Rounding remainder lands on the highest-usage device.
	out[largest].BaseCost = out[largest].BaseCost.Add(pool.BaseCost.Sub(assignedBase))
	out[largest].OverageCost = out[largest].OverageCost.Add(pool.OverageCost.Sub(assignedOverage))

	for i := range out {
		out[i].TotalCost = out[i].BaseCost.Add(out[i].OverageCost)
	}
	return out
}
