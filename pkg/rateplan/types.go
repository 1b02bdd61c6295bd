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

// Package rateplan holds the immutable domain model the optimizer operates
// on: carrier rate plans, SIM devices, communication plans and the derived
// communication groups, and the rate pools fed to the assigner.
package rateplan

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
)

// PlanType categorizes a carrier rate plan.
type PlanType string

const (
	PlanTypeData      PlanType = "data"
	PlanTypeVoice     PlanType = "voice"
	PlanTypeSMS       PlanType = "sms"
	PlanTypeBundle    PlanType = "bundle"
	PlanTypeIoT       PlanType = "iot"
	PlanTypeUnlimited PlanType = "unlimited"
	PlanTypePrepaid   PlanType = "prepaid"
)

// PortalType selects the optimization flavor for an instance.
type PortalType string

const (
	PortalM2M           PortalType = "M2M"
	PortalMobility      PortalType = "Mobility"
	PortalCrossProvider PortalType = "CrossProvider"
)

// MaxRatePlansPerGroup is the hard limit on candidate rate plans in one
// communication group. Groups above it fail fast.
const MaxRatePlansPerGroup = 15

// RatePlan is a carrier-offered tariff.
type RatePlan struct {
	ID                int64           `json:"id" db:"id"`
	Name              string          `json:"name" db:"name"`
	Type              PlanType        `json:"plan_type" db:"plan_type"`
	IncludedAllowance decimal.Decimal `json:"included_allowance" db:"included_allowance"`
	BaseRate          decimal.Decimal `json:"base_rate" db:"base_rate"`
	OverageRate       decimal.Decimal `json:"overage_rate" db:"overage_rate"`
	OverageBlockSize  decimal.Decimal `json:"overage_block_size" db:"overage_block_size"`
	SharedPool        bool            `json:"is_shared_pool" db:"is_shared_pool"`
}

// Eligible reports whether the plan can participate in optimization. A plan
// must bill overage in positive blocks at a positive rate.
func (p RatePlan) Eligible() bool {
	return p.OverageRate.IsPositive() && p.OverageBlockSize.IsPositive()
}

// Validate returns a configuration error for ineligible plans.
func (p RatePlan) Validate() error {
	if !p.Eligible() {
		return fmt.Errorf("rate plan %d (%s): %w", p.ID, p.Name, opterrors.ErrIneligiblePlan)
	}
	return nil
}

// CommunicationPlan groups devices sharing the same candidate rate plans.
type CommunicationPlan struct {
	ID          int64   `json:"id" db:"id"`
	RatePlanIDs []int64 `json:"candidate_rate_plan_ids"`
}

// Device is an immutable snapshot of one SIM card for the billing period.
type Device struct {
	ID                int64           `json:"id" db:"id"`
	CommPlanID        int64           `json:"comm_plan_id" db:"comm_plan_id"`
	CurrentRatePlanID int64           `json:"current_rate_plan_id" db:"current_rate_plan_id"`
	Usage             decimal.Decimal `json:"usage_for_period" db:"usage_for_period"`
	ActivationDate    time.Time       `json:"activation_date" db:"activation_date"`
	BillingDaysActive int             `json:"billing_days_active" db:"billing_days_active"`
	Prorated          bool            `json:"is_prorated" db:"is_prorated"`
}
