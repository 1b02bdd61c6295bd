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

// Package queue persists the optimization work-queue table and its status
// state machine. Every status transition is a compare-and-set; that guard is
// the system's at-most-once gate.
package queue

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of one optimization queue.
type Status string

const (
	StatusNotStarted       Status = "NotStarted"
	StatusRunning          Status = "Running"
	StatusCompletedSuccess Status = "CompletedSuccess"
	StatusCompletedError   Status = "CompletedError"
	StatusAbandoned        Status = "Abandoned"
)

// Finished reports whether the status is terminal for completion purposes.
// Abandoned queues are reclaimable, not finished.
func (s Status) Finished() bool {
	return s == StatusCompletedSuccess || s == StatusCompletedError
}

// FinishedStatuses is the terminal status set used by idempotence checks.
var FinishedStatuses = []Status{StatusCompletedSuccess, StatusCompletedError}

// Queue is one atomic unit of optimization work: one sequence bound to one
// communication group.
type Queue struct {
	ID                int64               `db:"id"`
	InstanceID        int64               `db:"instance_id"`
	CommGroupID       int64               `db:"comm_group_id"`
	ServiceProviderID int64               `db:"service_provider_id"`
	Status            Status              `db:"status"`
	TotalCost         decimal.NullDecimal `db:"total_cost"`
	StatusReason      sql.NullString      `db:"status_reason"`
	CreatedAt         time.Time           `db:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at"`
	CompletedAt       sql.NullTime        `db:"completed_at"`
}

// Session is the outermost optimization scope for a tenant.
type Session struct {
	ID              int64     `db:"id"`
	TenantID        int64     `db:"tenant_id"`
	BillingPeriodID int64     `db:"billing_period_id"`
	Status          string    `db:"status"`
	CreatedAt       time.Time `db:"created_at"`
}

// Instance is a per-service-provider run within a session.
type Instance struct {
	ID                     int64     `db:"id"`
	SessionID              int64     `db:"session_id"`
	ServiceProviderID      int64     `db:"service_provider_id"`
	PortalType             string    `db:"portal_type"`
	IsCustomerOptimization bool      `db:"is_customer_optimization"`
	BillingPeriodStart     time.Time `db:"billing_period_start"`
	BillingPeriodEnd       time.Time `db:"billing_period_end"`
}

// CommGroup is a persisted communication group; RatePlanIDs is the sorted,
// comma-joined candidate set.
type CommGroup struct {
	ID          int64  `db:"id"`
	InstanceID  int64  `db:"instance_id"`
	RatePlanIDs string `db:"rate_plan_ids"`
}

// DeviceResult is one device's winning assignment for a queue.
type DeviceResult struct {
	ID                 int64           `db:"id"`
	QueueID            int64           `db:"queue_id"`
	DeviceID           int64           `db:"device_id"`
	AssignedRatePlanID int64           `db:"assigned_rate_plan_id"`
	BaseCost           decimal.Decimal `db:"base_cost"`
	OverageCost        decimal.Decimal `db:"overage_cost"`
	TotalCost          decimal.Decimal `db:"total_cost"`
}
