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

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// Repository persists optimization queues and their results.
type Repository struct {
	db  *sqlx.DB
	log logr.Logger
}

// NewRepository builds a queue repository over an open database handle.
func NewRepository(db *sqlx.DB, log logr.Logger) *Repository {
	return &Repository{db: db, log: log.WithName("queue-repository")}
}

// GetQueues loads the given queues.
func (r *Repository) GetQueues(ctx context.Context, ids []int64) ([]Queue, error) {
	query, args, err := sqlx.In(`
		SELECT id, instance_id, comm_group_id, service_provider_id, status,
		       total_cost, status_reason, created_at, updated_at, completed_at
		FROM optimization_queue
		WHERE id IN (?)
		ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("building queue lookup: %w", err)
	}

	var queues []Queue
	if err := r.db.SelectContext(ctx, &queues, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("loading queues %v: %w", ids, err)
	}
	return queues, nil
}

// AnyFinished reports whether any of the queues is already in a finished
// status. The worker's duplicate-delivery pre-check.
func (r *Repository) AnyFinished(ctx context.Context, ids []int64) (bool, error) {
	query, args, err := sqlx.In(`
		SELECT COUNT(*) FROM optimization_queue
		WHERE id IN (?) AND status IN (?)`, ids, FinishedStatuses)
	if err != nil {
		return false, fmt.Errorf("building finished check: %w", err)
	}

	var count int
	if err := r.db.GetContext(ctx, &count, r.db.Rebind(query), args...); err != nil {
		return false, fmt.Errorf("checking finished statuses: %w", err)
	}
	return count > 0, nil
}

// Claim transitions each queue NotStarted -> Running and returns the ids
// actually claimed. A queue that is already Running (or terminal) belongs to
// another worker and is excluded; the caller proceeds with the claimed
// subset only.
func (r *Repository) Claim(ctx context.Context, ids []int64) ([]int64, error) {
	claimed := make([]int64, 0, len(ids))
	for _, id := range ids {
		ok, err := r.Transition(ctx, id, StatusNotStarted, StatusRunning, "")
		if err != nil {
			return claimed, err
		}
		if ok {
			claimed = append(claimed, id)
		} else {
			r.log.Info("queue already claimed elsewhere, skipping", "queueID", id)
		}
	}
	return claimed, nil
}

// Transition performs the guarded status update: the row moves from -> to
// only if its current status is exactly from. Returns whether the CAS won.
func (r *Repository) Transition(ctx context.Context, id int64, from, to Status, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE optimization_queue
		SET status = ?, status_reason = NULLIF(?, ''), updated_at = NOW()
		WHERE id = ? AND status = ?`),
		to, reason, id, from)
	if err != nil {
		return false, fmt.Errorf("transitioning queue %d %s->%s: %w", id, from, to, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transitioning queue %d: rows affected: %w", id, err)
	}
	return rows == 1, nil
}

// CompleteError moves a queue to CompletedError with a typed reason unless
// it already finished. Returns whether this call performed the transition.
func (r *Repository) CompleteError(ctx context.Context, id int64, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE optimization_queue
		SET status = ?, status_reason = ?, updated_at = NOW(), completed_at = NOW()
		WHERE id = ? AND status NOT IN (?, ?)`),
		StatusCompletedError, reason, id, StatusCompletedSuccess, StatusCompletedError)
	if err != nil {
		return false, fmt.Errorf("failing queue %d: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failing queue %d: rows affected: %w", id, err)
	}
	return rows == 1, nil
}

// CompleteSuccess atomically finishes a queue and writes its device results.
// The CAS (Running -> CompletedSuccess) and the result rows commit in one
// transaction: a losing CAS writes nothing, which is the at-most-once
// recording guarantee.
func (r *Repository) CompleteSuccess(ctx context.Context, id int64, totalCost decimal.Decimal, results []DeviceResult) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning result transaction for queue %d: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE optimization_queue
		SET status = ?, total_cost = ?, updated_at = NOW(), completed_at = NOW()
		WHERE id = ? AND status = ?`),
		StatusCompletedSuccess, totalCost, id, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("completing queue %d: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("completing queue %d: rows affected: %w", id, err)
	}
	if rows != 1 {
		// Lost the race: another worker already finished this queue.
		return false, nil
	}

	for _, dr := range results {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO optimization_device_result
			       (queue_id, device_id, assigned_rate_plan_id, base_cost, overage_cost, total_cost)
			VALUES (?, ?, ?, ?, ?, ?)`),
			id, dr.DeviceID, dr.AssignedRatePlanID, dr.BaseCost, dr.OverageCost, dr.TotalCost); err != nil {
			return false, fmt.Errorf("inserting device result for queue %d device %d: %w", id, dr.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing results for queue %d: %w", id, err)
	}
	return true, nil
}

// SessionQueues loads every queue belonging to a session.
func (r *Repository) SessionQueues(ctx context.Context, sessionID int64) ([]Queue, error) {
	var queues []Queue
	err := r.db.SelectContext(ctx, &queues, r.db.Rebind(`
		SELECT q.id, q.instance_id, q.comm_group_id, q.service_provider_id, q.status,
		       q.total_cost, q.status_reason, q.created_at, q.updated_at, q.completed_at
		FROM optimization_queue q
		JOIN optimization_instance i ON i.id = q.instance_id
		WHERE i.session_id = ?
		ORDER BY q.id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading queues for session %d: %w", sessionID, err)
	}
	return queues, nil
}

// AbandonStuck reclaims Running queues that have not progressed within
// maxStuck. Returns the number of queues abandoned.
func (r *Repository) AbandonStuck(ctx context.Context, sessionID int64, maxStuck time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE optimization_queue
		SET status = ?, status_reason = ?, updated_at = NOW()
		WHERE status = ?
		  AND updated_at < NOW() - (? * INTERVAL '1 second')
		  AND instance_id IN (SELECT id FROM optimization_instance WHERE session_id = ?)`),
		StatusAbandoned, "stuck beyond max duration", StatusRunning,
		int64(maxStuck.Seconds()), sessionID)
	if err != nil {
		return 0, fmt.Errorf("abandoning stuck queues for session %d: %w", sessionID, err)
	}
	return res.RowsAffected()
}

// WinningQueues selects, per communication group of the session, the
// successful queue with the lowest total cost (ties to the lowest queue id).
func (r *Repository) WinningQueues(ctx context.Context, sessionID int64) ([]Queue, error) {
	var queues []Queue
	err := r.db.SelectContext(ctx, &queues, r.db.Rebind(`
		SELECT DISTINCT ON (q.comm_group_id)
		       q.id, q.instance_id, q.comm_group_id, q.service_provider_id, q.status,
		       q.total_cost, q.status_reason, q.created_at, q.updated_at, q.completed_at
		FROM optimization_queue q
		JOIN optimization_instance i ON i.id = q.instance_id
		WHERE i.session_id = ? AND q.status = ?
		ORDER BY q.comm_group_id, q.total_cost ASC, q.id ASC`),
		sessionID, StatusCompletedSuccess)
	if err != nil {
		return nil, fmt.Errorf("selecting winning queues for session %d: %w", sessionID, err)
	}
	return queues, nil
}

// SequencePlanIDs returns a queue's rate-plan ordering.
func (r *Repository) SequencePlanIDs(ctx context.Context, queueID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`
		SELECT rate_plan_id FROM optimization_queue_rate_plan
		WHERE queue_id = ?
		ORDER BY sequence_order`), queueID)
	if err != nil {
		return nil, fmt.Errorf("loading sequence for queue %d: %w", queueID, err)
	}
	return ids, nil
}

// GroupQueuesWithoutSequence returns the comm group's NotStarted queues that
// have no rate-plan ordering bound yet, sorted by id. These are the slots the
// sequence dispatcher fills during distributed generation.
func (r *Repository) GroupQueuesWithoutSequence(ctx context.Context, commGroupID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`
		SELECT q.id FROM optimization_queue q
		WHERE q.comm_group_id = ? AND q.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM optimization_queue_rate_plan p WHERE p.queue_id = q.id
		  )
		ORDER BY q.id`), commGroupID, StatusNotStarted)
	if err != nil {
		return nil, fmt.Errorf("loading unsequenced queues for group %d: %w", commGroupID, err)
	}
	return ids, nil
}

// InsertSequence persists a queue's rate-plan ordering. Called by the
// sequence dispatcher when generation runs distributed.
func (r *Repository) InsertSequence(ctx context.Context, queueID int64, planIDs []int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning sequence insert for queue %d: %w", queueID, err)
	}
	defer func() { _ = tx.Rollback() }()

	for order, planID := range planIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO optimization_queue_rate_plan (queue_id, rate_plan_id, sequence_order)
			VALUES (?, ?, ?)`),
			queueID, planID, order); err != nil {
			return fmt.Errorf("inserting sequence row for queue %d: %w", queueID, err)
		}
	}
	return tx.Commit()
}

// DeviceResults loads a queue's recorded per-device assignments.
func (r *Repository) DeviceResults(ctx context.Context, queueID int64) ([]DeviceResult, error) {
	var results []DeviceResult
	err := r.db.SelectContext(ctx, &results, r.db.Rebind(`
		SELECT id, queue_id, device_id, assigned_rate_plan_id, base_cost, overage_cost, total_cost
		FROM optimization_device_result
		WHERE queue_id = ?
		ORDER BY device_id`), queueID)
	if err != nil {
		return nil, fmt.Errorf("loading device results for queue %d: %w", queueID, err)
	}
	return results, nil
}

// Session status values. The orchestrator creates sessions Active; the
// coordinator owns the terminal transitions.
const (
	SessionActive    = "Active"
	SessionCompleted = "Completed"
	SessionStalled   = "Stalled"
)

// CompleteSession transitions a session Active -> Completed. The CAS makes
// the session-complete event exactly-once across concurrent coordinator
// invocations.
func (r *Repository) CompleteSession(ctx context.Context, sessionID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE optimization_session
		SET status = ?
		WHERE id = ? AND status = ?`),
		SessionCompleted, sessionID, SessionActive)
	if err != nil {
		return false, fmt.Errorf("completing session %d: %w", sessionID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("completing session %d: rows affected: %w", sessionID, err)
	}
	return rows == 1, nil
}

// StallSession transitions a session Active -> Stalled.
func (r *Repository) StallSession(ctx context.Context, sessionID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE optimization_session
		SET status = ?
		WHERE id = ? AND status = ?`),
		SessionStalled, sessionID, SessionActive)
	if err != nil {
		return false, fmt.Errorf("stalling session %d: %w", sessionID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stalling session %d: rows affected: %w", sessionID, err)
	}
	return rows == 1, nil
}

// CommGroup loads one persisted communication group.
func (r *Repository) CommGroup(ctx context.Context, id int64) (*CommGroup, error) {
	var g CommGroup
	err := r.db.GetContext(ctx, &g, r.db.Rebind(`
		SELECT id, instance_id, rate_plan_ids
		FROM optimization_comm_group
		WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("loading comm group %d: %w", id, err)
	}
	return &g, nil
}

// Instance loads one optimization instance.
func (r *Repository) Instance(ctx context.Context, id int64) (*Instance, error) {
	var inst Instance
	err := r.db.GetContext(ctx, &inst, r.db.Rebind(`
		SELECT id, session_id, service_provider_id, portal_type,
		       is_customer_optimization, billing_period_start, billing_period_end
		FROM optimization_instance
		WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("loading instance %d: %w", id, err)
	}
	return &inst, nil
}
