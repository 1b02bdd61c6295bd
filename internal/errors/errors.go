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

// Package errors defines the optimization engine's error taxonomy. Callers
// classify failures with the Is* helpers rather than matching strings; the
// kind decides whether a queue fails fast, is retried, or chains.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration failures. These are fatal for the comm
// group they occur in and are never retried.
var (
	// ErrIneligiblePlan marks a rate plan with a non-positive overage rate or
	// overage block size.
	ErrIneligiblePlan = errors.New("rate plan is ineligible for optimization")

	// ErrTooManyPlans marks a communication group exceeding the candidate
	// rate-plan limit.
	ErrTooManyPlans = errors.New("communication group exceeds rate plan limit")

	// ErrNoDevices marks a communication group with an empty device set.
	ErrNoDevices = errors.New("communication group has no devices")
)

// Sentinel errors for runtime conditions.
var (
	// ErrCheckpointLost is returned when a continuation message arrives but
	// the checkpoint store has no state for the queue set.
	ErrCheckpointLost = errors.New("checkpoint lost")

	// ErrCheckpointInvalid is returned when a checkpoint payload cannot be
	// decoded or carries an unknown schema version. Treated the same as a
	// lost checkpoint.
	ErrCheckpointInvalid = errors.New("checkpoint invalid")

	// ErrContinuationBudget is returned when a queue set has been chained
	// more times than the configured maximum.
	ErrContinuationBudget = errors.New("continuation budget exhausted")

	// ErrAlgorithmFailed is returned when every assignment strategy failed
	// to produce a result for a queue.
	ErrAlgorithmFailed = errors.New("all assignment strategies failed")

	// ErrStoreUnavailable wraps checkpoint-store failures once the retry
	// budget is spent.
	ErrStoreUnavailable = errors.New("continuation store unavailable")
)

// TransientError wraps an infrastructure failure that is worth retrying with
// backoff (checkpoint writes, message sends, store deadlocks).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable infrastructure failure.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is a retryable infrastructure failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsConfiguration reports whether err is a fatal per-group configuration
// failure.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrIneligiblePlan) ||
		errors.Is(err, ErrTooManyPlans) ||
		errors.Is(err, ErrNoDevices)
}

// IsCheckpointLoss reports whether err should take the checkpoint-lost
// branch (missing or undecodable state).
func IsCheckpointLoss(err error) bool {
	return errors.Is(err, ErrCheckpointLost) || errors.Is(err, ErrCheckpointInvalid)
}
