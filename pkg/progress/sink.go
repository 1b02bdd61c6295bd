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

// Package progress reports optimization phase transitions to an external
// observer. The sink is a passive collaborator: it is notified only at
// well-defined phase boundaries and its failure never affects optimization.
package progress

import (
	"context"

	"github.com/go-logr/logr"
)

// Phase is a reportable milestone.
type Phase string

const (
	PhaseSequencesGenerated Phase = "sequences_generated"
	PhaseQueueClaimed       Phase = "queue_claimed"
	PhaseQueueFinalized     Phase = "queue_finalized"
	PhaseSessionComplete    Phase = "session_complete"
	PhaseSessionStalled     Phase = "session_stalled"
)

// Event carries one phase transition.
type Event struct {
	Phase     Phase
	SessionID int64
	QueueIDs  []int64
	Detail    string
}

// Sink receives phase transitions. Implementations must be safe for
// concurrent use.
type Sink interface {
	Report(ctx context.Context, ev Event) error
}

// Notify delivers an event to sink, swallowing any failure. Optimization
// never blocks on, or fails because of, the progress channel.
func Notify(ctx context.Context, sink Sink, log logr.Logger, ev Event) {
	if sink == nil {
		return
	}
	if err := sink.Report(ctx, ev); err != nil {
		log.V(1).Info("progress sink failed, continuing",
			"phase", string(ev.Phase), "error", err.Error())
	}
}

// NopSink discards every event.
type NopSink struct{}

// Report implements Sink.
func (NopSink) Report(context.Context, Event) error { return nil }

// LogSink writes phase transitions to the logger. The default production
// sink when no external observer is wired.
type LogSink struct {
	Log logr.Logger
}

// Report implements Sink.
func (s LogSink) Report(_ context.Context, ev Event) error {
	s.Log.Info("optimization progress",
		"phase", string(ev.Phase), "sessionID", ev.SessionID,
		"queueIDs", ev.QueueIDs, "detail", ev.Detail)
	return nil
}
