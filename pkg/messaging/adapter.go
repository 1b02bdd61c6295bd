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

// Package messaging abstracts the work-message bus: at-least-once delivery,
// per-delivery visibility timeout, and dead-letter semantics. The message
// body is opaque; the contract lives in the attributes.
package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Attribute keys of the work-message contract.
const (
	// AttrQueueIDs is the comma-separated queue set the message represents.
	AttrQueueIDs = "QueueIds"
	// AttrIsChainingProcess flags a continuation message.
	AttrIsChainingProcess = "IsChainingProcess"
	// AttrSkipLowerCostCheck records results even when not cheaper than the
	// baseline.
	AttrSkipLowerCostCheck = "SkipLowerCostCheck"
	// AttrChargeType selects the cost objective (0=base+overage, 1=overage,
	// 2=base).
	AttrChargeType = "ChargeType"
	// AttrSessionID scopes checkpoint keys.
	AttrSessionID = "SessionId"
	// AttrContinuationAttempt is the 0-based chaining counter.
	AttrContinuationAttempt = "ContinuationAttempt"

	// AttrRatePlanSequences marks a distributed sequence-generation message
	// (JSON-serialized sequences); routed away from the assignment path.
	AttrRatePlanSequences = "RatePlanSequences"
	// AttrCommGroupID accompanies sequence-generation messages.
	AttrCommGroupID = "CommGroupId"
)

// Message is an outbound bus message.
type Message struct {
	Body       []byte
	Attributes map[string]string
}

// Delivery is one received message instance. The same message may be
// delivered more than once; DeliveryCount starts at 1.
type Delivery struct {
	Message
	ID            string
	Queue         string
	DeliveryCount int

	visibility time.Duration
}

// Adapter is the message-bus contract. Receive hides a message from other
// consumers for the visibility duration; an unacked message becomes
// deliverable again afterwards. Implementations move a message to a
// dead-letter queue when its delivery count exceeds their configured
// maximum.
type Adapter interface {
	Send(ctx context.Context, queueName string, msg Message) error
	Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Nack(ctx context.Context, d Delivery) error
}

// Attr returns an attribute value, "" when absent.
func (m Message) Attr(key string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// BoolAttr interprets an attribute as the wire-level "true"/"false" flag.
// Absent attributes are false.
func (m Message) BoolAttr(key string) bool {
	return m.Attr(key) == "true"
}

// IntAttr parses an integer attribute; absent attributes yield fallback.
func (m Message) IntAttr(key string, fallback int) (int, error) {
	v := m.Attr(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("attribute %s=%q is not an integer: %w", key, v, err)
	}
	return n, nil
}

// Int64Attr parses an int64 attribute; absent attributes yield fallback.
func (m Message) Int64Attr(key string, fallback int64) (int64, error) {
	v := m.Attr(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("attribute %s=%q is not an integer: %w", key, v, err)
	}
	return n, nil
}

// ParseQueueIDs decodes the QueueIds attribute.
func ParseQueueIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty queue id list")
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("queue id %q: %w", p, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FormatQueueIDs encodes a queue set for the QueueIds attribute.
func FormatQueueIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// CopyAttributes clones an attribute map with overrides applied. Used to
// build continuation messages that preserve the original contract.
func CopyAttributes(attrs map[string]string, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(attrs)+len(overrides))
	for k, v := range attrs {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
