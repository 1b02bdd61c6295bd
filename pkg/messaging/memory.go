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

package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetterSuffix names the dead-letter companion of a queue.
const DeadLetterSuffix = "-dlq"

// MemoryAdapter is an in-process Adapter with real visibility-timeout and
// dead-letter behavior. It backs unit tests and single-node runs.
type MemoryAdapter struct {
	// MaxDeliveries dead-letters a message delivered more than this many
	// times. Zero means the default of 5.
	MaxDeliveries int

	mu     sync.Mutex
	queues map[string]*memoryQueue
	now    func() time.Time
}

type memoryQueue struct {
	ready    []*storedMessage
	inflight map[string]*storedMessage
}

type storedMessage struct {
	id         string
	msg        Message
	deliveries int
	visibleAt  time.Time
}

// NewMemoryAdapter returns an empty in-memory bus.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		MaxDeliveries: 5,
		queues:        make(map[string]*memoryQueue),
		now:           time.Now,
	}
}

// SetClock overrides the adapter's clock. Test hook for visibility expiry.
func (a *MemoryAdapter) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *MemoryAdapter) queue(name string) *memoryQueue {
	q, ok := a.queues[name]
	if !ok {
		q = &memoryQueue{inflight: make(map[string]*storedMessage)}
		a.queues[name] = q
	}
	return q
}

// Send implements Adapter.
func (a *MemoryAdapter) Send(_ context.Context, queueName string, msg Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue(queueName).ready = append(a.queue(queueName).ready, &storedMessage{
		id:  uuid.NewString(),
		msg: cloneMessage(msg),
	})
	return nil
}

// Receive implements Adapter. Expired in-flight messages are requeued first,
// modeling at-least-once redelivery.
func (a *MemoryAdapter) Receive(_ context.Context, queueName string, max int, visibility time.Duration) ([]Delivery, error) {
	if max <= 0 {
		return nil, fmt.Errorf("receive max must be positive, got %d", max)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	q := a.queue(queueName)
	now := a.now()

	// Redeliver expired in-flight messages.
	for id, sm := range q.inflight {
		if now.After(sm.visibleAt) {
			delete(q.inflight, id)
			q.ready = append(q.ready, sm)
		}
	}

	var out []Delivery
	for len(out) < max && len(q.ready) > 0 {
		sm := q.ready[0]
		q.ready = q.ready[1:]
		sm.deliveries++

		if sm.deliveries > a.maxDeliveries() {
			dlq := a.queue(queueName + DeadLetterSuffix)
			dlq.ready = append(dlq.ready, &storedMessage{id: sm.id, msg: sm.msg})
			continue
		}

		sm.visibleAt = now.Add(visibility)
		q.inflight[sm.id] = sm
		out = append(out, Delivery{
			Message:       cloneMessage(sm.msg),
			ID:            sm.id,
			Queue:         queueName,
			DeliveryCount: sm.deliveries,
			visibility:    visibility,
		})
	}
	return out, nil
}

// Ack implements Adapter.
func (a *MemoryAdapter) Ack(_ context.Context, d Delivery) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.queue(d.Queue).inflight, d.ID)
	return nil
}

// Nack implements Adapter: the message becomes immediately deliverable.
func (a *MemoryAdapter) Nack(_ context.Context, d Delivery) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queue(d.Queue)
	sm, ok := q.inflight[d.ID]
	if !ok {
		return nil
	}
	delete(q.inflight, d.ID)
	q.ready = append(q.ready, sm)
	return nil
}

// Depth returns the number of ready messages in a queue. Test helper.
func (a *MemoryAdapter) Depth(queueName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue(queueName).ready)
}

func (a *MemoryAdapter) maxDeliveries() int {
	if a.MaxDeliveries <= 0 {
		return 5
	}
	return a.MaxDeliveries
}

func cloneMessage(m Message) Message {
	out := Message{Body: append([]byte(nil), m.Body...)}
	if m.Attributes != nil {
		out.Attributes = make(map[string]string, len(m.Attributes))
		for k, v := range m.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
