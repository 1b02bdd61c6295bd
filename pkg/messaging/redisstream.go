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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
)

const (
	streamBodyField  = "body"
	streamAttrsField = "attrs"

	consumerGroup = "rateopt-workers"
)

// RedisStreamAdapter implements Adapter on Redis Streams with consumer
// groups. Visibility timeout maps onto pending-entry idle time: a message
// unacked for longer than its visibility window is reclaimed by the next
// Receive via XAUTOCLAIM. Messages exceeding MaxDeliveries are appended to
// "<queue>-dlq" and acked away.
type RedisStreamAdapter struct {
	// MaxDeliveries dead-letters a message delivered more than this many
	// times. Zero means the default of 5.
	MaxDeliveries int

	client   redis.UniversalClient
	consumer string
	log      logr.Logger

	mu     sync.Mutex
	groups map[string]struct{}
}

// NewRedisStreamAdapter wraps a connected Redis client. Each adapter
// instance is one named consumer within the shared worker group.
func NewRedisStreamAdapter(client redis.UniversalClient, log logr.Logger) *RedisStreamAdapter {
	return &RedisStreamAdapter{
		MaxDeliveries: 5,
		client:        client,
		consumer:      "worker-" + uuid.NewString(),
		log:           log.WithName("messaging-redis"),
		groups:        make(map[string]struct{}),
	}
}

func (a *RedisStreamAdapter) ensureGroup(ctx context.Context, stream string) error {
	a.mu.Lock()
	_, done := a.groups[stream]
	a.mu.Unlock()
	if done {
		return nil
	}

	err := a.client.XGroupCreateMkStream(ctx, stream, consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return opterrors.Transient("creating consumer group", err)
	}

	a.mu.Lock()
	a.groups[stream] = struct{}{}
	a.mu.Unlock()
	return nil
}

// Send implements Adapter.
func (a *RedisStreamAdapter) Send(ctx context.Context, queueName string, msg Message) error {
	attrs, err := json.Marshal(msg.Attributes)
	if err != nil {
		return fmt.Errorf("encoding message attributes: %w", err)
	}
	err = a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queueName,
		Values: map[string]interface{}{
			streamBodyField:  string(msg.Body),
			streamAttrsField: string(attrs),
		},
	}).Err()
	if err != nil {
		return opterrors.Transient("sending message", err)
	}
	return nil
}

// Receive implements Adapter. Reclaimed-then-fresh ordering: messages whose
// visibility expired are picked up before new ones.
func (a *RedisStreamAdapter) Receive(ctx context.Context, queueName string, max int, visibility time.Duration) ([]Delivery, error) {
	if max <= 0 {
		return nil, fmt.Errorf("receive max must be positive, got %d", max)
	}
	if err := a.ensureGroup(ctx, queueName); err != nil {
		return nil, err
	}

	var out []Delivery

	// Reclaim messages whose previous consumer went silent.
	claimed, _, err := a.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queueName,
		Group:    consumerGroup,
		Consumer: a.consumer,
		MinIdle:  visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, opterrors.Transient("reclaiming messages", err)
	}
	for _, xm := range claimed {
		d, keep, err := a.toDelivery(ctx, queueName, xm, visibility)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, d)
		}
	}

	if len(out) >= max {
		return out, nil
	}

	streams, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    consumerGroup,
		Consumer: a.consumer,
		Streams:  []string{queueName, ">"},
		Count:    int64(max - len(out)),
		Block:    time.Second,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, opterrors.Transient("reading messages", err)
	}
	for _, s := range streams {
		for _, xm := range s.Messages {
			d, keep, err := a.toDelivery(ctx, queueName, xm, visibility)
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// toDelivery decodes a stream entry and applies the dead-letter policy.
// keep=false means the message was dead-lettered (or was undecodable and
// dropped to the DLQ) and must not be handed to the caller.
func (a *RedisStreamAdapter) toDelivery(ctx context.Context, queueName string, xm redis.XMessage, visibility time.Duration) (Delivery, bool, error) {
	deliveries := a.deliveryCount(ctx, queueName, xm.ID)

	maxDeliveries := a.MaxDeliveries
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	if deliveries > maxDeliveries {
		if err := a.deadLetter(ctx, queueName, xm); err != nil {
			return Delivery{}, false, err
		}
		return Delivery{}, false, nil
	}

	msg, err := decodeStreamMessage(xm)
	if err != nil {
		a.log.Error(err, "undecodable stream entry, dead-lettering", "stream", queueName, "id", xm.ID)
		if err := a.deadLetter(ctx, queueName, xm); err != nil {
			return Delivery{}, false, err
		}
		return Delivery{}, false, nil
	}

	return Delivery{
		Message:       msg,
		ID:            xm.ID,
		Queue:         queueName,
		DeliveryCount: deliveries,
		visibility:    visibility,
	}, true, nil
}

func (a *RedisStreamAdapter) deliveryCount(ctx context.Context, stream, id string) int {
	pending, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  consumerGroup,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 1
	}
	return int(pending[0].RetryCount)
}

func (a *RedisStreamAdapter) deadLetter(ctx context.Context, queueName string, xm redis.XMessage) error {
	pipe := a.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: queueName + DeadLetterSuffix,
		Values: xm.Values,
	})
	pipe.XAck(ctx, queueName, consumerGroup, xm.ID)
	pipe.XDel(ctx, queueName, xm.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return opterrors.Transient("dead-lettering message", err)
	}
	return nil
}

// Ack implements Adapter.
func (a *RedisStreamAdapter) Ack(ctx context.Context, d Delivery) error {
	pipe := a.client.TxPipeline()
	pipe.XAck(ctx, d.Queue, consumerGroup, d.ID)
	pipe.XDel(ctx, d.Queue, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return opterrors.Transient("acking message", err)
	}
	return nil
}

// Nack implements Adapter. The entry stays pending and is reclaimed by
// XAUTOCLAIM once its visibility window lapses; streams have no way to
// rewind idle time, so redelivery is deferred rather than immediate.
func (a *RedisStreamAdapter) Nack(_ context.Context, d Delivery) error {
	a.log.V(1).Info("message nacked, will redeliver after visibility timeout",
		"stream", d.Queue, "id", d.ID, "visibility", d.visibility.String())
	return nil
}

func decodeStreamMessage(xm redis.XMessage) (Message, error) {
	body, _ := xm.Values[streamBodyField].(string)
	rawAttrs, _ := xm.Values[streamAttrsField].(string)

	var attrs map[string]string
	if rawAttrs != "" {
		if err := json.Unmarshal([]byte(rawAttrs), &attrs); err != nil {
			return Message{}, fmt.Errorf("decoding attributes: %w", err)
		}
	}
	return Message{Body: []byte(body), Attributes: attrs}, nil
}
