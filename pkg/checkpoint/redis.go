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

package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	opterrors "github.com/jordigilh/rateopt/internal/errors"
)

// RedisStore is the production Store: a Redis keyspace guarded by a circuit
// breaker so a flapping cache degrades the continuation path instead of
// stalling workers on timeouts.
type RedisStore struct {
	client  redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	log     logr.Logger
}

// NewRedisStore wraps a connected Redis client.
func NewRedisStore(client redis.UniversalClient, log logr.Logger) *RedisStore {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "checkpoint-store",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("checkpoint store breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &RedisStore{client: client, breaker: breaker, log: log.WithName("checkpoint-redis")}
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, payload, ttl).Err()
	})
	if err != nil {
		return s.classify("put", err)
	}
	return nil
}

// Get implements Store. A missing key is (nil, false, nil), not an error.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.breaker.Execute(func() (interface{}, error) {
		payload, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return payload, err
	})
	if err != nil {
		return nil, false, s.classify("get", err)
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return s.classify("delete", err)
	}
	return nil
}

// classify maps breaker and transport failures onto the error taxonomy. An
// open breaker means the store is unavailable, not transient: callers skip
// straight to the degraded branch instead of retrying into a wall.
func (s *RedisStore) classify(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return opterrors.ErrStoreUnavailable
	}
	return opterrors.Transient("checkpoint "+op, err)
}
