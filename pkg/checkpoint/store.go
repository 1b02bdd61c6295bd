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

// Package checkpoint stores serialized assigner state between chained worker
// executions. The store is advisory, not authoritative: a missing entry
// during continuation means the work is presumed finalized or lost, never
// that the worker should crash.
package checkpoint

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTTL bounds checkpoint lifetime. Stale entries evict themselves; the
// store never needs to survive a restart.
const DefaultTTL = 3600 * time.Second

// keyPrefix namespaces checkpoint keys in a shared keyspace.
const keyPrefix = "opt-ckpt:"

// Store is the checkpoint contract. Implementations must tolerate concurrent
// Puts for the same key (duplicate delivery); last-writer-wins is sound
// because each writer's state monotonically advances its predecessor's.
type Store interface {
	// Put atomically overwrites the payload under key with the given TTL.
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// Get returns the payload and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes the entry; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Key derives the checkpoint key for a queue set within a session:
// "opt-ckpt:<session>:<sorted queue ids, comma-joined>". Workers claiming the
// same queue set always derive the same key regardless of id order in the
// message.
func Key(sessionID int64, queueIDs []int64) string {
	ids := make([]int64, len(queueIDs))
	copy(ids, queueIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString(strconv.FormatInt(sessionID, 10))
	b.WriteByte(':')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}
