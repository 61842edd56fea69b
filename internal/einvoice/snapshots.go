package einvoice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const snapshotKeyPrefix = "einvoice:submission:"

// SnapshotStore keeps the latest tracker snapshot per submission reference so
// status queries can be answered after the submitting request returned, from
// any instance sharing the Redis backend. Without a Redis client it degrades
// to a process-local map.
type SnapshotStore struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.RWMutex
	local map[string]Snapshot
}

// NewSnapshotStore constructs a snapshot store. The client may be nil.
func NewSnapshotStore(client *redis.Client, ttl time.Duration) *SnapshotStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SnapshotStore{
		client: client,
		ttl:    ttl,
		local:  make(map[string]Snapshot),
	}
}

// Put stores the snapshot under the given submission reference.
func (s *SnapshotStore) Put(ctx context.Context, ref string, snapshot Snapshot) error {
	if s == nil || ref == "" {
		return fmt.Errorf("einvoice snapshots: reference is required")
	}
	if s.client == nil {
		s.mu.Lock()
		s.local[ref] = snapshot
		s.mu.Unlock()
		return nil
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("einvoice snapshots: encode: %w", err)
	}
	return s.client.Set(ctx, snapshotKeyPrefix+ref, raw, s.ttl).Err()
}

// Get loads the snapshot for the given reference. The boolean reports whether
// the reference is known.
func (s *SnapshotStore) Get(ctx context.Context, ref string) (Snapshot, bool, error) {
	var snapshot Snapshot
	if s == nil || ref == "" {
		return snapshot, false, nil
	}
	if s.client == nil {
		s.mu.RLock()
		snapshot, ok := s.local[ref]
		s.mu.RUnlock()
		return snapshot, ok, nil
	}
	raw, err := s.client.Get(ctx, snapshotKeyPrefix+ref).Bytes()
	if err == redis.Nil {
		return snapshot, false, nil
	}
	if err != nil {
		return snapshot, false, err
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return snapshot, false, fmt.Errorf("einvoice snapshots: decode: %w", err)
	}
	return snapshot, true, nil
}
