package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/visionq/visionq/pkg/partition"
	"github.com/visionq/visionq/pkg/types"
)

// Entry is one stored item inside a partition.
type Entry struct {
	Key              string
	Value            []byte
	Timestamp        time.Time
	PrimaryPartition int
	IsReplica        bool
}

// StoreStats summarizes the shard store.
type StoreStats struct {
	Partitions []types.PartitionInfo
	TotalItems int
	TotalBytes int64
}

// shardPartition holds one partition's key table. Each partition has
// its own lock so a store to partition 3 never contends with a read
// from partition 5.
type shardPartition struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	bytes   int64
}

// ShardStore is the in-memory simulation of partitioned placement used
// by the in-process path. Writes land in the key's primary partition
// and in each replica partition. Per-partition writes are atomic; a
// multi-replica write is not atomic across partitions, so readers go
// through the primary.
type ShardStore struct {
	partitioner *partition.Partitioner
	cap         int // max entries per partition, 0 = unlimited
	parts       []*shardPartition
}

// NewShardStore creates a shard store over the given partitioner.
// cap bounds entries per partition; 0 means unbounded.
func NewShardStore(pt *partition.Partitioner, cap int) *ShardStore {
	parts := make([]*shardPartition, pt.Partitions())
	for i := range parts {
		parts[i] = &shardPartition{entries: make(map[string]*Entry)}
	}
	return &ShardStore{partitioner: pt, cap: cap, parts: parts}
}

// Partitioner exposes the store's partitioner for callers that need
// the same key→partition mapping.
func (s *ShardStore) Partitioner() *partition.Partitioner {
	return s.partitioner
}

// Store places value in the primary partition for key and a copy in
// each replica partition. Fails with ErrPartitionFull if any target
// partition is at capacity (the primary is written first, so a reader
// may observe the primary updated while replicas lag).
func (s *ShardStore) Store(key string, value []byte) error {
	primary := s.partitioner.Partition(key)
	now := time.Now()

	for i, p := range s.partitioner.Replicas(primary) {
		entry := &Entry{
			Key:              key,
			Value:            value,
			Timestamp:        now,
			PrimaryPartition: primary,
			IsReplica:        i > 0,
		}
		if err := s.parts[p].put(key, entry, s.cap); err != nil {
			return fmt.Errorf("partition %d: %w", p, err)
		}
	}
	return nil
}

// Retrieve reads key from its primary partition.
func (s *ShardStore) Retrieve(key string) ([]byte, error) {
	primary := s.partitioner.Partition(key)
	p := s.parts[primary]

	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[key]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, types.ErrNotFound)
	}
	return entry.Value, nil
}

// Contains reports whether partition id holds key, replica or primary.
func (s *ShardStore) Contains(id int, key string) bool {
	if id < 0 || id >= len(s.parts) {
		return false
	}
	p := s.parts[id]
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[key]
	return ok
}

// Stats returns per-partition item counts and byte sizes plus totals.
func (s *ShardStore) Stats() StoreStats {
	stats := StoreStats{Partitions: make([]types.PartitionInfo, len(s.parts))}
	for i, p := range s.parts {
		p.mu.RLock()
		stats.Partitions[i] = types.PartitionInfo{
			ID:        i,
			ItemCount: len(p.entries),
			Size:      p.bytes,
		}
		stats.TotalItems += len(p.entries)
		stats.TotalBytes += p.bytes
		p.mu.RUnlock()
	}
	return stats
}

// Clear resets partition id, or every partition when id is negative.
func (s *ShardStore) Clear(id int) {
	if id >= 0 && id < len(s.parts) {
		s.parts[id].clear()
		return
	}
	for _, p := range s.parts {
		p.clear()
	}
}

// Rebalance is a placement hook. No data moves; it returns current
// stats so callers can observe the (unchanged) distribution.
func (s *ShardStore) Rebalance() StoreStats {
	return s.Stats()
}

func (p *shardPartition) put(key string, entry *Entry, cap int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, exists := p.entries[key]
	if !exists && cap > 0 && len(p.entries) >= cap {
		return types.ErrPartitionFull
	}
	if exists {
		p.bytes -= int64(len(old.Value))
	}
	p.entries[key] = entry
	p.bytes += int64(len(entry.Value))
	return nil
}

func (p *shardPartition) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*Entry)
	p.bytes = 0
}
