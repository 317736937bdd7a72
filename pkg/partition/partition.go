package partition

import (
	"fmt"
)

// Partitioner maps keys to partition ids and lays out replica sets.
// It is pure and stateless, so a single instance is safe for concurrent
// use from any number of goroutines.
//
// The key hash is a left-shift variant truncated to signed 32-bit
// arithmetic on every step. The exact construction is load-bearing:
// every process replica must map a given key to the same partition, so
// the 32-bit wrap must be honoured. Note this is plain hash-mod-P, not
// a consistent-hash ring: changing Partitions invalidates every prior
// assignment.
type Partitioner struct {
	partitions  int
	replication int
}

// New creates a partitioner for p partitions with replication factor r.
// r must be in [1, p].
func New(p, r int) (*Partitioner, error) {
	if p <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", p)
	}
	if r < 1 {
		return nil, fmt.Errorf("replication factor must be at least 1, got %d", r)
	}
	if r > p {
		return nil, fmt.Errorf("replication factor %d exceeds partition count %d", r, p)
	}
	return &Partitioner{partitions: p, replication: r}, nil
}

// Partitions returns the configured partition count.
func (pt *Partitioner) Partitions() int {
	return pt.partitions
}

// Replication returns the configured replication factor.
func (pt *Partitioner) Replication() int {
	return pt.replication
}

// Partition returns the primary partition for key, in [0, P).
// The empty key hashes to 0.
func (pt *Partitioner) Partition(key string) int {
	h := Hash(key)
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return int(v % int64(pt.partitions))
}

// Replicas returns the ordered replica set for a primary partition:
// the primary followed by the next R-1 partitions, wrapping around.
func (pt *Partitioner) Replicas(primary int) []int {
	out := make([]int, pt.replication)
	for i := 0; i < pt.replication; i++ {
		out[i] = (primary + i) % pt.partitions
	}
	return out
}

// Hash computes the 32-bit key hash: h = (h<<5) - h + c per byte, with
// int32 overflow on each step.
func Hash(key string) int32 {
	var h int32
	for i := 0; i < len(key); i++ {
		h = (h<<5 - h) + int32(key[i])
	}
	return h
}
