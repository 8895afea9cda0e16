// Package shard maps events onto time+hash buckets so that concurrent
// writers never contend on a single hot record. A shard is a coarse time
// bucket plus a hash-selected sub-shard; the aggregator later folds whole
// buckets on a separate read path.
package shard

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"
)

// DefaultSubShards is the fixed sub-shard fan-out per time bucket.
// Never changes after initial deployment. Changing it requires draining
// and migrating shards.
const DefaultSubShards = 8

// BucketSize is the shard rotation window. Two buckets per day keeps the
// expected per-shard event volume boundable at marketplace traffic levels.
const BucketSize = 12 * time.Hour

// ID identifies one shard: a time bucket and a sub-shard index.
type ID struct {
	Bucket string
	Sub    int
}

// String renders the persisted shard identifier: prefix-free bucket label
// plus "_sub" and the index, e.g. "20260831T00_sub3".
func (id ID) String() string {
	return fmt.Sprintf("%s_sub%d", id.Bucket, id.Sub)
}

// Router derives shard ids. It is a pure value type: no I/O, no state
// beyond the configured fan-out.
type Router struct {
	subShards int
}

// NewRouter creates a router with the given sub-shard fan-out.
// Non-positive values fall back to DefaultSubShards.
func NewRouter(subShards int) Router {
	if subShards <= 0 {
		subShards = DefaultSubShards
	}
	return Router{subShards: subShards}
}

// SubShards returns the configured fan-out.
func (r Router) SubShards() int {
	return r.subShards
}

// For returns the shard for an event time and routing key.
// Deterministic for a non-empty routing key: the same (bucket, key) pair
// always yields the same shard. An empty key (anonymous actor) picks a
// sub-shard uniformly at random; sub-shards exist only to spread writes,
// so losing determinism there costs nothing.
func (r Router) For(t time.Time, routingKey string) ID {
	id := ID{Bucket: BucketLabel(t)}
	if routingKey == "" {
		id.Sub = rand.Intn(r.subShards)
		return id
	}
	h := fnv.New32a()
	h.Write([]byte(routingKey))
	// Reduce before converting: int(Sum32()) can be negative where int
	// is 32 bits, and a negative index names a shard no run ever drains.
	id.Sub = int(h.Sum32() % uint32(r.subShards))
	return id
}

// ToProcess returns every shard the aggregator must drain for a run: all
// sub-shards of the current bucket plus the immediately preceding one, so
// events written just before a rotation boundary are never stranded.
func (r Router) ToProcess(now time.Time) []ID {
	buckets := []string{
		BucketLabel(now.Add(-BucketSize)),
		BucketLabel(now),
	}
	ids := make([]ID, 0, len(buckets)*r.subShards)
	for _, b := range buckets {
		for sub := 0; sub < r.subShards; sub++ {
			ids = append(ids, ID{Bucket: b, Sub: sub})
		}
	}
	return ids
}

// BucketLabel truncates a timestamp to the rotation boundary and renders
// the bucket label. 2026-08-31 17:42 UTC yields "20260831T12".
func BucketLabel(t time.Time) string {
	return t.UTC().Truncate(BucketSize).Format("20060102T15")
}
