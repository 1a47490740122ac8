// Package syncutil holds keyed lock primitives shared by the battle services.
package syncutil

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
)

const shardCount = 256

// ContextShardedMutex is a fixed pool of channel-based mutexes keyed by
// string. Waiting callers give up when their context is done, so a lock
// acquisition never blocks past the caller's deadline.
//
// Distinct keys may share a shard. Callers that need several keys at once
// must use LockMany, which deduplicates shards and takes them in ascending
// order.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{}
		}
	})
}

// LockContext acquires the mutex for key. On success the returned function
// releases it and must be called exactly once.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// LockMany acquires the mutexes for all keys in canonical (ascending shard)
// order. Two callers locking overlapping key sets therefore cannot deadlock.
// If ctx ends midway, every shard taken so far is released before returning.
func (m *ContextShardedMutex) LockMany(ctx context.Context, keys ...string) (func(), error) {
	m.init()

	idx := make([]uint32, 0, len(keys))
	for _, k := range keys {
		idx = append(idx, shardIdx(k))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	held := make([]*chanMutex, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].ch <- struct{}{}
		}
	}

	for _, i := range idx {
		shard := &m.shards[i]
		select {
		case <-shard.ch:
			held = append(held, shard)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
