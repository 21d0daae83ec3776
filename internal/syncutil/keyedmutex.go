// Package syncutil provides keyed mutual exclusion for per-actor state.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 128

// KeyedMutex serializes operations per string key using a fixed pool of
// mutexes. Memory stays bounded regardless of how many keys are seen, at
// the cost of occasional false sharing between keys that hash to the same
// shard. Used to guarantee that concurrent transactions for the same actor
// never interleave reputation updates.
type KeyedMutex struct {
	shards []sync.Mutex
}

// NewKeyedMutex creates a keyed mutex with the given shard count.
// Zero or negative counts fall back to the default.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = defaultShards
	}
	return &KeyedMutex{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the mutex for the given key and returns an unlock function.
//
//	unlock := m.Lock(actorID)
//	defer unlock()
func (m *KeyedMutex) Lock(key string) func() {
	mu := m.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (m *KeyedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%uint32(len(m.shards))]
}
