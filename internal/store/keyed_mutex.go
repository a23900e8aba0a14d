package store

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

func shardFor(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

// KeyedMutex hands out one exclusive lock per key. Lock entries are
// reference counted and dropped when the last holder unlocks, so the table
// only grows with the number of keys currently in use.
type KeyedMutex struct {
	shards [shardCount]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	k := &KeyedMutex{}
	for i := range k.shards {
		k.shards[i].locks = make(map[string]*refLock)
	}
	return k
}

// Lock blocks until the lock for key is held and returns its release function.
func (k *KeyedMutex) Lock(key string) func() {
	shard := &k.shards[shardFor(key)]

	shard.mu.Lock()
	l, ok := shard.locks[key]
	if !ok {
		l = &refLock{}
		shard.locks[key] = l
	}
	l.refs++
	shard.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		shard.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(shard.locks, key)
		}
		shard.mu.Unlock()
	}
}

// held returns the number of keys with active holders or waiters.
func (k *KeyedMutex) held() int {
	n := 0
	for i := range k.shards {
		k.shards[i].mu.Lock()
		n += len(k.shards[i].locks)
		k.shards[i].mu.Unlock()
	}
	return n
}
