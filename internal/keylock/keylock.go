// Package keylock provides one logical lock per string key. A lock may be held
// across blocking calls (store round trips) and acquisition honours context
// cancellation. Entries are reference counted and dropped when unused, so
// unrelated keys never contend beyond the brief map lookup.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		m.drop(key, e)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			m.drop(key, e)
		})
	}, nil
}

func (m *Map) drop(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
