package storage

import "sync"

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// keyedCounter counts outstanding holders of each key.
type keyedCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newKeyedCounter() *keyedCounter {
	return &keyedCounter{counts: make(map[string]int)}
}

// Acquire increments key and returns a release that undoes it once.
func (k *keyedCounter) Acquire(key string) func() {
	k.mu.Lock()
	k.counts[key]++
	k.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			k.mu.Lock()
			defer k.mu.Unlock()
			if k.counts[key]--; k.counts[key] <= 0 {
				delete(k.counts, key)
			}
		})
	}
}

func (k *keyedCounter) Held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.counts[key] > 0
}
