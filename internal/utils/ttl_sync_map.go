package utils

import (
	"sync"
	"time"
)

type ttlEntry struct {
	value    any
	expires  time.Time
	inserted time.Time
}

// TTLSyncMap is a concurrency-safe map whose entries expire after a fixed
// TTL. A background janitor removes stale entries on a fixed interval.
type TTLSyncMap struct {
	mu      sync.RWMutex
	entries map[string]*ttlEntry
	ttl     time.Duration
	done    chan struct{}
	once    sync.Once
}

func NewTTLSyncMap(ttl, cleanupInterval time.Duration) *TTLSyncMap {
	m := &TTLSyncMap{
		entries: make(map[string]*ttlEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}

	go m.janitor(cleanupInterval)

	return m
}

func (m *TTLSyncMap) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.value, true
}

func (m *TTLSyncMap) Set(key string, value any) {
	now := time.Now()
	m.mu.Lock()
	m.entries[key] = &ttlEntry{value: value, expires: now.Add(m.ttl), inserted: now}
	m.mu.Unlock()
}

// Touch extends the entry's lifetime by the map TTL. Returns false when the
// key is absent or already expired.
func (m *TTLSyncMap) Touch(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return false
	}
	entry.expires = time.Now().Add(m.ttl)
	return true
}

func (m *TTLSyncMap) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *TTLSyncMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stop terminates the janitor goroutine. Safe to call multiple times.
func (m *TTLSyncMap) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *TTLSyncMap) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if now.After(entry.expires) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
