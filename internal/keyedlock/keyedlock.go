// Package keyedlock provides mutual exclusion per string key, such as a
// conversation id.
package keyedlock

import "sync"

// Mutex holds one lock per key. Entries are dropped once no goroutine holds
// or waits on them. The zero value is ready to use.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the lock for key is held and returns its release
// function.
func (m *Mutex) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = map[string]*entry{}
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
