package utils

import (
	"fmt"
	"sync"
)

// MutexMap is a set of mutexes created on demand per key. Entries are
// removed once no goroutine holds or waits for them.
type MutexMap struct {
	edit         sync.Mutex
	queueLengths map[string]int
	mutexes      map[string]*sync.Mutex
	maxSize      int
}

func NewMutexMap(maxSize int) *MutexMap {
	return &MutexMap{
		queueLengths: make(map[string]int),
		mutexes:      make(map[string]*sync.Mutex),
		maxSize:      maxSize,
	}
}

func (m *MutexMap) Lock(key string) error {
	m.edit.Lock()

	mu := m.mutexes[key]
	if mu == nil {
		if m.maxSize > 0 && len(m.mutexes) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("max size reached")
		}

		mu = &sync.Mutex{}
		m.mutexes[key] = mu
	}

	m.queueLengths[key]++
	m.edit.Unlock()

	mu.Lock()
	return nil
}

func (m *MutexMap) Unlock(key string) error {
	m.edit.Lock()
	defer m.edit.Unlock()

	mu := m.mutexes[key]
	if mu == nil {
		return fmt.Errorf("key %s not found", key)
	}

	mu.Unlock()
	m.queueLengths[key]--

	if m.queueLengths[key] == 0 {
		delete(m.mutexes, key)
		delete(m.queueLengths, key)
	}
	return nil
}

// Size is the number of keys currently held or waited on.
func (m *MutexMap) Size() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.mutexes)
}
