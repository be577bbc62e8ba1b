package clearcms

import (
	"sync"
)

// Store holds per-session values. Values are visible to templates under
// server.session.
type Store interface {
	Get(key string) (interface{}, bool)
	Put(key string, v interface{})
	Delete(key string)
	// Values returns a copy of all entries.
	Values() map[string]interface{}
}

type memoryStore struct {
	locker  sync.RWMutex
	entries map[string]interface{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[string]interface{})}
}

func (s *memoryStore) Get(key string) (interface{}, bool) {
	s.locker.RLock()
	defer s.locker.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *memoryStore) Put(key string, v interface{}) {
	s.locker.Lock()
	s.entries[key] = v
	s.locker.Unlock()
}

func (s *memoryStore) Delete(key string) {
	s.locker.Lock()
	delete(s.entries, key)
	s.locker.Unlock()
}

func (s *memoryStore) Values() map[string]interface{} {
	s.locker.RLock()
	defer s.locker.RUnlock()
	values := make(map[string]interface{}, len(s.entries))
	for k, v := range s.entries {
		values[k] = v
	}
	return values
}
