package registry

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store used in tests
type MemoryStore struct {
	mu      sync.RWMutex
	volumes map[string]Volume
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		volumes: make(map[string]Volume),
	}
}

func (s *MemoryStore) Get(name string) (*Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vol, ok := s.volumes[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &vol, nil
}

func (s *MemoryStore) Put(v *Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[v.Name] = *v
	return nil
}

func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.volumes, name)
	return nil
}

func (s *MemoryStore) List() ([]Volume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	volumes := make([]Volume, 0, len(s.volumes))
	for _, vol := range s.volumes {
		volumes = append(volumes, vol)
	}
	sort.Slice(volumes, func(i, j int) bool {
		return volumes[i].Name < volumes[j].Name
	})
	return volumes, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
