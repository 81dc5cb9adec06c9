package dynprop

import (
	"context"
	"strings"
	"sync"
)

// InMemorySource is a PropertySource backed by a process-local map. It
// implements the full source contract, including idempotent upsert and
// removal events, and is the reference fake for engine tests and for code
// that runs without a remote store.
type InMemorySource struct {
	dispatcher *Dispatcher

	mu     sync.RWMutex
	values map[string]string
}

// NewInMemorySource creates an empty source.
func NewInMemorySource(opts ...Option) *InMemorySource {
	o := newOptions(opts)
	return &InMemorySource{
		dispatcher: NewDispatcher(o.logger),
		values:     make(map[string]string),
	}
}

// SubscribeAndCall implements PropertySource.
func (s *InMemorySource) SubscribeAndCall(key string, defaultValue OptionalValue[string], l RawListener) (*Subscription, error) {
	return s.dispatcher.SubscribeAndCall(key, defaultValue, l, s.lookup), nil
}

// UpsertProperty implements PropertySource. Writing the payload the key
// already holds emits no event.
func (s *InMemorySource) UpsertProperty(key, value string) error {
	s.mu.Lock()
	if current, ok := s.values[key]; ok && current == value {
		s.mu.Unlock()
		return nil
	}
	s.values[key] = value
	s.mu.Unlock()

	s.dispatcher.Fire(key, value, true)
	return nil
}

// PutIfAbsent implements PropertySource.
func (s *InMemorySource) PutIfAbsent(key, value string) error {
	s.mu.Lock()
	if _, ok := s.values[key]; ok {
		s.mu.Unlock()
		return nil
	}
	s.values[key] = value
	s.mu.Unlock()

	s.dispatcher.Fire(key, value, true)
	return nil
}

// Remove deletes key and delivers a removal event to its subscribers.
// Removing an absent key is a no-op.
func (s *InMemorySource) Remove(key string) error {
	s.mu.Lock()
	if _, ok := s.values[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.values, key)
	s.mu.Unlock()

	s.dispatcher.Fire(key, "", false)
	return nil
}

// GetProperty implements PropertySource.
func (s *InMemorySource) GetProperty(key string) (string, bool, error) {
	value, ok := s.lookup(key)
	return value, ok, nil
}

// ReadAllProperties implements PropertySource.
func (s *InMemorySource) ReadAllProperties(ctx context.Context) (map[string]string, error) {
	return s.ReadAllSubtreeProperties(ctx, "")
}

// ReadAllSubtreeProperties implements PropertySource.
func (s *InMemorySource) ReadAllSubtreeProperties(ctx context.Context, root string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string)
	if root == "" {
		for key, value := range s.values {
			result[key] = value
		}
		return result, nil
	}
	prefix := root + "/"
	for key, value := range s.values {
		if strings.HasPrefix(key, prefix) {
			result[strings.TrimPrefix(key, prefix)] = value
		}
	}
	return result, nil
}

// Close implements PropertySource.
func (s *InMemorySource) Close() error {
	s.dispatcher.Close()
	return nil
}

func (s *InMemorySource) lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}
