package zk

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/go-zookeeper/zk"
)

// UpsertProperty implements dynprop.PropertySource as a bounded
// optimistic-concurrency loop: read, compare, write, retry on a detected
// creation conflict. A payload identical to the stored one is a no-op. The
// read goes to the store, not the mirror, so a mirror lagging its own write
// confirmation cannot steer the loop wrong.
func (s *Source) UpsertProperty(key, value string) error {
	path := s.absolutePath(key)
	data := []byte(value)

	for attempt := 1; attempt <= upsertRetryCount; attempt++ {
		current, _, err := s.conn.Get(path)
		if err == nil {
			if bytes.Equal(current, data) {
				return nil
			}
			if _, err := s.conn.Set(path, data, -1); err != nil {
				return fmt.Errorf("update property %q: %w", key, err)
			}
			return nil
		}
		if !errors.Is(err, zk.ErrNoNode) {
			return fmt.Errorf("read property %q: %w", key, err)
		}

		err = s.createWithParents(path, data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create property %q: %w", key, err)
		}
		// Someone else just created the node; retry from the read step.
		s.log.Debug("upsert lost creation race",
			"key", key,
			"attempt", attempt)
	}
	return fmt.Errorf("upsert property %q after %d attempts: %w", key, upsertRetryCount, ErrUpsertConflict)
}

// PutIfAbsent implements dynprop.PropertySource. A concurrent creation
// conflict is success: another writer already satisfied the postcondition.
func (s *Source) PutIfAbsent(key, value string) error {
	path := s.absolutePath(key)

	exists, _, err := s.conn.Exists(path)
	if err != nil {
		return fmt.Errorf("check property %q: %w", key, err)
	}
	if exists {
		return nil
	}

	err = s.createWithParents(path, []byte(value))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create property %q: %w", key, err)
	}
	return nil
}

// createWithParents creates the leaf node at path with data, first creating
// any missing intermediate nodes with empty payloads. Only the leaf's
// ErrNodeExists is returned to the caller; an existing parent is expected.
func (s *Source) createWithParents(path string, data []byte) error {
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	prefix := ""
	for _, segment := range segments[:len(segments)-1] {
		prefix += "/" + segment
		_, err := s.conn.Create(prefix, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create parent %q: %w", prefix, err)
		}
	}

	_, err := s.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll))
	return err
}
