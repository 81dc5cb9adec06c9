package dynprop

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoValue reports a source-bound property constructed for a key that is
// absent from the store while no default value was configured.
var ErrNoValue = errors.New("key is absent and no default value is configured")

// RawListener receives a property's raw UTF-8 payload. present is false only
// when the key is absent from the store and the subscription carries no
// default value.
type RawListener func(value string, present bool)

// PropertySource is the contract between the engine and a remote watchable
// key/value tree. Keys are POSIX-like slash-separated paths relative to the
// source's configured root; payloads are string-encoded values stored as
// UTF-8 bytes, one leaf node per property.
//
// Delivery is serialized per source: two events for the same key are never
// dispatched concurrently and arrive in the order the store emitted them.
// No ordering is guaranteed across different keys.
type PropertySource interface {
	// SubscribeAndCall registers a listener for key and delivers exactly one
	// synchronous callback before returning: the key's current value, else
	// the given default, else present=false. After that the listener
	// receives zero or more asynchronous callbacks on change; when the key
	// is removed the default (when present) is delivered in its place. The
	// default is per subscription: independent subscribers on the same key
	// keep independent defaults.
	SubscribeAndCall(key string, defaultValue OptionalValue[string], l RawListener) (*Subscription, error)

	// UpsertProperty creates or updates key. Writing a payload identical to
	// the stored one is a no-op and emits no event. A creation race with a
	// concurrent writer is retried from the read step a bounded number of
	// times before the conflict is surfaced.
	UpsertProperty(key, value string) error

	// PutIfAbsent creates key only when absent. A concurrent creation is
	// success: another writer already satisfied the postcondition.
	PutIfAbsent(key, value string) error

	// GetProperty returns the current payload of key, and whether the key
	// exists.
	GetProperty(key string) (value string, present bool, err error)

	// ReadAllProperties returns a snapshot of every property under the
	// source root, read from the authoritative store rather than any local
	// mirror. It fails when the context deadline expires; it never passes
	// off a partial read as an empty configuration.
	ReadAllProperties(ctx context.Context) (map[string]string, error)

	// ReadAllSubtreeProperties is ReadAllProperties restricted to the
	// subtree under root, with keys relative to it.
	ReadAllSubtreeProperties(ctx context.Context, root string) (map[string]string, error)

	// Close stops event delivery and releases all subscriptions.
	Close() error
}

// OptionalValue distinguishes "no default configured" from a default that
// happens to be the zero value.
type OptionalValue[T any] struct {
	value   T
	present bool
}

// Present wraps a configured value.
func Present[T any](v T) OptionalValue[T] {
	return OptionalValue[T]{value: v, present: true}
}

// Absent reports that no value is configured.
func Absent[T any]() OptionalValue[T] {
	return OptionalValue[T]{}
}

// Get returns the value and whether one is configured.
func (o OptionalValue[T]) Get() (T, bool) {
	return o.value, o.present
}

// IsPresent reports whether a value is configured.
func (o OptionalValue[T]) IsPresent() bool {
	return o.present
}

// GetPropertyAs reads key from source and decodes it with m. present is
// false when the key does not exist.
func GetPropertyAs[T any](source PropertySource, key string, m Marshaller[T]) (value T, present bool, err error) {
	raw, present, err := source.GetProperty(key)
	if err != nil || !present {
		var zero T
		return zero, present, err
	}
	v, err := m.Unmarshal(raw)
	if err != nil {
		var zero T
		return zero, true, fmt.Errorf("decode property %q: %w", key, err)
	}
	return v, true, nil
}
