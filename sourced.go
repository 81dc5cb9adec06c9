package dynprop

import (
	"fmt"
	"sync/atomic"
)

// Sourced binds a property to one key in a remote watchable store. The
// authoritative value lives in the store; Sourced keeps a local cache,
// reacts to remote add, update and remove events, and falls back to its
// default when the key is absent.
//
// Construction performs exactly one synchronous subscribe-and-deliver, so
// Get is valid as soon as NewSourced returns. Every remote event for the key
// is then applied under this instance's lock: cache swap first, listener
// fan-out second, in store-emission order.
type Sourced[T any] struct {
	*Atomic[T]
	key string
	sub *Subscription
}

// NewSourced creates a property bound to key in source, decoding payloads
// with marshaller.
//
// Default-value policy: the default is delivered when the key is absent at
// construction and again whenever the key is removed later; a present remote
// value always wins over it. Two Sourced instances on the same key keep
// fully independent defaults. When the key is absent and no default is
// configured, NewSourced fails with ErrNoValue rather than inventing a zero
// value.
//
// A malformed remote payload is a delivery failure: it is logged and the
// cached value stays unchanged. On the very first delivery there is no
// cached value to keep, so a malformed payload falls back to the default, or
// fails construction when none is configured.
func NewSourced[T any](source PropertySource, key string, marshaller Marshaller[T], defaultValue OptionalValue[T], opts ...Option) (*Sourced[T], error) {
	o := newOptions(opts)
	s := &Sourced[T]{
		Atomic: newAtomic[T](opts...),
		key:    key,
	}

	rawDefault := Absent[string]()
	if dv, ok := defaultValue.Get(); ok {
		encoded, err := marshaller.Marshal(dv)
		if err != nil {
			return nil, fmt.Errorf("encode default for property %q: %w", key, err)
		}
		rawDefault = Present(encoded)
	}

	// The first callback runs synchronously inside SubscribeAndCall and the
	// source serializes deliveries, so initialized flips strictly before
	// any asynchronous event is handled.
	var initialized atomic.Bool
	var initErr error

	sub, err := source.SubscribeAndCall(key, rawDefault, func(raw string, present bool) {
		first := initialized.CompareAndSwap(false, true)

		if !present {
			// Absent with no default: nothing legal to transition to.
			if first {
				initErr = fmt.Errorf("property %q: %w", key, ErrNoValue)
				return
			}
			o.logger.Warn("property removed with no default, keeping last value",
				"key", key)
			return
		}

		value, err := marshaller.Unmarshal(raw)
		if err != nil {
			if first {
				if dv, ok := defaultValue.Get(); ok {
					o.logger.Error("malformed initial property value, using default",
						"key", key,
						"value", raw,
						"error", err)
					s.Atomic.Set(dv)
					return
				}
				initErr = fmt.Errorf("decode property %q: %w", key, err)
				return
			}
			o.logger.Error("malformed property value, keeping last value",
				"key", key,
				"value", raw,
				"error", err)
			return
		}

		s.Atomic.Set(value)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe property %q: %w", key, err)
	}
	if initErr != nil {
		sub.Close()
		return nil, initErr
	}

	s.sub = sub
	return s, nil
}

// Key returns the store key this property is bound to.
func (s *Sourced[T]) Key() string {
	return s.key
}

// Close cancels the source subscription and clears local listeners. No
// further deliveries occur; Get keeps returning the last cached value.
// Closing twice is a no-op.
func (s *Sourced[T]) Close() {
	s.sub.Close()
	s.Atomic.Close()
}

func (s *Sourced[T]) String() string {
	return fmt.Sprintf("Sourced(%q=%v)", s.key, s.Get())
}
