package dynprop

import "sync"

// Listener receives the previous and the new value of a property after the
// property's cache has been updated, on whatever thread delivered the change.
// Listeners must not call Set (or any other mutating operation) on the
// property they observe: fan-out holds the property's serialization lock and
// re-entry deadlocks.
type Listener[T any] func(oldValue, newValue T)

// Property is a live, observable, typed value. All concrete variants
// (Atomic, Mapped, Combined, Sourced) implement it.
//
// Get always returns the value most recently delivered to every registered
// listener: no listener observes a value before Get can return it, and Get
// never returns a stale value once all listeners have seen a newer one.
type Property[T any] interface {
	// Get returns the current value.
	Get() T

	// AddListener registers a listener invoked on every subsequent change,
	// in registration order. The returned subscription removes exactly this
	// registration when closed.
	AddListener(l Listener[T]) *Subscription

	// AddAndCallListener registers a listener and immediately invokes it
	// with (zero value of T, current value), so the subscriber does not
	// have to wait for the next change to learn the current state. The
	// zero old value marks the initial delivery.
	AddAndCallListener(l Listener[T]) *Subscription

	// Close removes all listeners. Get keeps returning the last value.
	Close()
}

// Observable is the untyped view of a property used to combine parents of
// heterogeneous element types. All property variants implement it.
type Observable interface {
	// OnChange registers a callback invoked after every value change.
	OnChange(fn func()) *Subscription
}

// Subscription is the ownership token returned by every listener
// registration. The caller owns it exclusively; closing it removes exactly
// one registration. Close is idempotent and safe to call concurrently with
// an in-flight notification: the notification either completes as the last
// one or does not start.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps a cancellation function into a subscription token.
// Used by PropertySource implementations.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Close releases the registration backing this subscription. Closing twice
// is a no-op. A nil subscription is safe to close.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// closeAll closes every subscription in order. Helper for derived properties
// tearing down their parent subscriptions.
func closeAll(subs []*Subscription) {
	for _, sub := range subs {
		sub.Close()
	}
}
