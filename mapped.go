package dynprop

// Mapped is a property derived from a single source through a pure
// transform. It recomputes whenever the source changes and fans the result
// out to its own listeners.
type Mapped[T, R any] struct {
	*Atomic[R]
	sub *Subscription
}

// Map derives a property by applying transform to every value of source,
// starting with the current one. The transform must be pure; if it panics
// the failure is contained at the source's fan-out boundary, logged, and the
// derived value is left unchanged.
//
// The derived value is computed synchronously inside the source's
// notification, so listeners of the mapped property observe strictly-after-
// source ordering for the same change.
func Map[T, R any](source Property[T], transform func(T) R, opts ...Option) *Mapped[T, R] {
	m := &Mapped[T, R]{Atomic: newAtomic[R](opts...)}
	m.sub = source.AddAndCallListener(func(_, newValue T) {
		m.Atomic.Set(transform(newValue))
	})
	return m
}

// Close releases the source subscription, then clears this property's own
// listeners. Get keeps returning the last computed value.
func (m *Mapped[T, R]) Close() {
	m.sub.Close()
	m.Atomic.Close()
}
