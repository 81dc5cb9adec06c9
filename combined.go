package dynprop

// Combined is a property derived from several parent properties. Any single
// parent change triggers one recomputation over the current snapshot of all
// parents. Changes to two parents in quick succession trigger two
// recomputations in sequence: there is no debouncing or coalescing, so
// subscribers see at least one notification per upstream change.
type Combined[R any] struct {
	*Atomic[R]
	subs []*Subscription
}

// Combine derives a property from the given sources. compute takes no
// arguments and reads the current parent values through the closures it
// captures, which keeps the parents' element types free to differ:
//
//	greeting := dynprop.NewAtomic("hello")
//	count := dynprop.NewAtomic(123)
//	joined := dynprop.Combine(func() string {
//		return fmt.Sprintf("%s%d", greeting.Get(), count.Get())
//	}, []dynprop.Observable{greeting, count})
//
// The initial value is computed before Combine returns; a panic inside
// compute at that point propagates to the caller.
func Combine[R any](compute func() R, sources []Observable, opts ...Option) *Combined[R] {
	c := &Combined[R]{Atomic: newAtomic[R](opts...)}
	for _, source := range sources {
		c.subs = append(c.subs, source.OnChange(func() {
			c.Atomic.Set(compute())
		}))
	}
	c.Atomic.Set(compute())
	return c
}

// Close releases every parent subscription, then clears this property's own
// listeners.
func (c *Combined[R]) Close() {
	closeAll(c.subs)
	c.Atomic.Close()
}
