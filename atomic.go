package dynprop

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Atomic is the root mutable property: a concurrency-safe value cell with
// listener fan-out. Set atomically swaps the value and, under a per-instance
// serialization lock, delivers (old, new) to every registered listener in
// registration order. A listener that panics does not abort delivery to the
// remaining listeners and does not corrupt the value; the failure is logged
// and swallowed at the fan-out boundary.
type Atomic[T any] struct {
	log   *slog.Logger
	value atomic.Pointer[T]

	// notifyMu serializes Set (swap + fan-out) and the immediate delivery
	// of AddAndCallListener, so a listener added via add-and-call cannot
	// miss an update between reading the current value and registering.
	notifyMu sync.Mutex

	regMu     sync.Mutex
	listeners []listenerEntry[T]
	nextID    atomic.Int64
}

type listenerEntry[T any] struct {
	id int64
	fn Listener[T]
}

// NewAtomic creates a root property holding initial.
func NewAtomic[T any](initial T, opts ...Option) *Atomic[T] {
	p := newAtomic[T](opts...)
	p.value.Store(&initial)
	return p
}

// newAtomic creates an empty cell for derived properties that set their
// first value synchronously during construction.
func newAtomic[T any](opts ...Option) *Atomic[T] {
	o := newOptions(opts)
	return &Atomic[T]{log: o.logger}
}

// Get returns the current value. For a property that has never held a value
// it returns the zero value of T; every exported constructor delivers a
// first value before returning, so callers only observe initialized cells.
func (p *Atomic[T]) Get() T {
	v := p.value.Load()
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

// Set swaps the value and notifies all listeners with (old, new). Listeners
// run on the calling thread, serialized per instance. Calling Set from
// inside one of this property's own listeners deadlocks and is prohibited.
func (p *Atomic[T]) Set(newValue T) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	old := p.value.Swap(&newValue)
	var oldValue T
	if old != nil {
		oldValue = *old
	}
	for _, entry := range p.snapshot() {
		safeInvoke(p.log, entry.fn, oldValue, newValue)
	}
}

// AddListener registers a listener for subsequent changes.
func (p *Atomic[T]) AddListener(l Listener[T]) *Subscription {
	id := p.nextID.Add(1)
	p.regMu.Lock()
	p.listeners = append(p.listeners, listenerEntry[T]{id: id, fn: l})
	p.regMu.Unlock()
	return NewSubscription(func() { p.removeListener(id) })
}

// AddAndCallListener registers a listener and immediately invokes it with
// (zero value, current value). The delivery is serialized with Set, so the
// listener observes every change from the current value onward.
func (p *Atomic[T]) AddAndCallListener(l Listener[T]) *Subscription {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	sub := p.AddListener(l)
	var zero T
	safeInvoke(p.log, l, zero, p.Get())
	return sub
}

// OnChange implements Observable.
func (p *Atomic[T]) OnChange(fn func()) *Subscription {
	return p.AddListener(func(T, T) { fn() })
}

// Close removes all listeners. The value remains readable through Get.
func (p *Atomic[T]) Close() {
	p.regMu.Lock()
	p.listeners = nil
	p.regMu.Unlock()
}

func (p *Atomic[T]) removeListener(id int64) {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	for i, entry := range p.listeners {
		if entry.id == id {
			p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
			return
		}
	}
}

// snapshot returns the registration-order listener list without holding
// regMu during fan-out, so listeners may be added or removed while a
// notification is in flight.
func (p *Atomic[T]) snapshot() []listenerEntry[T] {
	p.regMu.Lock()
	defer p.regMu.Unlock()
	return p.listeners[:len(p.listeners):len(p.listeners)]
}

func (p *Atomic[T]) String() string {
	return fmt.Sprintf("Atomic(%v)", p.Get())
}

// safeInvoke runs one listener, containing any panic at the fan-out
// boundary so the remaining listeners still run.
func safeInvoke[T any](log *slog.Logger, fn Listener[T], oldValue, newValue T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("property listener failed",
				"oldValue", oldValue,
				"newValue", newValue,
				"panic", r)
		}
	}()
	fn(oldValue, newValue)
}
