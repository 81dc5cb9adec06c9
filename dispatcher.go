package dynprop

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Dispatcher is the per-key listener registry shared by PropertySource
// implementations. It serializes delivery per source, applies each
// subscription's default when a key is absent, and contains per-listener
// panics so one bad listener cannot block the others.
//
// Registration and removal are safe from arbitrary threads while a dispatch
// is in progress.
type Dispatcher struct {
	log *slog.Logger

	// dispatchMu serializes Fire with the synchronous first delivery of
	// SubscribeAndCall, closing the notify-then-read window: a subscriber
	// either sees the pre-event value and then the event, or only the
	// post-event value.
	dispatchMu sync.Mutex

	regMu  sync.Mutex
	regs   map[string][]*registration
	nextID atomic.Int64
}

type registration struct {
	id           int64
	key          string
	defaultValue OptionalValue[string]
	fn           RawListener
}

// NewDispatcher creates an empty registry reporting contained failures to
// log.
func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:  log,
		regs: make(map[string][]*registration),
	}
}

// SubscribeAndCall registers fn under key and synchronously delivers the
// current value obtained from lookup, or the subscription's default when the
// key is absent. lookup is called under the dispatch lock.
func (d *Dispatcher) SubscribeAndCall(key string, defaultValue OptionalValue[string], fn RawListener, lookup func(key string) (string, bool)) *Subscription {
	reg := &registration{
		id:           d.nextID.Add(1),
		key:          key,
		defaultValue: defaultValue,
		fn:           fn,
	}

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.regMu.Lock()
	d.regs[key] = append(d.regs[key], reg)
	d.regMu.Unlock()

	value, present := lookup(key)
	d.deliver(reg, value, present)

	return NewSubscription(func() { d.remove(key, reg.id) })
}

// Fire delivers a change event for key to every current subscriber, in
// registration order. present=false signals removal of the key; subscribers
// carrying a default receive the default instead.
func (d *Dispatcher) Fire(key, value string, present bool) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	for _, reg := range d.registrations(key) {
		d.deliver(reg, value, present)
	}
}

// Close drops every registration. Subscriptions handed out earlier become
// inert; closing them stays a no-op.
func (d *Dispatcher) Close() {
	d.regMu.Lock()
	d.regs = make(map[string][]*registration)
	d.regMu.Unlock()
}

func (d *Dispatcher) registrations(key string) []*registration {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	regs := d.regs[key]
	return regs[:len(regs):len(regs)]
}

func (d *Dispatcher) remove(key string, id int64) {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	regs := d.regs[key]
	for i, reg := range regs {
		if reg.id == id {
			d.regs[key] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) deliver(reg *registration, value string, present bool) {
	if !present {
		if dv, ok := reg.defaultValue.Get(); ok {
			value, present = dv, true
		}
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("property change listener failed",
				"key", reg.key,
				"panic", r)
		}
	}()
	reg.fn(value, present)
}
