// Package dynprop is a reactive configuration-propagation engine: typed,
// live-updating properties whose authoritative values live in a remote,
// hierarchical, watchable store.
//
// The engine is a passive reactor. It never spawns worker threads of its
// own; properties mutate and notify on whichever thread calls Set or on the
// event-delivery thread of the backing source. Per property instance,
// cache update and listener fan-out are serialized by an exclusive lock, so
// listeners observe changes to one property in order. No ordering holds
// across different properties.
//
// Property variants:
//
//   - Atomic: the root mutable property. Holds a value, fans (old, new) out
//     to listeners on Set.
//   - Mapped: derived from one parent through a pure transform.
//   - Combined: derived from several parents; recomputes from the current
//     snapshot of all of them on any change.
//   - Sourced: bound to one key in a PropertySource, with a local cache and
//     a default that applies whenever the key is absent.
//
// Every listener registration returns a Subscription token owned by the
// caller. There is no reachability-based cleanup: close the token, or leak
// the registration. Derived properties own the subscriptions to their
// parents and close them when closed themselves.
//
// Concrete sources live in subpackages: dynprop/zk mirrors a ZooKeeper
// subtree, dynprop/filesource serves a watched TOML or YAML file.
// InMemorySource in this package backs tests and storeless runs.
//
// Quick start:
//
//	source := dynprop.NewInMemorySource()
//	limit, err := dynprop.NewSourced(source, "limits/rate",
//		dynprop.DefaultMarshaller[int](), dynprop.Present(100))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer limit.Close()
//
//	sub := limit.AddAndCallListener(func(oldValue, newValue int) {
//		fmt.Println("rate limit:", oldValue, "->", newValue)
//	})
//	defer sub.Close()
package dynprop
