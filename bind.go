package dynprop

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Default returns a placeholder property for struct binding. Until Bind
// replaces it, the placeholder behaves as a root property holding value; the
// value doubles as the declared default registered with the store when the
// field is bound.
func Default[T any](value T) Property[T] {
	return &pending[T]{Atomic: NewAtomic(value), defaultValue: value}
}

// pending is a Default placeholder. It carries the element type and the
// default through to Bind, which cannot recover either via reflection alone.
type pending[T any] struct {
	*Atomic[T]
	defaultValue T
}

// bindable is how Bind constructs a typed Sourced without knowing T.
type bindable interface {
	bindTo(source PropertySource, key string, opts []Option) (bound any, closer func(), err error)
}

func (p *pending[T]) bindTo(source PropertySource, key string, opts []Option) (any, func(), error) {
	o := newOptions(opts)
	m := DefaultMarshaller[T]()

	encoded, err := m.Marshal(p.defaultValue)
	if err != nil {
		return nil, nil, fmt.Errorf("encode default for property %q: %w", key, err)
	}
	// Seed the store so other subscribers observe the default too. Failure
	// is not fatal: the default still applies locally through the
	// subscription.
	if err := source.PutIfAbsent(key, encoded); err != nil {
		o.logger.Error("failed to register default value",
			"key", key,
			"error", err)
	}

	sp, err := NewSourced[T](source, key, m, Present(p.defaultValue), opts...)
	if err != nil {
		return nil, nil, err
	}
	return sp, sp.Close, nil
}

// Binding owns the source-bound properties created by one Bind call.
// Closing it closes all of them; closing twice is a no-op.
type Binding struct {
	once    sync.Once
	closers []func()
}

// Close tears down every property the binding created.
func (b *Binding) Close() {
	b.once.Do(func() {
		for _, closer := range b.closers {
			closer()
		}
	})
}

// Bind wires up a struct whose fields hold live properties. target must be a
// pointer to a struct; every exported field of type Property[T] tagged
// `dynprop:"key"` must be initialized with Default, and is replaced with a
// source-bound property before Bind returns. The default is registered with
// the store via PutIfAbsent and the first value is delivered synchronously,
// so the struct is fully usable when Bind returns.
//
//	type Settings struct {
//		RateLimit dynprop.Property[int]    `dynprop:"limits/rate"`
//		Greeting  dynprop.Property[string] `dynprop:"ui/greeting"`
//	}
//	settings := &Settings{
//		RateLimit: dynprop.Default(100),
//		Greeting:  dynprop.Default("hello"),
//	}
//	binding, err := dynprop.Bind(settings, source)
//
// A tagged field left nil has no declared default; that is a construction
// error, never a silent zero value. Fields without the tag, or tagged "-",
// are ignored.
func Bind(target any, source PropertySource, opts ...Option) (*Binding, error) {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, fmt.Errorf("bind target must be a non-nil struct pointer, got %T", target)
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("bind target must point to a struct, got %T", target)
	}

	t := v.Type()
	binding := &Binding{}

	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		tag := field.Tag.Get("dynprop")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if idx := strings.Index(tag, ","); idx >= 0 {
			key = tag[:idx]
		}
		if key == "" {
			binding.Close()
			return nil, fmt.Errorf("field %s.%s has an empty property key", t.Name(), field.Name)
		}

		fv := v.Field(i)
		if fv.Kind() != reflect.Interface {
			binding.Close()
			return nil, fmt.Errorf("field %s.%s tagged %q must be a dynprop.Property, got %s",
				t.Name(), field.Name, key, field.Type)
		}
		if fv.IsNil() {
			binding.Close()
			return nil, fmt.Errorf("field %s.%s tagged %q has no default value: initialize it with dynprop.Default",
				t.Name(), field.Name, key)
		}
		placeholder, ok := fv.Interface().(bindable)
		if !ok {
			binding.Close()
			return nil, fmt.Errorf("field %s.%s tagged %q is already bound or not a dynprop.Default placeholder",
				t.Name(), field.Name, key)
		}

		bound, closer, err := placeholder.bindTo(source, key, opts)
		if err != nil {
			binding.Close()
			return nil, fmt.Errorf("bind field %s.%s: %w", t.Name(), field.Name, err)
		}
		fv.Set(reflect.ValueOf(bound))
		binding.closers = append(binding.closers, closer)
	}

	return binding, nil
}
