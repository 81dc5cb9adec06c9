package dynprop

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Marshaller converts a property payload between its stored UTF-8 text form
// and a typed value. Implementations must be safe for concurrent use.
type Marshaller[T any] interface {
	Marshal(value T) (string, error)
	Unmarshal(text string) (T, error)
}

// DefaultMarshaller returns the codec used unless a caller supplies its own:
// strings pass through verbatim, booleans, integers and floats use their
// canonical decimal forms, time.Duration uses the Go duration syntax, and
// any other type round-trips through JSON.
func DefaultMarshaller[T any]() Marshaller[T] {
	return defaultMarshaller[T]{}
}

// JSONMarshaller encodes values of any type as JSON text. Useful when a
// string-typed property must carry quoted JSON rather than raw text.
func JSONMarshaller[T any]() Marshaller[T] {
	return jsonMarshaller[T]{}
}

type defaultMarshaller[T any] struct{}

func (defaultMarshaller[T]) Marshal(value T) (string, error) {
	switch v := any(value).(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Duration:
		return v.String(), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", value, err)
	}
	return string(b), nil
}

func (defaultMarshaller[T]) Unmarshal(text string) (T, error) {
	var value T
	switch p := any(&value).(type) {
	case *string:
		*p = text
		return value, nil
	case *bool:
		v, err := strconv.ParseBool(text)
		if err != nil {
			return value, fmt.Errorf("parse %q as bool: %w", text, err)
		}
		*p = v
		return value, nil
	case *int:
		v, err := strconv.Atoi(text)
		if err != nil {
			return value, fmt.Errorf("parse %q as int: %w", text, err)
		}
		*p = v
		return value, nil
	case *int32:
		v, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return value, fmt.Errorf("parse %q as int32: %w", text, err)
		}
		*p = int32(v)
		return value, nil
	case *int64:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return value, fmt.Errorf("parse %q as int64: %w", text, err)
		}
		*p = v
		return value, nil
	case *uint64:
		v, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return value, fmt.Errorf("parse %q as uint64: %w", text, err)
		}
		*p = v
		return value, nil
	case *float32:
		v, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return value, fmt.Errorf("parse %q as float32: %w", text, err)
		}
		*p = float32(v)
		return value, nil
	case *float64:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return value, fmt.Errorf("parse %q as float64: %w", text, err)
		}
		*p = v
		return value, nil
	case *time.Duration:
		v, err := time.ParseDuration(text)
		if err != nil {
			return value, fmt.Errorf("parse %q as duration: %w", text, err)
		}
		*p = v
		return value, nil
	}
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return value, fmt.Errorf("decode %q as %T: %w", text, value, err)
	}
	return value, nil
}

type jsonMarshaller[T any] struct{}

func (jsonMarshaller[T]) Marshal(value T) (string, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", value, err)
	}
	return string(b), nil
}

func (jsonMarshaller[T]) Unmarshal(text string) (T, error) {
	var value T
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return value, fmt.Errorf("decode %q as %T: %w", text, value, err)
	}
	return value, nil
}
