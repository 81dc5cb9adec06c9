package dynprop

import "log/slog"

// Option configures a property or source at construction time.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logging sink used to report contained failures
// (listener panics, decode errors). Passing nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
