package browser

import (
	"net/http"

	"go.uber.org/zap"
)

type options struct {
	logger    *zap.Logger
	transport http.RoundTripper
}

// Option customizes a Manager.
type Option func(*options)

// WithLogger attaches a logger; the default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTransport overrides the HTTP transport used by the static manager.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
