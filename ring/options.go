package ring

import (
	"log/slog"

	"github.com/frobware/go-pvio/metrics"
)

type options struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Stream or a Channel.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the collectors to report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(name string, opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With("component", "ring", "ring", name)
	return o
}
