package swarm

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/swarm/pkg/clock"
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
	registry     *Registry
	storage      Receiver
	clockOpts    []clock.Option
	isServer     func(id string) bool
}

// Option to pass to `NewHost`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the host and its pipes.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the host.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithRegistry sets the types the host can instantiate. By default, a
// host only knows the `Model` type.
func WithRegistry(reg *Registry) Option {
	return func(c *config) error {
		if reg == nil {
			return fmt.Errorf("nil registry")
		}
		c.registry = reg
		return nil
	}
}

// WithStorage plugs a storage peer. It is always the first source of a
// client host and the host's own slot in the server-side ranking.
func WithStorage(storage Receiver) Option {
	return func(c *config) error {
		c.storage = storage
		return nil
	}
}

// WithClockOffset simulates a skewed wall clock.
func WithClockOffset(offset time.Duration) Option {
	return func(c *config) error {
		c.clockOpts = append(c.clockOpts, clock.WithOffset(offset))
		return nil
	}
}

// WithClockOptions forwards raw options to the host's clock.
func WithClockOptions(opts ...clock.Option) Option {
	return func(c *config) error {
		c.clockOpts = append(c.clockOpts, opts...)
		return nil
	}
}

// WithServerPredicate tells which peer ids are servers, that is
// candidates for consistent-hash uplink selection. Ids starting with
// "swarm" are servers by default.
func WithServerPredicate(isServer func(id string) bool) Option {
	return func(c *config) error {
		if isServer == nil {
			return fmt.Errorf("nil server predicate")
		}
		c.isServer = isServer
		return nil
	}
}

func defaultIsServer(id string) bool {
	return strings.HasPrefix(id, "swarm")
}
