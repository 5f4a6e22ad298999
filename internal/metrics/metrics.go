// Package metrics wraps github.com/cactus/go-statsd-client. replicore
// threads a single statsd.Statter through the registry, coordinator,
// election and recovery components; the counters emitted today are
// operation timeouts (registry), leader changes (election), and
// completed runs and divergences (recovery).
package metrics

import (
	"time"

	"github.com/cactus/go-statsd-client/v5/statsd"
)

// New dials a UDP statsd client at addr with the given metric prefix,
// or returns a no-op client when addr is empty.
func New(addr, prefix string) (statsd.Statter, error) {
	if addr == "" {
		return statsd.NewNoopClient()
	}
	return statsd.NewClientWithConfig(&statsd.ClientConfig{
		Address: addr,
		Prefix:  prefix,
	})
}

// Noop returns a statter that discards everything, used by components
// and tests that do not want to dial a real statsd endpoint.
func Noop() statsd.Statter {
	s, _ := statsd.NewNoopClient()
	return s
}

// Timing records the elapsed time since start under name, for use as
// "defer metrics.Timing(s, name, time.Now())" at the top of a call.
func Timing(s statsd.Statter, name string, start time.Time) {
	if s == nil {
		return
	}
	_ = s.TimingDuration(name, time.Since(start), 1.0)
}
