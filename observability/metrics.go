package observability

import (
	"github.com/armon/go-metrics"

	"github.com/Liangxia6/quicmux/config"
)

// Metrics is the in-memory metrics sink of a binary. Sending the process
// metrics.DefaultSignal (SIGUSR1) dumps the collected data to stderr.
type Metrics struct {
	Sink   *metrics.InmemSink
	signal *metrics.InmemSignal
}

// SetupMetrics installs the global metrics sink. With metrics disabled, it
// installs a blackhole sink, so the engine's counters cost nothing.
func SetupMetrics(c config.MetricsConfig) (*Metrics, error) {
	name := c.ServiceName
	if name == "" {
		name = "quicmux"
	}
	cfg := metrics.DefaultConfig(name)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if !c.Enable {
		if _, err := metrics.NewGlobal(cfg, &metrics.BlackholeSink{}); err != nil {
			return nil, err
		}
		return &Metrics{}, nil
	}
	sink := metrics.NewInmemSink(c.Interval, c.Retain)
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}
	return &Metrics{Sink: sink, signal: metrics.DefaultInmemSignal(sink)}, nil
}

// Stop stops listening for the dump signal.
func (m *Metrics) Stop() {
	if m.signal != nil {
		m.signal.Stop()
	}
}
