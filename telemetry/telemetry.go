package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the hardware layer.
//
// Implementations must be inexpensive to call because hooks run inline with
// critical paths such as the abort and interlock checks.
type Collector interface {
	IncExposureStarted()
	IncExposureAborted()
	IncAlarm(code string)
	IncInterlockFailure(name string)
	IncCommandRetry(command string)
	IncCommandDropped()
	SetQueueDepth(depth int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncExposureStarted()        {}
func (noopCollector) IncExposureAborted()        {}
func (noopCollector) IncAlarm(string)            {}
func (noopCollector) IncInterlockFailure(string) {}
func (noopCollector) IncCommandRetry(string)     {}
func (noopCollector) IncCommandDropped()         {}
func (noopCollector) SetQueueDepth(int)          {}

// PrometheusCollector exposes hardware-layer counters via Prometheus.
type PrometheusCollector struct {
	exposuresStarted  prometheus.Counter
	exposuresAborted  prometheus.Counter
	alarms            *prometheus.CounterVec
	interlockFailures *prometheus.CounterVec
	commandRetries    *prometheus.CounterVec
	commandsDropped   prometheus.Counter
	queueDepth        prometheus.Gauge
}

// NewPrometheusCollector registers the required metrics with the provided
// registerer. A nil registerer falls back to the default one. Registration
// tolerates metrics that another collector instance already registered.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collector := &PrometheusCollector{}

	exposuresStarted, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "radhal_exposures_started_total",
		Help: "Number of exposures the generator began emitting.",
	})
	if err != nil {
		return nil, err
	}
	collector.exposuresStarted = exposuresStarted

	exposuresAborted, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "radhal_exposures_aborted_total",
		Help: "Number of exposures terminated by the abort path.",
	})
	if err != nil {
		return nil, err
	}
	collector.exposuresAborted = exposuresAborted

	alarms, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "radhal_generator_alarms_total",
		Help: "Number of generator alarms raised, by alarm code.",
	}, []string{"code"})
	if err != nil {
		return nil, err
	}
	collector.alarms = alarms

	interlockFailures, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "radhal_interlock_failures_total",
		Help: "Number of failed interlock checks, by interlock name.",
	}, []string{"interlock"})
	if err != nil {
		return nil, err
	}
	collector.interlockFailures = interlockFailures

	commandRetries, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "radhal_command_retries_total",
		Help: "Number of generator command retries, by command type.",
	}, []string{"command"})
	if err != nil {
		return nil, err
	}
	collector.commandRetries = commandRetries

	commandsDropped, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "radhal_commands_dropped_total",
		Help: "Number of commands rejected by queue back-pressure.",
	})
	if err != nil {
		return nil, err
	}
	collector.commandsDropped = commandsDropped

	queueDepth, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "radhal_command_queue_depth",
		Help: "Current number of commands waiting in the generator queue.",
	})
	if err != nil {
		return nil, err
	}
	collector.queueDepth = queueDepth

	return collector, nil
}

func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) (prometheus.Counter, error) {
	counter := prometheus.NewCounter(opts)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// IncExposureStarted counts a started exposure.
func (p *PrometheusCollector) IncExposureStarted() {
	if p == nil || p.exposuresStarted == nil {
		return
	}
	p.exposuresStarted.Inc()
}

// IncExposureAborted counts an aborted exposure.
func (p *PrometheusCollector) IncExposureAborted() {
	if p == nil || p.exposuresAborted == nil {
		return
	}
	p.exposuresAborted.Inc()
}

// IncAlarm counts a raised alarm for the given code.
func (p *PrometheusCollector) IncAlarm(code string) {
	if p == nil || p.alarms == nil {
		return
	}
	p.alarms.WithLabelValues(code).Inc()
}

// IncInterlockFailure counts a failed interlock check.
func (p *PrometheusCollector) IncInterlockFailure(name string) {
	if p == nil || p.interlockFailures == nil {
		return
	}
	p.interlockFailures.WithLabelValues(name).Inc()
}

// IncCommandRetry counts a command retry by command type.
func (p *PrometheusCollector) IncCommandRetry(command string) {
	if p == nil || p.commandRetries == nil {
		return
	}
	p.commandRetries.WithLabelValues(command).Inc()
}

// IncCommandDropped counts a command rejected by queue back-pressure.
func (p *PrometheusCollector) IncCommandDropped() {
	if p == nil || p.commandsDropped == nil {
		return
	}
	p.commandsDropped.Inc()
}

// SetQueueDepth updates the gauge tracking queued commands.
func (p *PrometheusCollector) SetQueueDepth(depth int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(depth))
}
