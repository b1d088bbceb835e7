// Package metrics exposes switchgear activity as Prometheus metrics. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every switchgear metric.
type Collector struct {
	gatherer prometheus.Gatherer

	PlansStarted      *prometheus.CounterVec
	PlansFinished     *prometheus.CounterVec
	Rejections        *prometheus.CounterVec
	StepsCommitted    *prometheus.CounterVec
	GeneratorsRunning *prometheus.GaugeVec
	GeneratorRunTime  *prometheus.HistogramVec
}

// New registers the metrics against reg, or the default registerer if nil.
// Registering twice against the same registerer reuses the existing metrics.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error
	if c.PlansStarted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeover_plans_started_total",
		Help: "Transition plans accepted by the sequencer.",
	}, []string{"site", "scenario"})); err != nil {
		return nil, err
	}
	if c.PlansFinished, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeover_plans_finished_total",
		Help: "Transition plans that ended, by result (completed, cancelled, failed).",
	}, []string{"site", "scenario", "result"})); err != nil {
		return nil, err
	}
	if c.Rejections, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeover_rejections_total",
		Help: "Commands refused, by reason.",
	}, []string{"site", "reason"})); err != nil {
		return nil, err
	}
	if c.StepsCommitted, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "changeover_steps_committed_total",
		Help: "Plan steps committed to the switchgear state.",
	}, []string{"site", "action"})); err != nil {
		return nil, err
	}
	if c.GeneratorsRunning, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "changeover_generator_running",
		Help: "1 while a generator is starting or running.",
	}, []string{"site", "source"})); err != nil {
		return nil, err
	}
	if c.GeneratorRunTime, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "changeover_generator_run_seconds",
		Help:    "Duration of completed generator runs.",
		Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800},
	}, []string{"site", "source"})); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// Gatherer returns the gatherer the collector was registered with.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *Collector) PlanStarted(site, scenario string) {
	if c == nil {
		return
	}
	c.PlansStarted.WithLabelValues(site, scenario).Inc()
}

func (c *Collector) PlanFinished(site, scenario, result string) {
	if c == nil {
		return
	}
	c.PlansFinished.WithLabelValues(site, scenario, result).Inc()
}

func (c *Collector) Rejected(site, reason string) {
	if c == nil {
		return
	}
	c.Rejections.WithLabelValues(site, reason).Inc()
}

func (c *Collector) StepCommitted(site, action string) {
	if c == nil {
		return
	}
	c.StepsCommitted.WithLabelValues(site, action).Inc()
}

// SetGeneratorRunning flips the running gauge of a generator.
func (c *Collector) SetGeneratorRunning(site, source string, running bool) {
	if c == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	c.GeneratorsRunning.WithLabelValues(site, source).Set(v)
}

// ObserveGeneratorRun records how long a finished run lasted.
func (c *Collector) ObserveGeneratorRun(site, source string, d time.Duration) {
	if c == nil {
		return
	}
	c.GeneratorRunTime.WithLabelValues(site, source).Observe(d.Seconds())
}
