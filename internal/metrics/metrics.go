// Package metrics exports guard activity as Prometheus metrics by listening
// on the event bus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phuetz/code-buddy-sub007/internal/event"
)

// Namespace prefixes every metric name.
const Namespace = "codebuddy_guard"

// Collector holds the guard metrics.
type Collector struct {
	reg *prometheus.Registry

	Decisions         *prometheus.CounterVec
	PermissionDenials *prometheus.CounterVec
	RuleChanges       *prometheus.CounterVec
	ProfileChanges    prometheus.Counter
	ConfigEvents      *prometheus.CounterVec

	MethodAvailable *prometheus.GaugeVec
	Executions      *prometheus.CounterVec
	ExecDuration    *prometheus.HistogramVec
	ExecsRunning    prometheus.Gauge
	SessionsOpen    prometheus.Gauge

	mu     sync.Mutex
	detach func()
}

// New registers the guard metrics on reg, or on a fresh registry when reg
// is nil.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Collector{
		reg: reg,
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "policy_decisions_total",
				Help:      "Policy decisions by action and source",
			},
			[]string{"action", "source"},
		),
		PermissionDenials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "permission_denials_total",
				Help:      "Permission checks that were denied, by check",
			},
			[]string{"check"},
		),
		RuleChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "policy_rule_changes_total",
				Help:      "Policy rules added or removed, by scope",
			},
			[]string{"scope", "change"},
		),
		ProfileChanges: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "policy_profile_changes_total",
				Help:      "Active profile switches",
			},
		),
		ConfigEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "config_events_total",
				Help:      "Configuration saves and reloads by document and result",
			},
			[]string{"document", "kind", "result"},
		),
		MethodAvailable: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "sandbox_method_available",
				Help:      "1 when the isolation method is usable on this host",
			},
			[]string{"method"},
		),
		Executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sandbox_executions_total",
				Help:      "Sandboxed executions by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		ExecDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "sandbox_execution_duration_seconds",
				Help:      "Sandboxed execution wall time in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method"},
		),
		ExecsRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "sandbox_executions_running",
				Help:      "Sandboxed executions in flight",
			},
		),
		SessionsOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "sandbox_sessions_open",
				Help:      "Open sandbox sessions",
			},
		),
	}
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Attach subscribes the collector to every event on bus. A previous
// attachment is dropped.
func (c *Collector) Attach(bus *event.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detach != nil {
		c.detach()
	}
	c.detach = bus.SubscribeAll(c.Observe)
}

// Detach stops listening.
func (c *Collector) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detach != nil {
		c.detach()
		c.detach = nil
	}
}

// Observe updates the metrics for one event.
func (c *Collector) Observe(ev event.Event) {
	switch ev.Type {
	case event.PolicyDecision:
		if d, ok := ev.Data.(event.PolicyDecisionData); ok {
			c.Decisions.WithLabelValues(d.Action, d.Source).Inc()
		}
	case event.PermissionDenied:
		if d, ok := ev.Data.(event.PermissionDeniedData); ok {
			c.PermissionDenials.WithLabelValues(d.Check).Inc()
		}
	case event.PolicyRuleAdded, event.PolicyRuleRemoved:
		if d, ok := ev.Data.(event.RuleChangedData); ok {
			change := "added"
			n := 1
			if ev.Type == event.PolicyRuleRemoved {
				change = "removed"
				if d.Count > 0 {
					n = d.Count
				}
			}
			c.RuleChanges.WithLabelValues(d.Scope, change).Add(float64(n))
		}
	case event.PolicyProfileChanged:
		c.ProfileChanges.Inc()
	case event.ConfigSaved, event.ConfigReloaded:
		if d, ok := ev.Data.(event.ConfigData); ok {
			kind := "saved"
			if ev.Type == event.ConfigReloaded {
				kind = "reloaded"
			}
			result := "ok"
			if d.Error != "" {
				result = "error"
			}
			c.ConfigEvents.WithLabelValues(d.Document, kind, result).Inc()
		}
	case event.SandboxProbed:
		if d, ok := ev.Data.(event.SandboxProbedData); ok {
			for m, avail := range d.Available {
				v := 0.0
				if avail {
					v = 1
				}
				c.MethodAvailable.WithLabelValues(m).Set(v)
			}
		}
	case event.SandboxSessionCreated:
		c.SessionsOpen.Inc()
	case event.SandboxSessionClosed:
		c.SessionsOpen.Dec()
	case event.SandboxExecStarted:
		c.ExecsRunning.Inc()
	case event.SandboxExecCompleted:
		if d, ok := ev.Data.(event.SandboxExecCompletedData); ok {
			// Rejected and dry-run executions never publish a start.
			if !d.Rejected && !d.DryRun {
				c.ExecsRunning.Dec()
			}
			c.Executions.WithLabelValues(d.Method, Outcome(d)).Inc()
			c.ExecDuration.WithLabelValues(d.Method).Observe(d.Duration.Seconds())
		}
	}
}

// Outcome classifies a completed execution.
func Outcome(d event.SandboxExecCompletedData) string {
	switch {
	case d.Rejected:
		return "rejected"
	case d.DryRun:
		return "dry_run"
	case d.TimedOut:
		return "timeout"
	case d.Killed:
		return "killed"
	case d.ExitCode != 0:
		return "failed"
	}
	return "ok"
}
