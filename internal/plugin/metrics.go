package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the host's Prometheus metrics for the plugin runtime.
type Metrics struct {
	// Lifecycle
	LoadsTotal   *prometheus.CounterVec
	UnloadsTotal prometheus.Counter
	PluginsReady prometheus.Gauge

	// Sandbox
	FaultsTotal  *prometheus.CounterVec
	ExecDuration *prometheus.HistogramVec

	// Bus
	EventsTotal *prometheus.CounterVec

	// Storage
	StorageBytes *prometheus.GaugeVec

	// Plugin-defined series, namespaced by plugin identity.
	PluginCounters *prometheus.CounterVec
	PluginGauges   *prometheus.GaugeVec
}

// NewMetrics creates and registers all plugin runtime metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_loads_total",
				Help: "Total number of plugin load attempts",
			},
			[]string{"result"},
		),
		UnloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugd_unloads_total",
				Help: "Total number of plugin unloads",
			},
		),
		PluginsReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugd_plugins_ready",
				Help: "Number of plugins currently in the ready state",
			},
		),
		FaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_sandbox_faults_total",
				Help: "Total number of sandbox faults by kind",
			},
			[]string{"plugin", "kind"},
		),
		ExecDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_exec_duration_seconds",
				Help:    "Plugin code execution duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
			},
			[]string{"plugin"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_events_total",
				Help: "Total number of events published on the bus",
			},
			[]string{"topic", "source"},
		),
		StorageBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plugd_storage_bytes",
				Help: "Bytes of storage quota currently reserved per plugin",
			},
			[]string{"plugin"},
		),
		PluginCounters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_plugin_counter",
				Help: "Plugin-defined counters",
			},
			[]string{"plugin", "name"},
		),
		PluginGauges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "plugd_plugin_gauge",
				Help: "Plugin-defined gauges",
			},
			[]string{"plugin", "name"},
		),
	}

	registry.MustRegister(
		m.LoadsTotal,
		m.UnloadsTotal,
		m.PluginsReady,
		m.FaultsTotal,
		m.ExecDuration,
		m.EventsTotal,
		m.StorageBytes,
		m.PluginCounters,
		m.PluginGauges,
	)

	return m
}

// ObserveLoad records a load attempt. result is "ok" or "error".
func (m *Metrics) ObserveLoad(result string) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(result).Inc()
}

// ObserveUnload records a completed unload.
func (m *Metrics) ObserveUnload() {
	if m == nil {
		return
	}
	m.UnloadsTotal.Inc()
}

// SetReady records the current number of ready plugins.
func (m *Metrics) SetReady(n int) {
	if m == nil {
		return
	}
	m.PluginsReady.Set(float64(n))
}

// ObserveFault records a sandbox fault.
func (m *Metrics) ObserveFault(plugin, kind string) {
	if m == nil {
		return
	}
	m.FaultsTotal.WithLabelValues(plugin, kind).Inc()
}

// ObserveExecution records one plugin code execution.
func (m *Metrics) ObserveExecution(plugin string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecDuration.WithLabelValues(plugin).Observe(d.Seconds())
}

// ObserveEvent records a published event. Fed by the host's bus tap.
func (m *Metrics) ObserveEvent(topic, source string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(topic, source).Inc()
}

// SetStorageBytes records a plugin's reserved storage bytes.
func (m *Metrics) SetStorageBytes(plugin string, n int64) {
	if m == nil {
		return
	}
	m.StorageBytes.WithLabelValues(plugin).Set(float64(n))
}

// DropPlugin removes all per-plugin series after unload.
func (m *Metrics) DropPlugin(plugin string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"plugin": plugin}
	m.FaultsTotal.DeletePartialMatch(labels)
	m.ExecDuration.DeletePartialMatch(labels)
	m.StorageBytes.DeletePartialMatch(labels)
	m.PluginCounters.DeletePartialMatch(labels)
	m.PluginGauges.DeletePartialMatch(labels)
}

// forPlugin returns the facade handed to one plugin's context.
func (m *Metrics) forPlugin(plugin string) *PluginMetrics {
	if m == nil {
		return nil
	}
	return &PluginMetrics{plugin: plugin, m: m}
}

// PluginMetrics is the per-plugin metrics facade. Series it creates are
// labeled with the plugin's identity, so one plugin cannot touch another's
// numbers. All methods are safe on a nil receiver; hosts running without
// metrics hand plugins a nil facade.
type PluginMetrics struct {
	plugin string
	m      *Metrics
}

// Inc increments the named plugin counter by one.
func (p *PluginMetrics) Inc(name string) {
	p.Add(name, 1)
}

// Add increments the named plugin counter. Negative deltas are ignored.
func (p *PluginMetrics) Add(name string, delta float64) {
	if p == nil || p.m == nil || delta < 0 {
		return
	}
	p.m.PluginCounters.WithLabelValues(p.plugin, name).Add(delta)
}

// Set sets the named plugin gauge.
func (p *PluginMetrics) Set(name string, value float64) {
	if p == nil || p.m == nil {
		return
	}
	p.m.PluginGauges.WithLabelValues(p.plugin, name).Set(value)
}
