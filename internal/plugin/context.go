package plugin

import (
	"github.com/sirupsen/logrus"

	"github.com/chive-pub/plugd/internal/event"
	"github.com/chive-pub/plugd/internal/plugin/security"
)

// Context is the capability surface handed to one plugin. Every field is
// built fresh per plugin: loggers carry the plugin's identity, the event
// scope enforces its hook grants, the cache draws on its storage quota, and
// the config map is a copy it can mutate freely. Nothing in a Context is
// shared between plugins.
type Context struct {
	// ID is the plugin identity the context was built for.
	ID string

	// Log is the plugin's logger, tagged with its identity.
	Log *logrus.Entry

	// Events is the plugin's permission-checked view of the event bus.
	Events *ScopedBus

	// Cache is the plugin's private key/value store.
	Cache *Cache

	// Metrics is the plugin's metrics facade. Nil-safe: hosts running
	// without a metrics registry hand out a nil facade.
	Metrics *PluginMetrics

	// Config is the plugin's section of the host configuration.
	Config map[string]any

	enforcer *security.Enforcer
}

// CheckNetwork reports whether the plugin may reach the given host. The
// host may carry a port. Returns nil when allowed.
func (c *Context) CheckNetwork(host string) error {
	return c.enforcer.CheckNetwork(c.ID, host)
}

// ContextFactory builds plugin contexts against the host's shared bus,
// governor and enforcer.
type ContextFactory struct {
	log          *logrus.Logger
	bus          *event.Bus
	gov          *security.Governor
	enf          *security.Enforcer
	metrics      *Metrics
	configs      map[string]map[string]any
	cacheEntries int
}

// FactoryOption configures a ContextFactory.
type FactoryOption func(*ContextFactory)

// WithFactoryLogger sets the base logger plugin entries derive from.
func WithFactoryLogger(log *logrus.Logger) FactoryOption {
	return func(f *ContextFactory) {
		f.log = log
	}
}

// WithFactoryMetrics sets the metrics plugin facades are built on.
func WithFactoryMetrics(m *Metrics) FactoryOption {
	return func(f *ContextFactory) {
		f.metrics = m
	}
}

// WithPluginConfig sets one plugin's config section.
func WithPluginConfig(plugin string, cfg map[string]any) FactoryOption {
	return func(f *ContextFactory) {
		f.configs[plugin] = cfg
	}
}

// WithCacheEntries overrides the per-plugin cache entry cap.
func WithCacheEntries(n int) FactoryOption {
	return func(f *ContextFactory) {
		if n > 0 {
			f.cacheEntries = n
		}
	}
}

// NewContextFactory creates a factory. bus, gov and enf are the host's
// shared instances; the contexts it builds are per-plugin views of them.
func NewContextFactory(bus *event.Bus, gov *security.Governor, enf *security.Enforcer, opts ...FactoryOption) *ContextFactory {
	f := &ContextFactory{
		bus:          bus,
		gov:          gov,
		enf:          enf,
		configs:      make(map[string]map[string]any),
		cacheEntries: DefaultCacheEntries,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logrus.New()
	}
	return f
}

// New builds a fresh context for the manifest's identity. Safe to call
// again for the same identity after an unload; the new context shares
// nothing with the old one.
func (f *ContextFactory) New(m *Manifest) *Context {
	id := m.ID
	log := f.log.WithField("plugin", id)

	return &Context{
		ID:       id,
		Log:      log,
		Events:   newScopedBus(id, f.bus, m.Permissions.Hooks, log),
		Cache:    newCache(id, f.gov, f.cacheEntries),
		Metrics:  f.metrics.forPlugin(id),
		Config:   copyConfig(f.configs[id]),
		enforcer: f.enf,
	}
}

// copyConfig deep-copies a config section so plugins cannot reach the
// host's maps through their context.
func copyConfig(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = copyConfigValue(v)
	}
	return dst
}

func copyConfigValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyConfig(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyConfigValue(e)
		}
		return out
	default:
		return v
	}
}
