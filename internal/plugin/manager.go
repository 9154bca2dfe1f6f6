package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chive-pub/plugd/internal/event"
	"github.com/chive-pub/plugd/internal/event/events"
	"github.com/chive-pub/plugd/internal/event/topic"
	"github.com/chive-pub/plugd/internal/plugin/security"
)

// keyedMutex hands out one mutex per plugin identity, so lifecycle
// operations on the same identity are mutually exclusive while different
// identities proceed concurrently.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lock acquires the identity's mutex and returns its release function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// record is one registry entry.
type record struct {
	plugin   Plugin
	manifest *Manifest
	dir      string // empty for builtins
	builtin  bool
	loadedAt time.Time
	pctx     *Context
}

type managerConfig struct {
	log      *logrus.Logger
	metrics  *Metrics
	budget   security.Budget
	budgets  map[string]security.Budget
	configs  map[string]map[string]any
	paths    []string
	disabled map[string]bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

// WithManagerLogger sets the logger shared by the manager and everything
// it constructs: the governor, the loader and the plugin contexts.
func WithManagerLogger(log *logrus.Logger) ManagerOption {
	return func(c *managerConfig) {
		c.log = log
	}
}

// WithMetrics sets the metrics the runtime reports into.
func WithMetrics(m *Metrics) ManagerOption {
	return func(c *managerConfig) {
		c.metrics = m
	}
}

// WithDefaultBudget sets the resource budget applied to plugins without
// an override.
func WithDefaultBudget(b security.Budget) ManagerOption {
	return func(c *managerConfig) {
		c.budget = b
	}
}

// WithBudgetOverride sets one plugin's resource budget.
func WithBudgetOverride(plugin string, b security.Budget) ManagerOption {
	return func(c *managerConfig) {
		c.budgets[plugin] = b
	}
}

// WithPluginSettings sets the config section handed to one plugin through
// its context.
func WithPluginSettings(plugin string, cfg map[string]any) ManagerOption {
	return func(c *managerConfig) {
		c.configs[plugin] = cfg
	}
}

// WithSearchPaths sets the loader's plugin search paths.
func WithSearchPaths(paths ...string) ManagerOption {
	return func(c *managerConfig) {
		c.paths = paths
	}
}

// WithDisabled marks plugin IDs that LoadAll skips. Explicit Load calls
// still work; disabling is a discovery-time filter, not a ban.
func WithDisabled(ids ...string) ManagerOption {
	return func(c *managerConfig) {
		for _, id := range ids {
			c.disabled[id] = true
		}
	}
}

// Manager owns the plugin registry and drives every lifecycle transition.
// Loads and unloads of one identity are serialized; different identities
// run concurrently, and plugin code never executes while a registry lock
// is held.
type Manager struct {
	mu        sync.RWMutex
	plugins   map[string]*record
	loadOrder []string

	locks   keyedMutex
	loader  *Loader
	bus     *event.Bus
	gov     *security.Governor
	enf     *security.Enforcer
	factory *ContextFactory
	metrics *Metrics
	log     *logrus.Entry

	defaultBudget security.Budget
	budgets       map[string]security.Budget
	disabled      map[string]bool

	closed atomic.Bool
}

// NewManager creates a manager publishing lifecycle events on bus. The
// governor, enforcer and context factory are constructed here so every
// plugin runs against the same shared instances.
func NewManager(bus *event.Bus, opts ...ManagerOption) *Manager {
	cfg := managerConfig{
		budget:   security.DefaultBudget(),
		budgets:  make(map[string]security.Budget),
		configs:  make(map[string]map[string]any),
		disabled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.log == nil {
		cfg.log = logrus.New()
	}

	gov := security.NewGovernor(security.WithGovernorLogger(cfg.log))
	enf := security.NewEnforcer(gov)

	factoryOpts := []FactoryOption{
		WithFactoryLogger(cfg.log),
		WithFactoryMetrics(cfg.metrics),
	}
	for id, section := range cfg.configs {
		factoryOpts = append(factoryOpts, WithPluginConfig(id, section))
	}

	loaderOpts := []LoaderOption{WithLoaderLogger(cfg.log)}
	if len(cfg.paths) > 0 {
		loaderOpts = append(loaderOpts, WithPaths(cfg.paths...))
	}

	return &Manager{
		plugins:       make(map[string]*record),
		loadOrder:     make([]string, 0),
		loader:        NewLoader(loaderOpts...),
		bus:           bus,
		gov:           gov,
		enf:           enf,
		factory:       NewContextFactory(bus, gov, enf, factoryOpts...),
		metrics:       cfg.metrics,
		log:           cfg.log.WithField("component", "plugin.manager"),
		defaultBudget: cfg.budget,
		budgets:       cfg.budgets,
		disabled:      cfg.disabled,
	}
}

// Discover scans the search paths for plugins without loading anything.
func (m *Manager) Discover() ([]*Discovered, error) {
	return m.loader.Discover()
}

// Load validates the plugin in dir and brings it up in a sandboxed
// isolate. Returns the plugin's identity on success. The plugin is
// visible to lookups only after its initialization succeeded.
func (m *Manager) Load(ctx context.Context, dir string) (string, error) {
	if m.closed.Load() {
		return "", ErrManagerClosed
	}

	mf, err := m.loader.Inspect(dir)
	if err != nil {
		m.metrics.ObserveLoad("error")
		return "", err
	}

	return m.admit(ctx, NewLuaPlugin(mf, m.gov), mf, filepath.Clean(dir), false)
}

// LoadBuiltin runs a compiled-in plugin through the same pipeline as a
// Lua plugin: manifest validation, dependency check, budget and
// permission registration, then Initialize. Builtins skip only the
// filesystem and the sandbox.
func (m *Manager) LoadBuiltin(ctx context.Context, p Plugin) (string, error) {
	if m.closed.Load() {
		return "", ErrManagerClosed
	}

	mf := p.Manifest()
	if mf == nil {
		return "", fmt.Errorf("%w: builtin plugin has no manifest", ErrInvalidManifest)
	}
	if err := Validate(mf); err != nil {
		m.metrics.ObserveLoad("error")
		return "", err
	}

	return m.admit(ctx, p, mf, "", true)
}

// admit is the single load pipeline. The identity lock is held for the
// whole admission; the registry lock only for map reads and the final
// insert, so plugin code runs outside it.
func (m *Manager) admit(ctx context.Context, p Plugin, mf *Manifest, dir string, builtin bool) (string, error) {
	id := mf.ID

	setter, ok := p.(stateSetter)
	if !ok {
		return "", fmt.Errorf("plugin %q: %w", id, ErrNoLifecycle)
	}

	unlock := m.locks.lock(id)
	defer unlock()

	m.mu.RLock()
	_, exists := m.plugins[id]
	m.mu.RUnlock()
	if exists {
		m.metrics.ObserveLoad("error")
		return "", fmt.Errorf("plugin %q: %w", id, ErrDuplicateIdentity)
	}

	if st := p.State(); !st.CanTransition(StateLoading) {
		return "", fmt.Errorf("plugin %q: cannot load from state %s", id, st)
	}

	// The first unmet dependency, in manifest order, fails the load.
	for _, dep := range mf.Dependencies {
		m.mu.RLock()
		rec, ok := m.plugins[dep]
		usable := ok && rec.plugin.State().IsUsable()
		m.mu.RUnlock()
		if !usable {
			m.metrics.ObserveLoad("error")
			return "", &MissingDependencyError{Plugin: id, Dependency: dep}
		}
	}

	m.gov.Register(id, m.budgetFor(mf))
	m.enf.Register(id, mf.Permissions.Network.AllowedDomains)

	if lp, ok := p.(*LuaPlugin); ok {
		lp.metrics = m.metrics
		lp.onEscalate = m.escalate
	}

	pctx := m.factory.New(mf)
	setter.setState(StateLoading)

	if err := p.Initialize(ctx, pctx); err != nil {
		setter.setState(StateError)
		m.discard(id, pctx)
		m.metrics.ObserveLoad("error")
		m.publish(events.TopicPluginFailed, map[string]any{"plugin": id, "error": err.Error()})
		m.log.WithField("plugin", id).WithError(err).Error("plugin failed to initialize")
		return "", err
	}

	m.mu.Lock()
	if _, exists := m.plugins[id]; exists {
		// Double-check; the identity lock should make this impossible.
		m.mu.Unlock()
		_ = p.Shutdown(ctx)
		m.discard(id, pctx)
		return "", fmt.Errorf("plugin %q: %w", id, ErrDuplicateIdentity)
	}
	m.plugins[id] = &record{
		plugin:   p,
		manifest: mf,
		dir:      dir,
		builtin:  builtin,
		loadedAt: time.Now(),
		pctx:     pctx,
	}
	m.loadOrder = append(m.loadOrder, id)
	m.mu.Unlock()

	setter.setState(StateReady)
	m.metrics.ObserveLoad("ok")
	m.metrics.SetReady(m.countReady())
	m.publish(events.TopicPluginLoaded, map[string]any{"plugin": id, "version": mf.Version})
	m.log.WithFields(logrus.Fields{"plugin": id, "version": mf.Version}).Info("plugin loaded")
	return id, nil
}

// LoadAll discovers plugins on the search paths and loads them in
// dependency order, dependencies first. Individual failures do not stop
// the rest; they are joined into the returned error.
func (m *Manager) LoadAll(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	ds, err := m.loader.Discover()
	if err != nil {
		return err
	}

	var valid []*Discovered
	var loadErrors []error
	for _, d := range ds {
		if d.Err != nil {
			loadErrors = append(loadErrors, fmt.Errorf("%s: %w", d.ID, d.Err))
			continue
		}
		if m.disabled[d.ID] {
			m.log.WithField("plugin", d.ID).Debug("skipping disabled plugin")
			continue
		}
		valid = append(valid, d)
	}

	ordered, err := sortByDependencies(valid)
	if err != nil {
		return err
	}

	for _, d := range ordered {
		if _, err := m.Load(ctx, d.Dir); err != nil {
			loadErrors = append(loadErrors, fmt.Errorf("%s: %w", d.ID, err))
		}
	}

	if len(loadErrors) > 0 {
		return fmt.Errorf("failed to load %d plugins: %w", len(loadErrors), errors.Join(loadErrors...))
	}
	return nil
}

// Unload tears a plugin down and removes it from the registry. The
// plugin's shutdown hook runs first; its failure is logged, never fatal,
// and the registry entry is removed either way.
func (m *Manager) Unload(ctx context.Context, id string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return m.unload(ctx, id)
}

func (m *Manager) unload(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	defer unlock()

	m.mu.RLock()
	rec, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}

	setter := rec.plugin.(stateSetter)
	setter.setState(StateUnloading)

	// Detach subscriptions first so no handler fires against a dying
	// isolate, and so only this plugin's subscriptions go away.
	rec.pctx.Events.Cleanup()

	if err := rec.plugin.Shutdown(ctx); err != nil {
		m.log.WithField("plugin", id).WithError(err).Warn("plugin shutdown reported an error")
	}

	rec.pctx.Cache.Purge()
	m.gov.Drop(id)
	m.enf.Drop(id)
	m.metrics.DropPlugin(id)

	m.mu.Lock()
	delete(m.plugins, id)
	m.removeFromLoadOrder(id)
	m.mu.Unlock()

	setter.setState(StateUnloaded)
	m.metrics.ObserveUnload()
	m.metrics.SetReady(m.countReady())
	m.publish(events.TopicPluginUnloaded, map[string]any{"plugin": id})
	m.log.WithField("plugin", id).Info("plugin unloaded")
	return nil
}

// Reload unloads a plugin and loads it again: from its directory for a
// filesystem plugin, re-running the same instance for a builtin. Returns
// the identity of the reloaded plugin, which changes if the manifest on
// disk changed identity.
func (m *Manager) Reload(ctx context.Context, id string) (string, error) {
	if m.closed.Load() {
		return "", ErrManagerClosed
	}

	m.mu.RLock()
	rec, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}
	dir, builtin, p := rec.dir, rec.builtin, rec.plugin

	if err := m.unload(ctx, id); err != nil {
		return "", fmt.Errorf("reload %s: %w", id, err)
	}

	if builtin {
		return m.LoadBuiltin(ctx, p)
	}
	return m.Load(ctx, dir)
}

// ShutdownAll publishes the host shutdown event, waits for subscribers to
// see it, then unloads every plugin in reverse load order, dependents
// before their dependencies. Afterwards the manager accepts no further
// operations. Calling it again is a no-op.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	if m.closed.Swap(true) {
		return nil
	}

	m.publish(events.TopicSystemShutdown, nil)
	if m.bus != nil && m.bus.IsRunning() {
		if err := m.bus.Drain(ctx); err != nil {
			m.log.WithError(err).Warn("bus drain interrupted, shutting down anyway")
		}
	}

	m.mu.RLock()
	names := make([]string, len(m.loadOrder))
	for i, id := range m.loadOrder {
		names[len(m.loadOrder)-1-i] = id
	}
	m.mu.RUnlock()

	var unloadErrors []error
	for _, id := range names {
		if err := m.unload(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
			unloadErrors = append(unloadErrors, fmt.Errorf("%s: %w", id, err))
		}
	}

	if len(unloadErrors) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(unloadErrors...))
	}
	return nil
}

// Get returns a loaded plugin by identity.
func (m *Manager) Get(id string) (Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.plugins[id]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}
	return rec.plugin, nil
}

// PluginState returns the lifecycle state of a loaded plugin.
func (m *Manager) PluginState(id string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.plugins[id]
	if !ok {
		return StateUnloaded, fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}
	return rec.plugin.State(), nil
}

// List returns all loaded plugins in load order.
func (m *Manager) List() []Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Plugin, 0, len(m.loadOrder))
	for _, id := range m.loadOrder {
		if rec, ok := m.plugins[id]; ok {
			out = append(out, rec.plugin)
		}
	}
	return out
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// Info returns a loaded plugin's description and resource usage.
func (m *Manager) Info(id string) (Info, error) {
	m.mu.RLock()
	rec, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return Info{}, fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}
	return m.describe(rec), nil
}

// Infos returns descriptions of all loaded plugins in load order.
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.loadOrder))
	for _, id := range m.loadOrder {
		if rec, ok := m.plugins[id]; ok {
			recs = append(recs, rec)
		}
	}
	m.mu.RUnlock()

	out := make([]Info, len(recs))
	for i, rec := range recs {
		out[i] = m.describe(rec)
	}
	return out
}

func (m *Manager) describe(rec *record) Info {
	mf := rec.manifest
	info := Info{
		ID:           mf.ID,
		Name:         mf.Name,
		Version:      mf.Version,
		Description:  mf.Description,
		Author:       mf.Author,
		License:      mf.License,
		State:        rec.plugin.State(),
		Builtin:      rec.builtin,
		LoadedAt:     rec.loadedAt,
		Hooks:        append([]string(nil), mf.Permissions.Hooks...),
		Dependencies: append([]string(nil), mf.Dependencies...),
	}
	if u, ok := m.gov.Snapshot(mf.ID); ok {
		info.StorageUsed = u.StorageUsed
		info.StorageLimit = u.StorageLimit
		info.TimeoutFaults = u.TimeoutFaults
	}
	return info
}

// Governor returns the shared resource governor.
func (m *Manager) Governor() *security.Governor {
	return m.gov
}

// Enforcer returns the shared permission enforcer.
func (m *Manager) Enforcer() *security.Enforcer {
	return m.enf
}

// Loader returns the underlying loader.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// pluginByDir returns the identity loaded from dir, if any. Used by the
// watcher to map filesystem changes back to plugins.
func (m *Manager) pluginByDir(dir string) (string, bool) {
	dir = filepath.Clean(dir)
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, rec := range m.plugins {
		if rec.dir == dir {
			return id, true
		}
	}
	return "", false
}

// escalate handles a plugin that exhausted its timeout budget: mark it
// failed, announce it, and unload it off the caller's goroutine. The
// caller is a bus delivery goroutine mid-handler, so the unload must not
// run inline.
func (m *Manager) escalate(id string, cause error) {
	m.mu.RLock()
	rec, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	if s, ok := rec.plugin.(stateSetter); ok {
		s.setState(StateError)
	}
	m.publish(events.TopicPluginFailed, map[string]any{"plugin": id, "error": cause.Error()})
	m.log.WithField("plugin", id).WithError(cause).Warn("unloading plugin after repeated timeouts")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.unload(ctx, id); err != nil && !errors.Is(err, ErrNotLoaded) {
			m.log.WithField("plugin", id).WithError(err).Error("failed to unload faulted plugin")
		}
	}()
}

// discard releases everything registered for a plugin that never entered
// the registry, or has just left it.
func (m *Manager) discard(id string, pctx *Context) {
	pctx.Events.Cleanup()
	pctx.Cache.Purge()
	m.gov.Drop(id)
	m.enf.Drop(id)
	m.metrics.DropPlugin(id)
}

// budgetFor resolves a plugin's budget: the host default, a per-plugin
// override if configured, and the manifest's declared storage need capped
// by the host limit.
func (m *Manager) budgetFor(mf *Manifest) security.Budget {
	b := m.defaultBudget
	if o, ok := m.budgets[mf.ID]; ok {
		b = o
	}
	if declared := mf.Permissions.Storage.MaxSize; declared > 0 {
		limit := b.StorageBytes
		if limit <= 0 {
			limit = security.DefaultStorageBytes
		}
		if declared < limit {
			b.StorageBytes = declared
		} else {
			b.StorageBytes = limit
		}
	}
	return b
}

func (m *Manager) countReady() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, rec := range m.plugins {
		if rec.plugin.State() == StateReady {
			n++
		}
	}
	return n
}

// publish sends a host event. Quietly skipped when the bus is absent or
// stopped, so lifecycle operations work in hosts that run without one.
func (m *Manager) publish(t topic.Topic, payload map[string]any) {
	if m.bus == nil || !m.bus.IsRunning() {
		return
	}
	ev := event.Event{Topic: t, Payload: payload, Source: events.SourceHost}
	if err := m.bus.Publish(context.Background(), ev); err != nil {
		m.log.WithField("topic", t.String()).WithError(err).Debug("lifecycle publish failed")
	}
}

// removeFromLoadOrder removes an identity from the load order slice.
// Callers hold m.mu.
func (m *Manager) removeFromLoadOrder(id string) {
	for i, n := range m.loadOrder {
		if n == id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			return
		}
	}
}
