package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Loader discovers plugins on the filesystem. A plugin is a directory
// containing a manifest file (plugin.json, plugin.yaml or plugin.yml)
// whose entrypoint resolves to a Lua file inside that directory.
type Loader struct {
	paths []string
	log   *logrus.Entry

	// Discovered plugins by identity. First search path wins.
	discovered map[string]*Discovered
}

// Discovered is one plugin found during discovery. Err is set when the
// directory looks like a plugin but its manifest or entrypoint is broken;
// such entries are reported, never loaded.
type Discovered struct {
	ID       string
	Dir      string
	Manifest *Manifest
	Err      error
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// WithLoaderLogger sets the logger for discovery diagnostics.
func WithLoaderLogger(log *logrus.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log.WithField("component", "plugin.loader")
	}
}

// NewLoader creates a plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths:      DefaultPluginPaths(),
		discovered: make(map[string]*Discovered),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logrus.New().WithField("component", "plugin.loader")
	}
	return l
}

// DefaultPluginPaths returns the default plugin search paths.
func DefaultPluginPaths() []string {
	paths := make([]string, 0, 3)

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "plugd", "plugins"))
		paths = append(paths, filepath.Join(home, ".local", "share", "plugd", "plugins"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "plugins"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	return l.paths
}

// AddPath appends a search path.
func (l *Loader) AddPath(path string) {
	l.paths = append(l.paths, path)
}

// Discover scans the search paths and returns everything that carries a
// manifest, sorted by identity. Entries with a broken manifest or
// entrypoint come back with Err set.
func (l *Loader) Discover() ([]*Discovered, error) {
	l.discovered = make(map[string]*Discovered)

	for _, base := range l.paths {
		if err := l.discoverInPath(base); err != nil {
			l.log.WithField("path", base).WithError(err).Warn("skipping search path")
		}
	}

	out := make([]*Discovered, 0, len(l.discovered))
	for _, d := range l.discovered {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// discoverInPath scans one directory for plugin subdirectories.
func (l *Loader) discoverInPath(base string) error {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(base, entry.Name())
		if findManifestFile(dir) == "" {
			continue
		}

		d := l.inspect(dir)
		if _, exists := l.discovered[d.ID]; exists {
			continue
		}
		l.discovered[d.ID] = d
	}

	return nil
}

// inspect reads and verifies one plugin directory.
func (l *Loader) inspect(dir string) *Discovered {
	m, err := l.Inspect(dir)
	if err != nil {
		// Keep the entry addressable even when broken: prefer the
		// manifest id if parsing got that far, else the directory name.
		id := filepath.Base(dir)
		if m != nil && m.ID != "" {
			id = m.ID
		}
		return &Discovered{ID: id, Dir: dir, Err: err}
	}
	return &Discovered{ID: m.ID, Dir: dir, Manifest: m}
}

// Inspect loads and validates the manifest from a plugin directory and
// verifies the entrypoint resolves to a file inside it. The returned
// manifest carries the directory for EntrypointPath.
func (l *Loader) Inspect(dir string) (*Manifest, error) {
	path := findManifestFile(dir)
	if path == "" {
		return nil, fmt.Errorf("plugin directory %s: no manifest (expected one of %s)",
			dir, strings.Join(ManifestNames, ", "))
	}

	m, err := LoadManifest(path)
	if err != nil {
		return m, err
	}
	if err := verifyEntrypoint(m); err != nil {
		return m, err
	}
	return m, nil
}

// FindByID returns a discovered plugin by identity, scanning the search
// paths if it is not already cached.
func (l *Loader) FindByID(id string) (*Discovered, error) {
	if d, ok := l.discovered[id]; ok {
		return d, nil
	}
	if _, err := l.Discover(); err != nil {
		return nil, err
	}
	if d, ok := l.discovered[id]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
}

// Refresh re-runs discovery.
func (l *Loader) Refresh() ([]*Discovered, error) {
	return l.Discover()
}

// IDs returns the identities of all discovered plugins, sorted.
func (l *Loader) IDs() []string {
	ids := make([]string, 0, len(l.discovered))
	for id := range l.discovered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broken returns the discovered entries whose manifest or entrypoint
// failed verification.
func (l *Loader) Broken() []*Discovered {
	var out []*Discovered
	for _, d := range l.discovered {
		if d.Err != nil {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// findManifestFile returns the path of the first manifest file present in
// dir, or "" when none exists.
func findManifestFile(dir string) string {
	for _, name := range ManifestNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// verifyEntrypoint checks the manifest's entrypoint resolves to a regular
// file inside the plugin directory. Manifest validation already rejects
// absolute paths and ".." components; this is the filesystem-level check.
func verifyEntrypoint(m *Manifest) error {
	if m.Entrypoint == "" {
		return fmt.Errorf("plugin %s: %w", m.ID, ErrNoEntrypoint)
	}

	full := m.EntrypointPath()
	rel, err := filepath.Rel(m.Dir(), full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("plugin %s: entrypoint %q escapes the plugin directory", m.ID, m.Entrypoint)
	}

	info, err := os.Stat(full)
	if err != nil {
		return fmt.Errorf("plugin %s: entrypoint %q: %w", m.ID, m.Entrypoint, err)
	}
	if info.IsDir() {
		return fmt.Errorf("plugin %s: entrypoint %q is a directory", m.ID, m.Entrypoint)
	}
	return nil
}
