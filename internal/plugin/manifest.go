package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Manifest declares a plugin's identity, entrypoint, and the permissions
// it is granted. The schema is closed: fields outside the declared set
// are validation failures, so a typo like "permission" cannot silently
// grant nothing.
type Manifest struct {
	// ID is the globally unique reverse-domain identity, such as
	// "pub.chive.plugin.backlinks".
	ID string `json:"id" yaml:"id"`

	// Name is the human-readable display name.
	Name string `json:"name" yaml:"name"`

	// Version is a strict semantic version, "1.4.0".
	Version string `json:"version" yaml:"version"`

	// Description is an optional short summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Author is an optional name, org, or DID.
	Author string `json:"author,omitempty" yaml:"author,omitempty"`

	// License is an SPDX identifier from the approved list.
	License string `json:"license" yaml:"license"`

	// Entrypoint is the Lua file to execute, relative to the plugin
	// directory. Builtin plugins have none.
	Entrypoint string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`

	// Permissions are the grants the plugin runs under. Everything is
	// opt-in; an absent section grants nothing.
	Permissions Permissions `json:"permissions,omitempty" yaml:"permissions,omitempty"`

	// Dependencies are plugin IDs that must be ready before this plugin
	// loads.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// dir is the plugin directory the manifest was loaded from.
	dir string
}

// Permissions is the manifest's grant section.
type Permissions struct {
	// Hooks are the event names the plugin may subscribe to and emit.
	// A trailing or inner "*" matches exactly one segment:
	// "system.*" covers "system.startup" but not "system.plugin.loaded".
	Hooks []string `json:"hooks,omitempty" yaml:"hooks,omitempty"`

	// Network grants outbound access by domain.
	Network NetworkPermission `json:"network,omitempty" yaml:"network,omitempty"`

	// Storage bounds the plugin's persistent storage.
	Storage StoragePermission `json:"storage,omitempty" yaml:"storage,omitempty"`
}

// NetworkPermission lists the domains a plugin may reach.
// "*.example.com" admits subdomains but not the apex.
type NetworkPermission struct {
	AllowedDomains []string `json:"allowedDomains,omitempty" yaml:"allowedDomains,omitempty"`
}

// StoragePermission caps persistent storage.
type StoragePermission struct {
	// MaxSize is the quota in bytes. Zero means the host default.
	MaxSize int64 `json:"maxSize,omitempty" yaml:"maxSize,omitempty"`
}

// Manifest file names probed by directory discovery, in order.
var ManifestNames = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// manifestFields is the closed set of top-level keys.
var manifestFields = map[string]bool{
	"id":           true,
	"name":         true,
	"version":      true,
	"description":  true,
	"author":       true,
	"license":      true,
	"entrypoint":   true,
	"permissions":  true,
	"dependencies": true,
}

// LoadManifest reads, parses, and validates a manifest file. The format
// follows the extension: .json, .yaml, or .yml.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read manifest: %w", err)
	}

	var m *Manifest
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		m, err = ParseManifestYAML(data)
	default:
		m, err = ParseManifestJSON(data)
	}
	if err != nil {
		return nil, err
	}

	m.dir = filepath.Dir(path)
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseManifestJSON decodes a JSON manifest, enforcing the closed
// schema. Unknown top-level fields are collected into one validation
// error rather than reported one at a time.
func ParseManifestJSON(data []byte) (*Manifest, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("plugin: parse manifest: %w", err)
	}
	if err := checkTopLevel(keysOf(raw)); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{
			Field:  "manifest",
			Reason: err.Error(),
		}}}
	}
	return &m, nil
}

// ParseManifestYAML decodes a YAML manifest under the same closed
// schema.
func ParseManifestYAML(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("plugin: parse manifest: %w", err)
	}
	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	if err := checkTopLevel(names); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, &ValidationError{Fields: []FieldError{{
			Field:  "manifest",
			Reason: err.Error(),
		}}}
	}
	return &m, nil
}

func keysOf(raw map[string]json.RawMessage) []string {
	names := make([]string, 0, len(raw))
	for k := range raw {
		names = append(names, k)
	}
	return names
}

// checkTopLevel rejects keys outside the schema, all at once.
func checkTopLevel(names []string) error {
	var verr ValidationError
	sort.Strings(names)
	for _, name := range names {
		if !manifestFields[name] {
			verr.add(name, "", "unknown field")
		}
	}
	return verr.orNil()
}

// Dir returns the plugin directory the manifest was loaded from, empty
// for manifests constructed in process.
func (m *Manifest) Dir() string {
	return m.dir
}

// SetDir records the plugin directory. Discovery uses it after parsing
// manifests it found itself.
func (m *Manifest) SetDir(dir string) {
	m.dir = dir
}

// EntrypointPath returns the absolute path of the entrypoint file, or
// empty when the manifest has none.
func (m *Manifest) EntrypointPath() string {
	if m.Entrypoint == "" {
		return ""
	}
	return filepath.Join(m.dir, filepath.FromSlash(m.Entrypoint))
}

// String identifies the plugin in logs.
func (m *Manifest) String() string {
	return m.ID + " v" + m.Version
}

// Clone returns a deep copy, so introspection cannot mutate registry
// state.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	if m.Dependencies != nil {
		clone.Dependencies = append([]string(nil), m.Dependencies...)
	}
	if m.Permissions.Hooks != nil {
		clone.Permissions.Hooks = append([]string(nil), m.Permissions.Hooks...)
	}
	if m.Permissions.Network.AllowedDomains != nil {
		clone.Permissions.Network.AllowedDomains = append([]string(nil), m.Permissions.Network.AllowedDomains...)
	}
	return &clone
}
