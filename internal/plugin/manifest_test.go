package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const manifestJSON = `{
  "id": "pub.chive.plugin.backlinks",
  "name": "Backlinks",
  "version": "1.2.0",
  "description": "Tracks citations between preprints",
  "license": "MIT",
  "entrypoint": "init.lua",
  "permissions": {
    "hooks": ["preprint.indexed", "system.*"],
    "network": {"allowedDomains": ["*.crossref.org"]},
    "storage": {"maxSize": 1048576}
  },
  "dependencies": ["pub.chive.plugin.doi"]
}`

const manifestYAML = `id: pub.chive.plugin.backlinks
name: Backlinks
version: 1.2.0
license: MIT
entrypoint: init.lua
permissions:
  hooks:
    - preprint.indexed
    - system.*
  network:
    allowedDomains:
      - "*.crossref.org"
  storage:
    maxSize: 1048576
`

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
	return path
}

func TestLoadManifestJSON(t *testing.T) {
	path := writeManifest(t, "plugin.json", manifestJSON)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if m.ID != "pub.chive.plugin.backlinks" {
		t.Errorf("ID = %q", m.ID)
	}
	if m.Version != "1.2.0" {
		t.Errorf("Version = %q", m.Version)
	}
	if got := m.Permissions.Hooks; len(got) != 2 || got[0] != "preprint.indexed" || got[1] != "system.*" {
		t.Errorf("Hooks = %v", got)
	}
	if got := m.Permissions.Network.AllowedDomains; len(got) != 1 || got[0] != "*.crossref.org" {
		t.Errorf("AllowedDomains = %v", got)
	}
	if m.Permissions.Storage.MaxSize != 1048576 {
		t.Errorf("MaxSize = %d", m.Permissions.Storage.MaxSize)
	}
	if m.Dir() != filepath.Dir(path) {
		t.Errorf("Dir() = %q, want %q", m.Dir(), filepath.Dir(path))
	}
	if m.EntrypointPath() != filepath.Join(filepath.Dir(path), "init.lua") {
		t.Errorf("EntrypointPath() = %q", m.EntrypointPath())
	}
}

func TestLoadManifestYAML(t *testing.T) {
	path := writeManifest(t, "plugin.yaml", manifestYAML)

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if m.ID != "pub.chive.plugin.backlinks" {
		t.Errorf("ID = %q", m.ID)
	}
	if m.Permissions.Storage.MaxSize != 1048576 {
		t.Errorf("MaxSize = %d", m.Permissions.Storage.MaxSize)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "plugin.json"))
	if err == nil {
		t.Fatal("LoadManifest() on missing file succeeded")
	}
}

func TestParseManifestJSONUnknownTopLevelField(t *testing.T) {
	// "permission" instead of "permissions" must fail loudly, or a typo
	// would silently grant nothing.
	_, err := ParseManifestJSON([]byte(`{
	  "id": "pub.chive.plugin.typo",
	  "name": "Typo",
	  "version": "1.0.0",
	  "license": "MIT",
	  "permission": {"hooks": ["system.*"]}
	}`))
	if !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("error = %v, want ErrInvalidManifest", err)
	}
	if !strings.Contains(err.Error(), "permission") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestParseManifestJSONUnknownNestedField(t *testing.T) {
	_, err := ParseManifestJSON([]byte(`{
	  "id": "pub.chive.plugin.typo",
	  "name": "Typo",
	  "version": "1.0.0",
	  "license": "MIT",
	  "permissions": {"hoooks": ["system.*"]}
	}`))
	if !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("error = %v, want ErrInvalidManifest", err)
	}
}

func TestParseManifestYAMLUnknownField(t *testing.T) {
	_, err := ParseManifestYAML([]byte("id: pub.chive.plugin.x\nname: X\nversion: 1.0.0\nlicense: MIT\nbogus: 1\n"))
	if !errors.Is(err, ErrInvalidManifest) {
		t.Fatalf("error = %v, want ErrInvalidManifest", err)
	}
}

func TestManifestClone(t *testing.T) {
	m, err := ParseManifestJSON([]byte(manifestJSON))
	if err != nil {
		t.Fatalf("ParseManifestJSON() error = %v", err)
	}

	c := m.Clone()
	c.Permissions.Hooks[0] = "mutated"
	c.Permissions.Network.AllowedDomains[0] = "mutated"
	c.Dependencies[0] = "mutated"

	if m.Permissions.Hooks[0] != "preprint.indexed" {
		t.Error("Clone shares the hooks slice")
	}
	if m.Permissions.Network.AllowedDomains[0] != "*.crossref.org" {
		t.Error("Clone shares the domains slice")
	}
	if m.Dependencies[0] != "pub.chive.plugin.doi" {
		t.Error("Clone shares the dependencies slice")
	}
}
