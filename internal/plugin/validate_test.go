package plugin

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func validManifest() *Manifest {
	return &Manifest{
		ID:         "pub.chive.plugin.backlinks",
		Name:       "Backlinks",
		Version:    "1.2.0",
		License:    "MIT",
		Entrypoint: "init.lua",
		Permissions: Permissions{
			Hooks: []string{"preprint.indexed", "system.*"},
			Network: NetworkPermission{
				AllowedDomains: []string{"*.crossref.org", "api.chive.pub"},
			},
			Storage: StoragePermission{MaxSize: 1024},
		},
		Dependencies: []string{"pub.chive.plugin.doi"},
	}
}

// fieldOf returns the validation failure recorded for field, if any.
func fieldOf(t *testing.T, err error, field string) *FieldError {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a *ValidationError", err)
	}
	for i := range verr.Fields {
		if verr.Fields[i].Field == field {
			return &verr.Fields[i]
		}
	}
	return nil
}

func TestValidateAcceptsValidManifest(t *testing.T) {
	if err := Validate(validManifest()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
		field  string
	}{
		{"missing id", func(m *Manifest) { m.ID = "" }, "id"},
		{"id too short", func(m *Manifest) { m.ID = "ab" }, "id"},
		{"id too long", func(m *Manifest) { m.ID = "a." + strings.Repeat("b", 127) }, "id"},
		{"id single segment", func(m *Manifest) { m.ID = "backlinks" }, "id"},
		{"id uppercase", func(m *Manifest) { m.ID = "Pub.chive.plugin.x" }, "id"},
		{"id empty segment", func(m *Manifest) { m.ID = "pub..chive" }, "id"},
		{"id digit start", func(m *Manifest) { m.ID = "pub.1chive" }, "id"},
		{"missing name", func(m *Manifest) { m.Name = "" }, "name"},
		{"missing version", func(m *Manifest) { m.Version = "" }, "version"},
		{"version two part", func(m *Manifest) { m.Version = "1.2" }, "version"},
		{"version leading zero", func(m *Manifest) { m.Version = "01.2.3" }, "version"},
		{"version v prefix", func(m *Manifest) { m.Version = "v1.2.3" }, "version"},
		{"missing license", func(m *Manifest) { m.License = "" }, "license"},
		{"unapproved license", func(m *Manifest) { m.License = "WTFPL" }, "license"},
		{"entrypoint absolute", func(m *Manifest) { m.Entrypoint = "/etc/init.lua" }, "entrypoint"},
		{"entrypoint traversal", func(m *Manifest) { m.Entrypoint = "../../escape.lua" }, "entrypoint"},
		{"entrypoint wrong extension", func(m *Manifest) { m.Entrypoint = "init.txt" }, "entrypoint"},
		{"entrypoint too long", func(m *Manifest) { m.Entrypoint = strings.Repeat("a", 253) + ".lua" }, "entrypoint"},
		{"hook empty", func(m *Manifest) { m.Permissions.Hooks = []string{""} }, "permissions.hooks[0]"},
		{"hook uppercase", func(m *Manifest) { m.Permissions.Hooks = []string{"System.startup"} }, "permissions.hooks[0]"},
		{"hook multi wildcard", func(m *Manifest) { m.Permissions.Hooks = []string{"system.**"} }, "permissions.hooks[0]"},
		{"hook duplicate", func(m *Manifest) { m.Permissions.Hooks = []string{"a.b", "a.b"} }, "permissions.hooks[1]"},
		{"domain bare wildcard", func(m *Manifest) { m.Permissions.Network.AllowedDomains = []string{"*example.com"} }, "permissions.network.allowedDomains[0]"},
		{"domain single label", func(m *Manifest) { m.Permissions.Network.AllowedDomains = []string{"localhost"} }, "permissions.network.allowedDomains[0]"},
		{"domain duplicate", func(m *Manifest) { m.Permissions.Network.AllowedDomains = []string{"a.com", "A.com"} }, "permissions.network.allowedDomains[1]"},
		{"storage negative", func(m *Manifest) { m.Permissions.Storage.MaxSize = -1 }, "permissions.storage.maxSize"},
		{"dependency malformed", func(m *Manifest) { m.Dependencies = []string{"notanid"} }, "dependencies[0]"},
		{"dependency self", func(m *Manifest) { m.Dependencies = []string{"pub.chive.plugin.backlinks"} }, "dependencies[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)

			err := Validate(m)
			if err == nil {
				t.Fatal("Validate() accepted an invalid manifest")
			}
			if !errors.Is(err, ErrInvalidManifest) {
				t.Fatalf("error = %v, want ErrInvalidManifest", err)
			}
			if fieldOf(t, err, tt.field) == nil {
				t.Errorf("no failure recorded for field %q in %v", tt.field, err)
			}
		})
	}
}

func TestValidateReportsAllFields(t *testing.T) {
	m := validManifest()
	m.ID = "bad"
	m.Version = "1"
	m.License = "Custom"
	m.Entrypoint = "/abs.lua"

	err := Validate(m)
	if err == nil {
		t.Fatal("Validate() accepted an invalid manifest")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a *ValidationError", err)
	}
	if len(verr.Fields) != 4 {
		t.Fatalf("Fields = %d, want 4: %v", len(verr.Fields), err)
	}
	for _, field := range []string{"id", "version", "license", "entrypoint"} {
		if fieldOf(t, err, field) == nil {
			t.Errorf("missing failure for %q", field)
		}
	}
}

func TestValidateLimits(t *testing.T) {
	t.Run("hooks at limit", func(t *testing.T) {
		m := validManifest()
		m.Permissions.Hooks = nil
		for i := 0; i < maxHooks; i++ {
			m.Permissions.Hooks = append(m.Permissions.Hooks, fmt.Sprintf("ns.hook%d", i))
		}
		if err := Validate(m); err != nil {
			t.Errorf("Validate() with %d hooks error = %v", maxHooks, err)
		}
	})

	t.Run("hooks over limit", func(t *testing.T) {
		m := validManifest()
		m.Permissions.Hooks = nil
		for i := 0; i <= maxHooks; i++ {
			m.Permissions.Hooks = append(m.Permissions.Hooks, fmt.Sprintf("ns.hook%d", i))
		}
		err := Validate(m)
		if fieldOf(t, err, "permissions.hooks") == nil {
			t.Errorf("no failure for hooks over limit: %v", err)
		}
	})

	t.Run("domains over limit", func(t *testing.T) {
		m := validManifest()
		m.Permissions.Network.AllowedDomains = nil
		for i := 0; i <= maxAllowedDomains; i++ {
			m.Permissions.Network.AllowedDomains = append(m.Permissions.Network.AllowedDomains,
				fmt.Sprintf("host%d.example.com", i))
		}
		err := Validate(m)
		if fieldOf(t, err, "permissions.network.allowedDomains") == nil {
			t.Errorf("no failure for domains over limit: %v", err)
		}
	})
}

func TestValidateVersionForms(t *testing.T) {
	ok := []string{"0.0.1", "1.0.0", "10.20.30", "1.2.3-rc.1", "1.2.3+build.5", "1.2.3-alpha+001"}
	for _, v := range ok {
		m := validManifest()
		m.Version = v
		if err := Validate(m); err != nil {
			t.Errorf("Validate() rejected version %q: %v", v, err)
		}
	}
}

func TestValidateEntrypointSubdirectory(t *testing.T) {
	m := validManifest()
	m.Entrypoint = "src/init.lua"
	if err := Validate(m); err != nil {
		t.Errorf("Validate() rejected subdirectory entrypoint: %v", err)
	}
}

func TestValidateBuiltinWithoutEntrypoint(t *testing.T) {
	m := validManifest()
	m.Entrypoint = ""
	if err := Validate(m); err != nil {
		t.Errorf("Validate() rejected empty entrypoint: %v", err)
	}
}
