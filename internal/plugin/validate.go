package plugin

import (
	"fmt"
	"regexp"
	"strings"
)

// Schema limits.
const (
	minIDLength         = 3
	maxIDLength         = 128
	maxEntrypointLength = 256
	maxHooks            = 64
	maxAllowedDomains   = 32
)

// idPattern is the reverse-domain identity grammar: at least two
// lowercase segments separated by dots, each starting with a letter.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*(\.[a-z][a-z0-9-]*)+$`)

// semverPattern is strict semantic versioning: no leading zeros, with
// optional prerelease and build metadata.
var semverPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
	`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// hookPattern is the grant grammar for event names: dot-separated
// lowercase segments, where "*" stands in for exactly one segment.
// The multi-segment "**" is host-only and not grantable.
var hookPattern = regexp.MustCompile(`^([a-z0-9_-]+|\*)(\.([a-z0-9_-]+|\*))*$`)

// domainPattern accepts a DNS name with an optional "*." wildcard
// prefix.
var domainPattern = regexp.MustCompile(`^(\*\.)?[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// approvedLicenses is the fixed SPDX allow-list. UNLICENSED marks
// intentionally proprietary plugins.
var approvedLicenses = map[string]bool{
	"MIT":               true,
	"Apache-2.0":        true,
	"BSD-2-Clause":      true,
	"BSD-3-Clause":      true,
	"ISC":               true,
	"MPL-2.0":           true,
	"GPL-2.0-only":      true,
	"GPL-2.0-or-later":  true,
	"GPL-3.0-only":      true,
	"GPL-3.0-or-later":  true,
	"LGPL-2.1-only":     true,
	"LGPL-2.1-or-later": true,
	"LGPL-3.0-only":     true,
	"LGPL-3.0-or-later": true,
	"AGPL-3.0-only":     true,
	"AGPL-3.0-or-later": true,
	"EPL-2.0":           true,
	"Unlicense":         true,
	"UNLICENSED":        true,
}

// FieldError is one failed manifest field.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e FieldError) String() string {
	if e.Value == "" {
		return e.Field + ": " + e.Reason
	}
	return fmt.Sprintf("%s: %q %s", e.Field, e.Value, e.Reason)
}

// ValidationError carries every failing field of one manifest, so a
// plugin author fixes the whole document in one pass instead of
// resubmitting per error.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.String()
	}
	return "plugin: invalid manifest: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidManifest
}

func (e *ValidationError) add(field, value, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Value: value, Reason: reason})
}

// orNil returns nil when no field failed. A typed nil *ValidationError
// must never escape as a non-nil error.
func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Validate checks the whole manifest and reports every failing field.
func Validate(m *Manifest) error {
	var verr ValidationError

	switch {
	case m.ID == "":
		verr.add("id", "", "is required")
	case len(m.ID) < minIDLength || len(m.ID) > maxIDLength:
		verr.add("id", m.ID, fmt.Sprintf("must be %d-%d characters", minIDLength, maxIDLength))
	case !idPattern.MatchString(m.ID):
		verr.add("id", m.ID, "must be a reverse-domain identifier like pub.chive.plugin.example")
	}

	if m.Name == "" {
		verr.add("name", "", "is required")
	}

	switch {
	case m.Version == "":
		verr.add("version", "", "is required")
	case !semverPattern.MatchString(m.Version):
		verr.add("version", m.Version, "must be strict semver")
	}

	switch {
	case m.License == "":
		verr.add("license", "", "is required")
	case !approvedLicenses[m.License]:
		verr.add("license", m.License, "is not an approved SPDX identifier")
	}

	validateEntrypoint(&verr, m.Entrypoint)
	validateHooks(&verr, m.Permissions.Hooks)
	validateDomains(&verr, m.Permissions.Network.AllowedDomains)

	if m.Permissions.Storage.MaxSize < 0 {
		verr.add("permissions.storage.maxSize", fmt.Sprint(m.Permissions.Storage.MaxSize), "must not be negative")
	}

	validateDependencies(&verr, m.ID, m.Dependencies)

	return verr.orNil()
}

// validateEntrypoint checks the entrypoint path. Empty is legal at the
// schema level; builtin plugins have no file, and the loader rejects
// empty entrypoints for directory plugins.
func validateEntrypoint(verr *ValidationError, ep string) {
	if ep == "" {
		return
	}
	if len(ep) > maxEntrypointLength {
		verr.add("entrypoint", ep, fmt.Sprintf("must be at most %d characters", maxEntrypointLength))
		return
	}
	if strings.HasPrefix(ep, "/") || strings.HasPrefix(ep, "\\") {
		verr.add("entrypoint", ep, "must be relative to the plugin directory")
		return
	}
	for _, seg := range strings.FieldsFunc(ep, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			verr.add("entrypoint", ep, "must not traverse outside the plugin directory")
			return
		}
	}
	if !strings.HasSuffix(ep, ".lua") {
		verr.add("entrypoint", ep, "must be a .lua file")
	}
}

func validateHooks(verr *ValidationError, hooks []string) {
	if len(hooks) > maxHooks {
		verr.add("permissions.hooks", fmt.Sprint(len(hooks)), fmt.Sprintf("must list at most %d hooks", maxHooks))
	}
	seen := make(map[string]bool, len(hooks))
	for i, h := range hooks {
		field := fmt.Sprintf("permissions.hooks[%d]", i)
		switch {
		case h == "":
			verr.add(field, "", "must not be empty")
		case strings.Contains(h, "**"):
			verr.add(field, h, "multi-segment wildcard is not grantable")
		case !hookPattern.MatchString(h):
			verr.add(field, h, "must be dot-separated segments, with * for one segment")
		case seen[h]:
			verr.add(field, h, "is a duplicate")
		}
		seen[h] = true
	}
}

func validateDomains(verr *ValidationError, domains []string) {
	if len(domains) > maxAllowedDomains {
		verr.add("permissions.network.allowedDomains", fmt.Sprint(len(domains)),
			fmt.Sprintf("must list at most %d domains", maxAllowedDomains))
	}
	seen := make(map[string]bool, len(domains))
	for i, d := range domains {
		field := fmt.Sprintf("permissions.network.allowedDomains[%d]", i)
		normalized := strings.ToLower(strings.TrimSpace(d))
		switch {
		case normalized == "":
			verr.add(field, d, "must not be empty")
		case !domainPattern.MatchString(normalized):
			verr.add(field, d, "must be a domain, optionally with a *. prefix")
		case seen[normalized]:
			verr.add(field, d, "is a duplicate")
		}
		seen[normalized] = true
	}
}

func validateDependencies(verr *ValidationError, selfID string, deps []string) {
	seen := make(map[string]bool, len(deps))
	for i, dep := range deps {
		field := fmt.Sprintf("dependencies[%d]", i)
		switch {
		case dep == "":
			verr.add(field, "", "must not be empty")
		case !idPattern.MatchString(dep):
			verr.add(field, dep, "must be a reverse-domain plugin id")
		case dep == selfID:
			verr.add(field, dep, "must not depend on itself")
		case seen[dep]:
			verr.add(field, dep, "is a duplicate")
		}
		seen[dep] = true
	}
}
