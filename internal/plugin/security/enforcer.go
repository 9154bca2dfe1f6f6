package security

import (
	"net"
	"strings"
	"sync"
)

// Enforcer answers permission questions for loaded plugins. Network
// access is opt-in through the manifest's domain allow-list; a plugin
// with no declared domains has no network access at all. Storage checks
// delegate to the governor, which owns the quota accounting.
type Enforcer struct {
	mu      sync.RWMutex
	domains map[string][]string // plugin -> lowercased allow-list
	gov     *Governor
}

// NewEnforcer creates an enforcer backed by the governor's quotas.
func NewEnforcer(gov *Governor) *Enforcer {
	return &Enforcer{
		domains: make(map[string][]string),
		gov:     gov,
	}
}

// Register stores the plugin's granted domains. Patterns are normalized
// to lowercase; "*.example.com" admits any subdomain of example.com but
// not the apex.
func (e *Enforcer) Register(plugin string, allowedDomains []string) {
	normalized := make([]string, len(allowedDomains))
	for i, d := range allowedDomains {
		normalized[i] = strings.ToLower(strings.TrimSpace(d))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.domains[plugin] = normalized
}

// Drop removes the plugin's grants.
func (e *Enforcer) Drop(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.domains, plugin)
}

// AllowedDomains returns a copy of the plugin's domain allow-list.
func (e *Enforcer) AllowedDomains(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	domains, ok := e.domains[plugin]
	if !ok {
		return nil
	}
	out := make([]string, len(domains))
	copy(out, domains)
	return out
}

// CheckNetwork reports whether the plugin may reach the host. The host
// may carry a port; matching is against the hostname alone.
func (e *Enforcer) CheckNetwork(plugin, host string) error {
	e.mu.RLock()
	domains, registered := e.domains[plugin]
	e.mu.RUnlock()

	target := strings.ToLower(extractHost(host))

	if !registered {
		return &PermissionError{
			Plugin: plugin,
			Kind:   "network",
			Target: target,
			Reason: "plugin not registered",
		}
	}
	if len(domains) == 0 {
		return &PermissionError{
			Plugin: plugin,
			Kind:   "network",
			Target: target,
			Reason: "manifest grants no network access",
		}
	}
	for _, pattern := range domains {
		if matchDomain(target, pattern) {
			return nil
		}
	}
	return &PermissionError{
		Plugin: plugin,
		Kind:   "network",
		Target: target,
		Reason: "host not in allowed domains",
	}
}

// CheckStorage reports whether writing n more bytes stays within the
// plugin's storage quota.
func (e *Enforcer) CheckStorage(plugin string, n int64) error {
	return e.gov.CheckStorage(plugin, n)
}

// extractHost strips a port from host:port, keeping bracketed IPv6
// addresses intact.
func extractHost(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host
	}
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}

// matchDomain checks a hostname against an allow-list pattern. A
// "*.example.com" pattern matches one or more subdomain levels, never
// the apex domain itself.
func matchDomain(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}
