// Package security enforces the resource and permission envelope each
// plugin declares in its manifest.
//
// # Governor
//
// The Governor keeps one account per loaded plugin: storage bytes used
// against the manifest quota, execution time over a rolling window
// against the CPU budget, and accumulated timeout faults against the
// timeout budget. Storage reservations are atomic; a rejected
// reservation changes nothing, so callers can rely on all-or-nothing
// writes.
//
//	gov := security.NewGovernor()
//	gov.Register("pub.chive.plugin.backlinks", security.Budget{StorageBytes: 1024})
//
//	if err := gov.ReserveStorage("pub.chive.plugin.backlinks", 2048); err != nil {
//	    // quota exceeded, nothing reserved
//	}
//
// # Enforcer
//
// The Enforcer answers permission questions. Network access is opt-in:
// a request is allowed only when the target hostname matches the
// manifest's allowed domains, where "*.example.com" admits subdomains
// but not the apex. Storage checks delegate to the governor.
//
// Denials are ordinary errors carrying the plugin, the target, and the
// reason, with errors.Is support against ErrPermissionDenied,
// ErrQuotaExceeded, and ErrResourceExceeded.
package security
