// Package plugin implements the extension host for Chive.
//
// Plugins are Lua scripts that extend the preprint platform: reacting to
// submission and review events, annotating records, and talking to a
// small set of whitelisted services. Every plugin runs in its own
// sandboxed interpreter under explicit resource budgets, and everything
// it may touch is declared up front in its manifest.
//
// # Quick Start
//
//	bus := event.New()
//	bus.Start()
//	defer bus.Stop(context.Background())
//
//	mgr := plugin.NewManager(bus,
//	    plugin.WithManagerLogger(log),
//	    plugin.WithSearchPaths("/var/lib/chive/plugins"),
//	)
//	if err := mgr.LoadAll(ctx); err != nil {
//	    log.Warnf("some plugins failed to load: %v", err)
//	}
//	defer mgr.ShutdownAll(context.Background())
//
// # Plugin Structure
//
// A plugin is a directory containing a manifest and a Lua entrypoint:
//
//	/var/lib/chive/plugins/backlinks/
//	├── plugin.json      # Manifest
//	└── init.lua         # Entry point
//
// Manifests may also be plugin.yaml or plugin.yml.
//
// # Manifest
//
// The manifest declares identity, entrypoint, and permissions:
//
//	{
//	  "id": "pub.chive.plugin.backlinks",
//	  "name": "Backlinks",
//	  "version": "1.2.0",
//	  "license": "MIT",
//	  "entrypoint": "init.lua",
//	  "permissions": {
//	    "hooks": ["preprint.indexed", "system.*"],
//	    "network": {"allowedDomains": ["*.crossref.org"]},
//	    "storage": {"maxSize": 1048576}
//	  }
//	}
//
// The schema is closed: unknown fields fail validation, and validation
// reports every failing field at once rather than the first. Hook grants
// may use a single-level wildcard; "system.*" covers "system.startup"
// but not "system.plugin.loaded". Network wildcards cover subdomains
// only; "*.example.com" does not admit the apex.
//
// # Lifecycle
//
// Plugins move through these states:
//
//	unloaded -> loading -> ready
//	loading  -> error
//	ready    -> unloading -> unloaded
//
// Lifecycle operations on one identity are serialized; different
// identities load and unload concurrently. Plugin code never runs while
// a registry lock is held, so a plugin stuck in its initialize hook
// cannot stall lookups or other plugins.
//
// # Sandbox and Budgets
//
// Each plugin owns one Lua interpreter with the io, os and debug
// libraries absent. Budgets default to 128 MB of interpreter memory, a
// 10% CPU share, 5 seconds per invocation and 10 MB of storage; a
// manifest can only lower the storage quota, never raise it. A faulting
// plugin (timeout, memory exhaustion, uncaught error) never takes the
// host down. Timeouts beyond the configured tolerance escalate: the
// plugin is marked failed and unloaded.
//
// # Plugin API
//
// Plugin code reaches the host through the chive module:
//
//	local chive = require("chive")
//
//	chive.events.on("preprint.indexed", function(ev)
//	    chive.log.info("indexed", {doi = ev.payload.doi})
//	    chive.cache.set(ev.payload.doi, "seen")
//	    chive.metrics.inc("indexed_total")
//	end)
//
// Submodules: chive.log, chive.events, chive.cache, chive.metrics and
// chive.net. Every call is checked against the manifest grants; a denied
// hook or domain is reported to the script, never silently dropped.
package plugin
