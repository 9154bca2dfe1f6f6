package events

import "github.com/chive-pub/plugd/internal/event/topic"

// System event topics emitted by the host itself.
const (
	// TopicSystemStartup is published once the initial plugin load completes.
	TopicSystemStartup topic.Topic = "system.startup"

	// TopicSystemShutdown is published before plugins are torn down, giving
	// subscribers a chance to react.
	TopicSystemShutdown topic.Topic = "system.shutdown"

	// TopicSystemTick is published on the host's configured schedule.
	TopicSystemTick topic.Topic = "system.tick"

	// TopicPluginLoaded is published when a plugin enters the registry.
	TopicPluginLoaded topic.Topic = "system.plugin.loaded"

	// TopicPluginUnloaded is published when a plugin leaves the registry.
	TopicPluginUnloaded topic.Topic = "system.plugin.unloaded"

	// TopicPluginFailed is published when a load attempt or an escalated
	// fault removes a plugin.
	TopicPluginFailed topic.Topic = "system.plugin.failed"
)

// SourceHost is the Event.Source value for host-emitted events.
const SourceHost = "host"
