// Package topic provides hierarchical topic names and pattern matching for
// the event bus.
//
// # Topic Format
//
// Topics use dot-notation to create hierarchical namespaces:
//
//	eprint.indexed
//	review.created
//	firehose.app.bsky.feed.post
//	system.startup
//
// # Wildcards
//
// Two wildcard forms are supported in patterns:
//
//   - "*" matches exactly one segment
//   - "**" matches zero or more segments
//
// Examples:
//
//	system.*         matches system.startup, system.shutdown (not system.a.b)
//	firehose.**      matches firehose.commit, firehose.app.bsky.feed.post
//	*.indexed        matches eprint.indexed, preprint.indexed
//	**               matches everything
//
// Plugin hook permissions only admit the single-segment "*" form; the
// multi-segment "**" form is reserved for host-side subscriptions such as
// the observability tap.
//
// # Pattern Matching
//
// The Matcher type indexes many patterns in a trie so a published topic can
// be matched against all of them in one walk:
//
//	m := topic.NewMatcher()
//	m.Add(topic.Topic("system.*"))
//	m.Add(topic.Topic("eprint.indexed"))
//
//	matches := m.Match(topic.Topic("eprint.indexed"))
package topic
