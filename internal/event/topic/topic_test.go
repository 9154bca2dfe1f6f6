package topic

import (
	"testing"
)

func TestTopic_Segments(t *testing.T) {
	tests := []struct {
		topic    Topic
		expected []string
	}{
		{Topic("eprint.indexed"), []string{"eprint", "indexed"}},
		{Topic("firehose.app.bsky.feed.post"), []string{"firehose", "app", "bsky", "feed", "post"}},
		{Topic("startup"), []string{"startup"}},
		{Topic(""), nil},
	}

	for _, tt := range tests {
		t.Run(tt.topic.String(), func(t *testing.T) {
			got := tt.topic.Segments()
			if len(got) != len(tt.expected) {
				t.Errorf("Topic.Segments() = %v, want %v", got, tt.expected)
				return
			}
			for i, seg := range got {
				if seg != tt.expected[i] {
					t.Errorf("Topic.Segments()[%d] = %v, want %v", i, seg, tt.expected[i])
				}
			}
		})
	}
}

func TestTopic_Base(t *testing.T) {
	tests := []struct {
		topic    Topic
		expected string
	}{
		{Topic("eprint.indexed"), "indexed"},
		{Topic("firehose.app.bsky.feed.post"), "post"},
		{Topic("startup"), "startup"},
	}

	for _, tt := range tests {
		t.Run(tt.topic.String(), func(t *testing.T) {
			if got := tt.topic.Base(); got != tt.expected {
				t.Errorf("Topic.Base() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTopic_IsWildcard(t *testing.T) {
	tests := []struct {
		topic    Topic
		expected bool
	}{
		{Topic("system.*"), true},
		{Topic("firehose.**"), true},
		{Topic("*"), true},
		{Topic("eprint.indexed"), false},
		{Topic("system.star"), false},
		{Topic(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.topic.String(), func(t *testing.T) {
			if got := tt.topic.IsWildcard(); got != tt.expected {
				t.Errorf("Topic.IsWildcard() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTopic_IsValid(t *testing.T) {
	tests := []struct {
		topic    Topic
		expected bool
	}{
		{Topic("eprint.indexed"), true},
		{Topic("system.*"), true},
		{Topic("startup"), true},
		{Topic(""), false},
		{Topic(".indexed"), false},
		{Topic("eprint."), false},
		{Topic("eprint..indexed"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.topic), func(t *testing.T) {
			if got := tt.topic.IsValid(); got != tt.expected {
				t.Errorf("Topic.IsValid() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestTopic_Matches(t *testing.T) {
	tests := []struct {
		topic    Topic
		pattern  Topic
		expected bool
	}{
		// Exact matches
		{Topic("eprint.indexed"), Topic("eprint.indexed"), true},
		{Topic("eprint.indexed"), Topic("review.created"), false},

		// Single wildcard: exactly one segment
		{Topic("system.startup"), Topic("system.*"), true},
		{Topic("system.shutdown"), Topic("system.*"), true},
		{Topic("system.plugin.loaded"), Topic("system.*"), false},
		{Topic("system"), Topic("system.*"), false},
		{Topic("eprint.indexed"), Topic("*.indexed"), true},
		{Topic("preprint.indexed"), Topic("*.indexed"), true},
		{Topic("eprint.withdrawn"), Topic("*.indexed"), false},

		// Multi wildcard: zero or more segments
		{Topic("firehose.commit"), Topic("firehose.**"), true},
		{Topic("firehose.app.bsky.feed.post"), Topic("firehose.**"), true},
		{Topic("firehose"), Topic("firehose.**"), true},
		{Topic("eprint.indexed"), Topic("firehose.**"), false},
		{Topic("anything.at.all"), Topic("**"), true},

		// Mixed
		{Topic("firehose.app.bsky.feed.post"), Topic("firehose.*.bsky.**"), true},
		{Topic("firehose.app.other"), Topic("firehose.*.bsky.**"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.topic)+"~"+string(tt.pattern), func(t *testing.T) {
			if got := tt.topic.Matches(tt.pattern); got != tt.expected {
				t.Errorf("Topic(%q).Matches(%q) = %v, want %v", tt.topic, tt.pattern, got, tt.expected)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	got := Join("system", "plugin", "loaded")
	if got != Topic("system.plugin.loaded") {
		t.Errorf("Join() = %v, want system.plugin.loaded", got)
	}
}
