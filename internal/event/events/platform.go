package events

import "github.com/chive-pub/plugd/internal/event/topic"

// Platform event topics plugins commonly hook. Payload shapes belong to the
// emitting pipeline, not to this package.
const (
	// TopicEprintIndexed is published when an eprint finishes indexing.
	TopicEprintIndexed topic.Topic = "eprint.indexed"

	// TopicPreprintIndexed is published when a preprint finishes indexing.
	TopicPreprintIndexed topic.Topic = "preprint.indexed"

	// TopicReviewCreated is published when a review is posted.
	TopicReviewCreated topic.Topic = "review.created"
)

// FirehosePrefix namespaces raw firehose records; the full topic appends the
// record's collection, e.g. "firehose.app.bsky.feed.post".
const FirehosePrefix = "firehose"

// Firehose returns the topic for a firehose record of the given collection.
func Firehose(collection string) topic.Topic {
	if collection == "" {
		return topic.Topic(FirehosePrefix)
	}
	return topic.Topic(FirehosePrefix + topic.Separator + collection)
}
