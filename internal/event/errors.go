package event

import "errors"

// Sentinel errors for the event bus.
var (
	// ErrBusNotRunning is returned when operations are attempted on a bus
	// that has not been started or has been stopped.
	ErrBusNotRunning = errors.New("event bus is not running")

	// ErrBusAlreadyRunning is returned when Start is called twice.
	ErrBusAlreadyRunning = errors.New("event bus is already running")

	// ErrBusStopped is returned when Start is called on a stopped bus.
	// A stopped bus cannot be restarted.
	ErrBusStopped = errors.New("event bus has been stopped")

	// ErrInvalidTopic is returned when a topic is empty or malformed.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrWildcardPublish is returned when publishing to a pattern topic.
	// Only concrete topics can be published.
	ErrWildcardPublish = errors.New("cannot publish to a wildcard topic")

	// ErrNilHandler is returned when a nil handler is provided.
	ErrNilHandler = errors.New("handler cannot be nil")

	// ErrSubscriptionNotFound is returned when unsubscribing an unknown id.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
