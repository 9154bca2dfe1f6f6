package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chive-pub/plugd/internal/event"
	"github.com/chive-pub/plugd/internal/event/topic"
	"github.com/chive-pub/plugd/internal/plugin/security"
)

// ScopedBus is a plugin's view of the shared event bus. Every subscribe and
// emit is checked against the hook grants from the plugin's manifest, and
// Cleanup removes exactly the subscriptions created through this view,
// never another plugin's.
//
// A grant is either an exact topic ("preprint.indexed") or a single-level
// wildcard ("system.*", which covers "system.startup" but not
// "system.plugin.loaded").
type ScopedBus struct {
	plugin string
	bus    *event.Bus
	grants []topic.Topic
	log    *logrus.Entry

	mu     sync.Mutex
	subs   map[string]topic.Topic
	closed bool
}

// newScopedBus builds a scoped view for the given plugin identity. The
// grants come from the manifest's permissions.hooks and are assumed to
// have passed manifest validation.
func newScopedBus(plugin string, bus *event.Bus, hooks []string, log *logrus.Entry) *ScopedBus {
	grants := make([]topic.Topic, 0, len(hooks))
	for _, h := range hooks {
		grants = append(grants, topic.Topic(h))
	}
	return &ScopedBus{
		plugin: plugin,
		bus:    bus,
		grants: grants,
		log:    log,
		subs:   make(map[string]topic.Topic),
	}
}

// On subscribes the handler to a topic pattern. The pattern must be covered
// by the plugin's hook grants; otherwise a permission error is returned and
// nothing is registered. The returned id is the handle for Off.
func (s *ScopedBus) On(pattern string, h event.Handler) (string, error) {
	t := topic.Topic(pattern)
	if !t.IsValid() {
		return "", event.ErrInvalidTopic
	}
	if !s.HookAllowed(pattern) {
		return "", s.denied("subscribe", pattern)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrScopeClosed
	}

	sub, err := s.bus.Subscribe(t, h, event.WithOwner(s.plugin))
	if err != nil {
		return "", err
	}
	s.subs[sub.ID()] = t
	return sub.ID(), nil
}

// OnFunc subscribes a function handler.
func (s *ScopedBus) OnFunc(pattern string, fn event.HandlerFunc) (string, error) {
	return s.On(pattern, fn)
}

// Off removes a subscription created through this view. Handles belonging
// to other plugins are not found here, so one plugin cannot detach
// another's handlers.
func (s *ScopedBus) Off(id string) error {
	s.mu.Lock()
	if _, ok := s.subs[id]; !ok {
		s.mu.Unlock()
		return event.ErrSubscriptionNotFound
	}
	delete(s.subs, id)
	s.mu.Unlock()

	return s.bus.Unsubscribe(id)
}

// Emit publishes an event on the shared bus under the plugin's identity.
// The topic must be concrete and covered by the plugin's hook grants.
func (s *ScopedBus) Emit(ctx context.Context, name string, payload map[string]any) error {
	t := topic.Topic(name)
	if !t.IsValid() {
		return event.ErrInvalidTopic
	}
	if t.IsWildcard() {
		return event.ErrWildcardPublish
	}
	if !s.HookAllowed(name) {
		return s.denied("emit", name)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrScopeClosed
	}

	return s.bus.Publish(ctx, event.Event{
		Topic:   t,
		Payload: payload,
		Source:  s.plugin,
		Time:    time.Now(),
	})
}

// Cleanup removes every subscription created through this view and closes
// it. Safe to call more than once; later calls are no-ops.
func (s *ScopedBus) Cleanup() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subs = make(map[string]topic.Topic)
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.bus.Unsubscribe(id); err != nil {
			s.log.WithField("subscription", id).WithError(err).Debug("cleanup unsubscribe")
		}
	}
}

// AllowedHooks returns a copy of the plugin's hook grants.
func (s *ScopedBus) AllowedHooks() []string {
	out := make([]string, len(s.grants))
	for i, g := range s.grants {
		out[i] = g.String()
	}
	return out
}

// HookAllowed reports whether the named hook is covered by the plugin's
// grants. A concrete name is allowed when it equals a grant or matches a
// wildcard grant; a pattern is allowed only when a grant is exactly that
// pattern, so a plugin can never widen its grants by asking with a
// wildcard.
func (s *ScopedBus) HookAllowed(name string) bool {
	t := topic.Topic(name)
	if !t.IsValid() {
		return false
	}
	for _, g := range s.grants {
		if t == g {
			return true
		}
		if !t.IsWildcard() && t.Matches(g) {
			return true
		}
	}
	return false
}

// Count returns the number of live subscriptions created through this view.
func (s *ScopedBus) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *ScopedBus) denied(action, hook string) error {
	return &security.PermissionError{
		Plugin: s.plugin,
		Kind:   "hook",
		Target: hook,
		Reason: action + " requires a matching hook grant in the manifest",
	}
}
