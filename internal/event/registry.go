package event

import (
	"sync"

	"github.com/chive-pub/plugd/internal/event/topic"
)

// registry tracks live subscriptions by id and by pattern, with a trie
// matcher for publish-time lookup. Safe for concurrent use.
type registry struct {
	mu        sync.RWMutex
	byID      map[string]*Subscription
	byPattern map[topic.Topic][]*Subscription
	matcher   *topic.Matcher
}

func newRegistry() *registry {
	return &registry{
		byID:      make(map[string]*Subscription),
		byPattern: make(map[topic.Topic][]*Subscription),
		matcher:   topic.NewMatcher(),
	}
}

// add inserts a subscription and indexes its pattern.
func (r *registry) add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[sub.id] = sub
	r.byPattern[sub.pattern] = append(r.byPattern[sub.pattern], sub)
	r.matcher.Add(sub.pattern)
}

// remove deletes a subscription by id and returns it, or nil if unknown.
// The pattern leaves the matcher when its last subscription goes.
func (r *registry) remove(subID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[subID]
	if !ok {
		return nil
	}
	delete(r.byID, subID)

	subs := r.byPattern[sub.pattern]
	for i, s := range subs {
		if s.id == subID {
			r.byPattern[sub.pattern] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(r.byPattern[sub.pattern]) == 0 {
		delete(r.byPattern, sub.pattern)
		r.matcher.Remove(sub.pattern)
	}

	return sub
}

// match returns a copy of all subscriptions whose pattern matches the
// concrete event topic.
func (r *registry) match(eventTopic topic.Topic) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	patterns := r.matcher.Match(eventTopic)
	if len(patterns) == 0 {
		return nil
	}

	var all []*Subscription
	for _, pattern := range patterns {
		all = append(all, r.byPattern[pattern]...)
	}
	return all
}

// count returns the total number of subscriptions.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// countOwner returns the number of subscriptions tagged with the owner.
func (r *registry) countOwner(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, sub := range r.byID {
		if sub.owner == owner {
			count++
		}
	}
	return count
}

// all returns a copy of every subscription.
func (r *registry) all() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.byID) == 0 {
		return nil
	}
	result := make([]*Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		result = append(result, sub)
	}
	return result
}

// clear removes everything.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID = make(map[string]*Subscription)
	r.byPattern = make(map[topic.Topic][]*Subscription)
	r.matcher.Clear()
}
