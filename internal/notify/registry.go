// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"sync"

	"github.com/juju/errors"

	coreerrors "github.com/oceandatatools/sealog/core/errors"
	"github.com/oceandatatools/sealog/core/topic"
)

// ErrRegistryClosed is returned by a registry that has been shut down.
const ErrRegistryClosed = errors.ConstError("registry closed")

// Registry tracks which subscribers belong to which topic. The topic set
// is fixed when the registry is created.
//
// Each topic holds an immutable slice of subscribers which is replaced on
// every change, so Subscribers can hand out a snapshot without copying.
type Registry struct {
	mu     sync.RWMutex
	order  []topic.Topic
	topics map[topic.Topic][]*Subscriber
	closed bool
}

// NewRegistry returns a registry for the given topics, or for every
// known topic if none are given.
func NewRegistry(topics ...topic.Topic) (*Registry, error) {
	if len(topics) == 0 {
		topics = topic.All()
	}
	r := &Registry{
		topics: make(map[topic.Topic][]*Subscriber, len(topics)),
	}
	for _, t := range topics {
		if err := t.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
		if _, ok := r.topics[t]; ok {
			return nil, errors.NotValidf("duplicate topic %q", t)
		}
		r.topics[t] = nil
		r.order = append(r.order, t)
	}
	return r, nil
}

// Topics returns the registry's topics in the order they were given.
func (r *Registry) Topics() []topic.Topic {
	result := make([]topic.Topic, len(r.order))
	copy(result, r.order)
	return result
}

// Has reports whether t is one of the registry's topics.
func (r *Registry) Has(t topic.Topic) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.topics[t]
	return ok
}

func (r *Registry) checkTopic(t topic.Topic) error {
	if _, ok := r.topics[t]; !ok {
		return errors.Annotatef(coreerrors.UnknownTopic, "%q", string(t))
	}
	return nil
}

// Subscribe adds sub to topic t. Subscribing twice is a no-op. A killed
// subscriber cannot be added.
func (r *Registry) Subscribe(t topic.Topic, sub *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if err := r.checkTopic(t); err != nil {
		return errors.Trace(err)
	}
	// Checked under the registry lock so that a concurrent close, which
	// kills before unsubscribing, cannot leave sub behind.
	if sub.Closed() {
		return errors.Annotatef(coreerrors.SubscriberClosed, "subscribing %s to %q", sub.ID(), t)
	}
	current := r.topics[t]
	for _, existing := range current {
		if existing == sub {
			return nil
		}
	}
	updated := make([]*Subscriber, len(current), len(current)+1)
	copy(updated, current)
	r.topics[t] = append(updated, sub)
	logger.Tracef("%s subscribed to %q", sub, t)
	return nil
}

// Unsubscribe removes sub from topic t. Removing a subscriber that is not
// present is a no-op.
func (r *Registry) Unsubscribe(t topic.Topic, sub *Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkTopic(t); err != nil {
		return errors.Trace(err)
	}
	r.remove(t, sub)
	return nil
}

// UnsubscribeAll removes sub from every topic and returns the topics it
// was removed from.
func (r *Registry) UnsubscribeAll(sub *Subscriber) []topic.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []topic.Topic
	for _, t := range r.order {
		if r.remove(t, sub) {
			removed = append(removed, t)
		}
	}
	if len(removed) > 0 {
		logger.Tracef("%s unsubscribed from %v", sub, removed)
	}
	return removed
}

func (r *Registry) remove(t topic.Topic, sub *Subscriber) bool {
	current := r.topics[t]
	for i, existing := range current {
		if existing != sub {
			continue
		}
		updated := make([]*Subscriber, 0, len(current)-1)
		updated = append(updated, current[:i]...)
		updated = append(updated, current[i+1:]...)
		r.topics[t] = updated
		return true
	}
	return false
}

// Subscribers returns the subscribers of topic t at the time of the call.
// The result must not be modified.
func (r *Registry) Subscribers(t topic.Topic) ([]*Subscriber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkTopic(t); err != nil {
		return nil, errors.Trace(err)
	}
	return r.topics[t], nil
}

// SubscribedTopics returns the topics sub currently belongs to.
func (r *Registry) SubscribedTopics(sub *Subscriber) []topic.Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []topic.Topic
	for _, t := range r.order {
		for _, existing := range r.topics[t] {
			if existing == sub {
				result = append(result, t)
				break
			}
		}
	}
	return result
}

// Count returns the number of subscribers to topic t.
func (r *Registry) Count(t topic.Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[t])
}

// Report returns the subscriber count of every topic.
func (r *Registry) Report() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	report := make(map[string]interface{}, len(r.order))
	for _, t := range r.order {
		report[string(t)] = len(r.topics[t])
	}
	return report
}

// Close kills every subscriber and empties the registry. Later calls to
// Subscribe fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, t := range r.order {
		for _, sub := range r.topics[t] {
			sub.Kill(ErrRegistryClosed)
		}
		r.topics[t] = nil
	}
}
