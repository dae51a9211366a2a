// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	coreerrors "github.com/oceandatatools/sealog/core/errors"
	"github.com/oceandatatools/sealog/core/topic"
)

// OverflowPolicy decides what happens when a subscriber's queue is full.
type OverflowPolicy string

const (
	// OverflowDisconnect drops the subscriber, which closes its
	// connection.
	OverflowDisconnect OverflowPolicy = "disconnect"

	// OverflowDropOldest discards the oldest queued message to make room.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
)

// DefaultQueueSize is the number of messages buffered per subscriber.
const DefaultQueueSize = 64

// Validate checks the policy is one we know.
func (p OverflowPolicy) Validate() error {
	switch p {
	case OverflowDisconnect, OverflowDropOldest:
		return nil
	}
	return errors.NotValidf("overflow policy %q", string(p))
}

// Message is a payload queued for a subscriber.
type Message struct {
	Topic   topic.Topic
	Payload json.RawMessage
}

// Subscriber is the delivery target for one connection. Messages are
// pushed onto a bounded queue which the connection drains. The queue
// channel is never closed; Dead is closed instead once the subscriber is
// killed, after which nothing more is queued.
type Subscriber struct {
	id     string
	policy OverflowPolicy
	queue  chan Message
	dead   chan struct{}

	// We can't send down a closed channel, so sends are guarded by the
	// mutex and the closed flag.
	mu      sync.Mutex
	closed  bool
	err     error
	dropped uint64
}

// NewSubscriber returns a subscriber with a queue of the given size.
func NewSubscriber(id string, queueSize int, policy OverflowPolicy) *Subscriber {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if policy == "" {
		policy = OverflowDisconnect
	}
	return &Subscriber{
		id:     id,
		policy: policy,
		queue:  make(chan Message, queueSize),
		dead:   make(chan struct{}),
	}
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// String implements fmt.Stringer.
func (s *Subscriber) String() string {
	return "subscriber " + s.id
}

// Messages returns the channel the connection reads queued messages from.
func (s *Subscriber) Messages() <-chan Message {
	return s.queue
}

// Dead returns a channel that is closed once the subscriber is killed.
func (s *Subscriber) Dead() <-chan struct{} {
	return s.dead
}

// Kill marks the subscriber closed. Only the first reason is kept.
func (s *Subscriber) Kill(reason error) {
	s.kill(reason)
}

// kill reports whether this call was the one that closed the subscriber.
func (s *Subscriber) kill(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if reason == nil {
		reason = coreerrors.SubscriberClosed
	}
	s.closed = true
	s.err = reason
	close(s.dead)
	return true
}

// Err returns the reason the subscriber was killed, or nil while it is
// still live.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Closed reports whether the subscriber has been killed.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Dropped returns the number of messages discarded under the
// drop-oldest policy.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue hands msg to the subscriber without blocking. It returns
// SubscriberClosed once the subscriber is killed and QueueOverflow when
// the queue is full under the disconnect policy.
func (s *Subscriber) enqueue(msg Message) (dropped bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, coreerrors.SubscriberClosed
	}
	select {
	case s.queue <- msg:
		return false, nil
	default:
	}
	if s.policy != OverflowDropOldest {
		return false, errors.Annotatef(coreerrors.QueueOverflow, "%d messages queued", cap(s.queue))
	}
	// Only producers holding the mutex add to the queue, so after
	// removing one message there is room for this one.
	select {
	case <-s.queue:
		s.dropped++
		dropped = true
	default:
	}
	select {
	case s.queue <- msg:
		return dropped, nil
	default:
		return dropped, errors.Annotate(coreerrors.QueueOverflow, "queue still full")
	}
}
