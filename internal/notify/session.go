// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"sync"

	"github.com/juju/errors"

	coreerrors "github.com/oceandatatools/sealog/core/errors"
	"github.com/oceandatatools/sealog/core/topic"
	"github.com/oceandatatools/sealog/internal/auth"
)

// SessionState is the admission state of a connection.
type SessionState string

const (
	Unauthenticated SessionState = "unauthenticated"
	Authenticated   SessionState = "authenticated"
	Subscribed      SessionState = "subscribed"
	Closed          SessionState = "closed"
)

// SessionConfig holds what a Session needs from the process.
type SessionConfig struct {
	Registry   *Registry
	Authorizer Authorizer

	QueueSize int
	Overflow  OverflowPolicy
}

// Validate ensures that all the values that have to be set are set.
func (config SessionConfig) Validate() error {
	if config.Registry == nil {
		return errors.NotValidf("missing Registry")
	}
	if config.Authorizer == nil {
		return errors.NotValidf("missing Authorizer")
	}
	if config.QueueSize < 0 {
		return errors.NotValidf("negative QueueSize")
	}
	if config.Overflow != "" {
		if err := config.Overflow.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Session gates one connection's subscriptions. A connection starts
// unauthenticated, may subscribe to any number of topics once
// authenticated, and is removed from every topic when closed.
type Session struct {
	registry   *Registry
	authorizer Authorizer
	sub        *Subscriber

	mu       sync.Mutex
	identity *auth.Identity
}

// NewSession returns an unauthenticated session with the given id.
func NewSession(id string, config SessionConfig) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Session invalid config")
	}
	return &Session{
		registry:   config.Registry,
		authorizer: config.Authorizer,
		sub:        NewSubscriber(id, config.QueueSize, config.Overflow),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.sub.ID()
}

// Subscriber returns the delivery target of the session.
func (s *Session) Subscriber() *Subscriber {
	return s.sub
}

// Messages returns the queued messages for the connection to write.
func (s *Session) Messages() <-chan Message {
	return s.sub.Messages()
}

// Dead is closed when the session is closed or dropped by the
// dispatcher.
func (s *Session) Dead() <-chan struct{} {
	return s.sub.Dead()
}

// Err returns why the session stopped receiving messages.
func (s *Session) Err() error {
	return s.sub.Err()
}

// Authenticate admits the session. Authenticating again replaces the
// identity but keeps existing subscriptions.
func (s *Session) Authenticate(identity auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub.Closed() {
		return errors.Trace(coreerrors.SubscriberClosed)
	}
	s.identity = &identity
	logger.Debugf("session %s authenticated as %q", s.ID(), identity.UserID)
	return nil
}

// Identity returns the authenticated identity, if any.
func (s *Session) Identity() (auth.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return auth.Identity{}, false
	}
	return *s.identity, true
}

// State returns where the session is in its lifecycle.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.sub.Closed():
		return Closed
	case s.identity == nil:
		return Unauthenticated
	case len(s.registry.SubscribedTopics(s.sub)) > 0:
		return Subscribed
	}
	return Authenticated
}

// Subscribe adds the session to the named topic. Unauthenticated sessions
// are rejected with NotAuthenticated and unknown names with UnknownTopic;
// neither changes any state.
func (s *Session) Subscribe(name string) (topic.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub.Closed() {
		return "", errors.Trace(coreerrors.SubscriberClosed)
	}
	if s.identity == nil {
		return "", errors.Annotatef(coreerrors.NotAuthenticated, "subscribing to %q", name)
	}
	t, err := topic.Parse(name)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := s.authorizer.AuthorizeSubscribe(*s.identity, t); err != nil {
		return "", errors.Trace(err)
	}
	if err := s.registry.Subscribe(t, s.sub); err != nil {
		return "", errors.Trace(err)
	}
	return t, nil
}

// Unsubscribe removes the session from the named topic.
func (s *Session) Unsubscribe(name string) (topic.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := topic.Parse(name)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := s.registry.Unsubscribe(t, s.sub); err != nil {
		return "", errors.Trace(err)
	}
	return t, nil
}

// Topics returns the topics the session is subscribed to.
func (s *Session) Topics() []topic.Topic {
	return s.registry.SubscribedTopics(s.sub)
}

// Close stops delivery to the session and removes it from every topic
// before returning. Messages already queued are never delivered.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub.Kill(coreerrors.SubscriberClosed)
	if removed := s.registry.UnsubscribeAll(s.sub); len(removed) > 0 {
		logger.Debugf("session %s closed, unsubscribed from %v", s.ID(), removed)
	}
}
