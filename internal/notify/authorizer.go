// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"github.com/juju/errors"

	coreerrors "github.com/oceandatatools/sealog/core/errors"
	"github.com/oceandatatools/sealog/core/topic"
	"github.com/oceandatatools/sealog/internal/auth"
)

// Authorizer decides whether an authenticated identity may subscribe to
// a topic.
type Authorizer interface {
	AuthorizeSubscribe(identity auth.Identity, t topic.Topic) error
}

// DirectAuthorizer admits any authenticated identity to any topic.
type DirectAuthorizer struct{}

// AuthorizeSubscribe is part of the Authorizer interface.
func (DirectAuthorizer) AuthorizeSubscribe(auth.Identity, topic.Topic) error {
	return nil
}

// ScopeAuthorizer requires one of a list of scopes for the topics it is
// configured with. Other topics are admitted directly.
type ScopeAuthorizer struct {
	scopes map[topic.Topic][]string
}

// NewScopeAuthorizer returns an authorizer for the given topic to scopes
// mapping. Topic names may use either the bare or path form.
func NewScopeAuthorizer(topicScopes map[string][]string) (*ScopeAuthorizer, error) {
	scopes := make(map[topic.Topic][]string, len(topicScopes))
	for name, required := range topicScopes {
		t, err := topic.Parse(name)
		if err != nil {
			return nil, errors.Annotate(err, "topic scopes")
		}
		if len(required) == 0 {
			continue
		}
		scopes[t] = append([]string(nil), required...)
	}
	return &ScopeAuthorizer{scopes: scopes}, nil
}

// AuthorizeSubscribe is part of the Authorizer interface.
func (a *ScopeAuthorizer) AuthorizeSubscribe(identity auth.Identity, t topic.Topic) error {
	required, ok := a.scopes[t]
	if !ok || identity.HasAnyScope(required) {
		return nil
	}
	return errors.Annotatef(coreerrors.Unauthorized, "%q requires one of %v", string(t), required)
}

// NewAuthorizer returns a DirectAuthorizer when no topic scopes are
// configured, and a ScopeAuthorizer otherwise.
func NewAuthorizer(topicScopes map[string][]string) (Authorizer, error) {
	if len(topicScopes) == 0 {
		return DirectAuthorizer{}, nil
	}
	return NewScopeAuthorizer(topicScopes)
}
