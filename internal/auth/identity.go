// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package auth

import (
	"github.com/juju/collections/set"
)

// Identity is an authenticated caller.
type Identity struct {
	// UserID is the id of the user the token was issued to.
	UserID string

	// Scopes holds the roles granted by the token, such as "admin" or
	// "event_logger".
	Scopes set.Strings
}

// NewIdentity returns an identity holding the given scopes.
func NewIdentity(userID string, scopes ...string) Identity {
	return Identity{
		UserID: userID,
		Scopes: set.NewStrings(scopes...),
	}
}

// HasScope reports whether the identity was granted scope.
func (i Identity) HasScope(scope string) bool {
	return i.Scopes.Contains(scope)
}

// HasAnyScope reports whether the identity holds at least one of scopes.
// An empty list is satisfied by any identity.
func (i Identity) HasAnyScope(scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, scope := range scopes {
		if i.Scopes.Contains(scope) {
			return true
		}
	}
	return false
}
