// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package topic defines the fixed set of notification topics that
// clients may subscribe to.
package topic

import (
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	coreerrors "github.com/oceandatatools/sealog/core/errors"
)

// Topic is the name of a notification channel.
type Topic string

const (
	NewEvents        Topic = "newEvents"
	UpdateEvents     Topic = "updateEvents"
	DeleteEvents     Topic = "deleteEvents"
	UpdateCustomVars Topic = "updateCustomVars"
	NewCruises       Topic = "newCruises"
	UpdateCruises    Topic = "updateCruises"
	NewLowerings     Topic = "newLowerings"
	UpdateLowerings  Topic = "updateLowerings"
)

// StatusPathPrefix is the channel path prefix used by browser clients,
// for example "/ws/status/newEvents".
const StatusPathPrefix = "/ws/status/"

var all = []Topic{
	NewEvents,
	UpdateEvents,
	DeleteEvents,
	UpdateCustomVars,
	NewCruises,
	UpdateCruises,
	NewLowerings,
	UpdateLowerings,
}

var known = func() set.Strings {
	s := set.NewStrings()
	for _, t := range all {
		s.Add(string(t))
	}
	return s
}()

// All returns the fixed topic set in a stable order.
func All() []Topic {
	result := make([]Topic, len(all))
	copy(result, all)
	return result
}

// String implements fmt.Stringer.
func (t Topic) String() string {
	return string(t)
}

// Path returns the channel path form of the topic.
func (t Topic) Path() string {
	return StatusPathPrefix + string(t)
}

// Validate returns an UnknownTopic error if t is not one of the fixed
// topics.
func (t Topic) Validate() error {
	if !known.Contains(string(t)) {
		return errors.Annotatef(coreerrors.UnknownTopic, "%q", string(t))
	}
	return nil
}

// Parse accepts either a bare topic name or its channel path form and
// returns the matching topic.
func Parse(name string) (Topic, error) {
	t := Topic(strings.TrimPrefix(name, StatusPathPrefix))
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}
