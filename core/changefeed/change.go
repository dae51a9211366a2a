// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package changefeed

import (
	"github.com/juju/errors"

	"github.com/oceandatatools/sealog/core/topic"
)

// ChangeType represents the type of change.
// The changes are bit flags so that they can be combined.
type ChangeType int

const (
	// Create represents a new document in the collection.
	Create ChangeType = 1 << iota
	// Update represents a change to an existing document.
	Update
	// Delete represents a document that has been removed.
	Delete
	// All represents any change to the collection of interest.
	All = Create | Update | Delete
)

// String implements fmt.Stringer.
func (t ChangeType) String() string {
	switch t {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	case All:
		return "all"
	}
	return "unknown"
}

// Topic returns the notification topic for a single change type.
func (t ChangeType) Topic() (topic.Topic, error) {
	switch t {
	case Create:
		return topic.NewEvents, nil
	case Update:
		return topic.UpdateEvents, nil
	case Delete:
		return topic.DeleteEvents, nil
	}
	return "", errors.NotValidf("change type %d", int(t))
}

// Document is an opaque JSON-like entity owned by the data layer.
type Document map[string]interface{}

// ChangeRecord is a single mutation read from the change feed. The type
// of change is implied by which of Old and New are set.
type ChangeRecord struct {
	Old Document
	New Document

	// Token identifies the position of this record in the feed. Opening
	// a stream after a token resumes with the following record.
	Token interface{}
}

// Type classifies the record:
//
//	Old == nil, New != nil  Create
//	Old != nil, New != nil  Update
//	Old != nil, New == nil  Delete
//
// A record with neither set is not valid.
func (r ChangeRecord) Type() (ChangeType, error) {
	switch {
	case r.Old == nil && r.New != nil:
		return Create, nil
	case r.Old != nil && r.New != nil:
		return Update, nil
	case r.Old != nil && r.New == nil:
		return Delete, nil
	}
	return 0, errors.NotValidf("change record with no old or new value")
}

// Payload returns the topic and document to deliver for the record. For
// creates and updates that is the new document, for deletes the old one.
func (r ChangeRecord) Payload() (topic.Topic, Document, error) {
	changeType, err := r.Type()
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	t, err := changeType.Topic()
	if err != nil {
		return "", nil, errors.Trace(err)
	}
	if changeType == Delete {
		return t, r.Old, nil
	}
	return t, r.New, nil
}

// Source opens change streams over a collection.
type Source interface {
	// Open starts a stream. A nil resumeAfter starts at the current
	// position of the feed, otherwise the stream continues after the
	// record carrying that token.
	Open(resumeAfter interface{}) (Stream, error)
}

// Stream is an open change stream.
type Stream interface {
	// Next blocks until a record is available or the await window
	// elapses. It returns false when no record was read; Err then
	// reports whether the stream failed or simply timed out.
	Next(*ChangeRecord) bool

	// Err returns the error that stopped the stream, if any.
	Err() error

	// Close releases the stream's resources.
	Close() error
}
