// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package errors

import (
	"github.com/juju/errors"
)

const (
	// UnknownTopic is returned when a subscribe or publish names a topic
	// outside the fixed topic set.
	UnknownTopic = errors.ConstError("unknown topic")

	// NotAuthenticated is returned when a connection tries to subscribe
	// before it has authenticated.
	NotAuthenticated = errors.ConstError("not authenticated")

	// Unauthorized is returned when an authenticated identity lacks the
	// scope needed for an operation.
	Unauthorized = errors.ConstError("unauthorized")

	// StoreUnavailable is returned when the change feed cannot be
	// established or has been permanently lost.
	StoreUnavailable = errors.ConstError("store unavailable")

	// DeliveryFailure describes a message that could not be handed to a
	// single subscriber. It is handled locally and never escalated.
	DeliveryFailure = errors.ConstError("delivery failure")

	// QueueOverflow is the delivery failure reason for a subscriber whose
	// bounded queue is full.
	QueueOverflow = errors.ConstError("subscriber queue overflow")

	// SubscriberClosed is returned when operating on a subscriber whose
	// connection has gone away.
	SubscriberClosed = errors.ConstError("subscriber closed")

	// BadRequest is returned for malformed client frames.
	BadRequest = errors.ConstError("bad request")
)

// Code returns the wire code for err. Codes are the names of the error
// constants above; anything else maps to "InternalError".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, UnknownTopic):
		return "UnknownTopic"
	case errors.Is(err, NotAuthenticated):
		return "NotAuthenticated"
	case errors.Is(err, Unauthorized):
		return "Unauthorized"
	case errors.Is(err, StoreUnavailable):
		return "StoreUnavailable"
	case errors.Is(err, QueueOverflow):
		return "QueueOverflow"
	case errors.Is(err, DeliveryFailure):
		return "DeliveryFailure"
	case errors.Is(err, SubscriberClosed):
		return "SubscriberClosed"
	case errors.Is(err, BadRequest), errors.Is(err, errors.NotValid):
		return "BadRequest"
	}
	return "InternalError"
}
