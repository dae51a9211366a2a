// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"github.com/oceandatatools/sealog/core/topic"
)

// TopicPublisher publishes a payload on a single topic.
type TopicPublisher interface {
	Publish(t topic.Topic, payload interface{}) error
}

// Publisher exposes one call per topic for the CRUD layer. Each call is
// a Publish on the topic it is named after.
type Publisher struct {
	publisher TopicPublisher
}

// NewPublisher returns a Publisher backed by p.
func NewPublisher(p TopicPublisher) *Publisher {
	return &Publisher{publisher: p}
}

// PublishNewEvent announces a created event.
func (p *Publisher) PublishNewEvent(payload interface{}) error {
	return p.publisher.Publish(topic.NewEvents, payload)
}

// PublishUpdateEvent announces an updated event.
func (p *Publisher) PublishUpdateEvent(payload interface{}) error {
	return p.publisher.Publish(topic.UpdateEvents, payload)
}

// PublishDeleteEvent announces a deleted event.
func (p *Publisher) PublishDeleteEvent(payload interface{}) error {
	return p.publisher.Publish(topic.DeleteEvents, payload)
}

// PublishUpdateCustomVars announces a change to the custom variables.
func (p *Publisher) PublishUpdateCustomVars(payload interface{}) error {
	return p.publisher.Publish(topic.UpdateCustomVars, payload)
}

// PublishNewCruise announces a created cruise.
func (p *Publisher) PublishNewCruise(payload interface{}) error {
	return p.publisher.Publish(topic.NewCruises, payload)
}

// PublishUpdateCruise announces an updated cruise.
func (p *Publisher) PublishUpdateCruise(payload interface{}) error {
	return p.publisher.Publish(topic.UpdateCruises, payload)
}

// PublishNewLowering announces a created lowering.
func (p *Publisher) PublishNewLowering(payload interface{}) error {
	return p.publisher.Publish(topic.NewLowerings, payload)
}

// PublishUpdateLowering announces an updated lowering.
func (p *Publisher) PublishUpdateLowering(payload interface{}) error {
	return p.publisher.Publish(topic.UpdateLowerings, payload)
}
