// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/oceandatatools/sealog/core/changefeed"
	coreerrors "github.com/oceandatatools/sealog/core/errors"
	"github.com/oceandatatools/sealog/core/topic"
)

var logger = loggo.GetLogger("sealog.notify")

// DispatcherConfig holds the dependencies of a Dispatcher.
type DispatcherConfig struct {
	// Registry supplies the subscribers of each topic.
	Registry *Registry

	// Metrics is optional.
	Metrics *Collector
}

// Validate ensures that all the values that have to be set are set.
func (config DispatcherConfig) Validate() error {
	if config.Registry == nil {
		return errors.NotValidf("missing Registry")
	}
	return nil
}

// Dispatcher fans a payload out to every subscriber of a topic.
//
// Publishes to the same topic are serialised, so every subscriber sees
// them in the order Publish was called. Delivery only queues the message;
// a subscriber that cannot take it is removed and killed without
// affecting anyone else.
type Dispatcher struct {
	registry *Registry
	metrics  *Collector
	locks    map[topic.Topic]*sync.Mutex
}

// NewDispatcher returns a dispatcher for the registry's topics.
func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Dispatcher invalid config")
	}
	d := &Dispatcher{
		registry: config.Registry,
		metrics:  config.Metrics,
		locks:    make(map[topic.Topic]*sync.Mutex),
	}
	for _, t := range config.Registry.Topics() {
		d.locks[t] = &sync.Mutex{}
	}
	return d, nil
}

// Publish delivers payload to the subscribers of t at the time of the
// call. The payload is encoded as JSON once and shared by every
// subscriber. The only errors returned are for an unknown topic or a
// payload that cannot be encoded; delivery failures are handled here.
func (d *Dispatcher) Publish(t topic.Topic, payload interface{}) error {
	lock, ok := d.locks[t]
	if !ok {
		return errors.Annotatef(coreerrors.UnknownTopic, "%q", string(t))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Annotatef(err, "encoding %q payload", string(t))
	}
	msg := Message{Topic: t, Payload: data}

	lock.Lock()
	defer lock.Unlock()

	subscribers, err := d.registry.Subscribers(t)
	if err != nil {
		return errors.Trace(err)
	}
	delivered, dropped := 0, 0
	for _, sub := range subscribers {
		lost, err := sub.enqueue(msg)
		if lost {
			dropped++
		}
		if err != nil {
			d.Fail(sub, err)
			continue
		}
		delivered++
	}
	logger.Tracef("published %q to %d of %d subscribers", t, delivered, len(subscribers))
	d.metrics.recordPublish(t, delivered, dropped)
	return nil
}

// PublishChange publishes a change feed record on the topic its
// old/new pattern maps to.
func (d *Dispatcher) PublishChange(record changefeed.ChangeRecord) error {
	t, payload, err := record.Payload()
	if err != nil {
		return errors.Trace(err)
	}
	return d.Publish(t, payload)
}

// Fail kills sub with a DeliveryFailure and removes it from every topic.
// Transports call it when a write to the subscriber's connection fails
// or times out.
func (d *Dispatcher) Fail(sub *Subscriber, reason error) {
	// Killed first so a concurrent Subscribe cannot add it back.
	killed := sub.kill(fmt.Errorf("%w: %w", coreerrors.DeliveryFailure, reason))
	removed := d.registry.UnsubscribeAll(sub)
	if !killed {
		// Already closed by its connection; nothing to report.
		return
	}
	logger.Debugf("dropping %s from %v: %v", sub, removed, reason)
	d.metrics.recordFailure(coreerrors.Code(reason))
}
