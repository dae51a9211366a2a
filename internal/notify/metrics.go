// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package notify

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oceandatatools/sealog/core/topic"
)

const metricsNamespace = "sealog_notify"

// Collector is a prometheus.Collector that collects metrics about
// notification delivery.
type Collector struct {
	registry *Registry

	subscribers *prometheus.Desc
	published   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	failures    *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector reporting subscriber
// counts from registry.
func NewMetricsCollector(registry *Registry) *Collector {
	return &Collector{
		registry: registry,
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "subscribers"),
			"The number of subscribers per topic.",
			[]string{"topic"}, nil,
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "published_total",
				Help:      "The number of payloads published per topic.",
			}, []string{"topic"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivered_total",
				Help:      "The number of messages queued for subscribers per topic.",
			}, []string{"topic"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dropped_total",
				Help:      "The number of queued messages discarded to make room for newer ones.",
			}, []string{"topic"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_failures_total",
				Help:      "The number of subscribers dropped because delivery failed.",
			}, []string{"reason"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.subscribers
	c.published.Describe(ch)
	c.delivered.Describe(ch)
	c.dropped.Describe(ch)
	c.failures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.registry != nil {
		for _, t := range c.registry.Topics() {
			ch <- prometheus.MustNewConstMetric(
				c.subscribers, prometheus.GaugeValue,
				float64(c.registry.Count(t)), string(t),
			)
		}
	}
	c.published.Collect(ch)
	c.delivered.Collect(ch)
	c.dropped.Collect(ch)
	c.failures.Collect(ch)
}

func (c *Collector) recordPublish(t topic.Topic, delivered, dropped int) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(string(t)).Inc()
	c.delivered.WithLabelValues(string(t)).Add(float64(delivered))
	if dropped > 0 {
		c.dropped.WithLabelValues(string(t)).Add(float64(dropped))
	}
}

func (c *Collector) recordFailure(reason string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(reason).Inc()
}
