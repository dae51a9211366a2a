// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/oceandatatools/sealog/agent"
	"github.com/oceandatatools/sealog/apiserver"
	"github.com/oceandatatools/sealog/core/changefeed"
	"github.com/oceandatatools/sealog/internal/auth"
	"github.com/oceandatatools/sealog/internal/externalcall"
	"github.com/oceandatatools/sealog/internal/notify"
	"github.com/oceandatatools/sealog/state"
	"github.com/oceandatatools/sealog/state/watcher"
)

// OpenSourceFunc opens the change feed source described by config. The
// returned function releases it.
type OpenSourceFunc func(config agent.MongoConfig) (changefeed.Source, func(), error)

// AgentConfig holds the parameters of an Agent.
type AgentConfig struct {
	Config agent.Config
	Clock  clock.Clock

	// Listener is used instead of listening on Config.ListenAddress
	// when set.
	Listener net.Listener
	// OpenSource defaults to opening a MongoDB change stream.
	OpenSource OpenSourceFunc
}

// Validate ensures that all the values that have to be set are set.
func (config AgentConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	return errors.Trace(config.Config.Validate())
}

// Agent runs the notification service: the change feed watcher, the
// command executor and the API server. It dies with the first error any
// of them returns, so a lost change feed stops the process.
type Agent struct {
	catacomb catacomb.Catacomb

	hub        *pubsub.SimpleHub
	registry   *notify.Registry
	dispatcher *notify.Dispatcher
	external   *externalcall.Registry
	watcher    *watcher.ChangeFeedWatcher
	executor   *externalcall.Executor
	server     *apiserver.Server
	cleanups   []func()
}

// NewAgent builds and starts every component. It fails with
// StoreUnavailable when the change feed cannot be opened.
func NewAgent(config AgentConfig) (_ *Agent, err error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Agent invalid config")
	}
	if config.OpenSource == nil {
		config.OpenSource = openMongoSource
	}
	cfg := config.Config

	a := &Agent{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("sealog.hub"),
		}),
	}
	var workers []worker.Worker
	defer func() {
		if err == nil {
			return
		}
		for _, w := range workers {
			_ = worker.Stop(w)
		}
		a.cleanup()
	}()

	a.cleanups = append(a.cleanups,
		a.hub.Subscribe(watcher.ChangeFeedStarted, func(string, interface{}) {
			logger.Infof("change feed started")
		}),
		a.hub.Subscribe(watcher.ChangeFeedResumed, func(_ string, data interface{}) {
			logger.Infof("change feed resumed after %v attempts", data)
		}),
		a.hub.Subscribe(watcher.ChangeFeedUnavailable, func(_ string, data interface{}) {
			logger.Criticalf("change feed unavailable, notifications stopped: %v", data)
		}),
	)

	if a.registry, err = notify.NewRegistry(); err != nil {
		return nil, errors.Trace(err)
	}
	a.cleanups = append(a.cleanups, a.registry.Close)

	metrics := notify.NewMetricsCollector(a.registry)
	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(
		metrics,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.dispatcher, err = notify.NewDispatcher(notify.DispatcherConfig{
		Registry: a.registry,
		Metrics:  metrics,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	authorizer, err := notify.NewAuthorizer(cfg.Notify.TopicScopes)
	if err != nil {
		return nil, errors.Trace(err)
	}
	authenticator, err := auth.NewTokenAuthenticator(cfg.Auth.JWTSecret, config.Clock)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if a.external, err = externalcall.NewRegistry(externalcall.RegistryConfig{
		Clock:        config.Clock,
		WriteTimeout: cfg.ExternalCalls.WriteTimeout,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	a.cleanups = append(a.cleanups, a.external.Close, a.external.Follow(a.hub))

	if a.executor, err = externalcall.NewExecutor(externalcall.ExecutorConfig{
		Hub:      a.hub,
		Commands: cfg.ExternalCalls.Commands,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	workers = append(workers, a.executor)

	source, release, err := config.OpenSource(cfg.Mongo)
	if err != nil {
		return nil, errors.Trace(err)
	}
	a.cleanups = append(a.cleanups, release)

	if a.watcher, err = watcher.NewChangeFeedWatcher(watcher.ChangeFeedWatcherConfig{
		Source:     source,
		Publisher:  a.dispatcher,
		Hub:        a.hub,
		Clock:      config.Clock,
		Logger:     loggo.GetLogger("sealog.state.watcher"),
		Name:       cfg.Mongo.EventsCollection,
		MaxRetries: cfg.Mongo.MaxRetries,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	workers = append(workers, a.watcher)

	listener := config.Listener
	if listener == nil {
		if listener, err = net.Listen("tcp", cfg.ListenAddress); err != nil {
			return nil, errors.Annotatef(err, "listening on %q", cfg.ListenAddress)
		}
	}
	if a.server, err = apiserver.NewServer(apiserver.ServerConfig{
		Listener:      listener,
		Clock:         config.Clock,
		Authenticator: authenticator,
		Registry:      a.registry,
		Dispatcher:    a.dispatcher,
		Authorizer:    authorizer,
		Notify: apiserver.NotifyConfig{
			QueueSize:    cfg.Notify.QueueSize,
			Overflow:     notify.OverflowPolicy(cfg.Notify.OverflowPolicy),
			SendTimeout:  cfg.Notify.SendTimeout,
			PingPeriod:   cfg.Notify.PingPeriod,
			PongWait:     cfg.Notify.PongWait,
			PublishScope: cfg.Notify.PublishScope,
		},
		ExternalCalls:        a.external,
		Executor:             a.executor,
		ExternalAuthRequired: cfg.ExternalCalls.AuthRequired(),
		AdminScope:           cfg.ExternalCalls.Scope,
		Gatherer:             gatherer,
		Reporters: map[string]apiserver.Reporter{
			"changefeed": a.watcher,
		},
	}); err != nil {
		_ = listener.Close()
		return nil, errors.Trace(err)
	}
	workers = append(workers, a.server)

	if !cfg.ExternalCalls.AuthRequired() {
		logger.Warningf("external call sockets accept unauthenticated connections")
	}

	if err := catacomb.Invoke(catacomb.Plan{
		Site: &a.catacomb,
		Work: a.loop,
		Init: workers,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

// Kill is part of the worker.Worker interface.
func (a *Agent) Kill() {
	a.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (a *Agent) Wait() error {
	return a.catacomb.Wait()
}

// Addr returns the address the API server is listening on.
func (a *Agent) Addr() net.Addr {
	return a.server.Addr()
}

// Publisher returns the calls used to publish on the notification
// topics from within the process.
func (a *Agent) Publisher() *notify.Publisher {
	return notify.NewPublisher(a.dispatcher)
}

func (a *Agent) loop() error {
	defer a.cleanup()
	<-a.catacomb.Dying()

	// Stop accepting connections before tearing down what they use.
	for _, w := range []worker.Worker{a.server, a.watcher, a.executor} {
		if err := worker.Stop(w); err != nil {
			logger.Debugf("stopping %T: %v", w, err)
		}
	}
	return a.catacomb.ErrDying()
}

// cleanup runs in reverse order of acquisition.
func (a *Agent) cleanup() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}

func openMongoSource(config agent.MongoConfig) (changefeed.Source, func(), error) {
	client, err := state.Dial(config.URL, config.DialTimeout)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	disconnect := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Debugf("disconnecting from mongo: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := state.EnablePreImages(ctx, client, config.Database, config.EventsCollection); err != nil {
		logger.Warningf("deleted events will carry only their id: %v", err)
	}

	source, err := state.NewChangeStreamSource(state.ChangeStreamSourceConfig{
		Client:     client,
		Database:   config.Database,
		Collection: config.EventsCollection,
		AwaitTime:  config.AwaitTime,
	})
	if err != nil {
		disconnect()
		return nil, nil, errors.Trace(err)
	}
	return source, disconnect, nil
}
