// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver serves the notification websockets and the
// supporting HTTP endpoints.
package apiserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coreerrors "github.com/oceandatatools/sealog/core/errors"
	"github.com/oceandatatools/sealog/internal/auth"
	"github.com/oceandatatools/sealog/internal/externalcall"
	"github.com/oceandatatools/sealog/internal/notify"
)

var logger = loggo.GetLogger("sealog.apiserver")

// shutdownTimeout bounds how long plain HTTP requests may take to finish
// once the server is stopping.
const shutdownTimeout = 5 * time.Second

// Executor starts allow-listed commands.
type Executor interface {
	Start(name string) (string, error)
	Commands() []string
	Running() map[string]string
}

// Reporter exposes runtime details for introspection.
type Reporter interface {
	Report() map[string]interface{}
}

// NotifyConfig tunes the notification sockets.
type NotifyConfig struct {
	QueueSize   int
	Overflow    notify.OverflowPolicy
	SendTimeout time.Duration
	PingPeriod  time.Duration
	PongWait    time.Duration

	// PublishScope is required to publish on /pubsub.
	PublishScope string
}

// ServerConfig holds the parameters for the server.
type ServerConfig struct {
	Listener      net.Listener
	Clock         clock.Clock
	Authenticator auth.Authenticator

	Registry   *notify.Registry
	Dispatcher *notify.Dispatcher
	Authorizer notify.Authorizer
	Notify     NotifyConfig

	ExternalCalls *externalcall.Registry
	Executor      Executor
	// ExternalAuthRequired makes /ws/external demand a token with
	// AdminScope.
	ExternalAuthRequired bool
	// AdminScope is required to start commands and for introspection.
	AdminScope string

	Gatherer prometheus.Gatherer
	// Reporters are included in the introspection report by name.
	Reporters map[string]Reporter
}

// Validate ensures that all the values that have to be set are set.
func (config ServerConfig) Validate() error {
	if config.Listener == nil {
		return errors.NotValidf("missing Listener")
	}
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if config.Authenticator == nil {
		return errors.NotValidf("missing Authenticator")
	}
	if config.Registry == nil {
		return errors.NotValidf("missing Registry")
	}
	if config.Dispatcher == nil {
		return errors.NotValidf("missing Dispatcher")
	}
	if config.Authorizer == nil {
		return errors.NotValidf("missing Authorizer")
	}
	if config.Notify.SendTimeout <= 0 {
		return errors.NotValidf("non-positive Notify.SendTimeout")
	}
	if config.Notify.PingPeriod <= 0 {
		return errors.NotValidf("non-positive Notify.PingPeriod")
	}
	if config.Notify.PongWait <= config.Notify.PingPeriod {
		return errors.NotValidf("Notify.PongWait not greater than Notify.PingPeriod")
	}
	if config.ExternalCalls == nil {
		return errors.NotValidf("missing ExternalCalls")
	}
	if config.Executor == nil {
		return errors.NotValidf("missing Executor")
	}
	if config.Gatherer == nil {
		return errors.NotValidf("missing Gatherer")
	}
	return nil
}

// Server is a worker serving HTTP on the configured listener. Killing it
// closes every websocket it is serving.
type Server struct {
	catacomb catacomb.Catacomb
	config   ServerConfig
	server   *http.Server

	mu       sync.Mutex
	stopping bool
	handlers sync.WaitGroup
}

// NewServer starts serving on config.Listener.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Server invalid config")
	}
	srv := &Server{config: config}
	srv.server = &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &srv.catacomb,
		Work: srv.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return srv, nil
}

// Kill is part of the worker.Worker interface.
func (srv *Server) Kill() {
	srv.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (srv *Server) Wait() error {
	return srv.catacomb.Wait()
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() net.Addr {
	return srv.config.Listener.Addr()
}

func (srv *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", srv.track(&notifyHandler{ctxt: srv})).Methods(http.MethodGet)
	r.Handle("/pubsub", srv.track(&pubsubHandler{ctxt: srv})).Methods(http.MethodGet)
	r.Handle("/ws/external", srv.track(&externalHandler{ctxt: srv})).Methods(http.MethodGet)
	executions := &executionsHandler{ctxt: srv}
	r.Handle("/api/v1/executions", srv.track(executions)).Methods(http.MethodGet, http.MethodPost)
	r.Handle("/introspection/notify", srv.track(&introspectionHandler{ctxt: srv})).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(srv.config.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// track counts the requests in flight so the loop can wait for them,
// including hijacked websocket connections the http.Server forgets about.
func (srv *Server) track(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		srv.mu.Lock()
		if srv.stopping {
			srv.mu.Unlock()
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		srv.handlers.Add(1)
		srv.mu.Unlock()
		defer srv.handlers.Done()
		h.ServeHTTP(w, req)
	})
}

// stop returns a channel that is closed when handlers should return.
func (srv *Server) stop() <-chan struct{} {
	return srv.catacomb.Dying()
}

func (srv *Server) loop() error {
	served := make(chan error, 1)
	go func() {
		served <- srv.server.Serve(srv.config.Listener)
	}()
	logger.Infof("listening on %s", srv.config.Listener.Addr())

	var err error
	select {
	case <-srv.catacomb.Dying():
		err = srv.catacomb.ErrDying()
	case serveErr := <-served:
		err = errors.Annotate(serveErr, "serving HTTP")
		served = nil
	}

	srv.mu.Lock()
	srv.stopping = true
	srv.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := srv.server.Shutdown(ctx); shutdownErr != nil {
		logger.Warningf("shutting down HTTP server: %v", shutdownErr)
	}
	if served != nil {
		if serveErr := <-served; serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Debugf("HTTP server stopped: %v", serveErr)
		}
	}
	srv.handlers.Wait()
	logger.Infof("stopped listening on %s", srv.config.Listener.Addr())
	return err
}

// authenticate checks the request's token and, when scope is not empty,
// that the identity holds it.
func (srv *Server) authenticate(req *http.Request, scope string) (auth.Identity, error) {
	identity, err := srv.config.Authenticator.Authenticate(auth.TokenFromRequest(req))
	if err != nil {
		return auth.Identity{}, errors.Trace(err)
	}
	if scope != "" && !identity.HasScope(scope) {
		return auth.Identity{}, errors.Annotatef(coreerrors.Unauthorized, "%s requires scope %q", req.URL.Path, scope)
	}
	return identity, nil
}
