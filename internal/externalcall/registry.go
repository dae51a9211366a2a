// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package externalcall streams the output of server side commands to raw
// websocket connections, separately from the topic notifications.
package externalcall

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("sealog.externalcall")

const maxCloseReason = 123

// ErrRegistryClosed is returned when registering with a closed registry.
const ErrRegistryClosed = errors.ConstError("external call registry closed")

// Socket is the part of a websocket connection the registry writes to.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handle is a registered socket.
type Handle struct {
	id     uint64
	callID string
	socket Socket

	// gorilla/websocket allows a single concurrent writer.
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Done is closed once the socket has been removed from the registry.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// CallID returns the call the socket follows, or "" for every call.
func (h *Handle) CallID() string {
	return h.callID
}

func (h *Handle) write(messageType int, data []byte, deadline time.Time) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.socket.SetWriteDeadline(deadline); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(h.socket.WriteMessage(messageType, data))
}

// RegistryConfig holds the parameters of a Registry.
type RegistryConfig struct {
	Clock        clock.Clock
	WriteTimeout time.Duration
}

// Validate ensures that all the values that have to be set are set.
func (config RegistryConfig) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("missing Clock")
	}
	if config.WriteTimeout <= 0 {
		return errors.NotValidf("non-positive WriteTimeout")
	}
	return nil
}

// Registry holds the sockets following command output. A socket leaves
// the registry when it closes, when a write to it fails, or when the call
// it follows finishes.
type Registry struct {
	clock        clock.Clock
	writeTimeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	sockets map[uint64]*Handle
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new Registry invalid config")
	}
	return &Registry{
		clock:        config.Clock,
		writeTimeout: config.WriteTimeout,
		sockets:      make(map[uint64]*Handle),
	}, nil
}

// Register adds socket to the registry. An empty callID follows the
// output of every call and leaves with the next call that finishes.
func (r *Registry) Register(socket Socket, callID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	r.nextID++
	h := &Handle{
		id:     r.nextID,
		callID: callID,
		socket: socket,
		done:   make(chan struct{}),
	}
	r.sockets[h.id] = h
	logger.Debugf("registered external call socket %d (call %q)", h.id, callID)
	return h, nil
}

// Remove closes the socket and takes it out of the registry. Removing a
// handle twice is harmless.
func (r *Registry) Remove(h *Handle) {
	r.mu.Lock()
	delete(r.sockets, h.id)
	r.mu.Unlock()

	h.once.Do(func() {
		if err := h.socket.Close(); err != nil {
			logger.Tracef("closing external call socket %d: %v", h.id, err)
		}
		close(h.done)
	})
}

// Len returns the number of registered sockets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sockets)
}

// following returns the sockets for callID in registration order.
func (r *Registry) following(callID string) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*Handle, 0, len(r.sockets))
	for _, h := range r.sockets {
		if h.callID == "" || h.callID == callID {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

// Broadcast writes data to every socket following callID and returns the
// number of successful writes. Sockets that fail are removed.
func (r *Registry) Broadcast(callID string, data []byte) int {
	written := 0
	for _, h := range r.following(callID) {
		deadline := r.clock.Now().Add(r.writeTimeout)
		if err := h.write(websocket.TextMessage, data, deadline); err != nil {
			logger.Debugf("dropping external call socket %d: %v", h.id, err)
			r.Remove(h)
			continue
		}
		written++
	}
	return written
}

// Finish tells every socket following callID that the call is over and
// removes them.
func (r *Registry) Finish(callID string, exitCode int, callErr string) {
	reason := fmt.Sprintf("call %s finished: exit %d", callID, exitCode)
	if callErr != "" {
		reason = fmt.Sprintf("call %s failed: %s", callID, callErr)
	}
	// Close frame reasons are limited to 123 bytes of UTF-8.
	if len(reason) > maxCloseReason {
		cut := maxCloseReason
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	for _, h := range r.following(callID) {
		deadline := r.clock.Now().Add(r.writeTimeout)
		if err := h.write(websocket.CloseMessage, message, deadline); err != nil {
			logger.Tracef("sending close to external call socket %d: %v", h.id, err)
		}
		r.Remove(h)
	}
}

// Close removes every socket and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	handles := make([]*Handle, 0, len(r.sockets))
	for _, h := range r.sockets {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.Remove(h)
	}
}

// Hub is the subset of a pubsub hub the registry listens on.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Follow subscribes the registry to the executor's output on hub. The
// returned function unsubscribes.
func (r *Registry) Follow(hub Hub) func() {
	return hub.Subscribe(Topic, func(_ string, data interface{}) {
		switch msg := data.(type) {
		case Output:
			r.Broadcast(msg.CallID, msg.Line)
		case Finished:
			r.Finish(msg.CallID, msg.ExitCode, msg.Error)
		default:
			logger.Warningf("unexpected %T on %q", data, Topic)
		}
	})
}
