// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/oceandatatools/sealog/apiserver/params"
	"github.com/oceandatatools/sealog/core/topic"
)

// pubsubHandler lets a privileged client, usually the CRUD service,
// publish on the notification topics.
type pubsubHandler struct {
	ctxt *Server
}

// ServeHTTP implements the http.Handler interface.
func (h *pubsubHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	config := h.ctxt.config
	if _, err := h.ctxt.authenticate(req, config.Notify.PublishScope); err != nil {
		if err := sendError(w, err); err != nil {
			logger.Debugf("%v", err)
		}
		return
	}

	handler := func(socket *websocket.Conn) {
		logger.Debugf("start of *pubsubHandler.ServeHTTP")
		defer socket.Close()

		// The first line of the socket is always a json formatted simple
		// error; nil means the socket is ready.
		if err := sendInitialError(socket, nil); err != nil {
			logger.Errorf("closing websocket, %v", err)
			return
		}

		clk := config.Clock
		socket.SetReadLimit(maxFrameSize)
		_ = socket.SetReadDeadline(clk.Now().Add(config.Notify.PongWait))
		socket.SetPongHandler(func(string) error {
			return socket.SetReadDeadline(clk.Now().Add(config.Notify.PongWait))
		})
		ping := clk.After(config.Notify.PingPeriod)

		done := make(chan struct{})
		defer close(done)
		messageCh := h.receiveMessages(socket, done)
		for {
			select {
			case <-h.ctxt.stop():
				deadline := clk.Now().Add(config.Notify.SendTimeout)
				_ = socket.WriteControl(websocket.CloseMessage,
					closeMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
				return
			case <-ping:
				deadline := clk.Now().Add(config.Notify.SendTimeout)
				if err := socket.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
					// This error is expected if the other end goes away. By
					// returning we close the socket through the defer call.
					logger.Debugf("failed to write ping: %s", err)
					return
				}
				ping = clk.After(config.Notify.PingPeriod)
			case m, ok := <-messageCh:
				if !ok {
					return
				}
				logger.Tracef("topic: %q, data: %s", m.Topic, m.Data)
				if err := h.publish(m); err != nil {
					logger.Debugf("publish failed: %v", err)
					if err := h.reply(socket, errorFrame("", err)); err != nil {
						logger.Debugf("writing publish error: %v", err)
						return
					}
				}
			}
		}
	}
	websocketServer(w, req, handler)
}

func (h *pubsubHandler) publish(m params.PubSubMessage) error {
	t, err := topic.Parse(m.Topic)
	if err != nil {
		return errors.Trace(err)
	}
	data := m.Data
	if len(data) == 0 {
		data = []byte("null")
	}
	return errors.Trace(h.ctxt.config.Dispatcher.Publish(t, data))
}

func (h *pubsubHandler) reply(socket *websocket.Conn, frame params.ServerFrame) error {
	config := h.ctxt.config
	if err := socket.SetWriteDeadline(config.Clock.Now().Add(config.Notify.SendTimeout)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(socket.WriteJSON(frame))
}

func (h *pubsubHandler) receiveMessages(socket *websocket.Conn, done <-chan struct{}) <-chan params.PubSubMessage {
	messageCh := make(chan params.PubSubMessage)

	go func() {
		defer close(messageCh)
		for {
			// The message needs to be new each time through the loop to ensure
			// the data is not reused.
			var m params.PubSubMessage
			if err := socket.ReadJSON(&m); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Errorf("pubsub receive error: %v", err)
				}
				return
			}

			select {
			case <-done:
				return
			case messageCh <- m:
			}
		}
	}()

	return messageCh
}
