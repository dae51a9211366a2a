// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/oceandatatools/sealog/apiserver/params"
	coreerrors "github.com/oceandatatools/sealog/core/errors"
	"github.com/oceandatatools/sealog/internal/auth"
	"github.com/oceandatatools/sealog/internal/notify"
)

// notifyHandler serves the notification socket. A connection may
// authenticate with a token on the upgrade request or later with a hello
// frame, and then subscribe to any number of topics.
type notifyHandler struct {
	ctxt *Server
}

// ServeHTTP implements the http.Handler interface.
func (h *notifyHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var identity *auth.Identity
	if auth.TokenFromRequest(req) != "" {
		id, err := h.ctxt.authenticate(req, "")
		if err != nil {
			if err := sendError(w, err); err != nil {
				logger.Debugf("%v", err)
			}
			return
		}
		identity = &id
	}
	websocketServer(w, req, func(socket *websocket.Conn) {
		h.serve(socket, req.RemoteAddr, identity)
	})
}

func (h *notifyHandler) serve(socket *websocket.Conn, remote string, identity *auth.Identity) {
	defer socket.Close()

	config := h.ctxt.config
	session, err := notify.NewSession(uuid.NewString(), notify.SessionConfig{
		Registry:   config.Registry,
		Authorizer: config.Authorizer,
		QueueSize:  config.Notify.QueueSize,
		Overflow:   config.Notify.Overflow,
	})
	if err != nil {
		logger.Errorf("creating session for %s: %v", remote, err)
		return
	}
	// The session leaves every topic before the socket is closed.
	defer session.Close()
	logger.Debugf("notification session %s opened from %s", session.ID(), remote)
	defer logger.Debugf("notification session %s closed", session.ID())

	if identity != nil {
		if err := session.Authenticate(*identity); err != nil {
			logger.Errorf("authenticating session %s: %v", session.ID(), err)
			return
		}
	}

	conn := &notifyConn{
		socket:  socket,
		session: session,
		ctxt:    h.ctxt,
	}

	clk := config.Clock
	socket.SetReadLimit(maxFrameSize)
	// Here we configure the ping/pong handling for the websocket so the
	// server can notice when the client goes away.
	_ = socket.SetReadDeadline(clk.Now().Add(config.Notify.PongWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(clk.Now().Add(config.Notify.PongWait))
	})

	if err := conn.write(conn.hello("")); err != nil {
		logger.Debugf("writing hello to session %s: %v", session.ID(), err)
		return
	}

	done := make(chan struct{})
	defer close(done)
	requests := receiveFrames(socket, done)
	ping := clk.After(config.Notify.PingPeriod)
	for {
		select {
		case <-h.ctxt.stop():
			conn.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-session.Dead():
			conn.closeDropped()
			return
		case <-ping:
			deadline := clk.Now().Add(config.Notify.SendTimeout)
			if err := socket.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// This error is expected if the other end goes away.
				conn.fail(errors.Annotate(err, "writing ping"))
				return
			}
			ping = clk.After(config.Notify.PingPeriod)
		case request, ok := <-requests:
			if !ok {
				return
			}
			if err := conn.write(conn.handle(request)); err != nil {
				conn.fail(errors.Annotate(err, "writing reply"))
				return
			}
		case msg := <-session.Messages():
			if session.Subscriber().Closed() {
				// Dropped or closing; nothing more is delivered.
				continue
			}
			if err := conn.write(params.ServerFrame{
				Type:    params.FramePublish,
				Topic:   string(msg.Topic),
				Message: msg.Payload,
			}); err != nil {
				conn.fail(errors.Annotatef(err, "writing %q message", msg.Topic))
				return
			}
		}
	}
}

type clientRequest struct {
	frame params.ClientFrame
	err   error
}

// receiveFrames reads client frames until the socket fails or done is
// closed. The returned channel is closed when reading stops.
func receiveFrames(socket *websocket.Conn, done <-chan struct{}) <-chan clientRequest {
	requests := make(chan clientRequest)
	go func() {
		defer close(requests)
		for {
			// ReadMessage blocks until data arrives but is also unblocked
			// when the handler closes the socket as it finishes.
			_, data, err := socket.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debugf("notification receive error: %v", err)
				}
				return
			}
			var request clientRequest
			if err := json.Unmarshal(data, &request.frame); err != nil {
				request.err = errors.Annotatef(coreerrors.BadRequest, "decoding frame: %v", err)
			}
			select {
			case <-done:
				return
			case requests <- request:
			}
		}
	}()
	return requests
}

// notifyConn is the writing side of a notification socket. Only the
// serving goroutine uses it.
type notifyConn struct {
	socket  *websocket.Conn
	session *notify.Session
	ctxt    *Server
}

func (c *notifyConn) write(frame params.ServerFrame) error {
	config := c.ctxt.config
	if err := c.socket.SetWriteDeadline(config.Clock.Now().Add(config.Notify.SendTimeout)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.socket.WriteJSON(frame))
}

// fail reports a failed write so the session is dropped from every topic
// as a delivery failure.
func (c *notifyConn) fail(err error) {
	logger.Debugf("session %s: %v", c.session.ID(), err)
	c.ctxt.config.Dispatcher.Fail(c.session.Subscriber(), err)
}

func (c *notifyConn) close(code int, reason string) {
	deadline := c.ctxt.config.Clock.Now().Add(c.ctxt.config.Notify.SendTimeout)
	if err := c.socket.WriteControl(websocket.CloseMessage, closeMessage(code, reason), deadline); err != nil {
		logger.Tracef("closing session %s: %v", c.session.ID(), err)
	}
}

// closeDropped tells the client why it will receive nothing more.
func (c *notifyConn) closeDropped() {
	err := c.session.Err()
	code := websocket.CloseNormalClosure
	switch {
	case errors.Is(err, coreerrors.QueueOverflow):
		code = websocket.CloseTryAgainLater
	case errors.Is(err, notify.ErrRegistryClosed):
		code = websocket.CloseGoingAway
	}
	reason := "closed"
	if err != nil {
		reason = err.Error()
	}
	logger.Debugf("session %s dropped: %s", c.session.ID(), reason)
	c.close(code, reason)
}

func (c *notifyConn) handle(request clientRequest) params.ServerFrame {
	if request.err != nil {
		return errorFrame("", request.err)
	}
	frame := request.frame
	switch frame.Type {
	case params.FrameHello:
		identity, err := c.ctxt.config.Authenticator.Authenticate(frame.Auth)
		if err != nil {
			return errorFrame(frame.ID, err)
		}
		if err := c.session.Authenticate(identity); err != nil {
			return errorFrame(frame.ID, err)
		}
		return c.hello(frame.ID)
	case params.FrameSubscribe:
		t, err := c.session.Subscribe(frame.Topic)
		if err != nil {
			return errorFrame(frame.ID, err)
		}
		logger.Tracef("session %s subscribed to %q", c.session.ID(), t)
		return params.ServerFrame{Type: params.FrameSubscribe, ID: frame.ID, Topic: string(t)}
	case params.FrameUnsubscribe:
		t, err := c.session.Unsubscribe(frame.Topic)
		if err != nil {
			return errorFrame(frame.ID, err)
		}
		return params.ServerFrame{Type: params.FrameUnsubscribe, ID: frame.ID, Topic: string(t)}
	case params.FramePing:
		return params.ServerFrame{Type: params.FramePong, ID: frame.ID}
	}
	return errorFrame(frame.ID, errors.Annotatef(coreerrors.BadRequest, "unknown frame type %q", frame.Type))
}

func (c *notifyConn) hello(id string) params.ServerFrame {
	msg := params.HelloMessage{Session: c.session.ID()}
	if identity, ok := c.session.Identity(); ok {
		msg.Authenticated = true
		msg.UserID = identity.UserID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errorFrame(id, errors.Trace(err))
	}
	return params.ServerFrame{Type: params.FrameHello, ID: id, Message: data}
}

func errorFrame(id string, err error) params.ServerFrame {
	return params.ServerFrame{
		Type:  params.FrameError,
		ID:    id,
		Error: serverError(err),
	}
}
