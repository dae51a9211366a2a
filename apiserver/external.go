// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// externalHandler registers sockets that receive the raw output of
// executed commands. The optional "call" query parameter restricts a
// socket to one call.
type externalHandler struct {
	ctxt *Server
}

// ServeHTTP implements the http.Handler interface.
func (h *externalHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	config := h.ctxt.config
	if config.ExternalAuthRequired {
		if _, err := h.ctxt.authenticate(req, config.AdminScope); err != nil {
			if err := sendError(w, err); err != nil {
				logger.Debugf("%v", err)
			}
			return
		}
	}
	callID := req.URL.Query().Get("call")

	websocketServer(w, req, func(socket *websocket.Conn) {
		handle, err := config.ExternalCalls.Register(socket, callID)
		if err != nil {
			logger.Debugf("refusing external call socket from %s: %v", req.RemoteAddr, err)
			deadline := config.Clock.Now().Add(config.Notify.SendTimeout)
			_ = socket.WriteControl(websocket.CloseMessage,
				closeMessage(websocket.CloseGoingAway, err.Error()), deadline)
			_ = socket.Close()
			return
		}
		// Removal closes the socket, which also stops the reader below.
		defer config.ExternalCalls.Remove(handle)

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				// Anything the client sends is discarded; reading is
				// how a close from the other end is noticed.
				if _, _, err := socket.NextReader(); err != nil {
					return
				}
			}
		}()

		select {
		case <-closed:
			logger.Debugf("external call socket from %s closed", req.RemoteAddr)
		case <-handle.Done():
		case <-h.ctxt.stop():
		}
	})
}
