// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/oceandatatools/sealog/apiserver/params"
	coreerrors "github.com/oceandatatools/sealog/core/errors"
)

const (
	// maxFrameSize limits the size of frames read from clients.
	maxFrameSize = 1 << 20

	// maxCloseReason is the longest reason a close frame can carry.
	maxCloseReason = 123
)

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func websocketServer(w http.ResponseWriter, req *http.Request, handler func(ws *websocket.Conn)) {
	conn, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("problem initiating websocket: %v", err)
		return
	}
	handler(conn)
}

// serverError returns the wire form of err.
func serverError(err error) *params.Error {
	if err == nil {
		return nil
	}
	return &params.Error{
		Code:    coreerrors.Code(err),
		Message: err.Error(),
	}
}

// errorStatus returns the HTTP status matching err.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, coreerrors.NotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, coreerrors.Unauthorized):
		return http.StatusForbidden
	case errors.Is(err, coreerrors.UnknownTopic), errors.Is(err, errors.NotFound):
		return http.StatusNotFound
	case errors.Is(err, coreerrors.BadRequest), errors.Is(err, errors.NotValid):
		return http.StatusBadRequest
	case errors.Is(err, coreerrors.StoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sendStatusAndJSON(w http.ResponseWriter, statusCode int, response interface{}) error {
	body, err := json.Marshal(response)
	if err != nil {
		return errors.Errorf("cannot marshal JSON result %#v: %v", response, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, err = w.Write(body)
	return errors.Trace(err)
}

// sendError sends a JSON-encoded error response with the status that
// matches err.
func sendError(w http.ResponseWriter, err error) error {
	if err := sendStatusAndJSON(w, errorStatus(err), &params.ErrorResult{
		Error: serverError(err),
	}); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// sendInitialError writes out the error as a params.ErrorResult
// serialized with JSON with a new line character at the end. A nil error
// tells the client the socket is ready.
func sendInitialError(ws *websocket.Conn, err error) error {
	wrapped := &params.ErrorResult{
		Error: serverError(err),
	}

	body, err := json.Marshal(wrapped)
	if err != nil {
		return errors.Annotatef(err, "cannot marshal error %#v", wrapped)
	}
	body = append(body, '\n')

	writer, err := ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return errors.Annotate(err, "problem getting writer")
	}
	_, err = writer.Write(body)
	if closeErr := writer.Close(); err == nil {
		err = closeErr
	}

	if wrapped.Error != nil {
		// Tell the other end we are closing.
		_ = ws.WriteMessage(websocket.CloseMessage, []byte{})
	}

	return errors.Trace(err)
}

// closeMessage formats a close frame, trimming reason to fit. The reason
// must stay valid UTF-8, so it is cut on a rune boundary.
func closeMessage(code int, reason string) []byte {
	if len(reason) > maxCloseReason {
		cut := maxCloseReason
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	return websocket.FormatCloseMessage(code, reason)
}
