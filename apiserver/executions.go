// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/juju/errors"

	"github.com/oceandatatools/sealog/apiserver/params"
	coreerrors "github.com/oceandatatools/sealog/core/errors"
)

// executionsHandler lists and starts allow-listed commands.
type executionsHandler struct {
	ctxt *Server
}

// ServeHTTP implements the http.Handler interface.
func (h *executionsHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var err error
	switch req.Method {
	case http.MethodGet:
		err = h.serveGet(w, req)
	case http.MethodPost:
		err = h.servePost(w, req)
	default:
		err = errors.Annotatef(coreerrors.BadRequest, "unsupported method %q", req.Method)
	}
	if err != nil {
		if err := sendError(w, err); err != nil {
			logger.Errorf("%v", err)
		}
	}
}

func (h *executionsHandler) serveGet(w http.ResponseWriter, req *http.Request) error {
	config := h.ctxt.config
	if _, err := h.ctxt.authenticate(req, config.AdminScope); err != nil {
		return errors.Trace(err)
	}
	return sendStatusAndJSON(w, http.StatusOK, params.ExecutionsResult{
		Commands: config.Executor.Commands(),
		Running:  config.Executor.Running(),
	})
}

func (h *executionsHandler) servePost(w http.ResponseWriter, req *http.Request) error {
	config := h.ctxt.config
	identity, err := h.ctxt.authenticate(req, config.AdminScope)
	if err != nil {
		return errors.Trace(err)
	}
	var args params.ExecutionRequest
	if err := json.NewDecoder(req.Body).Decode(&args); err != nil {
		return errors.Annotatef(coreerrors.BadRequest, "decoding request: %v", err)
	}
	callID, err := config.Executor.Start(args.Command)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("%q started %q as call %s", identity.UserID, args.Command, callID)
	return sendStatusAndJSON(w, http.StatusCreated, params.ExecutionResult{
		CallID:  callID,
		Command: args.Command,
	})
}
