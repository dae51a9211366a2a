// Copyright 2024 OceanDataTools.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
)

// introspectionHandler reports the state of the notification core.
type introspectionHandler struct {
	ctxt *Server
}

// ServeHTTP is part of the http.Handler interface.
func (h *introspectionHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	config := h.ctxt.config
	if _, err := h.ctxt.authenticate(req, config.AdminScope); err != nil {
		if err := sendError(w, err); err != nil {
			logger.Debugf("%v", err)
		}
		return
	}

	report := map[string]interface{}{
		"topics":           config.Registry.Report(),
		"external-sockets": config.ExternalCalls.Len(),
		"running-calls":    config.Executor.Running(),
	}
	for name, reporter := range config.Reporters {
		report[name] = reporter.Report()
	}
	if err := sendStatusAndJSON(w, http.StatusOK, report); err != nil {
		logger.Debugf("%v", err)
	}
}
