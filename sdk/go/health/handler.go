// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves token-protected health checks as JSON.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func(context.Context) error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests like "{Prefix}ping" with JSON responses like
// {"health":"OK"} or {"health":"ERROR","error":"error text"}.
//
// A "ping" check that always succeeds is served unless Routes
// overrides it.
type Handler struct {
	// Management token. If empty, all requests get 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	Routes Routes
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, prefix)
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func(context.Context) error { return nil }, true
	}
	switch ah := r.Header.Get("Authorization"); {
	case !ok || h.Token == "":
		http.Error(w, "not found", http.StatusNotFound)
	case ah == "":
		http.Error(w, "authorization required", http.StatusUnauthorized)
	case ah != "Bearer "+h.Token:
		http.Error(w, "authorization error", http.StatusForbidden)
	default:
		resp := map[string]string{"health": "OK"}
		if err := fn(r.Context()); err != nil {
			resp = map[string]string{"health": "ERROR", "error": err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
