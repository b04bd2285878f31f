// SPDX-FileCopyrightText: (C) 2026 the ha-vds2465-server contributors
// SPDX-License-Identifier: Apache 2.0

// Package handlers implements the HTTP introspection surface:
// a liveness probe, a connection listing, Prometheus metrics, and an
// output-command injection endpoint. This is a side-channel diagnostic
// surface, not the VdS protocol port itself.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cruunnerr/ha-vds2465-server/internal/server"
)

// Hub is the subset of *server.Hub the introspection API depends on.
type Hub interface {
	Connections() []server.ConnectionInfo
	SendOutput(identity string, address byte, state bool, device, area *byte) bool
}

// NewMux builds the introspection API's HTTP handler.
func NewMux(hub Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", HealthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/connections", ConnectionsHandler(hub))
	mux.HandleFunc("POST /api/v1/output", OutputHandler(hub))
	return mux
}

// HealthResponse is HealthHandler's JSON response body.
type HealthResponse struct {
	Status string `json:"status"`
}

// HealthHandler reports that the process is up. It intentionally does
// not depend on any panel being connected: an operator probing liveness
// wants to know the process is alive, not that traffic is flowing.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ConnectionView is one entry of ConnectionsHandler's response.
type ConnectionView struct {
	ID       string            `json:"id"`
	Peer     string            `json:"peer"`
	Identity string            `json:"identity,omitempty"`
	Stats    *server.ConnStats `json:"conn_stats,omitempty"`
}

// ConnectionsResponse is ConnectionsHandler's JSON response body.
type ConnectionsResponse struct {
	Connections []ConnectionView `json:"connections"`
}

// ConnectionsHandler lists every currently active panel connection.
func ConnectionsHandler(hub Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns := hub.Connections()
		out := make([]ConnectionView, 0, len(conns))
		for _, c := range conns {
			view := ConnectionView{ID: c.ID, Peer: c.Peer, Identity: c.Identity}
			if h, ok := hub.(*server.Hub); ok {
				if stats, err := h.Stats(c); err == nil {
					view.Stats = stats
				}
			}
			out = append(out, view)
		}
		writeJSON(w, http.StatusOK, ConnectionsResponse{Connections: out})
	}
}

// OutputRequest is OutputHandler's JSON request body. Device and Area
// are optional: when omitted, the identity's configured
// DefaultDevice/DefaultArea apply.
type OutputRequest struct {
	Identity string `json:"identity"`
	Address  byte   `json:"address"`
	State    bool   `json:"state"`
	Device   *byte  `json:"device,omitempty"`
	Area     *byte  `json:"area,omitempty"`
}

// OutputResponse is OutputHandler's JSON response body.
type OutputResponse struct {
	Accepted bool `json:"accepted"`
}

// OutputHandler enqueues an output command on the named identity's
// active connection, if any.
func OutputHandler(hub Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OutputRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Identity == "" {
			http.Error(w, "identity is required", http.StatusBadRequest)
			return
		}
		accepted := hub.SendOutput(req.Identity, req.Address, req.State, req.Device, req.Area)
		status := http.StatusOK
		if !accepted {
			status = http.StatusNotFound
		}
		writeJSON(w, status, OutputResponse{Accepted: accepted})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
