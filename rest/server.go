// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/appmeshio/appmeshd"
	"github.com/gorilla/mux"
)

// Handler wraps a ControlSurface, adding http.Handler functionality.
// Routes are application-centric (one entry per registered application,
// keyed by name), with run-async/run-sync added for the ephemeral
// one-shot case a plain enable/disable lifecycle can't express.
type Handler struct {
	cs *appmesh.ControlSurface
	r  *mux.Router
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

// statusFor maps an appmesh error kind to its HTTP status, per the
// error taxonomy's caller-surfaced kinds.
func statusFor(err error) int {
	switch appmesh.KindOf(err) {
	case appmesh.KindInvalidInput:
		return http.StatusBadRequest
	case appmesh.KindUnauthorized:
		return http.StatusForbidden
	case appmesh.KindConflict:
		return http.StatusConflict
	case appmesh.KindNotFound:
		return http.StatusNotFound
	case appmesh.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	e := &Error{Code: statusFor(err), Message: err.Error()}
	if b, merr := json.Marshal(e); merr != nil {
		h.internalError(w, merr)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// caller extracts the requester identity from HTTP Basic auth. A
// request with no credentials is treated as the anonymous caller,
// which the configured AuthGate/OpGate may reject outright.
func caller(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user
	}
	return "anonymous"
}

func sameGroup(r *http.Request) bool {
	return r.URL.Query().Get("same_group") == "true"
}

func (h *Handler) registerApp(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, appmesh.NewInvalidInputError("register", err))
		return
	}
	snap, err := h.cs.Register(caller(r), req.Spec, req.SameGroup)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, snap)
}

func (h *Handler) unregisterApp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["app"]
	if err := h.cs.Unregister(caller(r), name); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) enableApp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["app"]
	if err := h.cs.Enable(caller(r), name, sameGroup(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) disableApp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["app"]
	if err := h.cs.Disable(caller(r), name, sameGroup(r)); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) viewApp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["app"]
	snap, err := h.cs.View(caller(r), name, sameGroup(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, snap)
}

func (h *Handler) listApps(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.cs.List(caller(r), sameGroup(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, snaps)
}

// outputApp streams the next chunk of an application's captured
// stdout/stderr. index/position are query parameters; the response
// body is the raw byte chunk, with the advanced cursor and (once
// known) exit code carried in headers rather than a JSON envelope.
func (h *Handler) outputApp(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["app"]
	index, _ := strconv.Atoi(r.URL.Query().Get("index"))
	posVal, _ := strconv.ParseInt(r.URL.Query().Get("position"), 10, 64)
	pos := appmesh.Position(posVal)

	data, newPos, exitCode, err := h.cs.Output(caller(r), name, index, pos, sameGroup(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set(headerOutputPosition, strconv.FormatInt(int64(newPos), 10))
	if exitCode != nil {
		w.Header().Set(headerExitCode, strconv.Itoa(*exitCode))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (h *Handler) runAsync(w http.ResponseWriter, r *http.Request) {
	var req RunAsyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, appmesh.NewInvalidInputError("run_async", err))
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	retention := time.Duration(req.RetentionSeconds) * time.Second
	name, uuid, err := h.cs.RunAsync(caller(r), req.Spec, timeout, retention)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, RunAsyncResponse{Name: name, ProcessUUID: uuid})
}

func (h *Handler) runSync(w http.ResponseWriter, r *http.Request) {
	var req RunSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, appmesh.NewInvalidInputError("run_sync", err))
		return
	}
	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	snap, err := h.cs.RunSync(caller(r), req.Spec, timeout)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJson(w, snap)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// NewHandler builds the HTTP binding for cs.
func NewHandler(cs *appmesh.ControlSurface) *Handler {
	r := mux.NewRouter()
	h := &Handler{cs: cs, r: r}
	r.HandleFunc("/apps", h.listApps).Methods("GET")
	r.HandleFunc("/apps", h.registerApp).Methods("POST")
	r.HandleFunc("/apps/{app}", h.viewApp).Methods("GET")
	r.HandleFunc("/apps/{app}", h.unregisterApp).Methods("DELETE")
	r.HandleFunc("/apps/{app}/enable", h.enableApp).Methods("POST")
	r.HandleFunc("/apps/{app}/disable", h.disableApp).Methods("POST")
	r.HandleFunc("/apps/{app}/output", h.outputApp).Methods("GET")
	r.HandleFunc("/run-async", h.runAsync).Methods("POST")
	r.HandleFunc("/run-sync", h.runSync).Methods("POST")
	return h
}
