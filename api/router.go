// Package api provides the REST API over the open datablock.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dbscope/catalog"
	"dbscope/config"
	"dbscope/s7"
	"dbscope/schema"
	"dbscope/session"
	"dbscope/snapshot"
)

// Options configures the router.
type Options struct {
	// Config and ConfigPath persist datablock numbers. Both may be empty.
	Config     *config.Config
	ConfigPath string

	// Hub streams snapshots on /events when set.
	Hub *EventHub

	// Guard wraps the routes that change state, such as an admin check.
	Guard func(http.Handler) http.Handler
}

// DatablockResponse is the JSON response for a catalog entry.
type DatablockResponse struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Number int    `json:"number"`
	Open   bool   `json:"open"`
}

// UdtResponse is the JSON response for a UDT template.
type UdtResponse struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Fields  int    `json:"fields"`
}

// WriteRequest is the JSON request for writing a field.
type WriteRequest struct {
	Path  string `json:"path"`
	Value string `json:"value"`
}

// WriteResponse is the JSON response after a write.
type WriteResponse struct {
	Field     session.NodeView `json:"field"`
	Success   bool             `json:"success"`
	Timestamp string           `json:"timestamp"`
}

// FilterResponse is the JSON response after applying a filter.
type FilterResponse struct {
	Mode string           `json:"mode"`
	Tree session.NodeView `json:"tree"`
}

type handlers struct {
	manager *session.Manager
	opts    Options
}

// NewRouter creates the REST API router.
func NewRouter(m *session.Manager, opts Options) chi.Router {
	r := chi.NewRouter()
	h := &handlers{manager: m, opts: opts}
	guard := opts.Guard
	if guard == nil {
		guard = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/datablocks", h.handleListDatablocks)
	r.Get("/udts", h.handleListUdts)
	if opts.Hub != nil {
		r.Get("/events", opts.Hub.handleSSE)
	}

	r.Route("/current", func(r chi.Router) {
		r.Get("/", h.handleInfo)
		r.Get("/tree", h.handleTree)
		r.Get("/snapshot", h.handleSnapshot)
		r.Get("/fields/*", h.handleField)
		r.Get("/address/{addr}", h.handleAddress)
		r.Post("/filter", h.handleFilter)
		r.Delete("/filter", h.handleResetFilter)
		r.Post("/refresh", h.handleRefresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(guard)
		r.Post("/datablocks/rescan", h.handleRescan)
		r.Post("/datablocks/{name}/open", h.handleOpen)
		r.Put("/datablocks/{name}/number", h.handleSetNumber)
		r.Post("/current/write", h.handleWrite)
		r.Post("/current/capture", h.handleStartCapture)
		r.Delete("/current/capture", h.handleStopCapture)
	})

	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeSessionError maps session and codec errors to HTTP status codes.
func (h *handlers) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoDatablock):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNotFound), errors.Is(err, catalog.ErrUnknownDatablock):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNoSource), errors.Is(err, s7.ErrNotConnected):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, schema.ErrInvalidFilterCombination),
		errors.Is(err, s7.ErrValueRange),
		errors.Is(err, s7.ErrValueKind):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, snapshot.ErrReadOnly):
		h.writeError(w, http.StatusMethodNotAllowed, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *handlers) handleListDatablocks(w http.ResponseWriter, r *http.Request) {
	open := ""
	if info, err := h.manager.Info(); err == nil {
		open = info.Name
	}
	entries := h.manager.Catalog().Entries()
	response := make([]DatablockResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, DatablockResponse{
			Name:   e.Name,
			Path:   e.Path,
			Number: e.Number,
			Open:   e.Name == open,
		})
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleListUdts(w http.ResponseWriter, r *http.Request) {
	udts := h.manager.Catalog().Udts()
	names := udts.Names()
	response := make([]UdtResponse, 0, len(names))
	for _, name := range names {
		t, ok := udts.Lookup(name)
		if !ok {
			continue
		}
		response = append(response, UdtResponse{Name: t.Name, Version: t.Version, Fields: len(t.Children)})
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleOpen(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in datablock name")
		return
	}
	info, err := h.manager.Open(name)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, info)
}

func (h *handlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.manager.Info()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, info)
}

func (h *handlers) handleTree(w http.ResponseWriter, r *http.Request) {
	visibleOnly := r.URL.Query().Get("visible") != ""
	tree, err := h.manager.Tree(visibleOnly)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, tree)
}

func (h *handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.Snapshot()
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, snap)
}

func (h *handlers) handleField(w http.ResponseWriter, r *http.Request) {
	path, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || strings.TrimSpace(path) == "" {
		h.writeError(w, http.StatusBadRequest, "field path required")
		return
	}
	v, err := h.manager.Lookup(path)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, v)
}

func (h *handlers) handleAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := url.PathUnescape(chi.URLParam(r, "addr"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in address")
		return
	}
	v, err := h.manager.AddressLookup(addr)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrNoDatablock) {
			h.writeSessionError(w, err)
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, v)
}

func (h *handlers) handleFilter(w http.ResponseWriter, r *http.Request) {
	var c schema.Criteria
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	mode, err := h.manager.Apply(c)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	tree, err := h.manager.Tree(true)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, FilterResponse{Mode: mode.String(), Tree: tree})
}

func (h *handlers) handleResetFilter(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ResetFilter(); err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := h.manager.Refresh(r.Context())
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	if h.opts.Hub != nil {
		h.opts.Hub.PublishSnapshot(r.Context(), snap)
	}
	h.writeJSON(w, snap)
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Path == "" {
		h.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	v, err := h.manager.Write(r.Context(), req.Path, req.Value)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}
	h.writeJSON(w, WriteResponse{
		Field:     v,
		Success:   true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
