package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"dbscope/config"
	"dbscope/logging"
	"dbscope/snapshot"
)

type numberRequest struct {
	Number int `json:"number"`
}

type captureRequest struct {
	Path string `json:"path"` // file the capture is saved to when stopped
}

type captureResponse struct {
	Datablock string `json:"datablock"`
	Frames    int    `json:"frames"`
	Path      string `json:"path,omitempty"`
}

func (h *handlers) handleRescan(w http.ResponseWriter, r *http.Request) {
	cat := h.manager.Catalog()
	if err := cat.Scan(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cfg := h.opts.Config; cfg != nil {
		cfg.Lock()
		dbs := append([]config.DatablockConfig(nil), cfg.Datablocks...)
		cfg.Unlock()
		cat.Merge(dbs, cfg.DatablockPath)
	}
	warnings := cat.Warnings()
	msgs := make([]string, 0, len(warnings))
	for _, w := range warnings {
		msgs = append(msgs, w.Error())
	}
	h.writeJSON(w, map[string]interface{}{
		"datablocks": len(cat.Entries()),
		"udts":       cat.Udts().Len(),
		"warnings":   msgs,
	})
}

func (h *handlers) handleSetNumber(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid URL encoding in datablock name")
		return
	}
	var req numberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	info, err := h.manager.Info()
	isOpen := err == nil && info.Name == name
	if isOpen {
		err = h.manager.SetNumber(req.Number)
	} else {
		err = h.manager.Catalog().SetNumber(name, req.Number)
	}
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	if cfg := h.opts.Config; cfg != nil && h.opts.ConfigPath != "" {
		cfg.Lock()
		cfg.SetDatablockNumber(name, req.Number)
		if err := cfg.UnlockAndSave(h.opts.ConfigPath); err != nil {
			logging.DebugError("api", "save config", err)
			h.writeError(w, http.StatusInternalServerError, "number set but config not saved: "+err.Error())
			return
		}
	}
	e, _ := h.manager.Catalog().Find(name)
	h.writeJSON(w, DatablockResponse{Name: e.Name, Path: e.Path, Number: e.Number, Open: isOpen})
}

func (h *handlers) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	source := ""
	if cfg := h.opts.Config; cfg != nil {
		source = cfg.PLC.Address
	}
	if err := h.manager.StartCapture(source); err != nil {
		h.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	c := h.manager.StopCapture()
	if c == nil {
		h.writeError(w, http.StatusConflict, "no capture running")
		return
	}
	if req.Path != "" {
		if err := snapshot.Save(req.Path, c); err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.writeJSON(w, captureResponse{Datablock: c.Datablock, Frames: len(c.Frames), Path: req.Path})
}
