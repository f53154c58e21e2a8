package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/storage"
)

// HandleGetConfig handles GET /config.
func (h *Handlers) HandleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetWatchConfig(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "watch configuration has not been set")
			return
		}
		h.writeInternalError(w, r, "failed to load configuration", err)
		return
	}
	writeJSON(w, r, http.StatusOK, cfg)
}

// HandlePutConfig handles PUT /config. The new configuration takes effect at
// the next cycle boundary; an in-flight run keeps the snapshot it began with.
func (h *Handlers) HandlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.WatchConfig
	if err := decodeJSON(w, r, &cfg, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	saved, err := h.store.PutWatchConfig(r.Context(), cfg)
	if err != nil {
		h.writeInternalError(w, r, "failed to save configuration", err)
		return
	}
	h.logger.Info("watch configuration updated",
		"directory", saved.DirectoryPath,
		"interval_ms", saved.Interval,
	)
	writeJSON(w, r, http.StatusOK, saved)
}
