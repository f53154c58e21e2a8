package server

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// HandleListRuns handles GET /task-runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", defaultListLimit)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a non-negative integer")
		return
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be a non-negative integer")
		return
	}

	runs, total, err := h.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list task runs", err)
		return
	}
	writeListJSON(w, r, runs, total, limit, offset)
}

// HandleCreateRun handles POST /task-runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var in model.TaskRunInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := in.ValidateCreate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.CreateRun(r.Context(), in.Apply(model.TaskRun{}))
	if err != nil {
		h.writeInternalError(w, r, "failed to create task run", err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("dirwatcher.run_id", run.ID.String()))
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleGetRun handles GET /task-runs/{id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid task run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task run not found")
			return
		}
		h.writeInternalError(w, r, "failed to get task run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleUpdateRun handles PUT /task-runs/{id}. Only the supplied fields change.
func (h *Handlers) HandleUpdateRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid task run id")
		return
	}

	var in model.TaskRunInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := in.ValidateUpdate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.UpdateRun(r.Context(), id, in.Patch)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task run not found")
		case errors.Is(err, model.ErrTerminalStatus):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, model.ErrTerminalStatus.Error())
		case errors.Is(err, model.ErrInvalidRun):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		default:
			h.writeInternalError(w, r, "failed to update task run", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleDeleteRun handles DELETE /task-runs/{id}.
func (h *Handlers) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid task run id")
		return
	}

	if err := h.store.DeleteRun(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "task run not found")
			return
		}
		h.writeInternalError(w, r, "failed to delete task run", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
