package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/scheduler"
)

// HandleTaskControl handles POST /task-control.
func (h *Handlers) HandleTaskControl(w http.ResponseWriter, r *http.Request) {
	var req model.TaskControlRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	var (
		err     error
		message string
	)
	switch req.Action {
	case model.TaskControlStart:
		err = h.scheduler.Start(r.Context())
		message = "monitoring task started"
	case model.TaskControlStop:
		err = h.scheduler.Stop(r.Context())
		message = "monitoring task stopped"
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			`action must be "start" or "stop"`)
		return
	}

	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "monitoring task is already running")
		return
	case errors.Is(err, scheduler.ErrNotRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "monitoring task is not running")
		return
	case err != nil:
		h.writeInternalError(w, r, "task control failed", err)
		return
	}

	h.logger.Info("task control", "action", req.Action)
	writeJSON(w, r, http.StatusOK, model.TaskControlResponse{
		Action:  req.Action,
		Message: message,
		Status:  taskStatus(h.scheduler.Status()),
	})
}

// HandleTaskStatus handles GET /task-status.
func (h *Handlers) HandleTaskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, taskStatus(h.scheduler.Status()))
}

func taskStatus(st scheduler.Status) model.TaskStatus {
	out := model.TaskStatus{
		TaskRunning: st.Running,
		Status:      st.State(),
		Interval:    st.Interval.Milliseconds(),
		CurrentRun:  st.CurrentRun,
		LatestRun:   st.LastRun,
	}
	if !st.LastTick.IsZero() {
		t := st.LastTick
		out.LastRun = &t
	}
	return out
}
