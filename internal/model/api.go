package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// TaskControlAction is the action requested by POST /task-control.
type TaskControlAction string

const (
	TaskControlStart TaskControlAction = "start"
	TaskControlStop  TaskControlAction = "stop"
)

// TaskControlRequest is the request body for POST /task-control.
type TaskControlRequest struct {
	Action TaskControlAction `json:"action"`
}

// TaskStatus is the response body for GET /task-status.
type TaskStatus struct {
	TaskRunning bool       `json:"taskRunning"`
	Status      string     `json:"status"` // "running" or "stopped"
	Interval    int64      `json:"interval,omitempty"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	CurrentRun  *TaskRun   `json:"currentRun,omitempty"`
	LatestRun   *TaskRun   `json:"latestRun,omitempty"`
}

// TaskControlResponse is the response body for POST /task-control.
type TaskControlResponse struct {
	Action  TaskControlAction `json:"action"`
	Message string            `json:"message"`
	Status  TaskStatus        `json:"status"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"` // "healthy" or "unhealthy"
	Version string `json:"version"`
	Store   string `json:"store"` // "connected" or "disconnected"
	Uptime  int64  `json:"uptime_seconds"`
}
