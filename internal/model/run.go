// Package model defines the core domain types for dirwatcher.
//
// Types correspond directly to the persisted task_runs and watch_config
// tables and to the JSON bodies of the HTTP API.
package model

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRun reports a task run whose fields contradict each other.
	ErrInvalidRun = errors.New("invalid task run")
	// ErrTerminalStatus is returned when a patch would change the status of a
	// run that has already finished.
	ErrTerminalStatus = errors.New("status cannot change once a task run has finished")
)

// TaskRunStatus represents the lifecycle state of a task run.
type TaskRunStatus string

const (
	TaskRunInProgress TaskRunStatus = "in-progress"
	TaskRunCompleted  TaskRunStatus = "completed"
	TaskRunSuccess    TaskRunStatus = "success"
	TaskRunFailed     TaskRunStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s TaskRunStatus) Valid() bool {
	switch s {
	case TaskRunInProgress, TaskRunCompleted, TaskRunSuccess, TaskRunFailed:
		return true
	}
	return false
}

// Terminal reports whether s is an end state. No transition out of a
// terminal state is valid.
func (s TaskRunStatus) Terminal() bool {
	return s.Valid() && s != TaskRunInProgress
}

// TaskRun is one bounded monitoring cycle over the configured directory.
// FilesAdded and FilesDeleted hold directory-relative names in the order
// they were first recorded.
type TaskRun struct {
	ID                     uuid.UUID     `json:"id"`
	StartTime              time.Time     `json:"startTime"`
	EndTime                *time.Time    `json:"endTime,omitempty"`
	Runtime                *int64        `json:"runtime,omitempty"` // milliseconds
	FilesAdded             []string      `json:"filesAdded"`
	FilesDeleted           []string      `json:"filesDeleted"`
	MagicStringOccurrences int64         `json:"magicStringOccurrences"`
	Status                 TaskRunStatus `json:"status"`
}

// Clone returns a deep copy so callers can hold a snapshot while the
// owner keeps appending.
func (r TaskRun) Clone() TaskRun {
	out := r
	out.FilesAdded = slices.Clone(r.FilesAdded)
	out.FilesDeleted = slices.Clone(r.FilesDeleted)
	if out.FilesAdded == nil {
		out.FilesAdded = []string{}
	}
	if out.FilesDeleted == nil {
		out.FilesDeleted = []string{}
	}
	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}
	if r.Runtime != nil {
		ms := *r.Runtime
		out.Runtime = &ms
	}
	return out
}

// RunCompletion carries the fields written when a run is finalized.
type RunCompletion struct {
	EndTime time.Time
	Runtime int64 // milliseconds, EndTime - StartTime
	Status  TaskRunStatus
}

// TaskRunInput is the request body for POST /task-runs and PUT /task-runs/{id}.
// Pointer fields are optional; on update, nil means "leave unchanged".
type TaskRunInput struct {
	StartTime              *time.Time     `json:"startTime,omitempty"`
	EndTime                *time.Time     `json:"endTime,omitempty"`
	Runtime                *int64         `json:"runtime,omitempty"`
	FilesAdded             []string       `json:"filesAdded,omitempty"`
	FilesDeleted           []string       `json:"filesDeleted,omitempty"`
	MagicStringOccurrences *int64         `json:"magicStringOccurrences,omitempty"`
	Status                 *TaskRunStatus `json:"status,omitempty"`
}

// ValidateCreate checks a TaskRunInput used to create a record directly.
// startTime and status are required; status is limited to in-progress or completed.
func (in TaskRunInput) ValidateCreate() error {
	if in.StartTime == nil {
		return fmt.Errorf("startTime is required")
	}
	if in.Status == nil {
		return fmt.Errorf("status is required")
	}
	if *in.Status != TaskRunInProgress && *in.Status != TaskRunCompleted {
		return fmt.Errorf("status must be %q or %q", TaskRunInProgress, TaskRunCompleted)
	}
	return in.validateCommon()
}

// ValidateUpdate checks a TaskRunInput used to patch an existing record.
func (in TaskRunInput) ValidateUpdate() error {
	if in.Status != nil && !in.Status.Valid() {
		return fmt.Errorf("invalid status %q", *in.Status)
	}
	return in.validateCommon()
}

func (in TaskRunInput) validateCommon() error {
	if in.Runtime != nil && *in.Runtime < 0 {
		return fmt.Errorf("runtime must be a non-negative integer")
	}
	if in.MagicStringOccurrences != nil && *in.MagicStringOccurrences < 0 {
		return fmt.Errorf("magicStringOccurrences must be a non-negative integer")
	}
	if in.StartTime != nil && in.EndTime != nil && in.EndTime.Before(*in.StartTime) {
		return fmt.Errorf("endTime must not be before startTime")
	}
	return nil
}

// Apply overlays the non-nil fields of in onto run.
func (in TaskRunInput) Apply(run TaskRun) TaskRun {
	if in.StartTime != nil {
		run.StartTime = in.StartTime.UTC()
	}
	if in.EndTime != nil {
		t := in.EndTime.UTC()
		run.EndTime = &t
	}
	if in.Runtime != nil {
		ms := *in.Runtime
		run.Runtime = &ms
	}
	if in.FilesAdded != nil {
		run.FilesAdded = slices.Clone(in.FilesAdded)
	}
	if in.FilesDeleted != nil {
		run.FilesDeleted = slices.Clone(in.FilesDeleted)
	}
	if in.MagicStringOccurrences != nil {
		run.MagicStringOccurrences = *in.MagicStringOccurrences
	}
	if in.Status != nil {
		run.Status = *in.Status
	}
	return run
}

// Patch validates in and applies it to run. A finished run keeps its status,
// and the merged record must still have endTime at or after startTime.
func (in TaskRunInput) Patch(run TaskRun) (TaskRun, error) {
	if err := in.ValidateUpdate(); err != nil {
		return TaskRun{}, fmt.Errorf("%w: %w", ErrInvalidRun, err)
	}
	if in.Status != nil && run.Status.Terminal() && *in.Status != run.Status {
		return TaskRun{}, ErrTerminalStatus
	}
	out := in.Apply(run)
	if out.EndTime != nil && out.EndTime.Before(out.StartTime) {
		return TaskRun{}, fmt.Errorf("%w: endTime must not be before startTime", ErrInvalidRun)
	}
	return out, nil
}
