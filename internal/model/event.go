package model

import "time"

// FileEventKind is the normalized kind of a filesystem observation.
type FileEventKind string

const (
	FileAdded   FileEventKind = "added"
	FileChanged FileEventKind = "changed"
	FileRemoved FileEventKind = "removed"
)

// EventSource identifies which origin produced a FileEvent.
type EventSource string

const (
	SourcePush EventSource = "push" // filesystem notifications
	SourcePoll EventSource = "poll" // periodic directory listing
)

// FileEvent is the single internal event type both origins are normalized into.
// Path is the on-disk location used for scanning; Name is the key recorded on
// the run, relative to the monitored directory.
type FileEvent struct {
	Kind       FileEventKind `json:"kind"`
	Path       string        `json:"path"`
	Name       string        `json:"name"`
	Source     EventSource   `json:"source"`
	ObservedAt time.Time     `json:"observedAt"`
}
