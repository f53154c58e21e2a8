package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/storage"
)

// Notifier is the LISTEN/NOTIFY surface of storage.DB.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// RunEvent is the data of one task_run SSE message.
type RunEvent struct {
	ID     uuid.UUID           `json:"id"`
	Status model.TaskRunStatus `json:"status"`
}

// Broker fans out task-run notifications to SSE subscribers.
// It runs a background goroutine that calls WaitForNotification in a loop
// and sends each event to all active subscriber channels.
type Broker struct {
	notifier Notifier
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(n Notifier, logger *slog.Logger) *Broker {
	return &Broker{
		notifier:    n,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start listens on the task-run channel. It blocks, so call it in a
// goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.notifier.Listen(ctx, storage.ChannelTaskRuns); err != nil {
		b.logger.Error("broker: listen task runs", "error", err)
		return
	}
	b.logger.Info("broker: listening for notifications", "channel", storage.ChannelTaskRuns)

	for {
		_, payload, err := b.notifier.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		ev, ok := parseRunPayload(payload)
		if !ok {
			b.logger.Warn("broker: malformed notification", "payload", payload)
			continue
		}
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		b.broadcast(formatSSE("task_run", string(data)))
	}
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. A subscriber with a full
// buffer misses the event; clients re-read GET /task-runs to catch up.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// parseRunPayload decodes the "<id>:<status>" notification payload.
func parseRunPayload(payload string) (RunEvent, bool) {
	idStr, status, ok := strings.Cut(payload, ":")
	if !ok {
		return RunEvent{}, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return RunEvent{}, false
	}
	st := model.TaskRunStatus(status)
	if !st.Valid() {
		return RunEvent{}, false
	}
	return RunEvent{ID: id, Status: st}, true
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
