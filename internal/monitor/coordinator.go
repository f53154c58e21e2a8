// Package monitor implements the task-run lifecycle coordinator.
//
// A Coordinator owns the single in-flight task run for the monitored
// directory. Events from the push and poll sources are applied to it at most
// once per path per list, and completion is claimed by exactly one caller no
// matter how many race to end the run.
//
// State machine (guarded by one mutex):
//
//	idle ──BeginCycle──▶ starting ──store ok──▶ in-progress ──EndCycle──▶ ending ──store ok──▶ idle
//	  ▲                     │ store error                       ▲            │ store error
//	  └─────────────────────┘                                   └────────────┘
//
// A run whose record is deleted while active is discarded from in-progress
// or ending straight back to idle.
//
// starting and ending are claim states. The caller that moves the state into
// one of them owns the transition; every other caller is rejected without
// touching the run.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/scanner"
	"github.com/ashita-ai/dirwatcher/internal/storage"
	"github.com/ashita-ai/dirwatcher/internal/telemetry"
)

var (
	// ErrConfigMissing is returned by BeginCycle when no configuration exists.
	ErrConfigMissing = errors.New("monitor: configuration not found")
	// ErrRunInProgress is returned by BeginCycle while another run is active.
	ErrRunInProgress = errors.New("monitor: a task run is already in progress")
	// ErrNoActiveRun is returned by EndCycle and AbortCycle when there is no
	// run to end, including when a concurrent caller already claimed it.
	ErrNoActiveRun = errors.New("monitor: no task run in progress")
	// ErrRunDeleted is returned when the active run's record no longer exists.
	// The run is discarded and the coordinator is idle again.
	ErrRunDeleted = errors.New("monitor: task run record was deleted")
)

var tracer = telemetry.Tracer("dirwatcher/monitor")

type state int

const (
	stateIdle state = iota
	stateStarting
	stateInProgress
	stateEnding
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateInProgress:
		return "in-progress"
	case stateEnding:
		return "ending"
	default:
		return "unknown"
	}
}

// CompletionPolicy decides when a run ends on its own.
type CompletionPolicy string

const (
	// CompleteOnInterval leaves completion to the scheduling driver, which
	// ends each run at the next tick.
	CompleteOnInterval CompletionPolicy = "interval"
	// CompleteOnFirstEvent ends the run as soon as one added or changed
	// event has been scanned successfully.
	CompleteOnFirstEvent CompletionPolicy = "first-event"
)

// ParseCompletionPolicy maps a config string onto a CompletionPolicy.
func ParseCompletionPolicy(s string) (CompletionPolicy, error) {
	switch CompletionPolicy(s) {
	case CompleteOnInterval, "":
		return CompleteOnInterval, nil
	case CompleteOnFirstEvent:
		return CompleteOnFirstEvent, nil
	default:
		return "", fmt.Errorf("monitor: unknown completion policy %q", s)
	}
}

// Outcome reports what ApplyEvent did with an event.
type Outcome int

const (
	// OutcomeIgnored means there was no in-progress run to apply the event to.
	OutcomeIgnored Outcome = iota
	// OutcomeRecorded means the run's lists or occurrence count changed.
	OutcomeRecorded
	// OutcomeDuplicate means the path was already recorded and nothing changed.
	OutcomeDuplicate
	// OutcomeScanFailed means the file could not be scanned; the run is unaffected.
	OutcomeScanFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRecorded:
		return "recorded"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeScanFailed:
		return "scan_failed"
	default:
		return "unknown"
	}
}

// Cycle is a started run together with the configuration snapshot it uses.
// Configuration edits made while the run is active apply to the next cycle.
type Cycle struct {
	Run    model.TaskRun
	Config model.WatchConfig
}

type activeRun struct {
	run     model.TaskRun
	config  model.WatchConfig
	added   map[string]struct{}
	deleted map[string]struct{}
}

// Coordinator owns the in-flight task run. Safe for concurrent use.
type Coordinator struct {
	store   Store
	configs ConfigSource
	scanner Scanner
	logger  *slog.Logger
	policy  CompletionPolicy
	now     func() time.Time
	metrics *instruments

	mu      sync.Mutex
	state   state
	current *activeRun
	last    *model.TaskRun
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithScanner replaces the default scanner.
func WithScanner(s Scanner) Option {
	return func(c *Coordinator) { c.scanner = s }
}

// WithCompletionPolicy selects when runs end on their own.
func WithCompletionPolicy(p CompletionPolicy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator in the idle state.
func New(store Store, configs ConfigSource, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:   store,
		configs: configs,
		scanner: scanner.New(0),
		logger:  logger,
		policy:  CompleteOnInterval,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newInstruments()
	return c
}

// Policy returns the configured completion policy.
func (c *Coordinator) Policy() CompletionPolicy {
	return c.policy
}

// clock returns the current time in UTC truncated to whole milliseconds, so
// runtime is exactly EndTime - StartTime after any store round-trip.
func (c *Coordinator) clock() time.Time {
	return c.now().UTC().Truncate(time.Millisecond)
}

// BeginCycle opens a new task run using the current configuration.
// It returns ErrRunInProgress if a run is active and ErrConfigMissing if no
// configuration has been saved. On a store failure no run is considered
// started.
func (c *Coordinator) BeginCycle(ctx context.Context) (Cycle, error) {
	ctx, span := tracer.Start(ctx, "monitor.BeginCycle")
	defer span.End()

	c.mu.Lock()
	if c.state != stateIdle {
		st := c.state
		var runID string
		if c.current != nil {
			runID = c.current.run.ID.String()
		}
		c.mu.Unlock()
		c.logger.Info("monitor: task run already in progress", "run_id", runID, "state", st.String())
		return Cycle{}, ErrRunInProgress
	}
	c.state = stateStarting
	c.mu.Unlock()

	cfg, err := c.loadConfig(ctx)
	if err != nil {
		c.setState(stateIdle)
		recordSpanError(span, err)
		return Cycle{}, err
	}

	created, err := c.store.CreateRun(ctx, model.TaskRun{
		StartTime:    c.clock(),
		Status:       model.TaskRunInProgress,
		FilesAdded:   []string{},
		FilesDeleted: []string{},
	})
	if err != nil {
		c.setState(stateIdle)
		c.logger.Error("monitor: start task run failed", "error", err)
		recordSpanError(span, err)
		return Cycle{}, fmt.Errorf("monitor: create run: %w", err)
	}
	created = created.Clone()

	c.mu.Lock()
	c.current = &activeRun{
		run:     created,
		config:  cfg,
		added:   make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
	c.state = stateInProgress
	c.mu.Unlock()

	c.metrics.runsStarted.Add(ctx, 1)
	span.SetAttributes(attribute.String("dirwatcher.run_id", created.ID.String()))
	c.logger.Info("monitor: task run started",
		"run_id", created.ID,
		"directory", cfg.DirectoryPath,
		"interval_ms", cfg.Interval,
	)
	return Cycle{Run: created.Clone(), Config: cfg}, nil
}

func (c *Coordinator) loadConfig(ctx context.Context) (model.WatchConfig, error) {
	cfg, err := c.configs.GetWatchConfig(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			c.logger.Warn("monitor: configuration not found, skipping cycle")
			return model.WatchConfig{}, ErrConfigMissing
		}
		return model.WatchConfig{}, fmt.Errorf("monitor: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return model.WatchConfig{}, fmt.Errorf("monitor: invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEvent folds one file event into the in-progress run. Events that
// arrive when no run is in progress are ignored. Scan failures are logged
// and reported as OutcomeScanFailed; they never abort the run. A store
// failure is returned and leaves the in-memory run matching what was
// persisted.
//
// The file is read without holding the coordinator lock.
func (c *Coordinator) ApplyEvent(ctx context.Context, ev model.FileEvent) (Outcome, error) {
	key := eventKey(ev)

	c.mu.Lock()
	if c.state != stateInProgress || c.current == nil {
		st := c.state
		c.mu.Unlock()
		c.ignore(ctx, ev, "no task run in progress", st)
		return OutcomeIgnored, nil
	}
	runID := c.current.run.ID
	pattern := c.current.config.MagicString

	if ev.Kind == model.FileRemoved {
		defer c.mu.Unlock()
		return c.recordRemovalLocked(ctx, key)
	}
	c.mu.Unlock()

	count, err := c.scanner.Scan(ev.Path, pattern)
	if err != nil {
		c.metrics.scanFailures.Add(ctx, 1)
		if scanner.IsNotFound(err) {
			c.logger.Debug("monitor: file vanished before scan", "run_id", runID, "path", ev.Path)
		} else {
			c.logger.Warn("monitor: scan failed, skipping file", "run_id", runID, "path", ev.Path, "error", err)
		}
		return OutcomeScanFailed, nil
	}
	c.logger.Debug("monitor: file scanned", "run_id", runID, "path", ev.Path, "occurrences", count, "source", ev.Source)

	c.mu.Lock()
	if c.state != stateInProgress || c.current == nil || c.current.run.ID != runID {
		st := c.state
		c.mu.Unlock()
		c.ignore(ctx, ev, "task run ended during scan", st)
		return OutcomeIgnored, nil
	}
	outcome, err := c.recordScanLocked(ctx, key, count)
	c.mu.Unlock()

	if err == nil && c.policy == CompleteOnFirstEvent {
		if _, endErr := c.EndCycle(ctx); endErr != nil && !errors.Is(endErr, ErrNoActiveRun) && !errors.Is(endErr, ErrRunDeleted) {
			c.logger.Error("monitor: end task run after first event failed", "run_id", runID, "error", endErr)
		}
	}
	return outcome, err
}

// recordScanLocked appends the path once per run and accumulates the count on
// every successful scan. Memory is only updated after each write succeeds.
func (c *Coordinator) recordScanLocked(ctx context.Context, key string, count int64) (Outcome, error) {
	a := c.current
	_, seen := a.added[key]
	if seen && count == 0 {
		return OutcomeDuplicate, nil
	}

	if !seen {
		if err := c.store.AppendFiles(ctx, a.run.ID, []string{key}, nil); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return OutcomeIgnored, c.discardLocked(ctx, "append added file")
			}
			c.logger.Error("monitor: record added file failed", "run_id", a.run.ID, "path", key, "error", err)
			return OutcomeIgnored, fmt.Errorf("monitor: append added file: %w", err)
		}
		a.added[key] = struct{}{}
		a.run.FilesAdded = append(a.run.FilesAdded, key)
	}

	if count > 0 {
		if err := c.store.IncrementOccurrences(ctx, a.run.ID, count); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return OutcomeIgnored, c.discardLocked(ctx, "increment occurrences")
			}
			c.logger.Error("monitor: record occurrences failed", "run_id", a.run.ID, "path", key, "error", err)
			return OutcomeIgnored, fmt.Errorf("monitor: increment occurrences: %w", err)
		}
		a.run.MagicStringOccurrences += count
	}

	c.metrics.eventsApplied.Add(ctx, 1)
	return OutcomeRecorded, nil
}

func (c *Coordinator) recordRemovalLocked(ctx context.Context, key string) (Outcome, error) {
	a := c.current
	if _, seen := a.deleted[key]; seen {
		return OutcomeDuplicate, nil
	}
	if err := c.store.AppendFiles(ctx, a.run.ID, nil, []string{key}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return OutcomeIgnored, c.discardLocked(ctx, "append deleted file")
		}
		c.logger.Error("monitor: record deleted file failed", "run_id", a.run.ID, "path", key, "error", err)
		return OutcomeIgnored, fmt.Errorf("monitor: append deleted file: %w", err)
	}
	a.deleted[key] = struct{}{}
	a.run.FilesDeleted = append(a.run.FilesDeleted, key)
	c.metrics.eventsApplied.Add(ctx, 1)
	return OutcomeRecorded, nil
}

// discardLocked drops the active run after its record disappeared from the
// store, returning the coordinator to idle. Must be called with c.mu held.
func (c *Coordinator) discardLocked(ctx context.Context, op string) error {
	id := c.current.run.ID
	c.current = nil
	c.state = stateIdle
	c.metrics.runsDiscarded.Add(ctx, 1)
	c.logger.Warn("monitor: task run record deleted, discarding run", "run_id", id, "op", op)
	return fmt.Errorf("monitor: %s: %w: %s", op, ErrRunDeleted, id)
}

func (c *Coordinator) ignore(ctx context.Context, ev model.FileEvent, reason string, st state) {
	c.metrics.eventsIgnored.Add(ctx, 1)
	c.logger.Debug("monitor: ignoring file event",
		"reason", reason,
		"kind", ev.Kind,
		"path", ev.Path,
		"source", ev.Source,
		"state", st.String(),
	)
}

// EndCycle completes the in-progress run. Exactly one of any number of
// concurrent callers wins; the rest get ErrNoActiveRun and the record is not
// touched again. On a store failure the run stays in progress so the call
// can be retried. If the record was deleted the run is discarded and
// ErrRunDeleted is returned.
func (c *Coordinator) EndCycle(ctx context.Context) (model.TaskRun, error) {
	return c.finish(ctx, model.TaskRunCompleted, "")
}

// AbortCycle ends the in-progress run with status failed, for cycles whose
// directory could not be watched or listed. Claim semantics match EndCycle.
func (c *Coordinator) AbortCycle(ctx context.Context, reason string) (model.TaskRun, error) {
	return c.finish(ctx, model.TaskRunFailed, reason)
}

func (c *Coordinator) finish(ctx context.Context, status model.TaskRunStatus, reason string) (model.TaskRun, error) {
	ctx, span := tracer.Start(ctx, "monitor.EndCycle",
		trace.WithAttributes(attribute.String("dirwatcher.status", string(status))),
	)
	defer span.End()

	c.mu.Lock()
	if c.state != stateInProgress || c.current == nil {
		st := c.state
		c.mu.Unlock()
		c.metrics.endsRejected.Add(ctx, 1)
		c.logger.Debug("monitor: task run already ended or not started", "state", st.String())
		return model.TaskRun{}, ErrNoActiveRun
	}
	c.state = stateEnding
	a := c.current
	c.mu.Unlock()

	// The claim is held: nothing mutates a.run until the state leaves ending.
	end := c.clock()
	if end.Before(a.run.StartTime) {
		end = a.run.StartTime
	}
	completion := model.RunCompletion{
		EndTime: end,
		Runtime: end.Sub(a.run.StartTime).Milliseconds(),
		Status:  status,
	}
	span.SetAttributes(attribute.String("dirwatcher.run_id", a.run.ID.String()))

	if err := c.store.FinalizeRun(ctx, a.run.ID, completion); err != nil {
		recordSpanError(span, err)
		if errors.Is(err, storage.ErrNotFound) {
			c.mu.Lock()
			defer c.mu.Unlock()
			return model.TaskRun{}, c.discardLocked(ctx, "finalize run")
		}
		c.setState(stateInProgress)
		c.logger.Error("monitor: finalize task run failed", "run_id", a.run.ID, "error", err)
		return model.TaskRun{}, fmt.Errorf("monitor: finalize run: %w", err)
	}

	final := a.run.Clone()
	final.EndTime = &completion.EndTime
	final.Runtime = &completion.Runtime
	final.Status = status
	final = c.reconcile(ctx, final)

	c.mu.Lock()
	c.last = &final
	c.current = nil
	c.state = stateIdle
	c.mu.Unlock()

	c.metrics.runsCompleted.Add(ctx, 1, metricStatus(final.Status))
	attrs := []any{
		"run_id", final.ID,
		"status", final.Status,
		"runtime_ms", *final.Runtime,
		"files_added", len(final.FilesAdded),
		"files_deleted", len(final.FilesDeleted),
		"occurrences", final.MagicStringOccurrences,
	}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
		c.logger.Warn("monitor: task run failed", attrs...)
	} else {
		c.logger.Info("monitor: task run completed", attrs...)
	}
	return final.Clone(), nil
}

// reconcile reloads a just-finalized run. FinalizeRun is a no-op when the
// record was already made terminal through the API, in which case the stored
// row wins over the coordinator's own completion.
func (c *Coordinator) reconcile(ctx context.Context, want model.TaskRun) model.TaskRun {
	stored, err := c.store.GetRun(ctx, want.ID)
	if err != nil {
		c.logger.Warn("monitor: reload finalized task run failed", "run_id", want.ID, "error", err)
		return want
	}
	if stored.Status == want.Status && stored.EndTime != nil && stored.EndTime.Equal(*want.EndTime) {
		return want
	}
	c.logger.Warn("monitor: task run was finalized outside the coordinator",
		"run_id", want.ID,
		"stored_status", stored.Status,
		"status", want.Status,
	)
	stored = stored.Clone()
	if stored.Runtime == nil && stored.EndTime != nil {
		ms := stored.EndTime.Sub(stored.StartTime).Milliseconds()
		stored.Runtime = &ms
	}
	if stored.EndTime == nil || stored.Runtime == nil {
		return want
	}
	return stored
}

// CurrentRun returns a snapshot of the active run, if any.
func (c *Coordinator) CurrentRun() (model.TaskRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return model.TaskRun{}, false
	}
	return c.current.run.Clone(), true
}

// ActiveConfig returns the configuration snapshot of the active run, if any.
func (c *Coordinator) ActiveConfig() (model.WatchConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return model.WatchConfig{}, false
	}
	return c.current.config, true
}

// LastRun returns the most recently finalized run, if any.
func (c *Coordinator) LastRun() (model.TaskRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return model.TaskRun{}, false
	}
	return c.last.Clone(), true
}

func (c *Coordinator) setState(s state) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// eventKey is the name recorded on the run for an event.
func eventKey(ev model.FileEvent) string {
	if ev.Name != "" {
		return ev.Name
	}
	return filepath.Base(ev.Path)
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
