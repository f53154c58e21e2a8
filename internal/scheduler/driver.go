// Package scheduler drives monitoring cycles on a repeating interval and
// exposes manual start/stop control.
//
// A running Driver owns two goroutines: the tick loop, which ends and begins
// cycles and runs the poll source, and the consumer, which is the only
// caller of Coordinator.ApplyEvent. Both sources reach the consumer through
// one merged channel.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/monitor"
	"github.com/ashita-ai/dirwatcher/internal/watch"
)

var (
	// ErrAlreadyRunning is returned by Start when the driver is running.
	ErrAlreadyRunning = errors.New("scheduler: already running")
	// ErrNotRunning is returned by Stop when the driver is stopped.
	ErrNotRunning = errors.New("scheduler: not running")
)

// DefaultFallbackInterval is the tick interval used while no configuration exists.
const DefaultFallbackInterval = 60 * time.Second

// settleTimeout bounds ending a run that began after Stop stopped waiting.
const settleTimeout = 10 * time.Second

// Coordinator is the subset of *monitor.Coordinator the driver uses.
type Coordinator interface {
	BeginCycle(ctx context.Context) (monitor.Cycle, error)
	ApplyEvent(ctx context.Context, ev model.FileEvent) (monitor.Outcome, error)
	EndCycle(ctx context.Context) (model.TaskRun, error)
	AbortCycle(ctx context.Context, reason string) (model.TaskRun, error)
	CurrentRun() (model.TaskRun, bool)
	LastRun() (model.TaskRun, bool)
	Policy() monitor.CompletionPolicy
}

// Watcher is the push source. *watch.Watcher satisfies it.
type Watcher interface {
	Watch(dir string) error
	Unwatch() error
	Events() <-chan model.FileEvent
	Errors() <-chan error
}

// Lister is the poll source.
type Lister func(dir string) ([]model.FileEvent, error)

// Status is a point-in-time view of the driver for GET /task-status.
type Status struct {
	Running    bool
	Interval   time.Duration
	LastTick   time.Time
	CurrentRun *model.TaskRun
	LastRun    *model.TaskRun
}

// State returns "running" or "stopped".
func (s Status) State() string {
	if s.Running {
		return "running"
	}
	return "stopped"
}

// Driver schedules monitoring cycles.
type Driver struct {
	coord    Coordinator
	watcher  Watcher
	list     Lister
	logger   *slog.Logger
	fallback time.Duration
	pollBuf  int

	mu         sync.Mutex
	running    bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	interval   time.Duration
	lastTick   time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithFallbackInterval sets the tick interval used while unconfigured.
func WithFallbackInterval(d time.Duration) Option {
	return func(dr *Driver) {
		if d > 0 {
			dr.fallback = d
		}
	}
}

// WithLister replaces watch.ListDirectory as the poll source.
func WithLister(l Lister) Option {
	return func(dr *Driver) { dr.list = l }
}

// WithPollBuffer sets the capacity of the poll event channel.
func WithPollBuffer(n int) Option {
	return func(dr *Driver) {
		if n > 0 {
			dr.pollBuf = n
		}
	}
}

// New creates a stopped Driver.
func New(coord Coordinator, watcher Watcher, logger *slog.Logger, opts ...Option) *Driver {
	d := &Driver{
		coord:    coord,
		watcher:  watcher,
		list:     watch.ListDirectory,
		logger:   logger,
		fallback: DefaultFallbackInterval,
		pollBuf:  watch.DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the tick loop and the event consumer. The first cycle
// begins immediately. The loops outlive ctx's cancellation; only Stop ends
// them.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.logger.Info("scheduler: start requested while running")
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pollCh := make(chan model.FileEvent, d.pollBuf)
	events := watch.Merge(loopCtx, d.watcher.Events(), pollCh)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.tickLoop(loopCtx, pollCh)
	}()
	go func() {
		defer wg.Done()
		d.consume(loopCtx, events)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	d.running = true
	d.cancelLoop = cancel
	d.done = done
	d.logger.Info("scheduler: started", "policy", d.coord.Policy())
	return nil
}

// Stop cancels the loops, waits for them to exit (bounded by ctx), stops the
// push watch and ends the in-flight run so none is left dangling. If ctx
// expires first, a cycle still starting is ended once the loops exit.
func (d *Driver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		d.logger.Info("scheduler: stop requested while stopped")
		return ErrNotRunning
	}
	d.running = false
	cancel, done := d.cancelLoop, d.done
	d.cancelLoop, d.done = nil, nil
	d.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("scheduler: stop timed out waiting for loops")
		go d.settle(done)
	}

	if err := d.watcher.Unwatch(); err != nil {
		d.logger.Warn("scheduler: unwatch failed", "error", err)
	}

	if _, err := d.coord.EndCycle(ctx); !ended(err) {
		d.logger.Error("scheduler: end task run on stop failed", "error", err)
		return err
	}
	d.logger.Info("scheduler: stopped")
	return nil
}

// settle finishes a Stop that timed out: once the loops exit, a cycle the
// tick loop began in the meantime is ended. A driver restarted in between
// owns that cycle and is left alone.
func (d *Driver) settle(done <-chan struct{}) {
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	if err := d.watcher.Unwatch(); err != nil {
		d.logger.Warn("scheduler: unwatch failed", "error", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	run, err := d.coord.EndCycle(ctx)
	switch {
	case !ended(err):
		d.logger.Error("scheduler: end late task run failed", "error", err)
	case err == nil:
		d.logger.Info("scheduler: ended task run begun during stop", "run_id", run.ID)
	}
}

// ended reports whether an EndCycle result leaves no run in progress.
func ended(err error) bool {
	return err == nil || errors.Is(err, monitor.ErrNoActiveRun) || errors.Is(err, monitor.ErrRunDeleted)
}

// Running reports whether the driver is started.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Status returns the driver's state and the coordinator's runs.
func (d *Driver) Status() Status {
	d.mu.Lock()
	st := Status{
		Running:  d.running,
		Interval: d.interval,
		LastTick: d.lastTick,
	}
	d.mu.Unlock()

	if run, ok := d.coord.CurrentRun(); ok {
		st.CurrentRun = &run
	}
	if run, ok := d.coord.LastRun(); ok {
		st.LastRun = &run
	}
	return st
}

func (d *Driver) tickLoop(ctx context.Context, pollCh chan<- model.FileEvent) {
	for {
		next := d.tick(ctx, pollCh)

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// tick runs one scheduling step and returns the delay until the next one.
func (d *Driver) tick(ctx context.Context, pollCh chan<- model.FileEvent) time.Duration {
	d.mu.Lock()
	d.lastTick = time.Now().UTC()
	next := d.interval
	d.mu.Unlock()
	if next <= 0 {
		next = d.fallback
	}

	if d.coord.Policy() == monitor.CompleteOnInterval {
		if _, err := d.coord.EndCycle(ctx); !ended(err) {
			d.logger.Error("scheduler: end task run failed", "error", err)
			return next
		}
	}

	cycle, err := d.coord.BeginCycle(ctx)
	switch {
	case errors.Is(err, monitor.ErrConfigMissing):
		d.setInterval(0)
		return d.fallback
	case errors.Is(err, monitor.ErrRunInProgress):
		return next
	case err != nil:
		d.logger.Error("scheduler: begin task run failed", "error", err)
		return next
	}

	interval := cycle.Config.IntervalDuration()
	d.setInterval(interval)
	dir := cycle.Config.DirectoryPath

	if err := d.watcher.Watch(dir); err != nil {
		d.abort(ctx, "watch directory: "+err.Error())
		return interval
	}

	events, err := d.list(dir)
	if err != nil {
		d.abort(ctx, "list directory: "+err.Error())
		return interval
	}
	d.logger.Debug("scheduler: directory polled", "run_id", cycle.Run.ID, "files", len(events))
	for _, ev := range events {
		select {
		case pollCh <- ev:
		case <-ctx.Done():
			return interval
		}
	}
	return interval
}

func (d *Driver) abort(ctx context.Context, reason string) {
	if _, err := d.coord.AbortCycle(ctx, reason); !ended(err) {
		d.logger.Error("scheduler: abort task run failed", "reason", reason, "error", err)
	}
}

func (d *Driver) setInterval(v time.Duration) {
	d.mu.Lock()
	d.interval = v
	d.mu.Unlock()
}

// consume is the single writer of file events into the coordinator.
func (d *Driver) consume(ctx context.Context, events <-chan model.FileEvent) {
	errs := d.watcher.Errors()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := d.coord.ApplyEvent(ctx, ev); err != nil && !errors.Is(err, monitor.ErrRunDeleted) {
				d.logger.Error("scheduler: apply event failed", "path", ev.Path, "kind", ev.Kind, "error", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.logger.Warn("scheduler: watcher error", "error", err)
		}
	}
}
