package scheduler_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/monitor"
	"github.com/ashita-ai/dirwatcher/internal/scheduler"
	"github.com/ashita-ai/dirwatcher/internal/storage/sqlite"
	"github.com/ashita-ai/dirwatcher/internal/watch"
	"github.com/ashita-ai/dirwatcher/migrations"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type harness struct {
	db     *sqlite.DB
	coord  *monitor.Coordinator
	driver *scheduler.Driver
}

func newHarness(t *testing.T, cfg *model.WatchConfig, opts ...monitor.Option) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, opts, nil)
}

func newHarnessWith(t *testing.T, cfg *model.WatchConfig, mopts []monitor.Option, dopts []scheduler.Option) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.RunMigrations(ctx, migrations.SQLite))
	if cfg != nil {
		_, err := db.PutWatchConfig(ctx, *cfg)
		require.NoError(t, err)
	}

	w, err := watch.NewWatcher(testLogger(), 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	coord := monitor.New(db, db, testLogger(), mopts...)
	dopts = append([]scheduler.Option{scheduler.WithFallbackInterval(time.Second)}, dopts...)
	d := scheduler.New(coord, w, testLogger(), dopts...)
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return &harness{db: db, coord: coord, driver: d}
}

func TestStartStopIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.driver.Start(ctx))
	assert.ErrorIs(t, h.driver.Start(ctx), scheduler.ErrAlreadyRunning)
	assert.True(t, h.driver.Running())
	assert.Equal(t, "running", h.driver.Status().State())

	require.NoError(t, h.driver.Stop(ctx))
	assert.ErrorIs(t, h.driver.Stop(ctx), scheduler.ErrNotRunning)
	assert.False(t, h.driver.Running())
	assert.Equal(t, "stopped", h.driver.Status().State())
}

func TestStartWithoutConfigWaits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.driver.Start(ctx))
	require.Eventually(t, func() bool {
		return !h.driver.Status().LastTick.IsZero()
	}, 5*time.Second, 20*time.Millisecond)

	st := h.driver.Status()
	assert.True(t, st.Running)
	assert.Nil(t, st.CurrentRun)
	require.NoError(t, h.driver.Stop(ctx))

	_, total, err := h.db.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCycleRecordsExistingFilesAndStopEndsRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("TODO and TODO"), 0o600))
	h := newHarness(t, &model.WatchConfig{DirectoryPath: dir, Interval: 60_000, MagicString: "TODO"})
	ctx := context.Background()

	require.NoError(t, h.driver.Start(ctx))
	require.Eventually(t, func() bool {
		run, ok := h.coord.CurrentRun()
		return ok && slices.Contains(run.FilesAdded, "a.txt")
	}, 5*time.Second, 20*time.Millisecond)

	st := h.driver.Status()
	require.NotNil(t, st.CurrentRun)
	assert.Equal(t, time.Minute, st.Interval)

	// A file created during the run arrives through the push source.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("TODO"), 0o600))
	require.Eventually(t, func() bool {
		run, ok := h.coord.CurrentRun()
		return ok && slices.Contains(run.FilesAdded, "b.txt")
	}, 5*time.Second, 20*time.Millisecond)
	// Let any further push events for b.txt arrive before stopping.
	time.Sleep(3 * watch.DefaultDebounce)

	require.NoError(t, h.driver.Stop(ctx))
	_, ok := h.coord.CurrentRun()
	assert.False(t, ok)

	last, ok := h.coord.LastRun()
	require.True(t, ok)
	assert.Equal(t, model.TaskRunCompleted, last.Status)
	assert.Equal(t, int64(3), last.MagicStringOccurrences)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, last.FilesAdded)

	stored, err := h.db.GetRun(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunCompleted, stored.Status)
	assert.Equal(t, last.FilesAdded, stored.FilesAdded)
	require.NotNil(t, stored.Runtime)
	assert.Equal(t, stored.EndTime.Sub(stored.StartTime).Milliseconds(), *stored.Runtime)
}

func TestFileCreatedDuringRunCountedOnce(t *testing.T) {
	dir := t.TempDir()
	polled := make(chan struct{}, 1)
	lister := func(dir string) ([]model.FileEvent, error) {
		events, err := watch.ListDirectory(dir)
		select {
		case polled <- struct{}{}:
		default:
		}
		return events, err
	}
	h := newHarnessWith(t, &model.WatchConfig{DirectoryPath: dir, Interval: 60_000, MagicString: "TODO"},
		nil, []scheduler.Option{scheduler.WithLister(lister)})
	ctx := context.Background()

	require.NoError(t, h.driver.Start(ctx))
	select {
	case <-polled:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never polled the directory")
	}

	// One write raises Create and Write; the run must scan the file once.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("TODO TODO"), 0o600))
	require.Eventually(t, func() bool {
		run, ok := h.coord.CurrentRun()
		return ok && slices.Contains(run.FilesAdded, "a.txt")
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(5 * watch.DefaultDebounce)

	require.NoError(t, h.driver.Stop(ctx))
	last, ok := h.coord.LastRun()
	require.True(t, ok)
	assert.Equal(t, []string{"a.txt"}, last.FilesAdded)
	assert.Equal(t, int64(2), last.MagicStringOccurrences)

	stored, err := h.db.GetRun(ctx, last.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.MagicStringOccurrences)
	assert.Equal(t, model.TaskRunCompleted, stored.Status)
}

func TestDeletedRunDoesNotBlockNextCycle(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, &model.WatchConfig{DirectoryPath: dir, Interval: 1000, MagicString: "TODO"})
	ctx := context.Background()

	require.NoError(t, h.driver.Start(ctx))
	var first model.TaskRun
	require.Eventually(t, func() bool {
		run, ok := h.coord.CurrentRun()
		first = run
		return ok
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, h.db.DeleteRun(ctx, first.ID))

	require.Eventually(t, func() bool {
		run, ok := h.coord.CurrentRun()
		return ok && run.ID != first.ID
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, h.driver.Stop(ctx))
}

func TestIntervalRollsOverRuns(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, &model.WatchConfig{DirectoryPath: dir, Interval: 1000, MagicString: "TODO"})
	ctx := context.Background()

	require.NoError(t, h.driver.Start(ctx))
	require.Eventually(t, func() bool {
		_, ok := h.coord.LastRun()
		return ok
	}, 5*time.Second, 50*time.Millisecond)
	require.NoError(t, h.driver.Stop(ctx))

	runs, total, err := h.db.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 2)
	for _, r := range runs {
		assert.Equal(t, model.TaskRunCompleted, r.Status, "no run may be left in progress")
	}
}

func TestMissingDirectoryFailsCycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	h := newHarness(t, &model.WatchConfig{DirectoryPath: dir, Interval: 60_000, MagicString: "TODO"})
	ctx := context.Background()

	require.NoError(t, h.driver.Start(ctx))
	require.Eventually(t, func() bool {
		last, ok := h.coord.LastRun()
		return ok && last.Status == model.TaskRunFailed
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, h.driver.Stop(ctx))
}

func TestFirstEventPolicyEndsOnFirstFile(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, &model.WatchConfig{DirectoryPath: dir, Interval: 60_000, MagicString: "TODO"},
		monitor.WithCompletionPolicy(monitor.CompleteOnFirstEvent))
	ctx := context.Background()

	require.NoError(t, h.driver.Start(ctx))
	require.Eventually(t, func() bool {
		_, ok := h.coord.CurrentRun()
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	// Write under a hidden name and rename so the single create event sees
	// the full content.
	tmp := filepath.Join(dir, ".first.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("TODO"), 0o600))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "first.txt")))
	require.Eventually(t, func() bool {
		last, ok := h.coord.LastRun()
		return ok && last.Status == model.TaskRunCompleted
	}, 5*time.Second, 20*time.Millisecond)

	last, _ := h.coord.LastRun()
	assert.Equal(t, []string{"first.txt"}, last.FilesAdded)
	assert.Equal(t, int64(1), last.MagicStringOccurrences)
	require.NoError(t, h.driver.Stop(ctx))
}

// slowBeginCoordinator holds BeginCycle until released, so a Stop can time
// out while a cycle is still starting.
type slowBeginCoordinator struct {
	dir     string
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	active *model.TaskRun
	ended  int
}

func (c *slowBeginCoordinator) BeginCycle(context.Context) (monitor.Cycle, error) {
	c.mu.Lock()
	busy := c.active != nil
	c.mu.Unlock()
	if busy {
		return monitor.Cycle{}, monitor.ErrRunInProgress
	}
	select {
	case c.entered <- struct{}{}:
	default:
	}
	<-c.release

	run := model.TaskRun{ID: uuid.New(), StartTime: time.Now().UTC(), Status: model.TaskRunInProgress}
	c.mu.Lock()
	c.active = &run
	c.mu.Unlock()
	return monitor.Cycle{
		Run:    run,
		Config: model.WatchConfig{DirectoryPath: c.dir, Interval: 60_000, MagicString: "TODO"},
	}, nil
}

func (c *slowBeginCoordinator) ApplyEvent(context.Context, model.FileEvent) (monitor.Outcome, error) {
	return monitor.OutcomeIgnored, nil
}

func (c *slowBeginCoordinator) EndCycle(context.Context) (model.TaskRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return model.TaskRun{}, monitor.ErrNoActiveRun
	}
	run := *c.active
	c.active = nil
	c.ended++
	return run, nil
}

func (c *slowBeginCoordinator) AbortCycle(ctx context.Context, _ string) (model.TaskRun, error) {
	return c.EndCycle(ctx)
}

func (c *slowBeginCoordinator) CurrentRun() (model.TaskRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return model.TaskRun{}, false
	}
	return *c.active, true
}

func (c *slowBeginCoordinator) LastRun() (model.TaskRun, bool) { return model.TaskRun{}, false }

func (c *slowBeginCoordinator) Policy() monitor.CompletionPolicy { return monitor.CompleteOnInterval }

func (c *slowBeginCoordinator) endedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

func TestStopTimeoutEndsLateCycle(t *testing.T) {
	coord := &slowBeginCoordinator{
		dir:     t.TempDir(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	w, err := watch.NewWatcher(testLogger(), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	d := scheduler.New(coord, w, testLogger())

	require.NoError(t, d.Start(context.Background()))
	select {
	case <-coord.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("tick never reached BeginCycle")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Stop(ctx), "no run existed when Stop gave up waiting")

	close(coord.release)
	require.Eventually(t, func() bool {
		_, active := coord.CurrentRun()
		return !active && coord.endedCount() == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, w.Dir(), "the late cycle's watch is removed")
}
