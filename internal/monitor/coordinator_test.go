package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var errInjected = errors.New("injected store failure")

// memStore is an in-memory Store and ConfigSource with failure injection.
type memStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]model.TaskRun
	cfg  *model.WatchConfig

	failCreate    int
	failAppend    int
	failIncrement int
	failFinalize  int

	finalizeCalls atomic.Int64
	finalized     atomic.Int64
}

func newMemStore(cfg *model.WatchConfig) *memStore {
	return &memStore{runs: make(map[uuid.UUID]model.TaskRun), cfg: cfg}
}

func (s *memStore) GetWatchConfig(_ context.Context) (model.WatchConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return model.WatchConfig{}, storage.ErrNotConfigured
	}
	return *s.cfg, nil
}

func (s *memStore) CreateRun(_ context.Context, run model.TaskRun) (model.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate > 0 {
		s.failCreate--
		return model.TaskRun{}, errInjected
	}
	run.ID = uuid.New()
	s.runs[run.ID] = run.Clone()
	return run, nil
}

func (s *memStore) AppendFiles(_ context.Context, id uuid.UUID, added, deleted []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend > 0 {
		s.failAppend--
		return errInjected
	}
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	run.FilesAdded = append(run.FilesAdded, added...)
	run.FilesDeleted = append(run.FilesDeleted, deleted...)
	s.runs[id] = run
	return nil
}

func (s *memStore) IncrementOccurrences(_ context.Context, id uuid.UUID, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIncrement > 0 {
		s.failIncrement--
		return errInjected
	}
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	run.MagicStringOccurrences += delta
	s.runs[id] = run
	return nil
}

func (s *memStore) GetRun(_ context.Context, id uuid.UUID) (model.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return model.TaskRun{}, storage.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *memStore) FinalizeRun(_ context.Context, id uuid.UUID, c model.RunCompletion) error {
	s.finalizeCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinalize > 0 {
		s.failFinalize--
		return errInjected
	}
	run, ok := s.runs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	s.finalized.Add(1)
	run.EndTime = &c.EndTime
	run.Runtime = &c.Runtime
	run.Status = c.Status
	s.runs[id] = run
	return nil
}

func (s *memStore) get(t *testing.T, id uuid.UUID) model.TaskRun {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	require.True(t, ok, "run %s not in store", id)
	return run.Clone()
}

// remove deletes a run the way DELETE /task-runs/{id} would.
func (s *memStore) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
}

// put overwrites a stored run the way PUT /task-runs/{id} would.
func (s *memStore) put(run model.TaskRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// gateScanner blocks every Scan until release is closed.
type gateScanner struct {
	entered chan struct{}
	release chan struct{}
	count   int64
}

func (g *gateScanner) Scan(_, _ string) (int64, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.count, nil
}

func testConfig(dir string) *model.WatchConfig {
	return &model.WatchConfig{DirectoryPath: dir, Interval: 1000, MagicString: "TODO"}
}

func writeFile(t *testing.T, dir, name, content string) model.FileEvent {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return model.FileEvent{Kind: model.FileAdded, Path: p, Name: name, Source: model.SourcePush}
}

func removed(dir, name string) model.FileEvent {
	return model.FileEvent{Kind: model.FileRemoved, Path: filepath.Join(dir, name), Name: name, Source: model.SourcePush}
}

func TestBeginCycleRejectsSecondRun(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger())
	ctx := context.Background()

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunInProgress, cycle.Run.Status)
	assert.Equal(t, dir, cycle.Config.DirectoryPath)
	assert.NotEqual(t, uuid.Nil, cycle.Run.ID)

	_, err = c.BeginCycle(ctx)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, 1, st.count())

	cur, ok := c.CurrentRun()
	require.True(t, ok)
	assert.Equal(t, cycle.Run.ID, cur.ID)
	assert.Equal(t, cycle.Run.StartTime, cur.StartTime)
}

func TestBeginCycleWithoutConfig(t *testing.T) {
	st := newMemStore(nil)
	c := New(st, st, testLogger())

	_, err := c.BeginCycle(context.Background())
	assert.ErrorIs(t, err, ErrConfigMissing)
	assert.Equal(t, 0, st.count())

	_, ok := c.CurrentRun()
	assert.False(t, ok)

	// The coordinator is back to idle and can start once configured.
	st.mu.Lock()
	st.cfg = testConfig(t.TempDir())
	st.mu.Unlock()
	_, err = c.BeginCycle(context.Background())
	assert.NoError(t, err)
}

func TestBeginCycleRejectsInvalidConfig(t *testing.T) {
	st := newMemStore(&model.WatchConfig{DirectoryPath: t.TempDir(), Interval: 10, MagicString: "TODO"})
	c := New(st, st, testLogger())

	_, err := c.BeginCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")
	assert.Equal(t, 0, st.count())
}

func TestBeginCycleStoreFailureRollsBack(t *testing.T) {
	st := newMemStore(testConfig(t.TempDir()))
	st.failCreate = 1
	c := New(st, st, testLogger())
	ctx := context.Background()

	_, err := c.BeginCycle(ctx)
	require.ErrorIs(t, err, errInjected)
	_, ok := c.CurrentRun()
	assert.False(t, ok)

	_, err = c.BeginCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.count())
}

func TestApplyEventCountsOccurrences(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger())
	ctx := context.Background()

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	ev := writeFile(t, dir, "a.txt", "TODO x TODO")
	outcome, err := c.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	final, err := c.EndCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, final.FilesAdded)
	assert.Empty(t, final.FilesDeleted)
	assert.Equal(t, int64(2), final.MagicStringOccurrences)
	assert.Equal(t, model.TaskRunCompleted, final.Status)

	stored := st.get(t, cycle.Run.ID)
	assert.Equal(t, final.FilesAdded, stored.FilesAdded)
	assert.Equal(t, final.MagicStringOccurrences, stored.MagicStringOccurrences)
	assert.Equal(t, model.TaskRunCompleted, stored.Status)
}

func TestApplyEventDeduplicatesPaths(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger())
	ctx := context.Background()

	names := []string{"a.txt", "b.txt", "c.txt", "d.txt"}
	for _, n := range names {
		writeFile(t, dir, n, "nothing here")
	}

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	wantAdded := map[string]bool{}
	wantDeleted := map[string]bool{}
	for range 200 {
		n := names[rng.IntN(len(names))]
		if rng.IntN(3) == 0 {
			_, err := c.ApplyEvent(ctx, removed(dir, n))
			require.NoError(t, err)
			wantDeleted[n] = true
			continue
		}
		kind := model.FileAdded
		if rng.IntN(2) == 0 {
			kind = model.FileChanged
		}
		_, err := c.ApplyEvent(ctx, model.FileEvent{Kind: kind, Path: filepath.Join(dir, n), Name: n})
		require.NoError(t, err)
		wantAdded[n] = true
	}

	cur, ok := c.CurrentRun()
	require.True(t, ok)
	assert.Len(t, cur.FilesAdded, len(wantAdded))
	assert.Len(t, cur.FilesDeleted, len(wantDeleted))
	for _, n := range cur.FilesAdded {
		assert.True(t, wantAdded[n])
	}
	for _, n := range cur.FilesDeleted {
		assert.True(t, wantDeleted[n])
	}

	stored := st.get(t, cycle.Run.ID)
	assert.Equal(t, cur.FilesAdded, stored.FilesAdded)
	assert.Equal(t, cur.FilesDeleted, stored.FilesDeleted)
}

func TestRescanAccumulatesOccurrencesOnly(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger())
	ctx := context.Background()

	_, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	ev := writeFile(t, dir, "a.txt", "TODO")
	_, err = c.ApplyEvent(ctx, ev)
	require.NoError(t, err)

	ev.Kind = model.FileChanged
	ev.Source = model.SourcePoll
	outcome, err := c.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	cur, _ := c.CurrentRun()
	assert.Equal(t, []string{"a.txt"}, cur.FilesAdded)
	assert.Equal(t, int64(2), cur.MagicStringOccurrences)

	empty := writeFile(t, dir, "b.txt", "")
	_, err = c.ApplyEvent(ctx, empty)
	require.NoError(t, err)
	outcome, err = c.ApplyEvent(ctx, empty)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestApplyEventScanFailureSkipsFile(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger())
	ctx := context.Background()

	_, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	ok := writeFile(t, dir, "a.txt", "TODO")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), []byte{'T', 0, 'O'}, 0o600))

	_, err = c.ApplyEvent(ctx, ok)
	require.NoError(t, err)

	outcome, err := c.ApplyEvent(ctx, model.FileEvent{Kind: model.FileAdded, Path: filepath.Join(dir, "b.bin"), Name: "b.bin"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeScanFailed, outcome)

	outcome, err = c.ApplyEvent(ctx, model.FileEvent{Kind: model.FileChanged, Path: filepath.Join(dir, "gone.txt"), Name: "gone.txt"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeScanFailed, outcome)

	final, err := c.EndCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, final.FilesAdded)
	assert.Equal(t, int64(1), final.MagicStringOccurrences)
}

func TestApplyEventStoreFailureKeepsMemoryInSync(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger())
	ctx := context.Background()

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	ev := writeFile(t, dir, "a.txt", "TODO")
	st.failAppend = 1
	_, err = c.ApplyEvent(ctx, ev)
	require.ErrorIs(t, err, errInjected)

	cur, _ := c.CurrentRun()
	assert.Empty(t, cur.FilesAdded)
	assert.Zero(t, cur.MagicStringOccurrences)

	// The retry records the path because memory never claimed it.
	_, err = c.ApplyEvent(ctx, ev)
	require.NoError(t, err)

	st.failAppend = 1
	_, err = c.ApplyEvent(ctx, removed(dir, "z.txt"))
	require.ErrorIs(t, err, errInjected)

	cur, _ = c.CurrentRun()
	stored := st.get(t, cycle.Run.ID)
	assert.Equal(t, stored.FilesAdded, cur.FilesAdded)
	assert.Equal(t, stored.FilesDeleted, cur.FilesDeleted)
	assert.Equal(t, stored.MagicStringOccurrences, cur.MagicStringOccurrences)
}

func TestEventsIgnoredWithoutRun(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger())
	ctx := context.Background()

	ev := writeFile(t, dir, "a.txt", "TODO")
	outcome, err := c.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	_, err = c.BeginCycle(ctx)
	require.NoError(t, err)
	final, err := c.EndCycle(ctx)
	require.NoError(t, err)

	outcome, err = c.ApplyEvent(ctx, removed(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	stored := st.get(t, final.ID)
	assert.Empty(t, stored.FilesDeleted)
	assert.Empty(t, stored.FilesAdded)
}

func TestEndCycleExactlyOnce(t *testing.T) {
	st := newMemStore(testConfig(t.TempDir()))
	c := New(st, st, testLogger())
	ctx := context.Background()

	_, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	const callers = 50
	var (
		wg      sync.WaitGroup
		wins    atomic.Int64
		rejects atomic.Int64
		start   = make(chan struct{})
	)
	wg.Add(callers)
	for range callers {
		go func() {
			defer wg.Done()
			<-start
			_, err := c.EndCycle(ctx)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrNoActiveRun):
				rejects.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(callers-1), rejects.Load())
	assert.Equal(t, int64(1), st.finalizeCalls.Load())

	last, ok := c.LastRun()
	require.True(t, ok)
	assert.Equal(t, model.TaskRunCompleted, last.Status)
}

func TestEndCycleRuntimeMatchesTimestamps(t *testing.T) {
	st := newMemStore(testConfig(t.TempDir()))
	base := time.Date(2026, 3, 1, 12, 0, 0, 123_456_789, time.UTC)
	var calls atomic.Int64
	clock := func() time.Time {
		n := calls.Add(1)
		return base.Add(time.Duration(n) * 1500 * time.Microsecond)
	}
	c := New(st, st, testLogger(), WithClock(clock))
	ctx := context.Background()

	_, err := c.BeginCycle(ctx)
	require.NoError(t, err)
	final, err := c.EndCycle(ctx)
	require.NoError(t, err)

	require.NotNil(t, final.EndTime)
	require.NotNil(t, final.Runtime)
	assert.Equal(t, final.EndTime.Sub(final.StartTime).Milliseconds(), *final.Runtime)
	assert.Zero(t, final.StartTime.Nanosecond()%int(time.Millisecond))
	assert.False(t, final.EndTime.Before(final.StartTime))
}

func TestEndCycleStoreFailureRetries(t *testing.T) {
	st := newMemStore(testConfig(t.TempDir()))
	st.failFinalize = 1
	c := New(st, st, testLogger())
	ctx := context.Background()

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	_, err = c.EndCycle(ctx)
	require.ErrorIs(t, err, errInjected)
	cur, ok := c.CurrentRun()
	require.True(t, ok)
	assert.Equal(t, cycle.Run.ID, cur.ID)
	assert.Equal(t, model.TaskRunInProgress, cur.Status)

	final, err := c.EndCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, cycle.Run.ID, final.ID)
	assert.Equal(t, int64(1), st.finalized.Load())

	_, err = c.EndCycle(ctx)
	assert.ErrorIs(t, err, ErrNoActiveRun)
}

func TestEndCycleDiscardsDeletedRun(t *testing.T) {
	st := newMemStore(testConfig(t.TempDir()))
	c := New(st, st, testLogger())
	ctx := context.Background()

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)
	st.remove(cycle.Run.ID)

	_, err = c.EndCycle(ctx)
	require.ErrorIs(t, err, ErrRunDeleted)
	_, ok := c.CurrentRun()
	assert.False(t, ok)
	_, ok = c.LastRun()
	assert.False(t, ok, "a deleted run is not reported as the last run")

	_, err = c.EndCycle(ctx)
	assert.ErrorIs(t, err, ErrNoActiveRun)

	next, err := c.BeginCycle(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, cycle.Run.ID, next.Run.ID)
}

func TestApplyEventDiscardsDeletedRun(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger())
	ctx := context.Background()

	t.Run("added file", func(t *testing.T) {
		cycle, err := c.BeginCycle(ctx)
		require.NoError(t, err)
		st.remove(cycle.Run.ID)

		out, err := c.ApplyEvent(ctx, writeFile(t, dir, "a.txt", "TODO"))
		require.ErrorIs(t, err, ErrRunDeleted)
		assert.Equal(t, OutcomeIgnored, out)
		_, ok := c.CurrentRun()
		assert.False(t, ok)
	})

	t.Run("removed file", func(t *testing.T) {
		cycle, err := c.BeginCycle(ctx)
		require.NoError(t, err)
		st.remove(cycle.Run.ID)

		_, err = c.ApplyEvent(ctx, removed(dir, "gone.txt"))
		require.ErrorIs(t, err, ErrRunDeleted)
		_, ok := c.CurrentRun()
		assert.False(t, ok)
	})

	_, err := c.BeginCycle(ctx)
	assert.NoError(t, err)
}

func TestEndCycleAdoptsExternallyFinalizedRun(t *testing.T) {
	st := newMemStore(testConfig(t.TempDir()))
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := start
	c := New(st, st, testLogger(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	// An operator closes the run through the API before the cycle ends.
	stored := st.get(t, cycle.Run.ID)
	adminEnd := start.Add(2 * time.Second)
	adminRuntime := int64(2000)
	stored.Status = model.TaskRunSuccess
	stored.EndTime = &adminEnd
	stored.Runtime = &adminRuntime
	st.put(stored)

	now = start.Add(5 * time.Second)
	final, err := c.EndCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunSuccess, final.Status)
	require.NotNil(t, final.EndTime)
	assert.True(t, adminEnd.Equal(*final.EndTime))
	assert.Equal(t, adminRuntime, *final.Runtime)

	last, ok := c.LastRun()
	require.True(t, ok)
	assert.Equal(t, final, last)
	assert.Zero(t, st.finalized.Load())
}

func TestAbortCycleMarksFailed(t *testing.T) {
	st := newMemStore(testConfig(t.TempDir()))
	c := New(st, st, testLogger())
	ctx := context.Background()

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)
	final, err := c.AbortCycle(ctx, "directory missing")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRunFailed, final.Status)
	assert.Equal(t, model.TaskRunFailed, st.get(t, cycle.Run.ID).Status)

	_, err = c.AbortCycle(ctx, "again")
	assert.ErrorIs(t, err, ErrNoActiveRun)
}

func TestScanRunsWithoutLock(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	gate := &gateScanner{entered: make(chan struct{}), release: make(chan struct{}), count: 3}
	c := New(st, st, testLogger(), WithScanner(gate))
	ctx := context.Background()

	_, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := c.ApplyEvent(ctx, model.FileEvent{Kind: model.FileAdded, Path: filepath.Join(dir, "slow.txt"), Name: "slow.txt"})
		assert.NoError(t, err)
		done <- outcome
	}()
	<-gate.entered

	// Both calls need the lock; they would deadlock if the scan held it.
	_, ok := c.CurrentRun()
	assert.True(t, ok)
	final, err := c.EndCycle(ctx)
	require.NoError(t, err)

	close(gate.release)
	assert.Equal(t, OutcomeIgnored, <-done)
	assert.Empty(t, st.get(t, final.ID).FilesAdded)
}

func TestFirstEventPolicyEndsRun(t *testing.T) {
	dir := t.TempDir()
	st := newMemStore(testConfig(dir))
	c := New(st, st, testLogger(), WithCompletionPolicy(CompleteOnFirstEvent))
	ctx := context.Background()

	cycle, err := c.BeginCycle(ctx)
	require.NoError(t, err)

	ev := writeFile(t, dir, "a.txt", "TODO TODO")
	outcome, err := c.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, outcome)

	_, ok := c.CurrentRun()
	assert.False(t, ok)
	stored := st.get(t, cycle.Run.ID)
	assert.Equal(t, model.TaskRunCompleted, stored.Status)
	assert.Equal(t, []string{"a.txt"}, stored.FilesAdded)
	assert.Equal(t, int64(2), stored.MagicStringOccurrences)
}

func TestFirstEventRacesShutdown(t *testing.T) {
	dir := t.TempDir()
	for i := range 20 {
		st := newMemStore(testConfig(dir))
		c := New(st, st, testLogger(), WithCompletionPolicy(CompleteOnFirstEvent))
		ctx := context.Background()

		_, err := c.BeginCycle(ctx)
		require.NoError(t, err)
		ev := writeFile(t, dir, fmt.Sprintf("f%d.txt", i), "TODO")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := c.ApplyEvent(ctx, ev)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := c.EndCycle(ctx)
			if err != nil {
				assert.ErrorIs(t, err, ErrNoActiveRun)
			}
		}()
		wg.Wait()

		assert.Equal(t, int64(1), st.finalized.Load(), "iteration %d", i)
		_, ok := c.CurrentRun()
		assert.False(t, ok)
	}
}

func TestParseCompletionPolicy(t *testing.T) {
	p, err := ParseCompletionPolicy("")
	require.NoError(t, err)
	assert.Equal(t, CompleteOnInterval, p)

	p, err = ParseCompletionPolicy("first-event")
	require.NoError(t, err)
	assert.Equal(t, CompleteOnFirstEvent, p)

	_, err = ParseCompletionPolicy("never")
	assert.Error(t, err)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ignored", OutcomeIgnored.String())
	assert.Equal(t, "recorded", OutcomeRecorded.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
	assert.Equal(t, "scan_failed", OutcomeScanFailed.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
