package loop

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/ledger/repository"
	"github.com/agentboard/agentboard/internal/orchestrator/child"
	"github.com/agentboard/agentboard/internal/orchestrator/gitclean"
	v1 "github.com/agentboard/agentboard/pkg/api/v1"
)

func createTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// fakeChildren is an in-memory stand-in for the child manager
type fakeChildren struct {
	mu         sync.Mutex
	spawned    []child.SpawnParams
	spawnErr   error
	spawnDelay time.Duration
	live       map[string]*v1.ChildInfo
	reapQueue  []child.ReapedChild
	stale      []*v1.ChildInfo
	killed     []string
	nextPID    int
}

func newFakeChildren() *fakeChildren {
	return &fakeChildren{live: make(map[string]*v1.ChildInfo), nextPID: 1000}
}

func (f *fakeChildren) Spawn(params child.SpawnParams) (*v1.ChildInfo, error) {
	f.mu.Lock()
	delay := f.spawnDelay
	f.mu.Unlock()
	if delay > 0 {
		// Simulates fork/exec latency without holding the fake's lock, so
		// concurrent callers race on the manager state like they would on
		// the real one.
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawned = append(f.spawned, params)
	f.nextPID++
	info := &v1.ChildInfo{
		PID:        f.nextPID,
		TaskID:     params.TaskID,
		ProjectID:  params.ProjectID,
		Role:       params.Role,
		SessionKey: child.SessionKey(params.Role, params.TaskID),
		SpawnedAt:  time.Now(),
	}
	f.live[params.TaskID] = info
	return info, nil
}

func (f *fakeChildren) Active() []*v1.ChildInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*v1.ChildInfo, 0, len(f.live))
	for _, info := range f.live {
		out = append(out, info)
	}
	return out
}

func (f *fakeChildren) ActiveCount(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if projectID == "" {
		return len(f.live)
	}
	n := 0
	for _, info := range f.live {
		if info.ProjectID == projectID {
			n++
		}
	}
	return n
}

func (f *fakeChildren) Has(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[taskID]
	return ok
}

func (f *fakeChildren) Reap() []child.ReapedChild {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.reapQueue
	f.reapQueue = nil
	for _, r := range out {
		delete(f.live, r.TaskID)
	}
	return out
}

func (f *fakeChildren) Stale(threshold time.Duration) []*v1.ChildInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*v1.ChildInfo(nil), f.stale...)
}

func (f *fakeChildren) Kill(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, taskID)
	return nil
}

func (f *fakeChildren) KillAll() {}

// finish marks a child exited so the next Reap returns it. An exited
// child no longer counts as active, matching the real manager.
func (f *fakeChildren) finish(taskID string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, taskID)
	f.reapQueue = append(f.reapQueue, child.ReapedChild{
		TaskID:   taskID,
		ExitCode: exitCode,
		Duration: time.Second,
	})
}

func (f *fakeChildren) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeChildren) killedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

// fakeCleaner records cleanup invocations
type fakeCleaner struct {
	mu      sync.Mutex
	calls   [][]string
	block   chan struct{}
	summary *gitclean.Summary
}

func newFakeCleaner() *fakeCleaner {
	return &fakeCleaner{summary: &gitclean.Summary{}}
}

func (f *fakeCleaner) Run(ctx context.Context, activeTaskBranches []string) *gitclean.Summary {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), activeTaskBranches...))
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.summary
}

func (f *fakeCleaner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testTask(id, projectID string, priority int) *v1.Task {
	return &v1.Task{
		ID:        id,
		ProjectID: projectID,
		Title:     "task " + id,
		Role:      "dev",
		Message:   "do the thing",
		Branch:    "task/" + id,
		Priority:  priority,
		State:     v1.TaskStateReady,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func newTestController(t *testing.T, cfg Config, ledger repository.Repository, children ChildManager, cleaner Cleaner) *Controller {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour // tests drive cycles manually
	}
	if cfg.MaxAgents == 0 {
		cfg.MaxAgents = 10
	}
	return NewController(cfg, ledger, children, cleaner, nil, createTestLogger(t))
}

func TestDispatchSpawnsReadyTasksByPriority(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-low", "p1", 1)))
	require.NoError(t, ledger.CreateTask(ctx, testTask("t-high", "p1", 9)))

	c := newTestController(t, Config{}, ledger, children, nil)
	c.RunCycle(ctx)

	require.Equal(t, 2, children.spawnCount())
	assert.Equal(t, "t-high", children.spawned[0].TaskID)
	assert.Equal(t, "t-low", children.spawned[1].TaskID)
	assert.Equal(t, "dev", children.spawned[0].Role)
	assert.Equal(t, "do the thing", children.spawned[0].Message)

	task, err := ledger.GetTask(ctx, "t-high")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateInProgress, task.State)

	status := c.Status()
	assert.Equal(t, int64(2), status.TotalDispatched)
	assert.Equal(t, 2, status.ActiveChildren)

	entries, err := ledger.ListRunLog(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, v1.PhaseDispatch, entries[0].Phase)
	assert.Equal(t, "dispatch", entries[0].Action)
}

func TestDispatchRespectsPerProjectLimit(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-1", "p1", 5)))
	require.NoError(t, ledger.CreateTask(ctx, testTask("t-2", "p1", 5)))
	require.NoError(t, ledger.CreateTask(ctx, testTask("t-other", "p2", 5)))

	c := newTestController(t, Config{MaxAgents: 1}, ledger, children, nil)
	c.RunCycle(ctx)

	// One slot per project: t-1 and t-other run, t-2 stays queued.
	assert.Equal(t, 2, children.spawnCount())
	assert.True(t, children.Has("t-1"))
	assert.True(t, children.Has("t-other"))
	assert.Equal(t, 1, c.Status().QueuedTasks)

	// Once t-1 finishes, the freed slot goes to t-2.
	children.finish("t-1", 0)
	c.RunCycle(ctx)
	assert.True(t, children.Has("t-2"))
	assert.Equal(t, 0, c.Status().QueuedTasks)
}

func TestConcurrentCyclesKeepPerProjectLimit(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()
	children.spawnDelay = 50 * time.Millisecond

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-1", "p1", 5)))
	require.NoError(t, ledger.CreateTask(ctx, testTask("t-2", "p1", 5)))

	c := newTestController(t, Config{MaxAgents: 1}, ledger, children, nil)

	// A manual cycle from the API landing mid-dispatch of the ticker's
	// cycle must not let both pass the ceiling check before either child
	// registers.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RunCycle(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, children.spawnCount())
	assert.Equal(t, 1, children.ActiveCount("p1"))
	assert.Equal(t, 1, c.Status().QueuedTasks)
}

func TestDispatchHonorsProjectOverride(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()

	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.CreateTask(ctx, testTask(fmt.Sprintf("t-%d", i), "busy", 5)))
	}

	cfg := Config{MaxAgents: 1, ProjectMaxAgents: map[string]int{"busy": 2}}
	c := newTestController(t, cfg, ledger, children, nil)
	c.RunCycle(ctx)

	assert.Equal(t, 2, children.spawnCount())
	assert.Equal(t, 1, c.Status().QueuedTasks)
}

func TestDispatchSkipsTasksWithLiveChild(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-1", "p1", 5)))

	c := newTestController(t, Config{}, ledger, children, nil)
	c.RunCycle(ctx)
	require.Equal(t, 1, children.spawnCount())

	// Ledger still says READY (simulating a slow state write); the live
	// child must block a duplicate spawn.
	c.RunCycle(ctx)
	assert.Equal(t, 1, children.spawnCount())
}

func TestSpawnFailureRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()
	children.spawnErr = fmt.Errorf("binary not found")

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-1", "p1", 5)))

	c := newTestController(t, Config{RetryLimit: 2, RetryDelay: 0}, ledger, children, nil)

	c.RunCycle(ctx)
	task, err := ledger.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateReady, task.State)
	assert.Equal(t, 1, c.Status().QueuedTasks)

	c.RunCycle(ctx)
	task, err = ledger.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateFailed, task.State)
	assert.Equal(t, int64(1), c.Status().TotalFailed)
	assert.Equal(t, 0, c.Status().QueuedTasks)

	entries, err := ledger.ListRunLog(ctx, "p1", 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "dispatch_retry")
	assert.Contains(t, actions, "dispatch_failed")
}

func TestRetryBackoffDelaysRedispatch(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()
	children.spawnErr = fmt.Errorf("spawn exploded")

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-1", "p1", 5)))

	c := newTestController(t, Config{RetryLimit: 5, RetryDelay: time.Hour}, ledger, children, nil)
	c.RunCycle(ctx)

	// Spawn succeeds from now on, but the backoff window has not passed.
	children.mu.Lock()
	children.spawnErr = nil
	children.mu.Unlock()

	c.RunCycle(ctx)
	assert.Equal(t, 0, children.spawnCount())
	assert.Equal(t, 1, c.Status().QueuedTasks)
}

func TestMonitorRecordsExitStates(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-ok", "p1", 5)))
	require.NoError(t, ledger.CreateTask(ctx, testTask("t-bad", "p1", 5)))

	c := newTestController(t, Config{}, ledger, children, nil)
	c.RunCycle(ctx)
	require.Equal(t, 2, children.spawnCount())

	children.finish("t-ok", 0)
	children.finish("t-bad", 2)
	c.RunCycle(ctx)

	ok, err := ledger.GetTask(ctx, "t-ok")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateCompleted, ok.State)

	bad, err := ledger.GetTask(ctx, "t-bad")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateFailed, bad.State)

	status := c.Status()
	assert.Equal(t, int64(1), status.TotalCompleted)
	assert.Equal(t, int64(1), status.TotalFailed)
	assert.Equal(t, 0, status.ActiveChildren)
}

func TestKillTaskLandsInKilledState(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-1", "p1", 5)))

	c := newTestController(t, Config{}, ledger, children, nil)
	c.RunCycle(ctx)

	require.NoError(t, c.KillTask(ctx, "t-1"))
	assert.Equal(t, []string{"t-1"}, children.killedTasks())

	// The child exits from the signal; SIGTERM surfaces as 128+15.
	children.finish("t-1", 143)
	c.RunCycle(ctx)

	task, err := ledger.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateKilled, task.State)
	assert.Equal(t, int64(1), c.Status().TotalKilled)
	assert.Equal(t, int64(0), c.Status().TotalFailed)
}

func TestStaleChildKilledOnce(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-1", "p1", 5)))

	c := newTestController(t, Config{StaleThreshold: time.Minute}, ledger, children, nil)
	c.RunCycle(ctx)

	children.mu.Lock()
	children.stale = []*v1.ChildInfo{children.live["t-1"]}
	children.mu.Unlock()

	c.RunCycle(ctx)
	c.RunCycle(ctx)

	// The stale child is still draining on the second cycle; no repeat kill.
	assert.Equal(t, []string{"t-1"}, children.killedTasks())

	children.mu.Lock()
	children.stale = nil
	children.mu.Unlock()
	children.finish("t-1", 137)
	c.RunCycle(ctx)

	task, err := ledger.GetTask(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStateKilled, task.State)
}

func TestCleanupRunsEveryNCycles(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()
	cleaner := newFakeCleaner()

	c := newTestController(t, Config{CleanupEvery: 2}, ledger, children, cleaner)

	c.RunCycle(ctx)
	c.RunCycle(ctx)
	waitFor(t, time.Second, func() bool { return cleaner.callCount() == 1 })
	waitFor(t, time.Second, func() bool { return !c.cleanupActive.Load() })

	c.RunCycle(ctx)
	assert.Equal(t, 1, cleaner.callCount())

	c.RunCycle(ctx)
	waitFor(t, time.Second, func() bool { return cleaner.callCount() == 2 })
	waitFor(t, time.Second, func() bool { return c.Status().LastCleanupAt != nil })
}

func TestCleanupReceivesActiveBranches(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()
	cleaner := newFakeCleaner()

	require.NoError(t, ledger.CreateTask(ctx, testTask("t-1", "p1", 5)))

	c := newTestController(t, Config{CleanupEvery: 1}, ledger, children, cleaner)
	c.RunCycle(ctx)

	waitFor(t, time.Second, func() bool { return cleaner.callCount() == 1 })
	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	assert.Equal(t, []string{"task/t-1"}, cleaner.calls[0])
}

type brokenBranchLedger struct {
	repository.Repository
}

func (b *brokenBranchLedger) ActiveTaskBranches(ctx context.Context) ([]string, error) {
	return nil, fmt.Errorf("ledger unavailable")
}

func TestCleanupSkippedWhenBranchListFails(t *testing.T) {
	ctx := context.Background()
	ledger := &brokenBranchLedger{Repository: repository.NewMemoryRepository()}
	children := newFakeChildren()
	cleaner := newFakeCleaner()

	c := newTestController(t, Config{CleanupEvery: 1}, ledger, children, cleaner)
	c.RunCycle(ctx)

	// Give the background pass a moment, then confirm git never ran.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, cleaner.callCount())
	assert.Nil(t, c.Status().LastCleanupAt)
}

func TestCleanupPassesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()
	cleaner := newFakeCleaner()
	cleaner.block = make(chan struct{})

	c := newTestController(t, Config{CleanupEvery: 1}, ledger, children, cleaner)

	c.RunCycle(ctx)
	waitFor(t, time.Second, func() bool { return cleaner.callCount() == 1 })

	// Further cycles while the first pass is stuck must not start another.
	c.RunCycle(ctx)
	c.RunCycle(ctx)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, cleaner.callCount())

	close(cleaner.block)
	cleaner.mu.Lock()
	cleaner.block = nil
	cleaner.mu.Unlock()
	waitFor(t, time.Second, func() bool { return !c.cleanupActive.Load() })

	c.RunCycle(ctx)
	waitFor(t, time.Second, func() bool { return cleaner.callCount() == 2 })
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	ledger := repository.NewMemoryRepository()
	children := newFakeChildren()

	c := newTestController(t, Config{Interval: 10 * time.Millisecond}, ledger, children, nil)

	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx))
	assert.True(t, c.Status().Running)

	waitFor(t, time.Second, func() bool { return c.Status().Cycle >= 2 })

	c.Stop()
	assert.False(t, c.Status().Running)
	c.Stop() // idempotent
}
