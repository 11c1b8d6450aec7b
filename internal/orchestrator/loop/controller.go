// Package loop drives the work loop: dispatching ready tasks to agent
// children, monitoring the children, and periodically triggering
// repository cleanup.
package loop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/logger"
	"github.com/agentboard/agentboard/internal/events"
	"github.com/agentboard/agentboard/internal/events/bus"
	"github.com/agentboard/agentboard/internal/ledger/repository"
	"github.com/agentboard/agentboard/internal/orchestrator/child"
	"github.com/agentboard/agentboard/internal/orchestrator/gitclean"
	"github.com/agentboard/agentboard/internal/orchestrator/queue"
	v1 "github.com/agentboard/agentboard/pkg/api/v1"
)

// ChildManager is the child process surface the controller drives.
// *child.Manager satisfies it; tests substitute a fake.
type ChildManager interface {
	Spawn(params child.SpawnParams) (*v1.ChildInfo, error)
	Active() []*v1.ChildInfo
	ActiveCount(projectID string) int
	Has(taskID string) bool
	Reap() []child.ReapedChild
	Stale(threshold time.Duration) []*v1.ChildInfo
	Kill(taskID string) error
	KillAll()
}

// Cleaner runs one repository cleanup pass. *gitclean.Engine satisfies it.
type Cleaner interface {
	Run(ctx context.Context, activeTaskBranches []string) *gitclean.Summary
}

// Config holds the controller's tunables
type Config struct {
	// Interval between cycles
	Interval time.Duration
	// CleanupEvery triggers the cleanup phase once every N cycles
	CleanupEvery int
	// MaxAgents is the default per-project concurrency ceiling
	MaxAgents int
	// ProjectMaxAgents overrides MaxAgents for specific projects
	ProjectMaxAgents map[string]int
	// StaleThreshold marks a child stale after this long without output
	StaleThreshold time.Duration
	// RetryLimit caps dispatch attempts per task
	RetryLimit int
	// RetryDelay is the backoff between dispatch attempts
	RetryDelay time.Duration
	// QueueSize bounds the dispatch queue (0 = unlimited)
	QueueSize int
}

// MaxAgentsFor returns the concurrency ceiling for a project
func (c *Config) MaxAgentsFor(projectID string) int {
	if n, ok := c.ProjectMaxAgents[projectID]; ok && n > 0 {
		return n
	}
	return c.MaxAgents
}

// Controller owns the work loop. All loop state lives on the instance;
// callers construct one per repository working copy.
type Controller struct {
	cfg      Config
	ledger   repository.Repository
	children ChildManager
	cleaner  Cleaner
	eventBus bus.EventBus
	queue    *queue.TaskQueue
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	// cycleMu serializes cycles. A manual RunCycle landing while the
	// ticker cycle is mid-dispatch must not run a second dispatch phase,
	// or both would pass the per-project ceiling check before either
	// child registers.
	cycleMu sync.Mutex

	// killed tracks tasks whose children were killed on purpose, so the
	// monitor phase records KILLED instead of FAILED when they exit.
	killedMu sync.Mutex
	killed   map[string]bool

	cycle           atomic.Int64
	totalDispatched atomic.Int64
	totalCompleted  atomic.Int64
	totalFailed     atomic.Int64
	totalKilled     atomic.Int64

	cleanupActive atomic.Bool
	lastCleanupMu sync.Mutex
	lastCleanupAt *time.Time
}

var _ ChildManager = (*child.Manager)(nil)
var _ Cleaner = (*gitclean.Engine)(nil)

// NewController creates a work loop controller
func NewController(cfg Config, ledger repository.Repository, children ChildManager, cleaner Cleaner, eventBus bus.EventBus, log *logger.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	return &Controller{
		cfg:      cfg,
		ledger:   ledger,
		children: children,
		cleaner:  cleaner,
		eventBus: eventBus,
		queue:    queue.NewTaskQueue(cfg.QueueSize),
		logger:   log.WithFields(zap.String("component", "work_loop")),
		killed:   make(map[string]bool),
	}
}

// Start launches the loop. Returns an error if it is already running.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("work loop already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.run(ctx, c.stopCh)

	c.logger.Info("work loop started",
		zap.Duration("interval", c.cfg.Interval),
		zap.Int("cleanup_every", c.cfg.CleanupEvery),
		zap.Int("max_agents", c.cfg.MaxAgents))
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to finish.
// Running children are left to the child manager's shutdown path.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("work loop stopped", zap.Int64("cycles", c.cycle.Load()))
}

func (c *Controller) run(ctx context.Context, stopCh chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// First cycle runs immediately so a fresh start drains ready work
	// without waiting a full interval.
	c.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("work loop stopped (context cancelled)")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// RunCycle executes one dispatch/monitor cycle synchronously. Exposed for
// the status API's manual trigger; the ticker path uses it too.
func (c *Controller) RunCycle(ctx context.Context) {
	c.runCycle(ctx)
}

func (c *Controller) runCycle(ctx context.Context) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	n := c.cycle.Add(1)

	c.dispatch(ctx, n)
	c.monitor(ctx, n)

	if c.cfg.CleanupEvery > 0 && n%int64(c.cfg.CleanupEvery) == 0 {
		c.triggerCleanup(ctx, n)
	}
}

// dispatch pulls READY tasks from the ledger into the queue and spawns
// children for as many as concurrency limits allow.
func (c *Controller) dispatch(ctx context.Context, cycle int64) {
	ready, err := c.ledger.ListReadyTasks(ctx)
	if err != nil {
		c.logger.Error("failed to list ready tasks", zap.Error(err))
	} else {
		for _, task := range ready {
			if c.queue.Contains(task.ID) || c.children.Has(task.ID) {
				continue
			}
			if err := c.queue.Enqueue(task); err != nil {
				if err == queue.ErrQueueFull {
					c.logger.Warn("dispatch queue full", zap.String("task_id", task.ID))
					break
				}
				c.logger.Warn("failed to enqueue task",
					zap.String("task_id", task.ID), zap.Error(err))
			}
		}
	}

	now := time.Now()
	var deferred []*queue.QueuedTask

	for {
		qt := c.queue.Dequeue()
		if qt == nil {
			break
		}
		if c.children.Has(qt.TaskID) {
			continue
		}
		if !qt.Ready(now) {
			deferred = append(deferred, qt)
			continue
		}
		if c.children.ActiveCount(qt.Task.ProjectID) >= c.cfg.MaxAgentsFor(qt.Task.ProjectID) {
			deferred = append(deferred, qt)
			continue
		}
		if retry := c.spawnTask(ctx, cycle, qt); retry != nil {
			deferred = append(deferred, retry)
		}
	}

	for _, qt := range deferred {
		if err := c.queue.EnqueueRetry(qt.Task, qt.Attempts, qt.NotBefore); err != nil {
			c.logger.Warn("failed to requeue task",
				zap.String("task_id", qt.TaskID), zap.Error(err))
		}
	}
}

// spawnTask launches a child for the task. On a retryable failure it
// returns the task carrying its next backoff deadline, to be requeued by
// the caller after the dequeue loop finishes.
func (c *Controller) spawnTask(ctx context.Context, cycle int64, qt *queue.QueuedTask) *queue.QueuedTask {
	task := qt.Task
	info, err := c.children.Spawn(child.SpawnParams{
		TaskID:       task.ID,
		ProjectID:    task.ProjectID,
		Role:         task.Role,
		Message:      task.Message,
		Model:        task.Model,
		SessionLabel: task.SessionLabel,
	})
	if err != nil {
		return c.handleSpawnFailure(ctx, cycle, qt, err)
	}

	if err := c.ledger.UpdateTaskState(ctx, task.ID, v1.TaskStateInProgress); err != nil {
		c.logger.Warn("failed to mark task in progress",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	c.totalDispatched.Add(1)

	c.appendLog(ctx, &v1.RunLogEntry{
		ProjectID: task.ProjectID,
		Cycle:     cycle,
		Phase:     v1.PhaseDispatch,
		Action:    "dispatch",
		TaskID:    task.ID,
		Details:   fmt.Sprintf("pid=%d session=%s", info.PID, info.SessionKey),
	})
	c.publish(ctx, events.BuildTaskSubject(events.TaskDispatched, task.ProjectID), map[string]interface{}{
		"task_id":     task.ID,
		"project_id":  task.ProjectID,
		"role":        task.Role,
		"pid":         info.PID,
		"session_key": info.SessionKey,
	})
	c.publish(ctx, events.ChildSpawned, map[string]interface{}{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"pid":        info.PID,
	})

	c.logger.Info("dispatched task",
		zap.String("task_id", task.ID),
		zap.String("project_id", task.ProjectID),
		zap.String("role", task.Role),
		zap.Int("pid", info.PID))
	return nil
}

func (c *Controller) handleSpawnFailure(ctx context.Context, cycle int64, qt *queue.QueuedTask, spawnErr error) *queue.QueuedTask {
	task := qt.Task
	attempts := qt.Attempts + 1

	if attempts < c.cfg.RetryLimit {
		c.appendLog(ctx, &v1.RunLogEntry{
			ProjectID: task.ProjectID,
			Cycle:     cycle,
			Phase:     v1.PhaseDispatch,
			Action:    "dispatch_retry",
			TaskID:    task.ID,
			Details:   fmt.Sprintf("attempt=%d error=%v", attempts, spawnErr),
		})
		c.logger.Warn("spawn failed, will retry",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempts),
			zap.Error(spawnErr))
		return &queue.QueuedTask{
			TaskID:    task.ID,
			Priority:  task.Priority,
			Role:      task.Role,
			Attempts:  attempts,
			NotBefore: time.Now().Add(c.cfg.RetryDelay),
			Task:      task,
		}
	}

	if err := c.ledger.UpdateTaskState(ctx, task.ID, v1.TaskStateFailed); err != nil {
		c.logger.Warn("failed to mark task failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
	c.totalFailed.Add(1)

	c.appendLog(ctx, &v1.RunLogEntry{
		ProjectID: task.ProjectID,
		Cycle:     cycle,
		Phase:     v1.PhaseDispatch,
		Action:    "dispatch_failed",
		TaskID:    task.ID,
		Details:   fmt.Sprintf("attempts=%d error=%v", attempts, spawnErr),
	})
	c.publish(ctx, events.BuildTaskSubject(events.TaskFailed, task.ProjectID), map[string]interface{}{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"reason":     "spawn_failed",
	})
	c.logger.Error("giving up on task after repeated spawn failures",
		zap.String("task_id", task.ID),
		zap.Int("attempts", attempts),
		zap.Error(spawnErr))
	return nil
}

// monitor reaps exited children into terminal ledger states and kills
// children that have gone silent past the stale threshold.
func (c *Controller) monitor(ctx context.Context, cycle int64) {
	for _, reaped := range c.children.Reap() {
		c.recordExit(ctx, cycle, reaped)
	}

	if c.cfg.StaleThreshold <= 0 {
		return
	}
	for _, info := range c.children.Stale(c.cfg.StaleThreshold) {
		if c.markKilled(info.TaskID) {
			// Already signalled in an earlier cycle, still draining.
			continue
		}
		if err := c.children.Kill(info.TaskID); err != nil {
			c.unmarkKilled(info.TaskID)
			c.logger.Warn("failed to kill stale child",
				zap.String("task_id", info.TaskID), zap.Error(err))
			continue
		}
		c.appendLog(ctx, &v1.RunLogEntry{
			ProjectID: info.ProjectID,
			Cycle:     cycle,
			Phase:     v1.PhaseMonitor,
			Action:    "kill_stale",
			TaskID:    info.TaskID,
			Details:   fmt.Sprintf("last_output=%s", info.LastOutput.Format(time.RFC3339)),
		})
		c.publish(ctx, events.ChildStale, map[string]interface{}{
			"task_id":    info.TaskID,
			"project_id": info.ProjectID,
			"pid":        info.PID,
		})
		c.logger.Warn("killed stale child",
			zap.String("task_id", info.TaskID),
			zap.Int("pid", info.PID),
			zap.Time("last_output", info.LastOutput))
	}
}

func (c *Controller) recordExit(ctx context.Context, cycle int64, reaped child.ReapedChild) {
	wasKilled := c.unmarkKilled(reaped.TaskID)

	var state v1.TaskState
	var eventType string
	switch {
	case wasKilled:
		state = v1.TaskStateKilled
		eventType = events.TaskKilled
		c.totalKilled.Add(1)
	case reaped.ExitCode == 0:
		state = v1.TaskStateCompleted
		eventType = events.TaskCompleted
		c.totalCompleted.Add(1)
	default:
		state = v1.TaskStateFailed
		eventType = events.TaskFailed
		c.totalFailed.Add(1)
	}

	projectID := ""
	if task, err := c.ledger.GetTask(ctx, reaped.TaskID); err == nil {
		projectID = task.ProjectID
	}

	if err := c.ledger.UpdateTaskState(ctx, reaped.TaskID, state); err != nil {
		c.logger.Warn("failed to record task exit state",
			zap.String("task_id", reaped.TaskID),
			zap.String("state", string(state)),
			zap.Error(err))
	}

	c.appendLog(ctx, &v1.RunLogEntry{
		ProjectID: projectID,
		Cycle:     cycle,
		Phase:     v1.PhaseMonitor,
		Action:    "reap",
		TaskID:    reaped.TaskID,
		Details:   fmt.Sprintf("exit_code=%d duration=%s state=%s", reaped.ExitCode, reaped.Duration.Round(time.Millisecond), state),
	})
	c.publish(ctx, events.BuildTaskSubject(eventType, projectID), map[string]interface{}{
		"task_id":    reaped.TaskID,
		"project_id": projectID,
		"exit_code":  reaped.ExitCode,
		"state":      string(state),
	})
	c.publish(ctx, events.ChildExited, map[string]interface{}{
		"task_id":   reaped.TaskID,
		"exit_code": reaped.ExitCode,
	})

	c.logger.Info("reaped child",
		zap.String("task_id", reaped.TaskID),
		zap.Int("exit_code", reaped.ExitCode),
		zap.Duration("duration", reaped.Duration),
		zap.String("state", string(state)))
}

// KillTask kills the running child for a task on operator request. The
// task lands in KILLED once the monitor phase reaps the exit.
func (c *Controller) KillTask(ctx context.Context, taskID string) error {
	if c.markKilled(taskID) {
		return nil
	}
	if err := c.children.Kill(taskID); err != nil {
		c.unmarkKilled(taskID)
		return err
	}
	c.logger.Info("kill requested", zap.String("task_id", taskID))
	return nil
}

// markKilled records a task as intentionally killed. Returns true if the
// task was already marked.
func (c *Controller) markKilled(taskID string) bool {
	c.killedMu.Lock()
	defer c.killedMu.Unlock()
	if c.killed[taskID] {
		return true
	}
	c.killed[taskID] = true
	return false
}

// unmarkKilled clears the kill mark, reporting whether it was set
func (c *Controller) unmarkKilled(taskID string) bool {
	c.killedMu.Lock()
	defer c.killedMu.Unlock()
	was := c.killed[taskID]
	delete(c.killed, taskID)
	return was
}

// triggerCleanup starts a cleanup pass in the background. The loop never
// blocks on git; overlapping passes are skipped.
func (c *Controller) triggerCleanup(ctx context.Context, cycle int64) {
	if c.cleaner == nil {
		return
	}
	if !c.cleanupActive.CompareAndSwap(false, true) {
		c.logger.Debug("cleanup still running, skipping this cycle",
			zap.Int64("cycle", cycle))
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.cleanupActive.Store(false)
		c.runCleanup(ctx, cycle)
	}()
}

func (c *Controller) runCleanup(ctx context.Context, cycle int64) {
	branches, err := c.ledger.ActiveTaskBranches(ctx)
	if err != nil {
		// Without the active set every branch would look deletable, so
		// skip the pass entirely.
		c.logger.Error("failed to load active branches, skipping cleanup", zap.Error(err))
		c.publish(ctx, events.CleanupFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	summary := c.cleaner.Run(ctx, branches)

	now := time.Now()
	c.lastCleanupMu.Lock()
	c.lastCleanupAt = &now
	c.lastCleanupMu.Unlock()

	for _, branch := range summary.Branches.Deleted {
		c.publish(ctx, events.CleanupBranchDeleted, map[string]interface{}{"branch": branch})
	}
	if summary.Prune.Pruned {
		c.publish(ctx, events.CleanupRefsPruned, map[string]interface{}{
			"stale_refs": summary.Prune.StaleRefs,
		})
	}
	for _, path := range summary.Worktrees.Removed {
		c.publish(ctx, events.CleanupWorktreeRemoved, map[string]interface{}{"path": path})
	}

	c.appendLog(ctx, &v1.RunLogEntry{
		Cycle:   cycle,
		Phase:   v1.PhaseCleanup,
		Action:  "cleanup",
		Details: cleanupDetails(summary),
	})
	c.logger.Info("cleanup pass finished",
		zap.Int("branches_deleted", len(summary.Branches.Deleted)),
		zap.Int("stale_refs", summary.Prune.StaleRefs),
		zap.Int("worktrees_removed", len(summary.Worktrees.Removed)))
}

func cleanupDetails(s *gitclean.Summary) string {
	parts := []string{
		fmt.Sprintf("branches_deleted=%d", len(s.Branches.Deleted)),
		fmt.Sprintf("branches_failed=%d", len(s.Branches.Failed)),
		fmt.Sprintf("stale_refs=%d", s.Prune.StaleRefs),
		fmt.Sprintf("worktrees_removed=%d", len(s.Worktrees.Removed)),
	}
	return strings.Join(parts, " ")
}

// Status returns a snapshot of the loop for the status API
func (c *Controller) Status() *v1.LoopStatus {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	c.lastCleanupMu.Lock()
	var last *time.Time
	if c.lastCleanupAt != nil {
		t := *c.lastCleanupAt
		last = &t
	}
	c.lastCleanupMu.Unlock()

	return &v1.LoopStatus{
		Running:         running,
		Cycle:           c.cycle.Load(),
		QueuedTasks:     c.queue.Len(),
		ActiveChildren:  c.children.ActiveCount(""),
		TotalDispatched: c.totalDispatched.Load(),
		TotalCompleted:  c.totalCompleted.Load(),
		TotalFailed:     c.totalFailed.Load(),
		TotalKilled:     c.totalKilled.Load(),
		LastCleanupAt:   last,
	}
}

// Children returns snapshots of all live children
func (c *Controller) Children() []*v1.ChildInfo {
	return c.children.Active()
}

func (c *Controller) appendLog(ctx context.Context, entry *v1.RunLogEntry) {
	entry.CreatedAt = time.Now()
	if err := c.ledger.AppendRunLog(ctx, entry); err != nil {
		c.logger.Error("failed to append run log",
			zap.String("action", entry.Action),
			zap.String("task_id", entry.TaskID),
			zap.Error(err))
		return
	}
	c.publish(ctx, events.RunLogAppended, map[string]interface{}{
		"project_id": entry.ProjectID,
		"phase":      entry.Phase,
		"action":     entry.Action,
		"task_id":    entry.TaskID,
	})
}

func (c *Controller) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := c.eventBus.Publish(ctx, subject, event); err != nil {
		c.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
