// Package child spawns and supervises the OS processes that host agent
// sessions. One tracked entry exists per task; removal happens only via
// Reap after the OS confirms exit.
package child

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentboard/agentboard/internal/common/constants"
	apperrors "github.com/agentboard/agentboard/internal/common/errors"
	"github.com/agentboard/agentboard/internal/common/logger"
	v1 "github.com/agentboard/agentboard/pkg/api/v1"
)

// SpawnParams is the input contract for creating a tracked child.
// No two calls for the same task id may produce two live children.
type SpawnParams struct {
	TaskID       string
	ProjectID    string
	Role         string
	Message      string
	Model        *string
	SessionLabel *string
}

// ReapedChild is the immutable record emitted when a finished child is
// removed from tracking. The loop controller consumes each record exactly
// once to update the ledger.
type ReapedChild struct {
	TaskID   string
	ExitCode int
	Duration time.Duration
}

// Config holds the manager's tunables
type Config struct {
	// AgentBinary is the external agent executable
	AgentBinary string
	// KillGrace is the window between SIGTERM and SIGKILL escalation
	KillGrace time.Duration
	// ExtraEnv entries are appended to the inherited environment of
	// every spawned child, typically resolved provider credentials
	ExtraEnv []string
}

type eventKind int

const (
	evOutput eventKind = iota
	evExit
)

// childEvent is posted by reader and waiter goroutines onto the manager's
// event channel. The single consumer in run() is the only writer of
// tracked-child state after spawn.
type childEvent struct {
	taskID   string
	kind     eventKind
	bytes    int64
	exitCode int
	at       time.Time
}

type trackedChild struct {
	cmd        *exec.Cmd
	pid        int
	taskID     string
	projectID  string
	role       string
	sessionKey string
	spawnedAt  time.Time
	lastOutput time.Time
	totalBytes int64
	exitCode   *int
	exitedAt   time.Time
	// closed by the event consumer when the exit event lands; cancels
	// the pending SIGKILL escalation
	exited chan struct{}
}

// Manager tracks agent child processes by task id. It is constructed and
// owned by its caller; nothing here is process-global, so independent
// orchestrators can each run their own manager.
type Manager struct {
	cfg    Config
	logger *logger.Logger

	children map[string]*trackedChild
	// spawning holds task ids reserved between the duplicate check and
	// the tracking insert, so concurrent Spawn calls for one task cannot
	// both pass the guard.
	spawning map[string]bool
	mu       sync.RWMutex

	events chan childEvent
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
	consumer  sync.WaitGroup
}

// NewManager creates a child process manager
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = constants.KillGracePeriod
	}
	m := &Manager{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "child-manager")),
		children: make(map[string]*trackedChild),
		spawning: make(map[string]bool),
		events:   make(chan childEvent, 256),
		done:     make(chan struct{}),
	}
	m.consumer.Add(1)
	go m.run()
	return m
}

// SessionKey derives the gateway session key for a task.
// Format: workloop:<role>:<first 8 chars of task id>.
func SessionKey(role, taskID string) string {
	prefix := taskID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("workloop:%s:%s", role, prefix)
}

// Spawn launches the agent binary for a task and registers the child.
// Fails fast if the OS reports no process id. The caller gates duplicate
// dispatch; a live entry for the same task id is rejected here as well
// because two children per task can never be valid.
func (m *Manager) Spawn(params SpawnParams) (*v1.ChildInfo, error) {
	select {
	case <-m.done:
		return nil, fmt.Errorf("child manager closed")
	default:
	}

	m.mu.Lock()
	if existing, ok := m.children[params.TaskID]; ok && existing.exitCode == nil {
		m.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("task %s already has a live child (pid %d)", params.TaskID, existing.pid))
	}
	if m.spawning[params.TaskID] {
		m.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("task %s already has a spawn in flight", params.TaskID))
	}
	m.spawning[params.TaskID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.spawning, params.TaskID)
		m.mu.Unlock()
	}()

	args := []string{"chat", "--message", params.Message}
	if params.Model != nil && *params.Model != "" {
		args = append(args, "--model", *params.Model)
	}
	if params.SessionLabel != nil && *params.SessionLabel != "" {
		args = append(args, "--label", *params.SessionLabel)
	}

	// Environment is inherited; stdio is piped, never the terminal's.
	cmd := exec.Command(m.cfg.AgentBinary, args...)
	if len(m.cfg.ExtraEnv) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.ExtraEnv...)
	}
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.SpawnFailed(params.TaskID, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.SpawnFailed(params.TaskID, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.SpawnFailed(params.TaskID, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil, apperrors.SpawnFailed(params.TaskID, fmt.Errorf("no process id reported"))
	}

	now := time.Now()
	entry := &trackedChild{
		cmd:        cmd,
		pid:        cmd.Process.Pid,
		taskID:     params.TaskID,
		projectID:  params.ProjectID,
		role:       params.Role,
		sessionKey: SessionKey(params.Role, params.TaskID),
		spawnedAt:  now,
		lastOutput: now,
		exited:     make(chan struct{}),
	}

	m.mu.Lock()
	m.children[params.TaskID] = entry
	m.mu.Unlock()

	m.wg.Add(3)
	go m.readOutput(params.TaskID, stdout, "stdout")
	go m.readOutput(params.TaskID, stderr, "stderr")
	go m.waitForExit(params.TaskID, cmd)

	m.logger.Info("spawned agent child",
		zap.String("task_id", params.TaskID),
		zap.String("project_id", params.ProjectID),
		zap.String("role", params.Role),
		zap.String("session_key", entry.sessionKey),
		zap.Int("pid", entry.pid))

	return snapshot(entry), nil
}

// Active returns all tracked children that have not exited
func (m *Manager) Active() []*v1.ChildInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*v1.ChildInfo
	for _, entry := range m.children {
		if entry.exitCode == nil {
			result = append(result, snapshot(entry))
		}
	}
	return result
}

// ActiveCount returns the number of live children, optionally filtered by
// project. An empty projectID counts across all projects.
func (m *Manager) ActiveCount(projectID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, entry := range m.children {
		if entry.exitCode != nil {
			continue
		}
		if projectID != "" && entry.projectID != projectID {
			continue
		}
		count++
	}
	return count
}

// Has reports whether a live child exists for the task
func (m *Manager) Has(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.children[taskID]
	return ok && entry.exitCode == nil
}

// Reap removes every exited child from tracking and reports each exactly
// once. Records carry no ordering guarantee. This is the only path by
// which finished work is observed, so it must run every loop cycle.
func (m *Manager) Reap() []ReapedChild {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []ReapedChild
	for taskID, entry := range m.children {
		if entry.exitCode == nil {
			continue
		}
		reaped = append(reaped, ReapedChild{
			TaskID:   taskID,
			ExitCode: *entry.exitCode,
			Duration: entry.exitedAt.Sub(entry.spawnedAt),
		})
		delete(m.children, taskID)
	}
	return reaped
}

// Stale returns live children with no output beyond the threshold
func (m *Manager) Stale(threshold time.Duration) []*v1.ChildInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var result []*v1.ChildInfo
	for _, entry := range m.children {
		if entry.exitCode == nil && now.Sub(entry.lastOutput) > threshold {
			result = append(result, snapshot(entry))
		}
	}
	return result
}

// Kill signals a task's process group with SIGTERM and escalates to
// SIGKILL after the grace period if it is still running. Tracking is not
// removed here; the child is reported via Reap after the OS confirms exit.
func (m *Manager) Kill(taskID string) error {
	m.mu.RLock()
	entry, ok := m.children[taskID]
	m.mu.RUnlock()

	if !ok || entry.exitCode != nil {
		return apperrors.NotFound("child", taskID)
	}

	m.logger.Info("terminating agent child",
		zap.String("task_id", taskID),
		zap.Int("pid", entry.pid))

	if err := terminateProcessGroup(entry.pid); err != nil {
		m.logger.Warn("SIGTERM failed",
			zap.String("task_id", taskID),
			zap.Int("pid", entry.pid),
			zap.Error(err))
	}

	m.wg.Add(1)
	go m.escalate(entry)
	return nil
}

// KillAll signals every live child
func (m *Manager) KillAll() {
	m.mu.RLock()
	var live []string
	for taskID, entry := range m.children {
		if entry.exitCode == nil {
			live = append(live, taskID)
		}
	}
	m.mu.RUnlock()

	for _, taskID := range live {
		if err := m.Kill(taskID); err != nil {
			m.logger.Warn("kill failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

// Close stops the manager. Children are signalled but final reaping is the
// caller's responsibility before Close if outcomes must reach the ledger.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.KillAll()
		m.wg.Wait()
		close(m.done)
		m.consumer.Wait()
	})
}

// escalate waits out the grace period and SIGKILLs the group if the child
// has not exited yet
func (m *Manager) escalate(entry *trackedChild) {
	defer m.wg.Done()

	timer := time.NewTimer(m.cfg.KillGrace)
	defer timer.Stop()

	select {
	case <-entry.exited:
		return
	case <-timer.C:
	}

	m.logger.Warn("grace period expired, sending SIGKILL",
		zap.String("task_id", entry.taskID),
		zap.Int("pid", entry.pid))
	if err := killProcessGroup(entry.pid); err != nil {
		m.logger.Warn("SIGKILL failed",
			zap.String("task_id", entry.taskID),
			zap.Int("pid", entry.pid),
			zap.Error(err))
	}
}

// run is the single consumer of child events; it is the only goroutine
// that mutates tracked-child state after spawn.
func (m *Manager) run() {
	defer m.consumer.Done()

	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

func (m *Manager) apply(ev childEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.children[ev.taskID]
	if !ok {
		return
	}

	switch ev.kind {
	case evOutput:
		entry.lastOutput = ev.at
		entry.totalBytes += ev.bytes
	case evExit:
		if entry.exitCode == nil {
			code := ev.exitCode
			entry.exitCode = &code
			entry.exitedAt = ev.at
			close(entry.exited)
		}
	}
}

func (m *Manager) post(ev childEvent) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// readOutput consumes one stdio stream and posts byte-count events
func (m *Manager) readOutput(taskID string, r io.Reader, stream string) {
	defer m.wg.Done()

	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		m.logger.Debug("agent output",
			zap.String("task_id", taskID),
			zap.String("stream", stream),
			zap.Int("bytes", len(line)))
		m.post(childEvent{
			taskID: taskID,
			kind:   evOutput,
			bytes:  int64(len(line)) + 1, // include the newline
			at:     time.Now(),
		})
	}

	if err := scanner.Err(); err != nil {
		m.logger.Debug("output reader error",
			zap.String("task_id", taskID),
			zap.String("stream", stream),
			zap.Error(err))
	}
}

// waitForExit blocks on the process and posts the exit event
func (m *Manager) waitForExit(taskID string, cmd *exec.Cmd) {
	defer m.wg.Done()

	err := cmd.Wait()
	code := exitCodeFromWait(err)

	m.logger.Info("agent child exited",
		zap.String("task_id", taskID),
		zap.Int("exit_code", code))

	m.post(childEvent{
		taskID:   taskID,
		kind:     evExit,
		exitCode: code,
		at:       time.Now(),
	})
}

func snapshot(entry *trackedChild) *v1.ChildInfo {
	info := &v1.ChildInfo{
		PID:        entry.pid,
		TaskID:     entry.taskID,
		ProjectID:  entry.projectID,
		Role:       entry.role,
		SessionKey: entry.sessionKey,
		SpawnedAt:  entry.spawnedAt,
		LastOutput: entry.lastOutput,
		TotalBytes: entry.totalBytes,
	}
	if entry.exitCode != nil {
		code := *entry.exitCode
		info.ExitCode = &code
	}
	return info
}
