// ABOUTME: Tests for the task scheduler using mock store and executor.

package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnhost/kiln/internal/protocol"
	"github.com/kilnhost/kiln/internal/store"
)

type mockExecutor struct {
	mu     sync.Mutex
	sent   []protocol.Command
	online bool
}

func (m *mockExecutor) SendCommand(nodeID string, cmd protocol.Command) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.online {
		return false
	}
	m.sent = append(m.sent, cmd)
	return true
}

func (m *mockExecutor) commands() []protocol.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Command(nil), m.sent...)
}

type mockTaskSource struct {
	mu      sync.Mutex
	tasks   map[string]*store.Task
	servers map[string]*store.Server
	runs    []*store.TaskRun
}

func newMockTaskSource() *mockTaskSource {
	return &mockTaskSource{
		tasks:   make(map[string]*store.Task),
		servers: make(map[string]*store.Server),
	}
}

func (m *mockTaskSource) CreateTask(_ context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *mockTaskSource) Tasks(_ context.Context, serverID string) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Task
	for _, t := range m.tasks {
		if t.ServerID == serverID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockTaskSource) DueTasks(_ context.Context, now time.Time) ([]*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*store.Task
	for _, t := range m.tasks {
		if !t.NextRunAt.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

func (m *mockTaskSource) MarkTaskRan(_ context.Context, id string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.NextRunAt = next
	}
	return nil
}

func (m *mockTaskSource) RecordTaskRun(_ context.Context, r *store.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *mockTaskSource) TaskRuns(_ context.Context, taskID string) ([]*store.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.TaskRun
	for _, r := range m.runs {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockTaskSource) Server(_ context.Context, id string) (*store.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return srv, nil
}

func fixture(t *testing.T) (*mockTaskSource, *mockExecutor, *Scheduler) {
	t.Helper()
	src := newMockTaskSource()
	src.servers["srv-1"] = &store.Server{ID: "srv-1", UUID: "uuid-1", NodeID: "node-1", Name: "lobby"}
	exec := &mockExecutor{online: true}
	return src, exec, NewScheduler(src, exec, time.Second)
}

func TestRunDueDispatchesCommand(t *testing.T) {
	src, exec, sched := fixture(t)
	now := time.Now()

	src.tasks["task-1"] = &store.Task{
		ID: "task-1", ServerID: "srv-1", Action: "create_backup",
		Every: time.Hour, NextRunAt: now.Add(-time.Minute),
	}

	sched.RunDue(context.Background(), now)

	cmds := exec.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.KindCreateBackup, cmds[0].Type)
	assert.Equal(t, "srv-1", cmds[0].ServerID)
	assert.Equal(t, "uuid-1", cmds[0].ServerUUID)

	runs, err := src.TaskRuns(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TaskRunOK, runs[0].Status)

	assert.Equal(t, now.Add(time.Hour), src.tasks["task-1"].NextRunAt)
}

func TestRunDueSkipsFutureTasks(t *testing.T) {
	src, exec, sched := fixture(t)
	now := time.Now()

	src.tasks["task-1"] = &store.Task{
		ID: "task-1", ServerID: "srv-1", Action: "restart",
		Every: time.Hour, NextRunAt: now.Add(time.Hour),
	}

	sched.RunDue(context.Background(), now)
	assert.Empty(t, exec.commands())
	assert.Empty(t, src.runs)
}

func TestRunDueRecordsOfflineFailure(t *testing.T) {
	src, exec, sched := fixture(t)
	exec.online = false
	now := time.Now()

	src.tasks["task-1"] = &store.Task{
		ID: "task-1", ServerID: "srv-1", Action: "restart",
		Every: time.Hour, NextRunAt: now,
	}

	sched.RunDue(context.Background(), now)

	runs, err := src.TaskRuns(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TaskRunFailed, runs[0].Status)
	assert.Contains(t, runs[0].Detail, "offline")

	// A dead node must not wedge the queue.
	assert.Equal(t, now.Add(time.Hour), src.tasks["task-1"].NextRunAt)
}

func TestRunDueMissingServer(t *testing.T) {
	src, _, sched := fixture(t)
	now := time.Now()

	src.tasks["task-1"] = &store.Task{
		ID: "task-1", ServerID: "ghost", Action: "restart",
		Every: time.Hour, NextRunAt: now,
	}

	sched.RunDue(context.Background(), now)

	runs, err := src.TaskRuns(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TaskRunFailed, runs[0].Status)
}

func TestRunDueUnknownAction(t *testing.T) {
	src, exec, sched := fixture(t)
	now := time.Now()

	src.tasks["task-1"] = &store.Task{
		ID: "task-1", ServerID: "srv-1", Action: "defragment",
		Every: time.Hour, NextRunAt: now,
	}

	sched.RunDue(context.Background(), now)

	assert.Empty(t, exec.commands())
	runs, err := src.TaskRuns(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.TaskRunFailed, runs[0].Status)
}

func TestConsoleTaskCarriesPayload(t *testing.T) {
	src, exec, sched := fixture(t)
	now := time.Now()

	src.tasks["task-1"] = &store.Task{
		ID: "task-1", ServerID: "srv-1", Action: "command", Payload: "save-all",
		Every: time.Hour, NextRunAt: now,
	}

	sched.RunDue(context.Background(), now)

	cmds := exec.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, protocol.KindConsole, cmds[0].Type)
	assert.Equal(t, "save-all", cmds[0].Input)
}

func TestRunStopsOnCancel(t *testing.T) {
	src, exec, _ := fixture(t)
	sched := NewScheduler(src, exec, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
