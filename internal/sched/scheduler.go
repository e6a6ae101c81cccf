// ABOUTME: Recurring task scheduler driving backups and restarts off the store.
// ABOUTME: Each tick fetches due tasks, dispatches commands, and records outcomes.

package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kilnhost/kiln/internal/protocol"
	"github.com/kilnhost/kiln/internal/store"
)

// Executor dispatches a command to the node holding a server. It reports
// whether the command was handed to a live connection.
type Executor interface {
	SendCommand(nodeID string, cmd protocol.Command) bool
}

// TaskSource is the slice of the store the scheduler needs.
type TaskSource interface {
	store.TaskStore
	Server(ctx context.Context, id string) (*store.Server, error)
}

// Scheduler runs recurring server tasks on a fixed tick.
type Scheduler struct {
	tasks  TaskSource
	exec   Executor
	tick   time.Duration
	logger *slog.Logger
}

// NewScheduler creates a scheduler. A zero tick defaults to 30 seconds.
func NewScheduler(tasks TaskSource, exec Executor, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		tasks:  tasks,
		exec:   exec,
		tick:   tick,
		logger: slog.Default().With("component", "sched"),
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			s.RunDue(ctx, now)
		}
	}
}

// RunDue executes every task due at the given instant. Failures are recorded
// per task and never stop the sweep.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	due, err := s.tasks.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("listing due tasks", "error", err)
		return
	}

	for _, task := range due {
		s.runTask(ctx, task, now)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *store.Task, now time.Time) {
	status := store.TaskRunOK
	detail := ""

	if err := s.dispatch(ctx, task); err != nil {
		status = store.TaskRunFailed
		detail = err.Error()
		s.logger.Warn("task failed", "task_id", task.ID, "action", task.Action, "error", err)
	} else {
		s.logger.Debug("task dispatched", "task_id", task.ID, "action", task.Action)
	}

	run := &store.TaskRun{
		ID:     uuid.New().String(),
		TaskID: task.ID,
		Status: status,
		Detail: detail,
		RanAt:  now,
	}
	if err := s.tasks.RecordTaskRun(ctx, run); err != nil {
		s.logger.Error("recording task run", "task_id", task.ID, "error", err)
	}

	// Advance next_run_at even on failure so a dead node can't wedge the queue.
	if err := s.tasks.MarkTaskRan(ctx, task.ID, now.Add(task.Every)); err != nil {
		s.logger.Error("advancing task", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, task *store.Task) error {
	srv, err := s.tasks.Server(ctx, task.ServerID)
	if err != nil {
		return fmt.Errorf("resolving server %s: %w", task.ServerID, err)
	}

	cmd, err := commandFor(task, srv)
	if err != nil {
		return err
	}

	if !s.exec.SendCommand(srv.NodeID, cmd) {
		return fmt.Errorf("node %s offline", srv.NodeID)
	}
	return nil
}

func commandFor(task *store.Task, srv *store.Server) (protocol.Command, error) {
	var kind protocol.Kind
	switch task.Action {
	case "start":
		kind = protocol.KindStart
	case "stop":
		kind = protocol.KindStop
	case "restart":
		kind = protocol.KindRestart
	case "create_backup":
		kind = protocol.KindCreateBackup
	case "command":
		kind = protocol.KindConsole
	default:
		return protocol.Command{}, fmt.Errorf("unsupported task action %q", task.Action)
	}

	cmd := protocol.Command{
		Type:       kind,
		ServerID:   srv.ID,
		ServerUUID: srv.UUID,
	}
	if kind == protocol.KindConsole {
		cmd.Input = task.Payload
	}
	return cmd, nil
}
