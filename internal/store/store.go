// ABOUTME: Record types and store interfaces for the control plane's state.
// ABOUTME: Narrow per-concern interfaces so collaborators depend on little.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Node is a registered host running a node agent.
type Node struct {
	ID            string
	Name          string
	SecretDigest  string
	Online        bool
	LastHeartbeat *time.Time
	CreatedAt     time.Time
}

// Server is a containerized game instance bound to a node.
type Server struct {
	ID        string
	UUID      string
	NodeID    string
	Name      string
	State     string
	CreatedAt time.Time
}

// Backup is an archive of a server's data, stored on its node.
type Backup struct {
	ID        string
	ServerID  string
	Name      string
	Path      string
	SizeBytes int64
	CreatedAt time.Time
}

// Task is a recurring action against a server, executed by the scheduler.
type Task struct {
	ID        string
	ServerID  string
	Action    string
	Payload   string
	Every     time.Duration
	NextRunAt time.Time
}

// Task run outcomes.
const (
	TaskRunOK     = "ok"
	TaskRunFailed = "failed"
)

// TaskRun records one execution attempt of a task.
type TaskRun struct {
	ID     string
	TaskID string
	Status string
	Detail string
	RanAt  time.Time
}

// NodeStore persists nodes and their liveness snapshot.
type NodeStore interface {
	CreateNode(ctx context.Context, n *Node) error
	Node(ctx context.Context, id string) (*Node, error)
	ListNodes(ctx context.Context) ([]*Node, error)
	NodeSecretDigest(ctx context.Context, id string) (string, error)
	SetNodeStatus(ctx context.Context, id string, online bool, at time.Time) error
	SetNodeHeartbeat(ctx context.Context, id string, at time.Time) error
}

// ServerStore persists game servers.
type ServerStore interface {
	CreateServer(ctx context.Context, s *Server) error
	Server(ctx context.Context, id string) (*Server, error)
	ListServers(ctx context.Context) ([]*Server, error)
	SetServerState(ctx context.Context, id, state string) error
}

// BackupStore persists backup metadata.
type BackupStore interface {
	CreateBackup(ctx context.Context, b *Backup) error
	Backup(ctx context.Context, id string) (*Backup, error)
	ListBackups(ctx context.Context, serverID string) ([]*Backup, error)
	DeleteBackup(ctx context.Context, id string) error
}

// TaskStore persists scheduled tasks and their run history.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	Tasks(ctx context.Context, serverID string) ([]*Task, error)
	DueTasks(ctx context.Context, now time.Time) ([]*Task, error)
	MarkTaskRan(ctx context.Context, id string, next time.Time) error
	RecordTaskRun(ctx context.Context, r *TaskRun) error
	TaskRuns(ctx context.Context, taskID string) ([]*TaskRun, error)
}

// Store is the full persistence surface.
type Store interface {
	NodeStore
	ServerStore
	BackupStore
	TaskStore
	Close() error
}
