// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides persistence with automatic schema creation and WAL mode.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	secret_digest  TEXT NOT NULL,
	online         INTEGER NOT NULL DEFAULT 0,
	last_heartbeat TIMESTAMP,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS servers (
	id         TEXT PRIMARY KEY,
	uuid       TEXT NOT NULL UNIQUE,
	node_id    TEXT NOT NULL REFERENCES nodes(id),
	name       TEXT NOT NULL,
	state      TEXT NOT NULL DEFAULT 'offline',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS backups (
	id         TEXT PRIMARY KEY,
	server_id  TEXT NOT NULL REFERENCES servers(id),
	name       TEXT NOT NULL,
	path       TEXT NOT NULL,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	server_id     TEXT NOT NULL REFERENCES servers(id),
	action        TEXT NOT NULL,
	payload       TEXT NOT NULL DEFAULT '',
	every_seconds INTEGER NOT NULL,
	next_run_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_runs (
	id      TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	status  TEXT NOT NULL,
	detail  TEXT NOT NULL DEFAULT '',
	ran_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_servers_node ON servers(node_id);
CREATE INDEX IF NOT EXISTS idx_backups_server ON backups(server_id);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(next_run_at);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateNode inserts a new node.
func (s *SQLiteStore) CreateNode(ctx context.Context, n *Node) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, name, secret_digest, online, created_at) VALUES (?, ?, ?, 0, ?)`,
		n.ID, n.Name, n.SecretDigest, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}
	return nil
}

// Node fetches one node by id.
func (s *SQLiteStore) Node(ctx context.Context, id string) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, secret_digest, online, last_heartbeat, created_at FROM nodes WHERE id = ?`, id)
	return scanNode(row)
}

// ListNodes returns all nodes ordered by name.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, secret_digest, online, last_heartbeat, created_at FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (*Node, error) {
	var n Node
	var beat sql.NullTime
	err := row.Scan(&n.ID, &n.Name, &n.SecretDigest, &n.Online, &beat, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	if beat.Valid {
		t := beat.Time
		n.LastHeartbeat = &t
	}
	return &n, nil
}

// NodeSecretDigest returns the stored secret digest for a node.
func (s *SQLiteStore) NodeSecretDigest(ctx context.Context, id string) (string, error) {
	var digest string
	err := s.db.QueryRowContext(ctx, `SELECT secret_digest FROM nodes WHERE id = ?`, id).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading node secret: %w", err)
	}
	return digest, nil
}

// SetNodeStatus records an online/offline transition.
func (s *SQLiteStore) SetNodeStatus(ctx context.Context, id string, online bool, at time.Time) error {
	var err error
	if online {
		_, err = s.db.ExecContext(ctx,
			`UPDATE nodes SET online = 1, last_heartbeat = ? WHERE id = ?`, at.UTC(), id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE nodes SET online = 0 WHERE id = ?`, id)
	}
	if err != nil {
		return fmt.Errorf("updating node status: %w", err)
	}
	return nil
}

// SetNodeHeartbeat refreshes a node's last heartbeat timestamp.
func (s *SQLiteStore) SetNodeHeartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_heartbeat = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating node heartbeat: %w", err)
	}
	return nil
}

// CreateServer inserts a new server.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *Server) error {
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}
	if srv.State == "" {
		srv.State = "offline"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (id, uuid, node_id, name, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		srv.ID, srv.UUID, srv.NodeID, srv.Name, srv.State, srv.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting server: %w", err)
	}
	return nil
}

// Server fetches one server by id.
func (s *SQLiteStore) Server(ctx context.Context, id string) (*Server, error) {
	var srv Server
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uuid, node_id, name, state, created_at FROM servers WHERE id = ?`, id).
		Scan(&srv.ID, &srv.UUID, &srv.NodeID, &srv.Name, &srv.State, &srv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning server: %w", err)
	}
	return &srv, nil
}

// ListServers returns all servers ordered by name.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, node_id, name, state, created_at FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.ID, &srv.UUID, &srv.NodeID, &srv.Name, &srv.State, &srv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning server: %w", err)
		}
		servers = append(servers, &srv)
	}
	return servers, rows.Err()
}

// SetServerState records a lifecycle transition reported by an agent.
func (s *SQLiteStore) SetServerState(ctx context.Context, id, state string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE servers SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("updating server state: %w", err)
	}
	return nil
}

// CreateBackup inserts backup metadata.
func (s *SQLiteStore) CreateBackup(ctx context.Context, b *Backup) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (id, server_id, name, path, size_bytes, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.ServerID, b.Name, b.Path, b.SizeBytes, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting backup: %w", err)
	}
	return nil
}

// Backup fetches one backup by id.
func (s *SQLiteStore) Backup(ctx context.Context, id string) (*Backup, error) {
	var b Backup
	err := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, name, path, size_bytes, created_at FROM backups WHERE id = ?`, id).
		Scan(&b.ID, &b.ServerID, &b.Name, &b.Path, &b.SizeBytes, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning backup: %w", err)
	}
	return &b, nil
}

// ListBackups returns a server's backups, newest first.
func (s *SQLiteStore) ListBackups(ctx context.Context, serverID string) ([]*Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, path, size_bytes, created_at FROM backups WHERE server_id = ? ORDER BY created_at DESC`,
		serverID)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	defer rows.Close()

	var backups []*Backup
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.ServerID, &b.Name, &b.Path, &b.SizeBytes, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning backup: %w", err)
		}
		backups = append(backups, &b)
	}
	return backups, rows.Err()
}

// DeleteBackup removes backup metadata.
func (s *SQLiteStore) DeleteBackup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting backup: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTask inserts a scheduled task.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, server_id, action, payload, every_seconds, next_run_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ServerID, t.Action, t.Payload, int64(t.Every.Seconds()), t.NextRunAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

// Tasks returns a server's scheduled tasks ordered by next run.
func (s *SQLiteStore) Tasks(ctx context.Context, serverID string) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, server_id, action, payload, every_seconds, next_run_at FROM tasks WHERE server_id = ? ORDER BY next_run_at`,
		serverID)
}

// DueTasks returns tasks whose next run is at or before now.
func (s *SQLiteStore) DueTasks(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.queryTasks(ctx,
		`SELECT id, server_id, action, payload, every_seconds, next_run_at FROM tasks WHERE next_run_at <= ? ORDER BY next_run_at`,
		now.UTC())
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var everySeconds int64
		if err := rows.Scan(&t.ID, &t.ServerID, &t.Action, &t.Payload, &everySeconds, &t.NextRunAt); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		t.Every = time.Duration(everySeconds) * time.Second
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// MarkTaskRan advances a task's next run time.
func (s *SQLiteStore) MarkTaskRan(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET next_run_at = ? WHERE id = ?`, next.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return nil
}

// RecordTaskRun appends one execution record.
func (s *SQLiteStore) RecordTaskRun(ctx context.Context, r *TaskRun) error {
	if r.RanAt.IsZero() {
		r.RanAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (id, task_id, status, detail, ran_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.Status, r.Detail, r.RanAt)
	if err != nil {
		return fmt.Errorf("inserting task run: %w", err)
	}
	return nil
}

// TaskRuns returns a task's run history, newest first.
func (s *SQLiteStore) TaskRuns(ctx context.Context, taskID string) ([]*TaskRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, status, detail, ran_at FROM task_runs WHERE task_id = ? ORDER BY ran_at DESC`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("listing task runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		var r TaskRun
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Status, &r.Detail, &r.RanAt); err != nil {
			return nil, fmt.Errorf("scanning task run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// NodeOnline implements agent.StatusSink: keeps the stored liveness view
// consistent with the gateway's in-memory state.
func (s *SQLiteStore) NodeOnline(nodeID string, at time.Time) {
	if err := s.SetNodeStatus(context.Background(), nodeID, true, at); err != nil {
		s.logger.Warn("persisting node online", "node_id", nodeID, "error", err)
	}
}

// NodeOffline implements agent.StatusSink.
func (s *SQLiteStore) NodeOffline(nodeID string, at time.Time) {
	if err := s.SetNodeStatus(context.Background(), nodeID, false, at); err != nil {
		s.logger.Warn("persisting node offline", "node_id", nodeID, "error", err)
	}
}

// NodeHeartbeat implements agent.StatusSink.
func (s *SQLiteStore) NodeHeartbeat(nodeID string, at time.Time) {
	if err := s.SetNodeHeartbeat(context.Background(), nodeID, at); err != nil {
		s.logger.Warn("persisting node heartbeat", "node_id", nodeID, "error", err)
	}
}
