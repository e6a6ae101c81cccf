// ABOUTME: REST API for fleet control: nodes, server power, backups, tasks.
// ABOUTME: Translates dispatcher and store errors into HTTP status codes.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kilnhost/kiln/internal/agent"
	"github.com/kilnhost/kiln/internal/auth"
	"github.com/kilnhost/kiln/internal/protocol"
	"github.com/kilnhost/kiln/internal/store"
)

// Dispatcher is the slice of the agent manager the API needs.
type Dispatcher interface {
	SendCommand(nodeID string, cmd protocol.Command) bool
	RequestWithResponse(ctx context.Context, nodeID string, cmd protocol.Command, opts agent.RequestOptions) ([]byte, error)
	Status(nodeID string) agent.NodeStatus
}

// API serves the REST control surface.
type API struct {
	store    store.Store
	dispatch Dispatcher
	verifier auth.TokenVerifier
	logger   *slog.Logger
}

// New creates the API handler set.
func New(st store.Store, dispatch Dispatcher, verifier auth.TokenVerifier) *API {
	return &API{
		store:    st,
		dispatch: dispatch,
		verifier: verifier,
		logger:   slog.Default().With("component", "api"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/nodes", a.requireAuth(a.handleListNodes))
	mux.HandleFunc("GET /api/servers", a.requireAuth(a.handleListServers))

	mux.HandleFunc("POST /api/servers/{id}/power", a.requireAuth(a.handlePower))
	mux.HandleFunc("POST /api/servers/{id}/reinstall", a.requireAuth(a.handleReinstall))
	mux.HandleFunc("POST /api/servers/{id}/command", a.requireAuth(a.handleCommand))

	mux.HandleFunc("GET /api/servers/{id}/backups", a.requireAuth(a.handleListBackups))
	mux.HandleFunc("POST /api/servers/{id}/backups", a.requireAuth(a.handleCreateBackup))
	mux.HandleFunc("POST /api/backups/{id}/restore", a.requireAuth(a.handleRestoreBackup))
	mux.HandleFunc("DELETE /api/backups/{id}", a.requireAuth(a.handleDeleteBackup))
	mux.HandleFunc("GET /api/backups/{id}/download", a.requireAuth(a.handleDownloadBackup))

	mux.HandleFunc("GET /api/servers/{id}/tasks", a.requireAuth(a.handleListTasks))
	mux.HandleFunc("POST /api/servers/{id}/tasks", a.requireAuth(a.handleCreateTask))
}

// requireAuth wraps a handler with bearer token verification.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := a.verifier.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDispatchError maps request errors onto the HTTP surface. Buffer limit
// errors carry the current and recommended ceiling so operators know what to
// raise.
func (a *API) writeDispatchError(w http.ResponseWriter, err error) {
	var ble *agent.BufferLimitError
	switch {
	case errors.Is(err, agent.ErrNodeDisconnected):
		writeError(w, http.StatusServiceUnavailable, "node agent offline")
	case errors.Is(err, agent.ErrRequestTimeout):
		writeError(w, http.StatusGatewayTimeout, "node agent did not respond in time")
	case errors.As(err, &ble):
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":                  ble.Error(),
			"currentMaxBufferMb":     ble.CurrentMaxBufferMB,
			"recommendedMaxBufferMb": ble.RecommendedMaxBufferMB,
		})
	default:
		a.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type nodeView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Online        bool       `json:"online"`
	Stale         bool       `json:"stale"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing nodes failed")
		return
	}

	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		status := a.dispatch.Status(n.ID)
		views = append(views, nodeView{
			ID:            n.ID,
			Name:          n.Name,
			Online:        status.Online,
			Stale:         status.Stale,
			LastHeartbeat: n.LastHeartbeat,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type serverView struct {
	ID     string `json:"id"`
	UUID   string `json:"uuid"`
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
	State  string `json:"state"`
}

func (a *API) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.store.ListServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing servers failed")
		return
	}
	views := make([]serverView, 0, len(servers))
	for _, s := range servers {
		views = append(views, serverView{ID: s.ID, UUID: s.UUID, NodeID: s.NodeID, Name: s.Name, State: s.State})
	}
	writeJSON(w, http.StatusOK, views)
}

// serverFor resolves the path's server id, writing a 404 on a miss.
func (a *API) serverFor(w http.ResponseWriter, r *http.Request) (*store.Server, bool) {
	srv, err := a.store.Server(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "server not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading server failed")
		return nil, false
	}
	return srv, true
}

// send dispatches a fire-and-forget command, answering 202 or 503.
func (a *API) send(w http.ResponseWriter, nodeID string, cmd protocol.Command) {
	if !a.dispatch.SendCommand(nodeID, cmd) {
		writeError(w, http.StatusServiceUnavailable, "node agent offline")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

type powerRequest struct {
	Action string `json:"action"`
}

func (a *API) handlePower(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.serverFor(w, r)
	if !ok {
		return
	}

	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var kind protocol.Kind
	switch req.Action {
	case "start":
		kind = protocol.KindStart
	case "stop":
		kind = protocol.KindStop
	case "restart":
		kind = protocol.KindRestart
	default:
		writeError(w, http.StatusBadRequest, "action must be start, stop, or restart")
		return
	}

	a.send(w, srv.NodeID, protocol.Command{Type: kind, ServerID: srv.ID, ServerUUID: srv.UUID})
}

func (a *API) handleReinstall(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.serverFor(w, r)
	if !ok {
		return
	}
	a.send(w, srv.NodeID, protocol.Command{Type: protocol.KindInstall, ServerID: srv.ID, ServerUUID: srv.UUID})
}

type commandRequest struct {
	Input string `json:"input"`
}

func (a *API) handleCommand(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.serverFor(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	a.send(w, srv.NodeID, protocol.Command{
		Type: protocol.KindConsole, ServerID: srv.ID, ServerUUID: srv.UUID, Input: req.Input,
	})
}

type backupView struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"serverId"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a *API) handleListBackups(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.serverFor(w, r)
	if !ok {
		return
	}
	backups, err := a.store.ListBackups(r.Context(), srv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing backups failed")
		return
	}
	views := make([]backupView, 0, len(backups))
	for _, b := range backups {
		views = append(views, backupView{ID: b.ID, ServerID: b.ServerID, Name: b.Name, SizeBytes: b.SizeBytes, CreatedAt: b.CreatedAt})
	}
	writeJSON(w, http.StatusOK, views)
}

type createBackupRequest struct {
	Name string `json:"name"`
}

func (a *API) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.serverFor(w, r)
	if !ok {
		return
	}

	var req createBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	backup := &store.Backup{
		ID:       uuid.New().String(),
		ServerID: srv.ID,
		Name:     req.Name,
	}
	if err := a.store.CreateBackup(r.Context(), backup); err != nil {
		writeError(w, http.StatusInternalServerError, "recording backup failed")
		return
	}

	if !a.dispatch.SendCommand(srv.NodeID, protocol.Command{
		Type: protocol.KindCreateBackup, ServerID: srv.ID, ServerUUID: srv.UUID, BackupID: backup.ID,
	}) {
		writeError(w, http.StatusServiceUnavailable, "node agent offline")
		return
	}

	writeJSON(w, http.StatusAccepted, backupView{ID: backup.ID, ServerID: backup.ServerID, Name: backup.Name, CreatedAt: backup.CreatedAt})
}

// backupFor resolves the path's backup id and its owning server.
func (a *API) backupFor(w http.ResponseWriter, r *http.Request) (*store.Backup, *store.Server, bool) {
	b, err := a.store.Backup(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "backup not found")
		return nil, nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading backup failed")
		return nil, nil, false
	}
	srv, err := a.store.Server(r.Context(), b.ServerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "loading server failed")
		return nil, nil, false
	}
	return b, srv, true
}

func (a *API) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	b, srv, ok := a.backupFor(w, r)
	if !ok {
		return
	}
	a.send(w, srv.NodeID, protocol.Command{
		Type: protocol.KindRestoreBackup, ServerID: srv.ID, ServerUUID: srv.UUID,
		BackupID: b.ID, BackupPath: b.Path,
	})
}

func (a *API) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	b, srv, ok := a.backupFor(w, r)
	if !ok {
		return
	}

	if !a.dispatch.SendCommand(srv.NodeID, protocol.Command{
		Type: protocol.KindDeleteBackup, ServerID: srv.ID, ServerUUID: srv.UUID,
		BackupID: b.ID, BackupPath: b.Path,
	}) {
		writeError(w, http.StatusServiceUnavailable, "node agent offline")
		return
	}

	if err := a.store.DeleteBackup(r.Context(), b.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "deleting backup record failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *API) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	b, srv, ok := a.backupFor(w, r)
	if !ok {
		return
	}

	data, err := a.dispatch.RequestWithResponse(r.Context(), srv.NodeID, protocol.Command{
		Type: protocol.KindDownloadBackup, ServerID: srv.ID, ServerUUID: srv.UUID,
		BackupID: b.ID, BackupPath: b.Path,
	}, agent.RequestOptions{})
	if err != nil {
		a.writeDispatchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+b.Name+`.tar.gz"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type taskView struct {
	ID        string    `json:"id"`
	ServerID  string    `json:"serverId"`
	Action    string    `json:"action"`
	Payload   string    `json:"payload,omitempty"`
	Every     string    `json:"every"`
	NextRunAt time.Time `json:"nextRunAt"`
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.serverFor(w, r)
	if !ok {
		return
	}

	tasks, err := a.store.Tasks(r.Context(), srv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing tasks failed")
		return
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView{
			ID: t.ID, ServerID: t.ServerID, Action: t.Action, Payload: t.Payload,
			Every: t.Every.String(), NextRunAt: t.NextRunAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type createTaskRequest struct {
	Action  string `json:"action"`
	Payload string `json:"payload"`
	Every   string `json:"every"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	srv, ok := a.serverFor(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	every, err := time.ParseDuration(req.Every)
	if err != nil || every < time.Minute {
		writeError(w, http.StatusBadRequest, "every must be a duration of at least 1m")
		return
	}

	switch req.Action {
	case "start", "stop", "restart", "create_backup", "command":
	default:
		writeError(w, http.StatusBadRequest, "unsupported task action")
		return
	}

	task := &store.Task{
		ID:        uuid.New().String(),
		ServerID:  srv.ID,
		Action:    req.Action,
		Payload:   req.Payload,
		Every:     every,
		NextRunAt: time.Now().UTC().Add(every),
	}
	if err := a.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "creating task failed")
		return
	}

	writeJSON(w, http.StatusCreated, taskView{
		ID: task.ID, ServerID: task.ServerID, Action: task.Action, Payload: task.Payload,
		Every: task.Every.String(), NextRunAt: task.NextRunAt,
	})
}
