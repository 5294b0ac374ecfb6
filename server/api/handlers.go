package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/tally/comms"
	"github.com/GoCodeAlone/tally/milestone"
	"github.com/GoCodeAlone/tally/server/ws"
	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/tree"
	"github.com/GoCodeAlone/tally/workflow"
)

// Broadcaster pushes real-time events to connected clients.
type Broadcaster interface {
	Broadcast(event ws.Event)
}

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Store      task.Store
	Tree       *tree.Manager
	Workflow   *workflow.Engine
	Milestones *milestone.Service
	Bus        comms.Bus
	Events     Broadcaster
	Logger     *slog.Logger
	Version    string
	StartAt    time.Time
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/projects", h.listProjects)
	mux.HandleFunc("POST /api/projects", h.createProject)
	mux.HandleFunc("GET /api/projects/{id}", h.getProject)

	mux.HandleFunc("GET /api/assignments", h.listAssignments)
	mux.HandleFunc("POST /api/assignments", h.createAssignment)
	mux.HandleFunc("GET /api/assignments/{id}", h.getAssignment)
	mux.HandleFunc("GET /api/assignments/{id}/verify", h.verifyAssignment)

	mux.HandleFunc("GET /api/milestones", h.listMilestones)
	mux.HandleFunc("POST /api/milestones", h.createMilestone)
	mux.HandleFunc("GET /api/milestones/{id}", h.getMilestone)
	mux.HandleFunc("POST /api/milestones/{id}/close", h.closeMilestone)

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PUT /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("PATCH /api/tasks/{id}/progress", h.setTaskProgress)
	mux.HandleFunc("POST /api/tasks/{id}/parent", h.setTaskParent)
	mux.HandleFunc("GET /api/tasks/{id}/tree", h.taskTree)
	mux.HandleFunc("GET /api/tasks/{id}/ancestors", h.taskAncestors)
	mux.HandleFunc("POST /api/tasks/{id}/accept", h.taskAction(workflow.TaskActionAccept))
	mux.HandleFunc("POST /api/tasks/{id}/start", h.taskAction(workflow.TaskActionStart))
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.taskAction(workflow.TaskActionComplete))
	mux.HandleFunc("POST /api/tasks/{id}/approve", h.taskAction(workflow.TaskActionApprove))

	mux.HandleFunc("GET /api/tasks/{id}/todoitems", h.listTodos)
	mux.HandleFunc("POST /api/tasks/{id}/todoitems", h.createTodo)
	mux.HandleFunc("GET /api/todoitems/{id}", h.getTodo)
	mux.HandleFunc("DELETE /api/todoitems/{id}", h.deleteTodo)
	mux.HandleFunc("POST /api/todoitems/{id}/{action}", h.todoAction)

	mux.HandleFunc("GET /api/notifications", h.listNotifications)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// emit broadcasts a domain event when a broadcaster is attached.
func (h *Handlers) emit(eventType string, payload any) {
	if h.Events != nil {
		h.Events.Broadcast(ws.Event{Type: eventType, Payload: payload})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// --- Notifications ---

func (h *Handlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())
	notes, err := h.Bus.History(actor.ID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if notes == nil {
		notes = []*comms.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{
		"status":  "ok",
		"version": h.Version,
	}
	if !h.StartAt.IsZero() {
		resp["uptime"] = time.Since(h.StartAt).Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
