package api

import (
	"net/http"
	"strings"

	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/workflow"
)

func (h *Handlers) listTodos(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Store.GetTask(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	items, err := h.Store.ListTodos(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if items == nil {
		items = []*task.TodoItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handlers) createTodo(w http.ResponseWriter, r *http.Request) {
	var item task.TodoItem
	if !decode(w, r, &item) {
		return
	}
	if err := h.Workflow.CreateTodo(r.Context(), r.PathValue("id"), ActorFrom(r.Context()), &item); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("todo.created", item)
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handlers) getTodo(w http.ResponseWriter, r *http.Request) {
	item, err := h.Store.GetTodo(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handlers) deleteTodo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Workflow.DeleteTodo(r.Context(), id, ActorFrom(r.Context())); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("todo.deleted", map[string]string{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

// todoActionRequest carries the optional arguments of a todo action.
type todoActionRequest struct {
	Reason   string   `json:"reason,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Details  string   `json:"details,omitempty"`
}

// todoAction dispatches POST /api/todoitems/{id}/{action}. URL actions use
// dashes, e.g. reject-completion.
func (h *Handlers) todoAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	actor := ActorFrom(ctx)
	action := workflow.Action(strings.ReplaceAll(r.PathValue("action"), "-", "_"))
	if action == "progress" {
		action = workflow.ActionUpdateProgress
	}

	var req todoActionRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	needProgress := func() (float64, bool) {
		if req.Progress == nil {
			h.writeDomainError(w, task.Errorf(task.KindInvalid, "progress is required"))
			return 0, false
		}
		return *req.Progress, true
	}

	var (
		item *task.TodoItem
		err  error
	)
	switch action {
	case workflow.ActionAccept:
		item, err = h.Workflow.Accept(ctx, id, actor)
	case workflow.ActionReject:
		item, err = h.Workflow.Reject(ctx, id, actor, req.Reason)
	case workflow.ActionStart:
		item, err = h.Workflow.Start(ctx, id, actor)
	case workflow.ActionUpdateProgress:
		p, ok := needProgress()
		if !ok {
			return
		}
		item, err = h.Workflow.UpdateProgress(ctx, id, actor, p)
	case workflow.ActionComplete:
		p, ok := needProgress()
		if !ok {
			return
		}
		item, err = h.Workflow.Complete(ctx, id, actor, p, req.Details)
	case workflow.ActionReopen:
		item, err = h.Workflow.Reopen(ctx, id, actor)
	case workflow.ActionApprove:
		item, err = h.Workflow.Approve(ctx, id, actor)
	case workflow.ActionRejectCompletion:
		item, err = h.Workflow.RejectCompletion(ctx, id, actor, req.Reason)
	default:
		writeError(w, http.StatusNotFound, "unknown todo action "+r.PathValue("action"))
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("todo."+string(action), item)
	writeJSON(w, http.StatusOK, item)
}
