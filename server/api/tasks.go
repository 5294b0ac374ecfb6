package api

import (
	"net/http"

	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/tree"
	"github.com/GoCodeAlone/tally/workflow"
)

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{
		AssignmentID: q.Get("assignment_id"),
		ParentID:     q.Get("parent_id"),
		MilestoneID:  q.Get("milestone_id"),
		RootsOnly:    q.Get("roots") == "true",
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	}
	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		if !st.Valid() {
			h.writeDomainError(w, task.Errorf(task.KindInvalid, "unknown status %q", s))
			return
		}
		filter.Status = &st
	}

	tasks, err := h.Store.ListTasks(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if !decode(w, r, &t) {
		return
	}
	t.ID = ""
	if err := h.Tree.CreateTask(r.Context(), &t); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("task.created", t)
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	var p tree.Patch
	if !decode(w, r, &p) {
		return
	}
	t, err := h.Tree.UpdateTask(r.Context(), r.PathValue("id"), p)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("task.updated", t)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Tree.DeleteTask(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("task.deleted", map[string]string{"id": id})
	w.WriteHeader(http.StatusNoContent)
}

type progressRequest struct {
	Progress *float64 `json:"progress"`
}

func (h *Handlers) setTaskProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Progress == nil {
		h.writeDomainError(w, task.Errorf(task.KindInvalid, "progress is required"))
		return
	}
	t, err := h.Tree.SetProgress(r.Context(), r.PathValue("id"), *req.Progress)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("task.progress", t)
	writeJSON(w, http.StatusOK, t)
}

type parentRequest struct {
	ParentID string `json:"parent_id"`
}

func (h *Handlers) setTaskParent(w http.ResponseWriter, r *http.Request) {
	var req parentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ParentID == "" {
		h.writeDomainError(w, task.Errorf(task.KindInvalid, "parent_id is required"))
		return
	}
	t := &task.Task{ID: r.PathValue("id")}
	if err := h.Tree.AttachChild(r.Context(), req.ParentID, t); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("task.moved", t)
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) taskTree(w http.ResponseWriter, r *http.Request) {
	n, err := h.Tree.Subtree(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *Handlers) taskAncestors(w http.ResponseWriter, r *http.Request) {
	list, err := h.Tree.Ancestors(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) taskAction(action workflow.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := r.PathValue("id")
		actor := ActorFrom(ctx)

		var (
			t   *task.Task
			err error
		)
		switch action {
		case workflow.TaskActionAccept:
			t, err = h.Workflow.AcceptTask(ctx, id, actor)
		case workflow.TaskActionStart:
			t, err = h.Workflow.StartTask(ctx, id, actor)
		case workflow.TaskActionComplete:
			t, err = h.Workflow.CompleteTask(ctx, id, actor)
		case workflow.TaskActionApprove:
			t, err = h.Workflow.ApproveTask(ctx, id, actor)
		}
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.emit("task."+string(action), t)
		writeJSON(w, http.StatusOK, t)
	}
}
