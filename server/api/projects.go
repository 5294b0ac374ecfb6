package api

import (
	"net/http"
	"strings"

	"github.com/GoCodeAlone/tally/task"
)

// requireApprover answers 403 unless the caller holds the approver role.
func (h *Handlers) requireApprover(w http.ResponseWriter, r *http.Request) bool {
	actor := ActorFrom(r.Context())
	if !actor.CanApprove() {
		h.writeDomainError(w, task.Errorf(task.KindUnauthorized, "%s lacks the approver role", actor.ID))
		return false
	}
	return true
}

// --- Projects ---

func (h *Handlers) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if projects == nil {
		projects = []*task.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handlers) createProject(w http.ResponseWriter, r *http.Request) {
	if !h.requireApprover(w, r) {
		return
	}
	var p task.Project
	if !decode(w, r, &p) {
		return
	}
	p.ID = ""
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		h.writeDomainError(w, task.Errorf(task.KindInvalid, "project name is required"))
		return
	}
	if err := h.Store.CreateProject(r.Context(), &p); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Assignments ---

func (h *Handlers) listAssignments(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListAssignments(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []*task.Assignment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) createAssignment(w http.ResponseWriter, r *http.Request) {
	if !h.requireApprover(w, r) {
		return
	}
	var a task.Assignment
	if !decode(w, r, &a) {
		return
	}
	a.ID = ""
	if a.MemberID == "" {
		h.writeDomainError(w, task.Errorf(task.KindInvalid, "member_id is required"))
		return
	}
	if a.TeamLeaderID == "" {
		a.TeamLeaderID = ActorFrom(r.Context()).ID
	}
	if _, err := h.Store.GetProject(r.Context(), a.ProjectID); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.Store.CreateAssignment(r.Context(), &a); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) getAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Store.GetAssignment(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) verifyAssignment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.Store.GetAssignment(r.Context(), id); err != nil {
		h.writeDomainError(w, err)
		return
	}
	resp := map[string]any{"assignment_id": id, "ok": true}
	if err := h.Tree.Verify(r.Context(), id); err != nil {
		if task.KindOf(err) != task.KindInvalidHierarchy {
			h.writeDomainError(w, err)
			return
		}
		resp["ok"] = false
		resp["problems"] = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Milestones ---

func (h *Handlers) listMilestones(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		h.writeDomainError(w, task.Errorf(task.KindInvalid, "project_id is required"))
		return
	}
	list, err := h.Milestones.List(r.Context(), projectID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if list == nil {
		list = []*task.Milestone{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) createMilestone(w http.ResponseWriter, r *http.Request) {
	if !h.requireApprover(w, r) {
		return
	}
	var m task.Milestone
	if !decode(w, r, &m) {
		return
	}
	m.ID = ""
	if err := h.Milestones.Create(r.Context(), &m); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("milestone.created", m)
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handlers) getMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := h.Milestones.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) closeMilestone(w http.ResponseWriter, r *http.Request) {
	if !h.requireApprover(w, r) {
		return
	}
	m, err := h.Milestones.Close(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.emit("milestone.closed", m)
	writeJSON(w, http.StatusOK, m)
}
