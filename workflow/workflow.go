// Package workflow moves todo items and tasks through their state machines
// and applies the side effects of each transition.
package workflow

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/tally/comms"
	"github.com/GoCodeAlone/tally/milestone"
	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/tree"
)

// Role is a user role carried in auth tokens.
type Role string

const (
	RoleMember   Role = "member"
	RoleApprover Role = "approver"
	RoleAdmin    Role = "admin"
)

// Actor is the user performing an operation.
type Actor struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles"`
}

// Has reports whether the actor holds role. Admins hold every role.
func (a Actor) Has(role Role) bool {
	return slices.Contains(a.Roles, role) || slices.Contains(a.Roles, RoleAdmin)
}

// CanApprove reports whether the actor may approve work.
func (a Actor) CanApprove() bool { return a.Has(RoleApprover) }

// Engine applies workflow transitions.
type Engine struct {
	tree   *tree.Manager
	notify Notifier
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine. A nil notifier discards notifications.
func New(tm *tree.Manager, notifier Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{tree: tm, notify: notifier, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Accept moves a pending or rejected item to accepted. Only the assignee
// may accept.
func (e *Engine) Accept(ctx context.Context, todoID string, actor Actor) (*task.TodoItem, error) {
	return e.transition(ctx, todoID, ActionAccept, actor, func(item *task.TodoItem) error {
		item.RejectionReason = ""
		return nil
	})
}

// Reject moves a pending or accepted item to rejected. Only the assignee
// may reject, and reason must not be blank.
func (e *Engine) Reject(ctx context.Context, todoID string, actor Actor, reason string) (*task.TodoItem, error) {
	return e.transition(ctx, todoID, ActionReject, actor, func(item *task.TodoItem) error {
		return setRejection(item, reason)
	})
}

// Start moves an accepted item to in_progress.
func (e *Engine) Start(ctx context.Context, todoID string, actor Actor) (*task.TodoItem, error) {
	return e.transition(ctx, todoID, ActionStart, actor, nil)
}

// UpdateProgress records progress on an accepted item.
func (e *Engine) UpdateProgress(ctx context.Context, todoID string, actor Actor, progress float64) (*task.TodoItem, error) {
	return e.transition(ctx, todoID, ActionUpdateProgress, actor, func(item *task.TodoItem) error {
		return setProgress(item, progress)
	})
}

// Complete moves an accepted or in-progress item to completed with its
// final progress and completion details.
func (e *Engine) Complete(ctx context.Context, todoID string, actor Actor, progress float64, details string) (*task.TodoItem, error) {
	return e.transition(ctx, todoID, ActionComplete, actor, func(item *task.TodoItem) error {
		if err := setProgress(item, progress); err != nil {
			return err
		}
		now := e.now()
		item.CompletionDetails = strings.TrimSpace(details)
		item.CompletedAt = &now
		return nil
	})
}

// Reopen moves a rejected item back to pending, or to accepted when the
// rejection was of a completed item.
func (e *Engine) Reopen(ctx context.Context, todoID string, actor Actor) (*task.TodoItem, error) {
	return e.transition(ctx, todoID, ActionReopen, actor, func(item *task.TodoItem) error {
		item.RejectionReason = ""
		return nil
	})
}

// Approve moves a completed item to approved. Requires the approver role.
func (e *Engine) Approve(ctx context.Context, todoID string, actor Actor) (*task.TodoItem, error) {
	return e.transition(ctx, todoID, ActionApprove, actor, func(item *task.TodoItem) error {
		now := e.now()
		item.ApprovedBy = actor.ID
		item.ApprovedAt = &now
		return nil
	})
}

// RejectCompletion sends a completed item back to rejected. Requires the
// approver role and a reason.
func (e *Engine) RejectCompletion(ctx context.Context, todoID string, actor Actor, reason string) (*task.TodoItem, error) {
	return e.transition(ctx, todoID, ActionRejectCompletion, actor, func(item *task.TodoItem) error {
		if err := setRejection(item, reason); err != nil {
			return err
		}
		item.CompletedAt = nil
		return nil
	})
}

func setRejection(item *task.TodoItem, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return task.Errorf(task.KindInvalid, "a reason is required to reject todo item %s", item.ID)
	}
	item.RejectionReason = reason
	return nil
}

func setProgress(item *task.TodoItem, progress float64) error {
	if !task.ValidProgress(progress) {
		return task.Errorf(task.KindInvalid, "progress %v outside [0, 100]", progress)
	}
	item.Progress = progress
	return nil
}

func authorize(action Action, item *task.TodoItem, actor Actor) error {
	switch action {
	case ActionAccept, ActionReject:
		if actor.ID != item.AssignedTo {
			return task.Errorf(task.KindUnauthorized, "only %s may %s todo item %s", item.AssignedTo, action, item.ID)
		}
	case ActionApprove, ActionRejectCompletion:
		if !actor.CanApprove() {
			return task.Errorf(task.KindUnauthorized, "%s lacks the approver role", actor.ID)
		}
	}
	return nil
}

// transition runs one todo item action inside the item's tree transaction:
// check the table, authorize, apply field changes, persist, then recompute
// progress and the owning task's status.
func (e *Engine) transition(ctx context.Context, todoID string, action Action, actor Actor, apply func(item *task.TodoItem) error) (*task.TodoItem, error) {
	item, err := e.tree.Store().GetTodo(ctx, todoID)
	if err != nil {
		return nil, err
	}

	var out *task.TodoItem
	err = e.tree.Mutate(ctx, item.TaskID, func(tm *tree.Manager) error {
		st := tm.Store()
		item, err := st.GetTodo(ctx, todoID)
		if err != nil {
			return err
		}
		from := item.Status
		to, err := Next(from, action, item.PreviousStatus)
		if err != nil {
			return err
		}
		if err := authorize(action, item, actor); err != nil {
			return err
		}
		oldProgress := item.Progress
		if apply != nil {
			if err := apply(item); err != nil {
				return err
			}
		}
		item.PreviousStatus = from
		item.Status = to
		if err := st.UpdateTodo(ctx, item); err != nil {
			return err
		}
		if !task.SameProgress(oldProgress, item.Progress) {
			if err := tm.RecomputeAncestorProgress(ctx, item.TaskID); err != nil {
				return err
			}
		}
		if err := reduceTask(ctx, tm, item.TaskID); err != nil {
			return err
		}
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("todo transition",
		slog.String("todo", out.ID),
		slog.String("action", string(action)),
		slog.String("status", string(out.Status)),
		slog.String("actor", actor.ID))
	if n := todoNotification(action, out, actor); n != nil {
		e.notify.Notify(n)
	}
	return out, nil
}

// reduceTask re-derives the status of taskID from its todo items. Parent
// tasks are not touched.
func reduceTask(ctx context.Context, tm *tree.Manager, taskID string) error {
	st := tm.Store()
	t, err := st.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	todos, err := st.ListTodos(ctx, taskID)
	if err != nil {
		return err
	}
	statuses := make([]task.Status, len(todos))
	for i, it := range todos {
		statuses[i] = it.Status
	}
	next := ReduceTaskStatus(t.Status, statuses)
	if next == t.Status {
		return nil
	}
	t.Status = next
	return st.UpdateTask(ctx, t)
}

// CreateTodo adds item to a leaf task. The actor must be an approver or the
// assignment's team leader. An empty AssignedTo defaults to the assignment
// member.
func (e *Engine) CreateTodo(ctx context.Context, taskID string, actor Actor, item *task.TodoItem) error {
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return task.Errorf(task.KindInvalid, "todo item title is required")
	}
	if item.Weight == 0 {
		item.Weight = task.MinWeight
	}
	if !task.ValidWeight(item.Weight) {
		return task.Errorf(task.KindInvalid, "weight %d outside [%d, %d]", item.Weight, task.MinWeight, task.MaxWeight)
	}

	err := e.tree.Mutate(ctx, taskID, func(tm *tree.Manager) error {
		st := tm.Store()
		t, err := st.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		a, err := st.GetAssignment(ctx, t.AssignmentID)
		if err != nil {
			return err
		}
		if !actor.CanApprove() && actor.ID != a.TeamLeaderID {
			return task.Errorf(task.KindUnauthorized, "%s may not assign work on assignment %s", actor.ID, a.ID)
		}
		if t.Status.Done() {
			return task.Errorf(task.KindInvalidTransition, "task %s is %s", t.ID, t.Status)
		}
		kids, err := st.Children(ctx, taskID)
		if err != nil {
			return err
		}
		if len(kids) > 0 {
			return task.Errorf(task.KindInvalidHierarchy, "task %s has subtasks; todo items belong on leaf tasks", t.ID)
		}

		item.ID = ""
		item.TaskID = t.ID
		item.AssignedBy = actor.ID
		if item.AssignedTo == "" {
			item.AssignedTo = a.MemberID
		}
		item.Status = task.StatusPending
		item.PreviousStatus = ""
		item.Progress = 0
		item.RejectionReason, item.CompletionDetails, item.ApprovedBy = "", "", ""
		item.CompletedAt, item.ApprovedAt = nil, nil
		if err := st.CreateTodo(ctx, item); err != nil {
			return err
		}
		if err := tm.RecomputeAncestorProgress(ctx, t.ID); err != nil {
			return err
		}
		return reduceTask(ctx, tm, t.ID)
	})
	if err != nil {
		return err
	}
	e.logger.Info("todo created", slog.String("todo", item.ID), slog.String("task", taskID), slog.String("assignee", item.AssignedTo))
	if n := assignedNotification(item, actor); n != nil {
		e.notify.Notify(n)
	}
	return nil
}

// DeleteTodo removes an item. The actor must be an approver or the user who
// assigned it. The owning task's progress and status are re-derived.
func (e *Engine) DeleteTodo(ctx context.Context, todoID string, actor Actor) error {
	item, err := e.tree.Store().GetTodo(ctx, todoID)
	if err != nil {
		return err
	}
	return e.tree.Mutate(ctx, item.TaskID, func(tm *tree.Manager) error {
		st := tm.Store()
		item, err := st.GetTodo(ctx, todoID)
		if err != nil {
			return err
		}
		if !actor.CanApprove() && actor.ID != item.AssignedBy {
			return task.Errorf(task.KindUnauthorized, "%s may not delete todo item %s", actor.ID, item.ID)
		}
		if err := st.DeleteTodo(ctx, todoID); err != nil {
			return err
		}
		if err := tm.RecomputeAncestorProgress(ctx, item.TaskID); err != nil {
			return err
		}
		if err := reduceTask(ctx, tm, item.TaskID); err != nil {
			return err
		}
		e.logger.Info("todo deleted", slog.String("todo", todoID), slog.String("actor", actor.ID))
		return nil
	})
}

// AcceptTask moves a pending task to accepted. Only the assignment member
// may accept.
func (e *Engine) AcceptTask(ctx context.Context, taskID string, actor Actor) (*task.Task, error) {
	return e.taskTransition(ctx, taskID, TaskActionAccept, actor, func(_ *tree.Manager, t *task.Task, a *task.Assignment) error {
		if actor.ID != a.MemberID {
			return task.Errorf(task.KindUnauthorized, "only %s may accept task %s", a.MemberID, t.ID)
		}
		return nil
	})
}

// StartTask moves an accepted task to in_progress.
func (e *Engine) StartTask(ctx context.Context, taskID string, actor Actor) (*task.Task, error) {
	return e.taskTransition(ctx, taskID, TaskActionStart, actor, nil)
}

// CompleteTask moves an accepted or in-progress task to completed. The
// task's milestone must already be closed, and every subtask and todo item
// must be finished.
func (e *Engine) CompleteTask(ctx context.Context, taskID string, actor Actor) (*task.Task, error) {
	return e.taskTransition(ctx, taskID, TaskActionComplete, actor, func(tm *tree.Manager, t *task.Task, a *task.Assignment) error {
		if actor.ID != a.MemberID && !actor.CanApprove() {
			return task.Errorf(task.KindUnauthorized, "%s may not complete task %s", actor.ID, t.ID)
		}
		st := tm.Store()
		if err := milestone.NewValidator(st).ValidateTaskCompletionAgainstMilestone(ctx, t.ID); err != nil {
			return err
		}
		if t.CompletedChildCount < t.ChildCount {
			return task.Errorf(task.KindInvalidTransition, "task %s has %d unfinished subtasks", t.ID, t.ChildCount-t.CompletedChildCount)
		}
		todos, err := st.ListTodos(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, it := range todos {
			if !it.Status.Done() {
				return task.Errorf(task.KindInvalidTransition, "todo item %s of task %s is %s", it.ID, t.ID, it.Status)
			}
		}
		now := e.now()
		t.CompletedAt = &now
		return nil
	})
}

// ApproveTask moves a completed task to approved. Requires the approver role.
func (e *Engine) ApproveTask(ctx context.Context, taskID string, actor Actor) (*task.Task, error) {
	return e.taskTransition(ctx, taskID, TaskActionApprove, actor, func(_ *tree.Manager, t *task.Task, _ *task.Assignment) error {
		if !actor.CanApprove() {
			return task.Errorf(task.KindUnauthorized, "%s lacks the approver role", actor.ID)
		}
		return nil
	})
}

func (e *Engine) taskTransition(ctx context.Context, taskID string, action Action, actor Actor,
	check func(tm *tree.Manager, t *task.Task, a *task.Assignment) error) (*task.Task, error) {
	var (
		out       *task.Task
		recipient string
	)
	err := e.tree.Mutate(ctx, taskID, func(tm *tree.Manager) error {
		st := tm.Store()
		t, err := st.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		to, err := NextTask(t.Status, action)
		if err != nil {
			return err
		}
		a, err := st.GetAssignment(ctx, t.AssignmentID)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(tm, t, a); err != nil {
				return err
			}
		}
		t.Status = to
		if err := st.UpdateTask(ctx, t); err != nil {
			return err
		}
		if t.ParentID != "" {
			// Refresh the parent's completed-child count.
			if err := tm.RecomputeAncestorProgress(ctx, t.ParentID); err != nil {
				return err
			}
		}
		recipient = a.TeamLeaderID
		if action == TaskActionApprove {
			recipient = a.MemberID
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("task transition",
		slog.String("task", out.ID),
		slog.String("action", string(action)),
		slog.String("status", string(out.Status)),
		slog.String("actor", actor.ID))
	if action == TaskActionComplete || action == TaskActionApprove {
		if n := taskNotification(action, out, recipient, actor); n != nil {
			e.notify.Notify(n)
		}
	}
	return out, nil
}

var _ Notifier = (*comms.Dispatcher)(nil)
