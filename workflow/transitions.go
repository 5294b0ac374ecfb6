package workflow

import (
	"slices"

	"github.com/GoCodeAlone/tally/task"
)

// Action is a todo item workflow verb.
type Action string

const (
	ActionAccept           Action = "accept"
	ActionReject           Action = "reject"
	ActionStart            Action = "start"
	ActionUpdateProgress   Action = "update_progress"
	ActionComplete         Action = "complete"
	ActionReopen           Action = "reopen"
	ActionApprove          Action = "approve"
	ActionRejectCompletion Action = "reject_completion"
)

// Actions lists every todo item action.
func Actions() []Action {
	return []Action{
		ActionAccept, ActionReject, ActionStart, ActionUpdateProgress,
		ActionComplete, ActionReopen, ActionApprove, ActionRejectCompletion,
	}
}

// States lists every todo item status.
func States() []task.Status {
	return []task.Status{
		task.StatusPending, task.StatusAccepted, task.StatusInProgress,
		task.StatusCompleted, task.StatusApproved, task.StatusRejected,
	}
}

type edge struct {
	from []task.Status
	to   task.Status
}

var todoTransitions = map[Action]edge{
	ActionAccept:           {from: []task.Status{task.StatusPending, task.StatusRejected}, to: task.StatusAccepted},
	ActionReject:           {from: []task.Status{task.StatusPending, task.StatusAccepted}, to: task.StatusRejected},
	ActionStart:            {from: []task.Status{task.StatusAccepted}, to: task.StatusInProgress},
	ActionUpdateProgress:   {from: []task.Status{task.StatusAccepted}, to: task.StatusAccepted},
	ActionComplete:         {from: []task.Status{task.StatusAccepted, task.StatusInProgress}, to: task.StatusCompleted},
	ActionReopen:           {from: []task.Status{task.StatusRejected}, to: task.StatusPending},
	ActionApprove:          {from: []task.Status{task.StatusCompleted}, to: task.StatusApproved},
	ActionRejectCompletion: {from: []task.Status{task.StatusCompleted}, to: task.StatusRejected},
}

// Next returns the status a todo item in state from moves to under action.
// previous is the state a rejection came from and only affects reopen: an
// item whose completion was rejected reopens as accepted.
func Next(from task.Status, action Action, previous task.Status) (task.Status, error) {
	e, ok := todoTransitions[action]
	if !ok || !slices.Contains(e.from, from) {
		return "", task.Errorf(task.KindInvalidTransition, "cannot %s a todo item that is %s", action, from)
	}
	if action == ActionReopen && previous == task.StatusCompleted {
		return task.StatusAccepted, nil
	}
	return e.to, nil
}

// ReduceTaskStatus derives a task's status from the statuses of its todo
// items. Only pending and accepted tasks are affected: any accepted item
// makes the task accepted, and a set made only of pending and rejected
// items puts it back to pending. Anything else leaves current unchanged.
func ReduceTaskStatus(current task.Status, todos []task.Status) task.Status {
	if current != task.StatusPending && current != task.StatusAccepted {
		return current
	}
	if len(todos) == 0 {
		return current
	}
	idle := true
	for _, s := range todos {
		if s == task.StatusAccepted {
			return task.StatusAccepted
		}
		if s != task.StatusPending && s != task.StatusRejected {
			idle = false
		}
	}
	if idle {
		return task.StatusPending
	}
	return current
}

// Task-level actions.
const (
	TaskActionAccept   Action = "accept"
	TaskActionStart    Action = "start"
	TaskActionComplete Action = "complete"
	TaskActionApprove  Action = "approve"
)

var taskTransitions = map[Action]edge{
	TaskActionAccept:   {from: []task.Status{task.StatusPending}, to: task.StatusAccepted},
	TaskActionStart:    {from: []task.Status{task.StatusAccepted}, to: task.StatusInProgress},
	TaskActionComplete: {from: []task.Status{task.StatusAccepted, task.StatusInProgress}, to: task.StatusCompleted},
	TaskActionApprove:  {from: []task.Status{task.StatusCompleted}, to: task.StatusApproved},
}

// NextTask returns the status a task in state from moves to under action.
func NextTask(from task.Status, action Action) (task.Status, error) {
	e, ok := taskTransitions[action]
	if !ok || !slices.Contains(e.from, from) {
		return "", task.Errorf(task.KindInvalidTransition, "cannot %s a task that is %s", action, from)
	}
	return e.to, nil
}
