package workflow

import (
	"fmt"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/tally/comms"
	"github.com/GoCodeAlone/tally/task"
)

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Notify(n *comms.Notification)
}

type nopNotifier struct{}

func (nopNotifier) Notify(*comms.Notification) {}

var titleCase = cases.Title(language.English)

var pastTense = map[Action]string{
	ActionAccept:           "accepted",
	ActionReject:           "rejected",
	ActionStart:            "started",
	ActionUpdateProgress:   "updated",
	ActionComplete:         "completed",
	ActionApprove:          "approved",
	ActionRejectCompletion: "completion rejected",
}

// todoRecipient picks who hears about an action on item. Starts, progress
// updates and reopens are not announced.
func todoRecipient(action Action, item *task.TodoItem) string {
	switch action {
	case ActionAccept, ActionReject, ActionComplete:
		return item.AssignedBy
	case ActionApprove, ActionRejectCompletion:
		return item.AssignedTo
	}
	return ""
}

func todoNotification(action Action, item *task.TodoItem, actor Actor) *comms.Notification {
	to := todoRecipient(action, item)
	if to == "" || to == actor.ID {
		return nil
	}
	msg := fmt.Sprintf("%s %s %q.", actor.ID, pastTense[action], item.Title)
	if item.RejectionReason != "" && (action == ActionReject || action == ActionRejectCompletion) {
		msg += " Reason: " + item.RejectionReason
	}
	return &comms.Notification{
		RecipientID:       to,
		Subject:           titleCase.String("todo item " + pastTense[action]),
		Message:           msg,
		RelatedEntityType: "todo_item",
		RelatedEntityID:   item.ID,
		DeliveryMethod:    comms.DeliveryInApp,
	}
}

func assignedNotification(item *task.TodoItem, actor Actor) *comms.Notification {
	if item.AssignedTo == "" || item.AssignedTo == actor.ID {
		return nil
	}
	return &comms.Notification{
		RecipientID:       item.AssignedTo,
		Subject:           titleCase.String("new todo item assigned"),
		Message:           fmt.Sprintf("%s assigned you %q.", actor.ID, item.Title),
		RelatedEntityType: "todo_item",
		RelatedEntityID:   item.ID,
		DeliveryMethod:    comms.DeliveryEmail,
	}
}

func taskNotification(action Action, t *task.Task, recipient string, actor Actor) *comms.Notification {
	if recipient == "" || recipient == actor.ID {
		return nil
	}
	verb := pastTense[action]
	return &comms.Notification{
		RecipientID:       recipient,
		Subject:           titleCase.String("task " + verb),
		Message:           fmt.Sprintf("%s %s task %q.", actor.ID, verb, t.Title),
		RelatedEntityType: "task",
		RelatedEntityID:   t.ID,
		DeliveryMethod:    comms.DeliveryInApp,
	}
}
