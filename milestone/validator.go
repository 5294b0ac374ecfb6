// Package milestone validates tasks against their owning milestone and
// maintains milestone state.
package milestone

import (
	"context"
	"time"

	"github.com/GoCodeAlone/tally/task"
)

// Validator is consulted before a task that references a milestone is
// created, updated or completed.
type Validator struct {
	store task.Store
}

// NewValidator returns a Validator reading through store. Pass a
// transaction-bound store to validate inside a unit of work.
func NewValidator(store task.Store) *Validator {
	return &Validator{store: store}
}

// ValidateTaskDatesAgainstMilestone fails with OutOfRange when start precedes
// the milestone start or due exceeds the milestone due date. Nil dates and an
// empty milestoneID are not checked.
func (v *Validator) ValidateTaskDatesAgainstMilestone(ctx context.Context, milestoneID string, start, due *time.Time) error {
	if milestoneID == "" {
		return nil
	}
	m, err := v.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	if start != nil && start.Before(m.StartDate) {
		return task.Errorf(task.KindOutOfRange, "task start %s precedes milestone %q start %s",
			start.Format(time.DateOnly), m.Name, m.StartDate.Format(time.DateOnly))
	}
	if due != nil && due.After(m.DueDate) {
		return task.Errorf(task.KindOutOfRange, "task due date %s exceeds milestone %q due date %s",
			due.Format(time.DateOnly), m.Name, m.DueDate.Format(time.DateOnly))
	}
	return nil
}

// ValidateMilestoneProjectConsistency fails with ProjectMismatch when the
// assignment belongs to a different project than the milestone.
func (v *Validator) ValidateMilestoneProjectConsistency(ctx context.Context, milestoneID, assignmentID string) error {
	if milestoneID == "" {
		return nil
	}
	m, err := v.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	a, err := v.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if a.ProjectID != m.ProjectID {
		return task.Errorf(task.KindProjectMismatch, "assignment %s belongs to project %s but milestone %q belongs to project %s",
			a.ID, a.ProjectID, m.Name, m.ProjectID)
	}
	return nil
}

// ValidateTaskCompletionAgainstMilestone fails with MilestoneIncomplete when
// the task's milestone has not been closed yet. Tasks cannot be completed
// ahead of their milestone.
func (v *Validator) ValidateTaskCompletionAgainstMilestone(ctx context.Context, taskID string) error {
	t, err := v.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if t.MilestoneID == "" {
		return nil
	}
	m, err := v.store.GetMilestone(ctx, t.MilestoneID)
	if err != nil {
		return err
	}
	if m.Status != task.MilestoneCompleted {
		return task.Errorf(task.KindMilestoneIncomplete, "milestone %q is %s; close it before completing task %s",
			m.Name, m.Status, t.ID)
	}
	return nil
}

// ValidateTask runs the project and date checks for t's milestone.
func (v *Validator) ValidateTask(ctx context.Context, t *task.Task) error {
	if t.MilestoneID == "" {
		return nil
	}
	if err := v.ValidateMilestoneProjectConsistency(ctx, t.MilestoneID, t.AssignmentID); err != nil {
		return err
	}
	return v.ValidateTaskDatesAgainstMilestone(ctx, t.MilestoneID, t.StartDate, t.DueDate)
}
