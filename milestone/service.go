package milestone

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/GoCodeAlone/tally/task"
)

// Service manages milestone records.
type Service struct {
	store  task.Store
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(store task.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Validator returns a Validator reading through the service's store.
func (s *Service) Validator() *Validator {
	return NewValidator(s.store)
}

// Create validates and inserts m.
func (s *Service) Create(ctx context.Context, m *task.Milestone) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return task.Errorf(task.KindInvalid, "milestone name is required")
	}
	if m.StartDate.IsZero() || m.DueDate.IsZero() {
		return task.Errorf(task.KindInvalid, "milestone start and due dates are required")
	}
	if m.DueDate.Before(m.StartDate) {
		return task.Errorf(task.KindInvalid, "milestone due date precedes its start date")
	}
	if m.Weight == 0 {
		m.Weight = task.MinWeight
	}
	if !task.ValidWeight(m.Weight) {
		return task.Errorf(task.KindInvalid, "weight %d outside [%d, %d]", m.Weight, task.MinWeight, task.MaxWeight)
	}
	if _, err := s.store.GetProject(ctx, m.ProjectID); err != nil {
		return err
	}
	m.Status = task.MilestonePending
	m.Progress = 0
	m.CompletedAt = nil
	if err := s.store.CreateMilestone(ctx, m); err != nil {
		return err
	}
	s.logger.Info("milestone created", slog.String("id", m.ID), slog.String("project", m.ProjectID))
	return nil
}

// Get returns a milestone by ID.
func (s *Service) Get(ctx context.Context, id string) (*task.Milestone, error) {
	return s.store.GetMilestone(ctx, id)
}

// List returns the milestones of a project.
func (s *Service) List(ctx context.Context, projectID string) ([]*task.Milestone, error) {
	return s.store.ListMilestones(ctx, projectID)
}

// Close marks a milestone completed. Closing a completed milestone is a no-op.
func (s *Service) Close(ctx context.Context, id string) (*task.Milestone, error) {
	return s.setStatus(ctx, id, task.MilestoneCompleted)
}

// SetStatus moves a milestone to any non-completed status; use Close to
// complete it.
func (s *Service) SetStatus(ctx context.Context, id string, status task.MilestoneStatus) (*task.Milestone, error) {
	switch status {
	case task.MilestonePending, task.MilestoneInProgress, task.MilestoneDelayed:
	default:
		return nil, task.Errorf(task.KindInvalid, "unknown milestone status %q", status)
	}
	return s.setStatus(ctx, id, status)
}

func (s *Service) setStatus(ctx context.Context, id string, status task.MilestoneStatus) (*task.Milestone, error) {
	var out *task.Milestone
	err := s.store.InTx(ctx, func(st task.Store) error {
		m, err := st.LockMilestone(ctx, id)
		if err != nil {
			return err
		}
		if m.Status == status {
			out = m
			return nil
		}
		m.Status = status
		m.CompletedAt = nil
		if status == task.MilestoneCompleted {
			now := time.Now().UTC()
			m.CompletedAt = &now
		}
		if err := st.UpdateMilestone(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("milestone status changed", slog.String("id", id), slog.String("status", string(status)))
	return out, nil
}

// RecomputeProgress refreshes the derived progress of a milestone in its own
// transaction.
func (s *Service) RecomputeProgress(ctx context.Context, id string) (*task.Milestone, error) {
	var out *task.Milestone
	err := s.store.InTx(ctx, func(st task.Store) error {
		m, err := RecomputeProgress(ctx, st, id)
		out = m
		return err
	})
	return out, err
}

// RecomputeProgress sets a milestone's progress to the weighted average of
// the tasks that reference it. Tasks whose parent references the same
// milestone are already represented by that parent and are skipped.
//
// The milestone row is locked before its tasks are read, so transactions
// from different assignments that share the milestone recompute it one
// after the other and the last writer sees every committed task.
func RecomputeProgress(ctx context.Context, store task.Store, id string) (*task.Milestone, error) {
	m, err := store.LockMilestone(ctx, id)
	if err != nil {
		return nil, err
	}
	tasks, err := store.ListTasks(ctx, task.Filter{MilestoneID: id})
	if err != nil {
		return nil, err
	}
	members := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		members[t.ID] = struct{}{}
	}
	var top []*task.Task
	for _, t := range tasks {
		if _, nested := members[t.ParentID]; nested {
			continue
		}
		top = append(top, t)
	}

	p, ok := task.WeightedProgress(task.TaskContributions(top))
	if !ok {
		p = 0
	}
	if task.SameProgress(p, m.Progress) {
		return m, nil
	}
	m.Progress = p
	if err := store.UpdateMilestone(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
