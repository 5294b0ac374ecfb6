// Package tree maintains the task hierarchy of each project assignment:
// parent links, depth, leaf flags, child counts and derived progress.
package tree

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/GoCodeAlone/tally/milestone"
	"github.com/GoCodeAlone/tally/task"
)

// Manager applies hierarchy mutations. Each mutation holds the lock of the
// task's assignment and runs in a single store transaction, so sibling
// updates cannot interleave their ancestor recomputation.
type Manager struct {
	store  task.Store
	locks  *lockSet
	logger *slog.Logger
	bound  bool
}

// NewManager creates a Manager over store.
func NewManager(store task.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, locks: newLockSet(), logger: logger}
}

// Store returns the store the manager operates on. Inside Mutate this is the
// transaction-bound store.
func (m *Manager) Store() task.Store { return m.store }

// Mutate locks the tree that taskID belongs to and runs fn in one
// transaction with a manager bound to it. Calls made on the bound manager
// join the same transaction.
func (m *Manager) Mutate(ctx context.Context, taskID string, fn func(tm *Manager) error) error {
	if m.bound {
		return fn(m)
	}
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return m.run(ctx, t.AssignmentID, fn)
}

func (m *Manager) run(ctx context.Context, assignmentID string, fn func(tm *Manager) error) error {
	if m.bound {
		return fn(m)
	}
	unlock := m.locks.lock(assignmentID)
	defer unlock()
	return m.store.InTx(ctx, func(s task.Store) error {
		return fn(&Manager{store: s, locks: m.locks, logger: m.logger, bound: true})
	})
}

// CreateTask validates t and inserts it, as a root or under t.ParentID.
func (m *Manager) CreateTask(ctx context.Context, t *task.Task) error {
	if err := normalize(t); err != nil {
		return err
	}
	t.Status = task.StatusPending
	t.CompletedAt = nil
	return m.run(ctx, t.AssignmentID, func(tm *Manager) error {
		if _, err := tm.store.GetAssignment(ctx, t.AssignmentID); err != nil {
			return err
		}
		if err := milestone.NewValidator(tm.store).ValidateTask(ctx, t); err != nil {
			return err
		}
		if err := tm.checkDependencies(ctx, t); err != nil {
			return err
		}
		if t.ParentID != "" {
			if err := tm.attach(ctx, t.ParentID, t, true); err != nil {
				return err
			}
		} else {
			t.Depth = 0
			t.IsLeaf = true
			t.ChildCount, t.CompletedChildCount = 0, 0
			if err := tm.store.CreateTask(ctx, t); err != nil {
				return err
			}
			if err := tm.refreshMilestones(ctx, t.MilestoneID); err != nil {
				return err
			}
		}
		tm.logger.Info("task created",
			slog.String("id", t.ID),
			slog.String("assignment", t.AssignmentID),
			slog.String("parent", t.ParentID))
		return nil
	})
}

// AttachChild places child under parentID. A child without an ID is
// inserted; an existing child is moved together with its subtree.
func (m *Manager) AttachChild(ctx context.Context, parentID string, child *task.Task) error {
	if child.ID == "" {
		child.ParentID = parentID
		return m.CreateTask(ctx, child)
	}
	return m.Mutate(ctx, child.ID, func(tm *Manager) error {
		stored, err := tm.store.GetTask(ctx, child.ID)
		if err != nil {
			return err
		}
		*child = *stored
		return tm.attach(ctx, parentID, child, false)
	})
}

func (m *Manager) attach(ctx context.Context, parentID string, child *task.Task, isNew bool) error {
	parent, err := m.store.GetTask(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.AssignmentID != child.AssignmentID {
		return task.Errorf(task.KindInvalidHierarchy, "task %s belongs to assignment %s, parent %s to %s",
			child.ID, child.AssignmentID, parent.ID, parent.AssignmentID)
	}
	if !isNew {
		if err := m.checkCycle(ctx, parent, child.ID); err != nil {
			return err
		}
		if child.ParentID == parentID {
			return nil
		}
	}
	todos, err := m.store.ListTodos(ctx, parent.ID)
	if err != nil {
		return err
	}
	if len(todos) > 0 {
		return task.Errorf(task.KindInvalidHierarchy, "task %s owns %d todo items and cannot take subtasks", parent.ID, len(todos))
	}

	oldParent := child.ParentID
	depth := parent.Depth + 1
	shift := depth - child.Depth
	child.ParentID = parent.ID
	child.Depth = depth

	if isNew {
		child.IsLeaf = true
		child.ChildCount, child.CompletedChildCount = 0, 0
		if err := m.store.CreateTask(ctx, child); err != nil {
			return err
		}
	} else {
		if err := m.store.UpdateTask(ctx, child); err != nil {
			return err
		}
		if shift != 0 {
			if err := m.shiftDepth(ctx, child.ID, shift); err != nil {
				return err
			}
		}
	}

	if err := m.recompute(ctx, parent.ID, child.MilestoneID); err != nil {
		return err
	}
	if oldParent != "" {
		if err := m.recompute(ctx, oldParent); err != nil {
			return err
		}
	}
	m.logger.Debug("task attached",
		slog.String("task", child.ID),
		slog.String("parent", parent.ID),
		slog.String("previous_parent", oldParent))
	return nil
}

// checkCycle walks from parent to the root and fails when childID is on the
// path, i.e. when parent is childID or one of its descendants.
func (m *Manager) checkCycle(ctx context.Context, parent *task.Task, childID string) error {
	seen := map[string]bool{}
	cur := parent
	for {
		if cur.ID == childID {
			return task.Errorf(task.KindInvalidHierarchy, "task %s cannot be attached under itself or its descendant %s", childID, parent.ID)
		}
		if seen[cur.ID] {
			return task.Errorf(task.KindInvalidHierarchy, "cycle through task %s", cur.ID)
		}
		seen[cur.ID] = true
		if cur.ParentID == "" {
			return nil
		}
		next, err := m.store.GetTask(ctx, cur.ParentID)
		if err != nil {
			return err
		}
		cur = next
	}
}

func (m *Manager) shiftDepth(ctx context.Context, rootID string, shift int) error {
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		kids, err := m.store.Children(ctx, id)
		if err != nil {
			return err
		}
		for _, k := range kids {
			k.Depth += shift
			if err := m.store.UpdateTask(ctx, k); err != nil {
				return err
			}
			queue = append(queue, k.ID)
		}
	}
	return nil
}

// Patch lists the task fields UpdateTask may change. Nil fields are kept.
type Patch struct {
	Title          *string        `json:"title,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Weight         *int           `json:"weight,omitempty"`
	Priority       *task.Priority `json:"priority,omitempty"`
	EstimatedHours *float64       `json:"estimated_hours,omitempty"`
	ActualHours    *float64       `json:"actual_hours,omitempty"`
	StartDate      *time.Time     `json:"start_date,omitempty"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	// MilestoneID set to "" detaches the task from its milestone.
	MilestoneID *string   `json:"milestone_id,omitempty"`
	DependsOn   *[]string `json:"depends_on,omitempty"`
}

// UpdateTask applies p to the task with the given ID.
func (m *Manager) UpdateTask(ctx context.Context, id string, p Patch) (*task.Task, error) {
	var out *task.Task
	err := m.Mutate(ctx, id, func(tm *Manager) error {
		t, err := tm.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		oldWeight, oldMilestone := t.Weight, t.MilestoneID
		apply(t, p)
		if err := normalize(t); err != nil {
			return err
		}
		if err := milestone.NewValidator(tm.store).ValidateTask(ctx, t); err != nil {
			return err
		}
		if err := tm.checkDependencies(ctx, t); err != nil {
			return err
		}
		if err := tm.store.UpdateTask(ctx, t); err != nil {
			return err
		}

		var milestones []string
		if t.Weight != oldWeight || t.MilestoneID != oldMilestone {
			milestones = append(milestones, oldMilestone, t.MilestoneID)
		}
		if t.Weight != oldWeight && t.ParentID != "" {
			if err := tm.recompute(ctx, t.ParentID, milestones...); err != nil {
				return err
			}
		} else if err := tm.refreshMilestones(ctx, milestones...); err != nil {
			return err
		}
		out, err = tm.store.GetTask(ctx, id)
		return err
	})
	return out, err
}

func apply(t *task.Task, p Patch) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Weight != nil {
		t.Weight = *p.Weight
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.EstimatedHours != nil {
		t.EstimatedHours = *p.EstimatedHours
	}
	if p.ActualHours != nil {
		t.ActualHours = *p.ActualHours
	}
	if p.StartDate != nil {
		t.StartDate = p.StartDate
	}
	if p.DueDate != nil {
		t.DueDate = p.DueDate
	}
	if p.MilestoneID != nil {
		t.MilestoneID = *p.MilestoneID
	}
	if p.DependsOn != nil {
		t.DependsOn = *p.DependsOn
	}
}

// SetProgress sets the progress of a leaf task that has no todo items and
// propagates it to the ancestors.
func (m *Manager) SetProgress(ctx context.Context, id string, progress float64) (*task.Task, error) {
	if !task.ValidProgress(progress) {
		return nil, task.Errorf(task.KindInvalid, "progress %v outside [0, 100]", progress)
	}
	var out *task.Task
	err := m.Mutate(ctx, id, func(tm *Manager) error {
		t, err := tm.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if t.Status == task.StatusApproved {
			return task.Errorf(task.KindInvalidTransition, "task %s is approved; progress is frozen", id)
		}
		kids, err := tm.store.Children(ctx, id)
		if err != nil {
			return err
		}
		if len(kids) > 0 {
			return task.Errorf(task.KindInvalidHierarchy, "progress of task %s is derived from its %d subtasks", id, len(kids))
		}
		todos, err := tm.store.ListTodos(ctx, id)
		if err != nil {
			return err
		}
		if len(todos) > 0 {
			return task.Errorf(task.KindInvalidHierarchy, "progress of task %s is derived from its %d todo items", id, len(todos))
		}
		if !task.SameProgress(t.Progress, progress) {
			t.Progress = progress
			if err := tm.store.UpdateTask(ctx, t); err != nil {
				return err
			}
		}
		if err := tm.recompute(ctx, id, t.MilestoneID); err != nil {
			return err
		}
		out, err = tm.store.GetTask(ctx, id)
		return err
	})
	return out, err
}

// RecomputeAncestorProgress refreshes the derived fields of taskID and then
// of each ancestor, stopping at the root or at the first ancestor whose
// progress does not change.
func (m *Manager) RecomputeAncestorProgress(ctx context.Context, taskID string) error {
	return m.Mutate(ctx, taskID, func(tm *Manager) error {
		return tm.recompute(ctx, taskID)
	})
}

// recompute walks the parent-id chain starting at taskID. The milestones of
// tasks whose progress changed, plus any extra ones passed in, are refreshed
// once the walk ends.
func (m *Manager) recompute(ctx context.Context, taskID string, extraMilestones ...string) error {
	milestones := append([]string(nil), extraMilestones...)
	seen := map[string]bool{}
	id := taskID
	for id != "" {
		if seen[id] {
			return task.Errorf(task.KindInvalidHierarchy, "cycle through task %s", id)
		}
		seen[id] = true

		t, changed, err := m.recomputeNode(ctx, id)
		if err != nil {
			return err
		}
		if changed {
			milestones = append(milestones, t.MilestoneID)
		}
		if id != taskID && !changed {
			break
		}
		id = t.ParentID
	}
	return m.refreshMilestones(ctx, milestones...)
}

// recomputeNode derives progress, leaf flag and child counts for one task
// from its direct children, or from its todo items when it is a leaf. A
// leaf without todo items keeps its stored progress, as does a task whose
// contributors all carry zero weight.
func (m *Manager) recomputeNode(ctx context.Context, id string) (*task.Task, bool, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, false, err
	}
	kids, err := m.store.Children(ctx, id)
	if err != nil {
		return nil, false, err
	}

	var (
		progress float64
		ok       bool
		done     int
	)
	if len(kids) > 0 {
		for _, k := range kids {
			if k.Status.Done() {
				done++
			}
		}
		progress, ok = task.WeightedProgress(task.TaskContributions(kids))
	} else {
		todos, err := m.store.ListTodos(ctx, id)
		if err != nil {
			return nil, false, err
		}
		progress, ok = task.WeightedProgress(task.TodoContributions(todos))
	}

	dirty := false
	if leaf := len(kids) == 0; t.IsLeaf != leaf {
		t.IsLeaf = leaf
		dirty = true
	}
	if t.ChildCount != len(kids) || t.CompletedChildCount != done {
		t.ChildCount, t.CompletedChildCount = len(kids), done
		dirty = true
	}
	changed := ok && !task.SameProgress(progress, t.Progress)
	if changed {
		t.Progress = progress
		dirty = true
	}
	if dirty {
		if err := m.store.UpdateTask(ctx, t); err != nil {
			return nil, false, err
		}
		m.logger.Debug("task recomputed",
			slog.String("id", t.ID),
			slog.Float64("progress", t.Progress),
			slog.Int("children", t.ChildCount))
	}
	return t, changed, nil
}

// refreshMilestones recomputes each milestone once, in ID order so that
// concurrent transactions take milestone row locks in the same order.
func (m *Manager) refreshMilestones(ctx context.Context, ids ...string) error {
	ids = slices.DeleteFunc(slices.Clone(ids), func(id string) bool { return id == "" })
	slices.Sort(ids)
	for _, id := range slices.Compact(ids) {
		if _, err := milestone.RecomputeProgress(ctx, m.store, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTask removes a task without subtasks or todo items and refreshes
// its former parent.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	return m.Mutate(ctx, id, func(tm *Manager) error {
		t, err := tm.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		kids, err := tm.store.Children(ctx, id)
		if err != nil {
			return err
		}
		if len(kids) > 0 {
			return task.Errorf(task.KindHasDependents, "task %s has %d subtasks", id, len(kids))
		}
		todos, err := tm.store.ListTodos(ctx, id)
		if err != nil {
			return err
		}
		if len(todos) > 0 {
			return task.Errorf(task.KindHasDependents, "task %s has %d todo items", id, len(todos))
		}
		if err := tm.store.DeleteTask(ctx, id); err != nil {
			return err
		}
		if t.ParentID != "" {
			if err := tm.recompute(ctx, t.ParentID, t.MilestoneID); err != nil {
				return err
			}
		} else if err := tm.refreshMilestones(ctx, t.MilestoneID); err != nil {
			return err
		}
		tm.logger.Info("task deleted", slog.String("id", id))
		return nil
	})
}

// Ancestors returns the parent chain of id, nearest first.
func (m *Manager) Ancestors(ctx context.Context, id string) ([]*task.Task, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	seen := map[string]bool{id: true}
	for t.ParentID != "" {
		if seen[t.ParentID] {
			return nil, task.Errorf(task.KindInvalidHierarchy, "cycle through task %s", t.ParentID)
		}
		seen[t.ParentID] = true
		t, err = m.store.GetTask(ctx, t.ParentID)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Subtree returns the tree rooted at id.
func (m *Manager) Subtree(ctx context.Context, id string) (*Node, error) {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := m.Arena(ctx, t.AssignmentID)
	if err != nil {
		return nil, err
	}
	return a.Tree(id)
}

// Arena loads every task of an assignment into an Arena.
func (m *Manager) Arena(ctx context.Context, assignmentID string) (*Arena, error) {
	tasks, err := m.store.ListTasks(ctx, task.Filter{AssignmentID: assignmentID})
	if err != nil {
		return nil, err
	}
	return NewArena(tasks), nil
}

// Verify checks the stored derived fields of an assignment's task tree.
func (m *Manager) Verify(ctx context.Context, assignmentID string) error {
	a, err := m.Arena(ctx, assignmentID)
	if err != nil {
		return err
	}
	return a.Verify()
}

// normalize trims and defaults t and checks its plain field constraints.
func normalize(t *task.Task) error {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return task.Errorf(task.KindInvalid, "task title is required")
	}
	if t.AssignmentID == "" {
		return task.Errorf(task.KindInvalid, "task assignment is required")
	}
	if t.Weight == 0 {
		t.Weight = task.MinWeight
	}
	if !task.ValidWeight(t.Weight) {
		return task.Errorf(task.KindInvalid, "weight %d outside [%d, %d]", t.Weight, task.MinWeight, task.MaxWeight)
	}
	if !task.ValidProgress(t.Progress) {
		return task.Errorf(task.KindInvalid, "progress %v outside [0, 100]", t.Progress)
	}
	if t.Priority < task.PriorityLow || t.Priority > task.PriorityCritical {
		return task.Errorf(task.KindInvalid, "unknown priority %d", t.Priority)
	}
	if t.EstimatedHours < 0 || t.ActualHours < 0 {
		return task.Errorf(task.KindInvalid, "hours cannot be negative")
	}
	if t.StartDate != nil && t.DueDate != nil && t.DueDate.Before(*t.StartDate) {
		return task.Errorf(task.KindInvalid, "due date precedes start date")
	}
	return nil
}

func (m *Manager) checkDependencies(ctx context.Context, t *task.Task) error {
	for _, dep := range t.DependsOn {
		if dep == t.ID && t.ID != "" {
			return task.Errorf(task.KindInvalid, "task %s cannot depend on itself", t.ID)
		}
		if _, err := m.store.GetTask(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}
