package tree

import (
	"errors"
	"math"

	"github.com/GoCodeAlone/tally/task"
)

const verifyTolerance = 1e-6

// Arena is an in-memory snapshot of a task tree keyed by task ID with a
// parent to children index. It never holds pointers between tasks.
type Arena struct {
	tasks    map[string]*task.Task
	children map[string][]string
	roots    []string
}

// Node is one task of a materialised subtree.
type Node struct {
	Task     *task.Task `json:"task"`
	Children []*Node    `json:"children,omitempty"`
}

// NewArena indexes tasks. Child order follows the order of the input slice.
func NewArena(tasks []*task.Task) *Arena {
	a := &Arena{
		tasks:    make(map[string]*task.Task, len(tasks)),
		children: make(map[string][]string),
	}
	for _, t := range tasks {
		a.tasks[t.ID] = t
	}
	for _, t := range tasks {
		if t.ParentID == "" {
			a.roots = append(a.roots, t.ID)
			continue
		}
		a.children[t.ParentID] = append(a.children[t.ParentID], t.ID)
	}
	return a
}

// Len returns the number of tasks in the arena.
func (a *Arena) Len() int { return len(a.tasks) }

// Get returns the task with the given ID.
func (a *Arena) Get(id string) (*task.Task, bool) {
	t, ok := a.tasks[id]
	return t, ok
}

// Roots returns the tasks without a parent.
func (a *Arena) Roots() []*task.Task {
	return a.lookup(a.roots)
}

// Children returns the direct children of id.
func (a *Arena) Children(id string) []*task.Task {
	return a.lookup(a.children[id])
}

func (a *Arena) lookup(ids []string) []*task.Task {
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.tasks[id])
	}
	return out
}

// Ancestors returns the parent chain of id, nearest first.
func (a *Arena) Ancestors(id string) ([]*task.Task, error) {
	t, ok := a.tasks[id]
	if !ok {
		return nil, task.Errorf(task.KindNotFound, "task %s not found", id)
	}
	var out []*task.Task
	seen := map[string]bool{id: true}
	for t.ParentID != "" {
		if seen[t.ParentID] {
			return nil, task.Errorf(task.KindInvalidHierarchy, "cycle through task %s", t.ParentID)
		}
		seen[t.ParentID] = true
		p, ok := a.tasks[t.ParentID]
		if !ok {
			// Parent lives outside the snapshot.
			break
		}
		out = append(out, p)
		t = p
	}
	return out, nil
}

// IsDescendant reports whether id sits somewhere below ancestorID.
func (a *Arena) IsDescendant(id, ancestorID string) bool {
	ancestors, err := a.Ancestors(id)
	if err != nil {
		return false
	}
	for _, p := range ancestors {
		if p.ID == ancestorID {
			return true
		}
	}
	return false
}

// Tree materialises the subtree rooted at id.
func (a *Arena) Tree(id string) (*Node, error) {
	if _, ok := a.tasks[id]; !ok {
		return nil, task.Errorf(task.KindNotFound, "task %s not found", id)
	}
	return a.build(id, map[string]bool{})
}

func (a *Arena) build(id string, seen map[string]bool) (*Node, error) {
	if seen[id] {
		return nil, task.Errorf(task.KindInvalidHierarchy, "cycle through task %s", id)
	}
	seen[id] = true
	n := &Node{Task: a.tasks[id]}
	for _, cid := range a.children[id] {
		c, err := a.build(cid, seen)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, c)
	}
	return n, nil
}

// Verify checks the derived fields of every task in the arena: depth,
// leaf flag, child counts and the weighted progress of non-leaf tasks.
// All violations are reported together.
func (a *Arena) Verify() error {
	var errs []error
	for id, t := range a.tasks {
		if _, err := a.Ancestors(id); err != nil {
			errs = append(errs, err)
			continue
		}
		wantDepth := 0
		if t.ParentID != "" {
			p, ok := a.tasks[t.ParentID]
			if !ok {
				errs = append(errs, task.Errorf(task.KindInvalidHierarchy, "task %s: parent %s missing", id, t.ParentID))
				continue
			}
			wantDepth = p.Depth + 1
		}
		if t.Depth != wantDepth {
			errs = append(errs, task.Errorf(task.KindInvalidHierarchy, "task %s: depth %d, want %d", id, t.Depth, wantDepth))
		}

		kids := a.Children(id)
		if t.IsLeaf != (len(kids) == 0) {
			errs = append(errs, task.Errorf(task.KindInvalidHierarchy, "task %s: is_leaf %t with %d children", id, t.IsLeaf, len(kids)))
		}
		if t.ChildCount != len(kids) {
			errs = append(errs, task.Errorf(task.KindInvalidHierarchy, "task %s: child_count %d, want %d", id, t.ChildCount, len(kids)))
		}
		if len(kids) == 0 {
			continue
		}
		done := 0
		for _, k := range kids {
			if k.Status.Done() {
				done++
			}
		}
		if t.CompletedChildCount != done {
			errs = append(errs, task.Errorf(task.KindInvalidHierarchy, "task %s: completed_child_count %d, want %d", id, t.CompletedChildCount, done))
		}
		if want, ok := task.WeightedProgress(task.TaskContributions(kids)); ok && math.Abs(want-t.Progress) > verifyTolerance {
			errs = append(errs, task.Errorf(task.KindInvalidHierarchy, "task %s: progress %.4f, want %.4f", id, t.Progress, want))
		}
	}
	return errors.Join(errs...)
}
