package tree

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/tally/task"
)

type fixture struct {
	store      *task.SQLStore
	mgr        *Manager
	project    *task.Project
	assignment *task.Assignment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tally.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	p := &task.Project{Name: "Apollo"}
	require.NoError(t, store.CreateProject(ctx, p))
	a := &task.Assignment{ProjectID: p.ID, MemberID: "alice", TeamLeaderID: "lead"}
	require.NoError(t, store.CreateAssignment(ctx, a))

	return &fixture{store: store, mgr: NewManager(store, nil), project: p, assignment: a}
}

func (f *fixture) create(t *testing.T, parentID, title string, weight int) *task.Task {
	t.Helper()
	tk := &task.Task{AssignmentID: f.assignment.ID, ParentID: parentID, Title: title, Weight: weight}
	require.NoError(t, f.mgr.CreateTask(context.Background(), tk))
	return tk
}

func (f *fixture) get(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func TestCreateTask_DerivedFields(t *testing.T) {
	f := newFixture(t)
	root := f.create(t, "", "root", 1)
	child := f.create(t, root.ID, "child", 10)
	grand := f.create(t, child.ID, "grandchild", 10)

	assert.Equal(t, 0, f.get(t, root.ID).Depth)
	assert.Equal(t, 1, f.get(t, child.ID).Depth)
	assert.Equal(t, 2, f.get(t, grand.ID).Depth)

	r := f.get(t, root.ID)
	assert.False(t, r.IsLeaf)
	assert.Equal(t, 1, r.ChildCount)
	assert.True(t, f.get(t, grand.ID).IsLeaf)
	assert.Equal(t, task.StatusPending, r.Status)

	require.NoError(t, f.mgr.Verify(context.Background(), f.assignment.ID))
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.mgr.CreateTask(ctx, &task.Task{AssignmentID: f.assignment.ID, Title: "  "})
	assert.True(t, task.IsKind(err, task.KindInvalid), "got %v", err)

	err = f.mgr.CreateTask(ctx, &task.Task{AssignmentID: f.assignment.ID, Title: "heavy", Weight: 101})
	assert.True(t, task.IsKind(err, task.KindInvalid), "got %v", err)

	err = f.mgr.CreateTask(ctx, &task.Task{AssignmentID: "missing", Title: "orphan"})
	assert.True(t, task.IsKind(err, task.KindNotFound), "got %v", err)

	tk := &task.Task{AssignmentID: f.assignment.ID, Title: "default weight"}
	require.NoError(t, f.mgr.CreateTask(ctx, tk))
	assert.Equal(t, task.MinWeight, tk.Weight)
}

func TestRecomputeAncestorProgress_WeightedAverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "R", 1)
	a := f.create(t, root.ID, "A", 60)
	b := f.create(t, root.ID, "B", 40)

	_, err := f.mgr.SetProgress(ctx, a.ID, 100)
	require.NoError(t, err)
	_, err = f.mgr.SetProgress(ctx, b.ID, 50)
	require.NoError(t, err)

	require.NoError(t, f.mgr.RecomputeAncestorProgress(ctx, a.ID))
	assert.InDelta(t, 80.0, f.get(t, root.ID).Progress, 1e-9)
	require.NoError(t, f.mgr.Verify(ctx, f.assignment.ID))
}

func TestRecomputeAncestorProgress_PropagatesToRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "root", 1)
	mid := f.create(t, root.ID, "mid", 1)
	sibling := f.create(t, root.ID, "sibling", 1)
	leaf := f.create(t, mid.ID, "leaf", 1)

	_, err := f.mgr.SetProgress(ctx, leaf.ID, 60)
	require.NoError(t, err)

	assert.InDelta(t, 60.0, f.get(t, mid.ID).Progress, 1e-9)
	assert.InDelta(t, 30.0, f.get(t, root.ID).Progress, 1e-9)
	assert.InDelta(t, 0.0, f.get(t, sibling.ID).Progress, 1e-9)
	require.NoError(t, f.mgr.Verify(ctx, f.assignment.ID))
}

func TestSetProgress_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "root", 1)
	leaf := f.create(t, root.ID, "leaf", 1)

	_, err := f.mgr.SetProgress(ctx, root.ID, 50)
	assert.True(t, task.IsKind(err, task.KindInvalidHierarchy), "got %v", err)

	_, err = f.mgr.SetProgress(ctx, leaf.ID, 101)
	assert.True(t, task.IsKind(err, task.KindInvalid), "got %v", err)

	require.NoError(t, f.store.CreateTodo(ctx, &task.TodoItem{TaskID: leaf.ID, AssignedTo: "alice", Title: "todo", Weight: 1, Status: task.StatusPending}))
	_, err = f.mgr.SetProgress(ctx, leaf.ID, 10)
	assert.True(t, task.IsKind(err, task.KindInvalidHierarchy), "got %v", err)
}

func TestAttachChild_RejectsCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "root", 1)
	child := f.create(t, root.ID, "child", 1)
	grand := f.create(t, child.ID, "grand", 1)

	err := f.mgr.AttachChild(ctx, grand.ID, &task.Task{ID: root.ID})
	assert.True(t, task.IsKind(err, task.KindInvalidHierarchy), "got %v", err)

	err = f.mgr.AttachChild(ctx, child.ID, &task.Task{ID: child.ID})
	assert.True(t, task.IsKind(err, task.KindInvalidHierarchy), "got %v", err)

	// Nothing moved.
	assert.Equal(t, "", f.get(t, root.ID).ParentID)
	require.NoError(t, f.mgr.Verify(ctx, f.assignment.ID))
}

func TestAttachChild_MovesSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.create(t, "", "r1", 1)
	x := f.create(t, "", "x", 1)
	r2 := f.create(t, x.ID, "r2", 1)
	c := f.create(t, r1.ID, "c", 1)
	g := f.create(t, c.ID, "g", 1)

	_, err := f.mgr.SetProgress(ctx, g.ID, 40)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, f.get(t, r1.ID).Progress, 1e-9)

	require.NoError(t, f.mgr.AttachChild(ctx, r2.ID, &task.Task{ID: c.ID}))

	assert.Equal(t, r2.ID, f.get(t, c.ID).ParentID)
	assert.Equal(t, 2, f.get(t, c.ID).Depth)
	assert.Equal(t, 3, f.get(t, g.ID).Depth)
	assert.True(t, f.get(t, r1.ID).IsLeaf)
	assert.False(t, f.get(t, r2.ID).IsLeaf)
	assert.InDelta(t, 40.0, f.get(t, x.ID).Progress, 1e-9)
	require.NoError(t, f.mgr.Verify(ctx, f.assignment.ID))
}

func TestAttachChild_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "root", 1)

	other := &task.Assignment{ProjectID: f.project.ID, MemberID: "bob", TeamLeaderID: "lead"}
	require.NoError(t, f.store.CreateAssignment(ctx, other))
	foreign := &task.Task{AssignmentID: other.ID, Title: "foreign"}
	require.NoError(t, f.mgr.CreateTask(ctx, foreign))

	err := f.mgr.AttachChild(ctx, root.ID, &task.Task{ID: foreign.ID})
	assert.True(t, task.IsKind(err, task.KindInvalidHierarchy), "got %v", err)

	withTodos := f.create(t, "", "with todos", 1)
	require.NoError(t, f.store.CreateTodo(ctx, &task.TodoItem{TaskID: withTodos.ID, AssignedTo: "alice", Title: "todo", Weight: 1, Status: task.StatusPending}))
	err = f.mgr.AttachChild(ctx, withTodos.ID, &task.Task{AssignmentID: f.assignment.ID, Title: "sub"})
	assert.True(t, task.IsKind(err, task.KindInvalidHierarchy), "got %v", err)
}

func TestDeleteTask_HasDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.create(t, "", "parent", 1)
	child := f.create(t, parent.ID, "child", 1)

	err := f.mgr.DeleteTask(ctx, parent.ID)
	assert.True(t, task.IsKind(err, task.KindHasDependents), "got %v", err)

	require.NoError(t, f.mgr.DeleteTask(ctx, child.ID))
	p := f.get(t, parent.ID)
	assert.True(t, p.IsLeaf)
	assert.Equal(t, 0, p.ChildCount)

	require.NoError(t, f.mgr.DeleteTask(ctx, parent.ID))
	_, err = f.store.GetTask(ctx, parent.ID)
	assert.True(t, task.IsKind(err, task.KindNotFound), "got %v", err)
}

func TestDeleteTask_WithTodos(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.create(t, "", "task", 1)
	require.NoError(t, f.store.CreateTodo(ctx, &task.TodoItem{TaskID: tk.ID, AssignedTo: "alice", Title: "todo", Weight: 1, Status: task.StatusPending}))

	err := f.mgr.DeleteTask(ctx, tk.ID)
	assert.True(t, task.IsKind(err, task.KindHasDependents), "got %v", err)
}

func TestDeleteTask_RecomputesParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "root", 1)
	done := f.create(t, root.ID, "done", 1)
	open := f.create(t, root.ID, "open", 1)

	_, err := f.mgr.SetProgress(ctx, done.ID, 100)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, f.get(t, root.ID).Progress, 1e-9)

	require.NoError(t, f.mgr.DeleteTask(ctx, open.ID))
	assert.InDelta(t, 100.0, f.get(t, root.ID).Progress, 1e-9)
	assert.Equal(t, 1, f.get(t, root.ID).ChildCount)
}

func TestUpdateTask_WeightChangeRecomputesParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "root", 1)
	a := f.create(t, root.ID, "a", 1)
	f.create(t, root.ID, "b", 1)

	_, err := f.mgr.SetProgress(ctx, a.ID, 100)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, f.get(t, root.ID).Progress, 1e-9)

	w := 3
	title := "a, heavier"
	updated, err := f.mgr.UpdateTask(ctx, a.ID, Patch{Weight: &w, Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "a, heavier", updated.Title)
	assert.InDelta(t, 75.0, f.get(t, root.ID).Progress, 1e-9)
}

func TestCreateTask_MilestoneRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &task.Milestone{
		ProjectID: f.project.ID,
		Name:      "M1",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DueDate:   time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		Weight:    1,
		Status:    task.MilestonePending,
	}
	require.NoError(t, f.store.CreateMilestone(ctx, m))

	due := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	err := f.mgr.CreateTask(ctx, &task.Task{AssignmentID: f.assignment.ID, MilestoneID: m.ID, Title: "late", DueDate: &due})
	assert.True(t, task.IsKind(err, task.KindOutOfRange), "got %v", err)

	other := &task.Project{Name: "Gemini"}
	require.NoError(t, f.store.CreateProject(ctx, other))
	foreign := &task.Assignment{ProjectID: other.ID, MemberID: "bob", TeamLeaderID: "lead"}
	require.NoError(t, f.store.CreateAssignment(ctx, foreign))
	err = f.mgr.CreateTask(ctx, &task.Task{AssignmentID: foreign.ID, MilestoneID: m.ID, Title: "elsewhere"})
	assert.True(t, task.IsKind(err, task.KindProjectMismatch), "got %v", err)

	ok := time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC)
	tk := &task.Task{AssignmentID: f.assignment.ID, MilestoneID: m.ID, Title: "on time", DueDate: &ok}
	require.NoError(t, f.mgr.CreateTask(ctx, tk))

	_, err = f.mgr.SetProgress(ctx, tk.ID, 50)
	require.NoError(t, err)
	got, err := f.store.GetMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, got.Progress, 1e-9)
}

func TestSubtreeAndAncestors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "root", 1)
	a := f.create(t, root.ID, "a", 1)
	b := f.create(t, root.ID, "b", 1)
	a1 := f.create(t, a.ID, "a1", 1)

	n, err := f.mgr.Subtree(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, n.Children, 2)
	assert.Equal(t, a.ID, n.Children[0].Task.ID)
	assert.Equal(t, b.ID, n.Children[1].Task.ID)
	require.Len(t, n.Children[0].Children, 1)
	assert.Equal(t, a1.ID, n.Children[0].Children[0].Task.ID)

	anc, err := f.mgr.Ancestors(ctx, a1.ID)
	require.NoError(t, err)
	require.Len(t, anc, 2)
	assert.Equal(t, a.ID, anc[0].ID)
	assert.Equal(t, root.ID, anc[1].ID)
}

func TestConcurrentSiblingUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.create(t, "", "root", 1)

	const n = 8
	kids := make([]*task.Task, n)
	for i := range kids {
		kids[i] = f.create(t, root.ID, fmt.Sprintf("kid-%d", i), i+1)
	}

	var g errgroup.Group
	for i, k := range kids {
		g.Go(func() error {
			_, err := f.mgr.SetProgress(ctx, k.ID, float64(10*(i+1)))
			return err
		})
	}
	require.NoError(t, g.Wait())

	var sum, total float64
	for i := range kids {
		sum += float64(10*(i+1)) * float64(i+1)
		total += float64(i + 1)
	}
	assert.InDelta(t, sum/total, f.get(t, root.ID).Progress, 1e-9)
	require.NoError(t, f.mgr.Verify(ctx, f.assignment.ID))
	assert.Equal(t, 0, f.mgr.locks.len())
}

func TestConcurrentUpdatesAcrossAssignmentsSharingMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := &task.Milestone{
		ProjectID: f.project.ID,
		Name:      "shared",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DueDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Weight:    1,
		Status:    task.MilestonePending,
	}
	require.NoError(t, f.store.CreateMilestone(ctx, m))

	second := &task.Assignment{ProjectID: f.project.ID, MemberID: "bob", TeamLeaderID: "lead"}
	require.NoError(t, f.store.CreateAssignment(ctx, second))

	var leaves []*task.Task
	for i, a := range []*task.Assignment{f.assignment, second, f.assignment, second} {
		tk := &task.Task{AssignmentID: a.ID, MilestoneID: m.ID, Title: fmt.Sprintf("leaf-%d", i), Weight: i + 1}
		require.NoError(t, f.mgr.CreateTask(ctx, tk))
		leaves = append(leaves, tk)
	}

	var g errgroup.Group
	for i, tk := range leaves {
		g.Go(func() error {
			_, err := f.mgr.SetProgress(ctx, tk.ID, float64(20*(i+1)))
			return err
		})
	}
	require.NoError(t, g.Wait())

	var sum, total float64
	for i := range leaves {
		sum += float64(20*(i+1)) * float64(i+1)
		total += float64(i + 1)
	}
	got, err := f.store.GetMilestone(ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, sum/total, got.Progress, 1e-9)
	assert.Equal(t, 0, f.mgr.locks.len())
}
