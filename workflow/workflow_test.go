package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tally/comms"
	"github.com/GoCodeAlone/tally/milestone"
	"github.com/GoCodeAlone/tally/task"
	"github.com/GoCodeAlone/tally/tree"
)

var (
	alice    = Actor{ID: "alice", Roles: []Role{RoleMember}}
	bob      = Actor{ID: "bob", Roles: []Role{RoleMember}}
	lead     = Actor{ID: "lead", Roles: []Role{RoleMember}}
	approver = Actor{ID: "boss", Roles: []Role{RoleApprover}}
)

type recorder struct {
	mu    sync.Mutex
	notes []*comms.Notification
}

func (r *recorder) Notify(n *comms.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) all() []*comms.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*comms.Notification(nil), r.notes...)
}

type fixture struct {
	store      *task.SQLStore
	tree       *tree.Manager
	engine     *Engine
	notes      *recorder
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
	a := &task.Assignment{ProjectID: p.ID, MemberID: alice.ID, TeamLeaderID: lead.ID}
	require.NoError(t, store.CreateAssignment(ctx, a))

	tm := tree.NewManager(store, nil)
	rec := &recorder{}
	return &fixture{store: store, tree: tm, engine: New(tm, rec, nil), notes: rec, project: p, assignment: a}
}

func (f *fixture) task(t *testing.T, parentID, title string, weight int) *task.Task {
	t.Helper()
	tk := &task.Task{AssignmentID: f.assignment.ID, ParentID: parentID, Title: title, Weight: weight}
	require.NoError(t, f.tree.CreateTask(context.Background(), tk))
	return tk
}

func (f *fixture) todo(t *testing.T, taskID, title string, weight int) *task.TodoItem {
	t.Helper()
	item := &task.TodoItem{Title: title, Weight: weight}
	require.NoError(t, f.engine.CreateTodo(context.Background(), taskID, lead, item))
	return item
}

func (f *fixture) getTask(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return tk
}

// forceStatus puts an item into status without going through the table.
func (f *fixture) forceStatus(t *testing.T, id string, status, previous task.Status) {
	t.Helper()
	item, err := f.store.GetTodo(context.Background(), id)
	require.NoError(t, err)
	item.Status = status
	item.PreviousStatus = previous
	require.NoError(t, f.store.UpdateTodo(context.Background(), item))
}

func TestNext_TransitionTableClosure(t *testing.T) {
	type key struct {
		from   task.Status
		action Action
	}
	allowed := map[key]task.Status{
		{task.StatusPending, ActionAccept}:             task.StatusAccepted,
		{task.StatusRejected, ActionAccept}:            task.StatusAccepted,
		{task.StatusPending, ActionReject}:             task.StatusRejected,
		{task.StatusAccepted, ActionReject}:            task.StatusRejected,
		{task.StatusAccepted, ActionStart}:             task.StatusInProgress,
		{task.StatusAccepted, ActionUpdateProgress}:    task.StatusAccepted,
		{task.StatusAccepted, ActionComplete}:          task.StatusCompleted,
		{task.StatusInProgress, ActionComplete}:        task.StatusCompleted,
		{task.StatusRejected, ActionReopen}:            task.StatusPending,
		{task.StatusCompleted, ActionApprove}:          task.StatusApproved,
		{task.StatusCompleted, ActionRejectCompletion}: task.StatusRejected,
	}

	for _, from := range States() {
		for _, action := range Actions() {
			got, err := Next(from, action, "")
			want, ok := allowed[key{from, action}]
			if ok {
				require.NoError(t, err, "%s from %s", action, from)
				assert.Equal(t, want, got, "%s from %s", action, from)
				continue
			}
			require.Error(t, err, "%s from %s", action, from)
			assert.True(t, task.IsKind(err, task.KindInvalidTransition), "%s from %s: %v", action, from, err)
			assert.Contains(t, err.Error(), string(from))
			assert.Contains(t, err.Error(), string(action))
		}
	}
}

func TestNext_ReopenAfterRejectedCompletion(t *testing.T) {
	got, err := Next(task.StatusRejected, ActionReopen, task.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAccepted, got)

	got, err = Next(task.StatusRejected, ActionReopen, task.StatusAccepted)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got)
}

func TestReduceTaskStatus(t *testing.T) {
	p, a, r, c := task.StatusPending, task.StatusAccepted, task.StatusRejected, task.StatusCompleted
	tests := []struct {
		name    string
		current task.Status
		todos   []task.Status
		want    task.Status
	}{
		{"no todos keeps status", p, nil, p},
		{"one accepted", p, []task.Status{p, a}, a},
		{"all idle reverts", a, []task.Status{p, r}, p},
		{"mixed with completed stays", a, []task.Status{p, c}, a},
		{"completed task untouched", c, []task.Status{p}, c},
		{"in progress task untouched", task.StatusInProgress, []task.Status{a}, task.StatusInProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReduceTaskStatus(tt.current, tt.todos))
		})
	}
}

func TestReject_RequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "", "task", 1)
	item := f.todo(t, tk.ID, "write docs", 1)

	_, err := f.engine.Reject(ctx, item.ID, alice, "")
	assert.True(t, task.IsKind(err, task.KindInvalid), "got %v", err)

	got, err := f.engine.Reject(ctx, item.ID, alice, "incomplete")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
	assert.Equal(t, "incomplete", got.RejectionReason)
}

func TestAcceptReject_OnlyAssignee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "", "task", 1)
	item := f.todo(t, tk.ID, "write docs", 1)

	_, err := f.engine.Accept(ctx, item.ID, bob)
	assert.True(t, task.IsKind(err, task.KindUnauthorized), "got %v", err)
	_, err = f.engine.Reject(ctx, item.ID, bob, "nope")
	assert.True(t, task.IsKind(err, task.KindUnauthorized), "got %v", err)

	got, err := f.engine.Accept(ctx, item.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAccepted, got.Status)
}

func TestApprove_RequiresApproverRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "", "task", 1)
	item := f.todo(t, tk.ID, "write docs", 1)

	_, err := f.engine.Accept(ctx, item.ID, alice)
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, item.ID, alice, 100, "done")
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, item.ID, lead)
	assert.True(t, task.IsKind(err, task.KindUnauthorized), "got %v", err)
	_, err = f.engine.RejectCompletion(ctx, item.ID, alice, "sloppy")
	assert.True(t, task.IsKind(err, task.KindUnauthorized), "got %v", err)

	got, err := f.engine.Approve(ctx, item.ID, approver)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, got.Status)
	assert.Equal(t, approver.ID, got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	_, err = f.engine.Reopen(ctx, item.ID, alice)
	assert.True(t, task.IsKind(err, task.KindInvalidTransition), "approved is terminal: %v", err)
}

func TestUpdateProgress_OnlyWhileAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "", "task", 1)
	item := f.todo(t, tk.ID, "write docs", 1)

	for _, s := range States() {
		f.forceStatus(t, item.ID, s, "")
		got, err := f.engine.UpdateProgress(ctx, item.ID, alice, 42)
		if s == task.StatusAccepted {
			require.NoError(t, err)
			assert.InDelta(t, 42.0, got.Progress, 1e-9)
			continue
		}
		assert.True(t, task.IsKind(err, task.KindInvalidTransition), "status %s: %v", s, err)
	}

	f.forceStatus(t, item.ID, task.StatusAccepted, "")
	_, err := f.engine.UpdateProgress(ctx, item.ID, alice, 150)
	assert.True(t, task.IsKind(err, task.KindInvalid), "got %v", err)

	stored, err := f.store.GetTodo(ctx, item.ID)
	require.NoError(t, err)
	assert.InDelta(t, 42.0, stored.Progress, 1e-9)
}

func TestProgressPropagatesToRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.task(t, "", "R", 1)
	a := f.task(t, root.ID, "A", 60)
	b := f.task(t, root.ID, "B", 40)
	ia := f.todo(t, a.ID, "a work", 1)
	ib := f.todo(t, b.ID, "b work", 1)

	for _, id := range []string{ia.ID, ib.ID} {
		_, err := f.engine.Accept(ctx, id, alice)
		require.NoError(t, err)
	}
	_, err := f.engine.UpdateProgress(ctx, ia.ID, alice, 100)
	require.NoError(t, err)
	_, err = f.engine.UpdateProgress(ctx, ib.ID, alice, 50)
	require.NoError(t, err)

	assert.InDelta(t, 100.0, f.getTask(t, a.ID).Progress, 1e-9)
	assert.InDelta(t, 50.0, f.getTask(t, b.ID).Progress, 1e-9)
	assert.InDelta(t, 80.0, f.getTask(t, root.ID).Progress, 1e-9)
	require.NoError(t, f.tree.Verify(ctx, f.assignment.ID))
}

func TestTaskStatusFollowsTodos(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.task(t, "", "root", 1)
	leaf := f.task(t, root.ID, "leaf", 1)
	one := f.todo(t, leaf.ID, "one", 1)
	f.todo(t, leaf.ID, "two", 1)

	_, err := f.engine.Accept(ctx, one.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAccepted, f.getTask(t, leaf.ID).Status)
	// One level only.
	assert.Equal(t, task.StatusPending, f.getTask(t, root.ID).Status)

	_, err = f.engine.Reject(ctx, one.ID, alice, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, f.getTask(t, leaf.ID).Status)
}

func TestReopen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "", "task", 1)
	item := f.todo(t, tk.ID, "write docs", 1)

	_, err := f.engine.Reject(ctx, item.ID, alice, "not mine")
	require.NoError(t, err)
	got, err := f.engine.Reopen(ctx, item.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Empty(t, got.RejectionReason)

	_, err = f.engine.Accept(ctx, item.ID, alice)
	require.NoError(t, err)
	_, err = f.engine.Start(ctx, item.ID, alice)
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, item.ID, alice, 90, "mostly")
	require.NoError(t, err)
	got, err = f.engine.RejectCompletion(ctx, item.ID, approver, "missing examples")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRejected, got.Status)
	assert.Nil(t, got.CompletedAt)

	got, err = f.engine.Reopen(ctx, item.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAccepted, got.Status)
	assert.InDelta(t, 90.0, got.Progress, 1e-9)
}

func TestCreateTodo_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.task(t, "", "root", 1)
	f.task(t, root.ID, "leaf", 1)

	err := f.engine.CreateTodo(ctx, root.ID, lead, &task.TodoItem{Title: "x"})
	assert.True(t, task.IsKind(err, task.KindInvalidHierarchy), "got %v", err)

	err = f.engine.CreateTodo(ctx, root.ID, bob, &task.TodoItem{Title: "x"})
	assert.True(t, task.IsKind(err, task.KindUnauthorized), "got %v", err)

	err = f.engine.CreateTodo(ctx, root.ID, lead, &task.TodoItem{Title: " "})
	assert.True(t, task.IsKind(err, task.KindInvalid), "got %v", err)
}

func TestDeleteTodo_RecomputesTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "", "task", 1)
	done := f.todo(t, tk.ID, "done", 1)
	rest := f.todo(t, tk.ID, "rest", 1)

	_, err := f.engine.Accept(ctx, done.ID, alice)
	require.NoError(t, err)
	_, err = f.engine.UpdateProgress(ctx, done.ID, alice, 100)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, f.getTask(t, tk.ID).Progress, 1e-9)

	err = f.engine.DeleteTodo(ctx, rest.ID, bob)
	assert.True(t, task.IsKind(err, task.KindUnauthorized), "got %v", err)

	require.NoError(t, f.engine.DeleteTodo(ctx, rest.ID, lead))
	assert.InDelta(t, 100.0, f.getTask(t, tk.ID).Progress, 1e-9)
}

func TestNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "", "task", 1)
	item := f.todo(t, tk.ID, "write docs", 1)

	_, err := f.engine.Accept(ctx, item.ID, alice)
	require.NoError(t, err)
	_, err = f.engine.Complete(ctx, item.ID, alice, 100, "")
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, item.ID, approver)
	require.NoError(t, err)

	notes := f.notes.all()
	require.Len(t, notes, 4)
	assert.Equal(t, alice.ID, notes[0].RecipientID) // assignment
	assert.Equal(t, comms.DeliveryEmail, notes[0].DeliveryMethod)
	assert.Equal(t, lead.ID, notes[1].RecipientID)
	assert.Equal(t, "Todo Item Accepted", notes[1].Subject)
	assert.Equal(t, lead.ID, notes[2].RecipientID)
	assert.Equal(t, alice.ID, notes[3].RecipientID)
	assert.Equal(t, "Todo Item Approved", notes[3].Subject)
	assert.Equal(t, item.ID, notes[3].RelatedEntityID)
}

func TestNotifications_ReopenIsSilent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.task(t, "", "task", 1)
	item := f.todo(t, tk.ID, "write docs", 1)

	_, err := f.engine.Reject(ctx, item.ID, alice, "busy")
	require.NoError(t, err)
	_, err = f.engine.Reopen(ctx, item.ID, alice)
	require.NoError(t, err)

	notes := f.notes.all()
	require.Len(t, notes, 2)
	assert.Equal(t, alice.ID, notes[0].RecipientID) // assignment
	assert.Equal(t, lead.ID, notes[1].RecipientID)
	assert.Equal(t, "Todo Item Rejected", notes[1].Subject)
}

// A task cannot be completed until its milestone is closed. The ordering is
// unusual but intentional and guarded here so a change is noticed.
func TestCompleteTask_WaitsForMilestone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ms := milestone.NewService(f.store, nil)
	m := &task.Milestone{
		ProjectID: f.project.ID,
		Name:      "Beta",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DueDate:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, ms.Create(ctx, m))

	tk := &task.Task{AssignmentID: f.assignment.ID, MilestoneID: m.ID, Title: "ship"}
	require.NoError(t, f.tree.CreateTask(ctx, tk))

	_, err := f.engine.CompleteTask(ctx, tk.ID, alice)
	assert.True(t, task.IsKind(err, task.KindInvalidTransition), "pending task: %v", err)

	_, err = f.engine.AcceptTask(ctx, tk.ID, bob)
	assert.True(t, task.IsKind(err, task.KindUnauthorized), "got %v", err)
	_, err = f.engine.AcceptTask(ctx, tk.ID, alice)
	require.NoError(t, err)

	_, err = f.engine.CompleteTask(ctx, tk.ID, alice)
	assert.True(t, task.IsKind(err, task.KindMilestoneIncomplete), "got %v", err)

	_, err = ms.Close(ctx, m.ID)
	require.NoError(t, err)
	got, err := f.engine.CompleteTask(ctx, tk.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = f.engine.ApproveTask(ctx, tk.ID, lead)
	assert.True(t, task.IsKind(err, task.KindUnauthorized), "got %v", err)
	got, err = f.engine.ApproveTask(ctx, tk.ID, approver)
	require.NoError(t, err)
	assert.Equal(t, task.StatusApproved, got.Status)
}

func TestCompleteTask_RequiresFinishedChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.task(t, "", "root", 1)
	child := f.task(t, root.ID, "child", 1)

	for _, id := range []string{root.ID, child.ID} {
		_, err := f.engine.AcceptTask(ctx, id, alice)
		require.NoError(t, err)
	}
	_, err := f.engine.CompleteTask(ctx, root.ID, alice)
	assert.True(t, task.IsKind(err, task.KindInvalidTransition), "got %v", err)

	_, err = f.engine.StartTask(ctx, child.ID, alice)
	require.NoError(t, err)
	_, err = f.engine.CompleteTask(ctx, child.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, f.getTask(t, root.ID).CompletedChildCount)

	_, err = f.engine.CompleteTask(ctx, root.ID, alice)
	require.NoError(t, err)
}
