// Package task defines the project, milestone, task and todo item model and its
// relational persistence.
package task

import (
	"context"
	"time"
)

// Status represents the workflow state of a task or todo item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Done reports whether s counts as finished work for status summaries.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusApproved
}

// Priority determines task ordering.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// Weight bounds shared by tasks, todo items and milestones.
const (
	MinWeight = 1
	MaxWeight = 100
)

// Task is a unit of work inside a project assignment's task tree.
type Task struct {
	ID           string `json:"id"`
	AssignmentID string `json:"assignment_id"`
	ParentID     string `json:"parent_id,omitempty"`
	MilestoneID  string `json:"milestone_id,omitempty"`

	Title       string   `json:"title"`
	Description string   `json:"description"`
	Weight      int      `json:"weight"`
	Progress    float64  `json:"progress"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	EstimatedHours float64    `json:"estimated_hours"`
	ActualHours    float64    `json:"actual_hours"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`

	// Derived by the tree manager.
	Depth               int  `json:"depth"`
	IsLeaf              bool `json:"is_leaf"`
	ChildCount          int  `json:"child_count"`
	CompletedChildCount int  `json:"completed_child_count"`

	DependsOn []string `json:"depends_on,omitempty"` // informational only

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool { return t.ParentID == "" }

// Filter controls which tasks are returned by ListTasks.
type Filter struct {
	Status       *Status `json:"status,omitempty"`
	AssignmentID string  `json:"assignment_id,omitempty"`
	ParentID     string  `json:"parent_id,omitempty"`
	MilestoneID  string  `json:"milestone_id,omitempty"`
	RootsOnly    bool    `json:"roots_only,omitempty"`
	Limit        int     `json:"limit,omitempty"`
	Offset       int     `json:"offset,omitempty"`
}

// Store persists projects, assignments, milestones, tasks and todo items.
// All methods honour the transaction a store was bound to by InTx.
type Store interface {
	// InTx runs fn with a Store bound to a single transaction. The transaction
	// commits when fn returns nil and rolls back otherwise. Calling InTx on a
	// store that is already bound to a transaction reuses it.
	InTx(ctx context.Context, fn func(s Store) error) error

	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)

	CreateAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, id string) (*Assignment, error)
	ListAssignments(ctx context.Context, projectID string) ([]*Assignment, error)

	CreateMilestone(ctx context.Context, m *Milestone) error
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	// LockMilestone reads a milestone and holds its row lock until the
	// bound transaction ends. Outside a transaction it behaves like
	// GetMilestone.
	LockMilestone(ctx context.Context, id string) (*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error
	ListMilestones(ctx context.Context, projectID string) ([]*Milestone, error)

	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, filter Filter) ([]*Task, error)
	Children(ctx context.Context, parentID string) ([]*Task, error)

	CreateTodo(ctx context.Context, item *TodoItem) error
	GetTodo(ctx context.Context, id string) (*TodoItem, error)
	UpdateTodo(ctx context.Context, item *TodoItem) error
	DeleteTodo(ctx context.Context, id string) error
	ListTodos(ctx context.Context, taskID string) ([]*TodoItem, error)

	Close() error
}
