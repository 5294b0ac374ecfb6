package task

import "time"

// Project groups assignments and milestones.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"` // active, archived
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Assignment puts a member on a project under a team leader. Each
// assignment roots one task tree.
type Assignment struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	MemberID     string    `json:"member_id"`
	TeamLeaderID string    `json:"team_leader_id"`
	Status       string    `json:"status"` // active, closed
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneDelayed    MilestoneStatus = "delayed"
)

// Milestone is an aggregation checkpoint for tasks of one project.
type Milestone struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	StartDate   time.Time       `json:"start_date"`
	DueDate     time.Time       `json:"due_date"`
	Weight      int             `json:"weight"`
	Status      MilestoneStatus `json:"status"`
	Progress    float64         `json:"progress"` // derived
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
