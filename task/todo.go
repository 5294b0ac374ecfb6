package task

import "time"

// TodoItem is a leaf-level actionable unit owned by a Task.
type TodoItem struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	AssignedTo string `json:"assigned_to"` // member ID
	AssignedBy string `json:"assigned_by"`

	Title       string  `json:"title"`
	Description string  `json:"description"`
	Weight      int     `json:"weight"`
	Progress    float64 `json:"progress"`
	Status      Status  `json:"status"`

	// PreviousStatus is the state a rejection came from; it decides where
	// a reopen lands.
	PreviousStatus    Status `json:"previous_status,omitempty"`
	RejectionReason   string `json:"rejection_reason,omitempty"`
	CompletionDetails string `json:"completion_details,omitempty"`
	ApprovedBy        string `json:"approved_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
}
