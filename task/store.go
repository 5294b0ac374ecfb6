package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver ("pgx")
	_ "modernc.org/sqlite"             // SQLite driver
)

// querier is the subset of *sql.DB and *sql.Tx the store needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore persists the task model in SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	inTx    bool
}

// Open connects to the database for the given dialect and ensures the
// schema exists. The caller is responsible for calling Close.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite, "":
		dialect = DialectSQLite
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
		}
		db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	for _, stmt := range schema(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLStore{db: db, q: db, dialect: dialect}, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return Open(context.Background(), DialectSQLite, dbPath)
}

// Close releases the underlying database connection.
func (s *SQLStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// InTx implements Store.
func (s *SQLStore) InTx(ctx context.Context, fn func(Store) error) (err error) {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&SQLStore{db: s.db, q: tx, dialect: s.dialect, inTx: true}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(ctx, rebind(s.dialect, query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(ctx, rebind(s.dialect, query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(ctx, rebind(s.dialect, query), args...)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// --- projects ---

// CreateProject inserts p, assigning an ID when empty.
func (s *SQLStore) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Status == "" {
		p.Status = "active"
	}
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	_, err := s.exec(ctx, `
		INSERT INTO projects (id, name, description, status, created_at, updated_at)
		VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.Description, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *SQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.queryRow(ctx, `SELECT id, name, description, status, created_at, updated_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *SQLStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.query(ctx, `SELECT id, name, description, status, created_at, updated_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// --- assignments ---

const assignmentColumns = `id, project_id, member_id, team_leader_id, status, created_at, updated_at`

// CreateAssignment inserts a, assigning an ID when empty.
func (s *SQLStore) CreateAssignment(ctx context.Context, a *Assignment) error {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.Status == "" {
		a.Status = "active"
	}
	a.CreatedAt = now()
	a.UpdatedAt = a.CreatedAt
	_, err := s.exec(ctx, `INSERT INTO assignments (`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.MemberID, a.TeamLeaderID, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// GetAssignment retrieves an assignment by ID.
func (s *SQLStore) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	var a Assignment
	err := s.queryRow(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id).
		Scan(&a.ID, &a.ProjectID, &a.MemberID, &a.TeamLeaderID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("assignment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment %s: %w", id, err)
	}
	return &a, nil
}

// ListAssignments returns the assignments of a project, or all when
// projectID is empty.
func (s *SQLStore) ListAssignments(ctx context.Context, projectID string) ([]*Assignment, error) {
	q := `SELECT ` + assignmentColumns + ` FROM assignments`
	var args []any
	if projectID != "" {
		q += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []*Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.MemberID, &a.TeamLeaderID, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- milestones ---

const milestoneColumns = `id, project_id, name, description, start_date, due_date, weight, status, progress, created_at, updated_at, completed_at`

// CreateMilestone inserts m, assigning an ID when empty.
func (s *SQLStore) CreateMilestone(ctx context.Context, m *Milestone) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.Status == "" {
		m.Status = MilestonePending
	}
	m.CreatedAt = now()
	m.UpdatedAt = m.CreatedAt
	_, err := s.exec(ctx, `INSERT INTO milestones (`+milestoneColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Name, m.Description, m.StartDate, m.DueDate, m.Weight,
		string(m.Status), m.Progress, m.CreatedAt, m.UpdatedAt, nullTime(m.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

// GetMilestone retrieves a milestone by ID.
func (s *SQLStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	return s.getMilestone(ctx, id, "")
}

// LockMilestone retrieves a milestone with SELECT ... FOR UPDATE on
// PostgreSQL. SQLite transactions already run one at a time on the single
// connection.
func (s *SQLStore) LockMilestone(ctx context.Context, id string) (*Milestone, error) {
	return s.getMilestone(ctx, id, lockClause(s.dialect))
}

func (s *SQLStore) getMilestone(ctx context.Context, id, suffix string) (*Milestone, error) {
	m, err := scanMilestone(s.queryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = ?`+suffix, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("milestone", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get milestone %s: %w", id, err)
	}
	return m, nil
}

// UpdateMilestone saves changes to an existing milestone.
func (s *SQLStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	m.UpdatedAt = now()
	res, err := s.exec(ctx, `
		UPDATE milestones SET
			name=?, description=?, start_date=?, due_date=?, weight=?, status=?, progress=?,
			updated_at=?, completed_at=?
		WHERE id=?`,
		m.Name, m.Description, m.StartDate, m.DueDate, m.Weight, string(m.Status), m.Progress,
		m.UpdatedAt, nullTime(m.CompletedAt), m.ID)
	if err != nil {
		return fmt.Errorf("update milestone: %w", err)
	}
	return requireRow(res, "milestone", m.ID)
}

// ListMilestones returns the milestones of a project ordered by due date,
// or all when projectID is empty.
func (s *SQLStore) ListMilestones(ctx context.Context, projectID string) ([]*Milestone, error) {
	q := `SELECT ` + milestoneColumns + ` FROM milestones`
	var args []any
	if projectID != "" {
		q += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	q += ` ORDER BY due_date ASC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	var out []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- tasks ---

const taskColumns = `id, assignment_id, parent_id, milestone_id, title, description, weight, progress,
	status, priority, estimated_hours, actual_hours, start_date, due_date, depth, is_leaf,
	child_count, completed_child_count, depends_on, created_at, updated_at, completed_at`

// CreateTask persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *SQLStore) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	t.CreatedAt = now()
	t.UpdatedAt = t.CreatedAt

	dependsOn, err := marshalIDs(t.DependsOn)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AssignmentID, nullString(t.ParentID), nullString(t.MilestoneID),
		t.Title, t.Description, t.Weight, t.Progress,
		string(t.Status), int(t.Priority), t.EstimatedHours, t.ActualHours,
		nullTime(t.StartDate), nullTime(t.DueDate), t.Depth, t.IsLeaf,
		t.ChildCount, t.CompletedChildCount, dependsOn,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask saves changes to an existing task, updating UpdatedAt automatically.
func (s *SQLStore) UpdateTask(ctx context.Context, t *Task) error {
	t.UpdatedAt = now()
	dependsOn, err := marshalIDs(t.DependsOn)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE tasks SET
			assignment_id=?, parent_id=?, milestone_id=?, title=?, description=?, weight=?, progress=?,
			status=?, priority=?, estimated_hours=?, actual_hours=?, start_date=?, due_date=?,
			depth=?, is_leaf=?, child_count=?, completed_child_count=?, depends_on=?,
			updated_at=?, completed_at=?
		WHERE id=?`,
		t.AssignmentID, nullString(t.ParentID), nullString(t.MilestoneID),
		t.Title, t.Description, t.Weight, t.Progress,
		string(t.Status), int(t.Priority), t.EstimatedHours, t.ActualHours,
		nullTime(t.StartDate), nullTime(t.DueDate),
		t.Depth, t.IsLeaf, t.ChildCount, t.CompletedChildCount, dependsOn,
		t.UpdatedAt, nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res, "task", t.ID)
}

// DeleteTask removes a task by ID.
func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res, "task", id)
}

// ListTasks returns tasks matching the filter, shallowest first.
func (s *SQLStore) ListTasks(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`)
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AssignmentID != "" {
		q.WriteString(" AND assignment_id = ?")
		args = append(args, filter.AssignmentID)
	}
	if filter.ParentID != "" {
		q.WriteString(" AND parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if filter.MilestoneID != "" {
		q.WriteString(" AND milestone_id = ?")
		args = append(args, filter.MilestoneID)
	}
	if filter.RootsOnly {
		q.WriteString(" AND parent_id IS NULL")
	}
	q.WriteString(" ORDER BY depth ASC, priority DESC, created_at ASC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// Children returns the direct child tasks of parentID in creation order.
func (s *SQLStore) Children(ctx context.Context, parentID string) ([]*Task, error) {
	rows, err := s.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", parentID, err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// --- todo items ---

const todoColumns = `id, task_id, assigned_to, assigned_by, title, description, weight, progress, status,
	previous_status, rejection_reason, completion_details, approved_by,
	created_at, updated_at, completed_at, approved_at`

// CreateTodo inserts item, assigning an ID when empty.
func (s *SQLStore) CreateTodo(ctx context.Context, item *TodoItem) error {
	if item.ID == "" {
		item.ID = newID()
	}
	if item.Status == "" {
		item.Status = StatusPending
	}
	item.CreatedAt = now()
	item.UpdatedAt = item.CreatedAt
	_, err := s.exec(ctx, `INSERT INTO todo_items (`+todoColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.TaskID, item.AssignedTo, item.AssignedBy, item.Title, item.Description,
		item.Weight, item.Progress, string(item.Status), string(item.PreviousStatus),
		item.RejectionReason, item.CompletionDetails, item.ApprovedBy,
		item.CreatedAt, item.UpdatedAt, nullTime(item.CompletedAt), nullTime(item.ApprovedAt))
	if err != nil {
		return fmt.Errorf("insert todo item: %w", err)
	}
	return nil
}

// GetTodo retrieves a todo item by ID.
func (s *SQLStore) GetTodo(ctx context.Context, id string) (*TodoItem, error) {
	item, err := scanTodo(s.queryRow(ctx, `SELECT `+todoColumns+` FROM todo_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("todo item", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get todo item %s: %w", id, err)
	}
	return item, nil
}

// UpdateTodo saves changes to an existing todo item.
func (s *SQLStore) UpdateTodo(ctx context.Context, item *TodoItem) error {
	item.UpdatedAt = now()
	res, err := s.exec(ctx, `
		UPDATE todo_items SET
			assigned_to=?, assigned_by=?, title=?, description=?, weight=?, progress=?, status=?,
			previous_status=?, rejection_reason=?, completion_details=?, approved_by=?,
			updated_at=?, completed_at=?, approved_at=?
		WHERE id=?`,
		item.AssignedTo, item.AssignedBy, item.Title, item.Description, item.Weight, item.Progress,
		string(item.Status), string(item.PreviousStatus), item.RejectionReason,
		item.CompletionDetails, item.ApprovedBy,
		item.UpdatedAt, nullTime(item.CompletedAt), nullTime(item.ApprovedAt),
		item.ID)
	if err != nil {
		return fmt.Errorf("update todo item: %w", err)
	}
	return requireRow(res, "todo item", item.ID)
}

// DeleteTodo removes a todo item by ID.
func (s *SQLStore) DeleteTodo(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM todo_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete todo item: %w", err)
	}
	return requireRow(res, "todo item", id)
}

// ListTodos returns the todo items of a task in creation order.
func (s *SQLStore) ListTodos(ctx context.Context, taskID string) ([]*TodoItem, error) {
	rows, err := s.query(ctx, `SELECT `+todoColumns+` FROM todo_items WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list todo items: %w", err)
	}
	defer rows.Close()

	var out []*TodoItem
	for rows.Next() {
		item, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// --- scanning ---

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var parentID, milestoneID sql.NullString
	var status, dependsOnJSON string
	var priority int
	var startDate, dueDate, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.AssignmentID, &parentID, &milestoneID,
		&t.Title, &t.Description, &t.Weight, &t.Progress,
		&status, &priority, &t.EstimatedHours, &t.ActualHours,
		&startDate, &dueDate, &t.Depth, &t.IsLeaf,
		&t.ChildCount, &t.CompletedChildCount, &dependsOnJSON,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.ParentID = parentID.String
	t.MilestoneID = milestoneID.String
	t.Status = Status(status)
	t.Priority = Priority(priority)
	_ = json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn)
	t.StartDate = timePtr(startDate)
	t.DueDate = timePtr(dueDate)
	t.CompletedAt = timePtr(completedAt)
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

func scanTodo(s scanner) (*TodoItem, error) {
	var item TodoItem
	var status, previous string
	var completedAt, approvedAt sql.NullTime
	err := s.Scan(
		&item.ID, &item.TaskID, &item.AssignedTo, &item.AssignedBy, &item.Title, &item.Description,
		&item.Weight, &item.Progress, &status, &previous,
		&item.RejectionReason, &item.CompletionDetails, &item.ApprovedBy,
		&item.CreatedAt, &item.UpdatedAt, &completedAt, &approvedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = Status(status)
	item.PreviousStatus = Status(previous)
	item.CompletedAt = timePtr(completedAt)
	item.ApprovedAt = timePtr(approvedAt)
	return &item, nil
}

func scanMilestone(s scanner) (*Milestone, error) {
	var m Milestone
	var status string
	var completedAt sql.NullTime
	err := s.Scan(
		&m.ID, &m.ProjectID, &m.Name, &m.Description, &m.StartDate, &m.DueDate, &m.Weight,
		&status, &m.Progress, &m.CreatedAt, &m.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = MilestoneStatus(status)
	m.CompletedAt = timePtr(completedAt)
	return &m, nil
}

// --- helpers ---

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func marshalIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("marshal depends_on: %w", err)
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
