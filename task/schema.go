package task

import (
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour a SQLStore speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// schema returns the DDL statements for d. Foreign keys from tasks and
// todo_items are RESTRICT.
func schema(d Dialect) []string {
	ts, float, boolean, boolFalse := "DATETIME", "REAL", "INTEGER", "0"
	if d == DialectPostgres {
		ts, float, boolean, boolFalse = "TIMESTAMPTZ", "DOUBLE PRECISION", "BOOLEAN", "FALSE"
	}
	r := strings.NewReplacer("{ts}", ts, "{real}", float, "{bool}", boolean, "{false}", boolFalse)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'active',
			created_at  {ts} NOT NULL,
			updated_at  {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			id             TEXT PRIMARY KEY,
			project_id     TEXT NOT NULL REFERENCES projects(id) ON DELETE RESTRICT,
			member_id      TEXT NOT NULL,
			team_leader_id TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'active',
			created_at     {ts} NOT NULL,
			updated_at     {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id           TEXT PRIMARY KEY,
			project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE RESTRICT,
			name         TEXT NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			start_date   {ts} NOT NULL,
			due_date     {ts} NOT NULL,
			weight       INTEGER NOT NULL DEFAULT 1,
			status       TEXT NOT NULL DEFAULT 'pending',
			progress     {real} NOT NULL DEFAULT 0,
			created_at   {ts} NOT NULL,
			updated_at   {ts} NOT NULL,
			completed_at {ts}
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                    TEXT PRIMARY KEY,
			assignment_id         TEXT NOT NULL REFERENCES assignments(id) ON DELETE RESTRICT,
			parent_id             TEXT REFERENCES tasks(id) ON DELETE RESTRICT,
			milestone_id          TEXT REFERENCES milestones(id) ON DELETE RESTRICT,
			title                 TEXT NOT NULL,
			description           TEXT NOT NULL DEFAULT '',
			weight                INTEGER NOT NULL DEFAULT 1,
			progress              {real} NOT NULL DEFAULT 0,
			status                TEXT NOT NULL DEFAULT 'pending',
			priority              INTEGER NOT NULL DEFAULT 1,
			estimated_hours       {real} NOT NULL DEFAULT 0,
			actual_hours          {real} NOT NULL DEFAULT 0,
			start_date            {ts},
			due_date              {ts},
			depth                 INTEGER NOT NULL DEFAULT 0,
			is_leaf               {bool} NOT NULL DEFAULT {false},
			child_count           INTEGER NOT NULL DEFAULT 0,
			completed_child_count INTEGER NOT NULL DEFAULT 0,
			depends_on            TEXT NOT NULL DEFAULT '[]',
			created_at            {ts} NOT NULL,
			updated_at            {ts} NOT NULL,
			completed_at          {ts}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignment ON tasks(assignment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_milestone ON tasks(milestone_id)`,
		`CREATE TABLE IF NOT EXISTS todo_items (
			id                 TEXT PRIMARY KEY,
			task_id            TEXT NOT NULL REFERENCES tasks(id) ON DELETE RESTRICT,
			assigned_to        TEXT NOT NULL DEFAULT '',
			assigned_by        TEXT NOT NULL DEFAULT '',
			title              TEXT NOT NULL,
			description        TEXT NOT NULL DEFAULT '',
			weight             INTEGER NOT NULL DEFAULT 1,
			progress           {real} NOT NULL DEFAULT 0,
			status             TEXT NOT NULL DEFAULT 'pending',
			previous_status    TEXT NOT NULL DEFAULT '',
			rejection_reason   TEXT NOT NULL DEFAULT '',
			completion_details TEXT NOT NULL DEFAULT '',
			approved_by        TEXT NOT NULL DEFAULT '',
			created_at         {ts} NOT NULL,
			updated_at         {ts} NOT NULL,
			completed_at       {ts},
			approved_at        {ts}
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todo_items_task ON todo_items(task_id)`,
	}
	for i, s := range stmts {
		stmts[i] = r.Replace(s)
	}
	return stmts
}

// lockClause is the row-locking suffix for a SELECT in dialect d.
func lockClause(d Dialect) string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// rebind rewrites '?' placeholders to the dialect's form.
func rebind(d Dialect, query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
