package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite implements Store on a modernc SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) the database at dbPath.
func NewSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY on commit.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS profiles (
		student_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		title TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		deadline INTEGER,
		created_at INTEGER NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_goals_student ON goals(student_id, seq);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		goal_id TEXT NOT NULL REFERENCES goals(id),
		student_id TEXT NOT NULL,
		title TEXT NOT NULL,
		done INTEGER NOT NULL DEFAULT 0,
		due_date INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_goal ON tasks(goal_id);

	CREATE TABLE IF NOT EXISTS summaries (
		student_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		turn_count INTEGER NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS entries (
		student_id TEXT PRIMARY KEY,
		entry_point TEXT NOT NULL,
		trigger_reason TEXT NOT NULL,
		ts INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_student ON turns(student_id, seq);

	CREATE TABLE IF NOT EXISTS objectives (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		text TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_objectives_student ON objectives(student_id, position);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// GetProfile reads a profile.
func (s *SQLite) GetProfile(ctx context.Context, studentID string) (*Profile, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE student_id = ?`, studentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", studentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// SaveProfile upserts a profile.
func (s *SQLite) SaveProfile(ctx context.Context, p *Profile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	return s.saveProfile(ctx, s.db, p)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) saveProfile(ctx context.Context, db execer, p *Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = db.ExecContext(ctx, `
	INSERT INTO profiles (student_id, data, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(student_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		p.StudentID, string(data), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// UpdateProfileField sets one whitelisted field inside a transaction.
func (s *SQLite) UpdateProfileField(ctx context.Context, studentID, field string, value any) (*Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var data string
	err = tx.QueryRowContext(ctx, `SELECT data FROM profiles WHERE student_id = ?`, studentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", studentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile row: %w", err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if err := applyProfileField(&p, field, value); err != nil {
		return nil, err
	}
	if err := s.saveProfile(ctx, tx, &p); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &p, nil
}

// CreateGoal inserts a goal.
func (s *SQLite) CreateGoal(ctx context.Context, g *Goal) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.Status == "" {
		g.Status = GoalActive
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO goals (id, student_id, title, category, status, deadline, created_at, seq)
	VALUES (?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM goals WHERE student_id = ?))`,
		g.ID, g.StudentID, g.Title, g.Category, string(g.Status), nullableTime(g.Deadline), g.CreatedAt.UnixNano(), g.StudentID)
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

// GetGoal reads one goal.
func (s *SQLite) GetGoal(ctx context.Context, studentID, goalID string) (*Goal, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, student_id, title, category, status, deadline, created_at
	FROM goals WHERE student_id = ? AND id = ?`, studentID, goalID)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("goal %s: %w", goalID, ErrNotFound)
	}
	return g, err
}

// ListGoals lists goals in creation order.
func (s *SQLite) ListGoals(ctx context.Context, studentID string) ([]Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, student_id, title, category, status, deadline, created_at
	FROM goals WHERE student_id = ? ORDER BY seq`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var goals []Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate goals: %w", err)
	}
	return goals, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGoal(row scanner) (*Goal, error) {
	var g Goal
	var status string
	var deadline sql.NullInt64
	var createdAt int64
	if err := row.Scan(&g.ID, &g.StudentID, &g.Title, &g.Category, &status, &deadline, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan goal row: %w", err)
	}
	g.Status = GoalStatus(status)
	g.Deadline = timeFromNull(deadline)
	g.CreatedAt = time.Unix(0, createdAt).UTC()
	return &g, nil
}

// UpdateGoalStatus changes a goal's status.
func (s *SQLite) UpdateGoalStatus(ctx context.Context, studentID, goalID string, status GoalStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE goals SET status = ? WHERE student_id = ? AND id = ?`,
		string(status), studentID, goalID)
	if err != nil {
		return fmt.Errorf("update goal status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("goal %s: %w", goalID, ErrNotFound)
	}
	return nil
}

// AddTask inserts a task under an existing goal.
func (s *SQLite) AddTask(ctx context.Context, t *Task) error {
	if _, err := s.GetGoal(ctx, t.StudentID, t.GoalID); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO tasks (id, goal_id, student_id, title, done, due_date, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GoalID, t.StudentID, t.Title, boolToInt(t.Done), nullableTime(t.DueDate), t.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ListTasks lists a goal's tasks in creation order.
func (s *SQLite) ListTasks(ctx context.Context, studentID, goalID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, goal_id, student_id, title, done, due_date, created_at
	FROM tasks WHERE student_id = ? AND goal_id = ? ORDER BY created_at`, studentID, goalID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		var done int
		var due sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.GoalID, &t.StudentID, &t.Title, &done, &due, &createdAt); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.Done = done != 0
		t.DueDate = timeFromNull(due)
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// GetSummary reads the rolling summary, returning an empty one when absent.
func (s *SQLite) GetSummary(ctx context.Context, studentID string) (*Summary, error) {
	sum := Summary{StudentID: studentID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
	SELECT text, turn_count, version, updated_at FROM summaries WHERE student_id = ?`, studentID).
		Scan(&sum.Text, &sum.TurnCount, &sum.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &sum, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary row: %w", err)
	}
	sum.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &sum, nil
}

// SaveEntry stores the latest entry context.
func (s *SQLite) SaveEntry(ctx context.Context, studentID string, entry EntryContext) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO entries (student_id, entry_point, trigger_reason, ts) VALUES (?, ?, ?, ?)
	ON CONFLICT(student_id) DO UPDATE SET
		entry_point = excluded.entry_point,
		trigger_reason = excluded.trigger_reason,
		ts = excluded.ts`,
		studentID, entry.EntryPoint, entry.Trigger, entry.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

// LatestEntry reads the latest entry context.
func (s *SQLite) LatestEntry(ctx context.Context, studentID string) (*EntryContext, error) {
	var e EntryContext
	var ts int64
	err := s.db.QueryRowContext(ctx, `
	SELECT entry_point, trigger_reason, ts FROM entries WHERE student_id = ?`, studentID).
		Scan(&e.EntryPoint, &e.Trigger, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", studentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan entry row: %w", err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	return &e, nil
}

// ListTurns returns up to limit most recent turns, oldest first.
func (s *SQLite) ListTurns(ctx context.Context, studentID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT data FROM (
		SELECT data, seq FROM turns WHERE student_id = ? ORDER BY seq DESC LIMIT ?
	) ORDER BY seq`, studentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []TurnRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		var rec TurnRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

// CommitTurn writes the summary, objective updates and turn record in one transaction.
func (s *SQLite) CommitTurn(ctx context.Context, summary Summary, updates []ObjectiveUpdate, rec *TurnRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var skipped []string
	for _, u := range updates {
		res, err := tx.ExecContext(ctx, `
		UPDATE objectives SET status = ?, updated_at = ? WHERE student_id = ? AND id = ?`,
			string(u.Status), now.UnixNano(), summary.StudentID, u.ID)
		if err != nil {
			return fmt.Errorf("update objective: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			skipped = append(skipped, u.ID)
		}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO summaries (student_id, text, turn_count, version, updated_at) VALUES (?, ?, ?, 1, ?)
	ON CONFLICT(student_id) DO UPDATE SET
		text = excluded.text,
		turn_count = excluded.turn_count,
		version = summaries.version + 1,
		updated_at = excluded.updated_at`,
		summary.StudentID, summary.Text, summary.TurnCount, now.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}

	if rec != nil {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.SkippedObjectives = skipped
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, student_id, data, created_at, seq)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE student_id = ?))`,
			rec.ID, summary.StudentID, string(data), rec.CreatedAt.UnixNano(), summary.StudentID)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListObjectives lists every objective in order.
func (s *SQLite) ListObjectives(ctx context.Context, studentID string) ([]Objective, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, student_id, text, status, created_at, updated_at
	FROM objectives WHERE student_id = ? ORDER BY position`, studentID)
	if err != nil {
		return nil, fmt.Errorf("query objectives: %w", err)
	}
	defer rows.Close()

	var out []Objective
	for rows.Next() {
		var o Objective
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(&o.ID, &o.StudentID, &o.Text, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan objective row: %w", err)
		}
		o.Status = ObjectiveStatus(status)
		o.CreatedAt = time.Unix(0, createdAt).UTC()
		o.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objectives: %w", err)
	}
	return out, nil
}

// ReplaceObjectives rewrites the student's list in one transaction.
func (s *SQLite) ReplaceObjectives(ctx context.Context, studentID string, objs []Objective) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM objectives WHERE student_id = ?`, studentID); err != nil {
		return fmt.Errorf("clear objectives: %w", err)
	}
	for i, o := range objs {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `
		INSERT INTO objectives (id, student_id, position, text, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.ID, studentID, i, o.Text, string(o.Status), o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert objective: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
