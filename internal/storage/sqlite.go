package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agentgov/agentgov/internal/audit"
	"github.com/agentgov/agentgov/internal/evolution"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS evolutions (
		evolution_id TEXT PRIMARY KEY,
		agent_id     TEXT NOT NULL,
		status       TEXT NOT NULL,
		decision     TEXT NOT NULL DEFAULT '',
		incident_key TEXT NOT NULL DEFAULT '',
		payload      BLOB NOT NULL,
		created_at   INTEGER NOT NULL,
		deployed_at  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_evolutions_agent
		ON evolutions(agent_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_evolutions_status ON evolutions(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_evolutions_incident
		ON evolutions(agent_id, incident_key) WHERE incident_key != '';

	CREATE TABLE IF NOT EXISTS review_tasks (
		task_id       TEXT PRIMARY KEY,
		evolution_id  TEXT NOT NULL UNIQUE,
		priority_rank INTEGER NOT NULL,
		status        TEXT NOT NULL,
		payload       BLOB NOT NULL,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_pending
		ON review_tasks(status, priority_rank DESC, created_at ASC);

	CREATE TABLE IF NOT EXISTS audit_events (
		event_id   TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload    BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_agent
		ON audit_events(agent_id, created_at DESC);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// CreateEvolution inserts a new evolution row.
func (s *SQLiteStore) CreateEvolution(ctx context.Context, evo *evolution.Evolution) error {
	payload, err := json.Marshal(evo)
	if err != nil {
		return fmt.Errorf("encode evolution %q: %w", evo.EvolutionID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evolutions
			(evolution_id, agent_id, status, decision, incident_key, payload, created_at, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		evo.EvolutionID, evo.AgentID, string(evo.Status), string(evo.Decision),
		evo.IncidentKey, payload, evo.CreatedAt.UnixNano(), deployedNanos(evo),
	)
	if err != nil {
		return fmt.Errorf("create evolution %q: %w", evo.EvolutionID, err)
	}
	return nil
}

// GetEvolution retrieves an evolution by ID.
func (s *SQLiteStore) GetEvolution(ctx context.Context, evolutionID string) (*evolution.Evolution, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM evolutions WHERE evolution_id = ?", evolutionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &evolution.NotFoundError{Kind: "evolution", ID: evolutionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get evolution %q: %w", evolutionID, err)
	}
	return decodeEvolution(payload)
}

// TransitionStatus atomically moves an evolution between statuses.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, evolutionID string, from, to evolution.Status, mutate func(*evolution.Evolution) error) (*evolution.Evolution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition %q: %w", evolutionID, err)
	}
	defer tx.Rollback()

	var payload []byte
	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT payload, status FROM evolutions WHERE evolution_id = ?", evolutionID,
	).Scan(&payload, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &evolution.NotFoundError{Kind: "evolution", ID: evolutionID}
	}
	if err != nil {
		return nil, fmt.Errorf("read evolution %q: %w", evolutionID, err)
	}
	if current != string(from) {
		return nil, &evolution.InvalidStateError{
			Kind: "evolution", ID: evolutionID,
			Op:       fmt.Sprintf("transition to %s", to),
			Expected: string(from), Actual: current,
		}
	}

	evo, err := decodeEvolution(payload)
	if err != nil {
		return nil, err
	}
	prevDecision := evo.Decision

	evo.Status = to
	if mutate != nil {
		if err := mutate(evo); err != nil {
			return nil, err
		}
	}
	// Terminal decisions are write-once. A provisional ESCALATED decision
	// may be superseded by the final human decision.
	if prevDecision.Terminal() && evo.Decision != prevDecision {
		return nil, &evolution.InvalidStateError{
			Kind: "evolution", ID: evolutionID,
			Op:       "rewrite decision",
			Expected: string(prevDecision), Actual: string(evo.Decision),
		}
	}
	evo.Status = to // mutate must not undo the transition

	updated, err := json.Marshal(evo)
	if err != nil {
		return nil, fmt.Errorf("encode evolution %q: %w", evolutionID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE evolutions
		SET status = ?, decision = ?, incident_key = ?, payload = ?, deployed_at = ?
		WHERE evolution_id = ? AND status = ?`,
		string(to), string(evo.Decision), evo.IncidentKey, updated, deployedNanos(evo),
		evolutionID, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("transition evolution %q: %w", evolutionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("transition evolution %q: %w", evolutionID, err)
	}
	if n == 0 {
		return nil, &evolution.InvalidStateError{
			Kind: "evolution", ID: evolutionID,
			Op:       fmt.Sprintf("transition to %s", to),
			Expected: string(from), Actual: "concurrently modified",
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition %q: %w", evolutionID, err)
	}
	return evo, nil
}

// ListByStatus returns evolutions in a status, oldest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status evolution.Status) ([]*evolution.Evolution, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM evolutions WHERE status = ? ORDER BY created_at ASC",
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list by status %s: %w", status, err)
	}
	defer rows.Close()
	return scanEvolutions(rows)
}

// AgentHistory returns recent evolutions for an agent, newest first.
func (s *SQLiteStore) AgentHistory(ctx context.Context, agentID string, limit int) ([]*evolution.Evolution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM evolutions
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("agent history %q: %w", agentID, err)
	}
	defer rows.Close()
	return scanEvolutions(rows)
}

// RecentDeployed returns deployed evolutions ordered by deployment time.
func (s *SQLiteStore) RecentDeployed(ctx context.Context, agentID string, limit int) ([]*evolution.Evolution, error) {
	if limit <= 0 {
		limit = 2
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM evolutions
		WHERE agent_id = ? AND status = ?
		ORDER BY deployed_at DESC
		LIMIT ?`,
		agentID, string(evolution.StatusDeployed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent deployed %q: %w", agentID, err)
	}
	defer rows.Close()
	return scanEvolutions(rows)
}

// FindByIncidentKey looks up a rollback row by its dedupe key.
func (s *SQLiteStore) FindByIncidentKey(ctx context.Context, agentID, incidentKey string) (*evolution.Evolution, error) {
	if incidentKey == "" {
		return nil, nil
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM evolutions WHERE agent_id = ? AND incident_key = ?",
		agentID, incidentKey,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find incident %q/%q: %w", agentID, incidentKey, err)
	}
	return decodeEvolution(payload)
}

// CreateTask inserts a review task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *evolution.ReviewTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %q: %w", task.TaskID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_tasks (task_id, evolution_id, priority_rank, status, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.EvolutionID, task.Priority.Rank(), string(task.Status),
		payload, task.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create task %q: %w", task.TaskID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*evolution.ReviewTask, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM review_tasks WHERE task_id = ?", taskID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &evolution.NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", taskID, err)
	}
	return decodeTask(payload)
}

// TaskByEvolution returns the task for an evolution, or nil.
func (s *SQLiteStore) TaskByEvolution(ctx context.Context, evolutionID string) (*evolution.ReviewTask, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM review_tasks WHERE evolution_id = ?", evolutionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("task by evolution %q: %w", evolutionID, err)
	}
	return decodeTask(payload)
}

// ListPendingTasks returns pending tasks in queue order: strict priority with
// FIFO tie-break, so critical tasks are never starved behind older high ones.
func (s *SQLiteStore) ListPendingTasks(ctx context.Context) ([]*evolution.ReviewTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM review_tasks
		WHERE status = ?
		ORDER BY priority_rank DESC, created_at ASC`,
		string(evolution.TaskPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*evolution.ReviewTask
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		task, err := decodeTask(payload)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ResolveTask atomically moves a pending task to its outcome.
func (s *SQLiteStore) ResolveTask(ctx context.Context, taskID string, outcome evolution.TaskStatus, reviewerID string, resolvedAt time.Time) (*evolution.ReviewTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin resolve %q: %w", taskID, err)
	}
	defer tx.Rollback()

	var payload []byte
	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT payload, status FROM review_tasks WHERE task_id = ?", taskID,
	).Scan(&payload, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &evolution.NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return nil, fmt.Errorf("read task %q: %w", taskID, err)
	}
	if current != string(evolution.TaskPending) {
		return nil, &evolution.InvalidStateError{
			Kind: "task", ID: taskID,
			Op:       "resolve",
			Expected: string(evolution.TaskPending), Actual: current,
		}
	}

	task, err := decodeTask(payload)
	if err != nil {
		return nil, err
	}
	task.Status = outcome
	task.ReviewerID = reviewerID
	task.ResolvedAt = resolvedAt

	updated, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %q: %w", taskID, err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE review_tasks SET status = ?, payload = ? WHERE task_id = ? AND status = ?",
		string(outcome), updated, taskID, string(evolution.TaskPending),
	)
	if err != nil {
		return nil, fmt.Errorf("resolve task %q: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &evolution.InvalidStateError{
			Kind: "task", ID: taskID,
			Op:       "resolve",
			Expected: string(evolution.TaskPending), Actual: "concurrently resolved",
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit resolve %q: %w", taskID, err)
	}
	return task, nil
}

// EscalateTask bumps a pending task's priority.
func (s *SQLiteStore) EscalateTask(ctx context.Context, taskID string, priority evolution.Priority) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin escalate %q: %w", taskID, err)
	}
	defer tx.Rollback()

	var payload []byte
	var current string
	err = tx.QueryRowContext(ctx,
		"SELECT payload, status FROM review_tasks WHERE task_id = ?", taskID,
	).Scan(&payload, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return &evolution.NotFoundError{Kind: "task", ID: taskID}
	}
	if err != nil {
		return fmt.Errorf("read task %q: %w", taskID, err)
	}
	if current != string(evolution.TaskPending) {
		return &evolution.InvalidStateError{
			Kind: "task", ID: taskID,
			Op:       "escalate",
			Expected: string(evolution.TaskPending), Actual: current,
		}
	}

	task, err := decodeTask(payload)
	if err != nil {
		return err
	}
	task.Priority = priority
	task.Escalations++

	updated, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %q: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE review_tasks SET priority_rank = ?, payload = ? WHERE task_id = ? AND status = ?",
		priority.Rank(), updated, taskID, string(evolution.TaskPending),
	); err != nil {
		return fmt.Errorf("escalate task %q: %w", taskID, err)
	}
	return tx.Commit()
}

// AppendAudit appends an event to the local audit mirror.
func (s *SQLiteStore) AppendAudit(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event %q: %w", event.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, agent_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.AgentID, string(event.Type), payload, event.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append audit %q: %w", event.ID, err)
	}
	return nil
}

// RecentAudit returns recent audit events, newest first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, agentID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT payload FROM audit_events ORDER BY created_at DESC LIMIT ?"
	args := []any{limit}
	if agentID != "" {
		query = "SELECT payload FROM audit_events WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?"
		args = []any{agentID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var event audit.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeEvolution(payload []byte) (*evolution.Evolution, error) {
	var evo evolution.Evolution
	if err := json.Unmarshal(payload, &evo); err != nil {
		return nil, fmt.Errorf("decode evolution: %w", err)
	}
	return &evo, nil
}

func decodeTask(payload []byte) (*evolution.ReviewTask, error) {
	var task evolution.ReviewTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

func scanEvolutions(rows *sql.Rows) ([]*evolution.Evolution, error) {
	var out []*evolution.Evolution
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		evo, err := decodeEvolution(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, evo)
	}
	return out, rows.Err()
}

func deployedNanos(evo *evolution.Evolution) int64 {
	if evo.DeployedAt.IsZero() {
		return 0
	}
	return evo.DeployedAt.UnixNano()
}
