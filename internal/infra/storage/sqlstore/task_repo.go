package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/storage"
)

type taskRow struct {
	ID              string `db:"id"`
	Status          string `db:"status"`
	Request         string `db:"request"`
	Policy          string `db:"policy"`
	Result          string `db:"result"`
	ErrorMessage    string `db:"error_message"`
	ErrorKind       string `db:"error_kind"`
	CancelRequested bool   `db:"cancel_requested"`
	AttemptCount    int    `db:"attempt_count"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

type attemptRow struct {
	TaskID         string `db:"task_id"`
	AttemptIndex   int    `db:"attempt_index"`
	Response       string `db:"response"`
	TransportError string `db:"transport_error"`
	Outcomes       string `db:"outcomes"`
	DelayNS        int64  `db:"delay_ns"`
	CreatedAt      int64  `db:"created_at"`
}

const taskColumns = `id, status, request, policy, result, error_message, error_kind,
	cancel_requested, attempt_count, created_at, updated_at`

const terminalStatuses = `('completed', 'failed', 'timeout', 'cancelled')`

// TaskRepo implements storage.TaskRepository on SQL. Conditional UPDATEs
// guarded by the current status make every transition atomic per row.
type TaskRepo struct {
	db *DB
}

var _ storage.TaskRepository = (*TaskRepo)(nil)

func NewTaskRepo(db *DB) *TaskRepo {
	return &TaskRepo{db: db}
}

func (r *TaskRepo) Create(ctx context.Context, task *domain.Task) error {
	req, err := json.Marshal(task.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	policy, err := json.Marshal(task.Policy)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	var exists int
	err = r.db.GetContext(ctx, &exists, r.db.Rebind(`SELECT COUNT(*) FROM tasks WHERE id = ?`), task.ID)
	if err != nil {
		return fmt.Errorf("failed to check task: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: task %s already exists", storage.ErrConflict, task.ID)
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, status, request, policy, result, error_message, error_kind,
			cancel_requested, attempt_count, created_at, updated_at)
		VALUES (:id, :status, :request, :policy, :result, :error_message, :error_kind,
			FALSE, 0, :created_at, :updated_at)`,
		taskRow{
			ID:           task.ID,
			Status:       string(task.Status),
			Request:      string(req),
			Policy:       string(policy),
			Result:       task.Result,
			ErrorMessage: task.Error,
			ErrorKind:    string(task.ErrorKind),
			CreatedAt:    task.CreatedAt.UnixNano(),
			UpdatedAt:    task.UpdatedAt.UnixNano(),
		})
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.Task, error) {
	return r.get(ctx, r.db, id)
}

// get reads a task and its attempts through q, which is the pool or a tx.
func (r *TaskRepo) get(ctx context.Context, q sqlx.QueryerContext, id string) (*domain.Task, error) {
	var row taskRow
	err := sqlx.GetContext(ctx, q, &row, r.db.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var attempts []attemptRow
	err = sqlx.SelectContext(ctx, q, &attempts, r.db.Rebind(`
		SELECT task_id, attempt_index, response, transport_error, outcomes, delay_ns, created_at
		FROM task_attempts WHERE task_id = ? ORDER BY attempt_index`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempts: %w", err)
	}

	task, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	for _, a := range attempts {
		rec, err := a.toDomain()
		if err != nil {
			return nil, err
		}
		task.Attempts = append(task.Attempts, rec)
	}
	return task, nil
}

func (r *TaskRepo) List(ctx context.Context, filter storage.TaskFilter) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return r.selectTasks(ctx, query, args...)
}

func (r *TaskRepo) Claim(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'pending'`), at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to claim task: %w", err)
	}
	return r.checkAffected(ctx, r.db, res, id)
}

func (r *TaskRepo) AppendAttempt(ctx context.Context, id string, rec domain.AttemptRecord, at time.Time) (bool, error) {
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return false, fmt.Errorf("encode outcomes: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Owning the row at attempt_count == rec.Index serializes appenders and
	// keeps the history gap-free.
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET attempt_count = attempt_count + 1, updated_at = ?
		WHERE id = ? AND status = 'running' AND attempt_count = ?`),
		at.UnixNano(), id, rec.Index)
	if err != nil {
		return false, fmt.Errorf("failed to bump attempt count: %w", err)
	}
	if err := r.checkAffected(ctx, tx, res, id); err != nil {
		return false, err
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO task_attempts (task_id, attempt_index, response, transport_error, outcomes, delay_ns, created_at)
		VALUES (:task_id, :attempt_index, :response, :transport_error, :outcomes, :delay_ns, :created_at)`,
		attemptRow{
			TaskID:         id,
			AttemptIndex:   rec.Index,
			Response:       rec.Response,
			TransportError: rec.TransportError,
			Outcomes:       string(outcomes),
			DelayNS:        int64(rec.Delay),
			CreatedAt:      rec.Timestamp.UnixNano(),
		})
	if err != nil {
		return false, fmt.Errorf("failed to insert attempt: %w", err)
	}

	var cancelRequested bool
	err = tx.GetContext(ctx, &cancelRequested, tx.Rebind(`SELECT cancel_requested FROM tasks WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit attempt: %w", err)
	}
	return cancelRequested, nil
}

func (r *TaskRepo) RequestCancel(ctx context.Context, id string, at time.Time) (*domain.Task, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var changed int64
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET status = 'cancelled', error_kind = 'cancelled',
			error_message = 'cancelled before start', updated_at = ?
		WHERE id = ? AND status = 'pending'`), at.UnixNano(), id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to cancel pending task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		changed += n
	}
	res, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE tasks SET cancel_requested = TRUE, updated_at = ?
		WHERE id = ? AND status = 'running' AND cancel_requested = FALSE`), at.UnixNano(), id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to flag running task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		changed += n
	}

	task, err := r.get(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit cancel: %w", err)
	}
	return task, changed > 0, nil
}

func (r *TaskRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := r.db.GetContext(ctx, &flag, r.db.Rebind(`SELECT cancel_requested FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag, nil
}

func (r *TaskRepo) Finish(ctx context.Context, id string, result domain.TaskResult, at time.Time) error {
	if !result.Status.IsTerminal() {
		return fmt.Errorf("finish with non-terminal status %s", result.Status)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE tasks SET status = ?, result = ?, error_message = ?, error_kind = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`),
		string(result.Status), result.Result, result.Error, string(result.Kind), at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	return r.checkAffected(ctx, r.db, res, id)
}

func (r *TaskRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id FROM tasks WHERE status IN ` + terminalStatuses + ` AND updated_at < ? ORDER BY created_at, id`
	args := []any{cutoff.UnixNano()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var ids []string
	if err := tx.SelectContext(ctx, &ids, tx.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to select expired tasks: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, stmt := range []string{
		`DELETE FROM task_attempts WHERE task_id IN (?)`,
		`DELETE FROM tasks WHERE id IN (?)`,
	} {
		q, qargs, err := sqlx.In(stmt, ids)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(q), qargs...); err != nil {
			return 0, fmt.Errorf("failed to delete expired tasks: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return len(ids), nil
}

func (r *TaskRepo) ListStale(ctx context.Context, status domain.TaskStatus, before time.Time) ([]*domain.Task, error) {
	return r.selectTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND updated_at < ? ORDER BY updated_at`,
		string(status), before.UnixNano())
}

func (r *TaskRepo) selectTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	out := make([]*domain.Task, 0, len(rows))
	for _, row := range rows {
		t, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// checkAffected turns a zero-row conditional update into ErrNotFound or ErrConflict.
func (r *TaskRepo) checkAffected(ctx context.Context, q sqlx.QueryerContext, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var status string
	err = sqlx.GetContext(ctx, q, &status, r.db.Rebind(`SELECT status FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s", storage.ErrConflict, id, status)
}

func (row taskRow) toDomain() (*domain.Task, error) {
	t := &domain.Task{
		ID:              row.ID,
		Status:          domain.TaskStatus(row.Status),
		Result:          row.Result,
		Error:           row.ErrorMessage,
		ErrorKind:       domain.ErrorKind(row.ErrorKind),
		CancelRequested: row.CancelRequested,
		CreatedAt:       time.Unix(0, row.CreatedAt).UTC(),
		UpdatedAt:       time.Unix(0, row.UpdatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(row.Request), &t.Request); err != nil {
		return nil, fmt.Errorf("decode request of task %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.Policy), &t.Policy); err != nil {
		return nil, fmt.Errorf("decode policy of task %s: %w", row.ID, err)
	}
	return t, nil
}

func (row attemptRow) toDomain() (domain.AttemptRecord, error) {
	rec := domain.AttemptRecord{
		Index:          row.AttemptIndex,
		Response:       row.Response,
		TransportError: row.TransportError,
		Delay:          time.Duration(row.DelayNS),
		Timestamp:      time.Unix(0, row.CreatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(row.Outcomes), &rec.Outcomes); err != nil {
		return rec, fmt.Errorf("decode outcomes of attempt %d: %w", row.AttemptIndex, err)
	}
	return rec, nil
}
