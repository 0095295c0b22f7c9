package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"studyflow/internal/domain"
)

// SQL is the relational store: task results, study topics, their content
// items and ingestion schedules. Queries are written with ? placeholders and
// rebound for the active driver.
type SQL struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *SQL) DB() *sqlx.DB { return s.db }

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, what, id)
	}
	return err
}

type taskRow struct {
	TaskID         string         `db:"task_id"`
	Kind           string         `db:"kind"`
	Status         string         `db:"status"`
	Result         sql.NullString `db:"result"`
	Error          sql.NullString `db:"error"`
	ErrorKind      sql.NullString `db:"error_kind"`
	ProcessingTime float64        `db:"processing_time"`
	CreatedAt      time.Time      `db:"created_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
}

func (r taskRow) task() domain.Task {
	t := domain.Task{
		ID:             r.TaskID,
		Kind:           domain.Kind(r.Kind),
		Status:         domain.Status(r.Status),
		Error:          r.Error.String,
		ErrorKind:      domain.ErrorKind(r.ErrorKind.String),
		ProcessingTime: time.Duration(r.ProcessingTime * float64(time.Second)),
		CreatedAt:      r.CreatedAt,
	}
	if r.Result.Valid && r.Result.String != "" {
		t.Result = json.RawMessage(r.Result.String)
	}
	if r.FinishedAt.Valid {
		t.FinishedAt = r.FinishedAt.Time
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateResult writes the processing row for a new task. An existing row is left untouched.
func (s *SQL) CreateResult(ctx context.Context, t domain.Task) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO task_result (task_id, kind, status, processing_time, created_at)
VALUES (?, ?, ?, 0, ?)
ON CONFLICT(task_id) DO NOTHING`), t.ID, string(t.Kind), string(domain.StatusProcessing), created)
	if err != nil {
		return fmt.Errorf("create task result %s: %w", t.ID, err)
	}
	return nil
}

// SaveResult upserts the terminal state of a task.
func (s *SQL) SaveResult(ctx context.Context, t domain.Task) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	finished := t.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO task_result (task_id, kind, status, result, error, error_kind, processing_time, created_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  status = excluded.status,
  result = excluded.result,
  error = excluded.error,
  error_kind = excluded.error_kind,
  processing_time = excluded.processing_time,
  finished_at = excluded.finished_at`),
		t.ID, string(t.Kind), string(t.Status), nullString(string(t.Result)),
		nullString(t.Error), nullString(string(t.ErrorKind)),
		t.ProcessingTime.Seconds(), created, finished)
	if err != nil {
		return fmt.Errorf("save task result %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQL) LoadResult(ctx context.Context, taskID string) (domain.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
SELECT task_id, kind, status, result, error, error_kind, processing_time, created_at, finished_at
FROM task_result WHERE task_id = ?`), taskID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", taskID)
	}
	return row.task(), nil
}

func (s *SQL) ListResults(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
SELECT task_id, kind, status, result, error, error_kind, processing_time, created_at, finished_at
FROM task_result ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list task results: %w", err)
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.task())
	}
	return tasks, nil
}

// ReconcileOrphans fails every row still processing. It is meant to run at
// startup, before any task of the current process exists.
func (s *SQL) ReconcileOrphans(ctx context.Context, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE task_result SET status = ?, error = ?, error_kind = ?, finished_at = ?
WHERE status = ?`),
		string(domain.StatusFailed), reason, string(domain.ErrorKindShutdown), s.now(), string(domain.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Topics

const topicColumns = `topic_id, name, description, use_knowledge_graph, created_at, updated_at`

func (s *SQL) CreateTopic(ctx context.Context, t domain.Topic) (domain.Topic, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO study_topics (`+topicColumns+`)
VALUES (:topic_id, :name, :description, :use_knowledge_graph, :created_at, :updated_at)`, t)
	if err != nil {
		return domain.Topic{}, fmt.Errorf("create topic: %w", err)
	}
	return t, nil
}

func (s *SQL) GetTopic(ctx context.Context, id string) (domain.Topic, error) {
	var t domain.Topic
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT `+topicColumns+` FROM study_topics WHERE topic_id = ?`), id)
	if err != nil {
		return domain.Topic{}, notFound(err, "topic", id)
	}
	return t, nil
}

func (s *SQL) ListTopics(ctx context.Context) ([]domain.Topic, error) {
	topics := []domain.Topic{}
	if err := s.db.SelectContext(ctx, &topics, `SELECT `+topicColumns+` FROM study_topics ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	return topics, nil
}

func (s *SQL) UpdateTopic(ctx context.Context, t domain.Topic) (domain.Topic, error) {
	t.UpdatedAt = s.now()
	res, err := s.db.NamedExecContext(ctx, `
UPDATE study_topics SET name = :name, description = :description,
  use_knowledge_graph = :use_knowledge_graph, updated_at = :updated_at
WHERE topic_id = :topic_id`, t)
	if err != nil {
		return domain.Topic{}, fmt.Errorf("update topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Topic{}, fmt.Errorf("%w: topic %s", domain.ErrNotFound, t.ID)
	}
	return s.GetTopic(ctx, t.ID)
}

// DeleteTopic removes the topic and its content items.
func (s *SQL) DeleteTopic(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM content_items WHERE study_topic_id = ?`), id); err != nil {
		return fmt.Errorf("delete topic content: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM study_topics WHERE topic_id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: topic %s", domain.ErrNotFound, id)
	}
	return tx.Commit()
}

// Content items

const contentColumns = `content_id, study_topic_id, content_type, title, content, source_url, file_path, metadata, created_at`

func (s *SQL) AddContent(ctx context.Context, c domain.ContentItem) (domain.ContentItem, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO content_items (`+contentColumns+`)
VALUES (:content_id, :study_topic_id, :content_type, :title, :content, :source_url, :file_path, :metadata, :created_at)`, c)
	if err != nil {
		return domain.ContentItem{}, fmt.Errorf("add content item: %w", err)
	}
	return c, nil
}

func (s *SQL) ListContent(ctx context.Context, topicID string) ([]domain.ContentItem, error) {
	items := []domain.ContentItem{}
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(`SELECT `+contentColumns+`
FROM content_items WHERE study_topic_id = ? ORDER BY created_at DESC`), topicID)
	if err != nil {
		return nil, fmt.Errorf("list content items: %w", err)
	}
	return items, nil
}

// Schedules

const scheduleColumns = `id, name, cron_expr, kind, target, language, topic_id, callback_url, enabled, last_run, next_run, created_at, updated_at`

func (s *SQL) CreateSchedule(ctx context.Context, sc domain.Schedule) (domain.Schedule, error) {
	if sc.ID == "" {
		sc.ID = "sch_" + uuid.NewString()
	}
	now := s.now()
	sc.CreatedAt, sc.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (:id, :name, :cron_expr, :kind, :target, :language, :topic_id, :callback_url, :enabled, :last_run, :next_run, :created_at, :updated_at)`, sc)
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("create schedule: %w", err)
	}
	return sc, nil
}

func (s *SQL) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	var sc domain.Schedule
	if err := s.db.GetContext(ctx, &sc, s.db.Rebind(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id); err != nil {
		return domain.Schedule{}, notFound(err, "schedule", id)
	}
	return sc, nil
}

func (s *SQL) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	schedules := []domain.Schedule{}
	if err := s.db.SelectContext(ctx, &schedules, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return schedules, nil
}

func (s *SQL) UpdateSchedule(ctx context.Context, sc domain.Schedule) error {
	sc.UpdatedAt = s.now()
	res, err := s.db.NamedExecContext(ctx, `
UPDATE schedules SET name = :name, cron_expr = :cron_expr, kind = :kind, target = :target,
  language = :language, topic_id = :topic_id, callback_url = :callback_url, enabled = :enabled,
  next_run = :next_run, updated_at = :updated_at
WHERE id = :id`, sc)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s", domain.ErrNotFound, sc.ID)
	}
	return nil
}

func (s *SQL) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *SQL) GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	var schedules []domain.Schedule
	err := s.db.SelectContext(ctx, &schedules, s.db.Rebind(`SELECT `+scheduleColumns+`
FROM schedules WHERE enabled = ? AND next_run <= ? ORDER BY next_run`), true, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("get due schedules: %w", err)
	}
	return schedules, nil
}

func (s *SQL) UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
UPDATE schedules SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?`),
		lastRun.UTC(), nextRun.UTC(), s.now(), id)
	if err != nil {
		return fmt.Errorf("update schedule run times: %w", err)
	}
	return nil
}
