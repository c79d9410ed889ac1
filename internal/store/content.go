package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "loom/internal/errors"
)

// UpsertTaskInput replaces the task's prompt.
func (s *Store) UpsertTaskInput(ctx context.Context, id int64, prompt string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_inputs (task_id, prompt) VALUES (?, ?)
			 ON CONFLICT (task_id) DO UPDATE SET prompt = excluded.prompt, updated_at = CURRENT_TIMESTAMP`,
			id, prompt)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "upsert input of task %d", id)
		}
		return nil
	})
}

// GetTaskInput returns the stored prompt, or "" when none exists.
func (s *Store) GetTaskInput(ctx context.Context, id int64) (string, error) {
	var prompt string
	err := s.db.GetContext(ctx, &prompt, `SELECT prompt FROM task_inputs WHERE task_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "get input of task %d", id)
	}
	return prompt, nil
}

// UpsertTaskOutput replaces the task's output and fires the registered
// output hooks (best-effort async embedding rides on them).
func (s *Store) UpsertTaskOutput(ctx context.Context, id int64, content string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, id); err != nil {
			return err
		}
		return upsertOutputTx(ctx, tx, id, content)
	})
	if err != nil {
		return err
	}
	s.fireOutputHooks(id, content)
	return nil
}

func upsertOutputTx(ctx context.Context, tx *sqlx.Tx, id int64, content string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_outputs (task_id, content) VALUES (?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP`,
		id, content)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "upsert output of task %d", id)
	}
	return nil
}

// GetTaskOutput returns the stored output, or "" when none exists.
func (s *Store) GetTaskOutput(ctx context.Context, id int64) (string, error) {
	var content string
	err := s.db.GetContext(ctx, &content, `SELECT content FROM task_outputs WHERE task_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "get output of task %d", id)
	}
	return content, nil
}

// GetOutputs fetches outputs for many tasks at once. Tasks without an
// output are absent from the map.
func (s *Store) GetOutputs(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	query, args, err := sqlx.In(`SELECT task_id, content FROM task_outputs WHERE task_id IN (?)`, ids)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "expand output query")
	}
	rows := []struct {
		TaskID  int64  `db:"task_id"`
		Content string `db:"content"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "batch get outputs")
	}
	out := make(map[int64]string, len(rows))
	for _, row := range rows {
		out[row.TaskID] = row.Content
	}
	return out, nil
}

// GetInputs fetches prompts for many tasks at once.
func (s *Store) GetInputs(ctx context.Context, ids []int64) (map[int64]string, error) {
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}
	query, args, err := sqlx.In(`SELECT task_id, prompt FROM task_inputs WHERE task_id IN (?)`, ids)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "expand input query")
	}
	rows := []struct {
		TaskID int64  `db:"task_id"`
		Prompt string `db:"prompt"`
	}{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "batch get inputs")
	}
	out := make(map[int64]string, len(rows))
	for _, row := range rows {
		out[row.TaskID] = row.Prompt
	}
	return out, nil
}
