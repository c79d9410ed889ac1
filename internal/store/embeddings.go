package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// StoreTaskEmbedding upserts the vector for (task, model). At most one
// row exists per pair.
func (s *Store) StoreTaskEmbedding(ctx context.Context, id int64, vector []float32, model string) error {
	if len(vector) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "Embedding vector must not be empty.")
	}
	if model == "" {
		return apperrors.New(apperrors.CodeMissingField, "Embedding model name is required.")
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_embeddings (task_id, model_name, vector, dimension) VALUES (?, ?, ?, ?)
			 ON CONFLICT (task_id, model_name) DO UPDATE SET
				vector = excluded.vector,
				dimension = excluded.dimension,
				updated_at = CURRENT_TIMESTAMP`,
			id, model, task.EncodeVector(vector), len(vector))
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "store embedding of task %d", id)
		}
		return nil
	})
}

// GetTaskEmbedding returns the stored vector for (task, model); ok is
// false when none exists.
func (s *Store) GetTaskEmbedding(ctx context.Context, id int64, model string) ([]float32, bool, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob,
		`SELECT vector FROM task_embeddings WHERE task_id = ? AND model_name = ?`, id, model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "get embedding of task %d", id)
	}
	vector, err := task.DecodeVector(blob)
	if err != nil {
		return nil, false, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "decode embedding of task %d", id)
	}
	return vector, true, nil
}

// TasksWithEmbeddings returns every (task, vector) pair for a model in
// one workflow, the retrieval candidate universe. Rows whose blob no
// longer decodes are skipped and logged.
func (s *Store) TasksWithEmbeddings(ctx context.Context, workflowID, model string) ([]task.Embedding, error) {
	rows := []struct {
		TaskID    int64     `db:"task_id"`
		Model     string    `db:"model_name"`
		Vector    []byte    `db:"vector"`
		Dimension int       `db:"dimension"`
		UpdatedAt time.Time `db:"updated_at"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT e.task_id, e.model_name, e.vector, e.dimension, e.updated_at
		 FROM task_embeddings e
		 JOIN tasks t ON t.id = e.task_id
		 WHERE t.workflow_id = ? AND e.model_name = ?
		 ORDER BY e.task_id`,
		workflowID, model)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list embeddings of workflow %s", workflowID)
	}

	out := make([]task.Embedding, 0, len(rows))
	for _, row := range rows {
		vector, err := task.DecodeVector(row.Vector)
		if err != nil {
			s.logger.Warn("skipping embedding of task %d: %v", row.TaskID, err)
			continue
		}
		out = append(out, task.Embedding{
			TaskID:    row.TaskID,
			Model:     row.Model,
			Vector:    vector,
			Dimension: row.Dimension,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out, nil
}

// DeleteTaskEmbeddings drops all vectors of one task.
func (s *Store) DeleteTaskEmbeddings(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_embeddings WHERE task_id = ?`, id); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "delete embeddings of task %d", id)
	}
	return nil
}
