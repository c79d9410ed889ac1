package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// AppendEvaluation records one pass of the evaluation loop. When
// rec.Iteration is zero the next number is assigned automatically.
func (s *Store) AppendEvaluation(ctx context.Context, rec *task.EvaluationIteration) error {
	if rec == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "Evaluation record must not be nil.")
	}
	if rec.Source == "" {
		rec.Source = task.EvalSourceModel
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, rec.TaskID); err != nil {
			return err
		}
		if rec.Iteration == 0 {
			err := tx.GetContext(ctx, &rec.Iteration,
				`SELECT COALESCE(MAX(iteration), 0) + 1 FROM evaluation_iterations WHERE task_id = ?`,
				rec.TaskID)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "next evaluation iteration")
			}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO evaluation_iterations (task_id, iteration, score, passed, feedback, dimensions, source)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.TaskID, rec.Iteration, rec.Score, rec.Passed, rec.Feedback, rec.Dimensions, rec.Source)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "append evaluation for task %d", rec.TaskID)
		}
		rec.ID, _ = res.LastInsertId()
		return nil
	})
}

// ListEvaluations returns a task's evaluation history in iteration
// order.
func (s *Store) ListEvaluations(ctx context.Context, taskID int64) ([]task.EvaluationIteration, error) {
	var recs []task.EvaluationIteration
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM evaluation_iterations WHERE task_id = ? ORDER BY iteration, id`, taskID)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list evaluations of task %d", taskID)
	}
	return recs, nil
}

// LatestEvaluation returns the most recent record, preferring a human
// override over model scores from the same or earlier iterations. Nil
// when the task was never evaluated.
func (s *Store) LatestEvaluation(ctx context.Context, taskID int64) (*task.EvaluationIteration, error) {
	var rec task.EvaluationIteration
	err := s.db.GetContext(ctx, &rec,
		`SELECT * FROM evaluation_iterations WHERE task_id = ?
		 ORDER BY CASE source WHEN 'human' THEN 1 ELSE 0 END DESC, iteration DESC, id DESC
		 LIMIT 1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "latest evaluation of task %d", taskID)
	}
	return &rec, nil
}

// DeleteHumanEvaluations removes override records, restoring the model
// verdicts as the effective history.
func (s *Store) DeleteHumanEvaluations(ctx context.Context, taskID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM evaluation_iterations WHERE task_id = ? AND source = ?`,
		taskID, task.EvalSourceHuman)
	if err != nil {
		return 0, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "delete overrides of task %d", taskID)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EvaluationSupervision aggregates evaluation health across all tasks.
type EvaluationSupervision struct {
	TasksEvaluated int     `db:"tasks_evaluated" json:"tasks_evaluated"`
	Iterations     int     `db:"iterations" json:"iterations"`
	AverageScore   float64 `db:"average_score" json:"average_score"`
	PassRate       float64 `db:"pass_rate" json:"pass_rate"`
	Overrides      int     `db:"overrides" json:"overrides"`
	NeedsReview    int     `db:"needs_review" json:"needs_review_tasks"`
}

// GetEvaluationSupervision computes the aggregate report backing the
// supervision endpoint.
func (s *Store) GetEvaluationSupervision(ctx context.Context) (*EvaluationSupervision, error) {
	var sup EvaluationSupervision
	err := s.db.GetContext(ctx, &sup, `
		SELECT
			COUNT(DISTINCT task_id) AS tasks_evaluated,
			COUNT(*) AS iterations,
			COALESCE(AVG(score), 0) AS average_score,
			COALESCE(AVG(CASE WHEN passed THEN 1.0 ELSE 0.0 END), 0) AS pass_rate,
			COALESCE(SUM(CASE WHEN source = 'human' THEN 1 ELSE 0 END), 0) AS overrides
		FROM evaluation_iterations`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "aggregate evaluation stats")
	}
	err = s.db.GetContext(ctx, &sup.NeedsReview,
		`SELECT COUNT(*) FROM tasks WHERE status = ?`, task.StatusNeedsReview)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "count needs_review tasks")
	}
	return &sup, nil
}
