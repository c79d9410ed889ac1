package store

import (
	"context"
	"database/sql"
	"errors"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// GetWorkflow fetches one workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*task.Workflow, error) {
	var wf task.Workflow
	err := s.db.GetContext(ctx, &wf, `SELECT * FROM workflows WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.CodeWorkflowNotFound, "Workflow %s not found.", id)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "get workflow %s", id)
	}
	return &wf, nil
}

// GetTaskWorkflow fetches the workflow a task belongs to.
func (s *Store) GetTaskWorkflow(ctx context.Context, taskID int64) (*task.Workflow, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.GetWorkflow(ctx, t.WorkflowID)
}

// ListWorkflows returns all workflows, newest first.
func (s *Store) ListWorkflows(ctx context.Context) ([]task.Workflow, error) {
	var wfs []task.Workflow
	err := s.db.SelectContext(ctx, &wfs, `SELECT * FROM workflows ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "list workflows")
	}
	return wfs, nil
}
