package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// CreateTaskParams describes a new task. Status defaults to pending and
// Type to root/atomic depending on ParentID.
type CreateTaskParams struct {
	ParentID  *int64
	Name      string
	Status    task.Status
	Type      task.Type
	Priority  int
	Metadata  task.Metadata
	SessionID string
}

// CreateTask inserts a task, assigns its materialized path, and scopes
// it to a workflow: the parent's when nested, a freshly minted one for
// a new root.
func (s *Store) CreateTask(ctx context.Context, params CreateTaskParams) (*task.Task, error) {
	if strings.TrimSpace(params.Name) == "" {
		return nil, apperrors.New(apperrors.CodeMissingField, "Task name is required.")
	}
	if params.Status == "" {
		params.Status = task.StatusPending
	}
	if !params.Status.Valid() {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "Unknown task status %q.", params.Status)
	}
	if params.Type == "" {
		if params.ParentID == nil {
			params.Type = task.TypeRoot
		} else {
			params.Type = task.TypeAtomic
		}
	}
	if !params.Type.Valid() {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "Unknown task type %q.", params.Type)
	}

	var created task.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var (
			parent *task.Task
			err    error
		)
		if params.ParentID != nil {
			parent, err = getTaskTx(ctx, tx, *params.ParentID)
			if err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (parent_id, name, status, task_type, priority, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			params.ParentID, params.Name, params.Status, params.Type, params.Priority, params.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "insert task")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "read inserted task id")
		}

		var (
			path       string
			rootID     int64
			workflowID string
		)
		if parent != nil {
			path = task.ChildPath(parent.Path, id)
			rootID = parent.RootID
			workflowID = parent.WorkflowID
		} else {
			path = task.RootPath(id)
			rootID = id
			workflowID = newWorkflowID(id)
			_, err = tx.ExecContext(ctx,
				`INSERT INTO workflows (id, session_id, root_task_id, title) VALUES (?, ?, ?, ?)`,
				workflowID, params.SessionID, id, params.Name)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "insert workflow")
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET path = ?, root_id = ?, workflow_id = ? WHERE id = ?`,
			path, rootID, workflowID, id)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "stamp task path")
		}

		out, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		created = *out
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("created task %d %q in %s", created.ID, created.Name, created.WorkflowID)
	return &created, nil
}

func newWorkflowID(rootID int64) string {
	return fmt.Sprintf("wf-%d-%s", rootID, uuid.NewString()[:8])
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	var t task.Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskNotFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "get task %d", id)
	}
	return &t, nil
}

func getTaskTx(ctx context.Context, tx *sqlx.Tx, id int64) (*task.Task, error) {
	var t task.Task
	err := tx.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskNotFound(id)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "get task %d", id)
	}
	return &t, nil
}

// GetChildren returns the direct children ordered by priority then id.
func (s *Store) GetChildren(ctx context.Context, id int64) ([]task.Task, error) {
	var tasks []task.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE parent_id = ? ORDER BY priority, id`, id)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list children of %d", id)
	}
	return tasks, nil
}

// GetTasks returns the tasks for ids, ascending by id. Missing ids are
// silently absent from the result.
func (s *Store) GetTasks(ctx context.Context, ids []int64) ([]task.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM tasks WHERE id IN (?) ORDER BY id`, ids)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "expand task batch query")
	}
	var tasks []task.Task
	if err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(query), args...); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "load task batch")
	}
	return tasks, nil
}

// GetAncestors returns the chain above id, root first. A positive
// maxDepth keeps only the nearest maxDepth ancestors.
func (s *Store) GetAncestors(ctx context.Context, id int64, maxDepth int) ([]task.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	ids := task.PathIDs(t.Path)
	if len(ids) <= 1 {
		return nil, nil
	}
	ids = ids[:len(ids)-1]
	if maxDepth > 0 && len(ids) > maxDepth {
		ids = ids[len(ids)-maxDepth:]
	}

	query, args, err := sqlx.In(`SELECT * FROM tasks WHERE id IN (?)`, ids)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "expand ancestor query")
	}
	var rows []task.Task
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list ancestors of %d", id)
	}

	byID := make(map[int64]task.Task, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	ordered := make([]task.Task, 0, len(ids))
	for _, ancestorID := range ids {
		if row, ok := byID[ancestorID]; ok {
			ordered = append(ordered, row)
		}
	}
	return ordered, nil
}

// GetSubtree returns the task and its descendants, shallowest first,
// ordered by depth then priority then id. A positive maxDepth bounds
// how far below id the walk goes.
func (s *Store) GetSubtree(ctx context.Context, id int64, maxDepth int) ([]task.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	query := `SELECT * FROM tasks
		WHERE (id = ? OR path LIKE ? ESCAPE '\')`
	args := []any{id, escapeLike(t.Path) + "/%"}
	if maxDepth > 0 {
		query += ` AND (length(path) - length(replace(path, '/', ''))) <= ?`
		args = append(args, task.PathDepth(t.Path)+maxDepth)
	}
	query += ` ORDER BY length(path) - length(replace(path, '/', '')), priority, id`

	var tasks []task.Task
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list subtree of %d", id)
	}
	return tasks, nil
}

// UpdateTaskStatus moves a task through the status machine. Leaving
// done or failed requires task.WithRerun. The options may also attach
// a reason, a failure cause, and the task output in the same commit.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, next task.Status, opts ...task.TransitionOption) (*task.Task, error) {
	if !next.Valid() {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "Unknown task status %q.", next)
	}
	params := task.ApplyTransitionOptions(opts)

	var updated task.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if !task.CanTransition(t.Status, next, params.Rerun) {
			cause := &task.InvalidTransitionError{From: t.Status, To: next}
			return apperrors.Wrapf(cause, apperrors.CodeInvalidTransition,
				"Task %d cannot move from %s to %s.", id, t.Status, next).
				WithContext("task_id", id).
				WithSuggestions("Use rerun to re-enter running from a terminal status.")
		}

		meta := t.Metadata.Clone()
		if params.Reason != "" {
			meta["status_reason"] = params.Reason
		}
		if params.FailureCause != "" {
			meta["failure_cause"] = params.FailureCause
		}
		if next == task.StatusRunning {
			// A fresh run invalidates stale failure context.
			delete(meta, "failure_cause")
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			next, meta, id)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "update status of task %d", id)
		}

		if params.Output != nil {
			if err := upsertOutputTx(ctx, tx, id, *params.Output); err != nil {
				return err
			}
		}

		out, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		updated = *out
		return nil
	})
	if err != nil {
		return nil, err
	}
	if params.Output != nil {
		s.fireOutputHooks(id, *params.Output)
	}
	s.logger.Debug("task %d status -> %s", id, next)
	return &updated, nil
}

// UpdateTaskParams are the mutable task fields; nil means unchanged.
type UpdateTaskParams struct {
	Name     *string
	Priority *int
	Type     *task.Type
	Metadata task.Metadata
}

// UpdateTask applies a partial update.
func (s *Store) UpdateTask(ctx context.Context, id int64, params UpdateTaskParams) (*task.Task, error) {
	if params.Type != nil && !params.Type.Valid() {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "Unknown task type %q.", *params.Type)
	}

	var updated task.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}

		sets := []string{"updated_at = CURRENT_TIMESTAMP"}
		args := []any{}
		if params.Name != nil && strings.TrimSpace(*params.Name) != "" {
			sets = append(sets, "name = ?")
			args = append(args, *params.Name)
		}
		if params.Priority != nil {
			sets = append(sets, "priority = ?")
			args = append(args, *params.Priority)
		}
		if params.Type != nil {
			sets = append(sets, "task_type = ?")
			args = append(args, *params.Type)
		}
		if params.Metadata != nil {
			merged := t.Metadata.Clone()
			for k, v := range params.Metadata {
				if v == nil {
					delete(merged, k)
					continue
				}
				merged[k] = v
			}
			sets = append(sets, "metadata = ?")
			args = append(args, merged)
		}
		args = append(args, id)

		_, err = tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE tasks SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "update task %d", id)
		}

		out, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		updated = *out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteTask removes a task and its whole subtree; dependent rows
// (inputs, outputs, links, embeddings, snapshots, evaluations) go with
// it via foreign keys. Deleting a root also removes its workflow.
func (s *Store) DeleteTask(ctx context.Context, id int64) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM tasks WHERE id = ? OR path LIKE ? ESCAPE '\'`,
			id, escapeLike(t.Path)+"/%")
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "delete task %d", id)
		}
		deleted, _ = res.RowsAffected()

		if t.IsRoot() {
			if _, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE root_task_id = ?`, id); err != nil {
				return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "delete workflow of root %d", id)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("deleted task %d (%d rows)", id, deleted)
	return deleted, nil
}

// MoveTask reparents a task inside its workflow and rewrites the paths
// of the moved subtree. A nil newParent moves the task directly under
// the workflow root.
func (s *Store) MoveTask(ctx context.Context, id int64, newParent *int64) (*task.Task, error) {
	var moved task.Task
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.IsRoot() {
			return apperrors.Newf(apperrors.CodeInvalidArgument, "Task %d is a workflow root and cannot be moved.", id)
		}

		targetID := t.RootID
		if newParent != nil {
			targetID = *newParent
		}
		if targetID == id {
			return apperrors.New(apperrors.CodeInvalidArgument, "A task cannot be its own parent.")
		}

		parent, err := getTaskTx(ctx, tx, targetID)
		if err != nil {
			return err
		}
		if parent.WorkflowID != t.WorkflowID {
			return apperrors.Newf(apperrors.CodeInvalidArgument,
				"Task %d belongs to %s; moves across workflows are not allowed.", targetID, parent.WorkflowID)
		}
		if parent.Path == t.Path || strings.HasPrefix(parent.Path, t.Path+"/") {
			return apperrors.Newf(apperrors.CodeInvalidArgument,
				"Cannot move task %d under its own subtree.", id)
		}

		oldBase := t.Path
		newBase := task.ChildPath(parent.Path, id)
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET path = ? || substr(path, ?) WHERE path = ? OR path LIKE ? ESCAPE '\'`,
			newBase, len(oldBase)+1, oldBase, escapeLike(oldBase)+"/%")
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "rewrite subtree paths of %d", id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET parent_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			parent.ID, id)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "reparent task %d", id)
		}

		out, err := getTaskTx(ctx, tx, id)
		if err != nil {
			return err
		}
		moved = *out
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("moved task %d under %v", id, moved.ParentID)
	return &moved, nil
}

// ListPlanTasks returns tasks whose name carries the bracketed plan
// title, ordered by priority then id.
func (s *Store) ListPlanTasks(ctx context.Context, title string) ([]task.Task, error) {
	prefix := "[" + title + "] "
	var tasks []task.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE name LIKE ? ESCAPE '\' ORDER BY priority, id`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list tasks of plan %q", title)
	}
	return tasks, nil
}

// ListWorkflowTasks returns every task in a workflow, shallowest first.
func (s *Store) ListWorkflowTasks(ctx context.Context, workflowID string) ([]task.Task, error) {
	var tasks []task.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE workflow_id = ?
		 ORDER BY length(path) - length(replace(path, '/', '')), priority, id`,
		workflowID)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list tasks of workflow %s", workflowID)
	}
	return tasks, nil
}

// ListRoots returns all root tasks, newest first.
func (s *Store) ListRoots(ctx context.Context) ([]task.Task, error) {
	var tasks []task.Task
	err := s.db.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE parent_id IS NULL ORDER BY id DESC`)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "list root tasks")
	}
	return tasks, nil
}

// escapeLike escapes LIKE wildcards so user-supplied names and paths
// match literally. The queries using it declare ESCAPE '\'.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
