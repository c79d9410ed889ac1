package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// CreateLink records "from <kind> to" between two tasks of the same
// workflow. A requires link reads "from requires to": to must complete
// before from runs. New requires edges are rejected when they would
// close a cycle; the check runs under the workflow's link lock so
// concurrent creates cannot sneak one in.
func (s *Store) CreateLink(ctx context.Context, fromID, toID int64, kind task.LinkKind) (*task.Link, error) {
	if !kind.Valid() {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "Unknown link kind %q.", kind).
			WithSuggestions(`Use "requires" or "refers".`)
	}
	if fromID == toID {
		return nil, cycleError(fromID, toID)
	}

	from, err := s.GetTask(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.GetTask(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from.WorkflowID != to.WorkflowID {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument,
			"Tasks %d and %d belong to different workflows.", fromID, toID)
	}

	if kind == task.LinkRequires {
		lock := s.lockWorkflow(from.WorkflowID)
		lock.Lock()
		defer lock.Unlock()
	}

	var link task.Link
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if kind == task.LinkRequires {
			cyclic, err := wouldCycle(ctx, tx, from.WorkflowID, fromID, toID)
			if err != nil {
				return err
			}
			if cyclic {
				return cycleError(fromID, toID)
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_links (from_id, to_id, kind) VALUES (?, ?, ?)
			 ON CONFLICT (from_id, to_id, kind) DO NOTHING`,
			fromID, toID, kind)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "insert link")
		}
		err = tx.GetContext(ctx, &link,
			`SELECT * FROM task_links WHERE from_id = ? AND to_id = ? AND kind = ?`,
			fromID, toID, kind)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "read back link")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("link %d %s %d", fromID, kind, toID)
	return &link, nil
}

func cycleError(fromID, toID int64) error {
	return apperrors.Newf(apperrors.CodeDependencyCycle,
		"Linking %d requires %d would create a dependency cycle.", fromID, toID).
		WithContext("from_id", fromID).
		WithContext("to_id", toID).
		WithSuggestions("Inspect the existing requires chain with GET /context/links/{task_id}.")
}

// wouldCycle reports whether task from already appears downstream of
// task to along requires edges, which the new edge would close into a
// loop.
func wouldCycle(ctx context.Context, tx *sqlx.Tx, workflowID string, fromID, toID int64) (bool, error) {
	rows := []struct {
		FromID int64 `db:"from_id"`
		ToID   int64 `db:"to_id"`
	}{}
	err := tx.SelectContext(ctx, &rows,
		`SELECT l.from_id, l.to_id FROM task_links l
		 JOIN tasks t ON t.id = l.from_id
		 WHERE t.workflow_id = ? AND l.kind = ?`,
		workflowID, task.LinkRequires)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "load requires edges")
	}

	next := make(map[int64][]int64, len(rows))
	for _, row := range rows {
		next[row.FromID] = append(next[row.FromID], row.ToID)
	}

	seen := map[int64]bool{}
	stack := []int64{toID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == fromID {
			return true, nil
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, next[cur]...)
	}
	return false, nil
}

// DeleteLink removes one edge.
func (s *Store) DeleteLink(ctx context.Context, fromID, toID int64, kind task.LinkKind) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_links WHERE from_id = ? AND to_id = ? AND kind = ?`,
		fromID, toID, kind)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "delete link")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.CodeLinkNotFound, "No %s link from %d to %d.", kind, fromID, toID)
	}
	return nil
}

// ListDependencies returns the links naming id's prerequisites and
// references: requires first, then refers, within a kind ordered by the
// linked task's priority then id.
func (s *Store) ListDependencies(ctx context.Context, id int64) ([]task.Link, error) {
	var links []task.Link
	err := s.db.SelectContext(ctx, &links,
		`SELECT l.* FROM task_links l
		 JOIN tasks t ON t.id = l.to_id
		 WHERE l.from_id = ?
		 ORDER BY CASE l.kind WHEN 'requires' THEN 0 ELSE 1 END, t.priority, t.id`,
		id)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list dependencies of %d", id)
	}
	return links, nil
}

// ListDependents returns the links of tasks that depend on id, same
// ordering as ListDependencies.
func (s *Store) ListDependents(ctx context.Context, id int64) ([]task.Link, error) {
	var links []task.Link
	err := s.db.SelectContext(ctx, &links,
		`SELECT l.* FROM task_links l
		 JOIN tasks t ON t.id = l.from_id
		 WHERE l.to_id = ?
		 ORDER BY CASE l.kind WHEN 'requires' THEN 0 ELSE 1 END, t.priority, t.id`,
		id)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list dependents of %d", id)
	}
	return links, nil
}

// ListWorkflowLinks returns every link between tasks of a workflow,
// optionally filtered by kind.
func (s *Store) ListWorkflowLinks(ctx context.Context, workflowID string, kinds ...task.LinkKind) ([]task.Link, error) {
	query := `SELECT l.* FROM task_links l
		JOIN tasks t ON t.id = l.from_id
		WHERE t.workflow_id = ?`
	args := []any{workflowID}
	if len(kinds) > 0 {
		expanded, inArgs, err := sqlx.In(` AND l.kind IN (?)`, kinds)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "expand link kind filter")
		}
		query += expanded
		args = append(args, inArgs...)
	}
	query += ` ORDER BY l.id`

	var links []task.Link
	if err := s.db.SelectContext(ctx, &links, s.db.Rebind(query), args...); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list links of workflow %s", workflowID)
	}
	return links, nil
}

// GetLink fetches a single link row by id.
func (s *Store) GetLink(ctx context.Context, id int64) (*task.Link, error) {
	var link task.Link
	err := s.db.GetContext(ctx, &link, `SELECT * FROM task_links WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.CodeLinkNotFound, "Link %d not found.", id)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "get link %d", id)
	}
	return &link, nil
}
