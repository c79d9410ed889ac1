package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// UpsertTaskContext persists an assembled context bundle under a label.
// Labels are unique per task; re-saving a label replaces the prior
// snapshot. An empty label means "latest".
func (s *Store) UpsertTaskContext(ctx context.Context, id int64, label, combined string, sections task.SectionList, meta task.Metadata) (*task.Snapshot, error) {
	if label == "" {
		label = task.SnapshotLabelLatest
	}

	var snap task.Snapshot
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getTaskTx(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_contexts (task_id, label, combined, sections, meta) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (task_id, label) DO UPDATE SET
				combined = excluded.combined,
				sections = excluded.sections,
				meta = excluded.meta,
				created_at = CURRENT_TIMESTAMP`,
			id, label, combined, sections, meta)
		if err != nil {
			return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "save snapshot %q of task %d", label, id)
		}
		err = tx.GetContext(ctx, &snap,
			`SELECT * FROM task_contexts WHERE task_id = ? AND label = ?`, id, label)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "read back snapshot")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("snapshot %q saved for task %d (%d chars)", label, id, len(combined))
	return &snap, nil
}

// GetSnapshot fetches one snapshot by task and label.
func (s *Store) GetSnapshot(ctx context.Context, id int64, label string) (*task.Snapshot, error) {
	if label == "" {
		label = task.SnapshotLabelLatest
	}
	var snap task.Snapshot
	err := s.db.GetContext(ctx, &snap,
		`SELECT * FROM task_contexts WHERE task_id = ? AND label = ?`, id, label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.CodeSnapshotNotFound, "Task %d has no snapshot %q.", id, label).
			WithContext("task_id", id).
			WithContext("label", label)
	}
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "get snapshot %q of task %d", label, id)
	}
	return &snap, nil
}

// ListSnapshots returns every snapshot of a task, newest first.
func (s *Store) ListSnapshots(ctx context.Context, id int64) ([]task.Snapshot, error) {
	var snaps []task.Snapshot
	err := s.db.SelectContext(ctx, &snaps,
		`SELECT * FROM task_contexts WHERE task_id = ? ORDER BY created_at DESC, id DESC`, id)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "list snapshots of task %d", id)
	}
	return snaps, nil
}

// DeleteSnapshot removes one labeled snapshot.
func (s *Store) DeleteSnapshot(ctx context.Context, id int64, label string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_contexts WHERE task_id = ? AND label = ?`, id, label)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "delete snapshot %q of task %d", label, id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.CodeSnapshotNotFound, "Task %d has no snapshot %q.", id, label)
	}
	return nil
}
