package store

import (
	"context"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// Stats summarizes repository contents for the stats endpoint.
type Stats struct {
	Tasks       int                 `json:"tasks"`
	ByStatus    map[task.Status]int `json:"by_status"`
	Links       int                 `json:"links"`
	Workflows   int                 `json:"workflows"`
	Embeddings  int                 `json:"embeddings"`
	Snapshots   int                 `json:"snapshots"`
	Evaluations int                 `json:"evaluations"`
}

// GetStats counts rows across the repository tables.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[task.Status]int)}

	rows := []struct {
		Status task.Status `db:"status"`
		N      int         `db:"n"`
	}{}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseQuery, "count tasks by status")
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row.N
		stats.Tasks += row.N
	}

	counts := []struct {
		name string
		dst  *int
	}{
		{"task_links", &stats.Links},
		{"workflows", &stats.Workflows},
		{"task_embeddings", &stats.Embeddings},
		{"task_contexts", &stats.Snapshots},
		{"evaluation_iterations", &stats.Evaluations},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, `SELECT COUNT(*) FROM `+c.name); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "count %s", c.name)
		}
	}
	return stats, nil
}

// CountTasksByStatus counts one workflow's tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context, workflowID string) (map[task.Status]int, error) {
	rows := []struct {
		Status task.Status `db:"status"`
		N      int         `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM tasks WHERE workflow_id = ? GROUP BY status`, workflowID)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeDatabaseQuery, "count tasks of workflow %s", workflowID)
	}
	out := make(map[task.Status]int, len(rows))
	for _, row := range rows {
		out[row.Status] = row.N
	}
	return out, nil
}
