package task

import "time"

// SnapshotLabelLatest names the snapshot overwritten on every assembly.
const SnapshotLabelLatest = "latest"

// Section is one labeled slice of assembled context.
type Section struct {
	Kind           string         `json:"kind"`
	TaskID         int64          `json:"task_id,omitempty"`
	Name           string         `json:"name,omitempty"`
	ShortName      string         `json:"short_name"`
	Content        string         `json:"content"`
	Priority       int            `json:"priority"`
	Pinned         bool           `json:"pinned,omitempty"`
	RetrievalScore float64        `json:"retrieval_score,omitempty"`
	Budget         *SectionBudget `json:"budget,omitempty"`
}

// SectionBudget records how the character budget reshaped one section.
// Lengths count runes. Allowed is the effective cap after combining the
// per-section limit with what remained of the total.
type SectionBudget struct {
	OriginalLen         int    `json:"original_len"`
	NewLen              int    `json:"new_len"`
	Truncated           bool   `json:"truncated"`
	Strategy            string `json:"strategy"`
	Allowed             int    `json:"allowed"`
	AllowedByPerSection int    `json:"allowed_by_per_section"`
	AllowedByTotal      int    `json:"allowed_by_total"`
	TruncatedReason     string `json:"truncated_reason"`
}

// Snapshot is a persisted context bundle for a task.
type Snapshot struct {
	ID        int64       `db:"id" json:"id"`
	TaskID    int64       `db:"task_id" json:"task_id"`
	Label     string      `db:"label" json:"label"`
	Combined  string      `db:"combined" json:"combined"`
	Sections  SectionList `db:"sections" json:"sections"`
	Meta      Metadata    `db:"meta" json:"meta,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// Evaluation sources.
const (
	// EvalSourceModel marks a score produced by the evaluator model.
	EvalSourceModel = "model"
	// EvalSourceHuman marks a manual override.
	EvalSourceHuman = "human"
)

// EvaluationIteration is one pass of the execute/evaluate loop.
type EvaluationIteration struct {
	ID         int64     `db:"id" json:"id"`
	TaskID     int64     `db:"task_id" json:"task_id"`
	Iteration  int       `db:"iteration" json:"iteration"`
	Score      float64   `db:"score" json:"score"`
	Passed     bool      `db:"passed" json:"passed"`
	Feedback   string    `db:"feedback" json:"feedback,omitempty"`
	Dimensions ScoreMap  `db:"dimensions" json:"dimensions,omitempty"`
	Source     string    `db:"source" json:"source"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
