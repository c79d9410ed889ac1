// Package task defines the core domain types shared by the repository,
// scheduler, assembler, and HTTP layer: tasks with a materialized tree
// path, typed links between them, workflows, context snapshots, and
// evaluation history.
package task

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusDone        Status = "done"
	StatusNeedsReview Status = "needs_review"
	StatusFailed      Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusNeedsReview, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends an execution pass. Terminal tasks
// only run again through an explicit rerun.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusNeedsReview
}

// Type classifies a task's position in the tree.
type Type string

const (
	// TypeRoot is the top of a workflow tree.
	TypeRoot Type = "root"
	// TypeComposite has children and aggregates their outputs.
	TypeComposite Type = "composite"
	// TypeAtomic is a leaf executed directly.
	TypeAtomic Type = "atomic"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	return t == TypeRoot || t == TypeComposite || t == TypeAtomic
}

// LinkKind is the type of a directed edge between tasks.
type LinkKind string

const (
	// LinkRequires marks a hard dependency: the target must complete
	// before the source runs. Requires edges participate in the
	// execution DAG and are kept acyclic.
	LinkRequires LinkKind = "requires"
	// LinkRefers is informational context with no scheduling effect.
	LinkRefers LinkKind = "refers"
)

// Valid reports whether k is a known link kind.
func (k LinkKind) Valid() bool {
	return k == LinkRequires || k == LinkRefers
}

// Task is one node in a workflow tree.
type Task struct {
	ID         int64     `db:"id" json:"id"`
	WorkflowID string    `db:"workflow_id" json:"workflow_id"`
	RootID     int64     `db:"root_id" json:"root_id"`
	ParentID   *int64    `db:"parent_id" json:"parent_id,omitempty"`
	Name       string    `db:"name" json:"name"`
	Status     Status    `db:"status" json:"status"`
	Type       Type      `db:"task_type" json:"task_type"`
	Priority   int       `db:"priority" json:"priority"`
	Path       string    `db:"path" json:"path"`
	Metadata   Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool { return t.ParentID == nil }

// Depth is the number of ancestors above the task.
func (t *Task) Depth() int { return PathDepth(t.Path) - 1 }

// Link is a directed edge between two tasks. For kind "requires" the
// edge reads "From requires To": To must finish before From may run.
type Link struct {
	ID        int64     `db:"id" json:"id"`
	FromID    int64     `db:"from_id" json:"from_id"`
	ToID      int64     `db:"to_id" json:"to_id"`
	Kind      LinkKind  `db:"kind" json:"kind"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Workflow groups one task tree under a stable identifier.
type Workflow struct {
	ID         string    `db:"id" json:"workflow_id"`
	SessionID  string    `db:"session_id" json:"session_id,omitempty"`
	RootTaskID int64     `db:"root_task_id" json:"root_task_id"`
	Title      string    `db:"title" json:"title"`
	Metadata   Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Embedding is a stored task vector for one model.
type Embedding struct {
	TaskID    int64     `db:"task_id" json:"task_id"`
	Model     string    `db:"model_name" json:"model_name"`
	Vector    []float32 `db:"-" json:"vector"`
	Dimension int       `db:"dimension" json:"dimension"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Path helpers. A task path is the slash-joined chain of ancestor ids
// ending in the task's own id, e.g. "/1/4/9".

// RootPath builds the path of a parentless task.
func RootPath(id int64) string {
	return "/" + strconv.FormatInt(id, 10)
}

// ChildPath extends a parent path with a child id.
func ChildPath(parentPath string, id int64) string {
	return parentPath + "/" + strconv.FormatInt(id, 10)
}

// PathIDs returns the ids along a path, root first. Malformed segments
// are skipped.
func PathIDs(path string) []int64 {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// PathDepth counts the ids in a path. A root path has depth 1.
func PathDepth(path string) int {
	return len(PathIDs(path))
}

// Plan naming. Tasks created from an approved plan carry the plan title
// as a bracketed prefix: "[Title] Short name".

// PlanName formats a task name under a plan title.
func PlanName(title, short string) string {
	title = strings.TrimSpace(title)
	short = strings.TrimSpace(short)
	if title == "" {
		return short
	}
	return fmt.Sprintf("[%s] %s", title, short)
}

// SplitPlanName separates a bracketed plan title from the short name.
// ok is false when the name carries no plan prefix.
func SplitPlanName(name string) (title, short string, ok bool) {
	name = strings.TrimSpace(name)
	if !strings.HasPrefix(name, "[") {
		return "", name, false
	}
	end := strings.Index(name, "]")
	if end < 1 {
		return "", name, false
	}
	title = name[1:end]
	short = strings.TrimSpace(name[end+1:])
	if title == "" {
		return "", name, false
	}
	return title, short, true
}

// Vector codec. Embeddings are persisted as little-endian float32
// blobs; the same encoding backs the embedding cache and the store.

// EncodeVector serializes a vector for storage.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector parses a stored vector blob.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
