package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, parent *int64, name string, priority int) *task.Task {
	t.Helper()
	created, err := s.CreateTask(t.Context(), CreateTaskParams{
		ParentID: parent,
		Name:     name,
		Priority: priority,
	})
	require.NoError(t, err)
	return created
}

func TestCreateTaskRootAndChild(t *testing.T) {
	s := newTestStore(t)

	root := mustCreate(t, s, nil, "root goal", 0)
	assert.Regexp(t, `^wf-\d+-[0-9a-f]{8}$`, root.WorkflowID)
	assert.Equal(t, task.RootPath(root.ID), root.Path)
	assert.Equal(t, root.ID, root.RootID)
	assert.Equal(t, task.TypeRoot, root.Type)
	assert.Equal(t, task.StatusPending, root.Status)

	child := mustCreate(t, s, &root.ID, "first step", 1)
	assert.Equal(t, root.WorkflowID, child.WorkflowID)
	assert.Equal(t, task.ChildPath(root.Path, child.ID), child.Path)
	assert.Equal(t, root.ID, child.RootID)
	assert.Equal(t, task.TypeAtomic, child.Type)

	wf, err := s.GetWorkflow(t.Context(), root.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, wf.RootTaskID)
	assert.Equal(t, "root goal", wf.Title)
}

func TestCreateTaskValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateTask(t.Context(), CreateTaskParams{Name: "   "})
	require.Error(t, err)

	_, err = s.CreateTask(t.Context(), CreateTaskParams{Name: "x", Status: "paused"})
	require.Error(t, err)

	missing := int64(999)
	_, err = s.CreateTask(t.Context(), CreateTaskParams{ParentID: &missing, Name: "orphan"})
	assert.True(t, IsNotFound(err))
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(t.Context(), 42)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	appErr, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeTaskNotFound, appErr.Code)
}

func TestUpdateTaskStatusMachine(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "goal", 0)

	// pending -> done is outside the machine.
	_, err := s.UpdateTaskStatus(t.Context(), root.ID, task.StatusDone)
	require.Error(t, err)
	appErr, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeInvalidTransition, appErr.Code)

	_, err = s.UpdateTaskStatus(t.Context(), root.ID, task.StatusRunning)
	require.NoError(t, err)

	updated, err := s.UpdateTaskStatus(t.Context(), root.ID, task.StatusDone, task.WithOutput("result text"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, updated.Status)

	out, err := s.GetTaskOutput(t.Context(), root.ID)
	require.NoError(t, err)
	assert.Equal(t, "result text", out)

	// Leaving done needs an explicit rerun.
	_, err = s.UpdateTaskStatus(t.Context(), root.ID, task.StatusRunning)
	require.Error(t, err)
	_, err = s.UpdateTaskStatus(t.Context(), root.ID, task.StatusRunning, task.WithRerun())
	require.NoError(t, err)
}

func TestUpdateTaskStatusRecordsCause(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "goal", 0)

	_, err := s.UpdateTaskStatus(t.Context(), root.ID, task.StatusRunning)
	require.NoError(t, err)
	failed, err := s.UpdateTaskStatus(t.Context(), root.ID, task.StatusFailed,
		task.WithFailureCause("upstream:7"), task.WithReason("prerequisite failed"))
	require.NoError(t, err)
	assert.Equal(t, "upstream:7", failed.Metadata["failure_cause"])
	assert.Equal(t, "prerequisite failed", failed.Metadata["status_reason"])

	// Re-entering running clears the stale failure cause.
	rerun, err := s.UpdateTaskStatus(t.Context(), root.ID, task.StatusRunning, task.WithRerun())
	require.NoError(t, err)
	assert.NotContains(t, rerun.Metadata, "failure_cause")
}

func TestCancelledRunResetsToPending(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "goal", 0)

	_, err := s.UpdateTaskStatus(t.Context(), root.ID, task.StatusRunning)
	require.NoError(t, err)
	reset, err := s.UpdateTaskStatus(t.Context(), root.ID, task.StatusPending, task.WithReason("cancelled"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, reset.Status)
}

func TestTreeWalks(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "root", 0)
	a := mustCreate(t, s, &root.ID, "a", 1)
	b := mustCreate(t, s, &a.ID, "b", 1)
	c := mustCreate(t, s, &b.ID, "c", 1)

	children, err := s.GetChildren(t.Context(), root.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, a.ID, children[0].ID)

	ancestors, err := s.GetAncestors(t.Context(), c.ID, 0)
	require.NoError(t, err)
	require.Len(t, ancestors, 3)
	assert.Equal(t, []int64{root.ID, a.ID, b.ID},
		[]int64{ancestors[0].ID, ancestors[1].ID, ancestors[2].ID})

	// Depth bound keeps the nearest ancestors.
	nearest, err := s.GetAncestors(t.Context(), c.ID, 2)
	require.NoError(t, err)
	require.Len(t, nearest, 2)
	assert.Equal(t, a.ID, nearest[0].ID)
	assert.Equal(t, b.ID, nearest[1].ID)

	subtree, err := s.GetSubtree(t.Context(), root.ID, 0)
	require.NoError(t, err)
	assert.Len(t, subtree, 4)
	assert.Equal(t, root.ID, subtree[0].ID)

	shallow, err := s.GetSubtree(t.Context(), root.ID, 1)
	require.NoError(t, err)
	assert.Len(t, shallow, 2)
}

func TestGetTasksBatch(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "root", 0)
	a := mustCreate(t, s, &root.ID, "a", 1)

	tasks, err := s.GetTasks(t.Context(), []int64{a.ID, root.ID, 9999})
	require.NoError(t, err)
	require.Len(t, tasks, 2, "missing ids are skipped")
	assert.Equal(t, root.ID, tasks[0].ID)
	assert.Equal(t, a.ID, tasks[1].ID)

	tasks, err = s.GetTasks(t.Context(), nil)
	require.NoError(t, err)
	assert.Nil(t, tasks)
}

func TestMoveTaskRewritesSubtreePaths(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "root", 0)
	a := mustCreate(t, s, &root.ID, "a", 1)
	b := mustCreate(t, s, &root.ID, "b", 2)
	leaf := mustCreate(t, s, &a.ID, "leaf", 1)

	moved, err := s.MoveTask(t.Context(), a.ID, &b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, *moved.ParentID)
	assert.Equal(t, task.ChildPath(b.Path, a.ID), moved.Path)

	movedLeaf, err := s.GetTask(t.Context(), leaf.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ChildPath(moved.Path, leaf.ID), movedLeaf.Path)

	// Moving under its own subtree is rejected.
	_, err = s.MoveTask(t.Context(), b.ID, &leaf.ID)
	require.Error(t, err)

	// A nil parent moves back under the workflow root.
	back, err := s.MoveTask(t.Context(), a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, root.ID, *back.ParentID)
}

func TestMoveTaskAcrossWorkflowsRejected(t *testing.T) {
	s := newTestStore(t)
	rootA := mustCreate(t, s, nil, "workflow a", 0)
	childA := mustCreate(t, s, &rootA.ID, "child", 1)
	rootB := mustCreate(t, s, nil, "workflow b", 0)

	_, err := s.MoveTask(t.Context(), childA.ID, &rootB.ID)
	require.Error(t, err)
	appErr, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeInvalidArgument, appErr.Code)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "root", 0)
	a := mustCreate(t, s, &root.ID, "a", 1)
	leaf := mustCreate(t, s, &a.ID, "leaf", 1)

	require.NoError(t, s.UpsertTaskOutput(t.Context(), leaf.ID, "leaf output"))
	_, err := s.CreateLink(t.Context(), a.ID, leaf.ID, task.LinkRefers)
	require.NoError(t, err)

	deleted, err := s.DeleteTask(t.Context(), a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	_, err = s.GetTask(t.Context(), leaf.ID)
	assert.True(t, IsNotFound(err))
	out, err := s.GetTaskOutput(t.Context(), leaf.ID)
	require.NoError(t, err)
	assert.Empty(t, out)

	// Deleting the root also removes its workflow.
	_, err = s.DeleteTask(t.Context(), root.ID)
	require.NoError(t, err)
	_, err = s.GetWorkflow(t.Context(), root.WorkflowID)
	assert.True(t, IsNotFound(err))
}

func TestListPlanTasks(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "Churn Report", 0)
	mustCreate(t, s, &root.ID, task.PlanName("Churn Report", "Write summary"), 2)
	mustCreate(t, s, &root.ID, task.PlanName("Churn Report", "Load data"), 1)
	mustCreate(t, s, &root.ID, task.PlanName("Other Plan", "Unrelated"), 1)

	tasks, err := s.ListPlanTasks(t.Context(), "Churn Report")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "[Churn Report] Load data", tasks[0].Name)
	assert.Equal(t, "[Churn Report] Write summary", tasks[1].Name)

	none, err := s.ListPlanTasks(t.Context(), "Missing Plan")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateTaskPartial(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "root", 0)

	name := "renamed"
	priority := 9
	typ := task.TypeComposite
	updated, err := s.UpdateTask(t.Context(), root.ID, UpdateTaskParams{
		Name:     &name,
		Priority: &priority,
		Type:     &typ,
		Metadata: task.Metadata{"note": "keep"},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, task.TypeComposite, updated.Type)
	assert.Equal(t, "keep", updated.Metadata["note"])

	// Nil metadata values delete keys.
	updated, err = s.UpdateTask(t.Context(), root.ID, UpdateTaskParams{
		Metadata: task.Metadata{"note": nil},
	})
	require.NoError(t, err)
	assert.NotContains(t, updated.Metadata, "note")
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, nil, "root", 0)
	child := mustCreate(t, s, &root.ID, "child", 1)
	_, err := s.UpdateTaskStatus(t.Context(), child.ID, task.StatusRunning)
	require.NoError(t, err)

	stats, err := s.GetStats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Tasks)
	assert.Equal(t, 1, stats.ByStatus[task.StatusPending])
	assert.Equal(t, 1, stats.ByStatus[task.StatusRunning])
	assert.Equal(t, 1, stats.Workflows)
}
