package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

func flatten(waves []wave) [][]int64 {
	out := make([][]int64, 0, len(waves))
	for _, w := range waves {
		ids := make([]int64, 0, len(w))
		for _, t := range w {
			ids = append(ids, t.ID)
		}
		out = append(out, ids)
	}
	return out
}

func treeTask(id int64, parent *task.Task, priority int) task.Task {
	t := task.Task{ID: id, Priority: priority, Path: task.RootPath(id)}
	if parent != nil {
		t.ParentID = &parent.ID
		t.Path = task.ChildPath(parent.Path, id)
	}
	return t
}

func TestBFSWavesLevelByDepth(t *testing.T) {
	root := treeTask(1, nil, 0)
	a := treeTask(2, &root, 2)
	b := treeTask(3, &root, 1)
	leaf := treeTask(4, &a, 1)

	waves := bfsWaves([]task.Task{leaf, a, root, b})
	// Priority orders siblings within a level.
	assert.Equal(t, [][]int64{{1}, {3, 2}, {4}}, flatten(waves))
}

func TestDAGWavesFollowRequires(t *testing.T) {
	a := treeTask(1, nil, 1)
	b := treeTask(2, nil, 2)
	c := treeTask(3, nil, 1)
	d := treeTask(4, nil, 1)

	links := []task.Link{
		{FromID: 3, ToID: 1, Kind: task.LinkRequires},
		{FromID: 3, ToID: 2, Kind: task.LinkRequires},
		{FromID: 4, ToID: 3, Kind: task.LinkRequires},
		// refers edges never constrain scheduling.
		{FromID: 1, ToID: 4, Kind: task.LinkRefers},
	}
	waves, err := dagWaves([]task.Task{d, c, b, a}, links)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 2}, {3}, {4}}, flatten(waves))
}

func TestDAGWavesIgnoreLinksOutsideRun(t *testing.T) {
	a := treeTask(1, nil, 1)
	b := treeTask(2, nil, 2)

	links := []task.Link{
		{FromID: 2, ToID: 99, Kind: task.LinkRequires},
		{FromID: 98, ToID: 1, Kind: task.LinkRequires},
	}
	waves, err := dagWaves([]task.Task{a, b}, links)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{1, 2}}, flatten(waves))
}

func TestDAGWavesDetectCycle(t *testing.T) {
	a := treeTask(1, nil, 1)
	b := treeTask(2, nil, 2)

	links := []task.Link{
		{FromID: 1, ToID: 2, Kind: task.LinkRequires},
		{FromID: 2, ToID: 1, Kind: task.LinkRequires},
	}
	_, err := dagWaves([]task.Task{a, b}, links)
	require.Error(t, err)
	appErr, ok := apperrors.AsApp(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeDependencyCycle, appErr.Code)
}

func TestPostorderWavesChildrenFirst(t *testing.T) {
	root := treeTask(1, nil, 0)
	comp := treeTask(2, &root, 1)
	c1 := treeTask(3, &comp, 2)
	c2 := treeTask(4, &comp, 1)
	other := treeTask(5, &root, 2)

	waves := postorderWaves([]task.Task{root, comp, c1, c2, other})
	// Singleton waves; siblings by priority, children before parent.
	assert.Equal(t, [][]int64{{4}, {3}, {2}, {5}, {1}}, flatten(waves))
}

func TestPostorderWavesOrphanParentOutsideRun(t *testing.T) {
	root := treeTask(1, nil, 0)
	child := treeTask(2, &root, 1)

	// The run holds only the child; it walks as its own root.
	waves := postorderWaves([]task.Task{child})
	assert.Equal(t, [][]int64{{2}}, flatten(waves))
}

func TestValidStrategy(t *testing.T) {
	assert.True(t, ValidStrategy(StrategyBFS))
	assert.True(t, ValidStrategy(StrategyDAG))
	assert.True(t, ValidStrategy(StrategyPostorder))
	assert.False(t, ValidStrategy("dfs"))
	assert.False(t, ValidStrategy(""))
}
