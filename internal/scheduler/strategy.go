package scheduler

import (
	"sort"

	apperrors "loom/internal/errors"
	"loom/internal/task"
)

// Scheduling strategies.
const (
	// StrategyBFS levels the subtree by depth, shallowest first.
	StrategyBFS = "bfs"
	// StrategyDAG levels tasks topologically over requires links.
	StrategyDAG = "dag"
	// StrategyPostorder runs one task at a time, children before
	// parent, so composites see every child result when they
	// aggregate.
	StrategyPostorder = "postorder"
)

// ValidStrategy reports whether name is a known strategy.
func ValidStrategy(name string) bool {
	switch name {
	case StrategyBFS, StrategyDAG, StrategyPostorder:
		return true
	}
	return false
}

// A wave is a batch of tasks with no ordering constraint between its
// members. Waves run in order; members of one wave run concurrently.
type wave []task.Task

func sortWave(w wave) {
	sort.SliceStable(w, func(i, j int) bool {
		if w[i].Priority != w[j].Priority {
			return w[i].Priority < w[j].Priority
		}
		return w[i].ID < w[j].ID
	})
}

func bfsWaves(tasks []task.Task) []wave {
	byDepth := make(map[int]wave)
	var depths []int
	for _, t := range tasks {
		d := task.PathDepth(t.Path)
		if _, ok := byDepth[d]; !ok {
			depths = append(depths, d)
		}
		byDepth[d] = append(byDepth[d], t)
	}
	sort.Ints(depths)
	waves := make([]wave, 0, len(depths))
	for _, d := range depths {
		w := byDepth[d]
		sortWave(w)
		waves = append(waves, w)
	}
	return waves
}

// dagWaves peels tasks by Kahn's algorithm. A link row (from, to)
// reads "from requires to", so to is scheduled before from. Links
// touching tasks outside the run are ignored; a residue after the
// peel means the set still holds a cycle.
func dagWaves(tasks []task.Task, links []task.Link) ([]wave, error) {
	inRun := make(map[int64]task.Task, len(tasks))
	inDegree := make(map[int64]int, len(tasks))
	for _, t := range tasks {
		inRun[t.ID] = t
		inDegree[t.ID] = 0
	}

	// dependents[p] lists the tasks waiting on prerequisite p.
	dependents := make(map[int64][]int64)
	for _, l := range links {
		if l.Kind != task.LinkRequires {
			continue
		}
		if _, ok := inRun[l.FromID]; !ok {
			continue
		}
		if _, ok := inRun[l.ToID]; !ok {
			continue
		}
		dependents[l.ToID] = append(dependents[l.ToID], l.FromID)
		inDegree[l.FromID]++
	}

	var ready wave
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			ready = append(ready, t)
		}
	}

	remaining := len(tasks)
	var waves []wave
	for len(ready) > 0 {
		sortWave(ready)
		waves = append(waves, ready)
		remaining -= len(ready)

		var next wave
		for _, t := range ready {
			for _, id := range dependents[t.ID] {
				inDegree[id]--
				if inDegree[id] == 0 {
					next = append(next, inRun[id])
				}
			}
		}
		ready = next
	}
	if remaining > 0 {
		return nil, apperrors.Newf(apperrors.CodeDependencyCycle,
			"requires links leave %d tasks unschedulable", remaining).
			WithContext("remaining", remaining).
			WithSuggestions("inspect the task's requires links for a cycle")
	}
	return waves, nil
}

// postorderWaves emits singleton waves in depth-first order, children
// before their parent, siblings by priority then id. Tasks whose
// parent is outside the run are treated as roots of the walk.
func postorderWaves(tasks []task.Task) []wave {
	children := make(map[int64]wave)
	inRun := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		inRun[t.ID] = true
	}

	var roots wave
	for _, t := range tasks {
		if t.ParentID != nil && inRun[*t.ParentID] {
			children[*t.ParentID] = append(children[*t.ParentID], t)
			continue
		}
		roots = append(roots, t)
	}
	sortWave(roots)
	for id := range children {
		sortWave(children[id])
	}

	waves := make([]wave, 0, len(tasks))
	var walk func(t task.Task)
	walk = func(t task.Task) {
		for _, c := range children[t.ID] {
			walk(c)
		}
		waves = append(waves, wave{t})
	}
	for _, r := range roots {
		walk(r)
	}
	return waves
}
