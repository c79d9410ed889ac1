package retrieval

import (
	"context"
	"math"

	"loom/internal/task"
)

// Edge and signal weights for the graph stages.
const (
	weightRequires    = 1.0
	weightRefers      = 0.6
	weightParentChild = 0.8
	weightSibling     = 0.5

	hopDecay = 0.5
	maxHops  = 3

	// structuralWeight composition.
	shareDirect    = 0.4
	shareHierarchy = 0.3
	shareDistance  = 0.2
	shareNeighbors = 0.1

	// attention score composition.
	attentionCosineShare    = 0.7
	attentionAdjacencyShare = 0.3
)

// subgraph is the local graph over {query} ∪ shortlist: task rows,
// embeddings, link-kind adjacency, and the undirected neighbor sets
// that also carry hierarchy edges.
type subgraph struct {
	tasks     map[int64]*task.Task
	vectors   map[int64][]float32
	linkW     map[int64]map[int64]float64
	neighbors map[int64]map[int64]float64
}

func kindWeight(kind task.LinkKind) float64 {
	if kind == task.LinkRequires {
		return weightRequires
	}
	return weightRefers
}

// buildSubgraph loads rows and links for the query task plus the
// shortlist and assembles adjacency restricted to those nodes.
func (e *Engine) buildSubgraph(ctx context.Context, queryTask *task.Task, queryVec []float32, matches []Match, candidates []task.Embedding) (*subgraph, error) {
	ids := make([]int64, 0, len(matches)+1)
	ids = append(ids, queryTask.ID)
	for _, m := range matches {
		ids = append(ids, m.TaskID)
	}

	rows, err := e.store.GetTasks(ctx, ids)
	if err != nil {
		return nil, err
	}
	g := &subgraph{
		tasks:     make(map[int64]*task.Task, len(rows)),
		vectors:   make(map[int64][]float32, len(ids)),
		linkW:     make(map[int64]map[int64]float64),
		neighbors: make(map[int64]map[int64]float64),
	}
	for i := range rows {
		g.tasks[rows[i].ID] = &rows[i]
	}
	inGraph := make(map[int64]bool, len(ids))
	for _, id := range ids {
		inGraph[id] = true
	}

	g.vectors[queryTask.ID] = queryVec
	for _, cand := range candidates {
		if inGraph[cand.TaskID] {
			g.vectors[cand.TaskID] = cand.Vector
		}
	}

	links, err := e.store.ListWorkflowLinks(ctx, queryTask.WorkflowID)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if !inGraph[l.FromID] || !inGraph[l.ToID] {
			continue
		}
		w := kindWeight(l.Kind)
		g.addLink(l.FromID, l.ToID, w)
		g.addNeighbor(l.FromID, l.ToID, w)
	}

	// Hierarchy edges among graph nodes.
	for _, row := range rows {
		if row.ParentID == nil {
			continue
		}
		parent := *row.ParentID
		if inGraph[parent] {
			g.addNeighbor(row.ID, parent, weightParentChild)
		}
		for _, other := range rows {
			if other.ID == row.ID || other.ParentID == nil || *other.ParentID != parent {
				continue
			}
			g.addNeighbor(row.ID, other.ID, weightSibling)
		}
	}
	return g, nil
}

func (g *subgraph) addLink(a, b int64, w float64) {
	if g.linkW[a] == nil {
		g.linkW[a] = make(map[int64]float64)
	}
	if g.linkW[b] == nil {
		g.linkW[b] = make(map[int64]float64)
	}
	if w > g.linkW[a][b] {
		g.linkW[a][b] = w
		g.linkW[b][a] = w
	}
}

func (g *subgraph) addNeighbor(a, b int64, w float64) {
	if g.neighbors[a] == nil {
		g.neighbors[a] = make(map[int64]float64)
	}
	if g.neighbors[b] == nil {
		g.neighbors[b] = make(map[int64]float64)
	}
	if w > g.neighbors[a][b] {
		g.neighbors[a][b] = w
		g.neighbors[b][a] = w
	}
}

// structuralWeight sums the four graph signals between the query and a
// candidate: direct link weight, hierarchy relation, BFS-distance
// decay, and common-neighbor Jaccard.
func (g *subgraph) structuralWeight(queryID, candID int64) float64 {
	direct := g.linkW[queryID][candID]

	var hierarchy float64
	qt, ct := g.tasks[queryID], g.tasks[candID]
	if qt != nil && ct != nil {
		switch {
		case ct.ParentID != nil && *ct.ParentID == queryID,
			qt.ParentID != nil && *qt.ParentID == candID:
			hierarchy = weightParentChild
		case qt.ParentID != nil && ct.ParentID != nil && *qt.ParentID == *ct.ParentID:
			hierarchy = weightSibling
		}
	}

	var distance float64
	if d := g.hops(queryID, candID); d > 0 {
		distance = math.Pow(hopDecay, float64(d))
	}

	common := g.jaccard(queryID, candID)

	return shareDirect*direct + shareHierarchy*hierarchy +
		shareDistance*distance + shareNeighbors*common
}

// hops is the BFS distance between two nodes over the neighbor sets,
// capped at maxHops; 0 means unreachable within the cap.
func (g *subgraph) hops(from, to int64) int {
	if from == to {
		return 0
	}
	visited := map[int64]bool{from: true}
	frontier := []int64{from}
	for depth := 1; depth <= maxHops; depth++ {
		var next []int64
		for _, node := range frontier {
			for nb := range g.neighbors[node] {
				if nb == to {
					return depth
				}
				if !visited[nb] {
					visited[nb] = true
					next = append(next, nb)
				}
			}
		}
		frontier = next
	}
	return 0
}

func (g *subgraph) jaccard(a, b int64) float64 {
	na, nb := g.neighbors[a], g.neighbors[b]
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}
	shared := 0
	for id := range na {
		if _, ok := nb[id]; ok {
			shared++
		}
	}
	union := len(na) + len(nb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// attentionScores computes the pairwise attention score between the
// query node and every match: a cosine over enriched node features
// mixed with the link adjacency.
func (g *subgraph) attentionScores(queryID int64, matches []Match) map[int64]float64 {
	var maxPriority, maxDepth float64
	consider := func(t *task.Task) {
		if t == nil {
			return
		}
		if p := float64(t.Priority); p > maxPriority {
			maxPriority = p
		}
		if d := float64(t.Depth()); d > maxDepth {
			maxDepth = d
		}
	}
	consider(g.tasks[queryID])
	for _, m := range matches {
		consider(g.tasks[m.TaskID])
	}

	queryFeatures := g.features(queryID, maxPriority, maxDepth)
	scores := make(map[int64]float64, len(matches))
	for _, m := range matches {
		features := g.features(m.TaskID, maxPriority, maxDepth)
		cos := clip(cosine64(queryFeatures, features))
		scores[m.TaskID] = attentionCosineShare*cos + attentionAdjacencyShare*g.linkW[queryID][m.TaskID]
	}
	return scores
}

// features concatenates the embedding with normalized priority and
// depth, a status code, a has-parent flag, and a type code.
func (g *subgraph) features(id int64, maxPriority, maxDepth float64) []float64 {
	vec := g.vectors[id]
	features := make([]float64, 0, len(vec)+5)
	for _, v := range vec {
		features = append(features, float64(v))
	}

	t := g.tasks[id]
	if t == nil {
		return append(features, 0, 0, 0, 0, 0)
	}
	priority := 0.0
	if maxPriority > 0 {
		priority = float64(t.Priority) / maxPriority
	}
	depth := 0.0
	if maxDepth > 0 {
		depth = float64(t.Depth()) / maxDepth
	}
	hasParent := 0.0
	if t.ParentID != nil {
		hasParent = 1
	}
	return append(features, priority, depth, statusCode(t.Status), hasParent, typeCode(t.Type))
}

func statusCode(s task.Status) float64 {
	switch s {
	case task.StatusPending:
		return 0
	case task.StatusRunning:
		return 0.25
	case task.StatusDone:
		return 0.5
	case task.StatusNeedsReview:
		return 0.75
	default:
		return 1
	}
}

func typeCode(t task.Type) float64 {
	switch t {
	case task.TypeRoot:
		return 0
	case task.TypeComposite:
		return 0.5
	default:
		return 1
	}
}

func cosine64(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
