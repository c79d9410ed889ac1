package assembler

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/knowledge"
	"loom/internal/retrieval"
	"loom/internal/task"
)

// addRootBrief pins a summary of the workflow root: its name plus the
// trimmed prompt. The brief is capped once here and exempt from budgeting.
func (a *Assembler) addRootBrief(ctx context.Context, b *builder, ancestors []task.Task) {
	if len(ancestors) == 0 {
		return
	}
	root := ancestors[0]
	prompt, err := a.store.GetTaskInput(ctx, root.ID)
	if err != nil {
		a.logger.Warn("root brief for task %d: %v", root.ID, err)
		prompt = ""
	}
	content := strings.TrimSpace(root.Name)
	if p := strings.TrimSpace(prompt); p != "" {
		content += "\n\n" + p
	}
	content = summarize(content, a.cfg.RootBriefMax, StrategySentence)
	b.add(task.Section{
		Kind:      KindRootBrief,
		TaskID:    root.ID,
		Name:      root.Name,
		ShortName: "goal",
		Content:   content,
		Pinned:    true,
	})
}

// addParentChain pins the ancestor chain root→parent as a bulleted list.
func (a *Assembler) addParentChain(b *builder, ancestors []task.Task) {
	if len(ancestors) == 0 {
		return
	}
	lines := make([]string, 0, len(ancestors))
	for _, ancestor := range ancestors {
		lines = append(lines, fmt.Sprintf("- [%d] %s", ancestor.ID, ancestor.Name))
	}
	b.add(task.Section{
		Kind:      KindParentChain,
		ShortName: "parents",
		Content:   strings.Join(lines, "\n"),
		Pinned:    true,
	})
}

// addIndex includes the global index file whenever it has content.
func (a *Assembler) addIndex(b *builder) {
	if a.index == nil {
		return
	}
	content, err := a.index.Get()
	if err != nil {
		a.logger.Warn("index section: %v", err)
		return
	}
	if strings.TrimSpace(content) == "" {
		return
	}
	b.add(task.Section{
		Kind:      KindIndex,
		ShortName: "index",
		Content:   content,
	})
}

// addDependencies collects the outputs of tasks the target requires or
// refers to.
func (a *Assembler) addDependencies(ctx context.Context, b *builder) {
	links, err := a.store.ListDependencies(ctx, b.target.ID)
	if err != nil {
		a.logger.Warn("dependency sections for task %d: %v", b.target.ID, err)
		return
	}
	var requires, refers []int64
	for _, link := range links {
		switch link.Kind {
		case task.LinkRequires:
			requires = append(requires, link.ToID)
		case task.LinkRefers:
			refers = append(refers, link.ToID)
		}
	}
	a.addTaskSections(ctx, b, KindDepRequires, requires, nil)
	a.addTaskSections(ctx, b, KindDepRefers, refers, nil)
}

// addAncestorOutputs collects what the chain above has already produced.
func (a *Assembler) addAncestorOutputs(ctx context.Context, b *builder, ancestors []task.Task) {
	ids := make([]int64, 0, len(ancestors))
	for _, ancestor := range ancestors {
		ids = append(ids, ancestor.ID)
	}
	a.addTaskSections(ctx, b, KindAncestor, ids, nil)
}

// addRetrieved folds in semantic search hits, excluding every task the
// bundle already carries.
func (a *Assembler) addRetrieved(ctx context.Context, b *builder, k int, floor *float64) {
	if a.retriever == nil {
		return
	}
	matches, err := a.retriever.Search(ctx, retrieval.Query{
		WorkflowID:    b.target.WorkflowID,
		TaskID:        b.target.ID,
		K:             k,
		MinSimilarity: floor,
		ExcludeIDs:    b.claimed(),
	})
	if err != nil {
		a.logger.Warn("retrieved sections for task %d: %v", b.target.ID, err)
		return
	}
	ids := make([]int64, 0, len(matches))
	scores := make(map[int64]float64, len(matches))
	for _, m := range matches {
		ids = append(ids, m.TaskID)
		scores[m.TaskID] = m.CombinedScore
	}
	a.addTaskSections(ctx, b, KindRetrieved, ids, scores)
}

// addHierarchySiblings collects same-parent siblings.
func (a *Assembler) addHierarchySiblings(ctx context.Context, b *builder) {
	if b.target.ParentID == nil {
		return
	}
	siblings, err := a.store.GetChildren(ctx, *b.target.ParentID)
	if err != nil {
		a.logger.Warn("sibling sections for task %d: %v", b.target.ID, err)
		return
	}
	ids := make([]int64, 0, len(siblings))
	for _, sibling := range siblings {
		ids = append(ids, sibling.ID)
	}
	a.addTaskSections(ctx, b, KindHSibling, ids, nil)
}

// addPlanSiblings collects tasks sharing the target's plan-title prefix,
// scoped to the target's workflow.
func (a *Assembler) addPlanSiblings(ctx context.Context, b *builder) {
	title, _, ok := task.SplitPlanName(b.target.Name)
	if !ok {
		return
	}
	mates, err := a.store.ListPlanTasks(ctx, title)
	if err != nil {
		a.logger.Warn("plan sibling sections for task %d: %v", b.target.ID, err)
		return
	}
	ids := make([]int64, 0, len(mates))
	for _, mate := range mates {
		if mate.WorkflowID != b.target.WorkflowID {
			continue
		}
		ids = append(ids, mate.ID)
	}
	a.addTaskSections(ctx, b, KindSibling, ids, nil)
}

// addKnowledge consults the notes retriever with the target's prompt (or
// name) and folds the digest in as one section.
func (a *Assembler) addKnowledge(ctx context.Context, b *builder) {
	if a.notes == nil {
		return
	}
	query, err := a.store.GetTaskInput(ctx, b.target.ID)
	if err != nil {
		a.logger.Warn("knowledge query for task %d: %v", b.target.ID, err)
		query = ""
	}
	if strings.TrimSpace(query) == "" {
		query = b.target.Name
	}
	results, err := a.notes.Search(ctx, query, 0)
	if err != nil {
		a.logger.Warn("knowledge section for task %d: %v", b.target.ID, err)
		return
	}
	content := knowledge.FormatResults(results)
	if content == "" {
		return
	}
	b.add(task.Section{
		Kind:      KindKnowledge,
		ShortName: "notes",
		Content:   content,
	})
}

// addManual appends caller-picked tasks.
func (a *Assembler) addManual(ctx context.Context, b *builder, ids []int64) {
	a.addTaskSections(ctx, b, KindManual, ids, nil)
}

// addTaskSections loads content for ids and appends one section per task
// that has any. Output wins over the stored prompt; tasks with neither
// are skipped without claiming their id.
func (a *Assembler) addTaskSections(ctx context.Context, b *builder, kind string, ids []int64, scores map[int64]float64) {
	fresh := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || b.seen[id] {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return
	}

	tasks, err := a.store.GetTasks(ctx, fresh)
	if err != nil {
		a.logger.Warn("load %s sections: %v", kind, err)
		return
	}
	outputs, err := a.store.GetOutputs(ctx, fresh)
	if err != nil {
		a.logger.Warn("load %s outputs: %v", kind, err)
		return
	}
	inputs, err := a.store.GetInputs(ctx, fresh)
	if err != nil {
		a.logger.Warn("load %s inputs: %v", kind, err)
		return
	}

	for _, t := range tasks {
		content := outputs[t.ID]
		if strings.TrimSpace(content) == "" {
			content = inputs[t.ID]
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		b.add(task.Section{
			Kind:           kind,
			TaskID:         t.ID,
			Name:           t.Name,
			ShortName:      shortName(t.Name),
			Content:        content,
			RetrievalScore: scores[t.ID],
		})
	}
}
