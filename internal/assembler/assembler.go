// Package assembler builds the context bundle a task's executor sees:
// pinned workflow framing, the global index, dependency outputs, ancestor
// outputs, semantically similar work, siblings, operator notes, and manual
// picks. Sections are deduplicated by task, ordered by kind priority, and
// cut to a character budget.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"loom/internal/knowledge"
	"loom/internal/logging"
	"loom/internal/retrieval"
	"loom/internal/store"
	"loom/internal/task"
)

// Section kinds, highest priority first.
const (
	KindRootBrief   = "pinned:root_brief"
	KindParentChain = "pinned:parent_chain"
	KindIndex       = "index"
	KindDepRequires = "dep:requires"
	KindDepRefers   = "dep:refers"
	KindAncestor    = "ancestor"
	KindRetrieved   = "retrieved"
	KindHSibling    = "h_sibling"
	KindSibling     = "sibling"
	KindKnowledge   = "knowledge"
	KindManual      = "manual"
)

var kindPriority = map[string]int{
	KindRootBrief:   0,
	KindParentChain: 1,
	KindIndex:       2,
	KindDepRequires: 3,
	KindDepRefers:   4,
	KindAncestor:    5,
	KindRetrieved:   6,
	KindHSibling:    7,
	KindSibling:     8,
	KindKnowledge:   9,
	KindManual:      10,
}

const defaultRootBriefMax = 1200

// Strategy names accepted by the budget.
const (
	StrategyTruncate = "truncate"
	StrategySentence = "sentence"
)

// Retriever is the semantic search port. *retrieval.Engine satisfies it.
type Retriever interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Match, error)
}

// NotesSearcher is the optional knowledge retriever. *knowledge.Store
// satisfies it; a nil searcher disables the knowledge section.
type NotesSearcher interface {
	Search(ctx context.Context, query string, k int) ([]knowledge.Result, error)
}

// Options select which section families to collect and how to budget them.
// Zero values fall back to the assembler's configured defaults.
type Options struct {
	// IncludeDeps collects dep:requires and dep:refers sections.
	IncludeDeps bool `json:"include_deps"`
	// IncludePlan collects siblings sharing the task's plan-title prefix.
	IncludePlan bool `json:"include_plan"`
	// IncludeHierarchy collects the pinned root brief and parent chain,
	// ancestor outputs, and same-parent siblings.
	IncludeHierarchy bool `json:"include_hierarchy"`
	// SemanticK bounds the retrieved section count. Zero uses the
	// configured default; a negative value disables retrieval.
	SemanticK int `json:"semantic_k"`
	// MinSimilarity is the retrieval floor. A literal 0 is honored, so
	// absence is a nil pointer.
	MinSimilarity *float64 `json:"min_similarity,omitempty"`
	// ManualIDs are caller-picked tasks appended at the lowest priority.
	ManualIDs []int64 `json:"manual_ids,omitempty"`

	// MaxChars caps the total non-pinned content. Zero uses the
	// configured default; a negative value lifts the cap.
	MaxChars int `json:"max_chars"`
	// PerSectionMax caps each non-pinned section. Same zero/negative
	// semantics as MaxChars.
	PerSectionMax int `json:"per_section_max"`
	// Strategy is how over-budget content is cut: truncate or sentence.
	Strategy string `json:"strategy,omitempty"`

	// Persist writes the bundle as a snapshot under Label.
	Persist bool `json:"persist"`
	// Label names the persisted snapshot. Empty means "latest".
	Label string `json:"label,omitempty"`
}

// Config carries the assembler defaults from the configuration surface.
type Config struct {
	DefaultMaxChars      int
	DefaultPerSectionMax int
	DefaultStrategy      string
	SemanticK            int
	MinSimilarity        float64
	MaxDepth             int
	RootBriefMax         int
}

func (c Config) withDefaults() Config {
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = StrategySentence
	}
	if c.SemanticK <= 0 {
		c.SemanticK = 5
	}
	if c.RootBriefMax <= 0 {
		c.RootBriefMax = defaultRootBriefMax
	}
	return c
}

// BudgetInfo reports bundle-level budget totals. Lengths count runes.
type BudgetInfo struct {
	MaxChars        int    `json:"max_chars"`
	PerSectionMax   int    `json:"per_section_max"`
	Strategy        string `json:"strategy"`
	OriginalChars   int    `json:"original_chars"`
	FinalChars      int    `json:"final_chars"`
	PinnedChars     int    `json:"pinned_chars"`
	SectionsTrimmed int    `json:"sections_trimmed"`
}

// Bundle is the assembled context for one task.
type Bundle struct {
	TaskID        int64            `json:"task_id"`
	Sections      task.SectionList `json:"sections"`
	Combined      string           `json:"combined"`
	TokenEstimate int              `json:"token_estimate"`
	BudgetInfo    *BudgetInfo      `json:"budget_info,omitempty"`
	Label         string           `json:"label,omitempty"`
}

// Assembler collects, orders, and budgets context sections.
type Assembler struct {
	store     *store.Store
	index     *store.IndexFile
	retriever Retriever
	notes     NotesSearcher
	cfg       Config
	logger    logging.Logger
}

// New wires an assembler. index, retriever, and notes may be nil; the
// corresponding sections are then skipped.
func New(st *store.Store, index *store.IndexFile, retriever Retriever, notes NotesSearcher, cfg Config) *Assembler {
	return &Assembler{
		store:     st,
		index:     index,
		retriever: retriever,
		notes:     notes,
		cfg:       cfg.withDefaults(),
		logger:    logging.NewComponentLogger("assembler"),
	}
}

// Assemble builds the bundle for one task. Collection failures in a
// single section family are logged and skipped so one bad source never
// sinks the whole bundle; only a missing target task is fatal.
func (a *Assembler) Assemble(ctx context.Context, taskID int64, opts Options) (*Bundle, error) {
	target, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	b := newBuilder(target)

	var ancestors []task.Task
	if opts.IncludeHierarchy {
		ancestors, err = a.store.GetAncestors(ctx, taskID, a.cfg.MaxDepth)
		if err != nil {
			a.logger.Warn("ancestor walk for task %d failed: %v", taskID, err)
			ancestors = nil
		}
		a.addRootBrief(ctx, b, ancestors)
		a.addParentChain(b, ancestors)
	}
	a.addIndex(b)
	if opts.IncludeDeps {
		a.addDependencies(ctx, b)
	}
	if opts.IncludeHierarchy {
		a.addAncestorOutputs(ctx, b, ancestors)
	}
	if k := a.resolveK(opts.SemanticK); k > 0 {
		a.addRetrieved(ctx, b, k, a.resolveFloor(opts.MinSimilarity))
	}
	if opts.IncludeHierarchy {
		a.addHierarchySiblings(ctx, b)
	}
	if opts.IncludePlan {
		a.addPlanSiblings(ctx, b)
	}
	a.addKnowledge(ctx, b)
	a.addManual(ctx, b, opts.ManualIDs)

	sections := b.finish()
	budgetInfo := applyBudget(sections, a.resolveBudget(opts))
	combined := renderCombined(sections)

	bundle := &Bundle{
		TaskID:        taskID,
		Sections:      sections,
		Combined:      combined,
		TokenEstimate: CountTokens(combined),
		BudgetInfo:    budgetInfo,
	}
	if opts.Persist {
		snap, err := a.persist(ctx, bundle, opts)
		if err != nil {
			return nil, err
		}
		bundle.Label = snap.Label
	}
	return bundle, nil
}

func (a *Assembler) resolveK(k int) int {
	if k < 0 {
		return 0
	}
	if k == 0 {
		return a.cfg.SemanticK
	}
	return k
}

func (a *Assembler) resolveFloor(floor *float64) *float64 {
	if floor != nil {
		return floor
	}
	if a.cfg.MinSimilarity != 0 {
		v := a.cfg.MinSimilarity
		return &v
	}
	return nil
}

func (a *Assembler) resolveBudget(opts Options) budgetSpec {
	spec := budgetSpec{
		maxChars: opts.MaxChars,
		perMax:   opts.PerSectionMax,
		strategy: opts.Strategy,
	}
	if spec.maxChars == 0 {
		spec.maxChars = a.cfg.DefaultMaxChars
	}
	if spec.perMax == 0 {
		spec.perMax = a.cfg.DefaultPerSectionMax
	}
	if spec.strategy == "" {
		spec.strategy = a.cfg.DefaultStrategy
	}
	return spec
}

func (a *Assembler) persist(ctx context.Context, bundle *Bundle, opts Options) (*task.Snapshot, error) {
	meta := task.Metadata{
		"token_estimate": bundle.TokenEstimate,
		"options":        opts,
	}
	if bundle.BudgetInfo != nil {
		meta["budget_info"] = bundle.BudgetInfo
	}
	return a.store.UpsertTaskContext(ctx, bundle.TaskID, opts.Label, bundle.Combined, bundle.Sections, meta)
}

// builder accumulates sections in collection order and tracks which task
// ids are already claimed. The first claim wins, so collectors must run
// in descending priority.
type builder struct {
	target   *task.Task
	sections task.SectionList
	seen     map[int64]bool
}

func newBuilder(target *task.Task) *builder {
	return &builder{
		target: target,
		seen:   map[int64]bool{target.ID: true},
	}
}

// add appends a section. Sections carrying a task id claim it; a second
// section for the same task is refused.
func (b *builder) add(s task.Section) bool {
	if s.TaskID != 0 {
		if b.seen[s.TaskID] {
			return false
		}
		b.seen[s.TaskID] = true
	}
	s.Priority = kindPriority[s.Kind]
	b.sections = append(b.sections, s)
	return true
}

func (b *builder) claimed() []int64 {
	ids := make([]int64, 0, len(b.seen))
	for id := range b.seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// finish orders sections by (priority group, task id).
func (b *builder) finish() task.SectionList {
	sort.SliceStable(b.sections, func(i, j int) bool {
		if b.sections[i].Priority != b.sections[j].Priority {
			return b.sections[i].Priority < b.sections[j].Priority
		}
		return b.sections[i].TaskID < b.sections[j].TaskID
	})
	return b.sections
}

func renderCombined(sections task.SectionList) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", s.ShortName, s.Content))
	}
	return strings.Join(parts, "\n\n")
}

func shortName(name string) string {
	if _, short, ok := task.SplitPlanName(name); ok {
		return short
	}
	return name
}
