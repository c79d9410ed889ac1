package assembler

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/async"
	"loom/internal/cache"
	"loom/internal/embedding"
	"loom/internal/knowledge"
	"loom/internal/retrieval"
	"loom/internal/store"
	"loom/internal/task"
)

type fixture struct {
	asm   *Assembler
	store *store.Store
	svc   *embedding.Service
	index *store.IndexFile
}

func newFixture(t *testing.T, cfg Config, notes NotesSearcher) *fixture {
	t.Helper()
	st, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	kv, err := cache.New(cache.Options{MaxEntries: 256})
	require.NoError(t, err)
	embCache := cache.NewEmbeddingCache(kv)
	t.Cleanup(func() { _ = embCache.Close() })

	manager := async.NewManager(async.Options{SweepInterval: time.Hour})
	t.Cleanup(manager.Close)

	svc := embedding.NewService(embedding.NewMockClient("m", 8), embCache, manager,
		embedding.ServiceConfig{BatchSize: 16, RetryDelay: time.Millisecond}, nil)
	engine := retrieval.NewEngine(st, svc, retrieval.Config{})
	index := store.NewIndexFile(filepath.Join(t.TempDir(), "index.md"))

	return &fixture{
		asm:   New(st, index, engine, notes, cfg),
		store: st,
		svc:   svc,
		index: index,
	}
}

// seed creates a task and optionally stores its prompt, output, and
// embedding (model "m", matching the fixture's service).
func (f *fixture) seed(t *testing.T, parent *int64, name, prompt, output string, vec []float32) *task.Task {
	t.Helper()
	created, err := f.store.CreateTask(t.Context(), store.CreateTaskParams{ParentID: parent, Name: name})
	require.NoError(t, err)
	if prompt != "" {
		require.NoError(t, f.store.UpsertTaskInput(t.Context(), created.ID, prompt))
	}
	if output != "" {
		require.NoError(t, f.store.UpsertTaskOutput(t.Context(), created.ID, output))
	}
	if vec != nil {
		require.NoError(t, f.store.StoreTaskEmbedding(t.Context(), created.ID, vec, "m"))
	}
	return created
}

func floor(v float64) *float64 { return &v }

func kindsOf(sections task.SectionList) []string {
	kinds := make([]string, 0, len(sections))
	for _, s := range sections {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

func TestAssemblePriorityOrderAcrossFamilies(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	root := f.seed(t, nil, "essay", "", "", nil)
	target := f.seed(t, &root.ID, "[P] target", "write the middle", "t out", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	req := f.seed(t, &root.ID, "[P] req", "", "r out", nil)
	ref := f.seed(t, &root.ID, "[P] ref", "", "f out", nil)
	sib := f.seed(t, &root.ID, "[P] sib", "", "s out", []float32{0, 1, 0, 0, 0, 0, 0, 0})
	sim := f.seed(t, &root.ID, "[P] sim", "", "q out", []float32{1, 0, 0, 0, 0, 0, 0, 0})

	_, err := f.store.CreateLink(t.Context(), target.ID, req.ID, task.LinkRequires)
	require.NoError(t, err)
	_, err = f.store.CreateLink(t.Context(), target.ID, ref.ID, task.LinkRefers)
	require.NoError(t, err)
	require.NoError(t, f.index.Put("# Index\n\nproject map"))

	bundle, err := f.asm.Assemble(t.Context(), target.ID, Options{
		IncludeDeps:   true,
		IncludePlan:   true,
		SemanticK:     1,
		MinSimilarity: floor(0.0),
	})
	require.NoError(t, err)

	require.Equal(t, []string{KindIndex, KindDepRequires, KindDepRefers, KindRetrieved, KindSibling},
		kindsOf(bundle.Sections))
	assert.Equal(t, req.ID, bundle.Sections[1].TaskID)
	assert.Equal(t, ref.ID, bundle.Sections[2].TaskID)
	assert.Equal(t, sim.ID, bundle.Sections[3].TaskID)
	assert.Equal(t, sib.ID, bundle.Sections[4].TaskID)
	assert.InDelta(t, 1.0, bundle.Sections[3].RetrievalScore, 1e-4)
	assert.Equal(t, "sim", bundle.Sections[3].ShortName, "plan prefix stripped from the header")

	assert.True(t, strings.HasPrefix(bundle.Combined, "## index\n\n# Index"))
	for _, fragment := range []string{"r out", "f out", "q out", "s out"} {
		assert.Contains(t, bundle.Combined, fragment)
	}
	assert.Less(t, strings.Index(bundle.Combined, "r out"), strings.Index(bundle.Combined, "f out"))
	assert.Less(t, strings.Index(bundle.Combined, "q out"), strings.Index(bundle.Combined, "s out"))
	assert.Positive(t, bundle.TokenEstimate)
	assert.Nil(t, bundle.BudgetInfo, "no budget configured or requested")
}

func TestAssembleHierarchySections(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	root := f.seed(t, nil, "build the service", "Ship a task service. Keep it small.", "root out", nil)
	mid := f.seed(t, &root.ID, "design", "", "mid out", nil)
	target := f.seed(t, &mid.ID, "storage layer", "", "", nil)
	sibling := f.seed(t, &mid.ID, "transport layer", "", "sib out", nil)

	bundle, err := f.asm.Assemble(t.Context(), target.ID, Options{IncludeHierarchy: true, SemanticK: -1})
	require.NoError(t, err)

	require.Equal(t, []string{KindRootBrief, KindParentChain, KindAncestor, KindHSibling},
		kindsOf(bundle.Sections))

	brief := bundle.Sections[0]
	assert.True(t, brief.Pinned)
	assert.Equal(t, root.ID, brief.TaskID)
	assert.Equal(t, "goal", brief.ShortName)
	assert.Contains(t, brief.Content, "build the service")
	assert.Contains(t, brief.Content, "Ship a task service.")

	chain := bundle.Sections[1]
	assert.True(t, chain.Pinned)
	assert.Zero(t, chain.TaskID)
	require.Len(t, strings.Split(chain.Content, "\n"), 2)
	assert.Contains(t, chain.Content, "- ["+strconv.FormatInt(root.ID, 10)+"] build the service")
	assert.Contains(t, chain.Content, "- ["+strconv.FormatInt(mid.ID, 10)+"] design")

	// The root is already pinned, so only mid surfaces as ancestor output.
	assert.Equal(t, mid.ID, bundle.Sections[2].TaskID)
	assert.Equal(t, "mid out", bundle.Sections[2].Content)

	assert.Equal(t, sibling.ID, bundle.Sections[3].TaskID)
}

func TestAssembleRootBriefCapped(t *testing.T) {
	f := newFixture(t, Config{RootBriefMax: 60}, nil)
	longPrompt := strings.Repeat("Keep every sentence short. ", 20)
	root := f.seed(t, nil, "goal task", longPrompt, "", nil)
	target := f.seed(t, &root.ID, "leaf", "", "", nil)

	bundle, err := f.asm.Assemble(t.Context(), target.ID, Options{IncludeHierarchy: true, SemanticK: -1})
	require.NoError(t, err)
	require.NotEmpty(t, bundle.Sections)
	brief := bundle.Sections[0]
	assert.Equal(t, KindRootBrief, brief.Kind)
	assert.LessOrEqual(t, len([]rune(brief.Content)), 60)
	assert.True(t, strings.HasSuffix(brief.Content, "."), "sentence cut lands on a boundary")
}

func TestAssembleDedupeFirstKindWins(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	root := f.seed(t, nil, "root", "", "", nil)
	target := f.seed(t, &root.ID, "target", "", "", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	shared := f.seed(t, &root.ID, "shared", "", "shared out", []float32{1, 0, 0, 0, 0, 0, 0, 0})
	other := f.seed(t, &root.ID, "other", "", "other out", []float32{0.9, 0.1, 0, 0, 0, 0, 0, 0})

	_, err := f.store.CreateLink(t.Context(), target.ID, shared.ID, task.LinkRequires)
	require.NoError(t, err)

	bundle, err := f.asm.Assemble(t.Context(), target.ID, Options{
		IncludeDeps:   true,
		SemanticK:     5,
		MinSimilarity: floor(0.0),
	})
	require.NoError(t, err)

	require.Equal(t, []string{KindDepRequires, KindRetrieved}, kindsOf(bundle.Sections))
	assert.Equal(t, shared.ID, bundle.Sections[0].TaskID, "dependency kind claims the shared task")
	assert.Equal(t, other.ID, bundle.Sections[1].TaskID, "retrieval only sees what is left")
}

func TestAssembleManualFallsBackToPrompt(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	root := f.seed(t, nil, "root", "", "", nil)
	target := f.seed(t, &root.ID, "target", "", "", nil)
	prompted := f.seed(t, &root.ID, "prompted", "only a prompt", "", nil)
	blank := f.seed(t, &root.ID, "blank", "", "", nil)

	bundle, err := f.asm.Assemble(t.Context(), target.ID, Options{
		SemanticK: -1,
		ManualIDs: []int64{prompted.ID, blank.ID, 99999},
	})
	require.NoError(t, err)

	require.Equal(t, []string{KindManual}, kindsOf(bundle.Sections))
	assert.Equal(t, prompted.ID, bundle.Sections[0].TaskID)
	assert.Equal(t, "only a prompt", bundle.Sections[0].Content, "output missing, prompt used")
}

func TestAssembleEmptyBundle(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	solo := f.seed(t, nil, "solo", "", "", nil)

	bundle, err := f.asm.Assemble(t.Context(), solo.ID, Options{})
	require.NoError(t, err)
	assert.Empty(t, bundle.Sections)
	assert.Empty(t, bundle.Combined)
	assert.Zero(t, bundle.TokenEstimate)
}

func TestAssembleUnknownTask(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	_, err := f.asm.Assemble(t.Context(), 12345, Options{})
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestAssembleIndexOnlyWhenPresent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	solo := f.seed(t, nil, "solo", "", "out", nil)

	bundle, err := f.asm.Assemble(t.Context(), solo.ID, Options{SemanticK: -1})
	require.NoError(t, err)
	assert.Empty(t, bundle.Sections, "no index file yet")

	require.NoError(t, f.index.Put("notes on layout"))
	bundle, err = f.asm.Assemble(t.Context(), solo.ID, Options{SemanticK: -1})
	require.NoError(t, err)
	require.Equal(t, []string{KindIndex}, kindsOf(bundle.Sections))
	assert.Equal(t, "notes on layout", bundle.Sections[0].Content)
}

func TestAssembleKnowledgeSection(t *testing.T) {
	notes := newTestNotes(t)
	f := newFixture(t, Config{}, notes)

	_, err := notes.AddNote(t.Context(), "the essay must cite sources", nil)
	require.NoError(t, err)

	root := f.seed(t, nil, "root", "", "", nil)
	target := f.seed(t, &root.ID, "target", "the essay must cite sources", "", nil)
	picked := f.seed(t, &root.ID, "picked", "", "picked out", nil)

	bundle, err := f.asm.Assemble(t.Context(), target.ID, Options{
		SemanticK: -1,
		ManualIDs: []int64{picked.ID},
	})
	require.NoError(t, err)

	require.Equal(t, []string{KindKnowledge, KindManual}, kindsOf(bundle.Sections),
		"notes rank just above manual picks")
	assert.Equal(t, "notes", bundle.Sections[0].ShortName)
	assert.Contains(t, bundle.Sections[0].Content, "the essay must cite sources")
}

// newTestNotes builds an in-memory knowledge store sharing nothing with
// the fixture; the assembler only sees the NotesSearcher port.
func newTestNotes(t *testing.T) *knowledge.Store {
	t.Helper()
	kv, err := cache.New(cache.Options{MaxEntries: 64})
	require.NoError(t, err)
	embCache := cache.NewEmbeddingCache(kv)
	t.Cleanup(func() { _ = embCache.Close() })
	manager := async.NewManager(async.Options{SweepInterval: time.Hour})
	t.Cleanup(manager.Close)
	svc := embedding.NewService(embedding.NewMockClient("notes", 16), embCache, manager,
		embedding.ServiceConfig{BatchSize: 8, RetryDelay: time.Millisecond}, nil)
	ks, err := knowledge.NewStore(knowledge.Config{}, svc)
	require.NoError(t, err)
	return ks
}

func TestAssemblePersistSnapshot(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	root := f.seed(t, nil, "root", "", "", nil)
	target := f.seed(t, &root.ID, "target", "", "", nil)
	dep := f.seed(t, &root.ID, "dep", "", "dep out", nil)
	_, err := f.store.CreateLink(t.Context(), target.ID, dep.ID, task.LinkRequires)
	require.NoError(t, err)

	bundle, err := f.asm.Assemble(t.Context(), target.ID, Options{
		IncludeDeps: true,
		SemanticK:   -1,
		Persist:     true,
		Label:       "pre-run",
	})
	require.NoError(t, err)
	assert.Equal(t, "pre-run", bundle.Label)

	snap, err := f.store.GetSnapshot(t.Context(), target.ID, "pre-run")
	require.NoError(t, err)
	assert.Equal(t, bundle.Combined, snap.Combined)
	require.Len(t, snap.Sections, 1)
	assert.Equal(t, KindDepRequires, snap.Sections[0].Kind)
	assert.EqualValues(t, bundle.TokenEstimate, snap.Meta["token_estimate"])

	// Persisting the same label replaces the snapshot.
	require.NoError(t, f.store.UpsertTaskOutput(t.Context(), dep.ID, "fresher output"))
	_, err = f.asm.Assemble(t.Context(), target.ID, Options{
		IncludeDeps: true, SemanticK: -1, Persist: true, Label: "pre-run",
	})
	require.NoError(t, err)
	snaps, err := f.store.ListSnapshots(t.Context(), target.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Contains(t, snaps[0].Combined, "fresher output")
}

func TestAssembleBudgetFromOptions(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	root := f.seed(t, nil, "root", "", "", nil)
	target := f.seed(t, &root.ID, "target", "", "", nil)
	dep := f.seed(t, &root.ID, "dep", "", strings.Repeat("a", 500), nil)
	_, err := f.store.CreateLink(t.Context(), target.ID, dep.ID, task.LinkRequires)
	require.NoError(t, err)

	bundle, err := f.asm.Assemble(t.Context(), target.ID, Options{
		IncludeDeps: true,
		SemanticK:   -1,
		MaxChars:    200,
		Strategy:    StrategyTruncate,
	})
	require.NoError(t, err)
	require.NotNil(t, bundle.BudgetInfo)
	require.Len(t, bundle.Sections, 1)
	section := bundle.Sections[0]
	require.NotNil(t, section.Budget)
	assert.Equal(t, 500, section.Budget.OriginalLen)
	assert.Equal(t, 200, section.Budget.NewLen)
	assert.Equal(t, ReasonTotal, section.Budget.TruncatedReason)
	assert.Equal(t, 200, len([]rune(section.Content)))
}

func TestApplyBudgetPerSectionThenTotal(t *testing.T) {
	sections := task.SectionList{
		{Kind: KindDepRefers, Content: strings.Repeat("a", 1000)},
		{Kind: KindSibling, Content: strings.Repeat("b", 1000)},
	}
	info := applyBudget(sections, budgetSpec{maxChars: 1500, perMax: 800, strategy: StrategyTruncate})

	require.NotNil(t, info)
	assert.Equal(t, 2000, info.OriginalChars)
	assert.Equal(t, 1500, info.FinalChars)
	assert.Equal(t, 2, info.SectionsTrimmed)

	first, second := sections[0].Budget, sections[1].Budget
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, 800, first.NewLen)
	assert.Equal(t, ReasonPerSection, first.TruncatedReason)
	assert.Equal(t, 700, second.NewLen)
	assert.Equal(t, ReasonTotal, second.TruncatedReason)
}

func TestApplyBudgetSkipsPinned(t *testing.T) {
	sections := task.SectionList{
		{Kind: KindRootBrief, Content: strings.Repeat("p", 400), Pinned: true},
		{Kind: KindSibling, Content: strings.Repeat("s", 400)},
	}
	info := applyBudget(sections, budgetSpec{maxChars: 300, strategy: StrategyTruncate})

	require.NotNil(t, info)
	assert.Equal(t, 400, len([]rune(sections[0].Content)))
	assert.Nil(t, sections[0].Budget)
	require.NotNil(t, sections[1].Budget)
	assert.Equal(t, 300, sections[1].Budget.NewLen, "pinned length must not consume the total")
	assert.Equal(t, 400, info.PinnedChars)
}

func TestSummarizeSentenceBoundary(t *testing.T) {
	content := "First sentence. Second sentence. Third goes long"
	assert.Equal(t, "First sentence.", summarize(content, 20, StrategySentence))
	assert.Equal(t, "First sentence. Seco", summarize(content, 20, StrategyTruncate))
}
