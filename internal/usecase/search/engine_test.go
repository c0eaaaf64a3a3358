package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// --- Mocks ---

type fakeSource struct {
	mu     sync.Mutex
	chunks []domain.Chunk
	errs   []error // consumed one per Load
	panics bool
	loads  int
}

func (f *fakeSource) Load() ([]domain.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.loads++
	if f.panics {
		panic("corpus exploded")
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.chunks, nil
}

func (f *fakeSource) set(chunks []domain.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = chunks
}

func (f *fakeSource) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// fakeSemantic returns a fixed chunk order for every query.
type fakeSemantic struct {
	mu         sync.Mutex
	order      []int
	prepareErr error
	queryErr   error
	block      chan struct{} // Prepare waits on it when set
	prepared   []string
	dropped    []string
	pruned     []string
	queried    []string
	limits     []int
}

func (f *fakeSemantic) Prepare(_ context.Context, _ []domain.Chunk, fingerprint string) (string, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.prepareErr != nil {
		return "", f.prepareErr
	}
	name := "rules:" + fingerprint[:8]
	f.prepared = append(f.prepared, name)
	return name, nil
}

func (f *fakeSemantic) Query(_ context.Context, collection, _ string, limit int) ([]domain.Scored, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queried = append(f.queried, collection)
	f.limits = append(f.limits, limit)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	out := make([]domain.Scored, 0, len(f.order))
	for i, id := range f.order {
		out = append(out, domain.Scored{ChunkID: id, Score: 1 - float64(i)*0.1})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSemantic) Drop(_ context.Context, collection string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, collection)
	return nil
}

func (f *fakeSemantic) Prune(_ context.Context, keep string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned = append(f.pruned, keep)
	return 0, nil
}

func (f *fakeSemantic) prepareCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prepared)
}

func (f *fakeSemantic) setQueryErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

func ruleChunks() []domain.Chunk {
	return []domain.Chunk{
		{ID: 0, Text: "The squat must reach depth with the hip crease below the top of the knee"},
		{ID: 1, Text: "The bench press requires the head shoulders and buttocks on the bench"},
		{ID: 2, Text: "The deadlift bar must be lifted from the floor until the lifter stands erect"},
	}
}

func newTestEngine(src *fakeSource, sem *fakeSemantic, mutate ...func(*Config)) *Engine {
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	return New(src, sem, cfg, zap.NewNop())
}

// --- Search ---

func TestSearch_FusesRankings(t *testing.T) {
	src := &fakeSource{chunks: ruleChunks()}
	sem := &fakeSemantic{order: []int{0, 2, 1}}
	e := newTestEngine(src, sem)

	results, err := e.Search(context.Background(), "squat depth", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != DefaultK {
		t.Fatalf("expected %d results, got %d", DefaultK, len(results))
	}
	top := results[0]
	if top.ChunkID != 0 || top.Text != ruleChunks()[0].Text {
		t.Errorf("expected squat rule first, got %+v", top)
	}
	if want := 2.0 / 60; !closeTo(top.FusedScore, want) {
		t.Errorf("fused score = %f, want %f", top.FusedScore, want)
	}
	if !top.Lexical.Present || !top.Semantic.Present || top.Lexical.Rank != 0 || top.Semantic.Rank != 0 {
		t.Errorf("unexpected components: %+v / %+v", top.Lexical, top.Semantic)
	}
	if top.Degraded {
		t.Error("result must not be degraded")
	}
	// Chunks 1 and 2 tie on fused score; lower id wins.
	if results[1].ChunkID != 1 || results[2].ChunkID != 2 {
		t.Errorf("tie order: got %d, %d", results[1].ChunkID, results[2].ChunkID)
	}
}

func TestSearch_RespectsK(t *testing.T) {
	e := newTestEngine(&fakeSource{chunks: ruleChunks()}, &fakeSemantic{order: []int{0, 1, 2}})

	results, err := e.Search(context.Background(), "squat", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
}

func TestSearch_EmptyCorpusSkipsStore(t *testing.T) {
	sem := &fakeSemantic{}
	e := newTestEngine(&fakeSource{}, sem)

	results, err := e.Search(context.Background(), "squat", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("expected empty non-nil results, got %v", results)
	}
	if sem.prepareCount() != 0 || len(sem.queried) != 0 {
		t.Error("empty corpus must not touch the vector store")
	}
}

func TestSearch_SetupRunsOnce(t *testing.T) {
	src := &fakeSource{chunks: ruleChunks()}
	sem := &fakeSemantic{order: []int{0, 1, 2}}
	e := newTestEngine(src, sem)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Search(context.Background(), "bench", 3); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if src.loadCount() != 1 || sem.prepareCount() != 1 {
		t.Errorf("loads=%d prepares=%d, want 1/1", src.loadCount(), sem.prepareCount())
	}
	if len(sem.pruned) != 0 {
		t.Errorf("pruning is opt-in, got %v", sem.pruned)
	}
}

func TestSearch_PruneStaleAfterFirstSetup(t *testing.T) {
	sem := &fakeSemantic{order: []int{0, 1, 2}}
	e := newTestEngine(&fakeSource{chunks: ruleChunks()}, sem, func(c *Config) { c.PruneStale = true })
	ctx := context.Background()

	if err := e.Ready(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sem.pruned) != 1 || sem.pruned[0] != sem.prepared[0] {
		t.Fatalf("expected one prune keeping %v, got %v", sem.prepared, sem.pruned)
	}

	// A rebuild after the collection vanished must not prune again.
	sem.setQueryErr(fmt.Errorf("semantic query: %w", domain.ErrIndexNotBuilt))
	if _, err := e.Search(ctx, "squat", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sem.setQueryErr(nil)
	if _, err := e.Search(ctx, "squat", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sem.prepareCount() != 2 || len(sem.pruned) != 1 {
		t.Errorf("prepares=%d prunes=%d, want 2/1", sem.prepareCount(), len(sem.pruned))
	}
}

func TestSearch_RanksWholeCorpus(t *testing.T) {
	chunks := append(ruleChunks(),
		domain.Chunk{ID: 3, Text: "Three white lights make a good lift"},
		domain.Chunk{ID: 4, Text: "Each lifter has three attempts on the squat"},
	)
	sem := &fakeSemantic{order: []int{4, 3, 2, 1, 0}}
	e := newTestEngine(&fakeSource{chunks: chunks}, sem)
	ctx := context.Background()

	results, err := e.Search(ctx, "squat", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if len(sem.limits) != 1 || sem.limits[0] != len(chunks) {
		t.Errorf("semantic limit = %v, want the corpus size %d", sem.limits, len(chunks))
	}

	st := e.current.Load()
	lex, semHits, err := e.rank(ctx, st, "squat")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(lex) != len(chunks) || len(semHits) != len(chunks) {
		t.Errorf("lexical=%d semantic=%d, want both %d", len(lex), len(semHits), len(chunks))
	}
}

func TestBuilt_DoesNotWaitForSetup(t *testing.T) {
	sem := &fakeSemantic{order: []int{0, 1, 2}, block: make(chan struct{})}
	e := newTestEngine(&fakeSource{chunks: ruleChunks()}, sem)

	done := make(chan error, 1)
	go func() { done <- e.Ready(context.Background()) }()

	if e.Built() {
		t.Fatal("engine must not report built while setup is running")
	}

	close(sem.block)
	if err := <-done; err != nil {
		t.Fatalf("setup: %v", err)
	}
	if !e.Built() {
		t.Error("engine must report built after setup")
	}
}

func TestSearch_FailedSetupIsRetried(t *testing.T) {
	src := &fakeSource{chunks: ruleChunks(), errs: []error{domain.ErrCorpusNotFound}}
	e := newTestEngine(src, &fakeSemantic{order: []int{0, 1, 2}})
	ctx := context.Background()

	if _, err := e.Search(ctx, "squat", 3); !errors.Is(err, domain.ErrCorpusNotFound) {
		t.Fatalf("expected ErrCorpusNotFound, got %v", err)
	}
	if e.Len() != 0 {
		t.Error("failed setup must not publish state")
	}

	if _, err := e.Search(ctx, "squat", 3); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if src.loadCount() != 2 {
		t.Errorf("expected 2 loads, got %d", src.loadCount())
	}
}

func TestSearch_SetupFailureIsNotDegraded(t *testing.T) {
	sem := &fakeSemantic{prepareErr: domain.ErrVectorStoreUnavailable}
	e := newTestEngine(&fakeSource{chunks: ruleChunks()}, sem)

	_, err := e.Search(context.Background(), "squat", 3)
	if !errors.Is(err, domain.ErrVectorStoreUnavailable) {
		t.Fatalf("expected ErrVectorStoreUnavailable, got %v", err)
	}
}

func TestSearch_QueryTimeFailures(t *testing.T) {
	tests := []struct {
		name     string
		queryErr error
		degrade  bool
		wantErr  error
	}{
		{"store down, degrade", domain.ErrVectorStoreUnavailable, true, nil},
		{"provider down, degrade", domain.ErrEmbeddingProviderUnavailable, true, nil},
		{"store down, strict", domain.ErrVectorStoreUnavailable, false, domain.ErrVectorStoreUnavailable},
		{"dimension mismatch, degrade", domain.ErrVectorDimMismatch, true, domain.ErrVectorDimMismatch},
		{"collection missing, degrade", domain.ErrIndexNotBuilt, true, nil},
		{"collection missing, strict", domain.ErrIndexNotBuilt, false, domain.ErrIndexNotBuilt},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sem := &fakeSemantic{queryErr: tc.queryErr}
			e := newTestEngine(&fakeSource{chunks: ruleChunks()}, sem, func(c *Config) {
				c.DegradeToLexical = tc.degrade
			})

			results, err := e.Search(context.Background(), "squat depth", 3)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(results) != 3 || results[0].ChunkID != 0 {
				t.Fatalf("expected lexical order, got %+v", results)
			}
			for _, r := range results {
				if !r.Degraded || r.Semantic.Present {
					t.Errorf("expected degraded lexical-only result, got %+v", r)
				}
			}
			if want := 1.0 / 60; !closeTo(results[0].FusedScore, want) {
				t.Errorf("fused score = %f, want %f", results[0].FusedScore, want)
			}
		})
	}
}

func TestSearch_IgnoresUnknownSemanticIDs(t *testing.T) {
	e := newTestEngine(&fakeSource{chunks: ruleChunks()}, &fakeSemantic{order: []int{99, 0, 1, 2}})

	results, err := e.Search(context.Background(), "squat", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range results {
		if r.ChunkID == 99 {
			t.Fatal("unknown chunk id leaked into results")
		}
	}
}

func TestSearch_RebuildsMissingCollection(t *testing.T) {
	src := &fakeSource{chunks: ruleChunks()}
	sem := &fakeSemantic{order: []int{0, 1, 2}}
	e := newTestEngine(src, sem)
	ctx := context.Background()

	sem.setQueryErr(fmt.Errorf("semantic query: %w", domain.ErrIndexNotBuilt))
	results, err := e.Search(ctx, "squat", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !results[0].Degraded {
		t.Error("missing collection must degrade to lexical ranking")
	}

	sem.setQueryErr(nil)
	results, err = e.Search(ctx, "squat", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Degraded || !results[0].Semantic.Present {
		t.Errorf("expected fused results after rebuild, got %+v", results[0])
	}
	if src.loadCount() != 2 || sem.prepareCount() != 2 {
		t.Errorf("loads=%d prepares=%d, want 2/2", src.loadCount(), sem.prepareCount())
	}

	if _, err := e.Search(ctx, "squat", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sem.prepareCount() != 2 {
		t.Errorf("a healthy state must not rebuild again, prepares=%d", sem.prepareCount())
	}
}

func TestSearch_FailedRebuildKeepsServing(t *testing.T) {
	sem := &fakeSemantic{order: []int{0, 1, 2}}
	e := newTestEngine(&fakeSource{chunks: ruleChunks()}, sem)
	ctx := context.Background()

	if err := e.Ready(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}

	sem.setQueryErr(domain.ErrIndexNotBuilt)
	if _, err := e.Search(ctx, "squat", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sem.mu.Lock()
	sem.prepareErr = domain.ErrVectorStoreUnavailable
	sem.mu.Unlock()

	results, err := e.Search(ctx, "squat", 3)
	if err != nil {
		t.Fatalf("failed rebuild must not fail the query: %v", err)
	}
	if len(results) != 3 || !results[0].Degraded {
		t.Errorf("expected degraded lexical results, got %+v", results)
	}
	if !e.Built() || e.Len() != 3 {
		t.Error("previous state must stay published")
	}
}

// --- Reload ---

func TestReload_SwapsCorpus(t *testing.T) {
	src := &fakeSource{chunks: ruleChunks()}
	sem := &fakeSemantic{order: []int{0, 1}}
	e := newTestEngine(src, sem)
	ctx := context.Background()

	if err := e.Ready(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}
	old := sem.prepared[0]

	src.set(ruleChunks()[:2])
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if e.Len() != 2 {
		t.Errorf("expected 2 chunks after reload, got %d", e.Len())
	}
	if len(sem.prepared) != 2 || sem.prepared[1] == old {
		t.Fatalf("expected a fresh collection, prepared %v", sem.prepared)
	}
	if len(sem.dropped) != 1 || sem.dropped[0] != old {
		t.Errorf("expected %s dropped, got %v", old, sem.dropped)
	}

	if _, err := e.Search(ctx, "bench", 3); err != nil {
		t.Fatalf("search after reload: %v", err)
	}
	if last := sem.queried[len(sem.queried)-1]; last != sem.prepared[1] {
		t.Errorf("queried %s, want %s", last, sem.prepared[1])
	}
}

func TestReload_FailureKeepsPreviousState(t *testing.T) {
	src := &fakeSource{chunks: ruleChunks()}
	sem := &fakeSemantic{order: []int{0, 1, 2}}
	e := newTestEngine(src, sem)
	ctx := context.Background()

	if err := e.Ready(ctx); err != nil {
		t.Fatalf("setup: %v", err)
	}

	src.set(ruleChunks()[:1])
	sem.prepareErr = domain.ErrEmbeddingProviderUnavailable
	if err := e.Reload(ctx); !errors.Is(err, domain.ErrEmbeddingProviderUnavailable) {
		t.Fatalf("expected ErrEmbeddingProviderUnavailable, got %v", err)
	}

	if e.Len() != 3 {
		t.Errorf("previous corpus must keep serving, got %d chunks", e.Len())
	}
	if len(sem.dropped) != 0 {
		t.Errorf("nothing must be dropped, got %v", sem.dropped)
	}
}

// --- SearchRules ---

func TestSearchRules_Answer(t *testing.T) {
	e := newTestEngine(&fakeSource{chunks: ruleChunks()}, &fakeSemantic{order: []int{0, 2, 1}})

	got := e.SearchRules(context.Background(), "squat depth")

	if !strings.HasPrefix(got, "Here are the most relevant rules:\n\n1. The squat must reach depth") {
		t.Errorf("unexpected answer:\n%s", got)
	}
	if !strings.Contains(got, "(Score: 0.033; lexical: ") || !strings.Contains(got, "semantic: 1.000, rank 1") {
		t.Errorf("scores missing:\n%s", got)
	}
	if !strings.Contains(got, "\n3. ") {
		t.Errorf("expected three numbered rules:\n%s", got)
	}
}

func TestSearchRules_NoMatch(t *testing.T) {
	e := newTestEngine(&fakeSource{}, &fakeSemantic{})

	if got := e.SearchRules(context.Background(), "squat"); got != "No matching rules found." {
		t.Errorf("got %q", got)
	}
}

func TestSearchRules_Error(t *testing.T) {
	src := &fakeSource{errs: []error{domain.ErrCorpusNotFound}}
	e := newTestEngine(src, &fakeSemantic{})

	got := e.SearchRules(context.Background(), "squat")
	if !strings.HasPrefix(got, "Error searching rules: ") || !strings.Contains(got, "corpus not found") {
		t.Errorf("got %q", got)
	}
}

func TestSearchRules_Panic(t *testing.T) {
	e := newTestEngine(&fakeSource{panics: true}, &fakeSemantic{})

	got := e.SearchRules(context.Background(), "squat")
	if got != "Error searching rules: corpus exploded" {
		t.Errorf("got %q", got)
	}

	// The setup lock must have been released.
	e.source = &fakeSource{chunks: ruleChunks()}
	if err := e.Ready(context.Background()); err != nil {
		t.Fatalf("setup after panic: %v", err)
	}
	if e.Len() != 3 {
		t.Errorf("expected 3 chunks, got %d", e.Len())
	}
}

func TestRender_Degraded(t *testing.T) {
	got := Render([]domain.RankedResult{{
		ChunkID:    0,
		Text:       "rule",
		FusedScore: 1.0 / 60,
		Lexical:    domain.Component{Score: 1.5, Rank: 0, Present: true},
		Degraded:   true,
	}})

	want := "Here are the most relevant rules:\n\n" +
		"(Semantic search is unavailable; results are ranked by keyword match only.)\n\n" +
		"1. rule\n   (Score: 0.017; lexical: 1.500, rank 1; semantic: unavailable)\n\n"
	if got != want {
		t.Errorf("got:\n%q\nwant:\n%q", got, want)
	}
}

func TestRender_AbsentComponent(t *testing.T) {
	got := Render([]domain.RankedResult{{
		ChunkID:  1,
		Text:     "rule",
		Lexical:  domain.Component{Score: 0.5, Rank: 0, Present: true},
		Semantic: domain.Component{Rank: 3},
	}})
	if !strings.Contains(got, "semantic: not ranked") {
		t.Errorf("got %q", got)
	}
}

func closeTo(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
