package semantic

import (
	"context"
	"errors"
	"sort"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

const testDim = 3

// --- Mocks ---

type memCollection struct {
	col    domain.Collection
	points map[int]domain.Point
}

// memRepo is an in-memory collection store.
type memRepo struct {
	cols     map[string]*memCollection
	getErr   error
	countErr error
	createFn func(col domain.Collection) error
	upsertFn func(points []domain.Point) error
	queryErr error

	upserts int
	dropped []string
}

func newMemRepo() *memRepo {
	return &memRepo{cols: map[string]*memCollection{}}
}

func (m *memRepo) put(col domain.Collection) {
	m.cols[col.Name] = &memCollection{col: col, points: map[int]domain.Point{}}
}

func (m *memRepo) Get(_ context.Context, name string) (domain.Collection, bool, error) {
	if m.getErr != nil {
		return domain.Collection{}, false, m.getErr
	}
	c, ok := m.cols[name]
	if !ok {
		return domain.Collection{}, false, nil
	}
	return c.col, true, nil
}

func (m *memRepo) Create(_ context.Context, col domain.Collection) error {
	if m.createFn != nil {
		if err := m.createFn(col); err != nil {
			return err
		}
	}
	m.put(col)
	return nil
}

func (m *memRepo) List(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(m.cols))
	for name := range m.cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *memRepo) Count(_ context.Context, name string) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	c, ok := m.cols[name]
	if !ok {
		return 0, nil
	}
	return len(c.points), nil
}

func (m *memRepo) Upsert(_ context.Context, name string, points []domain.Point) error {
	m.upserts++
	if m.upsertFn != nil {
		if err := m.upsertFn(points); err != nil {
			return err
		}
	}
	c := m.cols[name]
	for _, p := range points {
		c.points[p.ChunkID] = p
	}
	return nil
}

func (m *memRepo) Query(_ context.Context, name string, vector []float32, limit int) ([]domain.Scored, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	c, ok := m.cols[name]
	if !ok {
		return nil, errors.New("unknown index")
	}
	out := make([]domain.Scored, 0, len(c.points))
	for id, p := range c.points {
		out = append(out, domain.Scored{ChunkID: id, Score: dot(vector, p.Vector)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) Drop(_ context.Context, name string) error {
	m.dropped = append(m.dropped, name)
	delete(m.cols, name)
	return nil
}

func (m *memRepo) SetFingerprint(_ context.Context, name, fp string) error {
	m.cols[name].col.Fingerprint = fp
	return nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i] * b[i])
	}
	return s
}

// keywordEmbedder maps texts onto three axes: squat, bench, deadlift.
type keywordEmbedder struct {
	err   error
	dim   int
	calls int
}

func (k *keywordEmbedder) Embed(_ context.Context, text string) (domain.EmbeddingResult, error) {
	k.calls++
	if k.err != nil {
		return domain.EmbeddingResult{}, k.err
	}
	dim := k.dim
	if dim == 0 {
		dim = testDim
	}
	v := make([]float32, dim)
	for i, kw := range []string{"squat", "bench", "deadlift"} {
		if i < dim && contains(text, kw) {
			v[i] = 1
		}
	}
	return domain.EmbeddingResult{Embedding: v, TotalTokens: 1}, nil
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func newTestService(repo *memRepo, emb domain.Embedder) *Service {
	return New(repo, emb, nil, Config{Collection: "rules", VectorDim: testDim}, zap.NewNop())
}

func testChunks() []domain.Chunk {
	return []domain.Chunk{
		{ID: 0, Text: "the squat is performed with the bar on the back"},
		{ID: 1, Text: "the bench press is performed lying on a bench"},
		{ID: 2, Text: "the deadlift is lifted from the floor"},
	}
}

// --- CollectionFor ---

func TestCollectionFor(t *testing.T) {
	svc := newTestService(newMemRepo(), &keywordEmbedder{})

	if got := svc.CollectionFor(""); got != "rules" {
		t.Errorf("empty fingerprint: got %q", got)
	}
	if got := svc.CollectionFor("0123456789abcdef0123"); got != "rules:0123456789ab" {
		t.Errorf("long fingerprint: got %q", got)
	}
	if got := svc.CollectionFor("abc"); got != "rules:abc" {
		t.Errorf("short fingerprint: got %q", got)
	}
}

// --- EnsureCollection ---

func TestEnsureCollection_CreatesWhenAbsent(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &keywordEmbedder{})

	col, err := svc.EnsureCollection(context.Background(), "rules:v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if col.VectorDim != testDim || col.Metric != domain.DistanceCosine || col.Name != "rules:v1" {
		t.Errorf("unexpected collection: %+v", col)
	}
	if _, ok := repo.cols["rules:v1"]; !ok {
		t.Error("collection not created")
	}
}

func TestEnsureCollection_ExistingIsReused(t *testing.T) {
	repo := newMemRepo()
	repo.put(domain.Collection{Name: "rules:v1", VectorDim: testDim, Fingerprint: "fp"})
	repo.createFn = func(domain.Collection) error {
		t.Fatal("create must not be called")
		return nil
	}

	col, err := newTestService(repo, &keywordEmbedder{}).EnsureCollection(context.Background(), "rules:v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if col.Fingerprint != "fp" {
		t.Errorf("expected existing collection, got %+v", col)
	}
}

func TestEnsureCollection_CreateRaceIsSuccess(t *testing.T) {
	repo := newMemRepo()
	repo.createFn = func(domain.Collection) error { return domain.ErrAlreadyExists }

	if _, err := newTestService(repo, &keywordEmbedder{}).EnsureCollection(context.Background(), "rules"); err != nil {
		t.Fatalf("expected success on create race, got %v", err)
	}
}

func TestEnsureCollection_DimensionMismatch(t *testing.T) {
	repo := newMemRepo()
	repo.put(domain.Collection{Name: "rules", VectorDim: 1024})

	_, err := newTestService(repo, &keywordEmbedder{}).EnsureCollection(context.Background(), "rules")
	if !errors.Is(err, domain.ErrVectorDimMismatch) {
		t.Fatalf("expected ErrVectorDimMismatch, got %v", err)
	}
}

func TestEnsureCollection_StoreUnavailable(t *testing.T) {
	repo := newMemRepo()
	repo.getErr = domain.ErrVectorStoreUnavailable

	_, err := newTestService(repo, &keywordEmbedder{}).EnsureCollection(context.Background(), "rules")
	if !errors.Is(err, domain.ErrVectorStoreUnavailable) {
		t.Fatalf("expected ErrVectorStoreUnavailable, got %v", err)
	}
}

// --- Prepare / EnsurePopulated ---

func TestPrepare_UploadsOnce(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &keywordEmbedder{})
	ctx := context.Background()

	var name string
	for range 2 {
		var err error
		name, err = svc.Prepare(ctx, testChunks(), "fp1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if name != "rules:fp1" {
		t.Errorf("collection = %q, want rules:fp1", name)
	}
	if repo.upserts != 1 {
		t.Errorf("expected exactly one upload, got %d", repo.upserts)
	}
	c := repo.cols[name]
	if len(c.points) != 3 {
		t.Errorf("expected 3 points, got %d", len(c.points))
	}
	if c.col.Fingerprint != "fp1" {
		t.Errorf("fingerprint = %q, want fp1", c.col.Fingerprint)
	}
	if c.points[1].Text != testChunks()[1].Text {
		t.Errorf("point payload lost: %+v", c.points[1])
	}
}

func TestPrepare_NewCorpusLeavesOldCollection(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &keywordEmbedder{})
	ctx := context.Background()

	old, err := svc.Prepare(ctx, testChunks(), "v1")
	if err != nil {
		t.Fatalf("first prepare: %v", err)
	}
	fresh, err := svc.Prepare(ctx, testChunks()[:2], "v2")
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}

	if old == fresh {
		t.Fatalf("corpus versions share collection %q", old)
	}
	if len(repo.cols[old].points) != 3 || len(repo.cols[fresh].points) != 2 {
		t.Errorf("points: old=%d new=%d", len(repo.cols[old].points), len(repo.cols[fresh].points))
	}
	if len(repo.dropped) != 0 {
		t.Errorf("prepare must not drop, dropped %v", repo.dropped)
	}
}

func TestEnsurePopulated_EmbeddingFailureUploadsNothing(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &keywordEmbedder{err: errors.New("connection refused")})

	_, err := svc.Prepare(context.Background(), testChunks(), "fp")
	if !errors.Is(err, domain.ErrEmbeddingProviderUnavailable) {
		t.Fatalf("expected ErrEmbeddingProviderUnavailable, got %v", err)
	}
	if repo.upserts != 0 {
		t.Errorf("nothing must be uploaded, got %d upserts", repo.upserts)
	}
}

func TestEnsurePopulated_WrongDimensionUploadsNothing(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &keywordEmbedder{dim: 2})

	_, err := svc.Prepare(context.Background(), testChunks(), "fp")
	if !errors.Is(err, domain.ErrVectorDimMismatch) {
		t.Fatalf("expected ErrVectorDimMismatch, got %v", err)
	}
	if repo.upserts != 0 {
		t.Errorf("nothing must be uploaded, got %d upserts", repo.upserts)
	}
}

func TestEnsurePopulated_UploadRejectedNotRetried(t *testing.T) {
	repo := newMemRepo()
	repo.upsertFn = func([]domain.Point) error { return domain.ErrUploadFailed }
	svc := newTestService(repo, &keywordEmbedder{})

	_, err := svc.Prepare(context.Background(), testChunks(), "fp")
	if !errors.Is(err, domain.ErrUploadFailed) {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
	if repo.upserts != 1 {
		t.Errorf("expected a single attempt, got %d", repo.upserts)
	}
	if repo.cols["rules:fp"].col.Fingerprint != "" {
		t.Error("fingerprint must not be recorded after a failed upload")
	}
}

func TestEnsurePopulated_EmptyCorpusIsNoop(t *testing.T) {
	repo := newMemRepo()
	emb := &keywordEmbedder{}
	svc := newTestService(repo, emb)
	repo.put(domain.Collection{Name: "rules", VectorDim: testDim})

	if err := svc.EnsurePopulated(context.Background(), "rules", nil, "fp"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if emb.calls != 0 || repo.upserts != 0 {
		t.Error("empty corpus must not embed or upload")
	}
}

// --- Prune ---

func TestPrune_DropsOtherVersionsOnly(t *testing.T) {
	repo := newMemRepo()
	for _, name := range []string{"rules", "rules:v1", "rules:v2", "other:v1"} {
		repo.put(domain.Collection{Name: name, VectorDim: testDim})
	}

	n, err := newTestService(repo, &keywordEmbedder{}).Prune(context.Background(), "rules:v2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("dropped %d, want 2", n)
	}
	for _, name := range []string{"rules:v2", "other:v1"} {
		if _, ok := repo.cols[name]; !ok {
			t.Errorf("%s must survive", name)
		}
	}
}

// --- Query ---

func TestQuery_RanksBySimilarity(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &keywordEmbedder{})
	ctx := context.Background()

	name, err := svc.Prepare(ctx, testChunks(), "fp")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	hits, err := svc.Query(ctx, name, "how deep must the squat be", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 3 || hits[0].ChunkID != 0 {
		t.Fatalf("expected chunk 0 first, got %v", hits)
	}
}

func TestQuery_UsesQueryEmbedder(t *testing.T) {
	repo := newMemRepo()
	repo.put(domain.Collection{Name: "rules", VectorDim: testDim})
	docs := &keywordEmbedder{}
	queries := &keywordEmbedder{}
	svc := New(repo, docs, queries, Config{Collection: "rules", VectorDim: testDim}, zap.NewNop())

	if _, err := svc.Query(context.Background(), "rules", "bench", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if queries.calls != 1 || docs.calls != 0 {
		t.Errorf("query embedder calls=%d, doc embedder calls=%d", queries.calls, docs.calls)
	}
}

func TestQuery_Errors(t *testing.T) {
	tests := []struct {
		name     string
		embedErr error
		queryErr error
		want     error
	}{
		{"provider down", errors.New("timeout"), nil, domain.ErrEmbeddingProviderUnavailable},
		{"store down", nil, domain.ErrVectorStoreUnavailable, domain.ErrVectorStoreUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemRepo()
			repo.queryErr = tc.queryErr
			svc := newTestService(repo, &keywordEmbedder{err: tc.embedErr})

			_, err := svc.Query(context.Background(), "rules", "squat", 3)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
