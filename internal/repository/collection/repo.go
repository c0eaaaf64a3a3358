// Package collection stores semantic collections and their points in
// Valkey/Redis: one metadata hash, one FT index, one hash per point.
package collection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kailas-cloud/rulesearch/internal/db"
	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// store is the consumer interface for collections (ISP).
//
//nolint:interfacebloat // collection repo needs hash, index and search operations
type store interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetMulti(ctx context.Context, items []db.HashSetItem) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	DropIndex(ctx context.Context, name string) error
	IndexExists(ctx context.Context, name string) (bool, error)
	SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error)
	SearchCount(ctx context.Context, index, prefix string) (int, error)
}

// HNSWConfig HNSW index parameters.
type HNSWConfig struct {
	M           int
	EFConstruct int
}

// Repo implements the semantic service's repository.
type Repo struct {
	store store
	hnsw  HNSWConfig
}

// New creates a collection repository.
func New(s store) *Repo {
	return &Repo{store: s, hnsw: HNSWConfig{M: 16, EFConstruct: 200}}
}

// WithHNSW configures HNSW index parameters.
func (r *Repo) WithHNSW(cfg HNSWConfig) *Repo {
	if cfg.M > 0 {
		r.hnsw.M = cfg.M
	}
	if cfg.EFConstruct > 0 {
		r.hnsw.EFConstruct = cfg.EFConstruct
	}
	return r
}

// Get retrieves a collection by name. A missing collection is (zero, false, nil).
// Metadata whose FT index is gone counts as missing, so the caller recreates it.
func (r *Repo) Get(ctx context.Context, name string) (domain.Collection, bool, error) {
	m, err := r.store.HGetAll(ctx, metaKey(name))
	if err != nil {
		return domain.Collection{}, false, storeErr("hgetall collection "+name, err)
	}
	if len(m) == 0 {
		return domain.Collection{}, false, nil
	}

	exists, err := r.store.IndexExists(ctx, indexName(name))
	if err != nil {
		return domain.Collection{}, false, storeErr("index info "+name, err)
	}
	if !exists {
		return domain.Collection{}, false, nil
	}

	col, err := collectionFromHash(m)
	if err != nil {
		return domain.Collection{}, false, fmt.Errorf("parse collection %s: %w", name, err)
	}
	return col, true, nil
}

// Create runs FT.CREATE then writes the metadata hash. An existing index
// is reported as domain.ErrAlreadyExists.
func (r *Repo) Create(ctx context.Context, col domain.Collection) error {
	def, err := db.NewIndex(indexName(col.Name)).
		Prefix(pointPrefix(col.Name)).
		Numeric(fieldChunkID).
		VectorHNSW(fieldVector, col.VectorDim, db.DistanceCosine, r.hnsw.M, r.hnsw.EFConstruct).As(vectorAlias).
		Build()
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	if err := r.store.CreateIndex(ctx, def); err != nil {
		if errors.Is(err, db.ErrIndexExists) {
			return domain.ErrAlreadyExists
		}
		return storeErr("create index "+col.Name, err)
	}

	if err := r.store.HSet(ctx, metaKey(col.Name), collectionToHash(col)); err != nil {
		return storeErr("hset collection "+col.Name, err)
	}
	return nil
}

// List returns the names of all collections, sorted.
func (r *Repo) List(ctx context.Context) ([]string, error) {
	keys, err := r.store.Scan(ctx, metaKey("*"))
	if err != nil {
		return nil, storeErr("scan collections", err)
	}

	prefix := metaKey("")
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(names)
	return names, nil
}

// SetFingerprint records the corpus fingerprint of a completed population.
func (r *Repo) SetFingerprint(ctx context.Context, name, fingerprint string) error {
	if err := r.store.HSet(ctx, metaKey(name), map[string]string{"fingerprint": fingerprint}); err != nil {
		return storeErr("hset fingerprint "+name, err)
	}
	return nil
}

// Count returns the number of points in a collection.
func (r *Repo) Count(ctx context.Context, name string) (int, error) {
	n, err := r.store.SearchCount(ctx, indexName(name), pointPrefix(name))
	if err != nil {
		return 0, indexErr("count "+name, err)
	}
	return n, nil
}

// Upsert writes all points in one pipelined batch. Points are keyed by
// chunk id, so re-uploading overwrites. A server rejection is
// domain.ErrUploadFailed.
func (r *Repo) Upsert(ctx context.Context, name string, points []domain.Point) error {
	items := make([]db.HashSetItem, len(points))
	for i, p := range points {
		items[i] = db.HashSetItem{Key: pointKey(name, p.ChunkID), Fields: pointToHash(p)}
	}

	if err := r.store.HSetMulti(ctx, items); err != nil {
		if errors.Is(err, db.ErrUnavailable) {
			return storeErr("upsert "+name, err)
		}
		return fmt.Errorf("upsert %s: %w: %w", name, domain.ErrUploadFailed, err)
	}
	return nil
}

// Query returns up to limit chunk ids ranked by cosine similarity, descending.
func (r *Repo) Query(ctx context.Context, name string, vector []float32, limit int) ([]domain.Scored, error) {
	if limit <= 0 {
		return []domain.Scored{}, nil
	}

	res, err := r.store.SearchKNN(ctx, &db.KNNQuery{
		IndexName:    indexName(name),
		VectorField:  vectorAlias,
		Vector:       vector,
		K:            limit,
		ReturnFields: []string{fieldChunkID},
	})
	if err != nil {
		return nil, indexErr("query "+name, err)
	}

	out := make([]domain.Scored, 0, len(res.Entries))
	for _, e := range res.Entries {
		id, err := strconv.Atoi(e.Fields[fieldChunkID])
		if err != nil {
			continue // foreign key under our prefix
		}
		out = append(out, domain.Scored{ChunkID: id, Score: e.Score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, nil
}

// Drop removes the index, every point and the metadata hash.
// A missing index is not an error.
func (r *Repo) Drop(ctx context.Context, name string) error {
	if err := r.store.DropIndex(ctx, indexName(name)); err != nil && !errors.Is(err, db.ErrIndexNotFound) {
		return storeErr("drop index "+name, err)
	}

	keys, err := r.store.Scan(ctx, pointPrefix(name)+"*")
	if err != nil {
		return storeErr("scan points "+name, err)
	}
	keys = append(keys, metaKey(name))

	if err := r.store.Del(ctx, keys...); err != nil {
		return storeErr("del points "+name, err)
	}
	return nil
}

// storeErr marks connectivity failures as domain.ErrVectorStoreUnavailable.
func storeErr(op string, err error) error {
	if errors.Is(err, db.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrVectorStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// indexErr is storeErr for calls that need the collection's FT index.
func indexErr(op string, err error) error {
	if errors.Is(err, db.ErrIndexNotFound) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrIndexNotBuilt, err)
	}
	return storeErr(op, err)
}

// Key patterns: rulesearch:collection:{name}, rulesearch:idx:{name}, rulesearch:{name}:point:{id}

func metaKey(name string) string {
	return fmt.Sprintf("%scollection:%s", domain.KeyPrefix, name)
}

func indexName(name string) string {
	return fmt.Sprintf("%sidx:%s", domain.KeyPrefix, name)
}

func pointPrefix(name string) string {
	return fmt.Sprintf("%s%s:point:", domain.KeyPrefix, name)
}

func pointKey(name string, id int) string {
	return pointPrefix(name) + strconv.Itoa(id)
}
