// Package fusion merges whole-corpus rankings with Reciprocal Rank Fusion.
//
// RRF only looks at rank positions, so BM25 scores and cosine similarities
// never have to be normalized onto a common scale.
package fusion

import (
	"sort"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// DefaultC is the RRF constant (Cormack et al. 2009).
const DefaultC = 60

// RRF scores each chunk as 1/(C+lexicalRank) + 1/(C+semanticRank) with 0-based ranks.
// A chunk ranked first in both lists gets the maximum 2/C.
type RRF struct {
	C int
}

// New creates an RRF fuser. c <= 0 uses DefaultC.
func New(c int) RRF {
	if c <= 0 {
		c = DefaultC
	}
	return RRF{C: c}
}

func (f RRF) constant() float64 {
	if f.C <= 0 {
		return DefaultC
	}
	return float64(f.C)
}

// Fuse merges lexical and semantic rankings (each ordered best first) and
// returns the top k. A chunk missing from one ranking takes that ranking's
// missing rank len(ranking). Either ranking empty yields no results.
func (f RRF) Fuse(lexical, semantic []domain.Scored, k int) []domain.RankedResult {
	if len(lexical) == 0 || len(semantic) == 0 || k <= 0 {
		return []domain.RankedResult{}
	}

	c := f.constant()
	merged := make(map[int]*domain.RankedResult, len(lexical))

	get := func(id int) *domain.RankedResult {
		r, ok := merged[id]
		if !ok {
			r = &domain.RankedResult{ChunkID: id}
			merged[id] = r
		}
		return r
	}

	for rank, s := range lexical {
		r := get(s.ChunkID)
		if r.Lexical.Present {
			continue
		}
		r.Lexical = domain.Component{Score: s.Score, Rank: rank, Present: true}
	}
	for rank, s := range semantic {
		r := get(s.ChunkID)
		if r.Semantic.Present {
			continue
		}
		r.Semantic = domain.Component{Score: s.Score, Rank: rank, Present: true}
	}

	results := make([]domain.RankedResult, 0, len(merged))
	for _, r := range merged {
		if !r.Lexical.Present {
			r.Lexical.Rank = len(lexical)
		}
		if !r.Semantic.Present {
			r.Semantic.Rank = len(semantic)
		}
		r.FusedScore = 1/(c+float64(r.Lexical.Rank)) + 1/(c+float64(r.Semantic.Rank))
		results = append(results, *r)
	}

	return topK(results, k)
}

// Rank applies single-list RRF to one ranking. It backs lexical-only
// degraded answers and marks every result Degraded.
func (f RRF) Rank(ranking []domain.Scored, k int) []domain.RankedResult {
	if len(ranking) == 0 || k <= 0 {
		return []domain.RankedResult{}
	}

	c := f.constant()
	seen := make(map[int]bool, len(ranking))
	results := make([]domain.RankedResult, 0, len(ranking))
	for rank, s := range ranking {
		if seen[s.ChunkID] {
			continue
		}
		seen[s.ChunkID] = true
		results = append(results, domain.RankedResult{
			ChunkID:    s.ChunkID,
			FusedScore: 1 / (c + float64(rank)),
			Lexical:    domain.Component{Score: s.Score, Rank: rank, Present: true},
			Degraded:   true,
		})
	}

	return topK(results, k)
}

// topK sorts by fused score descending, ties by ascending chunk id, and truncates.
func topK(results []domain.RankedResult, k int) []domain.RankedResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].FusedScore != results[j].FusedScore {
			return results[i].FusedScore > results[j].FusedScore
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}
