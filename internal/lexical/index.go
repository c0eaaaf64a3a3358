// Package lexical implements an in-memory BM25 (Okapi) index over corpus chunks.
//
// The index always scores every chunk, so callers get a full ranking of the
// corpus rather than a top-k cut.
package lexical

import (
	"math"
	"sort"
	"strings"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// BM25 Okapi defaults.
const (
	DefaultK1      = 1.5
	DefaultB       = 0.75
	DefaultEpsilon = 0.25
)

// Index is a read-only BM25 structure. Adding chunks means building a new Index.
type Index struct {
	ids       []int
	termFreqs []map[string]int
	lengths   []int
	avgLen    float64
	idf       map[string]float64

	k1        float64
	b         float64
	epsilon   float64
	lowercase bool
}

// Option configures an Index.
type Option func(*Index)

// WithK1 sets the term frequency saturation parameter.
func WithK1(k1 float64) Option {
	return func(x *Index) {
		if k1 > 0 {
			x.k1 = k1
		}
	}
}

// WithB sets the length normalization parameter, in [0, 1].
func WithB(b float64) Option {
	return func(x *Index) {
		if b >= 0 && b <= 1 {
			x.b = b
		}
	}
}

// WithLowercase folds chunk and query tokens to lower case.
func WithLowercase(on bool) Option {
	return func(x *Index) {
		x.lowercase = on
	}
}

// Build tokenizes every chunk and computes document frequencies.
func Build(chunks []domain.Chunk, opts ...Option) *Index {
	x := &Index{
		ids:       make([]int, len(chunks)),
		termFreqs: make([]map[string]int, len(chunks)),
		lengths:   make([]int, len(chunks)),
		idf:       make(map[string]float64),
		k1:        DefaultK1,
		b:         DefaultB,
		epsilon:   DefaultEpsilon,
	}
	for _, opt := range opts {
		opt(x)
	}

	docFreq := make(map[string]int)
	total := 0
	for i, c := range chunks {
		tokens := x.tokenize(c.Text)
		tf := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			tf[tok]++
		}
		for tok := range tf {
			docFreq[tok]++
		}

		x.ids[i] = c.ID
		x.termFreqs[i] = tf
		x.lengths[i] = len(tokens)
		total += len(tokens)
	}

	if len(chunks) > 0 {
		x.avgLen = float64(total) / float64(len(chunks))
	}
	x.computeIDF(docFreq, len(chunks))

	return x
}

// computeIDF uses the Okapi IDF. Terms present in more than half of the
// chunks get a negative IDF, which is floored at epsilon * average IDF.
func (x *Index) computeIDF(docFreq map[string]int, n int) {
	if len(docFreq) == 0 {
		return
	}

	terms := make([]string, 0, len(docFreq))
	for term := range docFreq {
		terms = append(terms, term)
	}
	// Fixed summation order keeps the floor bit-identical across builds.
	sort.Strings(terms)

	var (
		sum      float64
		negative []string
	)
	for _, term := range terms {
		df := docFreq[term]
		idf := math.Log(float64(n)-float64(df)+0.5) - math.Log(float64(df)+0.5)
		x.idf[term] = idf
		sum += idf
		if idf < 0 {
			negative = append(negative, term)
		}
	}

	floor := x.epsilon * sum / float64(len(docFreq))
	for _, term := range negative {
		x.idf[term] = floor
	}
}

// Len returns the number of indexed chunks.
func (x *Index) Len() int {
	return len(x.ids)
}

// Scores returns the BM25 score of every chunk for query, by position.
// An empty query or corpus yields zeros.
func (x *Index) Scores(query string) []float64 {
	scores := make([]float64, len(x.ids))

	terms := x.tokenize(query)
	if len(terms) == 0 || len(x.ids) == 0 {
		return scores
	}

	for i, tf := range x.termFreqs {
		norm := 1 - x.b
		if x.avgLen > 0 {
			norm += x.b * float64(x.lengths[i]) / x.avgLen
		}
		for _, term := range terms {
			f := float64(tf[term])
			if f == 0 {
				continue
			}
			scores[i] += x.idf[term] * f * (x.k1 + 1) / (f + x.k1*norm)
		}
	}
	return scores
}

// Score ranks every chunk for query: score descending, ties by ascending chunk id.
func (x *Index) Score(query string) []domain.Scored {
	raw := x.Scores(query)

	ranked := make([]domain.Scored, len(raw))
	for i, s := range raw {
		ranked[i] = domain.Scored{ChunkID: x.ids[i], Score: s}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ChunkID < ranked[j].ChunkID
	})
	return ranked
}

func (x *Index) tokenize(text string) []string {
	if x.lowercase {
		text = strings.ToLower(text)
	}
	return strings.Fields(text)
}
