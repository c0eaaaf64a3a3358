package domain

// Component is the contribution of one ranking to a fused result.
// Rank is 0-based; Present is false when the chunk was absent from that ranking.
type Component struct {
	Score   float64
	Rank    int
	Present bool
}

// RankedResult is one fused search hit. It is built per query and never persisted.
type RankedResult struct {
	ChunkID    int
	Text       string
	FusedScore float64
	Lexical    Component
	Semantic   Component
	// Degraded is set when the semantic ranking was unavailable and the
	// result comes from the lexical ranking alone.
	Degraded bool
}
