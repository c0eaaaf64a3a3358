package domain

// Chunk is one retrievable unit of corpus text. ID is 0-based and dense
// within a single load and is the key into both the lexical and semantic indices.
type Chunk struct {
	ID   int
	Text string
}

// Scored is a (chunk id, score) pair produced by one of the rankers.
type Scored struct {
	ChunkID int
	Score   float64
}

// Point is a single entry of a semantic collection.
type Point struct {
	ChunkID int
	Vector  []float32
	Text    string
}
