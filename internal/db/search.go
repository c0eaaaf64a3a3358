package db

// KNNQuery is the input for vector similarity search.
type KNNQuery struct {
	IndexName    string
	VectorField  string // index attribute holding the vector (alias if set)
	Vector       []float32
	K            int
	ReturnFields []string
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Total   int
	Entries []SearchEntry
}

// SearchEntry is a single document hit from a search.
// For KNN hits Score is the similarity 1 - cosine distance.
type SearchEntry struct {
	Key    string
	Score  float64
	Fields map[string]string
}
