package domain

// KeyPrefix namespaces every key the service writes to the store.
const KeyPrefix = "rulesearch:"

// DistanceCosine is the only distance metric semantic collections are created with.
const DistanceCosine = "cosine"

// Collection describes a semantic collection in the vector store.
// VectorDim is fixed at creation and never changes for the life of the collection.
type Collection struct {
	Name        string
	VectorDim   int
	Metric      string
	CreatedAt   int64
	Fingerprint string // corpus fingerprint of the last completed population
}
