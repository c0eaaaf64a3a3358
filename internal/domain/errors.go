package domain

import "errors"

var (
	// ErrCorpusNotFound signals that the corpus source path does not exist.
	ErrCorpusNotFound = errors.New("corpus not found")
	// ErrCorpusMalformed signals an unparseable corpus or a record missing the text field.
	ErrCorpusMalformed = errors.New("corpus malformed")

	// ErrEmbeddingProviderUnavailable signals a failed, timed out or short embedding response.
	ErrEmbeddingProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrVectorStoreUnavailable signals a vector store connectivity failure or timeout.
	ErrVectorStoreUnavailable = errors.New("vector store unavailable")
	// ErrUploadFailed signals that the vector store rejected a population batch.
	ErrUploadFailed = errors.New("upload failed")

	// ErrIndexNotBuilt signals that the semantic collection of the active
	// corpus is missing from the store, e.g. dropped by another instance.
	ErrIndexNotBuilt = errors.New("index not built")

	// ErrAlreadyExists signals a duplicate resource.
	ErrAlreadyExists = errors.New("already exists")
	// ErrVectorDimMismatch signals a vector dimension mismatch.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
)
