package collection

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// Point hash field names.
const (
	fieldChunkID = "chunk_id"
	fieldText    = "text"
	fieldVector  = "__vector"
	vectorAlias  = "vector"
)

// collectionToHash converts a domain Collection to a map for HSET.
func collectionToHash(col domain.Collection) map[string]string {
	m := map[string]string{
		"name":       col.Name,
		"vector_dim": strconv.Itoa(col.VectorDim),
		"metric":     col.Metric,
		"created_at": strconv.FormatInt(col.CreatedAt, 10),
	}
	if col.Fingerprint != "" {
		m["fingerprint"] = col.Fingerprint
	}
	return m
}

// collectionFromHash hydrates a domain Collection from an HGETALL result map.
func collectionFromHash(m map[string]string) (domain.Collection, error) {
	dim, err := strconv.Atoi(m["vector_dim"])
	if err != nil {
		return domain.Collection{}, fmt.Errorf("invalid vector_dim: %w", err)
	}

	var createdAt int64
	if s := m["created_at"]; s != "" {
		createdAt, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return domain.Collection{}, fmt.Errorf("invalid created_at: %w", err)
		}
	}

	metric := m["metric"]
	if metric == "" {
		metric = domain.DistanceCosine
	}

	return domain.Collection{
		Name:        m["name"],
		VectorDim:   dim,
		Metric:      metric,
		CreatedAt:   createdAt,
		Fingerprint: m["fingerprint"],
	}, nil
}

// pointToHash converts a point into the flat hash layout the index covers.
func pointToHash(p domain.Point) map[string]string {
	return map[string]string{
		fieldChunkID: strconv.Itoa(p.ChunkID),
		fieldText:    p.Text,
		fieldVector:  vectorToBytes(p.Vector),
	}
}

// vectorToBytes serializes []float32 to a binary string (4 bytes per float, little-endian).
func vectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}
