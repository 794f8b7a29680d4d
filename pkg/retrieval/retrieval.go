// Package retrieval is the client side of the knowledge search service used
// by retrieval tools. Backends: the external RAG service over HTTP, qdrant
// and Postgres with pgvector.
package retrieval

import (
	"context"
)

const (
	DefaultTopK = 5
	MaxTopK     = 100
)

// Passage is one ranked search hit.
type Passage struct {
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Service searches a knowledge space.
type Service interface {
	Search(ctx context.Context, knowledgeSpaceID, query string, topK int) ([]Passage, error)
}

// Pinger is implemented by services that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Embedder converts text into a vector for the vector backends.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ClampTopK applies the default and the upper bound.
func ClampTopK(k int) int {
	switch {
	case k <= 0:
		return DefaultTopK
	case k > MaxTopK:
		return MaxTopK
	}
	return k
}
