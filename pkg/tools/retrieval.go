package tools

import (
	"context"
	"strings"

	"github.com/jllopis/watt/pkg/retrieval"
)

// RetrievalAdapter searches a knowledge space:
// {knowledgeSpaceId, query, topK 1..100 (default 5)}.
type RetrievalAdapter struct {
	service retrieval.Service
}

// NewRetrievalAdapter wraps a retrieval service.
func NewRetrievalAdapter(s retrieval.Service) *RetrievalAdapter {
	return &RetrievalAdapter{service: s}
}

// ValidateInput implements Adapter.
func (a *RetrievalAdapter) ValidateInput(_ context.Context, input map[string]any) bool {
	if strings.TrimSpace(stringArg(input, "knowledgeSpaceId")) == "" {
		return false
	}
	if strings.TrimSpace(stringArg(input, "query")) == "" {
		return false
	}
	if _, present := input["topK"]; present {
		k, ok := intArg(input, "topK")
		if !ok || k < 1 || k > retrieval.MaxTopK {
			return false
		}
	}
	return true
}

// Execute implements Adapter.
func (a *RetrievalAdapter) Execute(ctx context.Context, req Request) (Result, error) {
	topK := retrieval.DefaultTopK
	if k, ok := intArg(req.Input, "topK"); ok {
		topK = k
	}
	passages, err := a.service.Search(ctx, stringArg(req.Input, "knowledgeSpaceId"), stringArg(req.Input, "query"), topK)
	if err != nil {
		return Result{}, err
	}

	items := make([]any, 0, len(passages))
	for _, p := range passages {
		item := map[string]any{"content": p.Content, "score": p.Score}
		if p.Source != "" {
			item["source"] = p.Source
		}
		if len(p.Metadata) > 0 {
			item["metadata"] = p.Metadata
		}
		items = append(items, item)
	}
	return Result{
		Success: true,
		Output:  map[string]any{"passages": items, "count": len(items)},
	}, nil
}

// HealthCheck pings the service when it supports it.
func (a *RetrievalAdapter) HealthCheck(ctx context.Context) bool {
	if p, ok := a.service.(retrieval.Pinger); ok {
		return p.Ping(ctx) == nil
	}
	return a.service != nil
}

var _ Adapter = (*RetrievalAdapter)(nil)
