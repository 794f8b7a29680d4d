package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClampTopK(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultTopK},
		{-3, DefaultTopK},
		{7, 7},
		{100, 100},
		{500, MaxTopK},
	}
	for _, tt := range tests {
		if got := ClampTopK(tt.in); got != tt.want {
			t.Errorf("ClampTopK(%d): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestHTTPClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/search" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req searchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.KnowledgeSpaceID != "billing" || req.Query != "refund" || req.TopK != DefaultTopK {
			t.Errorf("unexpected request %+v", req)
		}
		fmt.Fprint(w, `{"passages":[{"content":"Refunds take 5 days","score":0.91,"source":"faq"}]}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second)
	got, err := c.Search(context.Background(), "billing", "refund", 0)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 || got[0].Score != 0.91 || got[0].Source != "faq" {
		t.Errorf("unexpected passages %+v", got)
	}
}

func TestHTTPClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	if _, err := c.Search(context.Background(), "ks", "q", 3); err == nil {
		t.Errorf("expected error for 503")
	}
	if err := c.Ping(context.Background()); err == nil {
		t.Errorf("expected ping to fail for 503")
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" {
			t.Errorf("unexpected model %q", req.Model)
		}
		fmt.Fprint(w, `{"embedding":[0.5,0.25]}`)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic-embed-text")
	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestOllamaEmbedderEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embedding":[]}`)
	}))
	defer srv.Close()

	if _, err := NewOllamaEmbedder(srv.URL, "m").Embed(context.Background(), "x"); err == nil {
		t.Errorf("expected error for empty embedding")
	}
}
